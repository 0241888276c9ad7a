// Package retention decides which on-host image versions to remove.
// This is part of the Functional Core - all functions are pure with no I/O.
package retention

import (
	"bufio"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DanglingTag is how the container runtime lists untagged images.
const DanglingTag = "<none>"

// latestTag mirrors domain.LatestTag; the alias is never a deletion candidate.
const latestTag = "latest"

// CreatedAtLayout is the layout of the CreatedAt column of `docker image ls`.
const CreatedAtLayout = "2006-01-02 15:04:05 -0700 MST"

// ImageTag is one tag of an image repository on the host.
type ImageTag struct {
	Tag     string
	Created time.Time
}

// Plan is the outcome of applying a keep count to a repository's tags.
type Plan struct {
	Keep   []ImageTag // candidates retained, newest first
	Delete []ImageTag // candidates to remove, newest first
	Exempt []ImageTag // never candidates: the active tag and "latest"
}

// Build computes the retention plan for one repository. The active tag and
// "latest" are exempt; of the remaining tags the newest keep-1 are retained
// and the rest deleted. A keep below 1 is treated as 1.
func Build(tags []ImageTag, active string, keep int) Plan {
	if keep < 1 {
		keep = 1
	}

	var plan Plan
	var candidates []ImageTag
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		if t.Tag == "" || t.Tag == DanglingTag || seen[t.Tag] {
			continue
		}
		seen[t.Tag] = true
		if t.Tag == active || t.Tag == latestTag {
			plan.Exempt = append(plan.Exempt, t)
			continue
		}
		candidates = append(candidates, t)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Created.Equal(candidates[j].Created) {
			// Tags are usually timestamps; a larger tag is the newer one.
			return candidates[i].Tag > candidates[j].Tag
		}
		return candidates[i].Created.After(candidates[j].Created)
	})

	retain := keep - 1
	if retain > len(candidates) {
		retain = len(candidates)
	}
	plan.Keep = candidates[:retain]
	plan.Delete = candidates[retain:]
	return plan
}

// ParseImageList parses `docker image ls --format '{{.Tag}}\t{{.CreatedAt}}'`
// output. Lines with an unparseable timestamp keep a zero Created time so
// they sort as oldest.
func ParseImageList(output string) ([]ImageTag, error) {
	var tags []ImageTag
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		tag, created, _ := strings.Cut(raw, "\t")
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return nil, fmt.Errorf("image list line without tag: %q", raw)
		}
		t := ImageTag{Tag: tag}
		if ts, err := time.Parse(CreatedAtLayout, strings.TrimSpace(created)); err == nil {
			t.Created = ts
		}
		tags = append(tags, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tags, nil
}

// Remaining returns the candidate count left after the plan is applied.
func (p Plan) Remaining() int {
	return len(p.Keep)
}
