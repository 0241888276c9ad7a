package retention

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tagsAt(base time.Time, names ...string) []ImageTag {
	tags := make([]ImageTag, 0, len(names))
	for i, n := range names {
		tags = append(tags, ImageTag{Tag: n, Created: base.Add(time.Duration(i) * time.Hour)})
	}
	return tags
}

func tagNames(tags []ImageTag) []string {
	names := make([]string, 0, len(tags))
	for _, t := range tags {
		names = append(names, t.Tag)
	}
	return names
}

// =============================================================================
// Build Tests
// =============================================================================

func TestBuild_KeepsNewestAndExemptsActive(t *testing.T) {
	base := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	tags := tagsAt(base, "v1", "v2", "v3", "v4", "v5")
	tags = append(tags, ImageTag{Tag: "latest", Created: base.Add(5 * time.Hour)})

	plan := Build(tags, "v5", 3)

	assert.Equal(t, []string{"v4", "v3"}, tagNames(plan.Keep))
	assert.Equal(t, []string{"v2", "v1"}, tagNames(plan.Delete))
	assert.ElementsMatch(t, []string{"v5", "latest"}, tagNames(plan.Exempt))
}

func TestBuild_ActiveIsOldest(t *testing.T) {
	// Re-activating an older version must not delete it.
	base := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	plan := Build(tagsAt(base, "v1", "v2", "v3"), "v1", 2)

	assert.Equal(t, []string{"v3"}, tagNames(plan.Keep))
	assert.Equal(t, []string{"v2"}, tagNames(plan.Delete))
}

func TestBuild_KeepOneDeletesAllCandidates(t *testing.T) {
	base := time.Now()
	plan := Build(tagsAt(base, "a", "b", "c"), "c", 1)
	assert.Empty(t, plan.Keep)
	assert.ElementsMatch(t, []string{"a", "b"}, tagNames(plan.Delete))
}

func TestBuild_KeepBelowOneTreatedAsOne(t *testing.T) {
	plan := Build(tagsAt(time.Now(), "a", "b"), "b", 0)
	assert.Equal(t, []string{"a"}, tagNames(plan.Delete))
}

func TestBuild_FewerThanKeep(t *testing.T) {
	plan := Build(tagsAt(time.Now(), "a", "b"), "b", 5)
	assert.Equal(t, []string{"a"}, tagNames(plan.Keep))
	assert.Empty(t, plan.Delete)
}

func TestBuild_IgnoresDanglingAndDuplicates(t *testing.T) {
	base := time.Now()
	tags := []ImageTag{
		{Tag: DanglingTag, Created: base},
		{Tag: "v1", Created: base},
		{Tag: "v1", Created: base},
		{Tag: "v2", Created: base.Add(time.Minute)},
	}
	plan := Build(tags, "v2", 1)
	assert.Equal(t, []string{"v1"}, tagNames(plan.Delete))
	assert.Equal(t, []string{"v2"}, tagNames(plan.Exempt))
}

func TestBuild_EqualTimestampsOrderByTag(t *testing.T) {
	ts := time.Now()
	tags := []ImageTag{{Tag: "20251201-1000", Created: ts}, {Tag: "20251202-1000", Created: ts}, {Tag: "20251130-1000", Created: ts}}
	plan := Build(tags, "active", 2)
	assert.Equal(t, []string{"20251202-1000"}, tagNames(plan.Keep))
}

// TestBuild_RetentionInvariant checks count(candidates) - deleted <= keep-1
// for a range of inputs.
func TestBuild_RetentionInvariant(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for n := 0; n <= 8; n++ {
		for keep := 1; keep <= 5; keep++ {
			names := make([]string, 0, n)
			for i := 0; i < n; i++ {
				names = append(names, fmt.Sprintf("v%d", i))
			}
			tags := append(tagsAt(base, names...), ImageTag{Tag: "latest"})
			active := "v0"

			plan := Build(tags, active, keep)

			candidates := 0
			for _, tg := range tags {
				if tg.Tag != active && tg.Tag != "latest" {
					candidates++
				}
			}
			assert.LessOrEqual(t, candidates-len(plan.Delete), keep-1, "n=%d keep=%d", n, keep)
			for _, d := range plan.Delete {
				assert.NotEqual(t, active, d.Tag)
				assert.NotEqual(t, "latest", d.Tag)
			}
		}
	}
}

// =============================================================================
// ParseImageList Tests
// =============================================================================

func TestParseImageList(t *testing.T) {
	out := "20251224-1000\t2025-12-24 10:02:11 +0000 UTC\nlatest\t2025-12-24 10:02:11 +0000 UTC\n\n<none>\t2025-12-01 08:00:00 +0100 CET\nbroken\tyesterday\n"

	tags, err := ParseImageList(out)
	require.NoError(t, err)
	require.Len(t, tags, 4)

	assert.Equal(t, "20251224-1000", tags[0].Tag)
	assert.Equal(t, time.Date(2025, 12, 24, 10, 2, 11, 0, time.UTC), tags[0].Created.UTC())
	assert.Equal(t, DanglingTag, tags[2].Tag)
	assert.True(t, tags[3].Created.IsZero())
}

func TestParseImageList_Empty(t *testing.T) {
	tags, err := ParseImageList("")
	require.NoError(t, err)
	assert.Empty(t, tags)
}
