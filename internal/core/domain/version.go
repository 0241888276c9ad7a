package domain

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// LatestTag is the mutable alias every activated image also carries.
const LatestTag = "latest"

// VersionTimeFormat formats the timestamp-derived default version tag,
// e.g. "20251224-1000".
const VersionTimeFormat = "20060102-1504"

var (
	ErrVersionTagInvalid  = errors.New("version tag must match [A-Za-z0-9_][A-Za-z0-9_.-]{0,127}")
	ErrVersionTagReserved = errors.New(`version tag "latest" is reserved for the mutable alias`)
)

var versionTagRegex = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)

// ResolveVersionTag picks the run's version tag: the explicit argument wins,
// then the environment-supplied value, then a tag derived from now.
func ResolveVersionTag(explicit, fromEnv string, now time.Time) (string, error) {
	tag := strings.TrimSpace(explicit)
	if tag == "" {
		tag = strings.TrimSpace(fromEnv)
	}
	if tag == "" {
		tag = now.Format(VersionTimeFormat)
	}
	if err := ValidateVersionTag(tag); err != nil {
		return "", err
	}
	return tag, nil
}

// ValidateVersionTag checks a tag against the Docker tag grammar.
func ValidateVersionTag(tag string) error {
	if tag == LatestTag {
		return ErrVersionTagReserved
	}
	if !versionTagRegex.MatchString(tag) {
		return ErrVersionTagInvalid
	}
	return nil
}
