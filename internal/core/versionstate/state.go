// Package versionstate edits the flat KEY=VALUE file that records the active
// version on the target host.
//
// Editing is a pure read-modify-write over the file content: an existing
// assignment is replaced in place, a missing one is appended, and duplicate
// assignments left by older tooling collapse into the first one. Comments,
// blank lines and unrelated keys are preserved as written.
package versionstate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Keys written by an activation.
const (
	KeyImageTag      = "IMAGE_TAG"
	KeyImageRegistry = "IMAGE_REGISTRY"
)

var (
	ErrInvalidKey   = errors.New("invalid state key")
	ErrInvalidValue = errors.New("state value must be a single line")
)

var keyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Assignment is one KEY=VALUE update.
type Assignment struct {
	Key   string
	Value string
}

type line struct {
	raw string
	key string // "" for comments, blanks and unparseable lines
}

// State is a parsed version state file.
type State struct {
	lines []line
}

// Parse parses file content. It never fails: lines that are not assignments
// are kept verbatim.
func Parse(content string) *State {
	s := &State{}
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.TrimSuffix(content, "\n")
	if content == "" {
		return s
	}
	for _, raw := range strings.Split(content, "\n") {
		s.lines = append(s.lines, line{raw: raw, key: parseKey(raw)})
	}
	return s
}

func parseKey(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ""
	}
	trimmed = strings.TrimPrefix(trimmed, "export ")
	eq := strings.IndexByte(trimmed, '=')
	if eq <= 0 {
		return ""
	}
	key := strings.TrimSpace(trimmed[:eq])
	if !keyRegex.MatchString(key) {
		return ""
	}
	return key
}

// Get returns the value of the first assignment of key.
func (s *State) Get(key string) (string, bool) {
	for _, l := range s.lines {
		if l.key == key {
			_, value, _ := strings.Cut(l.raw, "=")
			return strings.TrimSpace(value), true
		}
	}
	return "", false
}

// Count returns how many assignment lines key has.
func (s *State) Count(key string) int {
	n := 0
	for _, l := range s.lines {
		if l.key == key {
			n++
		}
	}
	return n
}

// Set assigns key. The first existing assignment is replaced and any later
// duplicates are dropped; without one, the assignment is appended.
func (s *State) Set(key, value string) error {
	if !keyRegex.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("%w: %s", ErrInvalidValue, key)
	}

	assignment := key + "=" + value
	out := s.lines[:0:0]
	replaced := false
	for _, l := range s.lines {
		if l.key != key {
			out = append(out, l)
			continue
		}
		if !replaced {
			out = append(out, line{raw: assignment, key: key})
			replaced = true
		}
	}
	if !replaced {
		out = append(out, line{raw: assignment, key: key})
	}
	s.lines = out
	return nil
}

// Render returns the file content with a trailing newline.
func (s *State) Render() string {
	if len(s.lines) == 0 {
		return ""
	}
	var b strings.Builder
	for _, l := range s.lines {
		b.WriteString(l.raw)
		b.WriteByte('\n')
	}
	return b.String()
}

// Apply parses content, applies the assignments in order and renders the result.
func Apply(content string, assignments ...Assignment) (string, error) {
	s := Parse(content)
	for _, a := range assignments {
		if err := s.Set(a.Key, a.Value); err != nil {
			return "", err
		}
	}
	return s.Render(), nil
}

// ActivationAssignments returns the assignments an activation writes.
func ActivationAssignments(version, registry string) []Assignment {
	return []Assignment{
		{Key: KeyImageTag, Value: version},
		{Key: KeyImageRegistry, Value: registry},
	}
}
