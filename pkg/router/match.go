package router

import (
	"errors"
	"fmt"
	"strings"
)

// Wildcard segments.
const (
	SingleWildcard = "*"
	MultiWildcard  = ">"
)

var (
	// ErrInvalidPattern is returned for patterns that can never match.
	ErrInvalidPattern = errors.New("router: invalid pattern")
	// ErrInvalidTopic is returned for concrete topics that are malformed.
	ErrInvalidTopic = errors.New("router: invalid topic")
)

// ValidatePattern checks a subscription pattern: non-empty dot-separated
// segments, where ">" may only appear as the final segment.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	segs := strings.Split(pattern, ".")
	for i, s := range segs {
		switch {
		case s == "":
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPattern, pattern)
		case s == MultiWildcard && i != len(segs)-1:
			return fmt.Errorf("%w: %q must be the last segment in %q", ErrInvalidPattern, MultiWildcard, pattern)
		case s != SingleWildcard && s != MultiWildcard && strings.ContainsAny(s, "*>"):
			return fmt.Errorf("%w: wildcard inside segment %q", ErrInvalidPattern, s)
		}
	}
	return nil
}

// ValidateTopic checks a concrete topic: non-empty segments and no wildcards.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}
	for _, s := range strings.Split(topic, ".") {
		if s == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidTopic, topic)
		}
		if strings.ContainsAny(s, "*> ") {
			return fmt.Errorf("%w: %q contains wildcard or space", ErrInvalidTopic, topic)
		}
	}
	return nil
}

// Match reports whether topic matches pattern.
func Match(pattern, topic string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(topic, "."))
}

func matchSegments(pattern, topic []string) bool {
	for i, p := range pattern {
		if p == MultiWildcard {
			return i == len(pattern)-1 && len(topic) > i
		}
		if i >= len(topic) {
			return false
		}
		if p != SingleWildcard && p != topic[i] {
			return false
		}
	}
	return len(pattern) == len(topic)
}
