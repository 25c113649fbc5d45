// Package capability implements the pure pattern-matching engine that decides
// whether a given envelope is permitted for a given sender.
package capability

import (
	"strings"
)

// Pattern authorizes a sender to emit envelopes matching kindPattern and,
// optionally, a payload template.
type Pattern struct {
	// KindPattern is a glob over slash segments: "*" matches one segment,
	// "**" matches zero or more remaining segments and must be last,
	// anything else must match literally.
	KindPattern string
	// PayloadPattern is an optional structured partial template matched
	// against the envelope payload. A nil value means the kind match alone
	// suffices.
	PayloadPattern any
}

// Set is an ordered collection of patterns granted to a participant. Grants
// and revokes swap the whole set atomically.
type Set []Pattern

// MatchesKind reports whether kind satisfies the pattern's KindPattern under
// the segment-glob algorithm.
func (p Pattern) MatchesKind(kind string) bool {
	// An unconditional wildcard "*" in isolation matches any kind at any
	// depth -- distinct from a "*" segment elsewhere in a
	// multi-segment pattern, which matches exactly one segment.
	if p.KindPattern == "*" {
		return true
	}
	return matchKindSegments(strings.Split(p.KindPattern, "/"), strings.Split(kind, "/"))
}

// matchKindSegments walks pattern and kind segment lists left to right.
// "**" is greedy and terminal: once encountered it consumes all remaining
// kind segments (including zero), so it must be the last pattern segment.
func matchKindSegments(pattern, kind []string) bool {
	for i, seg := range pattern {
		if seg == "**" {
			// ** must be last; matches zero or more remaining segments.
			return i == len(pattern)-1
		}
		if i >= len(kind) {
			return false
		}
		if seg != "*" && seg != kind[i] {
			return false
		}
	}
	return len(pattern) == len(kind)
}
