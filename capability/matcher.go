package capability

import (
	"encoding/json"
	"strings"
)

// Permits returns true iff some pattern in caps matches envelope's kind and,
// when present, its payload template. An empty capability set
// never permits anything.
func Permits(caps Set, kind string, payload json.RawMessage) bool {
	if len(caps) == 0 {
		return false
	}
	var decoded any
	if len(payload) > 0 {
		// Errors decoding the payload are not fatal here: a pattern with no
		// payload fragment can still match on kind alone.
		_ = json.Unmarshal(payload, &decoded)
	}
	for _, p := range caps {
		if !p.MatchesKind(kind) {
			continue
		}
		if p.PayloadPattern == nil {
			return true
		}
		if matchValue(p.PayloadPattern, decoded) {
			return true
		}
	}
	return false
}

// matchValue implements the payload template match: the template side drives the
// comparison. Every field present in the template must be present in the
// envelope payload with a matching value; extra envelope fields/elements are
// ignored.
func matchValue(pattern, value any) bool {
	switch pv := pattern.(type) {
	case map[string]any:
		vm, ok := value.(map[string]any)
		if !ok {
			return false
		}
		for k, pval := range pv {
			vval, present := vm[k]
			if !present {
				return false
			}
			if !matchValue(pval, vval) {
				return false
			}
		}
		return true
	case []any:
		va, ok := value.([]any)
		if !ok {
			return false
		}
		if len(pv) > len(va) {
			return false
		}
		for i, pel := range pv {
			if !matchValue(pel, va[i]) {
				return false
			}
		}
		return true
	case string:
		if pv == "*" {
			return true
		}
		vs, ok := value.(string)
		if !ok {
			return false
		}
		if strings.Contains(pv, "*") {
			return globMatch(pv, vs)
		}
		return pv == vs
	default:
		return pattern == value
	}
}

// globMatch matches a scalar string pattern containing "*" wildcards against
// s, segment-free (the "*" here can match any run of characters, unlike the
// single-segment "*" used for kinds).
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	pos := 0
	for i, part := range parts {
		if part == "" {
			continue
		}
		idx := strings.Index(s[pos:], part)
		if idx == -1 {
			return false
		}
		if i == 0 && idx != 0 {
			return false
		}
		pos += idx + len(part)
	}
	last := parts[len(parts)-1]
	return last == "" || strings.HasSuffix(s, last)
}
