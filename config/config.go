// Package config loads the space configuration file consumed at gateway
// startup: space id, participants, bearer tokens, and initial
// capability sets. The gateway reads it once; runtime grants/revokes mutate
// an in-memory copy, never the file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mew-space/mew/capability"
)

// Space is the parsed space configuration file.
type Space struct {
	ID           string                   `yaml:"id"`
	Participants []ParticipantConfig      `yaml:"participants"`
	Displacement DisplacementPolicy       `yaml:"displacement_policy,omitempty"`
}

// DisplacementPolicy controls what happens when a second session admits
// with an identity already active.
type DisplacementPolicy string

const (
	// Reject denies the second admission outright (the default).
	Reject DisplacementPolicy = "reject"
	// Displace terminates the prior session with a `displaced` system/error
	// and admits the new one.
	Displace DisplacementPolicy = "displace"
)

// ParticipantConfig declares one participant's identity, token, and initial
// capability grants.
type ParticipantConfig struct {
	Identity     string          `yaml:"identity"`
	Token        string          `yaml:"token"`
	Capabilities []PatternConfig `yaml:"capabilities"`
}

// PatternConfig is the YAML representation of a capability.Pattern.
type PatternConfig struct {
	Kind    string `yaml:"kind"`
	Payload any    `yaml:"payload,omitempty"`
}

// ToPattern converts the YAML form into a capability.Pattern.
func (p PatternConfig) ToPattern() capability.Pattern {
	return capability.Pattern{KindPattern: p.Kind, PayloadPattern: normalize(p.Payload)}
}

// normalize converts yaml.v3's map[string]interface{} decoding (which uses
// map[string]interface{} already for mappings, but nested scalars may be
// typed as int/float rather than the JSON-flavoured types the payload
// matcher expects) into the plain string/float64/bool/map/slice shapes
// produced by encoding/json, so capability.Permits compares like with like.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalize(vv)
		}
		return out
	case int:
		return float64(t)
	default:
		return t
	}
}

// Load reads and parses the space configuration file at path.
func Load(path string) (*Space, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading space config %q: %w", path, err)
	}
	var s Space
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing space config %q: %w", path, err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("space config %q: missing id", path)
	}
	if s.Displacement == "" {
		s.Displacement = Reject
	}
	seen := make(map[string]struct{}, len(s.Participants))
	for _, p := range s.Participants {
		if p.Identity == "" {
			return nil, fmt.Errorf("space config %q: participant missing identity", path)
		}
		if p.Token == "" {
			return nil, fmt.Errorf("space config %q: participant %q missing token", path, p.Identity)
		}
		if _, dup := seen[p.Identity]; dup {
			return nil, fmt.Errorf("space config %q: duplicate participant identity %q", path, p.Identity)
		}
		seen[p.Identity] = struct{}{}
	}
	return &s, nil
}

// ResolveToken looks up the participant configured with the given bearer
// token, returning ok=false if no participant uses it.
func (s *Space) ResolveToken(token string) (ParticipantConfig, bool) {
	for _, p := range s.Participants {
		if p.Token == token {
			return p, true
		}
	}
	return ParticipantConfig{}, false
}
