package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
id: demo-space
displacement_policy: displace
participants:
  - identity: alice
    token: tok-alice
    capabilities:
      - kind: chat
  - identity: human
    token: tok-human
    capabilities:
      - kind: "*"
  - identity: fs
    token: tok-fs
    capabilities:
      - kind: mcp/response
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "space.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	space, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "demo-space", space.ID)
	assert.Equal(t, Displace, space.Displacement)
	assert.Len(t, space.Participants, 3)

	p, ok := space.ResolveToken("tok-human")
	require.True(t, ok)
	assert.Equal(t, "human", p.Identity)

	_, ok = space.ResolveToken("unknown")
	assert.False(t, ok)
}

func TestLoadDefaultsDisplacementPolicy(t *testing.T) {
	path := writeTemp(t, "id: s\nparticipants: []\n")
	space, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Reject, space.Displacement)
}

func TestLoadRejectsMissingID(t *testing.T) {
	path := writeTemp(t, "participants: []\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateIdentity(t *testing.T) {
	path := writeTemp(t, `
id: s
participants:
  - identity: a
    token: t1
  - identity: a
    token: t2
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestPatternConfigToPattern(t *testing.T) {
	pc := PatternConfig{
		Kind: "mcp/request",
		Payload: map[string]any{
			"method": "tools/call",
			"params": map[string]any{"name": "read_*"},
		},
	}
	pattern := pc.ToPattern()
	assert.Equal(t, "mcp/request", pattern.KindPattern)
	assert.NotNil(t, pattern.PayloadPattern)
}
