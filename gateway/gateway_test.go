package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/mew-space/mew/audit"
	"github.com/mew-space/mew/capability"
	"github.com/mew-space/mew/config"
	"github.com/mew-space/mew/envelope"
)

// memTransport is an in-memory Transport used by the test suite: every sent
// envelope lands on a buffered channel the test can drain.
type memTransport struct {
	out    chan *envelope.Envelope
	closed bool
}

func newMemTransport() *memTransport {
	return &memTransport{out: make(chan *envelope.Envelope, 256)}
}

func (m *memTransport) Send(_ context.Context, e *envelope.Envelope) error {
	m.out <- e
	return nil
}

func (m *memTransport) Close() error {
	m.closed = true
	return nil
}

type memSink struct {
	entries []audit.Entry
}

func (m *memSink) Append(_ context.Context, e audit.Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func (m *memSink) Close() error { return nil }

func testSpace(t *testing.T, displacement config.DisplacementPolicy) (*Space, *memSink) {
	t.Helper()
	cfg := &config.Space{
		ID:           "demo",
		Displacement: displacement,
		Participants: []config.ParticipantConfig{
			{Identity: "alice", Token: "tok-alice", Capabilities: []config.PatternConfig{
				{Kind: "chat"},
				{Kind: "capability/*"},
			}},
			{Identity: "bob", Token: "tok-bob", Capabilities: []config.PatternConfig{
				{Kind: "chat"},
			}},
			{Identity: "restricted", Token: "tok-restricted", Capabilities: nil},
		},
	}
	sink := &memSink{}
	space := New(cfg, Options{Audit: sink, IngestRate: rate.Inf, IngestBurst: 1000})
	return space, sink
}

// expectEnvelope reads the next envelope off ch, failing the test if it
// doesn't arrive in time or doesn't have the expected kind.
func expectEnvelope(t *testing.T, ch chan *envelope.Envelope, kind string) *envelope.Envelope {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, kind, got.Kind)
		return got
	case <-time.After(time.Second):
		t.Fatalf("expected a %s envelope, got none", kind)
		return nil
	}
}

// expectNone asserts that ch delivers nothing within the given window.
func expectNone(t *testing.T, ch chan *envelope.Envelope, within time.Duration) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("expected no envelope, got %+v", got)
	case <-time.After(within):
	}
}

func TestAdmitUnauthorized(t *testing.T) {
	space, _ := testSpace(t, config.Reject)
	_, err := space.Admit(context.Background(), "bad-token", newMemTransport())
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAdmitRejectsDuplicateByDefault(t *testing.T) {
	space, _ := testSpace(t, config.Reject)
	ctx := context.Background()
	_, err := space.Admit(ctx, "tok-alice", newMemTransport())
	require.NoError(t, err)

	_, err = space.Admit(ctx, "tok-alice", newMemTransport())
	require.ErrorIs(t, err, ErrDuplicateIdentity)
}

func TestAdmitDisplacesWhenConfigured(t *testing.T) {
	space, _ := testSpace(t, config.Displace)
	ctx := context.Background()
	first, err := space.Admit(ctx, "tok-alice", newMemTransport())
	require.NoError(t, err)
	space.Activate(ctx, first)

	second, err := space.Admit(ctx, "tok-alice", newMemTransport())
	require.NoError(t, err)
	space.Activate(ctx, second)

	require.Eventually(t, func() bool { return first.State() == StateClosed }, time.Second, time.Millisecond)
}

func TestIngestRoutesDirectedEnvelope(t *testing.T) {
	space, sink := testSpace(t, config.Reject)
	ctx := context.Background()

	aliceT := newMemTransport()
	alice, err := space.Admit(ctx, "tok-alice", aliceT)
	require.NoError(t, err)
	space.Activate(ctx, alice)

	bobT := newMemTransport()
	bob, err := space.Admit(ctx, "tok-bob", bobT)
	require.NoError(t, err)
	space.Activate(ctx, bob)

	expectEnvelope(t, bobT.out, envelope.KindSystemWelcome)

	msg := chatEnvelope(t, "alice", []string{"bob"})
	require.NoError(t, space.Ingest(ctx, alice, msg))

	got := expectEnvelope(t, bobT.out, "chat")
	assert.Equal(t, "alice", got.From)
	// the sender-supplied id must survive ingestion unchanged.
	assert.Equal(t, "placeholder", got.ID)

	require.Len(t, sink.entries, 1)
	assert.Equal(t, audit.Admitted, sink.entries[0].Decision)
	assert.Equal(t, "placeholder", sink.entries[0].Envelope.ID)
}

func TestIngestBroadcastExcludesSender(t *testing.T) {
	space, _ := testSpace(t, config.Reject)
	ctx := context.Background()

	aliceT := newMemTransport()
	alice, err := space.Admit(ctx, "tok-alice", aliceT)
	require.NoError(t, err)
	space.Activate(ctx, alice)

	bobT := newMemTransport()
	bob, err := space.Admit(ctx, "tok-bob", bobT)
	require.NoError(t, err)
	space.Activate(ctx, bob)

	// drain the welcome alice and bob each got on admission, plus the
	// presence(join) broadcast alice received when bob joined.
	expectEnvelope(t, aliceT.out, envelope.KindSystemWelcome)
	expectEnvelope(t, aliceT.out, envelope.KindSystemPresence)
	expectEnvelope(t, bobT.out, envelope.KindSystemWelcome)

	msg := chatEnvelope(t, "alice", nil)
	require.NoError(t, space.Ingest(ctx, alice, msg))

	expectEnvelope(t, bobT.out, "chat")
	expectNone(t, aliceT.out, 100*time.Millisecond)
}

func TestIngestDeniesUncapableSender(t *testing.T) {
	space, sink := testSpace(t, config.Reject)
	ctx := context.Background()

	rT := newMemTransport()
	restricted, err := space.Admit(ctx, "tok-restricted", rT)
	require.NoError(t, err)
	space.Activate(ctx, restricted)

	expectEnvelope(t, rT.out, envelope.KindSystemWelcome)

	msg := chatEnvelope(t, "restricted", nil)
	err = space.Ingest(ctx, restricted, msg)
	require.ErrorIs(t, err, ErrCapabilityDenied)

	require.Len(t, sink.entries, 1)
	assert.Equal(t, audit.Denied, sink.entries[0].Decision)

	got := expectEnvelope(t, rT.out, envelope.KindSystemError)
	assert.Equal(t, []string{"placeholder"}, got.CorrelationID)
}

func TestIngestRejectsIdentityMismatch(t *testing.T) {
	space, _ := testSpace(t, config.Reject)
	ctx := context.Background()

	aliceT := newMemTransport()
	alice, err := space.Admit(ctx, "tok-alice", aliceT)
	require.NoError(t, err)
	space.Activate(ctx, alice)

	msg := chatEnvelope(t, "bob", nil)
	err = space.Ingest(ctx, alice, msg)
	require.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestGrantAddsCapabilityAndRevokeRemovesIt(t *testing.T) {
	space, _ := testSpace(t, config.Reject)
	ctx := context.Background()

	rT := newMemTransport()
	restricted, err := space.Admit(ctx, "tok-restricted", rT)
	require.NoError(t, err)
	space.Activate(ctx, restricted)

	grant := capability.Set{{KindPattern: "chat"}}
	updated, err := space.Grant(ctx, "restricted", grant)
	require.NoError(t, err)
	assert.True(t, capability.Permits(updated, "chat", nil))

	msg := chatEnvelope(t, "restricted", nil)
	require.NoError(t, space.Ingest(ctx, restricted, msg))

	revoked, err := space.Revoke(ctx, "restricted", grant)
	require.NoError(t, err)
	assert.False(t, capability.Permits(revoked, "chat", nil))

	msg2 := chatEnvelope(t, "restricted", nil)
	err = space.Ingest(ctx, restricted, msg2)
	require.ErrorIs(t, err, ErrCapabilityDenied)
}

func TestCloseStopsFurtherIngest(t *testing.T) {
	space, _ := testSpace(t, config.Reject)
	ctx := context.Background()

	aliceT := newMemTransport()
	alice, err := space.Admit(ctx, "tok-alice", aliceT)
	require.NoError(t, err)
	space.Activate(ctx, alice)

	require.NoError(t, space.Close(ctx, "alice"))
	require.Eventually(t, func() bool { return alice.State() == StateClosed }, time.Second, time.Millisecond)
	assert.True(t, aliceT.closed)

	err = space.Ingest(ctx, alice, chatEnvelope(t, "alice", nil))
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAdmitEmitsWelcomeAndBroadcastsPresence(t *testing.T) {
	space, _ := testSpace(t, config.Reject)
	ctx := context.Background()

	aliceT := newMemTransport()
	alice, err := space.Admit(ctx, "tok-alice", aliceT)
	require.NoError(t, err)
	space.Activate(ctx, alice)

	welcome := expectEnvelope(t, aliceT.out, envelope.KindSystemWelcome)
	var welcomeBody struct {
		Capabilities []struct {
			Kind string `json:"kind"`
		} `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(welcome.Payload, &welcomeBody))
	require.Len(t, welcomeBody.Capabilities, 2)

	bobT := newMemTransport()
	_, err = space.Admit(ctx, "tok-bob", bobT)
	require.NoError(t, err)

	join := expectEnvelope(t, aliceT.out, envelope.KindSystemPresence)
	var presenceBody struct {
		Event    string `json:"event"`
		Identity string `json:"identity"`
	}
	require.NoError(t, json.Unmarshal(join.Payload, &presenceBody))
	assert.Equal(t, "join", presenceBody.Event)
	assert.Equal(t, "bob", presenceBody.Identity)
}

func TestCloseBroadcastsPresenceLeave(t *testing.T) {
	space, _ := testSpace(t, config.Reject)
	ctx := context.Background()

	aliceT := newMemTransport()
	alice, err := space.Admit(ctx, "tok-alice", aliceT)
	require.NoError(t, err)
	space.Activate(ctx, alice)
	expectEnvelope(t, aliceT.out, envelope.KindSystemWelcome)

	bobT := newMemTransport()
	bob, err := space.Admit(ctx, "tok-bob", bobT)
	require.NoError(t, err)
	space.Activate(ctx, bob)
	expectEnvelope(t, bobT.out, envelope.KindSystemWelcome)
	expectEnvelope(t, aliceT.out, envelope.KindSystemPresence)

	require.NoError(t, space.Close(ctx, "bob"))

	leave := expectEnvelope(t, aliceT.out, envelope.KindSystemPresence)
	var body struct {
		Event    string `json:"event"`
		Identity string `json:"identity"`
	}
	require.NoError(t, json.Unmarshal(leave.Payload, &body))
	assert.Equal(t, "leave", body.Event)
	assert.Equal(t, "bob", body.Identity)
}

func TestIngestAppliesCapabilityGrantEnvelope(t *testing.T) {
	space, _ := testSpace(t, config.Reject)
	ctx := context.Background()

	aliceT := newMemTransport()
	alice, err := space.Admit(ctx, "tok-alice", aliceT)
	require.NoError(t, err)
	space.Activate(ctx, alice)
	expectEnvelope(t, aliceT.out, envelope.KindSystemWelcome)

	rT := newMemTransport()
	restricted, err := space.Admit(ctx, "tok-restricted", rT)
	require.NoError(t, err)
	space.Activate(ctx, restricted)
	expectEnvelope(t, rT.out, envelope.KindSystemWelcome)
	expectEnvelope(t, aliceT.out, envelope.KindSystemPresence)

	// restricted starts with no capabilities: chat is denied.
	err = space.Ingest(ctx, restricted, chatEnvelope(t, "restricted", nil))
	require.ErrorIs(t, err, ErrCapabilityDenied)
	expectEnvelope(t, rT.out, envelope.KindSystemError)

	grant := grantEnvelope(t, "alice", "restricted", "chat")
	require.NoError(t, space.Ingest(ctx, alice, grant))

	// restricted is updated with a fresh system/welcome reflecting the grant,
	// and the grant envelope itself is still routed to its recipient.
	expectEnvelope(t, rT.out, envelope.KindSystemWelcome)
	expectEnvelope(t, rT.out, envelope.KindCapabilityGrant)

	require.NoError(t, space.Ingest(ctx, restricted, chatEnvelope(t, "restricted", nil)))
}

func grantEnvelope(t *testing.T, from, target, kind string) []byte {
	t.Helper()
	e := map[string]any{
		"protocol": envelope.CurrentVersion,
		"id":       "grant-1",
		"from":     from,
		"to":       []string{target},
		"kind":     envelope.KindCapabilityGrant,
		"payload": map[string]any{
			"capabilities": []map[string]any{{"kind": kind}},
		},
	}
	b, err := json.Marshal(e)
	require.NoError(t, err)
	return b
}

type failingSink struct{}

func (failingSink) Append(_ context.Context, _ audit.Entry) error { return errors.New("disk full") }
func (failingSink) Close() error                                  { return nil }

func TestAuditFailureEntersFatalState(t *testing.T) {
	cfg := &config.Space{
		ID: "demo",
		Participants: []config.ParticipantConfig{
			{Identity: "alice", Token: "tok-alice", Capabilities: []config.PatternConfig{{Kind: "chat"}}},
		},
	}
	space := New(cfg, Options{Audit: failingSink{}, IngestRate: rate.Inf, IngestBurst: 1000})
	ctx := context.Background()

	aliceT := newMemTransport()
	alice, err := space.Admit(ctx, "tok-alice", aliceT)
	require.NoError(t, err)
	space.Activate(ctx, alice)

	err = space.Ingest(ctx, alice, chatEnvelope(t, "alice", nil))
	require.ErrorIs(t, err, ErrAuditUnavailable)

	select {
	case <-space.Fatal():
	case <-time.After(time.Second):
		t.Fatal("space did not enter a fatal state after the audit sink failed")
	}
	require.Error(t, space.FatalErr())

	_, err = space.Admit(ctx, "tok-alice", newMemTransport())
	require.ErrorIs(t, err, ErrSpaceClosed)

	err = space.Ingest(ctx, alice, chatEnvelope(t, "alice", nil))
	require.ErrorIs(t, err, ErrSpaceClosed)
}

func chatEnvelope(t *testing.T, from string, to []string) []byte {
	t.Helper()
	e := map[string]any{
		"protocol": envelope.CurrentVersion,
		"id":       "placeholder",
		"from":     from,
		"kind":     "chat",
		"payload":  map[string]any{"text": fmt.Sprintf("hi from %s", from)},
	}
	if to != nil {
		e["to"] = to
	}
	b, err := json.Marshal(e)
	require.NoError(t, err)
	return b
}
