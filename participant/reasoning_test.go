package participant

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mew-space/mew/envelope"
)

func recvEnvelope(t *testing.T, conn *pipeConn, kind string) *envelope.Envelope {
	t.Helper()
	select {
	case data := <-conn.fromClient:
		e, err := envelope.Parse(data)
		require.NoError(t, err)
		require.Equal(t, kind, e.Kind)
		return e
	case <-time.After(time.Second):
		t.Fatalf("expected an outbound %s envelope", kind)
		return nil
	}
}

func TestReasoningThoughtsCorrelateToStart(t *testing.T) {
	conn := newPipeConn()
	c := newTestClient(t, conn, `{"capabilities":[{"kind":"reasoning/**"}]}`)

	r, err := c.StartReasoning(context.Background(), "planning the write")
	require.NoError(t, err)
	start := recvEnvelope(t, conn, envelope.KindReasoningStart)
	assert.Equal(t, r.ID(), start.ID)

	require.NoError(t, r.Thought(context.Background(), "step one"))
	thought := recvEnvelope(t, conn, envelope.KindReasoningThought)
	assert.Equal(t, []string{r.ID()}, thought.CorrelationID)
	require.NotNil(t, thought.Context)
	assert.Equal(t, r.ID(), *thought.Context)

	require.NoError(t, r.Conclude(context.Background(), json.RawMessage(`{"answer":42}`)))
	conclusion := recvEnvelope(t, conn, envelope.KindReasoningConclude)
	assert.Equal(t, []string{r.ID()}, conclusion.CorrelationID)

	// concluding twice emits nothing further.
	require.NoError(t, r.Conclude(context.Background(), nil))
	select {
	case data := <-conn.fromClient:
		t.Fatalf("unexpected envelope after conclusion: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReasoningCancelEmitsCancelledConclusion(t *testing.T) {
	conn := newPipeConn()
	c := newTestClient(t, conn, `{"capabilities":[{"kind":"reasoning/**"},{"kind":"stream/**"}]}`)

	r, err := c.StartReasoning(context.Background(), "long analysis")
	require.NoError(t, err)
	recvEnvelope(t, conn, envelope.KindReasoningStart)

	// attach a stream so the cancellation also closes it.
	c.streams.mu.Lock()
	c.streams.byID["stream-1"] = &streamState{direction: StreamOutbound, peer: "peer"}
	c.streams.mu.Unlock()
	r.AttachStream("stream-1")

	cancel := &envelope.Envelope{
		Protocol:      envelope.CurrentVersion,
		ID:            "cancel-1",
		From:          "human",
		To:            []string{"alice"},
		Kind:          envelope.KindReasoningCancel,
		CorrelationID: []string{r.ID()},
	}
	b, err := envelope.Serialize(cancel)
	require.NoError(t, err)
	conn.toClient <- b

	conclusion := recvEnvelope(t, conn, envelope.KindReasoningConclude)
	assert.Equal(t, []string{r.ID()}, conclusion.CorrelationID)
	var body struct {
		Cancelled bool `json:"cancelled"`
	}
	require.NoError(t, json.Unmarshal(conclusion.Payload, &body))
	assert.True(t, body.Cancelled)

	closeFrame := recvEnvelope(t, conn, envelope.KindStreamClose)
	assert.Equal(t, []string{"stream-1"}, closeFrame.CorrelationID)

	select {
	case <-r.Cancelled():
	case <-time.After(time.Second):
		t.Fatal("expected the cancellation channel to fire")
	}

	// a cancelled context does not conclude a second time.
	require.NoError(t, r.Conclude(context.Background(), nil))
	select {
	case data := <-conn.fromClient:
		t.Fatalf("unexpected envelope after cancellation: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}
