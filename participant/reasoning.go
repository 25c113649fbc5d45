package participant

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mew-space/mew/envelope"
)

// Reasoning is one in-flight reasoning context owned by this participant:
// the reasoning/start envelope's id anchors every subsequent thought and the
// final conclusion via correlation_id, and doubles as the context tag other
// participants filter the chain by.
type Reasoning struct {
	c  *Client
	id string

	mu        sync.Mutex
	streamID  string
	concluded bool
	cancelled chan struct{}
}

type reasoningRegistry struct {
	mu     sync.Mutex
	active map[string]*Reasoning // start envelope id -> context
}

func newReasoningRegistry() *reasoningRegistry {
	return &reasoningRegistry{active: make(map[string]*Reasoning)}
}

func (r *reasoningRegistry) add(ctx *Reasoning) {
	r.mu.Lock()
	r.active[ctx.id] = ctx
	r.mu.Unlock()
}

func (r *reasoningRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

func (r *reasoningRegistry) get(id string) (*Reasoning, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.active[id]
	return ctx, ok
}

// StartReasoning emits reasoning/start and returns a handle for the new
// reasoning context. The handle's ID is the start envelope's id; thoughts
// and the conclusion reference it via correlation_id and context.
func (c *Client) StartReasoning(ctx context.Context, message string) (*Reasoning, error) {
	id := envelope.NewID("")
	var payload json.RawMessage
	if message != "" {
		payload, _ = json.Marshal(map[string]any{"message": message})
	}
	e := &envelope.Envelope{ID: id, Kind: envelope.KindReasoningStart, Payload: payload}
	if err := c.Send(ctx, e); err != nil {
		return nil, err
	}
	r := &Reasoning{c: c, id: id, cancelled: make(chan struct{})}
	c.reasoning.add(r)
	return r, nil
}

// ID returns the reasoning context's id (the start envelope's id).
func (r *Reasoning) ID() string { return r.id }

// Cancelled returns a channel that closes when a reasoning/cancel naming
// this context arrives. The embedding application should stop producing
// thoughts once it fires; the runtime has already emitted the cancellation
// conclusion on its behalf.
func (r *Reasoning) Cancelled() <-chan struct{} { return r.cancelled }

// AttachStream associates an open stream with this reasoning context so a
// cancellation closes it too.
func (r *Reasoning) AttachStream(streamID string) {
	r.mu.Lock()
	r.streamID = streamID
	r.mu.Unlock()
}

// Thought emits a reasoning/thought in this context.
func (r *Reasoning) Thought(ctx context.Context, text string) error {
	payload, _ := json.Marshal(map[string]any{"text": text})
	e := &envelope.Envelope{
		Kind:          envelope.KindReasoningThought,
		CorrelationID: []string{r.id},
		Context:       &r.id,
		Payload:       payload,
	}
	return r.c.Send(ctx, e)
}

// Conclude emits the final reasoning/conclusion and retires the context.
// Calling Conclude after a cancellation already concluded it is a no-op.
func (r *Reasoning) Conclude(ctx context.Context, payload json.RawMessage) error {
	r.mu.Lock()
	if r.concluded {
		r.mu.Unlock()
		return nil
	}
	r.concluded = true
	r.mu.Unlock()
	r.c.reasoning.remove(r.id)

	e := &envelope.Envelope{
		Kind:          envelope.KindReasoningConclude,
		CorrelationID: []string{r.id},
		Context:       &r.id,
		Payload:       payload,
	}
	return r.c.Send(ctx, e)
}

// handleReasoningCancel implements in-band reasoning cancellation: a
// reasoning/cancel carrying the original context id aborts the local
// reasoning context, which then emits a reasoning/conclusion with a
// cancellation indicator and closes any associated stream.
func (c *Client) handleReasoningCancel(ctx context.Context, e *envelope.Envelope) {
	id := e.PrimaryCorrelation()
	if id == "" && e.Context != nil {
		id = *e.Context
	}
	if id == "" {
		return
	}
	r, ok := c.reasoning.get(id)
	if !ok {
		return
	}

	r.mu.Lock()
	if r.concluded {
		r.mu.Unlock()
		return
	}
	r.concluded = true
	streamID := r.streamID
	close(r.cancelled)
	r.mu.Unlock()
	c.reasoning.remove(id)

	payload, _ := json.Marshal(map[string]any{"cancelled": true})
	conclusion := &envelope.Envelope{
		Kind:          envelope.KindReasoningConclude,
		CorrelationID: []string{id},
		Context:       &id,
		Payload:       payload,
	}
	_ = c.Send(ctx, conclusion)

	if streamID != "" {
		_ = c.CloseStream(ctx, streamID, "cancelled")
	}
}
