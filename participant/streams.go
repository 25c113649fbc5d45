package participant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mew-space/mew/envelope"
)

// StreamDirection is the data-flow direction a participant requested when
// opening a stream.
type StreamDirection string

const (
	StreamOutbound StreamDirection = "outbound"
	StreamInbound  StreamDirection = "inbound"
)

// streamState is one participant-side open-streams entry:
// direction, peer, and cumulative counts, plus the monotonic sequence
// counter SendStreamData enforces outbound and handleData checks inbound.
type streamState struct {
	direction   StreamDirection
	peer        string
	nextSeq     uint64
	lastSeq     uint64
	seenData    bool
	bytes       uint64
	chunks      uint64
	closed      bool
	closeReason string
	idleTimer   *time.Timer
}

type streamRegistry struct {
	mu      sync.Mutex
	byID    map[string]*streamState
	pending map[string]chan string // request envelope id -> resolver for RequestStream

	// idleTimeout, when non-zero, closes an inbound stream that stops
	// producing data without a stream/close as closed(reason=peer_gone).
	idleTimeout time.Duration
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{
		byID:    make(map[string]*streamState),
		pending: make(map[string]chan string),
	}
}

// SetStreamIdleTimeout configures how long an inbound stream may stay silent
// before the runtime treats its peer as gone. Zero (the default) disables
// the watchdog.
func (c *Client) SetStreamIdleTimeout(d time.Duration) {
	c.streams.mu.Lock()
	c.streams.idleTimeout = d
	c.streams.mu.Unlock()
}

// RequestStream emits stream/request and waits for the corresponding
// stream/open reply, returning the stream id assigned by the accepting peer.
func (c *Client) RequestStream(ctx context.Context, direction StreamDirection, peer, description string, timeout time.Duration) (string, error) {
	reqID := envelope.NewID("")
	ch := make(chan string, 1)
	c.streams.mu.Lock()
	c.streams.pending[reqID] = ch
	c.streams.mu.Unlock()

	payload, _ := json.Marshal(map[string]any{"direction": direction, "description": description})
	e := &envelope.Envelope{ID: reqID, To: []string{peer}, Kind: envelope.KindStreamRequest, Payload: payload}
	if err := c.Send(ctx, e); err != nil {
		c.streams.mu.Lock()
		delete(c.streams.pending, reqID)
		c.streams.mu.Unlock()
		return "", err
	}

	select {
	case id := <-ch:
		return id, nil
	case <-ctx.Done():
		c.streams.mu.Lock()
		delete(c.streams.pending, reqID)
		c.streams.mu.Unlock()
		return "", ErrCancelled
	case <-time.After(timeout):
		c.streams.mu.Lock()
		delete(c.streams.pending, reqID)
		c.streams.mu.Unlock()
		return "", ErrTimeout
	}
}

// handleOpen resolves a pending RequestStream call and registers the new
// stream's bookkeeping entry.
func (r *streamRegistry) handleOpen(e *envelope.Envelope) {
	corr := e.PrimaryCorrelation()
	if corr == "" {
		return
	}
	var body struct {
		StreamID string `json:"stream_id"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil || body.StreamID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.pending[corr]
	if !ok {
		// A stream/open we did not request announces an inbound stream from
		// e.From; track it so data/close bookkeeping and the idle watchdog
		// apply.
		s := &streamState{direction: StreamInbound, peer: e.From}
		r.byID[body.StreamID] = s
		r.armIdleLocked(body.StreamID, s)
		return
	}
	delete(r.pending, corr)
	r.byID[body.StreamID] = &streamState{direction: StreamOutbound, peer: e.From}
	ch <- body.StreamID
}

// handleData updates an inbound stream's counters, discarding frames whose
// sequence number does not advance past the last one seen.
func (r *streamRegistry) handleData(e *envelope.Envelope) {
	corr := e.PrimaryCorrelation()
	if corr == "" {
		return
	}
	var body struct {
		Seq uint64 `json:"seq"`
	}
	_ = json.Unmarshal(e.Payload, &body)

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[corr]
	if !ok || s.closed {
		return
	}
	if s.seenData && body.Seq <= s.lastSeq {
		return
	}
	s.seenData = true
	s.lastSeq = body.Seq
	s.chunks++
	s.bytes += uint64(len(e.Payload))
	r.armIdleLocked(corr, s)
}

func (r *streamRegistry) handleClose(e *envelope.Envelope) {
	corr := e.PrimaryCorrelation()
	if corr == "" {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(e.Payload, &body)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[corr]; ok {
		s.closed = true
		s.closeReason = body.Reason
		if s.idleTimer != nil {
			s.idleTimer.Stop()
			s.idleTimer = nil
		}
	}
}

// armIdleLocked (re)starts the peer_gone watchdog for an inbound stream.
// Callers must hold r.mu.
func (r *streamRegistry) armIdleLocked(id string, s *streamState) {
	if r.idleTimeout <= 0 || s.direction != StreamInbound {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(r.idleTimeout, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if st, ok := r.byID[id]; ok && !st.closed {
			st.closed = true
			st.closeReason = "peer_gone"
		}
	})
}

// SendStreamData emits stream/data for streamID, enforcing monotonically
// increasing sequence numbers.
func (c *Client) SendStreamData(ctx context.Context, streamID string, chunk json.RawMessage) error {
	c.streams.mu.Lock()
	s, ok := c.streams.byID[streamID]
	if !ok {
		c.streams.mu.Unlock()
		return fmt.Errorf("unknown stream %q", streamID)
	}
	if s.closed {
		c.streams.mu.Unlock()
		return fmt.Errorf("stream %q already closed", streamID)
	}
	seq := s.nextSeq
	s.nextSeq++
	peer := s.peer
	c.streams.mu.Unlock()

	payload, _ := json.Marshal(map[string]any{"seq": seq, "chunk": chunk})
	e := &envelope.Envelope{To: []string{peer}, Kind: envelope.KindStreamData, CorrelationID: []string{streamID}, Payload: payload}
	return c.Send(ctx, e)
}

// CloseStream emits a final stream/close for streamID.
func (c *Client) CloseStream(ctx context.Context, streamID, reason string) error {
	c.streams.mu.Lock()
	s, ok := c.streams.byID[streamID]
	if !ok {
		c.streams.mu.Unlock()
		return fmt.Errorf("unknown stream %q", streamID)
	}
	s.closed = true
	peer := s.peer
	c.streams.mu.Unlock()

	payload, _ := json.Marshal(map[string]any{"reason": reason})
	e := &envelope.Envelope{To: []string{peer}, Kind: envelope.KindStreamClose, CorrelationID: []string{streamID}, Payload: payload}
	return c.Send(ctx, e)
}

// AcceptStream answers an inbound stream/request by assigning a fresh stream
// id, emitting stream/open back to the requester, and registering the
// inbound bookkeeping entry. The requester's RequestStream unblocks with the
// returned id.
func (c *Client) AcceptStream(ctx context.Context, request *envelope.Envelope) (string, error) {
	streamID := envelope.NewID("stream")
	payload, _ := json.Marshal(map[string]any{"stream_id": streamID})
	e := &envelope.Envelope{
		To:            []string{request.From},
		Kind:          envelope.KindStreamOpen,
		CorrelationID: []string{request.ID},
		Payload:       payload,
	}
	if err := c.Send(ctx, e); err != nil {
		return "", err
	}
	c.streams.mu.Lock()
	s := &streamState{direction: StreamInbound, peer: request.From}
	c.streams.byID[streamID] = s
	c.streams.armIdleLocked(streamID, s)
	c.streams.mu.Unlock()
	return streamID, nil
}

// StreamInfo is a snapshot of one open_streams entry.
type StreamInfo struct {
	Direction   StreamDirection
	Peer        string
	Chunks      uint64
	Bytes       uint64
	Closed      bool
	CloseReason string
}

// StreamInfo reports the current bookkeeping for streamID, if known.
func (c *Client) StreamInfo(streamID string) (StreamInfo, bool) {
	c.streams.mu.Lock()
	defer c.streams.mu.Unlock()
	s, ok := c.streams.byID[streamID]
	if !ok {
		return StreamInfo{}, false
	}
	return StreamInfo{
		Direction:   s.direction,
		Peer:        s.peer,
		Chunks:      s.chunks,
		Bytes:       s.bytes,
		Closed:      s.closed,
		CloseReason: s.closeReason,
	}, true
}
