// Package participant implements the reusable client side of a MEW
// participant: connection and reconnection, local capability pre-checks,
// tool/resource/prompt registration, request/response dispatch, proposal
// correlation, and stream bookkeeping.
package participant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	a2aretry "github.com/mew-space/mew/internal/retry"

	"github.com/mew-space/mew/capability"
	"github.com/mew-space/mew/envelope"
	"github.com/mew-space/mew/telemetry"
)

// Conn is the transport a Client speaks over: one frame per envelope, both
// directions. Implementations wrap a WebSocket client connection in
// production and an in-memory pipe in tests.
type Conn interface {
	// Send writes one frame.
	Send(ctx context.Context, data []byte) error
	// Recv blocks for the next frame, or returns an error (including
	// io.EOF-alikes) when the connection is gone.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a new Conn for (re)connection attempts.
type Dialer func(ctx context.Context, gatewayURL, space, identity, token string) (Conn, error)

// Handler is invoked for every inbound envelope after internal dispatch
// (request/response correlation, tool invocation) has had a chance to
// consume it. Handlers still see messages they didn't consume.
type Handler func(e *envelope.Envelope)

// Client is a connected participant. One Client corresponds to one gateway
// session; reconnection produces a new session, and the gateway resumes no
// state on its behalf.
type Client struct {
	GatewayURL string
	Space      string
	Identity   string
	Token      string

	Dialer       Dialer
	RetryConfig  a2aretry.Config
	AutoDiscover bool

	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu     sync.RWMutex
	conn   Conn
	caps   capability.Set
	closed bool

	handlersMu sync.RWMutex
	handlers   []Handler

	requests  *requestTable
	proposals *proposalTable
	tools     *toolRegistry
	streams   *streamRegistry
	discovery *discoveryCache
	corr      *correlationGraph
	reasoning *reasoningRegistry
}

// New constructs a Client. Call Connect to establish the session.
func New(gatewayURL, space, identity, token string, dialer Dialer) *Client {
	logger, metrics, _ := telemetry.Noop()
	return &Client{
		GatewayURL:  gatewayURL,
		Space:       space,
		Identity:    identity,
		Token:       token,
		Dialer:      dialer,
		RetryConfig: a2aretry.DefaultConfig(),
		logger:      logger,
		metrics:     metrics,
		requests:    newRequestTable(),
		proposals:   newProposalTable(),
		tools:       newToolRegistry(),
		streams:     newStreamRegistry(),
		discovery:   newDiscoveryCache(),
		corr:        newCorrelationGraph(),
		reasoning:   newReasoningRegistry(),
	}
}

// WithTelemetry overrides the noop logger/metrics used for internal
// diagnostics.
func (c *Client) WithTelemetry(logger telemetry.Logger, metrics telemetry.Metrics) *Client {
	c.logger = logger
	c.metrics = metrics
	return c
}

// OnMessage registers handler to observe every inbound envelope, after
// internal dispatch.
func (c *Client) OnMessage(h Handler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlersMu.Unlock()
}

// Connect dials the gateway, waits for system/welcome to learn the initial
// capability set, and starts the read loop with capped exponential backoff
// reconnection.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.Dialer(ctx, c.GatewayURL, c.Space, c.Identity, c.Token)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}

	welcome, err := c.awaitWelcome(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.caps = welcome
	c.closed = false
	c.mu.Unlock()

	go c.readLoop(ctx, conn)
	return nil
}

func (c *Client) awaitWelcome(ctx context.Context, conn Conn) (capability.Set, error) {
	deadline, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for {
		data, err := conn.Recv(deadline)
		if err != nil {
			return nil, fmt.Errorf("awaiting welcome: %w", err)
		}
		e, err := envelope.Parse(data)
		if err != nil {
			continue
		}
		if e.Kind == envelope.KindSystemWelcome {
			return parseWelcomeCapabilities(e.Payload), nil
		}
	}
}

func parseWelcomeCapabilities(payload json.RawMessage) capability.Set {
	var body struct {
		Capabilities []struct {
			Kind    string `json:"kind"`
			Payload any    `json:"payload"`
		} `json:"capabilities"`
	}
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil
	}
	set := make(capability.Set, len(body.Capabilities))
	for i, cap := range body.Capabilities {
		set[i] = capability.Pattern{KindPattern: cap.Kind, PayloadPattern: cap.Payload}
	}
	return set
}

// readLoop drains conn until it errors, dispatching each envelope, then
// attempts reconnection with backoff until ctx is cancelled or Close is
// called.
func (c *Client) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Recv(ctx)
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if closed {
				return
			}
			c.reconnect(ctx)
			return
		}
		e, err := envelope.Parse(data)
		if err != nil {
			continue
		}
		c.dispatch(ctx, e)
	}
}

func (c *Client) reconnect(ctx context.Context) {
	err := a2aretry.Do(ctx, c.RetryConfig, func(ctx context.Context) error {
		return c.Connect(ctx)
	})
	if err != nil {
		c.logger.Error(ctx, "participant reconnect exhausted", "identity", c.Identity, "error", err.Error())
	}
}

// dispatch runs the runtime's automatic behaviors (tool invocation,
// capability-grant merge, request/response/proposal correlation) and then
// fans the envelope out to registered handlers.
func (c *Client) dispatch(ctx context.Context, e *envelope.Envelope) {
	c.corr.observe(e)

	switch e.Kind {
	case envelope.KindCapabilityGrant:
		c.handleGrant(ctx, e)
	case envelope.KindMCPRequest:
		c.handleIncomingRequest(ctx, e)
		c.requests.resolveIfMatches(e)
		c.proposals.observeRequest(e)
	case envelope.KindMCPResponse:
		c.requests.resolveIfMatches(e)
		c.proposals.observeResponse(e)
	case envelope.KindStreamOpen:
		c.streams.handleOpen(e)
	case envelope.KindStreamData:
		c.streams.handleData(e)
	case envelope.KindStreamClose:
		c.streams.handleClose(e)
	case envelope.KindReasoningCancel:
		c.handleReasoningCancel(ctx, e)
	case envelope.KindSystemPresence:
		if c.AutoDiscover {
			c.maybeAutoDiscover(ctx, e)
		}
	}

	c.handlersMu.RLock()
	handlers := append([]Handler(nil), c.handlers...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

func (c *Client) handleGrant(ctx context.Context, e *envelope.Envelope) {
	var body struct {
		Capabilities []struct {
			Kind    string `json:"kind"`
			Payload any    `json:"payload"`
		} `json:"capabilities"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return
	}
	c.mu.Lock()
	for _, cap := range body.Capabilities {
		c.caps = append(c.caps, capability.Pattern{KindPattern: cap.Kind, PayloadPattern: cap.Payload})
	}
	c.mu.Unlock()
	ack := &envelope.Envelope{
		Protocol:      envelope.CurrentVersion,
		From:          c.Identity,
		Kind:          envelope.KindCapabilityGrantAck,
		CorrelationID: []string{e.ID},
	}
	_ = c.Send(ctx, ack)
}

// Capabilities returns the client's locally cached capability snapshot.
func (c *Client) Capabilities() capability.Set {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps
}

// Send fills in from/id/timestamp, performs a local capability pre-check
// (fast failure before the gateway round trip), and writes the envelope to
// the transport.
func (c *Client) Send(ctx context.Context, e *envelope.Envelope) error {
	e.Protocol = envelope.CurrentVersion
	e.From = c.Identity
	if e.ID == "" {
		e.ID = envelope.NewID("")
	}
	e.Timestamp = time.Now().UTC()

	if !capability.Permits(c.Capabilities(), e.Kind, e.Payload) {
		return fmt.Errorf("%w: %s", ErrLocalCapabilityDenied, e.Kind)
	}

	data, err := envelope.Serialize(e)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(ctx, data)
}

// Close releases the underlying connection and marks the client closed so
// the read loop does not attempt to reconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// ErrNotConnected and ErrLocalCapabilityDenied are the sentinel errors Send
// and McpRequest surface before ever reaching the gateway.
var (
	ErrNotConnected          = fmt.Errorf("participant not connected")
	ErrLocalCapabilityDenied = fmt.Errorf("local capability check denied")
)
