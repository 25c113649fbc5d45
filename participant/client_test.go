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

// pipeConn is an in-memory Conn backed by buffered channels, letting tests
// drive a Client without a real gateway.
type pipeConn struct {
	toClient   chan []byte
	fromClient chan []byte
	closed     chan struct{}
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		toClient:   make(chan []byte, 32),
		fromClient: make(chan []byte, 32),
		closed:     make(chan struct{}),
	}
}

func (p *pipeConn) Send(_ context.Context, data []byte) error {
	select {
	case p.fromClient <- data:
		return nil
	case <-p.closed:
		return context.Canceled
	}
}

func (p *pipeConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case d := <-p.toClient:
		return d, nil
	case <-p.closed:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

func newTestClient(t *testing.T, conn *pipeConn, welcomeCaps string) *Client {
	t.Helper()
	dialer := func(ctx context.Context, gatewayURL, space, identity, token string) (Conn, error) {
		return conn, nil
	}
	c := New("ws://test", "demo", "alice", "tok", dialer)

	welcome := &envelope.Envelope{
		Protocol: envelope.CurrentVersion,
		ID:       "welcome-1",
		From:     "system",
		Kind:     envelope.KindSystemWelcome,
		Payload:  json.RawMessage(welcomeCaps),
	}
	data, err := envelope.Serialize(welcome)
	require.NoError(t, err)
	conn.toClient <- data

	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestConnectCachesWelcomeCapabilities(t *testing.T) {
	conn := newPipeConn()
	c := newTestClient(t, conn, `{"capabilities":[{"kind":"chat"}]}`)
	assert.True(t, len(c.Capabilities()) == 1)
}

func TestSendFillsDefaultsAndChecksLocalCapability(t *testing.T) {
	conn := newPipeConn()
	c := newTestClient(t, conn, `{"capabilities":[{"kind":"chat"}]}`)

	err := c.Send(context.Background(), &envelope.Envelope{Kind: "chat", Payload: json.RawMessage(`{"text":"hi"}`)})
	require.NoError(t, err)

	select {
	case data := <-conn.fromClient:
		e, err := envelope.Parse(data)
		require.NoError(t, err)
		assert.Equal(t, "alice", e.From)
		assert.NotEmpty(t, e.ID)
	case <-time.After(time.Second):
		t.Fatal("expected an outbound frame")
	}

	err = c.Send(context.Background(), &envelope.Envelope{Kind: "mcp/request", Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, ErrLocalCapabilityDenied)
}

func TestRegisterToolRespondsToMatchingRequest(t *testing.T) {
	conn := newPipeConn()
	c := newTestClient(t, conn, `{"capabilities":[{"kind":"mcp/response"}]}`)

	called := false
	err := c.RegisterTool("read_file", nil, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		called = true
		return json.RawMessage(`{"content":"hello"}`), nil
	})
	require.NoError(t, err)

	req := &envelope.Envelope{
		Protocol: envelope.CurrentVersion,
		ID:       "req-1",
		From:     "bridge",
		To:       []string{"alice"},
		Kind:     envelope.KindMCPRequest,
		Payload:  json.RawMessage(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"read_file","arguments":{}}}`),
	}
	data, err := envelope.Serialize(req)
	require.NoError(t, err)
	conn.toClient <- data

	select {
	case respData := <-conn.fromClient:
		resp, err := envelope.Parse(respData)
		require.NoError(t, err)
		assert.Equal(t, envelope.KindMCPResponse, resp.Kind)
		assert.Equal(t, []string{"req-1"}, resp.CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("expected an mcp/response")
	}
	assert.True(t, called)
}

func TestMcpRequestDirectResolvesOnResponse(t *testing.T) {
	conn := newPipeConn()
	c := newTestClient(t, conn, `{"capabilities":[{"kind":"mcp/request"}]}`)

	go func() {
		select {
		case data := <-conn.fromClient:
			req, _ := envelope.Parse(data)
			resp := &envelope.Envelope{
				Protocol:      envelope.CurrentVersion,
				From:          "fs",
				Kind:          envelope.KindMCPResponse,
				CorrelationID: []string{req.ID},
				Payload:       json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`),
			}
			b, _ := envelope.Serialize(resp)
			conn.toClient <- b
		case <-time.After(time.Second):
		}
	}()

	result, err := c.McpRequest(context.Background(), []string{"fs"}, "tools/call", json.RawMessage(`{}`), time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Nil(t, result.Error)
}

func TestMcpRequestTimesOutWhenUnanswered(t *testing.T) {
	conn := newPipeConn()
	c := newTestClient(t, conn, `{"capabilities":[{"kind":"mcp/request"}]}`)

	_, err := c.McpRequest(context.Background(), []string{"fs"}, "tools/call", json.RawMessage(`{}`), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}
