// Package bridge embeds a stdio JSON-RPC "subordinate" MCP server behind a
// participant identity, translating between envelope-framed messages and
// JSON-RPC 2.0 frames.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// JSON-RPC 2.0 canonical error codes.
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message) }

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  any             `json:"params,omitempty"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// codec frames newline-delimited JSON-RPC messages over a subordinate's
// stdin/stdout, mirroring the line-delimited framing MCP stdio servers use.
type codec struct {
	mu     sync.Mutex
	w      io.Writer
	reader *bufio.Reader
	nextID atomic.Uint64
}

func newCodec(w io.Writer, r io.Reader) *codec {
	return &codec{w: w, reader: bufio.NewReaderSize(r, 64*1024)}
}

// call writes a request and blocks the caller-provided context for the
// matching response line. Stdio JSON-RPC is strictly request-then-response
// per line, so this codec processes one in-flight call at a time and does not
// serialize callers itself; tool invocations reach it one at a time because
// the participant runtime dispatches inbound requests sequentially from its
// read loop.
func (c *codec) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.writeLine(req); err != nil {
		return nil, err
	}
	return c.readResponse(ctx, id)
}

// notify writes a notification (no id, no response expected) — used for the
// `initialized` handshake message.
func (c *codec) notify(method string, params any) error {
	return c.writeLine(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *codec) writeLine(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = c.w.Write(b)
	return err
}

func (c *codec) readResponse(ctx context.Context, wantID uint64) (json.RawMessage, error) {
	type result struct {
		resp rpcResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		for {
			line, err := c.reader.ReadBytes('\n')
			if err != nil {
				done <- result{err: fmt.Errorf("reading subordinate stdout: %w", err)}
				return
			}
			var resp rpcResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				continue
			}
			if resp.ID != wantID {
				continue
			}
			done <- result{resp: resp}
			return
		}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp.Error != nil {
			return nil, r.resp.Error
		}
		return r.resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
