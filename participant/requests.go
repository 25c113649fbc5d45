package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mew-space/mew/envelope"
)

// Result is the outcome of an McpRequest call: either a JSON-RPC result or
// an error object, mirroring the response payload shape.
type Result struct {
	Raw   json.RawMessage
	Error *RPCError
}

// RPCError mirrors a JSON-RPC error object carried in an mcp/response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("remote error %d: %s", e.Code, e.Message) }

// Sentinel errors returned by McpRequest and the other request-style calls
// of Client (proposals, RequestStream).
var (
	ErrTimeout             = errors.New("timeout")
	ErrProposalUnfulfilled = errors.New("proposal_unfulfilled")
	ErrFulfillmentTimeout  = errors.New("fulfillment_timeout")
	ErrCancelled           = errors.New("cancelled")
)

type pendingRequest struct {
	resolve  chan requestOutcome
	deadline time.Time
}

type requestOutcome struct {
	result *Result
	err    error
}

// requestTable is the outgoing request table: request id
// -> resolver, populated by McpRequest and resolved when a matching
// mcp/response is observed (directly delivered or via broadcast).
type requestTable struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func newRequestTable() *requestTable {
	return &requestTable{pending: make(map[string]*pendingRequest)}
}

func (t *requestTable) register(id string, deadline time.Time) chan requestOutcome {
	ch := make(chan requestOutcome, 1)
	t.mu.Lock()
	t.pending[id] = &pendingRequest{resolve: ch, deadline: deadline}
	t.mu.Unlock()
	return ch
}

func (t *requestTable) release(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// resolveIfMatches checks whether e is an mcp/response whose correlation_id
// names a pending request, and if so resolves it.
func (t *requestTable) resolveIfMatches(e *envelope.Envelope) {
	if e.Kind != envelope.KindMCPResponse {
		return
	}
	corr := e.PrimaryCorrelation()
	if corr == "" {
		return
	}
	t.mu.Lock()
	p, ok := t.pending[corr]
	if ok {
		delete(t.pending, corr)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	p.resolve <- decodeResult(e.Payload)
}

func decodeResult(payload json.RawMessage) requestOutcome {
	var body struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return requestOutcome{err: fmt.Errorf("decoding mcp/response payload: %w", err)}
	}
	if body.Error != nil {
		return requestOutcome{result: &Result{Error: body.Error}}
	}
	return requestOutcome{result: &Result{Raw: body.Result}}
}

// await blocks until ch resolves, ctx is cancelled, or deadline passes,
// releasing id from the table in every case.
func (t *requestTable) await(ctx context.Context, id string, ch chan requestOutcome, deadline time.Time) (*Result, error) {
	defer t.release(id)
	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ErrCancelled
	case <-time.After(time.Until(deadline)):
		return nil, ErrTimeout
	}
}
