package participant

import (
	"sync"
	"time"

	"github.com/mew-space/mew/envelope"
)

// proposalEntry tracks one outstanding proposal: its own resolver (fed by
// observeResponse once the fulfilling request's response is seen) and the
// deadline for a fulfilling request to be observed; the wait for the
// response after that is timed by sendProposal.
type proposalEntry struct {
	proposalDeadline time.Time
	fulfillRequestID string // set once a fulfilling request is observed
	resolve          chan requestOutcome
}

// proposalTable is the proposal observation table: a
// proposer indexes its own proposal id, then watches broadcast mcp/request
// traffic for one whose correlation_id contains that proposal id. Once
// found, it starts following that request's id for the eventual response.
type proposalTable struct {
	mu      sync.Mutex
	pending map[string]*proposalEntry // proposal id -> entry
	byReq   map[string]string         // fulfilling request id -> proposal id
}

func newProposalTable() *proposalTable {
	return &proposalTable{
		pending: make(map[string]*proposalEntry),
		byReq:   make(map[string]string),
	}
}

func (t *proposalTable) register(proposalID string, deadline time.Time) chan requestOutcome {
	ch := make(chan requestOutcome, 1)
	t.mu.Lock()
	t.pending[proposalID] = &proposalEntry{proposalDeadline: deadline, resolve: ch}
	t.mu.Unlock()
	return ch
}

// fulfilled reports whether a fulfilling request has been observed for
// proposalID.
func (t *proposalTable) fulfilled(proposalID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[proposalID]
	return ok && e.fulfillRequestID != ""
}

func (t *proposalTable) release(proposalID string) {
	t.mu.Lock()
	if e, ok := t.pending[proposalID]; ok {
		delete(t.byReq, e.fulfillRequestID)
	}
	delete(t.pending, proposalID)
	t.mu.Unlock()
}

// observeRequest watches e (an mcp/request) for a correlation_id entry that
// names one of our pending proposals; if found, remembers the request's own
// id so a later response correlating to that request id can be traced back.
func (t *proposalTable) observeRequest(e *envelope.Envelope) {
	if e.Kind != envelope.KindMCPRequest {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, corr := range e.CorrelationID {
		if entry, ok := t.pending[corr]; ok && entry.fulfillRequestID == "" {
			entry.fulfillRequestID = e.ID
			t.byReq[e.ID] = corr
		}
	}
}

// observeResponse watches e (an mcp/response) for a correlation_id entry
// that names a tracked fulfilling request; if found, resolves the
// originating proposal with the response payload.
func (t *proposalTable) observeResponse(e *envelope.Envelope) (resolved bool) {
	if e.Kind != envelope.KindMCPResponse {
		return false
	}
	corr := e.PrimaryCorrelation()
	if corr == "" {
		return false
	}
	t.mu.Lock()
	proposalID, ok := t.byReq[corr]
	if !ok {
		t.mu.Unlock()
		return false
	}
	entry := t.pending[proposalID]
	delete(t.byReq, corr)
	delete(t.pending, proposalID)
	t.mu.Unlock()
	if entry == nil {
		return false
	}
	entry.resolve <- decodeResult(e.Payload)
	return true
}
