package participant

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mew-space/mew/capability"
	"github.com/mew-space/mew/envelope"
)

// directRequestCapability is the pattern checked to decide whether this
// participant may emit mcp/request directly or must fall back to a
// proposal.
const directRequestCapability = envelope.KindMCPRequest

// McpRequest sends a JSON-RPC call to targets, choosing between a direct
// mcp/request and a proposal-then-await flow depending on whether the local
// capability cache permits mcp/request.
func (c *Client) McpRequest(ctx context.Context, targets []string, method string, params json.RawMessage, timeout time.Duration) (*Result, error) {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)

	if capability.Permits(c.Capabilities(), directRequestCapability, payload) {
		return c.sendDirectRequest(ctx, targets, payload, deadline)
	}
	return c.sendProposal(ctx, targets, payload, timeout)
}

func (c *Client) sendDirectRequest(ctx context.Context, targets []string, payload json.RawMessage, deadline time.Time) (*Result, error) {
	id := envelope.NewID("")
	ch := c.requests.register(id, deadline)
	e := &envelope.Envelope{ID: id, To: targets, Kind: envelope.KindMCPRequest, Payload: payload}
	if err := c.Send(ctx, e); err != nil {
		c.requests.release(id)
		return nil, err
	}
	return c.requests.await(ctx, id, ch, deadline)
}

// sendProposal implements the two-stage proposal timeout: first a
// proposal_unfulfilled deadline waiting for any fulfiller to pick it up,
// then (once a fulfilling request is observed) a fresh fulfillment_timeout
// deadline waiting for the response.
func (c *Client) sendProposal(ctx context.Context, targets []string, payload json.RawMessage, timeout time.Duration) (*Result, error) {
	proposalID := envelope.NewID("")
	firstDeadline := time.Now().Add(timeout)
	ch := c.proposals.register(proposalID, firstDeadline)
	e := &envelope.Envelope{ID: proposalID, To: targets, Kind: envelope.KindMCPProposal, Payload: payload}
	if err := c.Send(ctx, e); err != nil {
		c.proposals.release(proposalID)
		return nil, err
	}
	defer c.proposals.release(proposalID)

	stage := timeout
	usedSecondStage := false
	for {
		select {
		case out := <-ch:
			return out.result, out.err
		case <-ctx.Done():
			return nil, ErrCancelled
		case <-time.After(stage):
			if usedSecondStage {
				return nil, ErrFulfillmentTimeout
			}
			if !c.proposals.fulfilled(proposalID) {
				return nil, ErrProposalUnfulfilled
			}
			// A fulfilling request was observed before the first deadline;
			// grant a fresh window waiting for its response.
			usedSecondStage = true
			stage = timeout
		}
	}
}
