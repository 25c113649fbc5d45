package participant

import (
	"sync"

	"github.com/mew-space/mew/envelope"
)

// correlationGraph is an optional in-memory DAG: maps an
// envelope id to its direct predecessors (its correlation_id entries) and
// successors, so reasoning chains and proposal fulfillment can be traced
// after the fact.
type correlationGraph struct {
	mu           sync.RWMutex
	predecessors map[string][]string
	successors   map[string][]string
}

func newCorrelationGraph() *correlationGraph {
	return &correlationGraph{
		predecessors: make(map[string][]string),
		successors:   make(map[string][]string),
	}
}

// observe indexes e's correlation edges.
func (g *correlationGraph) observe(e *envelope.Envelope) {
	if len(e.CorrelationID) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.predecessors[e.ID] = append([]string(nil), e.CorrelationID...)
	for _, pred := range e.CorrelationID {
		g.successors[pred] = append(g.successors[pred], e.ID)
	}
}

// Ancestors returns the direct predecessors recorded for id.
func (g *correlationGraph) Ancestors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.predecessors[id]...)
}

// Descendants returns the direct successors recorded for id.
func (g *correlationGraph) Descendants(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.successors[id]...)
}

// Chain walks predecessor edges from id back to a root (an id with no
// recorded predecessor), used to filter a reasoning chain by its originating
// context id.
func (g *correlationGraph) Chain(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	chain := []string{id}
	cur := id
	for {
		preds, ok := g.predecessors[cur]
		if !ok || len(preds) == 0 {
			return chain
		}
		cur = preds[0]
		chain = append(chain, cur)
	}
}

// Ancestors exposes the client's correlation graph for reasoning-chain
// filtering by embedding applications.
func (c *Client) Ancestors(id string) []string   { return c.corr.Ancestors(id) }
func (c *Client) Descendants(id string) []string { return c.corr.Descendants(id) }
func (c *Client) Chain(id string) []string       { return c.corr.Chain(id) }
