package participant

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/mew-space/mew/envelope"
)

// ToolDescriptor mirrors one entry of a tools/list result.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type discoveryEntry struct {
	tools     []ToolDescriptor
	expiresAt time.Time
}

// discoveryCache is the participant-side discovered-peers map:
// peer id -> cached tool catalog, adapted from the registry
// package's MemoryCache (TTL entries, no background refresh needed here
// since DiscoverTools re-issues explicitly on peer rejoin).
type discoveryCache struct {
	mu      sync.RWMutex
	entries map[string]discoveryEntry
	ttl     time.Duration
}

func newDiscoveryCache() *discoveryCache {
	return &discoveryCache{entries: make(map[string]discoveryEntry), ttl: 5 * time.Minute}
}

func (d *discoveryCache) get(peer string) ([]ToolDescriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[peer]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.tools, true
}

func (d *discoveryCache) set(peer string, tools []ToolDescriptor) {
	d.mu.Lock()
	d.entries[peer] = discoveryEntry{tools: tools, expiresAt: time.Now().Add(d.ttl)}
	d.mu.Unlock()
}

func (d *discoveryCache) invalidate(peer string) {
	d.mu.Lock()
	delete(d.entries, peer)
	d.mu.Unlock()
}

// DiscoverTools issues tools/list against peer via McpRequest, caching the
// result.
func (c *Client) DiscoverTools(ctx context.Context, peer string, timeout time.Duration) ([]ToolDescriptor, error) {
	if cached, ok := c.discovery.get(peer); ok {
		return cached, nil
	}
	result, err := c.McpRequest(ctx, []string{peer}, "tools/list", json.RawMessage(`{}`), timeout)
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, result.Error
	}
	var body struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(result.Raw, &body); err != nil {
		return nil, err
	}
	c.discovery.set(peer, body.Tools)
	return body.Tools, nil
}

// maybeAutoDiscover implements the optional auto-discovery flag:
// on a peer join presence event, trigger DiscoverTools after a
// small jittered delay so a burst of joins doesn't stampede the peer.
func (c *Client) maybeAutoDiscover(ctx context.Context, e *envelope.Envelope) {
	var body struct {
		Event string `json:"event"`
		Peer  string `json:"identity"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil || body.Event != "join" || body.Peer == "" {
		return
	}
	c.discovery.invalidate(body.Peer)
	delay := 200*time.Millisecond + time.Duration(rand.Intn(300))*time.Millisecond //nolint:gosec // jitter only
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		_, _ = c.DiscoverTools(ctx, body.Peer, 10*time.Second)
	}()
}
