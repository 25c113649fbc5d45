package gateway

import (
	"context"
	"sync"

	"github.com/mew-space/mew/envelope"
)

// router resolves envelope recipients and fans out delivery to their
// sessions. It holds no policy of its own beyond the routing
// invariants: at-most-once delivery per recipient, FIFO per sender-recipient
// pair (guaranteed here by holding the registry lock only long enough to
// snapshot recipients, then enqueuing in the caller's goroutine; each
// session's envelopes reach Space.Ingest from its transport's single read
// loop, so one sender's envelopes are enqueued in arrival order), and no
// loopback — a
// sender is never its own recipient, even if it names itself explicitly.
type router struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newRouter() *router {
	return &router{sessions: make(map[string]*Session)}
}

func (r *router) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.Identity] = s
	r.mu.Unlock()
}

func (r *router) remove(identity string) {
	r.mu.Lock()
	delete(r.sessions, identity)
	r.mu.Unlock()
}

func (r *router) get(identity string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identity]
	return s, ok
}

// recipients returns the sessions e should be delivered to: the explicit `to`
// list intersected with active or paused sessions when non-empty, or every
// other active session when e is a broadcast. The sender is always
// excluded, even when it names itself in `to`: there is no loopback
// delivery. unresolved lists `to` entries that named no
// active or paused session, for the caller to log without failing delivery.
func (r *router) recipients(e *envelope.Envelope) (targets []*Session, unresolved []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Broadcast reaches active sessions only; a paused session stops
	// receiving broadcast traffic but stays addressable directly so that
	// critical envelopes (and the participant/resume that wakes it) still
	// reach it.
	if e.IsBroadcast() {
		targets = make([]*Session, 0, len(r.sessions))
		for identity, s := range r.sessions {
			if identity == e.From {
				continue
			}
			if s.State() != StateActive {
				continue
			}
			targets = append(targets, s)
		}
		return targets, nil
	}

	seen := make(map[string]struct{}, len(e.To))
	for _, identity := range e.To {
		if identity == e.From {
			continue
		}
		if _, dup := seen[identity]; dup {
			continue
		}
		seen[identity] = struct{}{}
		s, ok := r.sessions[identity]
		if !ok || (s.State() != StateActive && s.State() != StatePaused) {
			unresolved = append(unresolved, identity)
			continue
		}
		targets = append(targets, s)
	}
	return targets, unresolved
}

// deliver enqueues e on every target's outbound queue, closing any target
// whose normal queue overflows; the default backpressure policy closes the
// slow recipient with a system/error(overflow).
func (r *router) deliver(ctx context.Context, e *envelope.Envelope, targets []*Session) (slow []*Session) {
	for _, s := range targets {
		if s.enqueue(ctx, e) == overflowed {
			slow = append(slow, s)
		}
	}
	return slow
}
