package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/mew-space/mew/capability"
	"github.com/mew-space/mew/envelope"
)

// State is a participant session's lifecycle state:
//
//	joining --welcome--> active --pause--> paused --resume--> active
//	                       |                   |
//	                       +--disconnect--> draining --drain complete--> closed
type State int

const (
	StateJoining State = iota
	StateActive
	StatePaused
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the per-session delivery channel a Session writes outbound
// envelopes to. Implementations live in package transport (WebSocket) or in
// tests (in-memory); the gateway only depends on this interface so that
// routing logic never touches wire framing directly.
type Transport interface {
	// Send delivers one envelope frame. Send must be safe to call from the
	// session's single outbound pump goroutine only (no concurrent Send
	// calls are made by the gateway).
	Send(ctx context.Context, e *envelope.Envelope) error
	// Close releases the transport.
	Close() error
}

// defaultOutboundQueueSize bounds a session's normal-priority outbound queue.
const defaultOutboundQueueSize = 64

// criticalQueueSize bounds the never-dropped queue for system/* and
// capability/* envelopes, sized generously since these are rare relative to
// traffic envelopes.
const criticalQueueSize = 256

// Session is one participant's live connection to a Space.
type Session struct {
	Identity string

	capsMu sync.RWMutex
	caps   capability.Set

	state atomic.Int32

	transport Transport

	normal   chan *envelope.Envelope
	critical chan *envelope.Envelope
	done     chan struct{}
	closeErr error
	closeMu  sync.Mutex

	limiter *rate.Limiter

	// PendingRequests, ProposalsAwaitingFulfillment, OpenStreams, Tools, and
	// DiscoveredPeers are participant-runtime concerns, not
	// gateway concerns: the gateway only routes bytes. They are intentionally
	// not modeled here; see package participant.
}

// NewSession constructs a session in the joining state. ingestRate bounds how
// fast this session's Ingest calls are accepted: the "block sender briefly"
// half of the gateway's backpressure policy.
func NewSession(identity string, caps capability.Set, t Transport, ingestRate rate.Limit, ingestBurst, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = defaultOutboundQueueSize
	}
	s := &Session{
		Identity:  identity,
		caps:      caps,
		transport: t,
		normal:    make(chan *envelope.Envelope, queueSize),
		critical:  make(chan *envelope.Envelope, criticalQueueSize),
		done:      make(chan struct{}),
		limiter:   rate.NewLimiter(ingestRate, ingestBurst),
	}
	s.state.Store(int32(StateJoining))
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(v State) { s.state.Store(int32(v)) }

// Capabilities returns a snapshot of the session's current capability set.
// Grants/revokes swap the underlying slice atomically so concurrent matches
// observe a consistent snapshot.
func (s *Session) Capabilities() capability.Set {
	s.capsMu.RLock()
	defer s.capsMu.RUnlock()
	return s.caps
}

// SetCapabilities atomically replaces the session's capability set.
func (s *Session) SetCapabilities(caps capability.Set) {
	s.capsMu.Lock()
	s.caps = caps
	s.capsMu.Unlock()
}

// AllowIngest waits until the per-session ingestion limiter permits one more
// envelope, so the caller (Ingest) blocks briefly rather than rejecting
// outright. It returns an error only when the wait cannot be satisfied
// before ctx ends.
func (s *Session) AllowIngest(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}

// enqueueResult is returned by enqueue to tell the caller (the router)
// whether the recipient needs to be closed for overflow.
type enqueueResult int

const (
	enqueued enqueueResult = iota
	overflowed
)

// enqueue places e on the appropriate outbound queue. System and capability
// envelopes are critical and wait up to 5 seconds for room on the critical
// queue; if it is still full then, enqueue reports overflowed and e is not
// queued. All other kinds use the default "close the slow recipient" policy: a full
// normal queue reports overflowed and the caller closes the session with a
// system/error(overflow).
func (s *Session) enqueue(ctx context.Context, e *envelope.Envelope) enqueueResult {
	if isCritical(e.Kind) {
		select {
		case s.critical <- e:
			return enqueued
		case <-s.done:
			return enqueued
		case <-time.After(5 * time.Second):
			return overflowed
		}
	}
	select {
	case s.normal <- e:
		return enqueued
	default:
		return overflowed
	}
}

func isCritical(kind string) bool {
	return hasPrefix(kind, "system/") || hasPrefix(kind, "capability/")
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// pump drains the session's outbound queues to its transport until the
// session is closed. It is started once by the gateway when the session
// transitions to active and is the session's single outbound writer.
func (s *Session) pump(ctx context.Context) {
	for {
		select {
		case <-s.done:
			s.drain(ctx)
			return
		case e := <-s.critical:
			_ = s.transport.Send(ctx, e)
		default:
			select {
			case <-s.done:
				s.drain(ctx)
				return
			case e := <-s.critical:
				_ = s.transport.Send(ctx, e)
			case e := <-s.normal:
				_ = s.transport.Send(ctx, e)
			}
		}
	}
}

// drain flushes remaining queued envelopes with a bounded grace period.
func (s *Session) drain(ctx context.Context) {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-s.critical:
			_ = s.transport.Send(ctx, e)
		case e := <-s.normal:
			_ = s.transport.Send(ctx, e)
		case <-deadline:
			return
		default:
			return
		}
	}
}

// close transitions the session to closed, stops the pump, and releases the
// transport. Safe to call multiple times.
func (s *Session) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.State() == StateClosed {
		return
	}
	s.setState(StateClosed)
	close(s.done)
	_ = s.transport.Close()
}
