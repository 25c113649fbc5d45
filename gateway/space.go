// Package gateway implements the MEW gateway core: admission, envelope
// ingestion and routing, capability grant/revoke, and orderly shutdown for a
// single space.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mew-space/mew/audit"
	"github.com/mew-space/mew/capability"
	"github.com/mew-space/mew/config"
	"github.com/mew-space/mew/envelope"
)

// defaultIngestRate and defaultIngestBurst bound how fast a single session
// may submit envelopes before Ingest starts blocking the caller briefly.
// Operators wishing a different pace configure it via Options.
const (
	defaultIngestRate  = rate.Limit(50)
	defaultIngestBurst = 100
)

// Options configures a Space beyond what the participant config file
// carries.
type Options struct {
	Audit         audit.Sink
	Observability *Observability
	IngestRate    rate.Limit
	IngestBurst   int
	// OutboundQueueSize caps each session's normal-priority outbound queue.
	// Zero means the default.
	OutboundQueueSize int
}

// Space is one running MEW workspace: the set of admitted sessions, their
// capabilities, and the routing between them.
type Space struct {
	id     string
	config *config.Space

	mu     sync.RWMutex
	caps   map[string]capability.Set // identity -> granted capabilities
	closed bool

	router *router
	audit  audit.Sink
	obs    *Observability

	ingestRate  rate.Limit
	ingestBurst int
	queueSize   int

	fatal    bool
	fatalErr error
	fatalCh  chan struct{}
}

// New constructs a Space from a loaded configuration file and options. The
// initial capability set for each configured participant is copied from the
// config so that subsequent Grant/Revoke calls never mutate the config's
// own slices.
func New(cfg *config.Space, opts Options) *Space {
	if opts.Observability == nil {
		opts.Observability = NewObservability(nil, nil, nil)
	}
	if opts.IngestRate == 0 {
		opts.IngestRate = defaultIngestRate
	}
	if opts.IngestBurst == 0 {
		opts.IngestBurst = defaultIngestBurst
	}
	if opts.OutboundQueueSize == 0 {
		opts.OutboundQueueSize = defaultOutboundQueueSize
	}
	s := &Space{
		id:          cfg.ID,
		config:      cfg,
		caps:        make(map[string]capability.Set, len(cfg.Participants)),
		router:      newRouter(),
		audit:       opts.Audit,
		obs:         opts.Observability,
		ingestRate:  opts.IngestRate,
		ingestBurst: opts.IngestBurst,
		queueSize:   opts.OutboundQueueSize,
		fatalCh:     make(chan struct{}),
	}
	for _, p := range cfg.Participants {
		set := make(capability.Set, len(p.Capabilities))
		for i, pc := range p.Capabilities {
			set[i] = pc.ToPattern()
		}
		s.caps[p.Identity] = set
	}
	return s
}

// Admit authenticates token against the space's configured participants and,
// on success, creates and returns a new joining-state Session bound to t.
// Before returning it emits a system/welcome to the new
// session carrying its granted capabilities, then broadcasts
// system/presence(join) to the rest of the space. The caller is expected to
// transition the returned session to active once the welcome envelope has
// been sent.
func (s *Space) Admit(ctx context.Context, token string, t Transport) (*Session, error) {
	start := time.Now()
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		s.record(ctx, OpAdmit, "", start, OutcomeError, ErrSpaceClosed.Error())
		return nil, ErrSpaceClosed
	}

	pc, ok := s.config.ResolveToken(token)
	if !ok {
		s.mu.Unlock()
		s.record(ctx, OpAdmit, "", start, OutcomeDenied, ErrUnauthorized.Error())
		return nil, ErrUnauthorized
	}

	if existing, already := s.router.get(pc.Identity); already && existing.State() != StateClosed {
		switch s.config.Displacement {
		case config.Displace:
			s.closeLocked(ctx, existing, "displaced")
		default:
			s.mu.Unlock()
			s.record(ctx, OpAdmit, pc.Identity, start, OutcomeDenied, ErrDuplicateIdentity.Error())
			return nil, ErrDuplicateIdentity
		}
	}

	session := NewSession(pc.Identity, s.caps[pc.Identity], t, s.ingestRate, s.ingestBurst, s.queueSize)
	s.router.add(session)
	caps := session.Capabilities()
	s.mu.Unlock()

	s.emitSystem(ctx, session, envelope.KindSystemWelcome, welcomePayload(caps), nil)
	s.emitBroadcastSystem(ctx, envelope.KindSystemPresence, map[string]any{
		"event":    "join",
		"identity": pc.Identity,
	})

	s.record(ctx, OpAdmit, pc.Identity, start, OutcomeAdmitted, "")
	return session, nil
}

// welcomePayload builds the system/welcome payload participant.Client expects
// to decode its initial capability set from (participant/client.go
// parseWelcomeCapabilities).
func welcomePayload(caps capability.Set) map[string]any {
	list := make([]map[string]any, len(caps))
	for i, p := range caps {
		list[i] = map[string]any{"kind": p.KindPattern, "payload": p.PayloadPattern}
	}
	return map[string]any{"capabilities": list}
}

// Activate transitions a joining session to active and starts its outbound
// pump. The gateway calls this once the transport has delivered the
// system/welcome envelope.
func (s *Space) Activate(ctx context.Context, session *Session) {
	session.setState(StateActive)
	go session.pump(ctx)
}

// Ingest is the single entry point for an envelope arriving on sender's
// session: identity check, id/timestamp assignment,
// capability check, recipient resolution, per-recipient enqueue, and exactly
// one audit log entry.
func (s *Space) Ingest(ctx context.Context, sender *Session, raw []byte) error {
	start := time.Now()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		s.record(ctx, OpIngest, sender.Identity, start, OutcomeError, ErrSpaceClosed.Error())
		return ErrSpaceClosed
	}
	if st := sender.State(); st == StateDraining || st == StateClosed {
		s.record(ctx, OpIngest, sender.Identity, start, OutcomeError, ErrSessionNotFound.Error())
		return ErrSessionNotFound
	}

	e, err := envelope.Parse(raw)
	if err != nil {
		// Malformed envelopes are never audit logged.
		s.record(ctx, OpIngest, sender.Identity, start, OutcomeError, err.Error())
		s.emitSystem(ctx, sender, envelope.KindSystemError, map[string]any{"reason": "malformed"}, probeID(raw))
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if e.From != sender.Identity {
		s.record(ctx, OpIngest, sender.Identity, start, OutcomeDenied, ErrIdentityMismatch.Error())
		s.emitSystem(ctx, sender, envelope.KindSystemError, map[string]any{"reason": "identity_mismatch"}, idOrNil(e.ID))
		return ErrIdentityMismatch
	}

	if err := sender.AllowIngest(ctx); err != nil {
		return err
	}

	// id is sender-generated and preserved verbatim; the
	// gateway only fills one in when the sender omitted it. timestamp is
	// always assigned/overridden on ingress.
	if e.ID == "" {
		e.ID = envelope.NewID("")
	}
	e.Timestamp = time.Now().UTC()

	permitted := capability.Permits(sender.Capabilities(), e.Kind, e.Payload)

	entry := audit.Entry{Envelope: e, IngressTime: e.Timestamp}
	if !permitted {
		entry.Decision = audit.Denied
		entry.DenialReason = ErrCapabilityDenied.Error()
	} else {
		entry.Decision = audit.Admitted
	}
	if s.audit != nil {
		if err := s.audit.Append(ctx, entry); err != nil {
			wrapped := fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
			s.enterFatal(wrapped)
			s.record(ctx, OpIngest, sender.Identity, start, OutcomeError, ErrAuditUnavailable.Error())
			return wrapped
		}
	}
	if !permitted {
		s.record(ctx, OpIngest, sender.Identity, start, OutcomeDenied, ErrCapabilityDenied.Error())
		s.sendSystemError(ctx, sender, e, "capability_denied")
		return ErrCapabilityDenied
	}

	switch e.Kind {
	case envelope.KindCapabilityGrant:
		patterns := decodeGrantPatterns(e.Payload)
		for _, target := range e.To {
			_, _ = s.Grant(ctx, target, patterns)
		}
	case envelope.KindCapabilityRevoke:
		patterns := decodeGrantPatterns(e.Payload)
		for _, target := range e.To {
			_, _ = s.Revoke(ctx, target, patterns)
		}
	}

	targets, unresolved := s.router.recipients(e)
	if len(unresolved) > 0 {
		s.obs.LogOperation(ctx, OperationEvent{
			Operation: OpIngest,
			Space:     s.id,
			Identity:  sender.Identity,
			Kind:      e.Kind,
			Outcome:   OutcomeDenied,
			Reason:    "unknown_recipient: " + fmt.Sprint(unresolved),
		})
	}
	overflowed := s.router.deliver(ctx, e, targets)
	for _, slow := range overflowed {
		s.closeForOverflow(ctx, slow)
	}

	// Control envelopes drive the target session's state machine. Applied
	// after delivery so the target sees the control envelope itself before
	// the transition takes effect (shutdown drains it along with the rest
	// of the queue).
	switch e.Kind {
	case envelope.KindParticipantPause:
		s.applyControl(e.To, StatePaused)
	case envelope.KindParticipantResume:
		s.applyControl(e.To, StateActive)
	case envelope.KindParticipantShutdown, envelope.KindParticipantRestart:
		for _, target := range e.To {
			_ = s.Close(ctx, target)
		}
	}

	s.record(ctx, OpIngest, sender.Identity, start, OutcomeAdmitted, "")
	return nil
}

// applyControl moves each addressed session between active and paused.
// Pause only applies to active sessions and resume only to paused ones;
// joining, draining, and closed sessions are left alone.
func (s *Space) applyControl(targets []string, to State) {
	for _, identity := range targets {
		sess, ok := s.router.get(identity)
		if !ok {
			continue
		}
		switch {
		case to == StatePaused && sess.State() == StateActive:
			sess.setState(StatePaused)
		case to == StateActive && sess.State() == StatePaused:
			sess.setState(StateActive)
		}
	}
}

// Grant adds patterns to identity's capability set and returns the new
// snapshot, pushing a refreshed system/welcome to the affected session if it
// is registered with the space so it learns its new capability set from the gateway itself
// (the participant's own capability/grant-ack is its reply to the grant
// envelope, not the gateway's concern).
func (s *Space) Grant(ctx context.Context, identity string, patterns capability.Set) (capability.Set, error) {
	start := time.Now()
	s.mu.Lock()
	updated := append(append(capability.Set{}, s.caps[identity]...), patterns...)
	s.caps[identity] = updated
	s.mu.Unlock()

	if sess, ok := s.router.get(identity); ok {
		sess.SetCapabilities(updated)
		s.emitSystem(ctx, sess, envelope.KindSystemWelcome, welcomePayload(updated), nil)
	}
	s.record(ctx, OpGrant, identity, start, OutcomeAdmitted, "")
	return updated, nil
}

// Revoke removes from identity's capability set every pattern whose kind
// pattern equals that of an entry in patterns (payload templates are not
// compared) and pushes the new snapshot to the live session, if any.
func (s *Space) Revoke(ctx context.Context, identity string, patterns capability.Set) (capability.Set, error) {
	start := time.Now()
	s.mu.Lock()
	current := s.caps[identity]
	kept := make(capability.Set, 0, len(current))
	for _, have := range current {
		revoke := false
		for _, p := range patterns {
			if have.KindPattern == p.KindPattern {
				revoke = true
				break
			}
		}
		if !revoke {
			kept = append(kept, have)
		}
	}
	s.caps[identity] = kept
	s.mu.Unlock()

	if sess, ok := s.router.get(identity); ok {
		sess.SetCapabilities(kept)
		s.emitSystem(ctx, sess, envelope.KindSystemWelcome, welcomePayload(kept), nil)
	}
	s.record(ctx, OpRevoke, identity, start, OutcomeAdmitted, "")
	return kept, nil
}

// decodeGrantPatterns parses the {"capabilities": [{"kind", "payload"}, ...]}
// body of a capability/grant or capability/revoke envelope. Malformed or
// empty payloads yield an empty set rather than an error: Ingest has already
// committed to routing the envelope by the time this runs.
func decodeGrantPatterns(payload json.RawMessage) capability.Set {
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
	for i, c := range body.Capabilities {
		set[i] = capability.Pattern{KindPattern: c.Kind, PayloadPattern: c.Payload}
	}
	return set
}

// Close transitions a session through draining to closed: no new envelopes
// are accepted from it, queued outbound traffic is flushed within a bounded
// grace period, and the transport is released.
func (s *Space) Close(ctx context.Context, identity string) error {
	start := time.Now()
	s.mu.Lock()
	sess, ok := s.router.get(identity)
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	s.closeLocked(ctx, sess, "")
	s.mu.Unlock()

	s.record(ctx, OpClose, identity, start, OutcomeAdmitted, "")
	s.emitBroadcastSystem(ctx, envelope.KindSystemPresence, map[string]any{
		"event":    "leave",
		"identity": identity,
	})
	return nil
}

// Shutdown closes every session in the space and marks it closed to future
// Admit calls.
func (s *Space) Shutdown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.router.mu.RLock()
	sessions := make([]*Session, 0, len(s.router.sessions))
	for _, sess := range s.router.sessions {
		sessions = append(sessions, sess)
	}
	s.router.mu.RUnlock()
	for _, sess := range sessions {
		s.closeLocked(ctx, sess, "shutdown")
	}
	if s.audit != nil {
		_ = s.audit.Close()
	}
}

// closeLocked transitions sess to draining then closed. Callers must hold
// s.mu.
func (s *Space) closeLocked(ctx context.Context, sess *Session, reason string) {
	sess.setState(StateDraining)
	if reason != "" {
		s.emitSystem(ctx, sess, envelope.KindSystemError, map[string]any{"reason": reason}, nil)
	}
	sess.close()
	s.router.remove(sess.Identity)
}

func (s *Space) closeForOverflow(ctx context.Context, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitSystem(ctx, sess, envelope.KindSystemError, map[string]any{"reason": "overflow"}, nil)
	s.closeLocked(ctx, sess, "")
}

// sendSystemError replies to cause's sender with a system/error whose
// correlation_id references cause.ID, so the sender can match the denial
// back to the envelope it sent.
func (s *Space) sendSystemError(ctx context.Context, sess *Session, cause *envelope.Envelope, reason string) {
	s.emitSystem(ctx, sess, envelope.KindSystemError, map[string]any{
		"reason": reason,
	}, []string{cause.ID})
}

// buildSystemEnvelope constructs a system-kind envelope originated by the
// gateway itself rather than relayed from another participant.
func (s *Space) buildSystemEnvelope(kind string, payload map[string]any, correlation []string, to []string) *envelope.Envelope {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err == nil {
			raw = b
		}
	}
	return &envelope.Envelope{
		Protocol:      envelope.CurrentVersion,
		ID:            envelope.NewID(""),
		Timestamp:     time.Now().UTC(),
		From:          "system",
		To:            to,
		Kind:          kind,
		CorrelationID: correlation,
		Payload:       raw,
	}
}

// emitSystem enqueues a system-kind envelope addressed to sess. correlation,
// when non-nil, becomes the envelope's correlation_id.
func (s *Space) emitSystem(ctx context.Context, sess *Session, kind string, payload map[string]any, correlation []string) {
	e := s.buildSystemEnvelope(kind, payload, correlation, []string{sess.Identity})
	sess.enqueue(ctx, e)
}

// emitBroadcastSystem routes a system-kind envelope to every other active
// session in the space, the same way a participant-originated broadcast
// would be delivered. Must not be called while holding s.mu:
// overflowing a slow recipient closes it via closeForOverflow, which
// re-acquires the lock.
func (s *Space) emitBroadcastSystem(ctx context.Context, kind string, payload map[string]any) {
	e := s.buildSystemEnvelope(kind, payload, nil, nil)
	targets, _ := s.router.recipients(e)
	overflowed := s.router.deliver(ctx, e, targets)
	for _, slow := range overflowed {
		s.closeForOverflow(ctx, slow)
	}
}

// enterFatal halts the space on an unrecoverable audit failure. Admit and
// Ingest both check s.closed, so after this call neither accepts further
// work; cmd/mewgatewayd watches Fatal() to exit the process with status 1.
func (s *Space) enterFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal {
		return
	}
	s.fatal = true
	s.fatalErr = err
	s.closed = true
	close(s.fatalCh)
}

// Fatal returns a channel that closes once the space has entered a fatal
// error state.
func (s *Space) Fatal() <-chan struct{} {
	return s.fatalCh
}

// FatalErr returns the error that caused the space to enter a fatal error
// state, or nil if it hasn't.
func (s *Space) FatalErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fatalErr
}

// probeID best-effort extracts an "id" field from raw bytes that failed full
// envelope validation, so a system/error(malformed) reply can still
// reference the offending envelope when the sender supplied one.
func probeID(raw []byte) []string {
	var partial struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil || partial.ID == "" {
		return nil
	}
	return []string{partial.ID}
}

func idOrNil(id string) []string {
	if id == "" {
		return nil
	}
	return []string{id}
}

func (s *Space) record(ctx context.Context, op OperationType, identity string, start time.Time, outcome OperationOutcome, reason string) {
	event := OperationEvent{
		Operation: op,
		Space:     s.id,
		Identity:  identity,
		Duration:  time.Since(start),
		Outcome:   outcome,
		Reason:    reason,
	}
	s.obs.LogOperation(ctx, event)
	s.obs.RecordOperationMetrics(event)
}
