package gateway

import "errors"

// Sentinel errors for the admission/ingestion error taxonomy.
// Callers should compare with errors.Is; transport adapters map these to the
// wire-level system/error reasons and, in the REST binding, to HTTP status
// codes.
var (
	// ErrUnauthorized is returned by Admit when the bearer token does not
	// match any configured participant.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrDuplicateIdentity is returned by Admit when the identity is already
	// active and the space's displacement policy is Reject.
	ErrDuplicateIdentity = errors.New("duplicate_identity")
	// ErrSpaceClosed is returned by Admit and Ingest on a space that has
	// finished closing.
	ErrSpaceClosed = errors.New("space_closed")
	// ErrIdentityMismatch is returned by Ingest when an envelope's `from`
	// does not match the identity bound to the session it arrived on.
	ErrIdentityMismatch = errors.New("identity_mismatch")
	// ErrCapabilityDenied is returned by Ingest when no granted pattern
	// permits the envelope.
	ErrCapabilityDenied = errors.New("capability_denied")
	// ErrMalformedEnvelope is returned by Ingest when the raw bytes do not
	// parse as a well-formed envelope; malformed traffic is never audit
	// logged.
	ErrMalformedEnvelope = errors.New("malformed")
	// ErrUnknownRecipient names the unknown_recipient condition; Ingest does
	// not return it. When any entry in `to` names no active or paused
	// session, the envelope is still admitted, audited and delivered to the
	// resolved recipients, and Ingest logs the unresolved identities under an
	// unknown_recipient reason.
	ErrUnknownRecipient = errors.New("unknown_recipient")
	// ErrSessionNotFound is returned when an operation names a session
	// identity with no active session.
	ErrSessionNotFound = errors.New("session_not_found")
	// ErrAuditUnavailable is returned by Ingest when the audit sink fails to
	// persist an entry; this is fatal and halts all further admission.
	ErrAuditUnavailable = errors.New("audit_unavailable")
)
