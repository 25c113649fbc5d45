// Package envelope defines the canonical wire unit routed by the gateway and
// consumed by participant runtimes: parsing, strict validation, and identifier
// generation.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CurrentVersion is the protocol version tag this build produces and accepts.
const CurrentVersion = "mew/v0.4"

// PreviousVersion is the immediate predecessor the gateway also accepts for
// compatibility.
const PreviousVersion = "mew/v0.3"

// Well-known kind prefixes and literal kinds referenced throughout the gateway
// and participant runtime. Kinds are hierarchical slash-separated tags; these
// constants name the ones the core itself interprets instead of simply
// forwarding.
const (
	KindChat                = "chat"
	KindChatAcknowledge     = "chat/acknowledge"
	KindMCPRequest          = "mcp/request"
	KindMCPProposal         = "mcp/proposal"
	KindMCPResponse         = "mcp/response"
	KindReasoningStart      = "reasoning/start"
	KindReasoningThought    = "reasoning/thought"
	KindReasoningConclude   = "reasoning/conclusion"
	KindReasoningCancel     = "reasoning/cancel"
	KindStreamRequest       = "stream/request"
	KindStreamOpen          = "stream/open"
	KindStreamData          = "stream/data"
	KindStreamClose         = "stream/close"
	KindCapabilityGrant     = "capability/grant"
	KindCapabilityGrantAck  = "capability/grant-ack"
	KindCapabilityRevoke    = "capability/revoke"
	KindSystemWelcome       = "system/welcome"
	KindSystemPresence      = "system/presence"
	KindSystemError         = "system/error"
	KindParticipantPause    = "participant/pause"
	KindParticipantResume   = "participant/resume"
	KindParticipantShutdown = "participant/shutdown"
	KindParticipantRestart  = "participant/restart"
	KindParticipantClear    = "participant/clear"
	KindParticipantForget   = "participant/forget"
)

// Envelope is the single wire unit exchanged between participants and the
// gateway. Field names and JSON tags are fixed by the wire protocol for
// interoperability; unknown top-level fields observed during Parse are
// preserved in Extra and re-emitted by Serialize.
type Envelope struct {
	Protocol      string          `json:"protocol"`
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"ts"`
	From          string          `json:"from"`
	To            []string        `json:"to,omitempty"`
	Kind          string          `json:"kind"`
	CorrelationID []string        `json:"correlation_id,omitempty"`
	Context       *string         `json:"context,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`

	// Extra carries top-level fields not modeled above, preserved verbatim
	// across Parse/Serialize round trips.
	Extra map[string]json.RawMessage `json:"-"`
}

// Error kinds returned by Parse. Use errors.Is against these sentinels.
var (
	ErrMalformed          = errors.New("malformed envelope")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrMissingField       = errors.New("missing required field")
	ErrInvalidField       = errors.New("invalid field value")
)

// fixedFields lists the JSON keys modeled directly on Envelope, used to
// compute Extra during Parse.
var fixedFields = map[string]struct{}{
	"protocol": {}, "id": {}, "ts": {}, "from": {}, "to": {},
	"kind": {}, "correlation_id": {}, "context": {}, "payload": {},
}

// Parse decodes bytes into a validated Envelope. It does not assign Timestamp
// or ID defaults — that is the gateway's responsibility on ingress; Parse
// only rejects malformed input.
func Parse(data []byte) (*Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if _, known := fixedFields[k]; !known {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		e.Extra = extra
	}

	if err := validateParsed(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

func validateParsed(e *Envelope) error {
	switch e.Protocol {
	case CurrentVersion, PreviousVersion:
	case "":
		return fmt.Errorf("%w: protocol", ErrMissingField)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, e.Protocol)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: id", ErrMissingField)
	}
	if e.From == "" {
		return fmt.Errorf("%w: from", ErrMissingField)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: kind", ErrMissingField)
	}
	if containsUnderscore(e.From) {
		return fmt.Errorf("%w: from must not contain underscores", ErrInvalidField)
	}
	if e.To == nil {
		e.To = []string{}
	}
	if e.CorrelationID == nil {
		e.CorrelationID = []string{}
	}
	return nil
}

func containsUnderscore(s string) bool {
	for _, r := range s {
		if r == '_' {
			return true
		}
	}
	return false
}

// Serialize encodes the envelope back to JSON, re-emitting Extra fields
// alongside the modeled ones. Field ordering is not guaranteed.
func Serialize(e *Envelope) ([]byte, error) {
	type alias Envelope
	base, err := json.Marshal((*alias)(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// NewID returns a collision-resistant identifier suitable for envelope and
// session ids.
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// IsBroadcast reports whether the envelope has no explicit recipients, i.e.
// should be delivered to every other active participant.
func (e *Envelope) IsBroadcast() bool {
	return len(e.To) == 0
}

// PrimaryCorrelation returns the first correlation id, or "" if none is set.
// The array shape is preserved verbatim on the wire, but only the first
// element is used for lookups.
func (e *Envelope) PrimaryCorrelation() string {
	if len(e.CorrelationID) == 0 {
		return ""
	}
	return e.CorrelationID[0]
}
