// Package audit implements the gateway's append-only audit log: one
// newline-delimited JSON entry per admitted or denied envelope.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mew-space/mew/envelope"
)

// Decision is the admission outcome recorded for an envelope.
type Decision string

const (
	Admitted Decision = "admitted"
	Denied   Decision = "denied"
)

// Entry is one audit log record. Malformed envelopes are never logged; only
// envelopes that reached capability evaluation produce an Entry.
type Entry struct {
	Envelope     *envelope.Envelope `json:"envelope"`
	IngressTime  time.Time          `json:"timestamp"`
	Decision     Decision           `json:"decision"`
	DenialReason string             `json:"reason,omitempty"`
}

// Sink is the append-only destination for audit entries. A single writer
// appends; any number of readers may tail independently.
type Sink interface {
	// Append persists entry. A non-nil error MUST cause the caller (the
	// gateway) to stop admitting new envelopes: the audit log is the
	// critical path, not best-effort.
	Append(ctx context.Context, entry Entry) error
	// Close releases any resources held by the sink.
	Close() error
}

// MarshalEntry renders an Entry as a single ndjson line, without a trailing
// newline.
func MarshalEntry(e Entry) ([]byte, error) {
	return json.Marshal(e)
}
