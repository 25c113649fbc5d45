// Package transport provides reference wire bindings for the gateway:
// a WebSocket server that speaks one envelope per frame, and a REST
// fallback for one-shot sends.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mew-space/mew/envelope"
	"github.com/mew-space/mew/gateway"
)

// bearerToken extracts the space admission token from an inbound HTTP
// request, accepting either the Authorization: Bearer header or a `token`
// query parameter (the latter exists because browser WebSocket clients
// cannot set arbitrary headers during the handshake).
func bearerToken(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			return auth[len(prefix):], nil
		}
		return "", fmt.Errorf("malformed Authorization header")
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", fmt.Errorf("missing token")
}

// Spaces resolves a space name (path parameter) to the running gateway.Space
// instance responsible for it. Both bindings below take one so a single
// process can host more than one space.
type Spaces interface {
	Get(name string) (*gateway.Space, bool)
}

// StaticSpaces is the simplest Spaces implementation: a single
// pre-constructed space, the common case for mewgatewayd.
type StaticSpaces struct {
	Name  string
	Space *gateway.Space
}

func (s StaticSpaces) Get(name string) (*gateway.Space, bool) {
	if name != s.Name {
		return nil, false
	}
	return s.Space, true
}

// encodeSystemError is a tiny helper the WebSocket binding uses to render a
// system/error envelope as raw bytes, used for protocol-level rejections that never made
// it into a Session, and so never touch the audit log.
func encodeSystemError(reason string) []byte {
	payload, _ := json.Marshal(map[string]any{"reason": reason})
	e := &envelope.Envelope{
		Protocol: envelope.CurrentVersion,
		ID:       envelope.NewID(""),
		From:     "system",
		Kind:     envelope.KindSystemError,
		Payload:  payload,
	}
	b, err := envelope.Serialize(e)
	if err != nil {
		return []byte(`{"kind":"system/error"}`)
	}
	return b
}

// backgroundCtx is used for operations that must outlive the originating
// HTTP request (e.g. a session's outbound pump).
func backgroundCtx() context.Context { return context.Background() }
