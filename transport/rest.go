package transport

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mew-space/mew/envelope"
	"github.com/mew-space/mew/gateway"
)

// restTransport is a one-shot gateway.Transport: POST /spaces/.../messages
// admits a session, ingests exactly one envelope, and closes when the request
// ends. Everything Send receives meanwhile (the welcome, system errors, and
// any traffic routed to the session while it is active) is discarded — a
// REST-admitted participant cannot receive asynchronous traffic; REST is a
// write-only fallback for participants without a persistent connection.
type restTransport struct{}

func (restTransport) Send(context.Context, *envelope.Envelope) error { return nil }
func (restTransport) Close() error                                  { return nil }

// RESTHandler exposes the write-only fallback surface: a participant without
// a WebSocket connection can still send envelopes by POSTing them.
type RESTHandler struct {
	Spaces Spaces
}

// Mount registers POST /spaces/{space}/participants/{identity}/messages.
func (h *RESTHandler) Mount(r chi.Router) {
	r.Post("/spaces/{space}/participants/{identity}/messages", h.postMessage)
}

func (h *RESTHandler) postMessage(w http.ResponseWriter, r *http.Request) {
	spaceName := chi.URLParam(r, "space")
	space, ok := h.Spaces.Get(spaceName)
	if !ok {
		http.Error(w, "unknown space", http.StatusNotFound)
		return
	}

	token, err := bearerToken(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	session, err := space.Admit(ctx, token, restTransport{})
	if err != nil {
		status := http.StatusForbidden
		if errors.Is(err, gateway.ErrUnauthorized) {
			status = http.StatusUnauthorized
		}
		http.Error(w, err.Error(), status)
		return
	}
	if identity := chi.URLParam(r, "identity"); identity != session.Identity {
		_ = space.Close(context.Background(), session.Identity)
		http.Error(w, "token does not belong to addressed participant", http.StatusForbidden)
		return
	}
	space.Activate(ctx, session)
	defer func() { _ = space.Close(context.Background(), session.Identity) }()

	if err := space.Ingest(ctx, session, body); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
