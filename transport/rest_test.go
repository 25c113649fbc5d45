package transport

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mew-space/mew/config"
	"github.com/mew-space/mew/gateway"
)

func testSpace(t *testing.T) *gateway.Space {
	t.Helper()
	cfg := &config.Space{
		ID: "demo",
		Participants: []config.ParticipantConfig{
			{Identity: "alice", Token: "tok-alice", Capabilities: []config.PatternConfig{{Kind: "chat"}}},
		},
	}
	return gateway.New(cfg, gateway.Options{})
}

func TestRESTHandlerAcceptsValidEnvelope(t *testing.T) {
	space := testSpace(t)
	h := &RESTHandler{Spaces: StaticSpaces{Name: "demo", Space: space}}
	r := chi.NewRouter()
	h.Mount(r)

	body := []byte(`{"protocol":"mew/v0.4","id":"x","from":"alice","kind":"chat","payload":{"text":"hi"}}`)
	req := httptest.NewRequest(http.MethodPost, "/spaces/demo/participants/alice/messages?token=tok-alice", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestRESTHandlerRejectsBadToken(t *testing.T) {
	space := testSpace(t)
	h := &RESTHandler{Spaces: StaticSpaces{Name: "demo", Space: space}}
	r := chi.NewRouter()
	h.Mount(r)

	req := httptest.NewRequest(http.MethodPost, "/spaces/demo/participants/alice/messages?token=bad", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRESTHandlerRejectsIdentityMismatch(t *testing.T) {
	space := testSpace(t)
	h := &RESTHandler{Spaces: StaticSpaces{Name: "demo", Space: space}}
	r := chi.NewRouter()
	h.Mount(r)

	// tok-alice resolves to alice, not bob: the token must belong to the
	// participant named in the path.
	body := []byte(`{"protocol":"mew/v0.4","id":"x","from":"alice","kind":"chat","payload":{"text":"hi"}}`)
	req := httptest.NewRequest(http.MethodPost, "/spaces/demo/participants/bob/messages?token=tok-alice", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRESTHandlerUnknownSpace(t *testing.T) {
	space := testSpace(t)
	h := &RESTHandler{Spaces: StaticSpaces{Name: "demo", Space: space}}
	r := chi.NewRouter()
	h.Mount(r)

	req := httptest.NewRequest(http.MethodPost, "/spaces/other/participants/alice/messages?token=tok-alice", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}
