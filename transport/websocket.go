package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mew-space/mew/envelope"
	"github.com/mew-space/mew/gateway"
)

// wsUpgrader keeps a permissive local-dev CORS stance; a
// production deployment should restrict CheckOrigin.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsTransport adapts a *websocket.Conn to gateway.Transport, sending one
// envelope per text frame.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(_ context.Context, e *envelope.Envelope) error {
	b, err := envelope.Serialize(e)
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, b)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// WebSocketHandler upgrades connections to WebSocket, admits them against
// spaces, and pumps inbound frames into gateway.Space.Ingest until the
// connection closes.
type WebSocketHandler struct {
	Spaces Spaces
}

// Mount registers the WebSocket route on r: GET /spaces/{space}/ws.
func (h *WebSocketHandler) Mount(r chi.Router) {
	r.Get("/spaces/{space}/ws", h.serve)
}

func (h *WebSocketHandler) serve(w http.ResponseWriter, r *http.Request) {
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

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx := r.Context()
	t := &wsTransport{conn: conn}
	session, err := space.Admit(ctx, token, t)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, encodeSystemError(err.Error()))
		_ = conn.Close()
		return
	}

	space.Activate(backgroundCtx(), session)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if err := space.Ingest(backgroundCtx(), session, data); err != nil {
			// Ingest already notified the session of denial/overflow via its
			// own outbound queue; read errors that aren't fatal to the
			// connection keep the loop going.
			continue
		}
	}

	_ = space.Close(backgroundCtx(), session.Identity)
}
