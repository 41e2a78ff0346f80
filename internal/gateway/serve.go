package gateway

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/markjsapp/Haven-sub000/internal/cache"
)

func closeDeadline() time.Time { return time.Now().Add(5 * time.Second) }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  128 * 1024,
	WriteBufferSize: 128 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades GET /api/v1/ws?token=<access_token>. The token rides a
// query parameter because browsers can't set headers on a WS handshake.
// The per-user connection cap is checked before the upgrade so an
// over-limit client gets a distinct HTTP 429 instead of a half-open socket.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := h.auth.ValidateAccessToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if h.userConnCount(userID) >= h.cfg.MaxWSConnectionsPerUser {
		http.Error(w, "connection limit reached", http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed for user %s: %v", userID, err)
		return
	}

	sess := newSession(userID, h.cfg.WSSessionBufferSize, h.cfg.WSSessionTTL())
	h.addSession(sess)

	conn := newConn(h, ws, userID, sess)
	if !h.registerConn(conn) {
		// raced past the pre-upgrade check; close with a distinct code
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached"),
			closeDeadline())
		ws.Close()
		h.removeSession(sess.id)
		return
	}

	// the socket outlives the handler, so the pumps get their own context
	ctx := context.Background()
	first := h.userConnCount(userID) == 1

	h.trackTopic(ctx, cache.UserTopic(userID.String()))

	sid := sess.id
	interval := h.cfg.WSHeartbeatTimeoutSecs / 3 * 1000
	conn.enqueue(ServerMessage{Type: EvtHello, SessionID: &sid, HeartbeatIntervalMs: interval})

	if first {
		if err := h.presence.Set(ctx, userID, "online"); err != nil {
			log.Printf("[WS] set presence for %s: %v", userID, err)
		}
		h.broadcastPresence(ctx, userID, "online")
	}

	go conn.writePump()
	go conn.readPump(ctx)
}
