package realtime

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/markb/chatrelay/internal/auth"
	"github.com/markb/chatrelay/internal/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS handled by the router
	},
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes. Authentication happens after the upgrade so a rejected client gets
// a close frame with the reason.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	token := auth.ExtractToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("realtime: upgrade failed", "error", err.Error())
		return
	}

	conn := newConn(ws, newRateLimiter(g.cfg.RateLimit, g.cfg.RateBurst))
	if !g.track(conn) {
		conn.CloseWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	log.Debug("realtime: new connection", "conn_id", conn.id, "remote", r.RemoteAddr)

	g.serve(conn, token)
}
