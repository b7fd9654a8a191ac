package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatgate/internal/relay"
	logx "chatgate/pkg/logx"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway fronts a trusted dashboard; origin checks belong to the
	// proxy in front of it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 4 << 10
)

// handleWS upgrades a subscriber connection and hands it to the relay. The
// session id comes from the `session` query parameter; a second subscriber
// for the same session supersedes the first.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing session query parameter")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.log.Debug("ws upgrade failed", logx.Err(err))
		return
	}

	conn := &wsConn{ws: ws}
	ws.SetReadLimit(wsReadLimit)
	ws.SetPongHandler(func(string) error {
		s.relay.Touch(sessionID)
		return nil
	})

	s.relay.Subscribe(r.Context(), sessionID, conn)

	// The read loop exists to service pongs and detect peer close. Inbound
	// frames carry no meaning and are discarded.
	go func() {
		defer s.relay.Drop(sessionID, conn)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// wsConn adapts a gorilla connection to relay.Conn. Writes are serialized:
// the relay publishes events and the heartbeat pings from different
// goroutines.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) WriteEvent(ev relay.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.ws.WriteJSON(ev)
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}
