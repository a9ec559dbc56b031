package server

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/stream"
)

// WebSocket timeouts, see https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     checkOrigin,
}

// checkOrigin accepts clients without an Origin header and same-host browsers
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// handleJobsWebSocket streams status events as JSON text frames. ?job=ID
// narrows the feed to one job.
func (s *Server) handleJobsWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feed == nil {
		writeError(w, http.StatusServiceUnavailable, "status feed is not running")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request
		s.log.Debugw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	events := s.deps.Feed.Subscribe()
	filter := r.URL.Query().Get("job")
	s.clients.Inc()
	s.log.Debugw("Status feed client attached", "remote", r.RemoteAddr, logger.FieldJobID, filter)

	closed := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readPump(conn, closed)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.clients.Dec()
		defer s.deps.Feed.Unsubscribe(events)
		s.writePump(conn, events, filter, closed)
	}()
}

// readPump discards client frames and signals when the peer goes away
func (s *Server) readPump(conn *websocket.Conn, closed chan struct{}) {
	defer close(closed)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.log.Warnw("WebSocket read error", logger.FieldError, err)
			}
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, events chan stream.StatusEvent, filter string, closed chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if filter != "" && ev.JobID != filter {
				continue
			}
			ev.Job = nil
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debugw("WebSocket write failed", logger.FieldError, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
