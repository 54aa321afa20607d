package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/varasto-kb/varasto/internal/events"
)

const (
	// wsPingInterval is the keepalive cadence.
	wsPingInterval = 30 * time.Second

	// wsWriteTimeout bounds a single frame write.
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The UI is same-host; embedded deployments reverse-proxy anyway.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket relays the event bus to a client. Each connection
// owns a bounded subscription; a slow client loses oldest events and
// can detect the gap via the notice the next ping carries in its error
// field after the drop counter has grown.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	sub := s.bus.Subscribe()
	defer sub.Close()
	defer func() { _ = conn.Close() }()

	// Discard client frames, but notice the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	var lastDropped uint64
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return

		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}

		case <-ticker.C:
			ping := events.Event{Type: events.TypePing}
			if dropped := sub.Dropped(); dropped > lastDropped {
				// The client missed events; tell it so it can refresh.
				lastDropped = dropped
				ping.Error = "events dropped; refresh recommended"
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ping); err != nil {
				return
			}
		}
	}
}
