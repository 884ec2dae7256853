package controlapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventWriteTimeout = 5 * time.Second
	eventPongTimeout  = 60 * time.Second
	eventPingPeriod   = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     allowedOrigin,
}

// events streams manager events to a websocket client as JSON text frames.
// The subscription ends when the client goes away or the daemon stops.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := s.daemon.Subscribe()
	defer unsubscribe()

	// The read side only services control frames and notices the close.
	closed := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(eventPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventPongTimeout))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug().Err(err).Msg("event stream read failed")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingPeriod)
	defer ticker.Stop()

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("event stream client connected")
	for {
		select {
		case event, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon stopping"),
					time.Now().Add(eventWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debug().Err(err).Msg("event stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.ctx.Done():
			return
		}
	}
}
