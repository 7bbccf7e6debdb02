package httpapi

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gymdesk/frontdesk/internal/attendance"
)

// EventCheckInsState is the message type carrying a list snapshot.
const EventCheckInsState = "checkins.state"

const writeWait = 10 * time.Second

// Envelope wraps every websocket message.
type Envelope struct {
	Type      string           `json:"type"`
	Data      attendance.State `json:"data"`
	Timestamp int64            `json:"timestamp"`
}

// checkinsSocket pushes the current list and every later change until the
// client goes away or the server closes.
func (s *Server) checkinsSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	s.sockets.Add(1)
	defer s.sockets.Done()
	defer conn.Close()

	states, cancel := s.cfg.CheckIns.Watch()
	defer cancel()

	pongWait := 2 * s.cfg.PingInterval
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(Envelope{Type: EventCheckInsState, Data: st, Timestamp: time.Now().Unix()}); err != nil {
				s.log.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func sameHost(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == host
}
