package server

import (
	"net/http"
	"time"

	"stemmix/internal/player"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// eventSnapshot is the first message on every stream and carries the full
// session state
const eventSnapshot player.EventType = "snapshot"

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEvents streams the session's hub events over a WebSocket. The
// stream ends when the client goes away or the session closes.
func (ms *MixServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	s, ok := ms.sessionFromPath(w, r)
	if !ok {
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		ms.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	events := s.Events().Subscribe()
	defer s.Events().Unsubscribe(events)

	log := ms.logger.WithFields(logrus.Fields{"session_id": s.ID(), "remote": r.RemoteAddr})
	log.Info("Event stream connected")

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// the client never sends anything we act on; reading keeps pongs and
	// close frames flowing
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithError(err).Warn("Event stream closed unexpectedly")
				}
				return
			}
		}
	}()

	snap := player.Event{Type: eventSnapshot, SessionID: s.ID(), Data: s.Snapshot(), Time: time.Now()}
	if err := writeEvent(conn, snap); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				code, reason := websocket.CloseNormalClosure, "session closed"
				if s.Events().Dropped(events) {
					code, reason = websocket.ClosePolicyViolation, "too slow"
					log.Warn("Event stream dropped, client not keeping up")
				} else {
					log.Info("Event stream ended with the session")
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				log.WithError(err).Debug("Event stream write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			log.Info("Event stream disconnected")
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev player.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}
