package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AyhanMehrzad/Secure-Chanel/pkg/logger"
)

const (
	// writeWait is the deadline for one outbound frame.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before the read
	// side gives up on it.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait so pongs arrive in time.
	pingPeriod = (pongWait * 9) / 10
	// maxEventBytes caps one inbound frame.
	maxEventBytes = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket admits an authenticated client onto the persistent
// channel. Admission failures terminate before the upgrade: a blocked
// origin and a bad session are both a plain 401, indistinguishable so the
// response does not reveal whether credentials were ever right.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	origin := clientOrigin(r)

	if s.guard.IsBlocked(origin) {
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	sess, err := s.sessionFromRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP failure response
		logger.L().Warn().Err(err).Str("origin", origin).Msg("websocket upgrade failed")
		return
	}

	conn := NewConn(uuid.NewString(), sess.Username, origin, ws)

	// Queue the recent history before the connection can receive
	// broadcasts, so the page is always the first frame delivered.
	s.pushRecentHistory(conn)
	s.hub.Admit(conn)

	go s.writePump(conn)
	go s.readPump(conn)
}

// readPump drains inbound frames until the connection dies, feeding each
// one through the dispatcher. Over-limit senders lose frames, not the
// connection.
func (s *Server) readPump(conn *Conn) {
	defer func() {
		s.hub.Remove(conn.ID)
		s.guard.ReleaseLimiter(conn.ID)
		conn.Close()
	}()

	conn.ws.SetReadLimit(maxEventBytes)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.L().Debug().Err(err).Str("conn_id", conn.ID).Msg("websocket read error")
			}
			return
		}

		if !s.guard.AllowEvent(conn.ID) {
			logger.L().Debug().
				Str("conn_id", conn.ID).
				Str("username", conn.Username).
				Msg("event rate exceeded, dropping frame")
			if s.metrics != nil {
				s.metrics.RecordEventThrottled()
			}
			continue
		}

		s.dispatchEvent(conn, raw)
	}
}

// writePump serializes all writes to the socket: queued events strictly
// in enqueue order, keepalive pings in between. It is the only goroutine
// allowed to write.
func (s *Server) writePump(conn *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-conn.done:
			// Flush what was queued before the close, then say goodbye
			for {
				select {
				case data := <-conn.send:
					conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
					conn.ws.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
