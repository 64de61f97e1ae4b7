package ws

import (
	"sync"
	"time"

	rt "github.com/baechuer/real-time-ressys/services/invite-service/internal/contracts/realtime"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	maxMessageSize = 16 * 1024
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
)

// session is a middleman between the websocket connection and the broker.
type session struct {
	id    string
	actor uuid.UUID
	conn  *websocket.Conn
	log   zerolog.Logger

	// Buffered channel of outbound frames. It is never closed; done stops the writer.
	send chan rt.Frame

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, actor uuid.UUID, buffer int, log zerolog.Logger) *session {
	id := uuid.NewString()
	return &session{
		id:    id,
		actor: actor,
		conn:  conn,
		log:   log.With().Str("session_id", id).Str("actor_id", actor.String()).Logger(),
		send:  make(chan rt.Frame, buffer),
		done:  make(chan struct{}),
	}
}

func (s *session) ID() string      { return s.id }
func (s *session) ActorID() string { return s.actor.String() }

// Deliver never blocks; a full buffer or a closed session drops the frame.
func (s *session) Deliver(f rt.Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// writeLoop pumps frames from the send buffer to the connection and keeps it alive with pings.
// It is the only writer on the connection.
func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case f := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				s.log.Debug().Err(err).Msg("write failed, exiting write loop")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.Debug().Err(err).Msg("ping failed, exiting write loop")
				return
			}
		case <-s.done:
			return
		}
	}
}
