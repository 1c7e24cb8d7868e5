package gateway

import (
	"chat-relay/domain"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

const (
	sessionBuffer  = 32
	maxMessageSize = 4096
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
)

// Session is one authenticated websocket connection. All writes go
// through the out channel and a single writer goroutine, because the
// underlying connection allows only one concurrent writer.
type Session struct {
	id   string
	user domain.User
	out  chan Event
	log  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewSession(user domain.User, log *slog.Logger) *Session {
	return &Session{
		id:   uuid.NewString(),
		user: user,
		out:  make(chan Event, sessionBuffer),
		log:  log,
	}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) User() domain.User { return s.user }

// Send queues an event without blocking. A full buffer means the client
// is not keeping up; the event is dropped rather than stalling the
// broadcast for everyone else.
func (s *Session) Send(evt Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- evt:
		return true
	default:
		s.log.Warn("Dropping event for slow consumer", "session", s.id, "type", evt.Type)
		return false
	}
}

// Close stops accepting events and lets the writer drain and exit.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

// writePump is the session's writer goroutine. It exits when Close is
// called or the first write fails, closing the connection either way so
// the read loop unblocks too. Pings keep idle connections alive through
// proxies.
func (s *Session) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case evt, ok := <-s.out:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("Session write failed", "session", s.id, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// prepareRead arms the read side: size limit and pong-refreshed
// deadline, so a silent peer is detected within pongWait.
func prepareRead(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}
