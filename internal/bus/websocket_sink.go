package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/smilemakc/cascaded/internal/infrastructure/logger"
)

// WebSocketSink is a Subscriber that forwards every matching event to a
// connected websocket client as JSON, for live session observation (e.g. a
// UI trace viewer). One sink per connection; the bus
// drops events for a slow client instead of blocking (§4.1).
type WebSocketSink struct {
	name   string
	conn   *websocket.Conn
	filter Filter
	logger *logger.Logger

	mu     sync.Mutex
	closed bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewWebSocketSink upgrades an HTTP request to a websocket connection and
// wraps it as a Subscriber scoped by filter (typically a SessionFilter).
func NewWebSocketSink(name string, w http.ResponseWriter, r *http.Request, filter Filter, log *logger.Logger) (*WebSocketSink, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &WebSocketSink{name: name, conn: conn, filter: filter, logger: log}, nil
}

func (s *WebSocketSink) Name() string { return s.name }

func (s *WebSocketSink) Filter() Filter { return s.filter }

func (s *WebSocketSink) OnEvent(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if s.logger != nil {
			s.logger.Warn("websocket sink write failed, closing", "subscriber", s.name, "error", err)
		}
		s.closed = true
		return s.conn.Close()
	}
	return nil
}

// Close closes the underlying websocket connection.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
