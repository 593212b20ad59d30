package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// wsMessage is the wire shape for both directions: {"user": "...",
// "text": "..."} inbound (user identifies the sender on first
// connect), {"text": "..."} outbound (the connection already knows
// who it belongs to).
type wsMessage struct {
	User string `json:"user,omitempty"`
	Text string `json:"text"`
}

// upgrader mirrors the teacher's large-buffer dialer sizing
// (homeassistant/websocket.go's 1MB/64KB dialer), sized here for a
// local UI rather than a registry dump — smaller buffers suffice.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// errUserNotConnected is returned by SendResponse when no live
// connection exists for the given user.
var errUserNotConnected = errors.New("channel: user not connected")

// WSSource is a Source implementation backed by a WebSocket server:
// clients connect, identify themselves with their first message, and
// from then on are addressable by user ID. Grounded on
// homeassistant/websocket.go's connection-lifecycle idiom
// (connMu-guarded conn field, JSON read/write, a read loop goroutine
// per connection) generalized from one outbound HA socket to many
// inbound UI sockets.
type WSSource struct {
	logger *slog.Logger

	mu      sync.Mutex
	conns   map[string]*websocket.Conn // keyed by user ID
	handler MessageHandler
}

// NewWSSource creates a Source with no connections yet. Call
// UpgradeHandler to get the http.HandlerFunc to mount on a ServeMux.
func NewWSSource(logger *slog.Logger) *WSSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSSource{
		logger: logger,
		conns:  make(map[string]*websocket.Conn),
	}
}

// OnMessage registers the inbound message handler.
func (s *WSSource) OnMessage(handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// UpgradeHandler returns the HTTP handler that accepts new WebSocket
// connections. Mount it at whatever path the UI dials.
func (s *WSSource) UpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		go s.readLoop(conn)
	}
}

// readLoop reads inbound messages from one connection until it closes
// or fails, identifying the connection by the user ID carried on its
// first message and dispatching every message's text to the
// registered handler.
func (s *WSSource) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	var userID string
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("channel connection closed", "user", userID)
			} else {
				s.logger.Warn("channel read error, dropping connection", "user", userID, "error", err)
			}
			s.forget(userID, conn)
			return
		}

		if msg.User != "" && msg.User != userID {
			s.forget(userID, conn)
			userID = msg.User
			s.remember(userID, conn)
		}
		if userID == "" {
			s.logger.Warn("channel message dropped: no user identified yet")
			continue
		}

		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		if handler != nil {
			handler(userID, msg.Text)
		}
	}
}

func (s *WSSource) remember(userID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[userID] = conn
}

func (s *WSSource) forget(userID string, conn *websocket.Conn) {
	if userID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[userID] == conn {
		delete(s.conns, userID)
	}
}

// SendResponse writes text to userID's live connection, if any.
func (s *WSSource) SendResponse(userID, text string) error {
	s.mu.Lock()
	conn, ok := s.conns[userID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errUserNotConnected, userID)
	}
	return conn.WriteJSON(wsMessage{Text: text})
}

// IsConnected reports whether any user currently has a live
// connection.
func (s *WSSource) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns) > 0
}

// Disconnect closes every live connection.
func (s *WSSource) Disconnect() error {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*websocket.Conn)
	s.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
