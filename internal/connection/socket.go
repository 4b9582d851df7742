package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const socketPath = "/api/v1/socket"

// ErrSocketClosed is returned by Send after the socket went away.
var ErrSocketClosed = errors.New("socket closed")

// Socket is the websocket transport shared by a connection's subscriptions.
type Socket struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

// SocketURL derives the websocket endpoint from the server base URL.
func SocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + socketPath
}

// DialSocket opens the socket and starts delivering server events to handle
// until the socket is closed or fails.
func DialSocket(ctx context.Context, baseURL, token string, handle func(Event)) (*Socket, error) {
	header := http.Header{}
	if strings.TrimSpace(token) != "" {
		header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, SocketURL(baseURL), header)
	if err != nil {
		return nil, fmt.Errorf("dial socket: %w", err)
	}
	s := &Socket{conn: conn, done: make(chan struct{})}
	go s.readLoop(handle)
	return s, nil
}

func (s *Socket) readLoop(handle func(Event)) {
	defer s.Close()
	for {
		var evt Event
		if err := s.conn.ReadJSON(&evt); err != nil {
			select {
			case <-s.done:
			default:
				slog.Warn("socket read failed", "error", err)
			}
			return
		}
		handle(evt)
	}
}

// Send writes one event frame.
func (s *Socket) Send(event string, data any) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(map[string]any{"event": event, "data": data})
}

// Done is closed once the socket stops.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Close stops the socket. Safe to call more than once.
func (s *Socket) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
