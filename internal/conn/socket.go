package conn

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// frame is one raw inbound WebSocket message.
type frame struct {
	data       []byte
	receivedAt time.Time
}

// socketConfig configures a single connection epoch.
type socketConfig struct {
	url              string
	subprotocols     []string
	header           http.Header
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	bufferSize       int
}

// socket owns one gorilla connection. The Manager creates a fresh
// socket per connection epoch; a socket is never redialed.
type socket struct {
	cfg    socketConfig
	logger *slog.Logger

	conn *websocket.Conn

	frames chan frame
	errs   chan error
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	mu     sync.RWMutex
	open   bool
	closed bool
}

func newSocket(cfg socketConfig, logger *slog.Logger) *socket {
	if logger == nil {
		logger = slog.Default()
	}
	return &socket{
		cfg:    cfg,
		logger: logger,
		frames: make(chan frame, cfg.bufferSize),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// dial opens the WebSocket connection and starts the read loop.
// Handshake failures caused by a deadline surface as
// ErrHandshakeTimeout.
func (s *socket) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.handshakeTimeout,
		Subprotocols:     s.cfg.subprotocols,
	}

	conn, _, err := dialer.DialContext(ctx, s.cfg.url, s.cfg.header)
	if err != nil {
		if isTimeout(err) {
			return ErrHandshakeTimeout
		}
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.open = true
	s.mu.Unlock()

	go s.readLoop()

	s.logger.Debug("socket opened", "url", s.cfg.url)

	return nil
}

// close sends a close frame with the given code and tears the
// connection down. Safe to call more than once.
func (s *socket) close(code int, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.open = false
	conn := s.conn
	s.mu.Unlock()

	close(s.done)

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	}

	return nil
}

// send writes one text frame.
func (s *socket) send(data []byte) error {
	s.mu.RLock()
	if !s.open {
		s.mu.RUnlock()
		return ErrNotConnected
	}
	conn := s.conn
	s.mu.RUnlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(s.cfg.writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *socket) isOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

// readLoop pushes inbound frames until the connection dies, then
// surfaces the terminal error. Errors after close are ignored.
func (s *socket) readLoop() {
	defer func() {
		s.mu.Lock()
		s.open = false
		s.mu.Unlock()
	}()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-s.done:
				return
			default:
				select {
				case s.errs <- err:
				default:
				}
				return
			}
		}

		select {
		case s.frames <- frame{data: data, receivedAt: receivedAt}:
		case <-s.done:
			return
		default:
			s.logger.Warn("frame buffer full, dropping frame")
		}
	}
}

// isTimeout reports whether a dial failure was a deadline problem
// rather than a refusal.
func isTimeout(err error) bool {
	if errors.Is(err, websocket.ErrBadHandshake) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
