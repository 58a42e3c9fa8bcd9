package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// frameBuf is the buffer depth of the inbound audio frame channel. At
	// 20 ms per frame this absorbs over a second of jitter.
	frameBuf = 64

	// controlBuf is the buffer depth of the inbound control channel.
	controlBuf = 8

	// maxMessageSize bounds inbound WebSocket messages. Audio frames are a
	// few KiB; anything near the limit is a protocol violation.
	maxMessageSize = 1 << 20
)

// Session is one connected client. The read side demultiplexes binary
// messages into audio frames and text messages into control messages; the
// write side serialises events onto the connection.
//
// Send is safe for concurrent use. Frames and Controls must each be consumed
// by a single goroutine.
type Session struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	frames   chan []byte
	controls chan Control

	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, logger *slog.Logger) *Session {
	return &Session{
		id:       uuid.NewString(),
		conn:     conn,
		logger:   logger,
		frames:   make(chan []byte, frameBuf),
		controls: make(chan Control, controlBuf),
	}
}

// ID returns the session's unique identifier, used for log correlation.
func (s *Session) ID() string {
	return s.id
}

// Send writes one event to the client.
func (s *Session) Send(ctx context.Context, ev Event) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: write event: %w", err)
	}
	return nil
}

// Frames returns the inbound audio frame channel. It closes when the client
// disconnects.
func (s *Session) Frames() <-chan []byte {
	return s.frames
}

// Controls returns the inbound control message channel. It closes when the
// client disconnects.
func (s *Session) Controls() <-chan Control {
	return s.controls
}

// Close tears the connection down. Safe to call multiple times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return err
}

// readLoop pumps inbound messages until the connection drops, then closes
// both inbound channels.
func (s *Session) readLoop(ctx context.Context) {
	defer close(s.frames)
	defer close(s.controls)

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.logger.Debug("session read ended", "session", s.id, "err", err)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			select {
			case s.frames <- data:
			case <-ctx.Done():
				return
			}
		case websocket.MessageText:
			ctrl, err := DecodeControl(data)
			if err != nil {
				s.logger.Warn("dropping malformed control message", "session", s.id, "err", err)
				continue
			}
			select {
			case s.controls <- ctrl:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Handler processes one client session: consume frames and controls, push
// events. The session is closed when the handler returns.
type Handler func(ctx context.Context, sess *Session) error

// Server upgrades HTTP requests to voice sessions. It implements
// http.Handler; mount it on the route the clients dial.
type Server struct {
	handler Handler
	logger  *slog.Logger
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server's logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer constructs a Server dispatching each connection to handler.
func NewServer(handler Handler, opts ...ServerOption) *Server {
	s := &Server{
		handler: handler,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeHTTP upgrades the request and runs the session handler until it
// returns or the client disconnects.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		srv.logger.Warn("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	sess := newSession(conn, srv.logger)
	srv.logger.Info("voice session connected", "session", sess.ID(), "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		sess.readLoop(ctx)
		cancel()
	}()

	if err := srv.handler(ctx, sess); err != nil && !errors.Is(err, context.Canceled) {
		srv.logger.Warn("voice session ended with error", "session", sess.ID(), "err", err)
	} else {
		srv.logger.Info("voice session ended", "session", sess.ID())
	}
	_ = sess.Close()
}
