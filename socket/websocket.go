package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scalecode-solutions/mvchat2-client/wire"
)

// Frame ids used by the handshake.
const (
	hiID    = "hi"
	loginID = "login"
)

// Config configures the WebSocket transport.
type Config struct {
	HandshakeTimeout time.Duration // dial + hi/login exchange; 0 = caller's ctx only
	WriteTimeout     time.Duration // write deadline per frame
	PongTimeout      time.Duration // max time without a pong before the read fails
	MaxMessageSize   int64         // read limit per frame
	SendBufferSize   int           // queued outbound frames
	Logger           *zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PongTimeout:      60 * time.Second,
		MaxMessageSize:   128 * 1024,
		SendBufferSize:   128,
	}
}

// WebSocket dials mvChat2 sockets.
type WebSocket struct {
	cfg    Config
	dialer websocket.Dialer
	logger zerolog.Logger
}

// Compile-time check that WebSocket implements Transport.
var _ Transport = (*WebSocket)(nil)

// NewWebSocket creates a WebSocket transport.
func NewWebSocket(cfg Config) *WebSocket {
	def := DefaultConfig()
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongTimeout == 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBufferSize == 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &WebSocket{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger.With().Str("component", "socket").Logger(),
	}
}

// Connect dials endpoint and performs the hi/login handshake.
func (w *WebSocket) Connect(ctx context.Context, endpoint string, auth AuthPayload) (Handle, error) {
	if w.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.HandshakeTimeout)
		defer cancel()
	}

	header := http.Header{}
	if auth.Token != "" {
		header.Set("Authorization", "Bearer "+auth.Token)
	}
	if auth.DeviceID != "" {
		header.Set("X-Device-ID", auth.DeviceID)
	}
	if auth.UserAgent != "" {
		header.Set("User-Agent", auth.UserAgent)
	}

	conn, resp, err := w.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &HandshakeError{Code: resp.StatusCode, Text: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	s := newSocket(conn, w.cfg, w.logger.With().Str("endpoint", endpoint).Logger())
	if err := s.handshake(ctx, auth); err != nil {
		conn.Close()
		return nil, err
	}

	s.connected.Store(true)
	go s.writePump()
	go s.readPump()

	s.logger.Debug().Msg("socket connected")
	return s, nil
}

type listener struct {
	id ListenerID
	fn Handler
}

// socket implements Handle over one gorilla connection.
type socket struct {
	conn   *websocket.Conn
	cfg    Config
	logger zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.RWMutex
	listeners map[string][]listener
	err       error

	connected atomic.Bool
	nextID    atomic.Uint64
	frameID   atomic.Uint64
}

func newSocket(conn *websocket.Conn, cfg Config, logger zerolog.Logger) *socket {
	return &socket{
		conn:      conn,
		cfg:       cfg,
		logger:    logger,
		send:      make(chan []byte, cfg.SendBufferSize),
		done:      make(chan struct{}),
		listeners: make(map[string][]listener),
	}
}

// handshake sends hi then login and waits for the login ctrl reply.
// Runs before the pumps start, so it owns the connection.
func (s *socket) handshake(ctx context.Context, auth AuthPayload) error {
	// closing the conn is what unblocks a stalled read or write
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	hi, err := wire.Encode(hiID, wire.EventHi, wire.Hi{
		Version:   auth.Version,
		UserAgent: auth.UserAgent,
		DeviceID:  auth.DeviceID,
		Lang:      auth.Lang,
	})
	if err != nil {
		return err
	}
	login, err := wire.Encode(loginID, wire.EventLogin, wire.Login{Scheme: "token", Secret: auth.Token})
	if err != nil {
		return err
	}

	for _, frame := range [][]byte{hi, login} {
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return s.handshakeErr(ctx, err)
		}
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return s.handshakeErr(ctx, err)
		}
		f, err := wire.Decode(data)
		if err != nil {
			continue
		}
		ctrl, err := f.DecodeCtrl()
		if err != nil || ctrl == nil {
			continue
		}
		switch ctrl.ID {
		case hiID:
			if !ctrl.OK() {
				return &HandshakeError{Code: ctrl.Code, Text: ctrl.Text}
			}
		case loginID:
			if !ctrl.OK() {
				return &HandshakeError{Code: ctrl.Code, Text: ctrl.Text}
			}
			if !stop() {
				// ctx ended after the reply arrived; the conn is already closed
				return ctx.Err()
			}
			return nil
		}
	}
}

func (s *socket) handshakeErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("handshake: %w", err)
}

func (s *socket) On(event string, fn Handler) ListenerID {
	id := ListenerID(s.nextID.Add(1))
	s.mu.Lock()
	s.listeners[event] = append(s.listeners[event], listener{id: id, fn: fn})
	s.mu.Unlock()
	return id
}

func (s *socket) Off(event string, id ListenerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls := s.listeners[event]
	for i, l := range ls {
		if l.id == id {
			// copy so dispatch snapshots stay valid
			next := make([]listener, 0, len(ls)-1)
			next = append(next, ls[:i]...)
			next = append(next, ls[i+1:]...)
			if len(next) == 0 {
				delete(s.listeners, event)
			} else {
				s.listeners[event] = next
			}
			return
		}
	}
}

func (s *socket) Emit(event string, payload any) error {
	return s.EmitWithID(strconv.FormatUint(s.frameID.Add(1), 10), event, payload)
}

func (s *socket) EmitWithID(id, event string, payload any) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}

	data, err := wire.Encode(id, event, payload)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}

	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

func (s *socket) Connected() bool {
	return s.connected.Load()
}

func (s *socket) Done() <-chan struct{} {
	return s.done
}

func (s *socket) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Close sends a normal closure frame and tears the connection down.
func (s *socket) Close() error {
	if s.connected.Load() {
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
	}
	s.shutdown(nil)
	return nil
}

// shutdown records why the socket ended and releases it. First call wins.
func (s *socket) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()

		s.connected.Store(false)
		close(s.done)
		s.conn.Close()

		if err != nil {
			s.logger.Debug().Err(err).Msg("socket dropped")
		}
	})
}

// readPump dispatches incoming frames until the connection fails.
func (s *socket) readPump() {
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// closed locally
			default:
				s.shutdown(err)
			}
			return
		}

		f, err := wire.Decode(data)
		if err != nil {
			s.logger.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		s.dispatch(f)
	}
}

// dispatch delivers each event of a frame to its listeners, events in name order.
func (s *socket) dispatch(f *wire.Frame) {
	events := make([]string, 0, len(f.Events))
	for ev := range f.Events {
		events = append(events, ev)
	}
	sort.Strings(events)

	for _, ev := range events {
		s.mu.RLock()
		ls := s.listeners[ev]
		s.mu.RUnlock()

		for _, l := range ls {
			l.fn(f.Events[ev])
		}
	}
}

// writePump serialises outbound frames and keeps the connection alive.
func (s *socket) writePump() {
	ticker := time.NewTicker(s.cfg.PongTimeout * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return

		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.shutdown(err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.shutdown(err)
				return
			}
		}
	}
}

// IsNormalClose reports whether err is a clean close initiated by the peer.
func IsNormalClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}
