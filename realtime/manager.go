// Package realtime owns the client's socket connections: one primary
// connection plus named namespace connections, gated on the auth signal.
//
// The Manager is the only component that creates or destroys a Connection.
// At most one live or connecting Connection exists per namespace; concurrent
// requests for the same namespace share one attempt. Nothing reconnects
// automatically.
package realtime

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/scalecode-solutions/mvchat2-client/auth"
	"github.com/scalecode-solutions/mvchat2-client/socket"
	"github.com/scalecode-solutions/mvchat2-client/tokenstore"
)

// Primary is the registry key of the primary connection.
const Primary = ""

// TokenSource supplies the handshake credentials. tokenstore.Store
// satisfies it.
type TokenSource interface {
	Load(ctx context.Context) (*tokenstore.Credentials, error)
	DeviceID(ctx context.Context) (string, error)
}

// Config holds the endpoint and handshake identity.
type Config struct {
	URL       string // base socket URL, e.g. wss://chat.example.com
	WSPath    string // primary path; namespaces live below it
	Version   string
	UserAgent string
	Lang      string
	Logger    *zerolog.Logger
}

// Manager establishes, reuses and tears down connections.
type Manager struct {
	cfg       Config
	transport socket.Transport
	signal    *auth.Signal
	tokens    TokenSource
	logger    zerolog.Logger

	group singleflight.Group

	mu    sync.Mutex
	conns map[string]*Connection
	epoch uint64
	// ctx scopes in-flight dials to the current epoch
	ctx    context.Context
	cancel context.CancelFunc

	// testHookDialed runs after a dial is accepted and before its handle
	// is adopted.
	testHookDialed func()
}

// NewManager creates a Manager. It does not connect.
func NewManager(cfg Config, transport socket.Transport, signal *auth.Signal, tokens TokenSource) *Manager {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		transport: transport,
		signal:    signal,
		tokens:    tokens,
		logger:    logger.With().Str("component", "realtime").Logger(),
		conns:     make(map[string]*Connection),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Connect returns the live primary connection, establishing it if needed.
func (m *Manager) Connect(ctx context.Context) (*Connection, error) {
	return m.connect(ctx, Primary)
}

// ConnectNamespace returns the live connection for name, establishing it if
// needed. The primary connection is established first when absent; if that
// fails the error matches ErrConnectionFailed and no namespace entry is made.
func (m *Manager) ConnectNamespace(ctx context.Context, name string) (*Connection, error) {
	if name == Primary {
		return m.Connect(ctx)
	}
	if strings.Contains(name, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNamespace, name)
	}
	if _, err := m.connect(ctx, Primary); err != nil {
		return nil, err
	}
	return m.connect(ctx, name)
}

func (m *Manager) connect(ctx context.Context, name string) (*Connection, error) {
	m.mu.Lock()
	if !m.signal.Authenticated() {
		m.mu.Unlock()
		return nil, ErrUnauthenticated
	}

	c, ok := m.conns[name]
	if ok {
		switch {
		case c.Connected():
			m.mu.Unlock()
			return c, nil
		case c.State() != StateConnecting:
			// dropped and not yet evicted by its watcher
			ok = false
		}
	}
	if !ok {
		c = newConnection(name)
		m.conns[name] = c
	}

	// Joining the flight under m.mu guarantees it has not finished yet:
	// a finished flight has already moved c out of Connecting.
	epoch := m.epoch
	dialCtx := m.ctx
	key := fmt.Sprintf("%s@%p", name, c)
	ch := m.group.DoChan(key, func() (any, error) {
		return m.dial(dialCtx, c, epoch)
	})
	m.mu.Unlock()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Connection), nil
	case <-ctx.Done():
		// the attempt carries on for other waiters
		return nil, &ConnectError{Namespace: name, Kind: failureKind(name), Err: ctx.Err()}
	}
}

// dial runs one attempt for c. Only the first waiter's call runs it.
func (m *Manager) dial(ctx context.Context, c *Connection, epoch uint64) (*Connection, error) {
	name := c.Namespace()
	logger := m.logger.With().Str("namespace", name).Logger()

	kind := failureKind(name)
	var h socket.Handle
	payload, err := m.authPayload(ctx)
	if err != nil {
		kind = ErrUnauthenticated
	} else {
		h, err = m.transport.Connect(ctx, m.endpoint(name), payload)
	}

	m.mu.Lock()
	current := m.conns[name] == c
	stale := m.epoch != epoch || !current
	if err == nil && stale {
		err = ErrAborted
	}
	if err == nil && !m.signal.Authenticated() {
		kind, err = ErrUnauthenticated, ErrAborted
	}
	if err != nil && current {
		delete(m.conns, name)
	}
	m.mu.Unlock()

	if err != nil {
		if h != nil {
			h.Close()
		}
		c.failed(err)
		logger.Warn().Err(err).Msg("connect failed")
		return nil, &ConnectError{Namespace: name, Kind: kind, Err: err}
	}

	if m.testHookDialed != nil {
		m.testHookDialed()
	}
	if !c.established(h) {
		// a disconnect tore c down after the registry check
		h.Close()
		logger.Debug().Msg("attempt discarded by disconnect")
		return nil, &ConnectError{Namespace: name, Kind: failureKind(name), Err: ErrAborted}
	}
	go m.watch(c, h)

	logger.Info().Msg("connected")
	return c, nil
}

// authPayload builds the handshake identity from the token source.
func (m *Manager) authPayload(ctx context.Context) (socket.AuthPayload, error) {
	creds, err := m.tokens.Load(ctx)
	if err != nil {
		return socket.AuthPayload{}, fmt.Errorf("load credentials: %w", err)
	}
	if !creds.Valid() {
		return socket.AuthPayload{}, errNoSession
	}
	deviceID, err := m.tokens.DeviceID(ctx)
	if err != nil {
		return socket.AuthPayload{}, fmt.Errorf("load device id: %w", err)
	}

	return socket.AuthPayload{
		Token:     creds.AccessToken,
		DeviceID:  deviceID,
		UserAgent: m.cfg.UserAgent,
		Lang:      m.cfg.Lang,
		Version:   m.cfg.Version,
	}, nil
}

// watch evicts c once its transport goes away.
func (m *Manager) watch(c *Connection, h socket.Handle) {
	<-h.Done()

	m.mu.Lock()
	if m.conns[c.Namespace()] == c {
		delete(m.conns, c.Namespace())
	}
	m.mu.Unlock()

	switch err := h.Err(); {
	case err == nil:
	case socket.IsNormalClose(err):
		m.logger.Debug().Err(err).Str("namespace", c.Namespace()).Msg("connection closed by server")
	default:
		m.logger.Warn().Err(err).Str("namespace", c.Namespace()).Msg("connection dropped")
	}
	c.dropped(h.Err())
}

// Disconnect closes every connection, clears the registry and discards the
// results of attempts still in flight. Calling it with nothing connected is
// a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.epoch++
	m.cancel()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	for _, c := range conns {
		c.closed()
	}
	if len(conns) > 0 {
		m.logger.Info().Int("connections", len(conns)).Msg("disconnected")
	}
}

// DisconnectNamespace closes one channel and leaves the others alone. An
// attempt in flight for name is discarded when it completes.
func (m *Manager) DisconnectNamespace(name string) {
	m.mu.Lock()
	c, ok := m.conns[name]
	delete(m.conns, name)
	m.mu.Unlock()

	if ok {
		c.closed()
		m.logger.Info().Str("namespace", name).Msg("namespace disconnected")
	}
}

// Connection returns the registered connection for name, live or connecting.
func (m *Manager) Connection(name string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[name]
	return c, ok
}

// Snapshot returns the state of every registered connection.
func (m *Manager) Snapshot() map[string]State {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	out := make(map[string]State, len(conns))
	for _, c := range conns {
		out[c.Namespace()] = c.State()
	}
	return out
}

// Namespaces returns the registered identifiers in sorted order.
func (m *Manager) Namespaces() []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)
	return names
}

func (m *Manager) endpoint(name string) string {
	ep := m.cfg.URL + m.cfg.WSPath
	if name != Primary {
		ep += "/" + url.PathEscape(name)
	}
	return ep
}
