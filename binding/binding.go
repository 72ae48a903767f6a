// Package binding exposes the connection manager as observable state and
// drives it from the auth signal.
//
// A Binding connects when the signal turns true and disconnects everything
// when it turns false. Consumers read State or Subscribe to changes, and may
// request extra namespaces on demand. Close detaches the Binding without
// tearing down the shared Manager.
package binding

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scalecode-solutions/mvchat2-client/auth"
	"github.com/scalecode-solutions/mvchat2-client/realtime"
)

// ErrClosed is returned by RequestNamespace after Close.
var ErrClosed = errors.New("binding: closed")

// Options configures a Binding.
type Options struct {
	// AutoJoin lists namespaces joined after every successful primary connect.
	AutoJoin []string
	Logger   *zerolog.Logger
}

// State is what consumers observe.
type State struct {
	Connection *realtime.Connection            // primary, nil until the first successful connect
	Connected  bool                            // primary is live
	Err        error                           // last connect or drop error
	Channels   map[string]*realtime.Connection // joined namespaces
}

// Binding bridges the auth signal, the Manager and observers.
type Binding struct {
	manager *realtime.Manager
	signal  *auth.Signal
	opts    Options
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	gen        uint64 // bumped on auth loss and Close; stale results are dropped
	closed     bool
	subs       map[int]func(State)
	nextSub    int
	unsubAuth  func()
	connUnsubs map[*realtime.Connection]func()

	// serialises notifications so the last one delivered is the latest state
	notifyMu sync.Mutex
}

// New creates a Binding and subscribes it to signal. If the signal is
// already true a connect starts immediately.
func New(manager *realtime.Manager, signal *auth.Signal, opts Options) *Binding {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Binding{
		manager:    manager,
		signal:     signal,
		opts:       opts,
		logger:     logger.With().Str("component", "binding").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		state:      State{Channels: map[string]*realtime.Connection{}},
		subs:       make(map[int]func(State)),
		connUnsubs: make(map[*realtime.Connection]func()),
	}

	b.unsubAuth = signal.Subscribe(b.onAuth)
	if signal.Authenticated() {
		b.start()
	}
	return b
}

// State returns a copy of the current state.
func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot()
}

// Subscribe registers fn for state changes. fn runs synchronously and must
// not call Subscribe or Close on the same Binding.
func (b *Binding) Subscribe(fn func(State)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// RequestNamespace joins name and folds it into State.
func (b *Binding) RequestNamespace(ctx context.Context, name string) (*realtime.Connection, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	gen := b.gen
	b.mu.Unlock()

	c, err := b.manager.ConnectNamespace(ctx, name)
	b.apply(gen, name, c, err)
	return c, err
}

// Close detaches the Binding: it stops following the auth signal, removes
// every connection listener and drops the results of attempts in flight.
// Connections stay with the Manager. Safe to call repeatedly.
func (b *Binding) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.gen++
	b.unsubAuth()
	b.dropConnListeners()
	b.subs = make(map[int]func(State))
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

func (b *Binding) onAuth(authenticated bool) {
	if authenticated {
		b.start()
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.gen++
	b.dropConnListeners()
	b.state = State{Channels: map[string]*realtime.Connection{}}
	b.mu.Unlock()

	b.manager.Disconnect()
	b.logger.Debug().Msg("auth lost, disconnected")
	b.notify()
}

func (b *Binding) start() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	gen := b.gen
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(gen)
}

// run connects the primary and auto-join namespaces for one auth epoch.
func (b *Binding) run(gen uint64) {
	defer b.wg.Done()

	c, err := b.manager.Connect(b.ctx)
	if !b.apply(gen, realtime.Primary, c, err) || err != nil {
		return
	}

	for _, name := range b.opts.AutoJoin {
		c, err := b.manager.ConnectNamespace(b.ctx, name)
		if !b.apply(gen, name, c, err) {
			return
		}
	}
}

// apply folds one connect result into state. It reports false when the
// result belongs to an older epoch and was discarded.
func (b *Binding) apply(gen uint64, name string, c *realtime.Connection, err error) bool {
	b.mu.Lock()
	if b.closed || gen != b.gen {
		b.mu.Unlock()
		return false
	}

	if err != nil {
		b.state.Err = err
		if name == realtime.Primary {
			b.state.Connected = false
		}
		b.mu.Unlock()
		b.logger.Warn().Err(err).Str("namespace", name).Msg("connect failed")
		b.notify()
		return true
	}

	// watch before checking, so a drop after the check still reaches refresh
	b.watchConn(c)
	live := c.Connected()
	if !live {
		// dropped before the watch; terminal, so the listener would never fire
		b.unwatchConn(c)
	}
	if name == realtime.Primary {
		b.state.Connection = c
		b.state.Connected = live
		b.state.Err = c.Err()
	} else if live {
		b.state.Channels[name] = c
	}
	b.mu.Unlock()

	b.notify()
	return true
}

// watchConn follows c's state changes. Called with b.mu held.
func (b *Binding) watchConn(c *realtime.Connection) {
	if _, ok := b.connUnsubs[c]; ok {
		return
	}
	b.connUnsubs[c] = c.OnStateChange(func(realtime.State) {
		b.refresh(c)
	})
}

// unwatchConn stops following c. Called with b.mu held.
func (b *Binding) unwatchConn(c *realtime.Connection) {
	if unsub, ok := b.connUnsubs[c]; ok {
		delete(b.connUnsubs, c)
		unsub()
	}
}

// refresh re-reads a watched connection after it changed state.
func (b *Binding) refresh(c *realtime.Connection) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	live := c.Connected()
	if !live {
		b.unwatchConn(c)
	}

	switch {
	case b.state.Connection == c:
		b.state.Connected = live
		if err := c.Err(); err != nil {
			b.state.Err = err
		}
	case b.state.Channels[c.Namespace()] == c:
		if !live {
			delete(b.state.Channels, c.Namespace())
		}
	default:
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.notify()
}

// dropConnListeners removes every connection listener. Called with b.mu held.
func (b *Binding) dropConnListeners() {
	for c, unsub := range b.connUnsubs {
		unsub()
		delete(b.connUnsubs, c)
	}
}

// snapshot copies state. Called with b.mu held.
func (b *Binding) snapshot() State {
	s := b.state
	s.Channels = make(map[string]*realtime.Connection, len(b.state.Channels))
	for k, v := range b.state.Channels {
		s.Channels[k] = v
	}
	return s
}

func (b *Binding) notify() {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	s := b.snapshot()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(State), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
