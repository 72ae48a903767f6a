package realtime

import (
	"sort"
	"sync"

	"github.com/scalecode-solutions/mvchat2-client/socket"
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Connection is one logical channel: the primary connection ("") or a named
// namespace. The Manager owns it; callers only read state and delegate event
// traffic to the underlying handle.
type Connection struct {
	namespace string

	mu        sync.RWMutex
	handle    socket.Handle
	state     State
	err       error
	listeners map[int]func(State)
	nextID    int
}

func newConnection(namespace string) *Connection {
	return &Connection{
		namespace: namespace,
		state:     StateConnecting,
		listeners: make(map[int]func(State)),
	}
}

// Namespace returns the channel identifier; "" is the primary connection.
func (c *Connection) Namespace() string {
	return c.namespace
}

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether the channel is established and its transport
// is still up.
func (c *Connection) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateConnected && c.handle != nil && c.handle.Connected()
}

// Err returns the last error: the connect failure or the transport drop
// reason. Nil after a clean teardown.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// On registers fn for event on the underlying handle.
func (c *Connection) On(event string, fn socket.Handler) socket.ListenerID {
	h := c.currentHandle()
	if h == nil {
		return 0
	}
	return h.On(event, fn)
}

// Off removes a listener registered with On.
func (c *Connection) Off(event string, id socket.ListenerID) {
	if h := c.currentHandle(); h != nil {
		h.Off(event, id)
	}
}

// Emit sends one event. Delivery is at-most-once; nothing is queued while
// disconnected.
func (c *Connection) Emit(event string, payload any) error {
	h := c.currentHandle()
	if h == nil {
		return socket.ErrNotConnected
	}
	return h.Emit(event, payload)
}

// EmitWithID sends one event under a caller-chosen frame id. The server
// echoes the id in its ctrl reply.
func (c *Connection) EmitWithID(id, event string, payload any) error {
	h := c.currentHandle()
	if h == nil {
		return socket.ErrNotConnected
	}
	return h.EmitWithID(id, event, payload)
}

// OnStateChange registers fn for state transitions. fn runs synchronously
// on the goroutine causing the transition. The returned function removes it.
func (c *Connection) OnStateChange(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

func (c *Connection) currentHandle() socket.Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle
}

// established moves Connecting to Connected and adopts h. It reports false,
// leaving h to the caller, when the Connection was already torn down.
func (c *Connection) established(h socket.Handle) bool {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return false
	}
	c.handle = h
	c.mu.Unlock()
	c.transition(StateConnected, nil)
	return true
}

// failed moves Connecting to Failed.
func (c *Connection) failed(err error) {
	c.transition(StateFailed, err)
}

// closed tears the handle down and moves to Disconnected.
func (c *Connection) closed() {
	if h := c.currentHandle(); h != nil {
		h.Close()
	}
	c.transition(StateDisconnected, nil)
}

// dropped records a transport-level disconnect.
func (c *Connection) dropped(err error) {
	c.transition(StateDisconnected, err)
}

// transition sets the state and notifies listeners. Terminal states are
// sticky: a Connection never leaves Disconnected or Failed.
func (c *Connection) transition(to State, err error) {
	c.mu.Lock()
	from := c.state
	if from == to || from == StateDisconnected || from == StateFailed {
		c.mu.Unlock()
		return
	}
	c.state = to
	if err != nil {
		c.err = err
	}

	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(State), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(to)
	}
}
