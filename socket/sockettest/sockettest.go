// Package sockettest provides an in-memory socket.Transport for tests.
package sockettest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/scalecode-solutions/mvchat2-client/socket"
)

// Emitted is one frame sent through a Handle.
type Emitted struct {
	ID      string
	Event   string
	Payload json.RawMessage
}

// Handle is a fake socket.Handle. Fire delivers events to listeners and
// Drop simulates a transport-level disconnect.
type Handle struct {
	Endpoint string
	Auth     socket.AuthPayload

	mu        sync.Mutex
	listeners map[string]map[socket.ListenerID]socket.Handler
	order     map[string][]socket.ListenerID
	nextID    socket.ListenerID
	emitted   []Emitted
	connected bool
	err       error
	closes    int

	done     chan struct{}
	doneOnce sync.Once
}

var _ socket.Handle = (*Handle)(nil)

// NewHandle returns a connected handle.
func NewHandle(endpoint string, auth socket.AuthPayload) *Handle {
	return &Handle{
		Endpoint:  endpoint,
		Auth:      auth,
		listeners: make(map[string]map[socket.ListenerID]socket.Handler),
		order:     make(map[string][]socket.ListenerID),
		connected: true,
		done:      make(chan struct{}),
	}
}

func (h *Handle) On(event string, fn socket.Handler) socket.ListenerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	if h.listeners[event] == nil {
		h.listeners[event] = make(map[socket.ListenerID]socket.Handler)
	}
	h.listeners[event][h.nextID] = fn
	h.order[event] = append(h.order[event], h.nextID)
	return h.nextID
}

func (h *Handle) Off(event string, id socket.ListenerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners[event], id)
}

func (h *Handle) Emit(event string, payload any) error {
	return h.EmitWithID("", event, payload)
}

func (h *Handle) EmitWithID(id, event string, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return socket.ErrNotConnected
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.emitted = append(h.emitted, Emitted{ID: id, Event: event, Payload: raw})
	return nil
}

func (h *Handle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) Close() error {
	h.mu.Lock()
	h.closes++
	h.mu.Unlock()
	h.finish(nil)
	return nil
}

// Drop ends the handle as if the server went away.
func (h *Handle) Drop(err error) {
	h.finish(err)
}

func (h *Handle) finish(err error) {
	h.doneOnce.Do(func() {
		h.mu.Lock()
		h.connected = false
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

// Fire delivers payload to the listeners of event in registration order.
func (h *Handle) Fire(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	var fns []socket.Handler
	for _, id := range h.order[event] {
		if fn, ok := h.listeners[event][id]; ok {
			fns = append(fns, fn)
		}
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(raw)
	}
	return nil
}

// Listeners returns the number of listeners registered for event.
func (h *Handle) Listeners(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[event])
}

// Emitted returns a copy of every frame sent so far.
func (h *Handle) Emitted() []Emitted {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Emitted, len(h.emitted))
	copy(out, h.emitted)
	return out
}

// Closed reports whether Close was called at least once.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes > 0
}

// Transport is a fake socket.Transport. By default every Connect succeeds
// immediately. Block and Fail change that per endpoint.
type Transport struct {
	// Entered receives the endpoint of every Connect call when non-nil.
	Entered chan string
	// IgnoreContext makes blocked calls wait for Release even when their
	// context is cancelled.
	IgnoreContext bool

	mu      sync.Mutex
	gates   map[string]chan struct{}
	fails   map[string]error
	calls   []string
	handles []*Handle
}

var _ socket.Transport = (*Transport)(nil)

// NewTransport returns a transport whose calls succeed immediately.
func NewTransport() *Transport {
	return &Transport{
		gates: make(map[string]chan struct{}),
		fails: make(map[string]error),
	}
}

// Block makes Connect calls for endpoint wait until Release.
func (t *Transport) Block(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gates[endpoint] = make(chan struct{})
}

// Release lets blocked and future calls for endpoint proceed.
func (t *Transport) Release(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gate, ok := t.gates[endpoint]; ok {
		close(gate)
		delete(t.gates, endpoint)
	}
}

// Unblock lets future calls for endpoint proceed while calls already
// waiting stay blocked until Release of their own gate, which this drops.
// The returned func releases those earlier waiters.
func (t *Transport) Unblock(endpoint string) (releaseWaiting func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	gate, ok := t.gates[endpoint]
	delete(t.gates, endpoint)
	return func() {
		if ok {
			close(gate)
		}
	}
}

// Fail makes Connect calls for endpoint return err. A nil err clears it.
func (t *Transport) Fail(endpoint string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.fails, endpoint)
		return
	}
	t.fails[endpoint] = err
}

func (t *Transport) Connect(ctx context.Context, endpoint string, auth socket.AuthPayload) (socket.Handle, error) {
	t.mu.Lock()
	t.calls = append(t.calls, endpoint)
	gate := t.gates[endpoint]
	t.mu.Unlock()

	if t.Entered != nil {
		t.Entered <- endpoint
	}

	if gate != nil {
		if t.IgnoreContext {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fails[endpoint]; err != nil {
		return nil, err
	}
	h := NewHandle(endpoint, auth)
	t.handles = append(t.handles, h)
	return h, nil
}

// Calls returns the endpoints passed to Connect, in call order.
func (t *Transport) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.calls))
	copy(out, t.calls)
	return out
}

// Handles returns every handle created so far.
func (t *Transport) Handles() []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Handle, len(t.handles))
	copy(out, t.handles)
	return out
}

// Last returns the most recent handle for endpoint, or nil.
func (t *Transport) Last(endpoint string) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.handles) - 1; i >= 0; i-- {
		if t.handles[i].Endpoint == endpoint {
			return t.handles[i]
		}
	}
	return nil
}
