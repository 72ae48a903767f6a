// Package socket implements the real-time transport used by the connection
// manager: a bidirectional, event-keyed channel over a WebSocket.
//
// Delivery is at-most-once. Listeners run on the read goroutine in the order
// they were registered; nothing is buffered for late listeners.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotConnected   = errors.New("socket: not connected")
	ErrSendBufferFull = errors.New("socket: send buffer full")
)

// AuthPayload is presented during the handshake.
type AuthPayload struct {
	Token     string
	DeviceID  string
	UserAgent string
	Lang      string
	Version   string
}

// Handler receives the raw payload of one event.
type Handler func(payload json.RawMessage)

// ListenerID identifies a registered listener for Off.
type ListenerID uint64

// Handle is one live transport connection.
type Handle interface {
	// On registers fn for event and returns an id for Off.
	On(event string, fn Handler) ListenerID
	// Off removes a listener. Unknown ids are ignored.
	Off(event string, id ListenerID)
	// Emit sends one event frame under a generated frame id.
	Emit(event string, payload any) error
	// EmitWithID sends one event frame under id, so a ctrl reply carrying
	// the same id can be matched to it.
	EmitWithID(id, event string, payload any) error
	// Connected reports whether the handle can still send and receive.
	Connected() bool
	// Done is closed once the handle is no longer connected.
	Done() <-chan struct{}
	// Err is the reason the handle dropped; nil after a local Close.
	Err() error
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Transport dials handles.
type Transport interface {
	Connect(ctx context.Context, endpoint string, auth AuthPayload) (Handle, error)
}

// HandshakeError is returned when the server refuses the hi/login exchange
// or the HTTP upgrade.
type HandshakeError struct {
	Code int
	Text string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("socket: handshake rejected (%d %s)", e.Code, e.Text)
}

// Unauthorized reports whether the server rejected the credentials.
func (e *HandshakeError) Unauthorized() bool {
	return e.Code == 401 || e.Code == 403
}
