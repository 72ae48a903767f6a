// Package wire defines the mvChat2 frame format as seen from the client.
//
// Client frames are JSON objects carrying an optional "id" and exactly one
// event key: {"id":"7","send":{...}}. Server frames carry one of ctrl, data,
// info or pres. The event key is what the transport dispatches on.
package wire

import (
	"encoding/json"
	"errors"
	"time"
)

// Event names used on the wire.
const (
	EventHi     = "hi"
	EventLogin  = "login"
	EventSend   = "send"
	EventRecv   = "recv"
	EventRead   = "read"
	EventTyping = "typing"

	EventCtrl = "ctrl"
	EventData = "data"
	EventInfo = "info"
	EventPres = "pres"
)

// Response codes carried in ctrl frames. They mirror HTTP status codes.
const (
	CodeOK              = 200
	CodeCreated         = 201
	CodeAccepted        = 202
	CodeNoContent       = 204
	CodeBadRequest      = 400
	CodeUnauthorized    = 401
	CodeForbidden       = 403
	CodeNotFound        = 404
	CodeTooManyRequests = 429
	CodeInternalError   = 500
)

var (
	ErrEmptyFrame = errors.New("wire: empty frame")
	ErrNoEvent    = errors.New("wire: frame has no event")
)

// ============================================================================
// Client payloads
// ============================================================================

// Hi is the handshake payload.
type Hi struct {
	Version   string `json:"ver"`
	UserAgent string `json:"ua,omitempty"`
	DeviceID  string `json:"dev,omitempty"`
	Lang      string `json:"lang,omitempty"`
}

// Login authenticates a socket. Scheme is "basic" or "token".
type Login struct {
	Scheme string `json:"scheme"`
	Secret string `json:"secret"`
}

// Send posts a message to a conversation.
type Send struct {
	ConversationID string          `json:"conv"`
	Content        json.RawMessage `json:"content"`
	ReplyTo        int             `json:"replyTo,omitempty"`
}

// Recv is the delivery receipt.
type Recv struct {
	ConversationID string `json:"conv"`
	Seq            int    `json:"seq"`
}

// Read is the read receipt.
type Read struct {
	ConversationID string `json:"conv"`
	Seq            int    `json:"seq"`
}

// Typing is the typing indicator.
type Typing struct {
	ConversationID string `json:"conv"`
}

// ============================================================================
// Server payloads
// ============================================================================

// Ctrl is a response to a client frame.
type Ctrl struct {
	ID     string         `json:"id,omitempty"`
	Code   int            `json:"code"`
	Text   string         `json:"text,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	Ts     time.Time      `json:"ts"`
}

// OK reports whether the code is a 2xx.
func (c *Ctrl) OK() bool {
	return c.Code >= 200 && c.Code < 300
}

// Data is an incoming message.
type Data struct {
	ConversationID string          `json:"conv"`
	Seq            int             `json:"seq"`
	From           string          `json:"from"`
	Content        json.RawMessage `json:"content"`
	Head           map[string]any  `json:"head,omitempty"`
	Ts             time.Time       `json:"ts"`
}

// Info is a notification: typing, read, recv, edit, unsend, react.
type Info struct {
	ConversationID string          `json:"conv"`
	From           string          `json:"from"`
	What           string          `json:"what"`
	Seq            int             `json:"seq,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	Emoji          string          `json:"emoji,omitempty"`
	Ts             time.Time       `json:"ts"`
}

// Pres is a presence notification.
type Pres struct {
	UserID   string     `json:"user"`
	What     string     `json:"what"` // "on", "off"
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// ============================================================================
// Framing
// ============================================================================

// Encode builds a client frame carrying a single event.
func Encode(id, event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, ErrNoEvent
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	frame := map[string]json.RawMessage{event: body}
	if id != "" {
		idJSON, _ := json.Marshal(id)
		frame["id"] = idJSON
	}
	return json.Marshal(frame)
}

// Frame is a decoded frame: the optional id plus every event key it carries.
type Frame struct {
	ID     string
	Events map[string]json.RawMessage
}

// Decode splits a frame into its id and event payloads.
func Decode(data []byte) (*Frame, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrEmptyFrame
	}

	f := &Frame{Events: make(map[string]json.RawMessage, len(raw))}
	for k, v := range raw {
		if k == "id" {
			if err := json.Unmarshal(v, &f.ID); err != nil {
				return nil, err
			}
			continue
		}
		f.Events[k] = v
	}
	if len(f.Events) == 0 {
		return nil, ErrNoEvent
	}
	return f, nil
}

// DecodeCtrl extracts the ctrl payload of a frame, or nil if there is none.
func (f *Frame) DecodeCtrl() (*Ctrl, error) {
	raw, ok := f.Events[EventCtrl]
	if !ok {
		return nil, nil
	}
	var c Ctrl
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = f.ID
	}
	return &c, nil
}
