// Package tokenstore persists session credentials and the device identifier.
package tokenstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrCorrupt is returned when a persisted record cannot be decoded.
var ErrCorrupt = errors.New("tokenstore: stored record is corrupt")

// Credentials is a session issued by the server.
type Credentials struct {
	AccessToken  string    `json:"access"`
	RefreshToken string    `json:"refresh,omitempty"`
	UserID       string    `json:"user,omitempty"`
	ExpiresAt    time.Time `json:"expires,omitempty"`
}

// Valid reports whether the credentials carry an access token.
func (c *Credentials) Valid() bool {
	return c != nil && c.AccessToken != ""
}

// Store persists credentials. Load returns nil, nil when nothing is stored.
// Clear removes credentials but keeps the device id.
type Store interface {
	Load(ctx context.Context) (*Credentials, error)
	Save(ctx context.Context, creds *Credentials) error
	Clear(ctx context.Context) error
	// DeviceID returns the persistent device id, creating it on first use.
	DeviceID(ctx context.Context) (string, error)
}

// record is the persisted shape shared by the file and redis backends.
type record struct {
	DeviceID    string       `json:"device"`
	Credentials *Credentials `json:"credentials,omitempty"`
}

func newDeviceID() string {
	return uuid.NewString()
}

// MemoryStore keeps credentials in process memory.
type MemoryStore struct {
	mu  sync.Mutex
	rec record
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(ctx context.Context) (*Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec.Credentials == nil {
		return nil, nil
	}
	c := *m.rec.Credentials
	return &c, nil
}

func (m *MemoryStore) Save(ctx context.Context, creds *Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *creds
	m.rec.Credentials = &c
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.Credentials = nil
	return nil
}

func (m *MemoryStore) DeviceID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec.DeviceID == "" {
		m.rec.DeviceID = newDeviceID()
	}
	return m.rec.DeviceID, nil
}
