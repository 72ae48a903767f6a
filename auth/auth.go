// Package auth tracks whether the client holds a usable session.
//
// Signal is the single source of truth for "authenticated"; the connection
// layer subscribes to it rather than polling the token store.
package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoExpiry     = errors.New("token has no expiry")
)

// Signal is an observable authenticated flag.
type Signal struct {
	mu    sync.Mutex
	value bool
	subs  map[int]func(bool)
	next  int

	// serialises notifications so subscribers see transitions in order
	notifyMu sync.Mutex
}

// NewSignal creates a signal with the given initial value.
func NewSignal(authenticated bool) *Signal {
	return &Signal{value: authenticated, subs: make(map[int]func(bool))}
}

// Authenticated returns the current value.
func (s *Signal) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set updates the value and notifies subscribers if it changed.
// Subscribers run synchronously on the caller's goroutine, in order, and
// must not call Set themselves.
func (s *Signal) Set(authenticated bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.value == authenticated {
		s.mu.Unlock()
		return
	}
	s.value = authenticated
	subs := make([]func(bool), 0, len(s.subs))
	for i := 0; i < s.next; i++ {
		if fn, ok := s.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(authenticated)
	}
}

// Subscribe registers fn for future transitions. The returned function
// removes it and is safe to call more than once.
func (s *Signal) Subscribe(fn func(bool)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Subscribers returns the number of registered subscribers.
func (s *Signal) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Claims represents the JWT claims issued by the server.
type Claims struct {
	UserID uuid.UUID `json:"uid"`
	jwt.RegisteredClaims
}

// ParseClaims decodes token claims without verifying the signature.
// The client never holds the signing key; the server remains the authority.
func ParseClaims(token string) (*Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// ExpiresAt returns the token's exp claim.
func ExpiresAt(token string) (time.Time, error) {
	claims, err := ParseClaims(token)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

// ExpiresWithin reports whether the token expires within d of now.
// Opaque tokens and tokens without exp are treated as not expiring.
func ExpiresWithin(token string, d time.Duration) bool {
	exp, err := ExpiresAt(token)
	if err != nil {
		return false
	}
	return time.Until(exp) <= d
}
