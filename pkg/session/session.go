// Package session binds authenticated principals to browser sessions and
// stores them in a pluggable backend (memory, Redis or Postgres). It also
// holds the RelayState store used by the SSO redirect flow.
package session

import (
	"context"
	"errors"
	"time"
)

// CookieName is the browser cookie carrying the session ID
const CookieName = "gatehouse_session"

var (
	// ErrSessionNotFound is returned for unknown, expired or invalidated
	// session IDs
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists signals an ID collision on create; the manager
	// re-rolls the ID and retries
	ErrSessionExists = errors.New("session ID already exists")
	// ErrRelayStateExpiredOrMissing is returned when a relay token cannot
	// be consumed: unknown, already consumed, or past its TTL
	ErrRelayStateExpiredOrMissing = errors.New("relay state expired or missing")
)

// Session is the authenticated browser context. Created once per successful
// login, mutated only through the Manager, destroyed on logout or expiry.
type Session struct {
	ID           string              `json:"id"`
	Subject      string              `json:"subject"`
	Attributes   map[string][]string `json:"attributes"`
	Roles        []string            `json:"roles"`
	CreatedAt    time.Time           `json:"created_at"`
	LastAccessAt time.Time           `json:"last_access_at"`
	ExpiresAt    time.Time           `json:"expires_at"`
}

// Expired reports whether the session's lifetime has passed at the given
// instant
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Store persists sessions. Implementations must be safe for concurrent use;
// Get on an expired entry may still return it, the Manager enforces expiry.
type Store interface {
	// Create stores a new session; ErrSessionExists if the ID is taken
	Create(ctx context.Context, session *Session) error
	// Get returns the session or ErrSessionNotFound
	Get(ctx context.Context, id string) (*Session, error)
	// Touch updates the last-access time of an existing session
	Touch(ctx context.Context, id string, at time.Time) error
	// Update replaces the mutable fields of an existing session;
	// ErrSessionNotFound if the ID is absent
	Update(ctx context.Context, session *Session) error
	// Delete removes a session; deleting an absent ID is not an error
	Delete(ctx context.Context, id string) error
	// DeleteExpired removes sessions whose lifetime passed before now and
	// reports how many were removed
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	// Count reports the number of sessions still live at now
	Count(ctx context.Context, now time.Time) (int, error)
}
