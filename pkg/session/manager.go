package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/gatehouse/pkg/saml"
)

// sessionIDBytes is the entropy of a session ID before encoding. 32 bytes
// keeps IDs unguessable; collisions are handled by re-rolling anyway.
const sessionIDBytes = 32

// maxIDAttempts bounds collision re-rolls on create
const maxIDAttempts = 5

// Manager is the session binder: it mints session IDs, binds identities to
// sessions, and enforces session lifetime on lookup.
type Manager struct {
	store Store
	ttl   time.Duration
	clock func() time.Time
}

// NewManager creates a session manager over the given store
func NewManager(store Store, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session TTL must be positive")
	}
	return &Manager{
		store: store,
		ttl:   ttl,
		clock: time.Now,
	}, nil
}

// TTL returns the configured session lifetime
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Bind binds an authenticated identity to a session. When existingID names
// a live session for the same subject, that session is kept: its attributes,
// roles and last-access time are refreshed in place. Otherwise a new session
// is created; on the unlikely ID collision the ID is re-rolled, and an
// existing session is never overwritten.
func (m *Manager) Bind(ctx context.Context, identity *saml.Identity, existingID string) (*Session, error) {
	if identity == nil || identity.Subject == "" {
		return nil, fmt.Errorf("cannot bind session without a subject")
	}

	if existingID != "" {
		session, err := m.refresh(ctx, identity, existingID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	}

	now := m.clock()
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := newSessionID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session ID: %w", err)
		}

		session := &Session{
			ID:           id,
			Subject:      identity.Subject,
			Attributes:   identity.Attributes,
			Roles:        identity.Roles,
			CreatedAt:    now,
			LastAccessAt: now,
			ExpiresAt:    now.Add(m.ttl),
		}

		err = m.store.Create(ctx, session)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, ErrSessionExists) {
			return nil, fmt.Errorf("failed to store session: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to generate a unique session ID after %d attempts", maxIDAttempts)
}

// refresh re-binds a login onto an existing session. The lifetime is not
// extended: a re-login does not outlive the original session. A session
// bound to a different subject is destroyed so the new principal never
// inherits it.
func (m *Manager) refresh(ctx context.Context, identity *saml.Identity, id string) (*Session, error) {
	session, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := m.clock()
	if session.Expired(now) {
		if derr := m.store.Delete(ctx, id); derr != nil {
			return nil, fmt.Errorf("failed to remove expired session: %w", derr)
		}
		return nil, ErrSessionNotFound
	}
	if session.Subject != identity.Subject {
		if derr := m.store.Delete(ctx, id); derr != nil {
			return nil, fmt.Errorf("failed to replace session: %w", derr)
		}
		return nil, ErrSessionNotFound
	}

	session.Attributes = identity.Attributes
	session.Roles = identity.Roles
	session.LastAccessAt = now
	if err := m.store.Update(ctx, session); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}
	return session, nil
}

// Lookup resolves a session ID, enforcing expiry and refreshing the
// last-access time. Expired sessions are removed and reported as not found.
func (m *Manager) Lookup(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}

	session, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := m.clock()
	if session.Expired(now) {
		// Lazy expiry: remove on access, the periodic sweep handles the rest
		if derr := m.store.Delete(ctx, id); derr != nil {
			return nil, fmt.Errorf("failed to remove expired session: %w", derr)
		}
		return nil, ErrSessionNotFound
	}

	if err := m.store.Touch(ctx, id, now); err != nil {
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}
	session.LastAccessAt = now
	return session, nil
}

// Invalidate destroys a session. Unknown IDs are a no-op so logout is
// idempotent.
func (m *Manager) Invalidate(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return m.store.Delete(ctx, id)
}

// Sweep removes expired sessions from the store
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	return m.store.DeleteExpired(ctx, m.clock())
}

// Active reports the number of live sessions in the store
func (m *Manager) Active(ctx context.Context) (int, error) {
	return m.store.Count(ctx, m.clock())
}

func newSessionID() (string, error) {
	buf := make([]byte, sessionIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
