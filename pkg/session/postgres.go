package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore keeps sessions in a gatehouse_sessions table for
// deployments that already run Postgres and want sessions to survive
// restarts without Redis.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed session store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema is the DDL for the sessions table, applied by the operator or a
// migration tool
const Schema = `
CREATE TABLE IF NOT EXISTS gatehouse_sessions (
	id             TEXT PRIMARY KEY,
	subject        TEXT NOT NULL,
	attributes     JSONB NOT NULL DEFAULT '{}',
	roles          JSONB NOT NULL DEFAULT '[]',
	created_at     TIMESTAMPTZ NOT NULL,
	last_access_at TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS gatehouse_sessions_expires_at_idx ON gatehouse_sessions (expires_at);
`

// Create implements Store
func (s *PostgresStore) Create(ctx context.Context, session *Session) error {
	attrs, err := json.Marshal(session.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	roles, err := json.Marshal(session.Roles)
	if err != nil {
		return fmt.Errorf("failed to marshal roles: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gatehouse_sessions (id, subject, attributes, roles, created_at, last_access_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, session.ID, session.Subject, attrs, roles,
		session.CreatedAt, session.LastAccessAt, session.ExpiresAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrSessionExists
		}
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	var (
		attrs   []byte
		roles   []byte
		session = &Session{}
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subject, attributes, roles, created_at, last_access_at, expires_at
		FROM gatehouse_sessions
		WHERE id = $1
	`, id).Scan(&session.ID, &session.Subject, &attrs, &roles,
		&session.CreatedAt, &session.LastAccessAt, &session.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if err := json.Unmarshal(attrs, &session.Attributes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
	}
	if err := json.Unmarshal(roles, &session.Roles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal roles: %w", err)
	}
	return session, nil
}

// Touch implements Store
func (s *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gatehouse_sessions SET last_access_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Update implements Store. The creation time and expiry are immutable; only
// the principal data and last-access time change.
func (s *PostgresStore) Update(ctx context.Context, session *Session) error {
	attrs, err := json.Marshal(session.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	roles, err := json.Marshal(session.Roles)
	if err != nil {
		return fmt.Errorf("failed to marshal roles: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE gatehouse_sessions
		SET subject = $2, attributes = $3, roles = $4, last_access_at = $5
		WHERE id = $1
	`, session.ID, session.Subject, attrs, roles, session.LastAccessAt)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Delete implements Store
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM gatehouse_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired implements Store
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM gatehouse_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}
	return int(affected), nil
}

// Count implements Store
func (s *PostgresStore) Count(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM gatehouse_sessions WHERE expires_at > $1
	`, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}
