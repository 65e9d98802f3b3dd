package session

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(id string, ttl time.Duration) *Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &Session{
		ID:           id,
		Subject:      "user@example.com",
		Attributes:   map[string][]string{"groups": {"ops", "dev"}},
		Roles:        []string{"ops", "dev"},
		CreatedAt:    now,
		LastAccessAt: now,
		ExpiresAt:    now.Add(ttl),
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	session := testSession("s1", time.Hour)

	require.NoError(t, store.Create(ctx, session))
	assert.ErrorIs(t, store.Create(ctx, session), ErrSessionExists)

	found, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.Subject, found.Subject)
	assert.Equal(t, session.Roles, found.Roles)

	// Returned sessions are copies
	found.Subject = "mutated"
	again, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", again.Subject)

	later := time.Now().Add(time.Minute)
	require.NoError(t, store.Touch(ctx, "s1", later))
	touched, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.WithinDuration(t, later, touched.LastAccessAt, time.Second)

	require.NoError(t, store.Delete(ctx, "s1"))
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.ErrorIs(t, store.Touch(ctx, "s1", later), ErrSessionNotFound)
}

func TestMemoryStore_Update(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	session := testSession("s1", time.Hour)

	require.NoError(t, store.Create(ctx, session))

	session.Roles = []string{"ops", "dev", "audit"}
	session.LastAccessAt = session.LastAccessAt.Add(time.Minute)
	require.NoError(t, store.Update(ctx, session))

	found, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ops", "dev", "audit"}, found.Roles)

	assert.ErrorIs(t, store.Update(ctx, testSession("absent", time.Hour)), ErrSessionNotFound)
}

func TestMemoryStore_Count(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testSession("live", time.Hour)))
	require.NoError(t, store.Create(ctx, testSession("dead", -time.Minute)))

	count, err := store.Count(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, count, "expired entries are not live")
}

func TestMemoryStore_DeleteExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testSession("live", time.Hour)))
	require.NoError(t, store.Create(ctx, testSession("dead", -time.Minute)))

	removed, err := store.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Get(ctx, "dead")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Get(ctx, "live")
	assert.NoError(t, err)
}

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStore_RoundTrip(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	session := testSession("s1", time.Hour)

	require.NoError(t, store.Create(ctx, session))
	assert.ErrorIs(t, store.Create(ctx, session), ErrSessionExists)

	found, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.Subject, found.Subject)
	assert.Equal(t, session.Attributes, found.Attributes)

	later := session.CreatedAt.Add(time.Minute)
	require.NoError(t, store.Touch(ctx, "s1", later))
	touched, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, touched.LastAccessAt.Equal(later))

	require.NoError(t, store.Delete(ctx, "s1"))
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisStore_Update(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	session := testSession("s1", time.Hour)

	require.NoError(t, store.Create(ctx, session))

	session.Roles = []string{"ops", "dev", "audit"}
	require.NoError(t, store.Update(ctx, session))

	found, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ops", "dev", "audit"}, found.Roles)

	// A deleted session is never resurrected by an update
	require.NoError(t, store.Delete(ctx, "s1"))
	assert.ErrorIs(t, store.Update(ctx, session), ErrSessionNotFound)
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisStore_Count(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testSession("s1", time.Hour)))
	require.NoError(t, store.Create(ctx, testSession("s2", time.Hour)))

	count, err := store.Count(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	mr.FastForward(2 * time.Hour)
	count, err = store.Count(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, count, "expired keys drop out of the count")
}

func TestRedisStore_KeyExpiresWithSession(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testSession("s1", time.Hour)))
	mr.FastForward(2 * time.Hour)

	_, err := store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPostgresStore_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	session := testSession("s1", time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO gatehouse_sessions")).
		WithArgs(session.ID, session.Subject, sqlmock.AnyArg(), sqlmock.AnyArg(),
			session.CreatedAt, session.LastAccessAt, session.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Create(context.Background(), session))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	session := testSession("s1", time.Hour)

	rows := sqlmock.NewRows([]string{"id", "subject", "attributes", "roles", "created_at", "last_access_at", "expires_at"}).
		AddRow(session.ID, session.Subject, []byte(`{"groups":["ops","dev"]}`), []byte(`["ops","dev"]`),
			session.CreatedAt, session.LastAccessAt, session.ExpiresAt)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, subject, attributes, roles, created_at, last_access_at, expires_at")).
		WithArgs("s1").
		WillReturnRows(rows)

	found, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, session.Subject, found.Subject)
	assert.Equal(t, []string{"ops", "dev"}, found.Roles)
	assert.Equal(t, []string{"ops", "dev"}, found.Attributes["groups"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, subject")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPostgresStore_TouchNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE gatehouse_sessions")).
		WithArgs("missing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Touch(context.Background(), "missing", time.Now())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPostgresStore_Update(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	session := testSession("s1", time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE gatehouse_sessions")).
		WithArgs(session.ID, session.Subject, sqlmock.AnyArg(), sqlmock.AnyArg(), session.LastAccessAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Update(context.Background(), session))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE gatehouse_sessions")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Update(context.Background(), testSession("missing", time.Hour))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPostgresStore_Count(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM gatehouse_sessions WHERE expires_at > $1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := store.Count(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM gatehouse_sessions WHERE expires_at <= $1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := store.DeleteExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
