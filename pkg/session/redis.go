package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const sessionKeyPrefix = "gatehouse:session:"

// RedisStore keeps sessions in Redis so multiple gateway instances share
// them. Keys expire with the session lifetime; DeleteExpired is a no-op
// because Redis handles it.
type RedisStore struct {
	client *redis.Client
	clock  func() time.Time
}

// NewRedisStore creates a Redis-backed session store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		clock:  time.Now,
	}
}

// Create implements Store via SET NX so a colliding ID is never overwritten
func (s *RedisStore) Create(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ttl := session.ExpiresAt.Sub(s.clock())
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}
	ok, err := s.client.SetNX(ctx, sessionKeyPrefix+session.ID, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	if !ok {
		return ErrSessionExists
	}
	return nil
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	session := &Session{}
	if err := json.Unmarshal(data, session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return session, nil
}

// Touch implements Store. The key keeps its absolute expiry; only the
// last-access timestamp changes.
func (s *RedisStore) Touch(ctx context.Context, id string, at time.Time) error {
	session, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	session.LastAccessAt = at

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ttl := session.ExpiresAt.Sub(s.clock())
	if ttl <= 0 {
		return ErrSessionNotFound
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+id, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}
	return nil
}

// Update implements Store via SET XX so an expired or deleted session is
// never resurrected
func (s *RedisStore) Update(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ttl := session.ExpiresAt.Sub(s.clock())
	if ttl <= 0 {
		return ErrSessionNotFound
	}
	ok, err := s.client.SetXX(ctx, sessionKeyPrefix+session.ID, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if !ok {
		return ErrSessionNotFound
	}
	return nil
}

// Delete implements Store
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired implements Store; Redis key TTLs already expire sessions
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// Count implements Store by scanning the session keyspace. Keys carry the
// session TTL, so everything found is live.
func (s *RedisStore) Count(ctx context.Context, now time.Time) (int, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, sessionKeyPrefix+"*", 512).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to count sessions: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}
