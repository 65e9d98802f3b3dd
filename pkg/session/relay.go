package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const relayKeyPrefix = "gatehouse:relay:"

// RelayStore maps opaque relay tokens to post-login target URLs. Consume is
// exactly-once: of any number of concurrent consumers of the same token,
// one gets the URL and the rest get ErrRelayStateExpiredOrMissing.
type RelayStore interface {
	// Create stores a target URL and returns the token to carry through
	// the IdP round trip
	Create(ctx context.Context, targetURL string, ttl time.Duration) (string, error)
	// Consume atomically retrieves and deletes the target URL for a token
	Consume(ctx context.Context, token string) (string, error)
}

type relayEntry struct {
	targetURL string
	expiresAt time.Time
}

// MemoryRelayStore keeps relay states in process memory
type MemoryRelayStore struct {
	mu      sync.Mutex
	entries map[string]relayEntry
	clock   func() time.Time
}

// NewMemoryRelayStore creates an empty in-memory relay store
func NewMemoryRelayStore() *MemoryRelayStore {
	return &MemoryRelayStore{
		entries: make(map[string]relayEntry),
		clock:   time.Now,
	}
}

// Create implements RelayStore
func (s *MemoryRelayStore) Create(ctx context.Context, targetURL string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("relay TTL must be positive")
	}
	token := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[token] = relayEntry{
		targetURL: targetURL,
		expiresAt: s.clock().Add(ttl),
	}
	return token, nil
}

// Consume implements RelayStore; lookup and delete happen under one lock
func (s *MemoryRelayStore) Consume(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[token]
	if !ok {
		return "", ErrRelayStateExpiredOrMissing
	}
	delete(s.entries, token)
	if !s.clock().Before(entry.expiresAt) {
		return "", ErrRelayStateExpiredOrMissing
	}
	return entry.targetURL, nil
}

// Sweep removes expired relay entries and reports how many were dropped
func (s *MemoryRelayStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	removed := 0
	for token, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, token)
			removed++
		}
	}
	return removed
}

// Len reports the number of pending relay states, expired or not
func (s *MemoryRelayStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RedisRelayStore keeps relay states in Redis; GETDEL gives the atomic
// exactly-once consume and key TTLs handle expiry.
type RedisRelayStore struct {
	client *redis.Client
}

// NewRedisRelayStore creates a Redis-backed relay store
func NewRedisRelayStore(client *redis.Client) *RedisRelayStore {
	return &RedisRelayStore{client: client}
}

// Create implements RelayStore
func (s *RedisRelayStore) Create(ctx context.Context, targetURL string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("relay TTL must be positive")
	}
	token := uuid.NewString()
	if err := s.client.Set(ctx, relayKeyPrefix+token, targetURL, ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store relay state: %w", err)
	}
	return token, nil
}

// Consume implements RelayStore
func (s *RedisRelayStore) Consume(ctx context.Context, token string) (string, error) {
	target, err := s.client.GetDel(ctx, relayKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrRelayStateExpiredOrMissing
	}
	if err != nil {
		return "", fmt.Errorf("failed to consume relay state: %w", err)
	}
	return target, nil
}
