package replay

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "gatehouse:replay:"

// RedisCache is a replay cache shared across gateway instances. SET NX with
// a TTL gives the atomic first-accept; Redis expires entries on its own so
// no sweep is needed.
type RedisCache struct {
	client *redis.Client
	clock  func() time.Time
}

// NewRedisCache creates a replay cache backed by the given Redis client
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
		clock:  time.Now,
	}
}

// Remember implements Cache via SET NX with the entry expiring at the
// assertion's NotOnOrAfter.
func (c *RedisCache) Remember(ctx context.Context, assertionID string, notOnOrAfter time.Time) (bool, error) {
	ttl := notOnOrAfter.Sub(c.clock())
	if ttl <= 0 {
		// Window already passed; time validation rejects these before the
		// replay check, but guard against a zero TTL turning SET NX into a
		// persistent key.
		ttl = time.Second
	}
	return c.client.SetNX(ctx, redisKeyPrefix+assertionID, 1, ttl).Result()
}
