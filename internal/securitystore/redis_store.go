package securitystore

import (
	"context"
	"time"

	"github.com/ComUnity/audit-service/internal/client"
	"github.com/redis/go-redis/v9"
)

const locationKeyPrefix = "locations:"

// RedisStore implements Store on the shared Redis client. All calls go
// through InstrumentedDo so the circuit breaker and latency metrics see
// them.
type RedisStore struct {
	client *client.RedisClient
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(c *client.RedisClient) *RedisStore {
	return &RedisStore{client: c}
}

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	var count int64
	err := s.client.InstrumentedDo(ctx, func(ctx context.Context) error {
		n, err := s.client.IncrementWithTTL(ctx, key, window)
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	remaining := window
	if ttl, err := s.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		remaining = ttl
	}
	return count, remaining, nil
}

func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var claimed bool
	err := s.client.InstrumentedDo(ctx, func(ctx context.Context) error {
		ok, err := s.client.Lock(ctx, key, ttl)
		if err != nil {
			return err
		}
		claimed = ok
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *RedisStore) Seen(ctx context.Context, userID, location string) (bool, error) {
	var seen bool
	err := s.client.InstrumentedDo(ctx, func(ctx context.Context) error {
		ok, err := s.client.SIsMember(ctx, locationKeyPrefix+userID, location).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		seen = ok
		return nil
	})
	if err != nil {
		return false, err
	}
	return seen, nil
}

func (s *RedisStore) Remember(ctx context.Context, userID, location string, ttl time.Duration) error {
	key := locationKeyPrefix + userID
	return s.client.InstrumentedDo(ctx, func(ctx context.Context) error {
		if err := s.client.SAdd(ctx, key, location).Err(); err != nil {
			return err
		}
		// Refresh the whole set's TTL; stale members age out with it.
		return s.client.Expire(ctx, key, ttl).Err()
	})
}
