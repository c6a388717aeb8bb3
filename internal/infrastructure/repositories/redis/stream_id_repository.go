package redis

import (
	"context"
	"fmt"
	"time"

	"peercast/internal/core/domain"
	"peercast/internal/core/ports"
	"peercast/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
)

// reservationTTL bounds how long an id stays taken if its broadcaster dies without releasing it.
const reservationTTL = 24 * time.Hour

type RedisStreamIDRepository struct {
	client  *redis.Client
	prefix  string
	owner   string
	breaker *circuitbreaker.CircuitBreaker
}

// NewRedisStreamIDRepository stores reservations as "<prefix>stream:<id>" keys
// whose value names the owning broadcaster instance. While Redis keeps
// failing, calls are rejected with circuitbreaker.ErrOpen.
func NewRedisStreamIDRepository(client *redis.Client, owner string, breaker *circuitbreaker.CircuitBreaker) ports.StreamIDRepository {
	if breaker == nil {
		breaker = circuitbreaker.New("redis", circuitbreaker.DefaultConfig())
	}
	return &RedisStreamIDRepository{
		client:  client,
		prefix:  "peercast:",
		owner:   owner,
		breaker: breaker,
	}
}

func (r *RedisStreamIDRepository) streamKey(id domain.StreamID) string {
	return r.prefix + "stream:" + string(id)
}

func (r *RedisStreamIDRepository) Reserve(ctx context.Context, id domain.StreamID) (bool, error) {
	ok, err := circuitbreaker.Execute(ctx, r.breaker, func(ctx context.Context) (bool, error) {
		return r.client.SetNX(ctx, r.streamKey(id), r.owner, reservationTTL).Result()
	})
	if err != nil {
		return false, fmt.Errorf("failed to reserve stream id in Redis: %w", err)
	}
	return ok, nil
}

func (r *RedisStreamIDRepository) Release(ctx context.Context, id domain.StreamID) error {
	err := r.breaker.Do(ctx, func(ctx context.Context) error {
		return r.client.Del(ctx, r.streamKey(id)).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to release stream id in Redis: %w", err)
	}
	return nil
}

func (r *RedisStreamIDRepository) IsActive(ctx context.Context, id domain.StreamID) (bool, error) {
	n, err := circuitbreaker.Execute(ctx, r.breaker, func(ctx context.Context) (int64, error) {
		return r.client.Exists(ctx, r.streamKey(id)).Result()
	})
	if err != nil {
		return false, fmt.Errorf("failed to check stream id in Redis: %w", err)
	}
	return n > 0, nil
}
