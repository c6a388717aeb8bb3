package repositories

import (
	"context"

	"peercast/internal/core/ports"
	"peercast/internal/infrastructure/repositories/memory"
	redisrepo "peercast/internal/infrastructure/repositories/redis"
	"peercast/pkg/circuitbreaker"
	"peercast/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	instanceID  string
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled and falls back to memory otherwise.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, instanceID string, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis:   cfg.Redis.Enabled,
		instanceID: instanceID,
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			ctx,
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("Failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("Using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("Using memory repositories")
	}

	return factory
}

// CreateStreamIDRepository creates a stream id repository (Redis or memory with fallback)
func (f *RepositoryFactory) CreateStreamIDRepository() ports.StreamIDRepository {
	if f.useRedis && f.redisClient != nil {
		breaker := circuitbreaker.New("redis", circuitbreaker.DefaultConfig())
		breaker.OnStateChange(func(name string, from, to circuitbreaker.State) {
			f.logger.Warnw("Circuit breaker state changed", "dependency", name, "from", from, "to", to)
		})
		return redisrepo.NewRedisStreamIDRepository(f.redisClient, f.instanceID, breaker)
	}
	return memory.NewMemoryStreamIDRepository()
}

// RedisClient returns the shared client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if f.useRedis {
		return f.redisClient
	}
	return nil
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
