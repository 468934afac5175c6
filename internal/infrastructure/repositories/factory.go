package repositories

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"xipher/internal/core/ports"
	"xipher/internal/infrastructure/repositories/memory"
	redisrepo "xipher/internal/infrastructure/repositories/redis"
	"xipher/pkg/config"
)

// Factory creates the call directory and call log, falling back to memory
// when Redis is configured but unreachable.
type Factory struct {
	useRedis    bool
	redisClient *redis.Client
	cfg         *config.Config
	logger      *zap.SugaredLogger
}

func NewFactory(cfg *config.Config, logger *zap.SugaredLogger) *Factory {
	f := &Factory{
		useRedis: cfg.Repository.Type == "redis" && cfg.Redis.Enabled,
		cfg:      cfg,
		logger:   logger,
	}

	if f.useRedis {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories", "error", err)
			f.useRedis = false
		} else {
			f.redisClient = client
			logger.Info("using Redis repositories")
		}
	}
	if !f.useRedis {
		logger.Info("using memory repositories")
	}
	return f
}

func (f *Factory) Directory() ports.DirectoryRepository {
	if f.useRedis {
		return redisrepo.NewDirectoryRepository(f.redisClient, f.cfg.Redis.CallTTL)
	}
	return memory.NewDirectoryRepository()
}

func (f *Factory) CallLog() ports.CallLogRepository {
	if f.useRedis {
		return redisrepo.NewCallLogRepository(f.redisClient, 0)
	}
	return memory.NewCallLogRepository(0)
}

// RedisClient returns the shared client, nil when running on memory.
func (f *Factory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *Factory) Close() error {
	return redisrepo.CloseRedisClient(f.redisClient)
}

func (f *Factory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
