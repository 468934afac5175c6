package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"xipher/pkg/distributed"
)

// NewRedisClient creates a pooled client, verifies the connection and brings
// the key schema up to date.
func NewRedisClient(address, password string, db, poolSize int, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	lock := distributed.NewLockManager(client, "xipher:lock:").NewLock("schema", 30*time.Second)
	if err := lock.Lock(ctx, 5*time.Second); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to lock schema: %w", err)
	}
	err := Migrate(ctx, client, logger)
	if uerr := lock.Unlock(ctx); uerr != nil {
		logger.Warnw("failed to release schema lock", "error", uerr)
	}
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Infow("connected to Redis",
		"address", address,
		"db", db,
		"pool_size", poolSize,
	)
	return client, nil
}

func CloseRedisClient(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
