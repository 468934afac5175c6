package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "xipher:schema:version"
	currentSchemaVersion = 1
)

// Migration is one step of the key layout history.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client redis.Cmdable) error
}

// Migrate runs every migration newer than the stored schema version.
func Migrate(ctx context.Context, client redis.Cmdable, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	if currentVersion >= currentSchemaVersion {
		logger.Debugw("schema is up to date", "version", currentVersion)
		return nil
	}

	for _, m := range migrations() {
		if m.Version <= currentVersion {
			continue
		}
		logger.Infow("running migration", "version", m.Version)
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if err := setSchemaVersion(ctx, client, m.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client redis.Cmdable) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client redis.Cmdable, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func migrations() []Migration {
	return []Migration{
		{
			// The recent-calls index must be a sorted set; anything else under
			// that key is dropped.
			Version: 1,
			Up: func(ctx context.Context, client redis.Cmdable) error {
				typ, err := client.Type(ctx, recentCallsKey).Result()
				if err != nil {
					return err
				}
				if typ != "none" && typ != "zset" {
					return client.Del(ctx, recentCallsKey).Err()
				}
				return nil
			},
		},
	}
}
