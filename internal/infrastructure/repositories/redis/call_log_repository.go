package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
)

const (
	recentCallsKey = "xipher:calllog:recent"
	maxRecentCalls = 1000
)

// CallLogRepository stores each record under its own key and indexes ids by
// end time in a sorted set.
type CallLogRepository struct {
	client redis.Cmdable
	ttl    time.Duration
}

var _ ports.CallLogRepository = (*CallLogRepository)(nil)

func NewCallLogRepository(client redis.Cmdable, ttl time.Duration) *CallLogRepository {
	return &CallLogRepository{client: client, ttl: ttl}
}

func callRecordKey(id domain.CallID) string {
	return "xipher:calllog:" + string(id)
}

func (r *CallLogRepository) Save(ctx context.Context, rec *domain.CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}
	if err := r.client.Set(ctx, callRecordKey(rec.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store call record in Redis: %w", err)
	}
	z := redis.Z{Score: float64(rec.EndedAt.UnixMilli()), Member: string(rec.ID)}
	if err := r.client.ZAdd(ctx, recentCallsKey, z).Err(); err != nil {
		return fmt.Errorf("failed to index call record: %w", err)
	}
	if err := r.client.ZRemRangeByRank(ctx, recentCallsKey, 0, -maxRecentCalls-1).Err(); err != nil {
		return fmt.Errorf("failed to trim call index: %w", err)
	}
	return nil
}

func (r *CallLogRepository) Get(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	raw, err := r.client.Get(ctx, callRecordKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrCallRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call record from Redis: %w", err)
	}
	var rec domain.CallRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call record: %w", err)
	}
	return &rec, nil
}

// Recent returns up to limit records, newest first. Indexed ids whose record
// has expired are skipped.
func (r *CallLogRepository) Recent(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := r.client.ZRevRange(ctx, recentCallsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read call index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = callRecordKey(domain.CallID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get call records from Redis: %w", err)
	}

	out := make([]*domain.CallRecord, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec domain.CallRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}
