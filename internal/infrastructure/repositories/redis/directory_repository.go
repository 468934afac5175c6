package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
)

// DirectoryRepository keeps one hash per call, field per participant.
type DirectoryRepository struct {
	client redis.Cmdable
	ttl    time.Duration
}

var _ ports.DirectoryRepository = (*DirectoryRepository)(nil)

// NewDirectoryRepository creates the directory. A positive ttl is refreshed on
// every upsert so abandoned calls expire.
func NewDirectoryRepository(client redis.Cmdable, ttl time.Duration) *DirectoryRepository {
	return &DirectoryRepository{client: client, ttl: ttl}
}

func participantsKey(callID domain.CallID) string {
	return fmt.Sprintf("xipher:call:%s:participants", callID)
}

func (r *DirectoryRepository) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}
	key := participantsKey(p.CallID)
	if err := r.client.HSet(ctx, key, string(p.UserID), data).Err(); err != nil {
		return fmt.Errorf("failed to store participant in Redis: %w", err)
	}
	if r.ttl > 0 {
		if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
			return fmt.Errorf("failed to refresh call expiry: %w", err)
		}
	}
	return nil
}

func (r *DirectoryRepository) UpdateLinkState(ctx context.Context, callID domain.CallID, userID domain.UserID, state domain.LinkState) error {
	key := participantsKey(callID)
	raw, err := r.client.HGet(ctx, key, string(userID)).Result()
	if err == redis.Nil {
		return domain.ErrParticipantNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get participant from Redis: %w", err)
	}

	var p domain.Participant
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return fmt.Errorf("failed to unmarshal participant: %w", err)
	}
	p.LinkState = state

	data, err := json.Marshal(&p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}
	if err := r.client.HSet(ctx, key, string(userID), data).Err(); err != nil {
		return fmt.Errorf("failed to store participant in Redis: %w", err)
	}
	return nil
}

func (r *DirectoryRepository) RemoveParticipant(ctx context.Context, callID domain.CallID, userID domain.UserID) error {
	if err := r.client.HDel(ctx, participantsKey(callID), string(userID)).Err(); err != nil {
		return fmt.Errorf("failed to remove participant from Redis: %w", err)
	}
	return nil
}

// Participants returns the call's participants ordered by join time.
func (r *DirectoryRepository) Participants(ctx context.Context, callID domain.CallID) ([]*domain.Participant, error) {
	fields, err := r.client.HGetAll(ctx, participantsKey(callID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list participants from Redis: %w", err)
	}

	out := make([]*domain.Participant, 0, len(fields))
	for _, raw := range fields {
		var p domain.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			// Skip entries written by an incompatible version
			continue
		}
		out = append(out, &p)
	}
	sortParticipants(out)
	return out, nil
}

func (r *DirectoryRepository) RemoveCall(ctx context.Context, callID domain.CallID) error {
	if err := r.client.Del(ctx, participantsKey(callID)).Err(); err != nil {
		return fmt.Errorf("failed to remove call from Redis: %w", err)
	}
	return nil
}

func sortParticipants(ps []*domain.Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].UserID < ps[j].UserID
	})
}
