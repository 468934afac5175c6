package memory

import (
	"context"
	"sort"
	"sync"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
)

type DirectoryRepository struct {
	mu    sync.RWMutex
	calls map[domain.CallID]map[domain.UserID]domain.Participant
}

var _ ports.DirectoryRepository = (*DirectoryRepository)(nil)

func NewDirectoryRepository() *DirectoryRepository {
	return &DirectoryRepository{
		calls: make(map[domain.CallID]map[domain.UserID]domain.Participant),
	}
}

func (r *DirectoryRepository) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.calls[p.CallID]
	if !ok {
		members = make(map[domain.UserID]domain.Participant)
		r.calls[p.CallID] = members
	}
	members[p.UserID] = *p
	return nil
}

func (r *DirectoryRepository) UpdateLinkState(ctx context.Context, callID domain.CallID, userID domain.UserID, state domain.LinkState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.calls[callID][userID]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	p.LinkState = state
	r.calls[callID][userID] = p
	return nil
}

func (r *DirectoryRepository) RemoveParticipant(ctx context.Context, callID domain.CallID, userID domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.calls[callID]
	if !ok {
		return nil
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.calls, callID)
	}
	return nil
}

// Participants returns copies ordered by join time.
func (r *DirectoryRepository) Participants(ctx context.Context, callID domain.CallID) ([]*domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.calls[callID]
	out := make([]*domain.Participant, 0, len(members))
	for _, p := range members {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (r *DirectoryRepository) RemoveCall(ctx context.Context, callID domain.CallID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, callID)
	return nil
}
