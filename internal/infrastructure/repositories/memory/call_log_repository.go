package memory

import (
	"context"
	"sync"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
)

const defaultMaxRecords = 1000

// CallLogRepository keeps the most recent records in save order.
type CallLogRepository struct {
	mu      sync.RWMutex
	records []domain.CallRecord
	max     int
}

var _ ports.CallLogRepository = (*CallLogRepository)(nil)

func NewCallLogRepository(max int) *CallLogRepository {
	if max <= 0 {
		max = defaultMaxRecords
	}
	return &CallLogRepository{max: max}
}

// Save appends rec, replacing an earlier record with the same id.
func (r *CallLogRepository) Save(ctx context.Context, rec *domain.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.records {
		if r.records[i].ID == rec.ID {
			r.records = append(r.records[:i], r.records[i+1:]...)
			break
		}
	}
	r.records = append(r.records, *rec)
	if over := len(r.records) - r.max; over > 0 {
		r.records = append([]domain.CallRecord(nil), r.records[over:]...)
	}
	return nil
}

func (r *CallLogRepository) Get(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].ID == id {
			rec := r.records[i]
			return &rec, nil
		}
	}
	return nil, domain.ErrCallRecordNotFound
}

// Recent returns up to limit records, newest first.
func (r *CallLogRepository) Recent(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		return nil, nil
	}
	if limit > len(r.records) {
		limit = len(r.records)
	}
	out := make([]*domain.CallRecord, 0, limit)
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := r.records[i]
		out = append(out, &rec)
	}
	return out, nil
}
