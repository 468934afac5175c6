package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
)

// CandidateBuffer holds remote candidates until the owning link has a remote
// description. Records are keyed by the sending peer.
type CandidateBuffer struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string][]domain.CandidateRecord
	logger  *zap.SugaredLogger
	metrics ports.CallMetrics
}

func NewCandidateBuffer(ttl time.Duration, metrics ports.CallMetrics, logger *zap.SugaredLogger) *CandidateBuffer {
	return &CandidateBuffer{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string][]domain.CandidateRecord),
		logger:  logger,
		metrics: metrics,
	}
}

// Add appends a candidate for key with the current time.
func (b *CandidateBuffer) Add(key string, c domain.Candidate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[key] = append(b.records[key], domain.CandidateRecord{Candidate: c, ReceivedAt: b.now()})
}

// Drain applies every buffered candidate for key to link in arrival order
// and clears them. It does nothing until link has a remote description.
// A candidate the link refuses is logged and skipped.
func (b *CandidateBuffer) Drain(key string, link ports.PeerLink) int {
	if link == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.records[key]
	if len(pending) == 0 || !link.HasRemoteDescription() {
		return 0
	}
	delete(b.records, key)

	applied := 0
	for _, rec := range pending {
		if err := link.AddICECandidate(rec.Candidate); err != nil {
			b.logger.Warnw("Failed to apply buffered candidate",
				"peer", key,
				"error", err,
			)
			continue
		}
		applied++
	}
	return applied
}

// Discard drops every record for key.
func (b *CandidateBuffer) Discard(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, key)
}

// Pending returns the number of buffered records for key.
func (b *CandidateBuffer) Pending(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records[key])
}

// Sweep drops records older than the TTL and returns how many were dropped.
func (b *CandidateBuffer) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-b.ttl)
	dropped := 0
	for key, recs := range b.records {
		kept := recs[:0]
		for _, rec := range recs {
			if rec.ReceivedAt.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) == 0 {
			delete(b.records, key)
		} else {
			b.records[key] = kept
		}
	}

	if dropped > 0 {
		b.logger.Debugw("Expired buffered candidates", "count", dropped)
		if b.metrics != nil {
			b.metrics.CandidatesDiscarded(dropped)
		}
	}
	return dropped
}

// Run sweeps every interval until ctx is done.
func (b *CandidateBuffer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep()
		}
	}
}
