// Package backup archives the call log on a schedule and restores it on
// start, so a node on the in-memory store keeps its history across restarts.
package backup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
	"xipher/pkg/backup"
)

const (
	ArchivePrefix  = "calllog"
	ArchiveVersion = "1"
)

type Config struct {
	Interval   time.Duration
	Retention  time.Duration
	MaxRecords int
}

// Scheduler writes the most recent call records to an archive every
// Interval and prunes archives older than Retention.
type Scheduler struct {
	archives *backup.Service
	callLog  ports.CallLogRepository
	node     domain.UserID
	cfg      Config
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewScheduler(archives *backup.Service, callLog ports.CallLogRepository, node domain.UserID, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 1000
	}
	return &Scheduler{
		archives: archives,
		callLog:  callLog,
		node:     node,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Run archives until ctx is done. A final archive is written on the way out.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.archive(ctx)
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.archive(finalCtx)
			cancel()
			return
		}
	}
}

func (s *Scheduler) archive(ctx context.Context) {
	name, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Errorw("Call log archive failed", "error", err)
		return
	}
	if name != "" {
		s.logger.Infow("Call log archived", "archive", name)
	}
}

// RunOnce writes one archive and prunes old ones. It returns an empty name
// when the call log is empty.
func (s *Scheduler) RunOnce(ctx context.Context) (string, error) {
	records, err := s.callLog.Recent(ctx, s.cfg.MaxRecords)
	if err != nil {
		return "", fmt.Errorf("read call log: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}

	name, err := s.archives.Create(ctx, string(s.node), records, len(records))
	if err != nil {
		return "", err
	}

	if s.cfg.Retention > 0 {
		deleted, err := s.archives.Prune(ctx, s.now().Add(-s.cfg.Retention))
		if err != nil {
			s.logger.Warnw("Failed to prune call log archives", "error", err)
		} else if deleted > 0 {
			s.logger.Infow("Pruned call log archives", "deleted", deleted)
		}
	}
	return name, nil
}
