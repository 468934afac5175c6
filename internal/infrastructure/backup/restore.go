package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
	"xipher/pkg/backup"
)

type RestoreOptions struct {
	// OverwriteExisting replaces records already present in the call log.
	OverwriteExisting bool
}

// RestoreService loads archived call records back into a call log.
type RestoreService struct {
	archives *backup.Service
	callLog  ports.CallLogRepository
	logger   *zap.SugaredLogger
}

func NewRestoreService(archives *backup.Service, callLog ports.CallLogRepository, logger *zap.SugaredLogger) *RestoreService {
	return &RestoreService{archives: archives, callLog: callLog, logger: logger}
}

// RestoreLatest restores the newest archive. Having no archive is not an
// error.
func (rs *RestoreService) RestoreLatest(ctx context.Context, opts RestoreOptions) (int, error) {
	name, err := rs.archives.Latest(ctx)
	if errors.Is(err, backup.ErrNoArchive) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rs.Restore(ctx, name, opts)
}

// Restore saves the records of one archive, oldest first, so the call log's
// recency order matches the archive.
func (rs *RestoreService) Restore(ctx context.Context, name string, opts RestoreOptions) (int, error) {
	archive, err := rs.archives.Load(ctx, name)
	if err != nil {
		return 0, err
	}
	var records []*domain.CallRecord
	if err := json.Unmarshal(archive.Records, &records); err != nil {
		return 0, fmt.Errorf("decode archive %s: %w", name, err)
	}

	restored := 0
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec == nil || rec.ID == "" {
			continue
		}
		if !opts.OverwriteExisting {
			if _, err := rs.callLog.Get(ctx, rec.ID); err == nil {
				continue
			} else if !errors.Is(err, domain.ErrCallRecordNotFound) {
				return restored, fmt.Errorf("check call %s: %w", rec.ID, err)
			}
		}
		if err := rs.callLog.Save(ctx, rec); err != nil {
			return restored, fmt.Errorf("restore call %s: %w", rec.ID, err)
		}
		restored++
	}

	rs.logger.Infow("Call log restored", "archive", name, "records", restored, "archived_at", archive.Timestamp)
	return restored, nil
}
