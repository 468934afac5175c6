package ports

import (
	"context"

	"xipher/internal/core/domain"
)

// DirectoryRepository records who is in which call.
type DirectoryRepository interface {
	UpsertParticipant(ctx context.Context, p *domain.Participant) error
	UpdateLinkState(ctx context.Context, callID domain.CallID, userID domain.UserID, state domain.LinkState) error
	RemoveParticipant(ctx context.Context, callID domain.CallID, userID domain.UserID) error
	Participants(ctx context.Context, callID domain.CallID) ([]*domain.Participant, error)
	RemoveCall(ctx context.Context, callID domain.CallID) error
}

// CallLogRepository stores terminated call records.
type CallLogRepository interface {
	Save(ctx context.Context, rec *domain.CallRecord) error
	Get(ctx context.Context, id domain.CallID) (*domain.CallRecord, error)
	Recent(ctx context.Context, limit int) ([]*domain.CallRecord, error)
}
