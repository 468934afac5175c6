package ports

import (
	"context"
	"time"

	"xipher/internal/core/domain"
)

// CallControl is the user-facing call surface.
type CallControl interface {
	StartCall(ctx context.Context, peer domain.UserID, kind domain.CallKind) (*domain.CallSession, error)
	StartGroupCall(ctx context.Context, members []domain.UserID, kind domain.CallKind) (*domain.CallSession, error)
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	Cancel(ctx context.Context) error
	End(ctx context.Context) error
	ToggleMicrophone(ctx context.Context, enabled bool) error
	ToggleCamera(ctx context.Context, enabled bool) error
	ToggleScreenShare(ctx context.Context, enabled bool) error
	SetOutputMuted(ctx context.Context, muted bool) error
	Snapshot() (*domain.CallSession, bool)
}

// Notifier receives call events for UI or cluster fan-out.
type Notifier interface {
	Notify(ctx context.Context, event domain.CallEvent)
}

// CallMetrics records call lifecycle and health metrics.
type CallMetrics interface {
	CallStarted(kind domain.CallKind, role domain.CallRole, group bool)
	CallEnded(reason domain.EndReason, connected time.Duration)
	StateTransition(from, to domain.CallState)
	ICERestart(trigger string)
	RecoveryEpisode(outcome string, attempts int)
	SilenceHealStep(step string)
	SignalingDecodeFailure(kind string)
	CandidatesDiscarded(n int)
	RelayRequest(method string, d time.Duration, err error)
}
