package ports

import (
	"context"

	"github.com/pion/webrtc/v3"

	"xipher/internal/core/domain"
)

// LocalMedia is the captured outbound media of one call. The audio DSP graph
// behind it is external; it yields the tracks to send.
type LocalMedia interface {
	Kind() domain.CallKind
	Tracks() []webrtc.TrackLocal
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	SetScreenShare(ctx context.Context, enabled bool) error
	State() domain.MediaState
	Stop()
}

// MediaSource acquires local media. Errors match domain.ErrMediaDenied or
// domain.ErrMediaUnavailable.
type MediaSource interface {
	Acquire(ctx context.Context, kind domain.CallKind) (LocalMedia, error)
}

// AudioOutput plays remote audio for a peer and exposes the self-healing
// steps used when inbound audio goes silent.
type AudioOutput interface {
	Resume(ctx context.Context, peer domain.UserID) error
	Replay(ctx context.Context, peer domain.UserID) error
	Reattach(ctx context.Context, peer domain.UserID) error
	SetMuted(muted bool)
	Release(peer domain.UserID)
}
