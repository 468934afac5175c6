package ports

import (
	"context"

	"xipher/internal/core/domain"
)

// PeerLink is one negotiated media connection.
type PeerLink interface {
	CreateOffer(ctx context.Context, iceRestart bool) (*domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (*domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc *domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc *domain.SessionDescription) error
	// Rollback discards a local offer, returning the link to stable.
	Rollback(ctx context.Context) error
	AddICECandidate(c domain.Candidate) error

	HasRemoteDescription() bool
	NegotiationState() domain.NegotiationState
	ConnectionState() domain.LinkState
	Stats(ctx context.Context) (domain.LinkStats, error)
	RequestKeyframe() error

	// OnLocalCandidate fires for each gathered candidate; nil marks the end.
	OnLocalCandidate(fn func(c *domain.Candidate))
	OnConnectionStateChange(fn func(state domain.LinkState))

	Close() error
}

// LinkOptions configures a new PeerLink.
type LinkOptions struct {
	Label        string
	Peer         domain.UserID
	ICEServers   []domain.ICEServer
	Media        LocalMedia
	ReceiveAudio bool
	ReceiveVideo bool
}

type PeerLinkFactory interface {
	NewLink(ctx context.Context, opts LinkOptions) (PeerLink, error)
}
