package ports

import (
	"context"

	"xipher/internal/core/domain"
)

// SignalingTransport is an already connected, unordered-tolerant message
// channel to other users.
type SignalingTransport interface {
	Send(ctx context.Context, msg *domain.Message) error
	Ready() bool
}

// SignalHandler receives inbound signaling messages by type.
type SignalHandler interface {
	HandleOffer(ctx context.Context, msg *domain.Message)
	HandleAnswer(ctx context.Context, msg *domain.Message)
	HandleIceCandidate(ctx context.Context, msg *domain.Message)
	HandleCallEnd(ctx context.Context, msg *domain.Message)
	HandleMediaState(ctx context.Context, msg *domain.Message)
	HandleGroupInvite(ctx context.Context, msg *domain.Message)
	HandleGroupJoin(ctx context.Context, msg *domain.Message)
	HandleGroupOffer(ctx context.Context, msg *domain.Message)
	HandleGroupAnswer(ctx context.Context, msg *domain.Message)
	HandleGroupIceCandidate(ctx context.Context, msg *domain.Message)
	HandleGroupLeave(ctx context.Context, msg *domain.Message)
}

// PayloadCodec converts between wire payloads and typed signaling payloads.
type PayloadCodec interface {
	// DecodeDescription decodes an offer or answer; hint is the expected type
	// used when the payload is a bare SDP blob.
	DecodeDescription(raw []byte, hint domain.SDPType) (*domain.SessionDescription, error)
	DecodeCandidate(raw []byte) (*domain.Candidate, error)
	EncodeDescription(desc *domain.SessionDescription) ([]byte, error)
	EncodeCandidate(c *domain.Candidate) ([]byte, error)
	// TrimAudio restricts audio m-lines to the negotiated codec shortlist.
	TrimAudio(sdp string) (string, error)
}

// ICEServerProvider supplies connectivity configuration for new links.
type ICEServerProvider interface {
	ICEServers(ctx context.Context) ([]domain.ICEServer, error)
}
