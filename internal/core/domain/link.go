package domain

import "time"

type NegotiationState string

const (
	NegotiationStable        NegotiationState = "stable"
	NegotiationOfferSent     NegotiationState = "offer-sent"
	NegotiationOfferReceived NegotiationState = "offer-received"
	NegotiationAnswered      NegotiationState = "answered"
	NegotiationClosed        NegotiationState = "closed"
)

// AcceptsRemoteOffer reports whether an incoming offer may be applied in
// place. OfferSent requires a rollback first.
func (n NegotiationState) AcceptsRemoteOffer() bool {
	return n == NegotiationStable || n == NegotiationOfferSent
}

type LinkState string

const (
	LinkNew          LinkState = "new"
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkFailed       LinkState = "failed"
	LinkClosed       LinkState = "closed"
)

// Healthy reports whether media can flow.
func (s LinkState) Healthy() bool {
	return s == LinkConnected
}

// LinkStats is one statistics sample of a peer link.
type LinkStats struct {
	Timestamp         time.Time
	State             LinkState
	BytesReceived     uint64
	PacketsReceived   uint64
	PacketsLost       int64
	Jitter            time.Duration
	AudioBytes        uint64
	AudioLevel        float64
	HasInboundAudio   bool
	CandidatePairType string
}

// LossRatio returns lost/(lost+received), zero without traffic.
func (s LinkStats) LossRatio() float64 {
	if s.PacketsLost <= 0 {
		return 0
	}
	total := float64(s.PacketsReceived) + float64(s.PacketsLost)
	if total == 0 {
		return 0
	}
	return float64(s.PacketsLost) / total
}

// Progressed reports whether any inbound counter grew since prev.
func (s LinkStats) Progressed(prev LinkStats) bool {
	return s.BytesReceived > prev.BytesReceived || s.PacketsReceived > prev.PacketsReceived
}

// RecoveryState describes the current recovery episode, if any.
type RecoveryState struct {
	Active    bool
	StartedAt time.Time
	Attempts  int
	InFlight  bool
}

// ICEServer is one STUN or TURN server entry.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
