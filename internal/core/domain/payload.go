package domain

import "time"

// SignalingPayload is a decoded offer, answer or candidate.
type SignalingPayload interface {
	payload()
}

type SDPType string

const (
	SDPOffer    SDPType = "offer"
	SDPAnswer   SDPType = "answer"
	SDPPranswer SDPType = "pranswer"
	SDPRollback SDPType = "rollback"
)

// SessionDescription is an offer or answer. Reoffer marks an ICE-restart
// renegotiation of an already established call.
type SessionDescription struct {
	Type    SDPType
	SDP     string
	Reoffer bool
}

func (*SessionDescription) payload() {}

// Candidate is one ICE connectivity candidate.
type Candidate struct {
	Candidate        string
	SDPMid           *string
	SDPMLineIndex    *uint16
	UsernameFragment *string
}

func (*Candidate) payload() {}

// EndOfCandidates reports the empty candidate that terminates gathering.
func (c *Candidate) EndOfCandidates() bool {
	return c.Candidate == ""
}

// CandidateRecord is a buffered candidate with its arrival time.
type CandidateRecord struct {
	Candidate  Candidate
	ReceivedAt time.Time
}
