package domain

import "time"

type CallID string
type UserID string
type GroupID string

type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

type CallRole string

const (
	RoleInitiator CallRole = "initiator"
	RoleResponder CallRole = "responder"
)

type CallState string

const (
	StateIdle            CallState = "idle"
	StateOutgoingRinging CallState = "outgoing-ringing"
	StateIncomingRinging CallState = "incoming-ringing"
	StateNegotiating     CallState = "negotiating"
	StateActive          CallState = "active"
	StateRecovering      CallState = "recovering"
	StateTerminated      CallState = "terminated"
)

// Ringing reports whether the call has not been answered yet.
func (s CallState) Ringing() bool {
	return s == StateOutgoingRinging || s == StateIncomingRinging
}

// Live reports whether media is (or was recently) flowing.
func (s CallState) Live() bool {
	return s == StateActive || s == StateRecovering
}

type EndReason string

const (
	ReasonHangup            EndReason = "hangup"
	ReasonRejected          EndReason = "rejected"
	ReasonCancelled         EndReason = "cancelled"
	ReasonBusy              EndReason = "busy"
	ReasonTimeout           EndReason = "timeout"
	ReasonMissed            EndReason = "missed"
	ReasonRemoteEnded       EndReason = "remote_ended"
	ReasonRecoveryExhausted EndReason = "recovery_exhausted"
	ReasonMalformed         EndReason = "malformed_offer"
	ReasonMediaFailure      EndReason = "media_failure"
	ReasonError             EndReason = "error"
	ReasonShutdown          EndReason = "shutdown"
)

type MediaState struct {
	Audio  bool `json:"audio"`
	Video  bool `json:"video"`
	Screen bool `json:"screen"`
}

// CallSession is a read-only view of the engine's current call.
type CallSession struct {
	ID               CallID     `json:"call_id"`
	Role             CallRole   `json:"role"`
	Kind             CallKind   `json:"call_type"`
	Group            bool       `json:"group"`
	GroupID          GroupID    `json:"group_id,omitempty"`
	State            CallState  `json:"state"`
	Counterpart      UserID     `json:"counterpart,omitempty"`
	Participants     []UserID   `json:"participants,omitempty"`
	Relay            bool       `json:"relay"`
	LocalMedia       MediaState `json:"local_media"`
	RemoteMedia      MediaState `json:"remote_media"`
	OutputMuted      bool       `json:"output_muted"`
	StartedAt        time.Time  `json:"started_at"`
	ConnectedAt      time.Time  `json:"connected_at,omitempty"`
	RecoveryAttempts int        `json:"recovery_attempts"`
}

// CallRecord is the call log entry written when a session terminates.
type CallRecord struct {
	ID               CallID    `json:"call_id"`
	Counterpart      UserID    `json:"counterpart,omitempty"`
	GroupID          GroupID   `json:"group_id,omitempty"`
	Participants     []UserID  `json:"participants,omitempty"`
	Kind             CallKind  `json:"call_type"`
	Role             CallRole  `json:"role"`
	StartedAt        time.Time `json:"started_at"`
	ConnectedAt      time.Time `json:"connected_at,omitempty"`
	EndedAt          time.Time `json:"ended_at"`
	Reason           EndReason `json:"reason"`
	RecoveryAttempts int       `json:"recovery_attempts"`
}

// Duration returns the connected duration, zero for calls that never connected.
func (r CallRecord) Duration() time.Duration {
	if r.ConnectedAt.IsZero() || r.EndedAt.Before(r.ConnectedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}

// Participant is a Call Directory entry.
type Participant struct {
	CallID    CallID    `json:"call_id"`
	UserID    UserID    `json:"user_id"`
	FeedID    uint64    `json:"feed_id,omitempty"`
	LinkState LinkState `json:"link_state"`
	JoinedAt  time.Time `json:"joined_at"`
}
