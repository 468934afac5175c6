package domain

import "time"

type EventType string

const (
	EventIncomingCall       EventType = "incoming_call"
	EventStateChanged       EventType = "state_changed"
	EventReconnecting       EventType = "reconnecting"
	EventReconnected        EventType = "reconnected"
	EventCallEnded          EventType = "call_ended"
	EventParticipantJoined  EventType = "participant_joined"
	EventParticipantLeft    EventType = "participant_left"
	EventRemoteMediaChanged EventType = "remote_media_changed"
	EventGroupInvite        EventType = "group_invite"
	EventMediaUnavailable   EventType = "media_unavailable"
)

// CallEvent is published to notifiers and the cluster event bus.
type CallEvent struct {
	Type      EventType   `json:"type"`
	CallID    CallID      `json:"call_id"`
	Peer      UserID      `json:"peer,omitempty"`
	State     CallState   `json:"state,omitempty"`
	Reason    EndReason   `json:"reason,omitempty"`
	Media     *MediaState `json:"media,omitempty"`
	Kind      CallKind    `json:"call_type,omitempty"`
	GroupID   GroupID     `json:"group_id,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
