package domain

import "encoding/json"

type MessageType string

const (
	MsgOffer             MessageType = "offer"
	MsgAnswer            MessageType = "answer"
	MsgICECandidate      MessageType = "ice_candidate"
	MsgCallEnd           MessageType = "call_end"
	MsgMediaState        MessageType = "media_state"
	MsgGroupInvite       MessageType = "group_invite"
	MsgGroupJoin         MessageType = "group_join"
	MsgGroupOffer        MessageType = "group_offer"
	MsgGroupAnswer       MessageType = "group_answer"
	MsgGroupICECandidate MessageType = "group_ice_candidate"
	MsgGroupLeave        MessageType = "group_leave"
)

// Message is the typed envelope exchanged over the signaling transport.
// Offer, Answer and Candidate are kept raw: peers send them as objects,
// JSON strings or base64 strings, and only the payload codec interprets them.
type Message struct {
	Type         MessageType     `json:"type"`
	Target       UserID          `json:"target,omitempty"`
	From         UserID          `json:"from,omitempty"`
	CallID       CallID          `json:"call_id,omitempty"`
	CallType     CallKind        `json:"call_type,omitempty"`
	GroupID      GroupID         `json:"group_id,omitempty"`
	Offer        json.RawMessage `json:"offer,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
	Reason       EndReason       `json:"reason,omitempty"`
	Media        *MediaState     `json:"media,omitempty"`
	Participants []UserID        `json:"participants,omitempty"`
	Relay        bool            `json:"relay,omitempty"`
}
