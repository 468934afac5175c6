package janus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"xipher/internal/core/domain"
)

const (
	videoroomPlugin = "janus.plugin.videoroom"
	subprotocol     = "janus-protocol"

	// errRoomExists is the videoroom error code for creating an existing room.
	errRoomExists = 427
)

var (
	ErrTransactionTimeout = errors.New("relay transaction timed out")
	ErrSessionClosed      = errors.New("relay session closed")
)

// Conn is the transport carrying relay messages. *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

type DialFunc func(ctx context.Context, url string) (Conn, error)

// DialWebsocket opens a websocket with the relay's subprotocol.
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	d := websocket.Dialer{
		Subprotocols:     []string{subprotocol},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type message struct {
	Janus       string            `json:"janus"`
	Transaction string            `json:"transaction,omitempty"`
	SessionID   uint64            `json:"session_id,omitempty"`
	HandleID    uint64            `json:"handle_id,omitempty"`
	Sender      uint64            `json:"sender,omitempty"`
	Plugin      string            `json:"plugin,omitempty"`
	Body        interface{}       `json:"body,omitempty"`
	JSEP        *jsep             `json:"jsep,omitempty"`
	Candidate   *trickleCandidate `json:"candidate,omitempty"`
	Data        *idData           `json:"data,omitempty"`
	PluginData  *pluginData       `json:"plugindata,omitempty"`
	Error       *Error            `json:"error,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

type jsep struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type idData struct {
	ID uint64 `json:"id"`
}

type pluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

type trickleCandidate struct {
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Completed     bool    `json:"completed,omitempty"`
}

type publisher struct {
	ID      uint64 `json:"id"`
	Display string `json:"display"`
}

// videoroomData is the plugin payload of videoroom responses and events.
type videoroomData struct {
	Videoroom   string          `json:"videoroom"`
	ID          uint64          `json:"id,omitempty"`
	Publishers  []publisher     `json:"publishers,omitempty"`
	Unpublished json.RawMessage `json:"unpublished,omitempty"`
	Leaving     json.RawMessage `json:"leaving,omitempty"`
	Configured  string          `json:"configured,omitempty"`
	Started     string          `json:"started,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Error is a relay-level or plugin-level failure reply.
type Error struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Code, e.Reason)
}

// feedID reads an unpublished/leaving field, which carries either a feed id
// or the string "ok" when the event concerns ourselves.
func feedID(raw json.RawMessage) (uint64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var id uint64
	if err := json.Unmarshal(raw, &id); err == nil && id != 0 {
		return id, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil && n != 0 {
			return n, true
		}
	}
	return 0, false
}

// RoomID maps a group to a numeric videoroom id that fits a JSON number
// without precision loss.
func RoomID(group domain.GroupID) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(group))
	id := h.Sum64() & (1<<53 - 1)
	if id == 0 {
		id = 1
	}
	return id
}

func toJSEP(desc *domain.SessionDescription) *jsep {
	return &jsep{Type: string(desc.Type), SDP: desc.SDP}
}

func fromJSEP(j *jsep) *domain.SessionDescription {
	return &domain.SessionDescription{Type: domain.SDPType(j.Type), SDP: j.SDP}
}

func toTrickle(c *domain.Candidate) *trickleCandidate {
	if c == nil || c.EndOfCandidates() {
		return &trickleCandidate{Completed: true}
	}
	return &trickleCandidate{Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex}
}

func fromTrickle(t *trickleCandidate) domain.Candidate {
	if t.Completed {
		return domain.Candidate{}
	}
	return domain.Candidate{Candidate: t.Candidate, SDPMid: t.SDPMid, SDPMLineIndex: t.SDPMLineIndex}
}
