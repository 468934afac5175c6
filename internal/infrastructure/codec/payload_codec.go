package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"xipher/internal/core/domain"
	apperrors "xipher/pkg/errors"
	"xipher/pkg/utils"
)

var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/_-]+={0,2}$`)

type wireMeta struct {
	Reoffer bool `json:"reoffer,omitempty"`
}

type wireDescription struct {
	Type string    `json:"type"`
	SDP  string    `json:"sdp"`
	Meta *wireMeta `json:"__xipher,omitempty"`
}

type wireCandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// PayloadCodec turns whatever the transport delivers into typed payloads.
type PayloadCodec struct {
	assumeBase64 bool
	logger       *zap.SugaredLogger
}

// NewPayloadCodec creates a codec. With assumeBase64 set, every string
// payload is first tried as base64 before falling back to the other stages.
func NewPayloadCodec(assumeBase64 bool, logger *zap.SugaredLogger) *PayloadCodec {
	return &PayloadCodec{assumeBase64: assumeBase64, logger: logger}
}

func malformed(format string, args ...interface{}) error {
	return apperrors.Newf(apperrors.ErrCodeMalformedPayload, format, args...)
}

// EncodeDescription returns a JSON string holding base64 of the canonical JSON.
func (c *PayloadCodec) EncodeDescription(desc *domain.SessionDescription) ([]byte, error) {
	if desc == nil || desc.SDP == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "empty session description")
	}
	w := wireDescription{Type: string(desc.Type), SDP: desc.SDP}
	if desc.Reoffer {
		w.Meta = &wireMeta{Reoffer: true}
	}
	return encode(w)
}

// EncodeCandidate returns a JSON string holding base64 of the canonical JSON.
func (c *PayloadCodec) EncodeCandidate(cand *domain.Candidate) ([]byte, error) {
	if cand == nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "nil candidate")
	}
	return encode(wireCandidate{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(data))
}

// DecodeDescription decodes an offer or answer. hint names the expected type
// and is used to wrap a bare SDP blob.
func (c *PayloadCodec) DecodeDescription(raw []byte, hint domain.SDPType) (*domain.SessionDescription, error) {
	obj, text, err := c.normalize(raw)
	if err != nil {
		return nil, err
	}

	if obj == nil {
		if isRawSDP(text) {
			if hint == "" {
				return nil, malformed("bare session description without a type")
			}
			return &domain.SessionDescription{Type: hint, SDP: normalizeSDP(text)}, nil
		}
		return nil, c.reject("description", raw)
	}

	var w wireDescription
	if err := json.Unmarshal(unwrapObject(obj, "sdp", "offer", "answer", "description", "jsep"), &w); err != nil {
		return nil, c.reject("description", raw)
	}
	if !isRawSDP(w.SDP) {
		return nil, malformed("session description has no valid sdp body")
	}

	desc := &domain.SessionDescription{
		Type:    domain.SDPType(strings.ToLower(w.Type)),
		SDP:     normalizeSDP(w.SDP),
		Reoffer: w.Meta != nil && w.Meta.Reoffer,
	}
	if desc.Type == "" {
		desc.Type = hint
	}
	switch desc.Type {
	case domain.SDPOffer, domain.SDPAnswer, domain.SDPPranswer:
	default:
		return nil, malformed("unsupported description type %q", desc.Type)
	}
	if hint != "" && desc.Type != hint && !(hint == domain.SDPAnswer && desc.Type == domain.SDPPranswer) {
		return nil, malformed("got %s where %s was expected", desc.Type, hint)
	}
	return desc, nil
}

// DecodeCandidate decodes one connectivity candidate, accepting both flat
// and nested {"candidate":{...}} shapes.
func (c *PayloadCodec) DecodeCandidate(raw []byte) (*domain.Candidate, error) {
	obj, text, err := c.normalize(raw)
	if err != nil {
		return nil, err
	}

	if obj == nil {
		line := strings.TrimPrefix(strings.TrimSpace(text), "a=")
		if strings.HasPrefix(line, "candidate:") {
			var idx uint16
			return &domain.Candidate{Candidate: line, SDPMLineIndex: &idx}, nil
		}
		return nil, c.reject("candidate", raw)
	}

	var w wireCandidate
	if err := json.Unmarshal(unwrapObject(obj, "candidate", "candidate"), &w); err != nil {
		return nil, c.reject("candidate", raw)
	}
	w.Candidate = strings.TrimPrefix(strings.TrimSpace(w.Candidate), "a=")
	if w.Candidate != "" && !strings.HasPrefix(w.Candidate, "candidate:") {
		return nil, malformed("candidate line %q has no candidate prefix", utils.TruncateString(w.Candidate, 32))
	}
	return &domain.Candidate{
		Candidate:        w.Candidate,
		SDPMid:           w.SDPMid,
		SDPMLineIndex:    w.SDPMLineIndex,
		UsernameFragment: w.UsernameFragment,
	}, nil
}

// normalize runs the decoding stages shared by every payload kind. It returns
// either a JSON object or, when no object could be recovered, the best text
// form of the payload for raw-format detection.
func (c *PayloadCodec) normalize(raw []byte) (json.RawMessage, string, error) {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, "", malformed("empty payload")
	}

	if data[0] == '{' {
		if obj, ok := parseObject(data); ok {
			return obj, "", nil
		}
	}

	text := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			text = s
		} else if err := json.Unmarshal(sanitize(data), &s); err == nil {
			text = s
		} else {
			text = strings.Trim(text, `"`)
		}
	}
	text = strings.TrimSpace(text)

	if c.assumeBase64 || looksBase64(text) {
		if decoded, ok := decodeBase64(text); ok {
			decoded = bytes.TrimSpace(decoded)
			if len(decoded) > 0 && decoded[0] == '{' {
				if obj, ok := parseObject(decoded); ok {
					return obj, "", nil
				}
			}
			if isRawSDP(string(decoded)) || strings.HasPrefix(string(decoded), "candidate:") {
				return nil, string(decoded), nil
			}
		}
	}

	if strings.HasPrefix(text, "{") {
		if obj, ok := parseObject([]byte(text)); ok {
			return obj, "", nil
		}
	}
	return nil, text, nil
}

func (c *PayloadCodec) reject(kind string, raw []byte) error {
	if c.logger != nil {
		c.logger.Warnw("Dropping malformed signaling payload",
			"kind", kind,
			"size", len(raw),
			"prefix", utils.TruncateString(string(raw), 24),
		)
	}
	return malformed("undecodable %s payload", kind)
}

// parseObject parses data as a JSON object, retrying once after repairing
// common transport corruption.
func parseObject(data []byte) (json.RawMessage, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err == nil {
		return json.RawMessage(data), true
	}
	repaired := sanitize(data)
	if err := json.Unmarshal(repaired, &m); err == nil {
		return json.RawMessage(repaired), true
	}
	return nil, false
}

// unwrapObject descends into wrapper keys such as {"offer":{...}} while the
// value under one of keys is itself an object.
func unwrapObject(obj json.RawMessage, field string, wrappers ...string) json.RawMessage {
	for depth := 0; depth < 3; depth++ {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(obj, &m); err != nil {
			return obj
		}
		next := json.RawMessage(nil)
		for _, key := range wrappers {
			v, ok := m[key]
			if !ok {
				continue
			}
			v = bytes.TrimSpace(v)
			if len(v) > 0 && v[0] == '{' {
				next = v
				break
			}
		}
		if next == nil {
			return obj
		}
		if _, flat := m[field]; flat && !isObject(m[field]) {
			return obj
		}
		obj = next
	}
	return obj
}

func isObject(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) > 0 && v[0] == '{'
}

// sanitize repairs JSON text whose strings contain stray backslashes or bare
// newline, carriage return or tab characters. Other control characters are
// left alone and still fail parsing.
func sanitize(data []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(data) + 16)
	inString := false
	for i := 0; i < len(data); i++ {
		ch := data[i]
		if !inString {
			if ch == '"' {
				inString = true
			}
			out.WriteByte(ch)
			continue
		}
		switch ch {
		case '"':
			inString = false
			out.WriteByte(ch)
		case '\\':
			if i+1 < len(data) && validEscape(data[i+1:]) {
				out.WriteByte(ch)
				out.WriteByte(data[i+1])
				i++
			}
		case '\n':
			out.WriteString(`\n`)
		case '\r':
			out.WriteString(`\r`)
		case '\t':
			out.WriteString(`\t`)
		default:
			out.WriteByte(ch)
		}
	}
	return out.Bytes()
}

func validEscape(rest []byte) bool {
	switch rest[0] {
	case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
		return true
	case 'u':
		if len(rest) < 5 {
			return false
		}
		for _, h := range rest[1:5] {
			if !isHex(h) {
				return false
			}
		}
		return true
	}
	return false
}

func isHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

func looksBase64(s string) bool {
	return len(s) >= 8 && base64Pattern.MatchString(s)
}

func decodeBase64(s string) ([]byte, bool) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, true
		}
	}
	return nil, false
}

func isRawSDP(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "v=0") && strings.Contains(s, "m=")
}

// normalizeSDP restores CRLF line endings and the trailing line break that
// some transports collapse or trim.
func normalizeSDP(s string) string {
	if strings.HasSuffix(s, "\r\n") && !strings.Contains(strings.ReplaceAll(s, "\r\n", ""), "\n") {
		return s
	}
	lines := strings.Split(strings.TrimRight(s, "\r\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}
