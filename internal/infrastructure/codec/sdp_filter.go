package codec

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

var keptAudioCodecs = map[string]bool{
	"opus":            true,
	"telephone-event": true,
}

// TrimAudioCodecs rewrites every audio m-line of an SDP blob to carry only
// Opus and telephone-event, dropping rtpmap/fmtp/rtcp-fb lines of removed
// payload types. Video sections are left as they are. An audio section that
// would lose every codec is kept unchanged.
func TrimAudioCodecs(raw string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return raw, fmt.Errorf("parse sdp: %w", err)
	}

	changed := false
	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}
		if trimMediaSection(media) {
			changed = true
		}
	}
	if !changed {
		return raw, nil
	}

	out, err := desc.Marshal()
	if err != nil {
		return raw, fmt.Errorf("marshal sdp: %w", err)
	}
	return string(out), nil
}

// TrimAudio implements ports.PayloadCodec.
func (c *PayloadCodec) TrimAudio(raw string) (string, error) {
	return TrimAudioCodecs(raw)
}

func trimMediaSection(media *sdp.MediaDescription) bool {
	keep := make(map[string]bool)
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, rest, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(rest, "/")
		if keptAudioCodecs[strings.ToLower(strings.TrimSpace(name))] {
			keep[pt] = true
		}
	}
	if len(keep) == 0 {
		return false
	}

	formats := make([]string, 0, len(keep))
	for _, f := range media.MediaName.Formats {
		if keep[f] {
			formats = append(formats, f)
		}
	}
	if len(formats) == len(media.MediaName.Formats) {
		return false
	}
	media.MediaName.Formats = formats

	attrs := media.Attributes[:0]
	for _, attr := range media.Attributes {
		switch attr.Key {
		case "rtpmap", "fmtp", "rtcp-fb":
			pt, _, _ := strings.Cut(attr.Value, " ")
			if pt != "*" && !keep[pt] {
				continue
			}
		}
		attrs = append(attrs, attr)
	}
	media.Attributes = attrs
	return true
}
