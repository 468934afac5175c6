package webrtc

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// inboundTrack accounts the RTP received on one remote track.
type inboundTrack struct {
	id       string
	kind     webrtc.RTPCodecType
	mimeType string
	ssrc     uint32
	levelExt uint8

	bytes            uint64
	packets          uint64
	level            float64
	awaitingKeyframe bool
	lastKeyframe     time.Time
}

// inboundTracks keeps per-track byte counters and keyframe state for the
// remote tracks of a link, plus the last RFC 6464 audio level.
type inboundTracks struct {
	mu     sync.Mutex
	tracks map[string]*inboundTrack
	now    func() time.Time
}

func newInboundTracks() *inboundTracks {
	return &inboundTracks{
		tracks: make(map[string]*inboundTrack),
		now:    time.Now,
	}
}

func (t *inboundTracks) register(id string, kind webrtc.RTPCodecType, mimeType string, ssrc uint32, levelExt uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks[id] = &inboundTrack{
		id:       id,
		kind:     kind,
		mimeType: strings.ToLower(mimeType),
		ssrc:     ssrc,
		levelExt: levelExt,
	}
}

func (t *inboundTracks) unregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tracks, id)
}

// record accounts one packet of size bytes on track id.
func (t *inboundTracks) record(id string, pkt *rtp.Packet, size int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.tracks[id]
	if !ok {
		return
	}
	tr.bytes += uint64(size)
	tr.packets++

	switch tr.kind {
	case webrtc.RTPCodecTypeAudio:
		if tr.levelExt == 0 {
			return
		}
		if level, ok := audioLevel(pkt, tr.levelExt); ok {
			tr.level = level
		}
	case webrtc.RTPCodecTypeVideo:
		if isKeyframe(tr.mimeType, pkt.Payload) {
			tr.awaitingKeyframe = false
			tr.lastKeyframe = t.now()
		}
	}
}

type inboundTotals struct {
	bytes      uint64
	packets    uint64
	audioBytes uint64
	audioLevel float64
	hasAudio   bool
}

func (t *inboundTracks) totals() inboundTotals {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out inboundTotals
	for _, tr := range t.tracks {
		out.bytes += tr.bytes
		out.packets += tr.packets
		if tr.kind == webrtc.RTPCodecTypeAudio {
			out.hasAudio = true
			out.audioBytes += tr.bytes
			if tr.level > out.audioLevel {
				out.audioLevel = tr.level
			}
		}
	}
	return out
}

// requestKeyframes returns the SSRCs of video tracks that are not already
// waiting for a keyframe and marks them as waiting.
func (t *inboundTracks) requestKeyframes() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ssrcs []uint32
	for _, tr := range t.tracks {
		if tr.kind != webrtc.RTPCodecTypeVideo || tr.awaitingKeyframe {
			continue
		}
		tr.awaitingKeyframe = true
		ssrcs = append(ssrcs, tr.ssrc)
	}
	return ssrcs
}

// audioLevel parses the ssrc-audio-level header extension and returns a
// linear level in [0, 1].
func audioLevel(pkt *rtp.Packet, extID uint8) (float64, bool) {
	raw := pkt.GetExtension(extID)
	if raw == nil {
		return 0, false
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return 0, false
	}
	// Level is -dBov, 127 means silence.
	if ext.Level >= 127 {
		return 0, true
	}
	return math.Pow(10, -float64(ext.Level)/20), true
}

// isKeyframe reports whether an RTP payload starts a keyframe.
func isKeyframe(mimeType string, payload []byte) bool {
	switch {
	case strings.HasSuffix(mimeType, "/vp8"):
		return isVP8Keyframe(payload)
	case strings.HasSuffix(mimeType, "/h264"):
		return isH264Keyframe(payload)
	}
	return false
}

func isVP8Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	desc := payload[0]
	start := desc&0x10 != 0
	partition := desc & 0x07
	if !start || partition != 0 {
		return false
	}

	i := 1
	if desc&0x80 != 0 {
		if len(payload) < 2 {
			return false
		}
		ext := payload[1]
		i = 2
		if ext&0x80 != 0 { // picture id
			if len(payload) <= i {
				return false
			}
			if payload[i]&0x80 != 0 {
				i += 2
			} else {
				i++
			}
		}
		if ext&0x40 != 0 { // tl0picidx
			i++
		}
		if ext&0x20 != 0 || ext&0x10 != 0 { // tid / keyidx
			i++
		}
	}
	if len(payload) <= i {
		return false
	}
	// P bit of the VP8 payload header is zero for keyframes.
	return payload[i]&0x01 == 0
}

func isH264Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	nal := payload[0] & 0x1F
	switch nal {
	case 5, 7:
		return true
	case 24: // STAP-A
		for i := 1; i+2 < len(payload); {
			size := int(payload[i])<<8 | int(payload[i+1])
			i += 2
			if i >= len(payload) {
				break
			}
			if t := payload[i] & 0x1F; t == 5 || t == 7 {
				return true
			}
			i += size
		}
	case 28: // FU-A
		if len(payload) < 2 {
			return false
		}
		startBit := payload[1]&0x80 != 0
		return startBit && payload[1]&0x1F == 5
	}
	return false
}
