package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
)

// Config describes which capture devices the node can feed.
type Config struct {
	StreamID      string
	Camera        bool
	ScreenCapture bool
}

// Source hands out sample tracks that the external capture graph writes into.
type Source struct {
	cfg    Config
	logger *zap.SugaredLogger
}

var _ ports.MediaSource = (*Source)(nil)

func NewSource(cfg Config, logger *zap.SugaredLogger) *Source {
	if cfg.StreamID == "" {
		cfg.StreamID = "xipher"
	}
	return &Source{cfg: cfg, logger: logger}
}

func (s *Source) Acquire(ctx context.Context, kind domain.CallKind) (ports.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if kind == domain.CallVideo && !s.cfg.Camera {
		return nil, domain.ErrMediaUnavailable
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", s.cfg.StreamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	lm := &LocalMedia{
		kind:          kind,
		audio:         audio,
		screenCapture: s.cfg.ScreenCapture,
		state:         domain.MediaState{Audio: true},
	}
	if kind == domain.CallVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", s.cfg.StreamID,
		)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		lm.video = video
		lm.state.Video = true
	}

	s.logger.Debugw("Local media acquired", "kind", kind, "stream_id", s.cfg.StreamID)
	return lm, nil
}

// LocalMedia is one call's outbound tracks. Samples written while a track is
// disabled are dropped.
type LocalMedia struct {
	kind          domain.CallKind
	audio         *webrtc.TrackLocalStaticSample
	video         *webrtc.TrackLocalStaticSample
	screenCapture bool

	mu      sync.Mutex
	state   domain.MediaState
	stopped bool
}

var _ ports.LocalMedia = (*LocalMedia)(nil)

func (m *LocalMedia) Kind() domain.CallKind { return m.kind }

func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	tracks := []webrtc.TrackLocal{m.audio}
	if m.video != nil {
		tracks = append(tracks, m.video)
	}
	return tracks
}

func (m *LocalMedia) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Audio = enabled
}

func (m *LocalMedia) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.video == nil {
		return
	}
	m.state.Video = enabled
}

// SetScreenShare switches the video track between camera and screen frames.
func (m *LocalMedia) SetScreenShare(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return domain.ErrMediaUnavailable
	}
	if enabled && (m.video == nil || !m.screenCapture) {
		return domain.ErrMediaUnavailable
	}
	m.state.Screen = enabled
	return nil
}

func (m *LocalMedia) State() domain.MediaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stop disables every track; later writes are dropped.
func (m *LocalMedia) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.state = domain.MediaState{}
}

// WriteAudio sends one encoded Opus sample.
func (m *LocalMedia) WriteAudio(sample pionmedia.Sample) error {
	m.mu.Lock()
	send := !m.stopped && m.state.Audio
	m.mu.Unlock()
	if !send {
		return nil
	}
	return m.audio.WriteSample(sample)
}

// WriteVideo sends one encoded VP8 frame. Camera frames are dropped while a
// screen share is active and screen frames are dropped otherwise.
func (m *LocalMedia) WriteVideo(sample pionmedia.Sample, screen bool) error {
	if m.video == nil {
		return domain.ErrMediaUnavailable
	}
	m.mu.Lock()
	send := !m.stopped && m.state.Video && m.state.Screen == screen
	m.mu.Unlock()
	if !send {
		return nil
	}
	return m.video.WriteSample(sample)
}
