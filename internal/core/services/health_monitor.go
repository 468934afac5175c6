package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
)

// HealthConfig holds watchdog intervals and thresholds.
type HealthConfig struct {
	StatsInterval      time.Duration
	SilenceInterval    time.Duration
	SilenceThreshold   time.Duration
	StallSamples       int
	MaxSilenceRestarts int
	LossWarnRatio      float64
	JitterWarn         time.Duration
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		StatsInterval:      3 * time.Second,
		SilenceInterval:    2 * time.Second,
		SilenceThreshold:   3 * time.Second,
		StallSamples:       2,
		MaxSilenceRestarts: 2,
		LossWarnRatio:      0.05,
		JitterWarn:         50 * time.Millisecond,
	}
}

// RestartFunc asks the owner of a link for an ICE restart. The owner decides
// whether the local side may renegotiate.
type RestartFunc func(trigger string)

// HealthMonitor runs the stats and audio-silence watchdogs of one link. It
// only reads link state; recovery goes through restart.
type HealthMonitor struct {
	cfg     HealthConfig
	peer    domain.UserID
	link    ports.PeerLink
	output  ports.AudioOutput
	restart RestartFunc
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu              sync.Mutex
	hasBaseline     bool
	last            domain.LinkStats
	stalls          int
	silenceBaseline bool
	lastAudioBytes  uint64
	lastAudioLevel  float64
	lastAudioChange time.Time
	silenceRestarts int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewHealthMonitor(
	cfg HealthConfig,
	peer domain.UserID,
	link ports.PeerLink,
	output ports.AudioOutput,
	restart RestartFunc,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *HealthMonitor {
	return &HealthMonitor{
		cfg:     cfg,
		peer:    peer,
		link:    link,
		output:  output,
		restart: restart,
		metrics: metrics,
		logger:  logger.With("peer", peer),
		now:     time.Now,
	}
}

// Start launches both watchdogs. Calling Start twice is a no-op.
func (m *HealthMonitor) Start(parent context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop terminates the watchdogs and waits for them to exit.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *HealthMonitor) run(ctx context.Context) {
	defer close(m.done)

	stats := time.NewTicker(m.cfg.StatsInterval)
	defer stats.Stop()
	silence := time.NewTicker(m.cfg.SilenceInterval)
	defer silence.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stats.C:
			m.checkStats(ctx)
		case <-silence.C:
			m.checkSilence(ctx)
		}
	}
}

// checkStats takes one stats sample and restarts ICE after StallSamples
// consecutive samples without inbound growth.
func (m *HealthMonitor) checkStats(ctx context.Context) {
	st, err := m.link.Stats(ctx)
	if err != nil {
		m.logger.Debugw("Stats sample failed", "error", err)
		return
	}

	m.mu.Lock()
	if st.State != domain.LinkConnected {
		m.hasBaseline = false
		m.stalls = 0
		m.mu.Unlock()
		return
	}
	if !m.hasBaseline {
		m.hasBaseline = true
		m.last = st
		m.mu.Unlock()
		return
	}

	if st.Progressed(m.last) {
		m.stalls = 0
	} else {
		m.stalls++
	}
	m.last = st

	trigger := false
	if m.stalls >= m.cfg.StallSamples {
		m.stalls = 0
		trigger = true
	}
	m.mu.Unlock()

	if loss := st.LossRatio(); loss > m.cfg.LossWarnRatio {
		m.logger.Infow("High packet loss", "loss_ratio", loss, "packets_lost", st.PacketsLost)
	}
	if st.Jitter > m.cfg.JitterWarn {
		m.logger.Infow("High jitter", "jitter", st.Jitter)
	}

	if trigger {
		m.logger.Warnw("Inbound media stalled, restarting ICE",
			"bytes_received", st.BytesReceived,
			"packets_received", st.PacketsReceived,
		)
		m.restart("stall")
	}
}

// checkSilence detects inbound audio that stopped while the link stays
// connected and walks the self-healing steps.
func (m *HealthMonitor) checkSilence(ctx context.Context) {
	st, err := m.link.Stats(ctx)
	if err != nil {
		return
	}
	now := m.now()

	m.mu.Lock()
	if st.State != domain.LinkConnected || !st.HasInboundAudio {
		m.silenceBaseline = false
		m.mu.Unlock()
		return
	}
	if !m.silenceBaseline || st.AudioBytes != m.lastAudioBytes || st.AudioLevel != m.lastAudioLevel {
		m.silenceBaseline = true
		m.lastAudioBytes = st.AudioBytes
		m.lastAudioLevel = st.AudioLevel
		m.lastAudioChange = now
		m.mu.Unlock()
		return
	}
	silentFor := now.Sub(m.lastAudioChange)
	if silentFor <= m.cfg.SilenceThreshold {
		m.mu.Unlock()
		return
	}
	m.lastAudioChange = now
	allowRestart := m.silenceRestarts < m.cfg.MaxSilenceRestarts
	if allowRestart {
		m.silenceRestarts++
	}
	m.mu.Unlock()

	m.logger.Warnw("Inbound audio silent, self-healing", "silent_for", silentFor)
	m.heal(ctx, allowRestart)
}

func (m *HealthMonitor) heal(ctx context.Context, allowRestart bool) {
	step := func(name string, fn func() error) {
		if m.metrics != nil {
			m.metrics.SilenceHealStep(name)
		}
		if err := fn(); err != nil {
			m.logger.Debugw("Self-healing step failed", "step", name, "error", err)
		}
	}

	if m.output != nil {
		step("resume_output", func() error { return m.output.Resume(ctx, m.peer) })
		step("replay", func() error {
			if err := m.link.RequestKeyframe(); err != nil {
				m.logger.Debugw("Keyframe request failed", "error", err)
			}
			return m.output.Replay(ctx, m.peer)
		})
		step("reattach", func() error { return m.output.Reattach(ctx, m.peer) })
	}
	if allowRestart {
		step("ice_restart", func() error {
			m.restart("silence")
			return nil
		})
	}
}

// Counters returns the current stall count and silence-triggered restarts.
func (m *HealthMonitor) Counters() (stalls, silenceRestarts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stalls, m.silenceRestarts
}
