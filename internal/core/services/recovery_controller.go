package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
)

// RecoveryConfig bounds one recovery episode.
type RecoveryConfig struct {
	RetryInterval     time.Duration
	Grace             time.Duration
	MaxAttempts       int
	DisconnectedGrace time.Duration
	GroupGrace        time.Duration
}

func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		RetryInterval:     4 * time.Second,
		Grace:             180 * time.Second,
		MaxAttempts:       10,
		DisconnectedGrace: 3 * time.Second,
		GroupGrace:        45 * time.Second,
	}
}

// RecoveryTarget is the engine-owned side of a recovery episode.
type RecoveryTarget interface {
	// Recovered reports whether the link is connected again.
	Recovered() bool
	// Renegotiate sends one ICE-restart offer.
	Renegotiate(ctx context.Context, attempt int) error
	// Reconnecting is called once when an episode starts.
	Reconnecting()
	// GiveUp terminates the call after the episode is exhausted.
	GiveUp(attempts int)
}

// RecoveryController drives bounded ICE-restart renegotiation for a 1:1
// call. Only the initiator sends offers; the responder waits for them and
// still enforces the grace period.
type RecoveryController struct {
	cfg       RecoveryConfig
	initiator bool
	target    RecoveryTarget
	metrics   ports.CallMetrics
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu     sync.Mutex
	state  domain.RecoveryState
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRecoveryController(
	cfg RecoveryConfig,
	initiator bool,
	target RecoveryTarget,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *RecoveryController {
	return &RecoveryController{
		cfg:       cfg,
		initiator: initiator,
		target:    target,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Activate starts an episode unless one is already running.
func (r *RecoveryController) Activate(parent context.Context) bool {
	r.mu.Lock()
	if r.state.Active {
		r.mu.Unlock()
		return false
	}
	r.state = domain.RecoveryState{Active: true, StartedAt: r.now()}
	r.ctx, r.cancel = context.WithCancel(parent)
	r.done = make(chan struct{})
	ctx, done := r.ctx, r.done
	r.mu.Unlock()

	r.logger.Infow("Connection recovery started", "initiator", r.initiator)
	r.target.Reconnecting()
	go r.loop(ctx, done)
	return true
}

func (r *RecoveryController) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.tick(ctx) {
				return
			}
		}
	}
}

// tick runs one retry step and reports whether the episode continues. Target
// callbacks run without r.mu held.
func (r *RecoveryController) tick(ctx context.Context) bool {
	r.mu.Lock()
	active := r.state.Active
	r.mu.Unlock()
	if !active {
		return false
	}

	recovered := r.target.Recovered()

	r.mu.Lock()
	if !r.state.Active {
		r.mu.Unlock()
		return false
	}
	if recovered {
		attempts := r.state.Attempts
		r.finishLocked()
		r.mu.Unlock()
		r.logger.Infow("Connection recovered", "attempts", attempts)
		r.record("recovered", attempts)
		return false
	}

	elapsed := r.now().Sub(r.state.StartedAt)
	exhausted := elapsed > r.cfg.Grace ||
		(r.initiator && r.state.Attempts >= r.cfg.MaxAttempts && !r.state.InFlight)
	if exhausted {
		attempts := r.state.Attempts
		r.finishLocked()
		r.mu.Unlock()
		r.logger.Warnw("Connection recovery exhausted", "attempts", attempts, "elapsed", elapsed)
		r.record("exhausted", attempts)
		r.target.GiveUp(attempts)
		return false
	}

	if !r.initiator || r.state.InFlight {
		r.mu.Unlock()
		return true
	}

	r.state.Attempts++
	r.state.InFlight = true
	attempt := r.state.Attempts
	r.mu.Unlock()

	go func() {
		err := r.target.Renegotiate(ctx, attempt)
		r.mu.Lock()
		r.state.InFlight = false
		r.mu.Unlock()
		if err != nil {
			r.logger.Warnw("Recovery renegotiation failed", "attempt", attempt, "error", err)
		}
	}()
	return true
}

func (r *RecoveryController) finishLocked() {
	r.state.Active = false
	r.state.InFlight = false
	if r.cancel != nil {
		r.cancel()
	}
}

// Clear ends the episode because the link reconnected.
func (r *RecoveryController) Clear() {
	r.mu.Lock()
	if !r.state.Active {
		r.mu.Unlock()
		return
	}
	attempts := r.state.Attempts
	r.finishLocked()
	r.mu.Unlock()
	r.record("recovered", attempts)
}

// Stop ends any episode without recording an outcome and waits for the
// retry loop to exit.
func (r *RecoveryController) Stop() {
	r.mu.Lock()
	r.finishLocked()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// State returns a copy of the current recovery state.
func (r *RecoveryController) State() domain.RecoveryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *RecoveryController) record(outcome string, attempts int) {
	if r.metrics != nil {
		r.metrics.RecoveryEpisode(outcome, attempts)
	}
}
