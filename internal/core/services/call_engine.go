package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
	"xipher/pkg/circuitbreaker"
	xlog "xipher/pkg/logger"
	"xipher/pkg/retry"
)

// EngineConfig holds call timing and policy.
type EngineConfig struct {
	SelfID               domain.UserID
	RingTimeout          time.Duration
	IncomingRingTimeout  time.Duration
	DuplicateOfferWindow time.Duration
	CandidateTTL         time.Duration
	CandidateSweep       time.Duration
	MaxGroupSize         int
	TeardownTimeout      time.Duration
	Health               HealthConfig
	Recovery             RecoveryConfig
	Retry                retry.Config
}

func DefaultEngineConfig(self domain.UserID) EngineConfig {
	return EngineConfig{
		SelfID:               self,
		RingTimeout:          45 * time.Second,
		IncomingRingTimeout:  60 * time.Second,
		DuplicateOfferWindow: 1500 * time.Millisecond,
		CandidateTTL:         30 * time.Second,
		CandidateSweep:       10 * time.Second,
		MaxGroupSize:         8,
		TeardownTimeout:      5 * time.Second,
		Health:               DefaultHealthConfig(),
		Recovery:             DefaultRecoveryConfig(),
		Retry:                retry.DefaultConfig(),
	}
}

// Dependencies are the collaborators of a CallEngine. Transport, Links and
// Codec are required; the rest may be nil.
type Dependencies struct {
	Transport    ports.SignalingTransport
	Links        ports.PeerLinkFactory
	Codec        ports.PayloadCodec
	Media        ports.MediaSource
	Output       ports.AudioOutput
	ICE          ports.ICEServerProvider
	Relay        ports.RelayConnector
	RelayBreaker *circuitbreaker.CircuitBreaker
	Directory    ports.DirectoryRepository
	CallLog      ports.CallLogRepository
	Notifier     ports.Notifier
	Metrics      ports.CallMetrics
	Logger       *zap.SugaredLogger
}

// CallEngine owns at most one call session and drives it through its
// states. Every inbound signal, timer and link callback enters through an
// engine method that takes mu; network and device work runs with mu released
// and re-checks the session afterwards.
type CallEngine struct {
	cfg          EngineConfig
	transport    ports.SignalingTransport
	links        ports.PeerLinkFactory
	codec        ports.PayloadCodec
	media        ports.MediaSource
	output       ports.AudioOutput
	ice          ports.ICEServerProvider
	relay        ports.RelayConnector
	relayBreaker *circuitbreaker.CircuitBreaker
	directory    ports.DirectoryRepository
	callLog      ports.CallLogRepository
	notifier     ports.Notifier
	metrics      ports.CallMetrics
	logger       *zap.SugaredLogger
	buffer       *CandidateBuffer
	now          func() time.Time

	mu        sync.Mutex
	session   *callSession
	lastOffer offerStamp

	events    chan domain.CallEvent
	runCtx    context.Context
	runCancel context.CancelFunc
	startOnce sync.Once
	wg        sync.WaitGroup
}

type offerStamp struct {
	from domain.UserID
	at   time.Time
}

// callSession is the engine-private state of one call. All fields are
// guarded by CallEngine.mu.
type callSession struct {
	id          domain.CallID
	role        domain.CallRole
	kind        domain.CallKind
	group       bool
	groupID     domain.GroupID
	state       domain.CallState
	counterpart domain.UserID
	startedAt   time.Time
	connectedAt time.Time
	terminated  bool

	ctx    context.Context
	cancel context.CancelFunc

	media       ports.LocalMedia
	iceServers  []domain.ICEServer
	localMedia  domain.MediaState
	remoteMedia domain.MediaState
	outputMuted bool
	ringTimer   *time.Timer

	// 1:1
	link             ports.PeerLink
	pendingOffer     *domain.SessionDescription
	disconnectTimer  *time.Timer
	monitor          *HealthMonitor
	recovery         *RecoveryController
	recoveryAttempts int

	// group
	members   map[domain.UserID]struct{}
	peers     map[domain.UserID]*meshPeer
	relay      bool
	relayRoom  ports.RelayRoom
	relayLinks map[uint64]*relayLink
}

func NewCallEngine(cfg EngineConfig, deps Dependencies) *CallEngine {
	logger := deps.Logger
	if logger == nil {
		logger = xlog.Nop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	return &CallEngine{
		cfg:          cfg,
		transport:    deps.Transport,
		links:        deps.Links,
		codec:        deps.Codec,
		media:        deps.Media,
		output:       deps.Output,
		ice:          deps.ICE,
		relay:        deps.Relay,
		relayBreaker: deps.RelayBreaker,
		directory:    deps.Directory,
		callLog:      deps.CallLog,
		notifier:     notifier,
		metrics:      metrics,
		logger:       logger.With("self", cfg.SelfID),
		buffer:       NewCandidateBuffer(cfg.CandidateTTL, metrics, logger),
		now:          time.Now,
		events:       make(chan domain.CallEvent, 128),
		runCtx:       runCtx,
		runCancel:    runCancel,
	}
}

// Start launches the candidate sweeper and the event dispatcher.
func (e *CallEngine) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(2)
		go func() {
			defer e.wg.Done()
			e.buffer.Run(e.runCtx, e.cfg.CandidateSweep)
		}()
		go func() {
			defer e.wg.Done()
			e.dispatch(e.runCtx)
		}()
		e.logger.Infow("Call engine started")
	})
}

// Shutdown ends any call with reason shutdown and stops background work.
func (e *CallEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	t := e.detachLocked(e.session, domain.ReasonShutdown, true)
	e.mu.Unlock()
	e.finish(t)

	e.runCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Infow("Call engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("call engine shutdown: %w", ctx.Err())
	}
}

// Snapshot returns a copy of the current session.
func (e *CallEngine) Snapshot() (*domain.CallSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, false
	}
	return e.snapshotLocked(e.session), true
}

func (e *CallEngine) snapshotLocked(s *callSession) *domain.CallSession {
	snap := &domain.CallSession{
		ID:               s.id,
		Role:             s.role,
		Kind:             s.kind,
		Group:            s.group,
		GroupID:          s.groupID,
		State:            s.state,
		Counterpart:      s.counterpart,
		Relay:            s.relay,
		LocalMedia:       s.localMedia,
		RemoteMedia:      s.remoteMedia,
		OutputMuted:      s.outputMuted,
		StartedAt:        s.startedAt,
		ConnectedAt:      s.connectedAt,
		RecoveryAttempts: s.recoveryAttempts,
	}
	if s.group {
		snap.Participants = s.memberListLocked()
	}
	return snap
}

func (s *callSession) memberListLocked() []domain.UserID {
	out := make([]domain.UserID, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *CallEngine) newSessionLocked(id domain.CallID, role domain.CallRole, kind domain.CallKind, counterpart domain.UserID) *callSession {
	ctx, cancel := context.WithCancel(e.runCtx)
	s := &callSession{
		id:          id,
		role:        role,
		kind:        kind,
		state:       domain.StateIdle,
		counterpart: counterpart,
		startedAt:   e.now(),
		ctx:         ctx,
		cancel:      cancel,
		members:     make(map[domain.UserID]struct{}),
		peers:       make(map[domain.UserID]*meshPeer),
		relayLinks:  make(map[uint64]*relayLink),
	}
	e.session = s
	return s
}

func (e *CallEngine) currentLocked(s *callSession) bool {
	return s != nil && e.session == s && !s.terminated
}

func (e *CallEngine) setStateLocked(s *callSession, to domain.CallState) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	e.metrics.StateTransition(from, to)
	e.logger.Infow("Call state changed",
		"call_id", s.id,
		"from", from,
		"to", to,
	)
	e.emit(domain.CallEvent{
		Type:    domain.EventStateChanged,
		CallID:  s.id,
		Peer:    s.counterpart,
		State:   to,
		Kind:    s.kind,
		GroupID: s.groupID,
	})
}

// emit queues an event for the dispatcher without blocking.
func (e *CallEngine) emit(ev domain.CallEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	select {
	case e.events <- ev:
	default:
		e.logger.Warnw("Dropping call event, notifier backlog full", "type", ev.Type, "call_id", ev.CallID)
	}
}

func (e *CallEngine) dispatch(ctx context.Context) {
	for {
		select {
		case ev := <-e.events:
			e.notifier.Notify(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-e.events:
					e.notifier.Notify(context.Background(), ev)
				default:
					return
				}
			}
		}
	}
}

// send delivers msg with bounded retries while the transport is down.
func (e *CallEngine) send(ctx context.Context, msg *domain.Message) error {
	msg.From = e.cfg.SelfID
	err := retry.Retry(ctx, e.cfg.Retry, func() error {
		if !e.transport.Ready() {
			return domain.ErrTransportUnavailable
		}
		return e.transport.Send(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type, msg.Target, err)
	}
	return nil
}

// acquireMedia returns nil when no media could be captured; the call then
// continues receive-only.
func (e *CallEngine) acquireMedia(ctx context.Context, s *callSession, kind domain.CallKind) ports.LocalMedia {
	if e.media == nil {
		return nil
	}
	cfg := e.cfg.Retry
	cfg.NonRetryableErrors = append([]error{domain.ErrMediaDenied}, cfg.NonRetryableErrors...)

	media, err := retry.RetryWithResult(ctx, cfg, func() (ports.LocalMedia, error) {
		return e.media.Acquire(ctx, kind)
	})
	if err != nil {
		e.logger.Warnw("Local media unavailable, continuing receive-only",
			"call_id", s.id,
			"kind", kind,
			"error", err,
		)
		e.emit(domain.CallEvent{
			Type:   domain.EventMediaUnavailable,
			CallID: s.id,
			Kind:   kind,
			Detail: err.Error(),
		})
		return nil
	}
	return media
}

func (e *CallEngine) iceServers(ctx context.Context) []domain.ICEServer {
	if e.ice == nil {
		return nil
	}
	servers, err := retry.RetryWithResult(ctx, e.cfg.Retry, func() ([]domain.ICEServer, error) {
		return e.ice.ICEServers(ctx)
	})
	if err != nil {
		e.logger.Warnw("ICE server lookup failed, using host candidates only", "error", err)
		return nil
	}
	return servers
}

func (e *CallEngine) newLink(ctx context.Context, callID domain.CallID, peer domain.UserID, kind domain.CallKind, servers []domain.ICEServer, media ports.LocalMedia) (ports.PeerLink, error) {
	link, err := e.links.NewLink(ctx, ports.LinkOptions{
		Label:        fmt.Sprintf("%s/%s", callID, peer),
		Peer:         peer,
		ICEServers:   servers,
		Media:        media,
		ReceiveAudio: true,
		ReceiveVideo: kind == domain.CallVideo,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer link for %s: %w", peer, err)
	}
	return link, nil
}

// applyOfferLocked applies a remote offer to link and returns the answer to
// send. An offer-sent link is rolled back first; any other non-stable state
// rejects the offer. Answers to reoffers are trimmed to the audio shortlist.
func (e *CallEngine) applyOfferLocked(ctx context.Context, link ports.PeerLink, offer *domain.SessionDescription) (*domain.SessionDescription, error) {
	state := link.NegotiationState()
	if !state.AcceptsRemoteOffer() {
		return nil, fmt.Errorf("apply offer in %s: %w", state, domain.ErrInvalidNegotiation)
	}
	if state == domain.NegotiationOfferSent {
		if err := link.Rollback(ctx); err != nil {
			return nil, fmt.Errorf("rollback local offer: %w", err)
		}
	}
	if err := link.SetRemoteDescription(ctx, offer); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := link.CreateAnswer(ctx)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := link.SetLocalDescription(ctx, answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}

	wire := *answer
	if offer.Reoffer {
		wire.SDP = e.trimmed(answer.SDP)
	}
	return &wire, nil
}

// createRestartOfferLocked produces an ICE-restart offer, sets it locally and
// returns the trimmed wire copy marked as a reoffer.
func (e *CallEngine) createRestartOfferLocked(ctx context.Context, link ports.PeerLink) (*domain.SessionDescription, error) {
	if link.NegotiationState() == domain.NegotiationOfferSent {
		if err := link.Rollback(ctx); err != nil {
			return nil, fmt.Errorf("rollback stale offer: %w", err)
		}
	}
	if state := link.NegotiationState(); state != domain.NegotiationStable {
		return nil, fmt.Errorf("ice restart in %s: %w", state, domain.ErrInvalidNegotiation)
	}
	offer, err := link.CreateOffer(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("create restart offer: %w", err)
	}
	if err := link.SetLocalDescription(ctx, offer); err != nil {
		return nil, fmt.Errorf("set local restart offer: %w", err)
	}
	wire := *offer
	wire.Reoffer = true
	wire.SDP = e.trimmed(offer.SDP)
	return &wire, nil
}

func (e *CallEngine) trimmed(sdp string) string {
	out, err := e.codec.TrimAudio(sdp)
	if err != nil {
		e.logger.Debugw("Audio codec trim skipped", "error", err)
		return sdp
	}
	return out
}

func (e *CallEngine) directoryUpsert(callID domain.CallID, user domain.UserID, state domain.LinkState) {
	if e.directory == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.runCtx, e.cfg.TeardownTimeout)
	defer cancel()
	err := e.directory.UpsertParticipant(ctx, &domain.Participant{
		CallID:    callID,
		UserID:    user,
		LinkState: state,
		JoinedAt:  e.now(),
	})
	if err != nil {
		e.logger.Warnw("Failed to record participant", "call_id", callID, "peer", user, "error", err)
	}
}

func (e *CallEngine) directoryLinkState(callID domain.CallID, user domain.UserID, state domain.LinkState) {
	if e.directory == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.runCtx, e.cfg.TeardownTimeout)
	defer cancel()
	if err := e.directory.UpdateLinkState(ctx, callID, user, state); err != nil {
		e.logger.Debugw("Failed to update participant link state", "call_id", callID, "peer", user, "error", err)
	}
}

func (e *CallEngine) directoryRemove(callID domain.CallID, user domain.UserID) {
	if e.directory == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.runCtx, e.cfg.TeardownTimeout)
	defer cancel()
	if err := e.directory.RemoveParticipant(ctx, callID, user); err != nil {
		e.logger.Debugw("Failed to remove participant", "call_id", callID, "peer", user, "error", err)
	}
}

type nopMetrics struct{}

func (nopMetrics) CallStarted(domain.CallKind, domain.CallRole, bool) {}
func (nopMetrics) CallEnded(domain.EndReason, time.Duration)          {}
func (nopMetrics) StateTransition(domain.CallState, domain.CallState) {}
func (nopMetrics) ICERestart(string)                                  {}
func (nopMetrics) RecoveryEpisode(string, int)                        {}
func (nopMetrics) SilenceHealStep(string)                             {}
func (nopMetrics) SignalingDecodeFailure(string)                      {}
func (nopMetrics) CandidatesDiscarded(int)                            {}
func (nopMetrics) RelayRequest(string, time.Duration, error)          {}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, domain.CallEvent) {}
