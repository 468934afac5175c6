package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
	"xipher/internal/infrastructure/codec"
	"xipher/pkg/retry"
)

const testSDP = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

// testLogger writes through t and goes quiet once the test's cleanups have
// run, so timers that fire after teardown do not log into a finished test.
func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	var (
		mu   sync.RWMutex
		done bool
	)
	t.Cleanup(func() {
		mu.Lock()
		done = true
		mu.Unlock()
	})
	sink := zapcore.AddSync(writerFunc(func(p []byte) (int, error) {
		mu.RLock()
		defer mu.RUnlock()
		if !done {
			t.Logf("%s", p)
		}
		return len(p), nil
	}))
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), sink, zapcore.DebugLevel)
	return zap.New(core).Sugar()
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// fakeLink is an in-memory PeerLink with a minimal offer/answer machine.
type fakeLink struct {
	mu          sync.Mutex
	label       string
	negotiation domain.NegotiationState
	state       domain.LinkState
	remote      *domain.SessionDescription
	local       *domain.SessionDescription
	applied     []domain.Candidate
	offers      int
	restarts    int
	rollbacks   int
	closed      bool
	stats       domain.LinkStats
	keyframes   int
	onCandidate func(*domain.Candidate)
	onState     func(domain.LinkState)
}

func newFakeLink(label string) *fakeLink {
	return &fakeLink{label: label, negotiation: domain.NegotiationStable, state: domain.LinkNew}
}

func (l *fakeLink) CreateOffer(ctx context.Context, iceRestart bool) (*domain.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offers++
	if iceRestart {
		l.restarts++
	}
	return &domain.SessionDescription{Type: domain.SDPOffer, SDP: testSDP}, nil
}

func (l *fakeLink) CreateAnswer(ctx context.Context) (*domain.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.negotiation != domain.NegotiationOfferReceived {
		return nil, fmt.Errorf("create answer in %s", l.negotiation)
	}
	return &domain.SessionDescription{Type: domain.SDPAnswer, SDP: testSDP}, nil
}

func (l *fakeLink) SetLocalDescription(ctx context.Context, desc *domain.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case desc.Type == domain.SDPOffer && l.negotiation == domain.NegotiationStable:
		l.negotiation = domain.NegotiationOfferSent
	case desc.Type == domain.SDPAnswer && l.negotiation == domain.NegotiationOfferReceived:
		l.negotiation = domain.NegotiationStable
	default:
		return fmt.Errorf("set local %s in %s", desc.Type, l.negotiation)
	}
	l.local = desc
	return nil
}

func (l *fakeLink) SetRemoteDescription(ctx context.Context, desc *domain.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case desc.Type == domain.SDPOffer && l.negotiation == domain.NegotiationStable:
		l.negotiation = domain.NegotiationOfferReceived
	case desc.Type == domain.SDPAnswer && l.negotiation == domain.NegotiationOfferSent:
		l.negotiation = domain.NegotiationStable
	default:
		return fmt.Errorf("set remote %s in %s", desc.Type, l.negotiation)
	}
	l.remote = desc
	return nil
}

func (l *fakeLink) Rollback(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.negotiation != domain.NegotiationOfferSent {
		return fmt.Errorf("rollback in %s", l.negotiation)
	}
	l.rollbacks++
	l.negotiation = domain.NegotiationStable
	return nil
}

func (l *fakeLink) AddICECandidate(c domain.Candidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remote == nil {
		return errors.New("no remote description")
	}
	l.applied = append(l.applied, c)
	return nil
}

func (l *fakeLink) HasRemoteDescription() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote != nil
}

func (l *fakeLink) NegotiationState() domain.NegotiationState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.negotiation
}

func (l *fakeLink) ConnectionState() domain.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) Stats(ctx context.Context) (domain.LinkStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stats
	st.State = l.state
	return st, nil
}

func (l *fakeLink) RequestKeyframe() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keyframes++
	return nil
}

func (l *fakeLink) OnLocalCandidate(fn func(c *domain.Candidate)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCandidate = fn
}

func (l *fakeLink) OnConnectionStateChange(fn func(state domain.LinkState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onState = fn
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.state = domain.LinkClosed
	l.negotiation = domain.NegotiationClosed
	return nil
}

// setState changes the connection state and fires the callback the way a
// peer connection would.
func (l *fakeLink) setState(state domain.LinkState) {
	l.mu.Lock()
	l.state = state
	fn := l.onState
	l.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (l *fakeLink) setStats(st domain.LinkStats) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats = st
}

func (l *fakeLink) appliedCandidates() []domain.Candidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Candidate(nil), l.applied...)
}

func (l *fakeLink) counts() (offers, restarts int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offers, l.restarts
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeLinkFactory struct {
	mu    sync.Mutex
	links []*fakeLink
	err   error
}

func (f *fakeLinkFactory) NewLink(ctx context.Context, opts ports.LinkOptions) (ports.PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	l := newFakeLink(opts.Label)
	f.links = append(f.links, l)
	return l, nil
}

func (f *fakeLinkFactory) all() []*fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeLink(nil), f.links...)
}

func (f *fakeLinkFactory) last() *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return nil
	}
	return f.links[len(f.links)-1]
}

type fakeTransport struct {
	mu    sync.Mutex
	ready bool
	sent  []domain.Message
	err   error
}

func (t *fakeTransport) Send(ctx context.Context, msg *domain.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, *msg)
	return nil
}

func (t *fakeTransport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

func (t *fakeTransport) setReady(ready bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ready = ready
}

func (t *fakeTransport) ofType(typ domain.MessageType) []domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.Message
	for _, m := range t.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeMedia struct {
	mu      sync.Mutex
	kind    domain.CallKind
	state   domain.MediaState
	stopped bool
}

func (m *fakeMedia) Kind() domain.CallKind       { return m.kind }
func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeMedia) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Audio = enabled
}

func (m *fakeMedia) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Video = enabled
}

func (m *fakeMedia) SetScreenShare(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Screen = enabled
	return nil
}

func (m *fakeMedia) State() domain.MediaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *fakeMedia) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *fakeMedia) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type fakeMediaSource struct {
	mu       sync.Mutex
	err      error
	calls    int
	acquired []*fakeMedia
}

func (s *fakeMediaSource) Acquire(ctx context.Context, kind domain.CallKind) (ports.LocalMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	m := &fakeMedia{kind: kind, state: domain.MediaState{Audio: true, Video: kind == domain.CallVideo}}
	s.acquired = append(s.acquired, m)
	return m, nil
}

// MockAudioOutput records self-healing calls.
type MockAudioOutput struct {
	mock.Mock
}

func (m *MockAudioOutput) Resume(ctx context.Context, peer domain.UserID) error {
	return m.Called(ctx, peer).Error(0)
}

func (m *MockAudioOutput) Replay(ctx context.Context, peer domain.UserID) error {
	return m.Called(ctx, peer).Error(0)
}

func (m *MockAudioOutput) Reattach(ctx context.Context, peer domain.UserID) error {
	return m.Called(ctx, peer).Error(0)
}

func (m *MockAudioOutput) SetMuted(muted bool) {
	m.Called(muted)
}

func (m *MockAudioOutput) Release(peer domain.UserID) {
	m.Called(peer)
}

// MockCallLog captures saved call records.
type MockCallLog struct {
	mock.Mock
}

func (m *MockCallLog) Save(ctx context.Context, rec *domain.CallRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockCallLog) Get(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallRecord), args.Error(1)
}

func (m *MockCallLog) Recent(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallRecord), args.Error(1)
}

// recordingMetrics counts the metric calls tests assert on.
type recordingMetrics struct {
	nopMetrics
	mu          sync.Mutex
	restarts    map[string]int
	episodes    map[string]int
	healSteps   []string
	decodeFails int
	discarded   int
	ended       []domain.EndReason
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{restarts: map[string]int{}, episodes: map[string]int{}}
}

func (m *recordingMetrics) ICERestart(trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts[trigger]++
}

func (m *recordingMetrics) restartCount(trigger string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts[trigger]
}

func (m *recordingMetrics) RecoveryEpisode(outcome string, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.episodes[outcome]++
}

func (m *recordingMetrics) SilenceHealStep(step string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healSteps = append(m.healSteps, step)
}

func (m *recordingMetrics) SignalingDecodeFailure(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decodeFails++
}

func (m *recordingMetrics) CandidatesDiscarded(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discarded += n
}

func (m *recordingMetrics) CallEnded(reason domain.EndReason, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = append(m.ended, reason)
}

func (m *recordingMetrics) endedReasons() []domain.EndReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.EndReason(nil), m.ended...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.CallEvent
}

func (r *eventRecorder) Notify(ctx context.Context, ev domain.CallEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) last(typ domain.EventType) (domain.CallEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return domain.CallEvent{}, false
}

func (r *eventRecorder) count(typ domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// engineHarness wires a CallEngine to fakes with short timings.
type engineHarness struct {
	engine    *CallEngine
	transport *fakeTransport
	links     *fakeLinkFactory
	media     *fakeMediaSource
	metrics   *recordingMetrics
	events    *eventRecorder
	codec     *codec.PayloadCodec
}

func testEngineConfig(self domain.UserID) EngineConfig {
	cfg := DefaultEngineConfig(self)
	cfg.RingTimeout = 200 * time.Millisecond
	cfg.IncomingRingTimeout = 300 * time.Millisecond
	cfg.DuplicateOfferWindow = 1500 * time.Millisecond
	cfg.CandidateSweep = time.Second
	cfg.TeardownTimeout = time.Second
	cfg.Health = HealthConfig{
		StatsInterval:      time.Hour,
		SilenceInterval:    time.Hour,
		SilenceThreshold:   time.Hour,
		StallSamples:       2,
		MaxSilenceRestarts: 2,
		LossWarnRatio:      0.05,
		JitterWarn:         50 * time.Millisecond,
	}
	cfg.Recovery = RecoveryConfig{
		RetryInterval:     20 * time.Millisecond,
		Grace:             400 * time.Millisecond,
		MaxAttempts:       10,
		DisconnectedGrace: 30 * time.Millisecond,
		GroupGrace:        100 * time.Millisecond,
	}
	cfg.Retry = retry.Config{
		Enabled:      true,
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
	return cfg
}

func newHarness(t *testing.T, self domain.UserID, tweak func(*EngineConfig, *Dependencies)) *engineHarness {
	t.Helper()
	logger := testLogger(t)
	h := &engineHarness{
		transport: &fakeTransport{ready: true},
		links:     &fakeLinkFactory{},
		media:     &fakeMediaSource{},
		metrics:   newRecordingMetrics(),
		events:    &eventRecorder{},
		codec:     codec.NewPayloadCodec(false, logger),
	}
	cfg := testEngineConfig(self)
	deps := Dependencies{
		Transport: h.transport,
		Links:     h.links,
		Codec:     h.codec,
		Media:     h.media,
		Notifier:  h.events,
		Metrics:   h.metrics,
		Logger:    logger,
	}
	if tweak != nil {
		tweak(&cfg, &deps)
	}
	h.engine = NewCallEngine(cfg, deps)
	h.engine.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.engine.Shutdown(ctx)
	})
	return h
}

func (h *engineHarness) offerMessage(t *testing.T, from domain.UserID, callID domain.CallID, reoffer bool) *domain.Message {
	t.Helper()
	raw, err := h.codec.EncodeDescription(&domain.SessionDescription{Type: domain.SDPOffer, SDP: testSDP, Reoffer: reoffer})
	if err != nil {
		t.Fatalf("encode offer: %v", err)
	}
	return &domain.Message{Type: domain.MsgOffer, From: from, CallID: callID, CallType: domain.CallAudio, Offer: raw}
}

func (h *engineHarness) answerMessage(t *testing.T, from domain.UserID, callID domain.CallID) *domain.Message {
	t.Helper()
	raw, err := h.codec.EncodeDescription(&domain.SessionDescription{Type: domain.SDPAnswer, SDP: testSDP})
	if err != nil {
		t.Fatalf("encode answer: %v", err)
	}
	return &domain.Message{Type: domain.MsgAnswer, From: from, CallID: callID, Answer: raw}
}

func (h *engineHarness) candidateMessage(t *testing.T, from domain.UserID, candidate string) *domain.Message {
	t.Helper()
	raw, err := h.codec.EncodeCandidate(&domain.Candidate{Candidate: candidate})
	if err != nil {
		t.Fatalf("encode candidate: %v", err)
	}
	return &domain.Message{Type: domain.MsgICECandidate, From: from, Candidate: raw}
}

func (h *engineHarness) state() domain.CallState {
	snap, ok := h.engine.Snapshot()
	if !ok {
		return domain.StateIdle
	}
	return snap.State
}
