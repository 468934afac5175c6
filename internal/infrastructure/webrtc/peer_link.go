package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
)

// PacketSink receives inbound RTP of every remote track, for playback.
type PacketSink interface {
	WriteRTP(peer domain.UserID, kind webrtc.RTPCodecType, payload []byte) error
}

// PeerLink adapts a pion PeerConnection to ports.PeerLink.
type PeerLink struct {
	label   string
	peer    domain.UserID
	pc      *webrtc.PeerConnection
	sink    PacketSink
	inbound *inboundTracks
	logger  *zap.SugaredLogger

	mu          sync.Mutex
	onCandidate func(*domain.Candidate)
	onState     func(domain.LinkState)
	closed      bool

	readers sync.WaitGroup
}

var _ ports.PeerLink = (*PeerLink)(nil)

func newPeerLink(label string, peer domain.UserID, pc *webrtc.PeerConnection, sink PacketSink, logger *zap.SugaredLogger) *PeerLink {
	l := &PeerLink{
		label:   label,
		peer:    peer,
		pc:      pc,
		sink:    sink,
		inbound: newInboundTracks(),
		logger:  logger.With("link", label),
	}

	pc.OnICECandidate(l.handleCandidate)
	pc.OnConnectionStateChange(l.handleConnectionState)
	pc.OnTrack(l.handleTrack)
	return l
}

func (l *PeerLink) CreateOffer(ctx context.Context, iceRestart bool) (*domain.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	return fromPion(offer), nil
}

func (l *PeerLink) CreateAnswer(ctx context.Context) (*domain.SessionDescription, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	return fromPion(answer), nil
}

func (l *PeerLink) SetLocalDescription(ctx context.Context, desc *domain.SessionDescription) error {
	if err := l.pc.SetLocalDescription(toPion(desc)); err != nil {
		return fmt.Errorf("set local %s: %w", desc.Type, err)
	}
	return nil
}

func (l *PeerLink) SetRemoteDescription(ctx context.Context, desc *domain.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(toPion(desc)); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	return nil
}

// Rollback discards a pending local offer.
func (l *PeerLink) Rollback(ctx context.Context) error {
	if l.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return domain.ErrInvalidNegotiation
	}
	rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
	// pion parses the SDP of every local description, rollback included.
	if pending := l.pc.PendingLocalDescription(); pending != nil {
		rollback.SDP = pending.SDP
	}
	if err := l.pc.SetLocalDescription(rollback); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (l *PeerLink) AddICECandidate(c domain.Candidate) error {
	if l.pc.RemoteDescription() == nil {
		return domain.ErrInvalidNegotiation
	}
	if c.EndOfCandidates() {
		return nil
	}
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (l *PeerLink) HasRemoteDescription() bool {
	return l.pc.RemoteDescription() != nil
}

func (l *PeerLink) NegotiationState() domain.NegotiationState {
	return negotiationState(l.pc.SignalingState())
}

func (l *PeerLink) ConnectionState() domain.LinkState {
	return linkState(l.pc.ConnectionState())
}

// Stats combines the link's own inbound counters with the loss and jitter
// pion reports for inbound RTP streams.
func (l *PeerLink) Stats(ctx context.Context) (domain.LinkStats, error) {
	totals := l.inbound.totals()
	st := domain.LinkStats{
		Timestamp:       time.Now(),
		State:           l.ConnectionState(),
		BytesReceived:   totals.bytes,
		PacketsReceived: totals.packets,
		AudioBytes:      totals.audioBytes,
		AudioLevel:      totals.audioLevel,
		HasInboundAudio: totals.hasAudio,
	}

	report := l.pc.GetStats()
	candidates := make(map[string]webrtc.ICECandidateStats)
	var pair *webrtc.ICECandidatePairStats
	for _, s := range report {
		switch v := s.(type) {
		case webrtc.InboundRTPStreamStats:
			st.PacketsLost += int64(v.PacketsLost)
			if j := time.Duration(v.Jitter * float64(time.Second)); j > st.Jitter {
				st.Jitter = j
			}
		case webrtc.ICECandidateStats:
			candidates[v.ID] = v
		case webrtc.ICECandidatePairStats:
			if v.Nominated && v.State == webrtc.StatsICECandidatePairStateSucceeded {
				p := v
				pair = &p
			}
		}
	}
	if pair != nil {
		if local, ok := candidates[pair.LocalCandidateID]; ok {
			st.CandidatePairType = local.CandidateType.String()
		}
	}
	return st, nil
}

// RequestKeyframe sends a PLI for every inbound video track.
func (l *PeerLink) RequestKeyframe() error {
	ssrcs := l.inbound.requestKeyframes()
	if len(ssrcs) == 0 {
		return nil
	}
	pkts := make([]rtcp.Packet, 0, len(ssrcs))
	for _, ssrc := range ssrcs {
		pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: ssrc})
	}
	return l.pc.WriteRTCP(pkts)
}

func (l *PeerLink) OnLocalCandidate(fn func(c *domain.Candidate)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCandidate = fn
}

func (l *PeerLink) OnConnectionStateChange(fn func(state domain.LinkState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onState = fn
}

// Close closes the peer connection and waits for the track readers.
func (l *PeerLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.onCandidate = nil
	l.onState = nil
	l.mu.Unlock()

	err := l.pc.Close()
	l.readers.Wait()
	return err
}

func (l *PeerLink) handleCandidate(c *webrtc.ICECandidate) {
	l.mu.Lock()
	fn := l.onCandidate
	l.mu.Unlock()
	if fn == nil {
		return
	}
	if c == nil {
		fn(nil)
		return
	}
	init := c.ToJSON()
	fn(&domain.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	})
}

func (l *PeerLink) handleConnectionState(state webrtc.PeerConnectionState) {
	l.logger.Infow("Peer connection state changed", "connection_state", state.String())

	l.mu.Lock()
	fn := l.onState
	l.mu.Unlock()
	if fn != nil {
		fn(linkState(state))
	}
}

func (l *PeerLink) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	var levelExt uint8
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		for _, ext := range receiver.GetParameters().HeaderExtensions {
			if ext.URI == sdp.AudioLevelURI {
				levelExt = uint8(ext.ID)
			}
		}
	}
	id := track.ID()
	l.inbound.register(id, track.Kind(), track.Codec().MimeType, uint32(track.SSRC()), levelExt)

	l.logger.Infow("Remote track started",
		"track_id", id,
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
	)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.readers.Add(2)
	l.mu.Unlock()

	go l.readTrack(id, track)
	go l.drainRTCP(receiver)
}

func (l *PeerLink) readTrack(id string, track *webrtc.TrackRemote) {
	defer l.readers.Done()
	defer l.inbound.unregister(id)

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			l.logger.Debugw("Remote track ended", "track_id", id, "error", err)
			return
		}
		l.inbound.record(id, pkt, pkt.MarshalSize())
		if l.sink != nil {
			if err := l.sink.WriteRTP(l.peer, track.Kind(), pkt.Payload); err != nil {
				l.logger.Debugw("Packet sink rejected packet", "track_id", id, "error", err)
			}
		}
	}
}

// drainRTCP keeps the interceptors fed; reports are read through GetStats.
func (l *PeerLink) drainRTCP(receiver *webrtc.RTPReceiver) {
	defer l.readers.Done()
	buf := make([]byte, 1500)
	for {
		if _, _, err := receiver.Read(buf); err != nil {
			return
		}
	}
}

func toPion(desc *domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(desc.Type)),
		SDP:  desc.SDP,
	}
}

func fromPion(desc webrtc.SessionDescription) *domain.SessionDescription {
	return &domain.SessionDescription{
		Type: domain.SDPType(desc.Type.String()),
		SDP:  desc.SDP,
	}
}

func negotiationState(s webrtc.SignalingState) domain.NegotiationState {
	switch s {
	case webrtc.SignalingStateHaveLocalOffer:
		return domain.NegotiationOfferSent
	case webrtc.SignalingStateHaveRemoteOffer:
		return domain.NegotiationOfferReceived
	case webrtc.SignalingStateHaveLocalPranswer, webrtc.SignalingStateHaveRemotePranswer:
		return domain.NegotiationAnswered
	case webrtc.SignalingStateClosed:
		return domain.NegotiationClosed
	default:
		return domain.NegotiationStable
	}
}

func linkState(s webrtc.PeerConnectionState) domain.LinkState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.LinkConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.LinkClosed
	default:
		return domain.LinkNew
	}
}
