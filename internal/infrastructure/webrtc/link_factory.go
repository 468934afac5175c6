package webrtc

import (
	"context"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
)

// Config holds transport settings shared by every link of a node.
type Config struct {
	PortMin    uint16
	PortMax    uint16
	NAT1To1IPs []string
}

// LinkFactory builds pion-backed peer links from one shared API.
type LinkFactory struct {
	api    *webrtc.API
	sink   PacketSink
	logger *zap.SugaredLogger
}

var _ ports.PeerLinkFactory = (*LinkFactory)(nil)

func NewLinkFactory(cfg Config, sink PacketSink, logger *zap.SugaredLogger) (*LinkFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}
	if len(cfg.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}

	return &LinkFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		sink:   sink,
		logger: logger,
	}, nil
}

// NewLink creates a peer connection, adds the local tracks and a
// receive-only transceiver for every requested kind with no local track.
func (f *LinkFactory) NewLink(ctx context.Context, opts ports.LinkOptions) (ports.PeerLink, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   iceServers(opts.ICEServers),
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	link := newPeerLink(opts.Label, opts.Peer, pc, f.sink, f.logger)

	sending := map[webrtc.RTPCodecType]bool{}
	if opts.Media != nil {
		for _, track := range opts.Media.Tracks() {
			sender, err := pc.AddTrack(track)
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
			sending[track.Kind()] = true
			go drainSender(sender)
		}
	}

	recvOnly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if opts.ReceiveAudio && !sending[webrtc.RTPCodecTypeAudio] {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvOnly); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	if opts.ReceiveVideo && !sending[webrtc.RTPCodecTypeVideo] {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvOnly); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add video transceiver: %w", err)
		}
	}

	f.logger.Debugw("Peer link created",
		"link", opts.Label,
		"ice_servers", len(opts.ICEServers),
		"sending_audio", sending[webrtc.RTPCodecTypeAudio],
		"sending_video", sending[webrtc.RTPCodecTypeVideo],
	)
	return link, nil
}

// drainSender reads RTCP addressed to a local track until the sender stops.
func drainSender(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func iceServers(servers []domain.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		entry := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			entry.Username = s.Username
			entry.Credential = s.Credential
			entry.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, entry)
	}
	return out
}
