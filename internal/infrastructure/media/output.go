package media

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
)

// Player renders decoded-side payloads for one peer. It is the boundary to
// the platform audio device.
type Player interface {
	Play(peer domain.UserID, payload []byte) error
	// Flush drops anything queued for the peer.
	Flush(peer domain.UserID)
}

type peerOutput struct {
	playing    bool
	generation int
	replays    int
	played     uint64
	dropped    uint64
	lastPacket time.Time
}

// OutputStats is a per-peer playback snapshot.
type OutputStats struct {
	Playing    bool
	Generation int
	Replays    int
	Played     uint64
	Dropped    uint64
	LastPacket time.Time
}

// Output routes inbound audio to the player and implements the silence
// self-healing steps.
type Output struct {
	player Player
	logger *zap.SugaredLogger
	now    func() time.Time

	mu    sync.Mutex
	muted bool
	peers map[domain.UserID]*peerOutput
}

var _ ports.AudioOutput = (*Output)(nil)

func NewOutput(player Player, logger *zap.SugaredLogger) *Output {
	return &Output{
		player: player,
		logger: logger,
		now:    time.Now,
		peers:  make(map[domain.UserID]*peerOutput),
	}
}

func (o *Output) peerLocked(peer domain.UserID) *peerOutput {
	p, ok := o.peers[peer]
	if !ok {
		p = &peerOutput{playing: true}
		o.peers[peer] = p
	}
	return p
}

// WriteRTP plays one inbound audio payload. Video is not rendered here.
func (o *Output) WriteRTP(peer domain.UserID, kind webrtc.RTPCodecType, payload []byte) error {
	if kind != webrtc.RTPCodecTypeAudio {
		return nil
	}

	o.mu.Lock()
	p := o.peerLocked(peer)
	p.lastPacket = o.now()
	if o.muted || !p.playing || o.player == nil {
		p.dropped++
		o.mu.Unlock()
		return nil
	}
	p.played++
	o.mu.Unlock()

	return o.player.Play(peer, payload)
}

// Suspend stops playback for a peer, as the platform does when the audio
// device is interrupted.
func (o *Output) Suspend(peer domain.UserID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.peerLocked(peer).playing = false
}

// Resume restarts playback for a peer whose output was suspended.
func (o *Output) Resume(ctx context.Context, peer domain.UserID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.peerLocked(peer)
	if !p.playing {
		o.logger.Infow("Resuming audio output", "peer", peer)
	}
	p.playing = true
	return nil
}

// Replay flushes queued audio so playback restarts from the next packet.
func (o *Output) Replay(ctx context.Context, peer domain.UserID) error {
	o.mu.Lock()
	p := o.peerLocked(peer)
	p.replays++
	p.playing = true
	o.mu.Unlock()

	if o.player != nil {
		o.player.Flush(peer)
	}
	return nil
}

// Reattach rebuilds the peer's playback state from scratch.
func (o *Output) Reattach(ctx context.Context, peer domain.UserID) error {
	o.mu.Lock()
	prev := o.peerLocked(peer)
	o.peers[peer] = &peerOutput{playing: true, generation: prev.generation + 1, replays: prev.replays}
	o.mu.Unlock()

	if o.player != nil {
		o.player.Flush(peer)
	}
	o.logger.Infow("Reattached audio output", "peer", peer)
	return nil
}

func (o *Output) SetMuted(muted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.muted = muted
}

func (o *Output) Release(peer domain.UserID) {
	o.mu.Lock()
	_, ok := o.peers[peer]
	delete(o.peers, peer)
	o.mu.Unlock()

	if ok && o.player != nil {
		o.player.Flush(peer)
	}
}

func (o *Output) Stats(peer domain.UserID) (OutputStats, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.peers[peer]
	if !ok {
		return OutputStats{}, false
	}
	return OutputStats{
		Playing:    p.playing,
		Generation: p.generation,
		Replays:    p.replays,
		Played:     p.played,
		Dropped:    p.dropped,
		LastPacket: p.lastPacket,
	}, true
}

// DiscardPlayer is used when the node has no audio device.
type DiscardPlayer struct{}

func (DiscardPlayer) Play(domain.UserID, []byte) error { return nil }
func (DiscardPlayer) Flush(domain.UserID)              {}
