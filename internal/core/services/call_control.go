package services

import (
	"context"
	"fmt"
	"time"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
	apperrors "xipher/pkg/errors"
	"xipher/pkg/tracing"
	"xipher/pkg/utils"
	"xipher/pkg/validation"
)

var _ ports.CallControl = (*CallEngine)(nil)

// StartCall places a 1:1 call. It fails fast when the signaling transport is
// not connected and leaves no session behind on any error.
func (e *CallEngine) StartCall(ctx context.Context, peer domain.UserID, kind domain.CallKind) (*domain.CallSession, error) {
	if err := validation.ValidateUserID(string(peer)); err != nil {
		return nil, err
	}
	if peer == e.cfg.SelfID {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "cannot call yourself")
	}
	if kind == "" {
		kind = domain.CallAudio
	}
	if err := validation.ValidateCallKind(string(kind)); err != nil {
		return nil, err
	}
	if !e.transport.Ready() {
		return nil, domain.ErrTransportUnavailable
	}

	e.mu.Lock()
	if e.session != nil {
		e.mu.Unlock()
		return nil, domain.ErrCallInProgress
	}
	s := e.newSessionLocked(domain.CallID(utils.NewCallID()), domain.RoleInitiator, kind, peer)
	e.setStateLocked(s, domain.StateOutgoingRinging)
	e.mu.Unlock()

	ctx, span := tracing.TraceCallOperation(ctx, "start", string(s.id))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.CounterpartKey.String(string(peer)), tracing.CallKindKey.String(string(kind)))

	e.metrics.CallStarted(kind, domain.RoleInitiator, false)
	e.logger.Infow("Starting call", "call_id", s.id, "peer", peer, "kind", kind)

	snap, err := e.placeCall(ctx, s, peer, kind)
	if err != nil {
		tracing.RecordError(ctx, err)
		e.terminate(s, domain.ReasonError, false)
		return nil, err
	}
	return snap, nil
}

func (e *CallEngine) placeCall(ctx context.Context, s *callSession, peer domain.UserID, kind domain.CallKind) (*domain.CallSession, error) {
	media := e.acquireMedia(ctx, s, kind)
	servers := e.iceServers(ctx)

	link, err := e.newLink(ctx, s.id, peer, kind, servers, media)
	if err != nil {
		stopMedia(media)
		return nil, err
	}

	e.mu.Lock()
	if !e.currentLocked(s) {
		e.mu.Unlock()
		_ = link.Close()
		stopMedia(media)
		return nil, domain.ErrNoCall
	}
	e.attachLinkLocked(s, link, media, servers)

	offer, err := link.CreateOffer(s.ctx, false)
	if err == nil {
		err = link.SetLocalDescription(s.ctx, offer)
	}
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	s.ringTimer = time.AfterFunc(e.cfg.RingTimeout, func() { e.onRingTimeout(s) })
	snap := e.snapshotLocked(s)
	e.mu.Unlock()

	raw, err := e.codec.EncodeDescription(offer)
	if err != nil {
		return nil, err
	}
	err = e.send(ctx, &domain.Message{
		Type:     domain.MsgOffer,
		Target:   peer,
		CallID:   s.id,
		CallType: kind,
		Offer:    raw,
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// attachLinkLocked installs the 1:1 link with its media, watchdog owner and
// recovery controller.
func (e *CallEngine) attachLinkLocked(s *callSession, link ports.PeerLink, media ports.LocalMedia, servers []domain.ICEServer) {
	s.link = link
	s.media = media
	s.iceServers = servers
	if media != nil {
		s.localMedia = media.State()
	}
	s.recovery = NewRecoveryController(
		e.cfg.Recovery,
		s.role == domain.RoleInitiator,
		&sessionRecovery{e: e, s: s},
		e.metrics,
		e.logger.With("call_id", s.id),
	)
	e.bindLink(s, s.counterpart, link)
}

// Accept answers the ringing incoming call.
func (e *CallEngine) Accept(ctx context.Context) error {
	e.mu.Lock()
	s := e.session
	if s == nil || s.state != domain.StateIncomingRinging {
		e.mu.Unlock()
		return domain.ErrNoCall
	}
	stopTimer(s.ringTimer)
	s.ringTimer = nil
	e.setStateLocked(s, domain.StateNegotiating)
	kind := s.kind
	e.mu.Unlock()

	ctx, span := tracing.TraceCallOperation(ctx, "accept", string(s.id))
	defer span.End()

	var err error
	if s.group {
		err = e.acceptGroup(ctx, s, kind)
	} else {
		err = e.acceptDirect(ctx, s, kind)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (e *CallEngine) acceptDirect(ctx context.Context, s *callSession, kind domain.CallKind) error {
	media := e.acquireMedia(ctx, s, kind)
	servers := e.iceServers(ctx)

	link, err := e.newLink(ctx, s.id, s.counterpart, kind, servers, media)
	if err != nil {
		stopMedia(media)
		e.terminate(s, domain.ReasonError, true)
		return err
	}

	e.mu.Lock()
	if !e.currentLocked(s) {
		e.mu.Unlock()
		_ = link.Close()
		stopMedia(media)
		return domain.ErrNoCall
	}
	e.attachLinkLocked(s, link, media, servers)
	offer := s.pendingOffer
	s.pendingOffer = nil
	if offer == nil {
		e.mu.Unlock()
		e.terminate(s, domain.ReasonError, true)
		return fmt.Errorf("accept without offer: %w", domain.ErrInvalidNegotiation)
	}
	answer, err := e.applyOfferLocked(s.ctx, link, offer)
	peer, callID := s.counterpart, s.id
	e.mu.Unlock()

	if err != nil {
		e.terminate(s, domain.ReasonError, true)
		return err
	}
	e.buffer.Drain(string(peer), link)

	raw, err := e.codec.EncodeDescription(answer)
	if err == nil {
		err = e.send(ctx, &domain.Message{
			Type:     domain.MsgAnswer,
			Target:   peer,
			CallID:   callID,
			CallType: kind,
			Answer:   raw,
		})
	}
	if err != nil {
		e.terminate(s, domain.ReasonError, false)
		return err
	}
	e.directoryUpsert(callID, e.cfg.SelfID, domain.LinkConnecting)
	return nil
}

// Reject declines the ringing incoming call.
func (e *CallEngine) Reject(ctx context.Context) error {
	e.mu.Lock()
	s := e.session
	if s == nil || s.state != domain.StateIncomingRinging {
		e.mu.Unlock()
		return domain.ErrNoCall
	}
	t := e.detachLocked(s, domain.ReasonRejected, true)
	e.mu.Unlock()
	e.finish(t)
	return nil
}

// Cancel withdraws an outgoing call that has not been answered.
func (e *CallEngine) Cancel(ctx context.Context) error {
	e.mu.Lock()
	s := e.session
	if s == nil || s.state != domain.StateOutgoingRinging {
		e.mu.Unlock()
		return domain.ErrNoCall
	}
	t := e.detachLocked(s, domain.ReasonCancelled, true)
	e.mu.Unlock()
	e.finish(t)
	return nil
}

// End hangs up the current call in any state.
func (e *CallEngine) End(ctx context.Context) error {
	e.mu.Lock()
	s := e.session
	if s == nil {
		e.mu.Unlock()
		return domain.ErrNoCall
	}
	t := e.detachLocked(s, domain.ReasonHangup, true)
	e.mu.Unlock()
	e.finish(t)
	return nil
}

func (e *CallEngine) ToggleMicrophone(ctx context.Context, enabled bool) error {
	return e.updateMedia(ctx, func(m ports.LocalMedia) error {
		m.SetAudioEnabled(enabled)
		return nil
	})
}

func (e *CallEngine) ToggleCamera(ctx context.Context, enabled bool) error {
	return e.updateMedia(ctx, func(m ports.LocalMedia) error {
		if enabled && m.Kind() != domain.CallVideo {
			return apperrors.New(apperrors.ErrCodeInvalidInput, "camera is not available in an audio call")
		}
		m.SetVideoEnabled(enabled)
		return nil
	})
}

func (e *CallEngine) ToggleScreenShare(ctx context.Context, enabled bool) error {
	return e.updateMedia(ctx, func(m ports.LocalMedia) error {
		return m.SetScreenShare(ctx, enabled)
	})
}

// updateMedia applies a local media change and tells every remote party.
func (e *CallEngine) updateMedia(ctx context.Context, apply func(ports.LocalMedia) error) error {
	e.mu.Lock()
	s := e.session
	if s == nil {
		e.mu.Unlock()
		return domain.ErrNoCall
	}
	media := s.media
	e.mu.Unlock()

	if media == nil {
		return domain.ErrMediaUnavailable
	}
	if err := apply(media); err != nil {
		return err
	}
	state := media.State()

	e.mu.Lock()
	if !e.currentLocked(s) {
		e.mu.Unlock()
		return domain.ErrNoCall
	}
	s.localMedia = state
	targets := e.remotePartiesLocked(s)
	callID, groupID := s.id, s.groupID
	e.mu.Unlock()

	for _, target := range targets {
		err := e.send(ctx, &domain.Message{
			Type:    domain.MsgMediaState,
			Target:  target,
			CallID:  callID,
			GroupID: groupID,
			Media:   &state,
		})
		if err != nil {
			e.logger.Warnw("Failed to send media state", "call_id", callID, "peer", target, "error", err)
		}
	}
	return nil
}

// SetOutputMuted mutes or unmutes remote audio playback.
func (e *CallEngine) SetOutputMuted(ctx context.Context, muted bool) error {
	e.mu.Lock()
	s := e.session
	if s == nil {
		e.mu.Unlock()
		return domain.ErrNoCall
	}
	s.outputMuted = muted
	e.mu.Unlock()

	if e.output != nil {
		e.output.SetMuted(muted)
	}
	return nil
}

// remotePartiesLocked lists who receives call-wide notices.
func (e *CallEngine) remotePartiesLocked(s *callSession) []domain.UserID {
	if !s.group {
		return []domain.UserID{s.counterpart}
	}
	return s.memberListLocked()
}

func stopMedia(m ports.LocalMedia) {
	if m != nil {
		m.Stop()
	}
}
