package services

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
	"xipher/pkg/tracing"
	"xipher/pkg/utils"
)

var _ ports.SignalHandler = (*CallEngine)(nil)

// HandleOffer handles a 1:1 offer: a new incoming call, a replacement of a
// ringing offer, or a renegotiation of a live call.
func (e *CallEngine) HandleOffer(ctx context.Context, msg *domain.Message) {
	desc, err := e.codec.DecodeDescription(msg.Offer, domain.SDPOffer)
	if err != nil {
		e.metrics.SignalingDecodeFailure("offer")
		e.logger.Warnw("Dropping malformed offer", "peer", msg.From, "call_id", msg.CallID, "error", err)
		e.mu.Lock()
		idle := e.session == nil
		e.mu.Unlock()
		if idle {
			e.replyEnd(ctx, msg, domain.ReasonMalformed)
		}
		return
	}

	e.mu.Lock()
	now := e.now()
	if !desc.Reoffer && e.lastOffer.from == msg.From && now.Sub(e.lastOffer.at) < e.cfg.DuplicateOfferWindow {
		e.mu.Unlock()
		e.logger.Debugw("Suppressing duplicate offer", "peer", msg.From, "call_id", msg.CallID)
		return
	}

	s := e.session
	switch {
	case s == nil:
		e.lastOffer = offerStamp{from: msg.From, at: now}
		e.ringLocked(msg, desc)
		e.mu.Unlock()
		return
	case s.group || s.counterpart != msg.From:
		e.mu.Unlock()
		e.logger.Infow("Rejecting offer while busy", "peer", msg.From, "call_id", msg.CallID)
		e.replyEnd(ctx, msg, domain.ReasonBusy)
		return
	case s.state == domain.StateOutgoingRinging:
		e.mu.Unlock()
		e.logger.Infow("Ignoring offer crossing our own", "peer", msg.From, "call_id", s.id)
		return
	case s.state == domain.StateIncomingRinging || s.link == nil:
		e.lastOffer = offerStamp{from: msg.From, at: now}
		s.pendingOffer = desc
		e.mu.Unlock()
		e.logger.Debugw("Replaced pending offer", "peer", msg.From, "call_id", s.id)
		return
	}

	e.lastOffer = offerStamp{from: msg.From, at: now}
	answer, err := e.applyOfferLocked(s.ctx, s.link, desc)
	link, callID, kind := s.link, s.id, s.kind
	e.mu.Unlock()

	if err != nil {
		e.logger.Warnw("Renegotiation offer rejected", "peer", msg.From, "call_id", callID, "error", err)
		return
	}
	e.buffer.Drain(string(msg.From), link)
	e.sendAnswer(ctx, msg.From, callID, kind, answer)
}

// ringLocked creates the incoming session for a first offer.
func (e *CallEngine) ringLocked(msg *domain.Message, desc *domain.SessionDescription) {
	kind := msg.CallType
	if kind != domain.CallVideo {
		kind = domain.CallAudio
	}
	id := msg.CallID
	if id == "" {
		id = domain.CallID(utils.NewCallID())
	}

	s := e.newSessionLocked(id, domain.RoleResponder, kind, msg.From)
	s.pendingOffer = desc
	e.setStateLocked(s, domain.StateIncomingRinging)
	s.ringTimer = time.AfterFunc(e.cfg.IncomingRingTimeout, func() { e.onRingTimeout(s) })

	e.metrics.CallStarted(kind, domain.RoleResponder, false)
	e.emit(domain.CallEvent{
		Type:   domain.EventIncomingCall,
		CallID: id,
		Peer:   msg.From,
		State:  domain.StateIncomingRinging,
		Kind:   kind,
	})
	e.logger.Infow("Incoming call", "call_id", id, "peer", msg.From, "kind", kind)
}

func (e *CallEngine) sendAnswer(ctx context.Context, peer domain.UserID, callID domain.CallID, kind domain.CallKind, answer *domain.SessionDescription) {
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
		e.logger.Warnw("Failed to send answer", "peer", peer, "call_id", callID, "error", err)
	}
}

func (e *CallEngine) replyEnd(ctx context.Context, msg *domain.Message, reason domain.EndReason) {
	reply := &domain.Message{
		Type:    domain.MsgCallEnd,
		Target:  msg.From,
		CallID:  msg.CallID,
		GroupID: msg.GroupID,
		Reason:  reason,
	}
	if msg.GroupID != "" {
		reply.Type = domain.MsgGroupLeave
	}
	if err := e.send(ctx, reply); err != nil {
		e.logger.Warnw("Failed to reply end of call", "peer", msg.From, "reason", reason, "error", err)
	}
}

// HandleAnswer completes an offer we sent.
func (e *CallEngine) HandleAnswer(ctx context.Context, msg *domain.Message) {
	desc, err := e.codec.DecodeDescription(msg.Answer, domain.SDPAnswer)
	if err != nil {
		e.metrics.SignalingDecodeFailure("answer")
		e.logger.Warnw("Dropping malformed answer", "peer", msg.From, "error", err)
		return
	}

	e.mu.Lock()
	s := e.session
	if !e.matchesDirectLocked(s, msg) || s.link == nil {
		e.mu.Unlock()
		e.logger.Debugw("Ignoring answer without matching call", "peer", msg.From, "call_id", msg.CallID)
		return
	}
	link := s.link
	if state := link.NegotiationState(); state != domain.NegotiationOfferSent {
		e.mu.Unlock()
		e.logger.Debugw("Ignoring answer in unexpected negotiation state", "call_id", s.id, "state", state)
		return
	}
	if err := link.SetRemoteDescription(s.ctx, desc); err != nil {
		e.mu.Unlock()
		e.logger.Warnw("Failed to apply answer", "call_id", s.id, "error", err)
		return
	}
	answered := s.state == domain.StateOutgoingRinging
	if answered {
		stopTimer(s.ringTimer)
		s.ringTimer = nil
		e.setStateLocked(s, domain.StateActive)
	}
	callID := s.id
	e.mu.Unlock()

	e.buffer.Drain(string(msg.From), link)
	if answered {
		e.logger.Infow("Call answered", "call_id", callID, "peer", msg.From)
		e.directoryUpsert(callID, e.cfg.SelfID, domain.LinkConnecting)
	}
}

// matchesDirectLocked reports whether msg belongs to the current 1:1 call.
func (e *CallEngine) matchesDirectLocked(s *callSession, msg *domain.Message) bool {
	if !e.currentLocked(s) || s.group || s.counterpart != msg.From {
		return false
	}
	return msg.CallID == "" || msg.CallID == s.id
}

// HandleIceCandidate buffers a remote candidate and applies whatever the
// owning link can take. Candidates may arrive before their offer.
func (e *CallEngine) HandleIceCandidate(ctx context.Context, msg *domain.Message) {
	c, err := e.codec.DecodeCandidate(msg.Candidate)
	if err != nil {
		e.metrics.SignalingDecodeFailure("candidate")
		e.logger.Debugw("Dropping malformed candidate", "peer", msg.From, "error", err)
		return
	}

	var link ports.PeerLink
	e.mu.Lock()
	if s := e.session; e.currentLocked(s) && !s.group && s.counterpart == msg.From {
		link = s.link
	}
	e.mu.Unlock()

	key := string(msg.From)
	e.buffer.Add(key, *c)
	e.buffer.Drain(key, link)
}

// HandleCallEnd ends the 1:1 call the remote side hung up.
func (e *CallEngine) HandleCallEnd(ctx context.Context, msg *domain.Message) {
	e.mu.Lock()
	s := e.session
	if !e.matchesDirectLocked(s, msg) {
		e.mu.Unlock()
		if s == nil {
			e.buffer.Discard(string(msg.From))
		}
		return
	}
	reason := domain.ReasonRemoteEnded
	switch msg.Reason {
	case domain.ReasonBusy, domain.ReasonRejected, domain.ReasonMalformed, domain.ReasonCancelled, domain.ReasonTimeout:
		reason = msg.Reason
	}
	t := e.detachLocked(s, reason, false)
	e.mu.Unlock()

	e.logger.Infow("Remote ended call", "call_id", s.id, "peer", msg.From, "reason", msg.Reason)
	e.finish(t)
}

// HandleMediaState records the remote side's mute and camera state.
func (e *CallEngine) HandleMediaState(ctx context.Context, msg *domain.Message) {
	if msg.Media == nil {
		return
	}

	e.mu.Lock()
	s := e.session
	ok := false
	switch {
	case !e.currentLocked(s):
	case s.group:
		_, ok = s.members[msg.From]
		ok = ok && msg.GroupID == s.groupID
	default:
		ok = e.matchesDirectLocked(s, msg)
		if ok {
			s.remoteMedia = *msg.Media
		}
	}
	var callID domain.CallID
	var groupID domain.GroupID
	if ok {
		callID, groupID = s.id, s.groupID
	}
	e.mu.Unlock()

	if !ok {
		return
	}
	media := *msg.Media
	e.emit(domain.CallEvent{
		Type:    domain.EventRemoteMediaChanged,
		CallID:  callID,
		Peer:    msg.From,
		Media:   &media,
		GroupID: groupID,
	})
}

// bindLink routes a 1:1 link's callbacks into the engine.
func (e *CallEngine) bindLink(s *callSession, peer domain.UserID, link ports.PeerLink) {
	link.OnLocalCandidate(func(c *domain.Candidate) {
		e.sendLocalCandidate(s, peer, "", domain.MsgICECandidate, c)
	})
	link.OnConnectionStateChange(func(state domain.LinkState) {
		e.onLinkState(s, link, state)
	})
}

func (e *CallEngine) sendLocalCandidate(s *callSession, peer domain.UserID, groupID domain.GroupID, typ domain.MessageType, c *domain.Candidate) {
	if c == nil {
		return
	}
	e.mu.Lock()
	live := e.currentLocked(s)
	callID := s.id
	e.mu.Unlock()
	if !live {
		return
	}

	raw, err := e.codec.EncodeCandidate(c)
	if err == nil {
		err = e.send(s.ctx, &domain.Message{
			Type:      typ,
			Target:    peer,
			CallID:    callID,
			GroupID:   groupID,
			Candidate: raw,
		})
	}
	if err != nil {
		e.logger.Debugw("Failed to send local candidate", "call_id", callID, "peer", peer, "error", err)
	}
}

// onLinkState drives active/recovering transitions of a 1:1 call.
func (e *CallEngine) onLinkState(s *callSession, link ports.PeerLink, state domain.LinkState) {
	e.mu.Lock()
	if !e.currentLocked(s) || s.link != link {
		e.mu.Unlock()
		return
	}

	var (
		monitor     *HealthMonitor
		recovered   bool
		activate    bool
		t           *teardown
		callID      = s.id
		recovery    = s.recovery
		peer        = s.counterpart
		firstOnline bool
	)

	switch state {
	case domain.LinkConnected:
		stopTimer(s.disconnectTimer)
		s.disconnectTimer = nil
		recovered = s.state == domain.StateRecovering
		if s.state == domain.StateNegotiating || recovered {
			e.setStateLocked(s, domain.StateActive)
		}
		if s.connectedAt.IsZero() {
			s.connectedAt = e.now()
			firstOnline = true
		}
		if s.monitor == nil {
			s.monitor = NewHealthMonitor(e.cfg.Health, peer, link, e.output, func(trigger string) {
				go e.restartDirect(s, trigger)
			}, e.metrics, e.logger.With("call_id", callID))
			monitor = s.monitor
		}

	case domain.LinkDisconnected:
		if s.state == domain.StateActive && s.disconnectTimer == nil {
			s.disconnectTimer = time.AfterFunc(e.cfg.Recovery.DisconnectedGrace, func() {
				e.onSustainedDisconnect(s, link)
			})
		}

	case domain.LinkFailed:
		stopTimer(s.disconnectTimer)
		s.disconnectTimer = nil
		switch {
		case s.state == domain.StateActive:
			e.setStateLocked(s, domain.StateRecovering)
			activate = true
		case s.state == domain.StateRecovering:
			activate = true
		case s.state == domain.StateNegotiating:
			t = e.detachLocked(s, domain.ReasonError, true)
		}
	}
	e.mu.Unlock()

	if monitor != nil {
		monitor.Start(s.ctx)
	}
	if firstOnline {
		e.logger.Infow("Call connected", "call_id", callID, "peer", peer)
		e.directoryLinkState(callID, e.cfg.SelfID, domain.LinkConnected)
	}
	if recovered {
		recovery.Clear()
		e.emit(domain.CallEvent{Type: domain.EventReconnected, CallID: callID, Peer: peer, State: domain.StateActive})
	}
	if activate {
		recovery.Activate(s.ctx)
	}
	e.finish(t)
}

func (e *CallEngine) onSustainedDisconnect(s *callSession, link ports.PeerLink) {
	e.mu.Lock()
	if !e.currentLocked(s) || s.link != link {
		e.mu.Unlock()
		return
	}
	s.disconnectTimer = nil
	if link.ConnectionState() == domain.LinkConnected || s.state != domain.StateActive {
		e.mu.Unlock()
		return
	}
	e.setStateLocked(s, domain.StateRecovering)
	recovery := s.recovery
	e.mu.Unlock()

	e.logger.Warnw("Link disconnected past grace, recovering", "call_id", s.id)
	recovery.Activate(s.ctx)
}

// restartDirect sends an ICE-restart offer on the 1:1 link. Only the
// initiator renegotiates; the responder waits for the offer.
func (e *CallEngine) restartDirect(s *callSession, trigger string) error {
	e.mu.Lock()
	if !e.currentLocked(s) {
		e.mu.Unlock()
		return domain.ErrNoCall
	}
	if s.role != domain.RoleInitiator {
		e.mu.Unlock()
		return nil
	}
	if s.link == nil {
		e.mu.Unlock()
		return domain.ErrNoActiveLink
	}
	offer, err := e.createRestartOfferLocked(s.ctx, s.link)
	peer, callID, kind := s.counterpart, s.id, s.kind
	e.mu.Unlock()
	if err != nil {
		e.logger.Warnw("ICE restart skipped", "call_id", callID, "trigger", trigger, "error", err)
		return err
	}

	e.metrics.ICERestart(trigger)
	e.logger.Infow("Restarting ICE", "call_id", callID, "trigger", trigger)

	raw, err := e.codec.EncodeDescription(offer)
	if err != nil {
		return err
	}
	return e.send(s.ctx, &domain.Message{
		Type:     domain.MsgOffer,
		Target:   peer,
		CallID:   callID,
		CallType: kind,
		Offer:    raw,
	})
}

// sessionRecovery adapts a 1:1 session to the recovery controller.
type sessionRecovery struct {
	e *CallEngine
	s *callSession
}

func (r *sessionRecovery) Recovered() bool {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	if !r.e.currentLocked(r.s) || r.s.link == nil {
		return false
	}
	return r.s.link.ConnectionState() == domain.LinkConnected
}

func (r *sessionRecovery) Renegotiate(ctx context.Context, attempt int) error {
	ctx, span := tracing.StartSpan(ctx, "call.recovery_attempt",
		trace.WithAttributes(
			tracing.CallIDKey.String(string(r.s.id)),
			tracing.AttemptKey.Int(attempt),
		),
	)
	defer span.End()

	r.e.mu.Lock()
	if r.e.currentLocked(r.s) {
		r.s.recoveryAttempts = attempt
	}
	r.e.mu.Unlock()

	err := r.e.restartDirect(r.s, "recovery")
	tracing.RecordError(ctx, err)
	return err
}

func (r *sessionRecovery) Reconnecting() {
	r.e.emit(domain.CallEvent{
		Type:   domain.EventReconnecting,
		CallID: r.s.id,
		Peer:   r.s.counterpart,
		State:  domain.StateRecovering,
	})
}

// GiveUp runs on the controller's goroutine, so teardown (which waits for
// that goroutine) happens on its own.
func (r *sessionRecovery) GiveUp(attempts int) {
	cause := fmt.Errorf("gave up after %d attempts: %w", attempts, domain.ErrRecoveryExhausted)
	go r.e.terminateCause(r.s, domain.ReasonRecoveryExhausted, true, cause)
}
