package services

import (
	"context"
	"fmt"
	"time"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
	"xipher/pkg/circuitbreaker"
	"xipher/pkg/tracing"
	"xipher/pkg/utils"
	"xipher/pkg/validation"
)

// meshPeer is one pairwise link of a mesh group call. Guarded by
// CallEngine.mu.
type meshPeer struct {
	id         domain.UserID
	link       ports.PeerLink
	pending    bool
	offerer    bool
	connected  bool
	queued     *domain.SessionDescription
	graceTimer *time.Timer
	monitor    *HealthMonitor
}

// StartGroupCall invites members to a group call. Without a confirmed relay
// the call runs as an audio-only mesh.
func (e *CallEngine) StartGroupCall(ctx context.Context, members []domain.UserID, kind domain.CallKind) (*domain.CallSession, error) {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = string(m)
	}
	if err := validation.ValidateGroupMembers(string(e.cfg.SelfID), ids, e.cfg.MaxGroupSize); err != nil {
		return nil, err
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
	s := e.newSessionLocked(domain.CallID(utils.NewCallID()), domain.RoleInitiator, kind, "")
	s.group = true
	s.groupID = domain.GroupID(utils.NewGroupID())
	for _, m := range members {
		s.members[m] = struct{}{}
	}
	e.setStateLocked(s, domain.StateOutgoingRinging)
	e.mu.Unlock()

	ctx, span := tracing.TraceCallOperation(ctx, "start_group", string(s.id))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.GroupIDKey.String(string(s.groupID)))

	e.metrics.CallStarted(kind, domain.RoleInitiator, true)
	e.logger.Infow("Starting group call", "call_id", s.id, "group_id", s.groupID, "members", len(members))

	snap, err := e.placeGroupCall(ctx, s, kind)
	if err != nil {
		tracing.RecordError(ctx, err)
		e.terminate(s, domain.ReasonError, false)
		return nil, err
	}
	return snap, nil
}

func (e *CallEngine) placeGroupCall(ctx context.Context, s *callSession, kind domain.CallKind) (*domain.CallSession, error) {
	room := e.openRelay(ctx, s)
	if room == nil {
		kind = domain.CallAudio
	}
	media := e.acquireMedia(ctx, s, kind)
	servers := e.iceServers(ctx)

	if room != nil {
		if err := e.joinRelay(ctx, s, room, kind, media, servers); err != nil {
			e.logger.Warnw("Relay join failed, falling back to audio mesh", "call_id", s.id, "error", err)
			room = nil
			kind = domain.CallAudio
			if media != nil {
				media.SetVideoEnabled(false)
			}
		}
	}

	e.mu.Lock()
	if !e.currentLocked(s) {
		e.mu.Unlock()
		e.releaseRoom(room)
		stopMedia(media)
		return nil, domain.ErrNoCall
	}
	s.kind = kind
	s.media = media
	s.iceServers = servers
	if media != nil {
		s.localMedia = media.State()
	}
	s.relayRoom = room
	s.relay = room != nil
	s.ringTimer = time.AfterFunc(e.cfg.RingTimeout, func() { e.onRingTimeout(s) })
	invite := domain.Message{
		Type:         domain.MsgGroupInvite,
		CallID:       s.id,
		CallType:     kind,
		GroupID:      s.groupID,
		Participants: append([]domain.UserID{e.cfg.SelfID}, s.memberListLocked()...),
		Relay:        s.relay,
	}
	targets := s.memberListLocked()
	snap := e.snapshotLocked(s)
	e.mu.Unlock()

	e.directoryUpsert(s.id, e.cfg.SelfID, domain.LinkConnecting)

	delivered := 0
	for _, target := range targets {
		msg := invite
		msg.Target = target
		if err := e.send(ctx, &msg); err != nil {
			e.logger.Warnw("Failed to invite member", "call_id", s.id, "peer", target, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return nil, fmt.Errorf("no member reachable: %w", domain.ErrTransportUnavailable)
	}
	return snap, nil
}

// openRelay dials the relay through the circuit breaker. nil means the
// relay is not available for this call.
func (e *CallEngine) openRelay(ctx context.Context, s *callSession) ports.RelayRoom {
	if e.relay == nil {
		return nil
	}
	events := &relayEvents{e: e, s: s}
	open := func(ctx context.Context) (ports.RelayRoom, error) {
		return e.relay.Open(ctx, events)
	}

	var (
		room ports.RelayRoom
		err  error
	)
	if e.relayBreaker != nil {
		room, err = circuitbreaker.ExecuteWithResult(ctx, e.relayBreaker, open)
	} else {
		room, err = open(ctx)
	}
	if err != nil {
		e.logger.Warnw("Relay unavailable", "call_id", s.id, "error", err)
		return nil
	}
	return room
}

func (e *CallEngine) joinRelay(ctx context.Context, s *callSession, room ports.RelayRoom, kind domain.CallKind, media ports.LocalMedia, servers []domain.ICEServer) error {
	err := room.Join(ctx, ports.RelayJoinOptions{
		CallID:       s.id,
		GroupID:      s.groupID,
		Self:         e.cfg.SelfID,
		Media:        media,
		ICEServers:   servers,
		ReceiveVideo: kind == domain.CallVideo,
	})
	if err != nil {
		e.releaseRoom(room)
		return err
	}
	return nil
}

func (e *CallEngine) releaseRoom(room ports.RelayRoom) {
	if room == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TeardownTimeout)
	defer cancel()
	if err := room.Leave(ctx); err != nil {
		e.logger.Debugw("Relay leave failed", "error", err)
	}
}

// HandleGroupInvite rings for a group call, or declines it when busy.
func (e *CallEngine) HandleGroupInvite(ctx context.Context, msg *domain.Message) {
	if msg.GroupID == "" {
		return
	}

	e.mu.Lock()
	if s := e.session; s != nil {
		same := s.group && s.groupID == msg.GroupID
		e.mu.Unlock()
		if !same {
			e.replyEnd(ctx, msg, domain.ReasonBusy)
		}
		return
	}

	kind := msg.CallType
	if kind != domain.CallVideo || !msg.Relay {
		kind = domain.CallAudio
	}
	id := msg.CallID
	if id == "" {
		id = domain.CallID(utils.NewCallID())
	}
	s := e.newSessionLocked(id, domain.RoleResponder, kind, msg.From)
	s.group = true
	s.groupID = msg.GroupID
	s.relay = msg.Relay
	s.members[msg.From] = struct{}{}
	for _, p := range msg.Participants {
		if p != e.cfg.SelfID {
			s.members[p] = struct{}{}
		}
	}
	e.setStateLocked(s, domain.StateIncomingRinging)
	s.ringTimer = time.AfterFunc(e.cfg.IncomingRingTimeout, func() { e.onRingTimeout(s) })
	e.mu.Unlock()

	e.metrics.CallStarted(kind, domain.RoleResponder, true)
	e.emit(domain.CallEvent{
		Type:    domain.EventGroupInvite,
		CallID:  id,
		Peer:    msg.From,
		State:   domain.StateIncomingRinging,
		Kind:    kind,
		GroupID: msg.GroupID,
	})
	e.logger.Infow("Group call invite", "call_id", id, "group_id", msg.GroupID, "peer", msg.From)
}

func (e *CallEngine) acceptGroup(ctx context.Context, s *callSession, kind domain.CallKind) error {
	e.mu.Lock()
	relay := s.relay
	e.mu.Unlock()

	media := e.acquireMedia(ctx, s, kind)
	servers := e.iceServers(ctx)

	var room ports.RelayRoom
	if relay {
		room = e.openRelay(ctx, s)
		if room == nil {
			stopMedia(media)
			e.terminate(s, domain.ReasonError, true)
			return domain.ErrRelayUnavailable
		}
		if err := e.joinRelay(ctx, s, room, kind, media, servers); err != nil {
			stopMedia(media)
			e.terminate(s, domain.ReasonError, true)
			return fmt.Errorf("join relay room: %w", err)
		}
	}

	e.mu.Lock()
	if !e.currentLocked(s) {
		e.mu.Unlock()
		e.releaseRoom(room)
		stopMedia(media)
		return domain.ErrNoCall
	}
	s.media = media
	s.iceServers = servers
	if media != nil {
		s.localMedia = media.State()
	}
	s.relayRoom = room
	if room != nil {
		s.connectedAt = e.now()
	}
	e.setStateLocked(s, domain.StateActive)
	join := domain.Message{
		Type:         domain.MsgGroupJoin,
		CallID:       s.id,
		CallType:     kind,
		GroupID:      s.groupID,
		Participants: append([]domain.UserID{e.cfg.SelfID}, s.memberListLocked()...),
		Relay:        s.relay,
	}
	targets := s.memberListLocked()
	e.mu.Unlock()

	e.directoryUpsert(s.id, e.cfg.SelfID, domain.LinkConnecting)
	for _, target := range targets {
		msg := join
		msg.Target = target
		if err := e.send(ctx, &msg); err != nil {
			e.logger.Warnw("Failed to announce join", "call_id", s.id, "peer", target, "error", err)
		}
	}
	return nil
}

// groupSessionLocked returns the current group session msg belongs to.
func (e *CallEngine) groupSessionLocked(msg *domain.Message) *callSession {
	s := e.session
	if !e.currentLocked(s) || !s.group || s.groupID != msg.GroupID {
		return nil
	}
	return s
}

// HandleGroupJoin answers a newly joined member. Participants already in the
// call offer to the newcomer.
func (e *CallEngine) HandleGroupJoin(ctx context.Context, msg *domain.Message) {
	e.mu.Lock()
	s := e.groupSessionLocked(msg)
	if s == nil || msg.From == e.cfg.SelfID {
		e.mu.Unlock()
		return
	}
	s.members[msg.From] = struct{}{}
	if s.state == domain.StateOutgoingRinging {
		stopTimer(s.ringTimer)
		s.ringTimer = nil
		e.setStateLocked(s, domain.StateActive)
	}
	if s.state != domain.StateActive || s.relay {
		relay := s.relay && s.state == domain.StateActive
		callID := s.id
		e.mu.Unlock()
		if relay {
			e.emit(domain.CallEvent{Type: domain.EventParticipantJoined, CallID: callID, Peer: msg.From, GroupID: msg.GroupID})
		}
		return
	}
	if _, exists := s.peers[msg.From]; exists {
		e.mu.Unlock()
		return
	}
	mp := &meshPeer{id: msg.From, pending: true, offerer: true}
	s.peers[msg.From] = mp
	kind, servers, media, callID := s.kind, s.iceServers, s.media, s.id
	e.mu.Unlock()

	e.logger.Infow("Member joined, offering", "call_id", callID, "peer", msg.From)
	e.connectMeshPeer(ctx, s, mp, kind, servers, media, nil)
}

// HandleGroupOffer applies a mesh offer. Crossing offers are resolved by
// user id: the lower id keeps its own offer.
func (e *CallEngine) HandleGroupOffer(ctx context.Context, msg *domain.Message) {
	desc, err := e.codec.DecodeDescription(msg.Offer, domain.SDPOffer)
	if err != nil {
		e.metrics.SignalingDecodeFailure("group_offer")
		e.logger.Warnw("Dropping malformed group offer", "peer", msg.From, "error", err)
		return
	}

	e.mu.Lock()
	s := e.groupSessionLocked(msg)
	if s == nil || s.state != domain.StateActive || s.relay {
		e.mu.Unlock()
		return
	}
	s.members[msg.From] = struct{}{}
	mp := s.peers[msg.From]
	keepOurs := e.cfg.SelfID < msg.From

	switch {
	case mp == nil:
		mp = &meshPeer{id: msg.From, pending: true}
		s.peers[msg.From] = mp
		kind, servers, media := s.kind, s.iceServers, s.media
		e.mu.Unlock()
		e.connectMeshPeer(ctx, s, mp, kind, servers, media, desc)
		return

	case mp.pending:
		if !keepOurs || desc.Reoffer {
			mp.queued = desc
			mp.offerer = false
		}
		e.mu.Unlock()
		return
	}

	if mp.link.NegotiationState() == domain.NegotiationOfferSent && keepOurs && !desc.Reoffer {
		e.mu.Unlock()
		e.logger.Debugw("Ignoring crossing group offer", "peer", msg.From, "call_id", s.id)
		return
	}
	answer, err := e.applyOfferLocked(s.ctx, mp.link, desc)
	if err == nil && !desc.Reoffer {
		mp.offerer = false
	}
	link, callID, groupID := mp.link, s.id, s.groupID
	e.mu.Unlock()

	if err != nil {
		e.logger.Warnw("Group offer rejected", "peer", msg.From, "call_id", callID, "error", err)
		return
	}
	e.buffer.Drain(string(msg.From), link)
	e.sendGroupDescription(ctx, domain.MsgGroupAnswer, msg.From, callID, groupID, answer)
}

// connectMeshPeer creates the link for mp and either answers offer or sends
// our own offer.
func (e *CallEngine) connectMeshPeer(ctx context.Context, s *callSession, mp *meshPeer, kind domain.CallKind, servers []domain.ICEServer, media ports.LocalMedia, offer *domain.SessionDescription) {
	link, err := e.newLink(ctx, s.id, mp.id, kind, servers, media)

	e.mu.Lock()
	if !e.currentLocked(s) || s.peers[mp.id] != mp {
		e.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
		return
	}
	if err != nil {
		delete(s.peers, mp.id)
		e.mu.Unlock()
		e.logger.Warnw("Failed to create mesh link", "call_id", s.id, "peer", mp.id, "error", err)
		return
	}
	mp.link = link
	mp.pending = false
	e.bindMeshLink(s, mp, link)

	if mp.queued != nil {
		offer, mp.queued = mp.queued, nil
	}
	var (
		desc *domain.SessionDescription
		typ  domain.MessageType
	)
	if offer != nil {
		mp.offerer = false
		desc, err = e.applyOfferLocked(s.ctx, link, offer)
		typ = domain.MsgGroupAnswer
	} else {
		desc, err = link.CreateOffer(s.ctx, false)
		if err == nil {
			err = link.SetLocalDescription(s.ctx, desc)
		}
		typ = domain.MsgGroupOffer
	}
	callID, groupID := s.id, s.groupID
	e.mu.Unlock()

	if err != nil {
		e.logger.Warnw("Mesh negotiation failed", "call_id", callID, "peer", mp.id, "error", err)
		e.dropParticipant(s, mp, "negotiation_failed")
		return
	}
	e.directoryUpsert(callID, mp.id, domain.LinkConnecting)
	if typ == domain.MsgGroupAnswer {
		e.buffer.Drain(string(mp.id), link)
	}
	e.sendGroupDescription(ctx, typ, mp.id, callID, groupID, desc)
}

func (e *CallEngine) sendGroupDescription(ctx context.Context, typ domain.MessageType, peer domain.UserID, callID domain.CallID, groupID domain.GroupID, desc *domain.SessionDescription) {
	raw, err := e.codec.EncodeDescription(desc)
	if err != nil {
		e.logger.Warnw("Failed to encode group description", "peer", peer, "error", err)
		return
	}
	msg := &domain.Message{
		Type:    typ,
		Target:  peer,
		CallID:  callID,
		GroupID: groupID,
	}
	if typ == domain.MsgGroupOffer {
		msg.Offer = raw
	} else {
		msg.Answer = raw
	}
	if err := e.send(ctx, msg); err != nil {
		e.logger.Warnw("Failed to send group description", "type", typ, "peer", peer, "error", err)
	}
}

// HandleGroupAnswer completes a mesh offer we sent.
func (e *CallEngine) HandleGroupAnswer(ctx context.Context, msg *domain.Message) {
	desc, err := e.codec.DecodeDescription(msg.Answer, domain.SDPAnswer)
	if err != nil {
		e.metrics.SignalingDecodeFailure("group_answer")
		e.logger.Warnw("Dropping malformed group answer", "peer", msg.From, "error", err)
		return
	}

	e.mu.Lock()
	s := e.groupSessionLocked(msg)
	if s == nil {
		e.mu.Unlock()
		return
	}
	mp := s.peers[msg.From]
	if mp == nil || mp.link == nil || mp.link.NegotiationState() != domain.NegotiationOfferSent {
		e.mu.Unlock()
		e.logger.Debugw("Ignoring unexpected group answer", "peer", msg.From, "call_id", s.id)
		return
	}
	err = mp.link.SetRemoteDescription(s.ctx, desc)
	link := mp.link
	e.mu.Unlock()

	if err != nil {
		e.logger.Warnw("Failed to apply group answer", "peer", msg.From, "error", err)
		return
	}
	e.buffer.Drain(string(msg.From), link)
}

// HandleGroupIceCandidate buffers a mesh candidate for its pairwise link.
func (e *CallEngine) HandleGroupIceCandidate(ctx context.Context, msg *domain.Message) {
	c, err := e.codec.DecodeCandidate(msg.Candidate)
	if err != nil {
		e.metrics.SignalingDecodeFailure("group_candidate")
		e.logger.Debugw("Dropping malformed group candidate", "peer", msg.From, "error", err)
		return
	}

	var link ports.PeerLink
	e.mu.Lock()
	if s := e.groupSessionLocked(msg); s != nil {
		if mp := s.peers[msg.From]; mp != nil {
			link = mp.link
		}
	}
	e.mu.Unlock()

	key := string(msg.From)
	e.buffer.Add(key, *c)
	e.buffer.Drain(key, link)
}

// HandleGroupLeave removes a member. The call ends when nobody is left, or
// when the inviter withdraws a call we have not answered.
func (e *CallEngine) HandleGroupLeave(ctx context.Context, msg *domain.Message) {
	e.mu.Lock()
	s := e.groupSessionLocked(msg)
	if s == nil {
		e.mu.Unlock()
		return
	}
	if s.state == domain.StateIncomingRinging && msg.From == s.counterpart {
		t := e.detachLocked(s, domain.ReasonCancelled, false)
		e.mu.Unlock()
		e.finish(t)
		return
	}
	mp := s.peers[msg.From]
	e.mu.Unlock()

	if mp != nil {
		e.dropParticipant(s, mp, "left")
		return
	}
	e.removeMember(s, msg.From)
}

// dropParticipant closes one mesh link without touching its siblings.
func (e *CallEngine) dropParticipant(s *callSession, mp *meshPeer, cause string) {
	e.mu.Lock()
	if !e.currentLocked(s) || s.peers[mp.id] != mp {
		e.mu.Unlock()
		return
	}
	delete(s.peers, mp.id)
	stopTimer(mp.graceTimer)
	mp.graceTimer = nil
	monitor, link := mp.monitor, mp.link
	e.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	if link != nil {
		_ = link.Close()
	}
	if e.output != nil {
		e.output.Release(mp.id)
	}
	e.buffer.Discard(string(mp.id))
	e.logger.Infow("Participant dropped", "call_id", s.id, "peer", mp.id, "cause", cause)
	e.removeMember(s, mp.id)
}

func (e *CallEngine) removeMember(s *callSession, id domain.UserID) {
	e.finish(e.dropMember(s, id))
}

// dropMember forgets a member and returns the teardown to run when nobody
// is left.
func (e *CallEngine) dropMember(s *callSession, id domain.UserID) *teardown {
	e.mu.Lock()
	if !e.currentLocked(s) {
		e.mu.Unlock()
		return nil
	}
	if _, ok := s.members[id]; !ok {
		e.mu.Unlock()
		return nil
	}
	delete(s.members, id)
	var t *teardown
	if len(s.members) == 0 {
		t = e.detachLocked(s, domain.ReasonRemoteEnded, false)
	}
	callID, groupID := s.id, s.groupID
	e.mu.Unlock()

	e.directoryRemove(callID, id)
	e.emit(domain.CallEvent{Type: domain.EventParticipantLeft, CallID: callID, Peer: id, GroupID: groupID})
	return t
}

func (e *CallEngine) bindMeshLink(s *callSession, mp *meshPeer, link ports.PeerLink) {
	groupID := s.groupID
	link.OnLocalCandidate(func(c *domain.Candidate) {
		e.sendLocalCandidate(s, mp.id, groupID, domain.MsgGroupICECandidate, c)
	})
	link.OnConnectionStateChange(func(state domain.LinkState) {
		e.onMeshLinkState(s, mp, link, state)
	})
}

// onMeshLinkState handles one pairwise link: an ICE restart when this side
// offered, and a grace timer that drops only that participant.
func (e *CallEngine) onMeshLinkState(s *callSession, mp *meshPeer, link ports.PeerLink, state domain.LinkState) {
	e.mu.Lock()
	if !e.currentLocked(s) || s.peers[mp.id] != mp || mp.link != link {
		e.mu.Unlock()
		return
	}

	var (
		monitor *HealthMonitor
		joined  bool
		restart bool
		callID  = s.id
	)
	switch state {
	case domain.LinkConnected:
		stopTimer(mp.graceTimer)
		mp.graceTimer = nil
		joined = !mp.connected
		mp.connected = true
		if s.connectedAt.IsZero() {
			s.connectedAt = e.now()
		}
		if mp.monitor == nil {
			mp.monitor = NewHealthMonitor(e.cfg.Health, mp.id, link, e.output, func(trigger string) {
				go e.restartMesh(s, mp, trigger)
			}, e.metrics, e.logger.With("call_id", callID))
			monitor = mp.monitor
		}

	case domain.LinkDisconnected, domain.LinkFailed:
		mp.connected = false
		if mp.graceTimer == nil {
			mp.graceTimer = time.AfterFunc(e.cfg.Recovery.GroupGrace, func() {
				e.onMeshGraceExpired(s, mp)
			})
			restart = mp.offerer
		}
	}
	e.mu.Unlock()

	e.directoryLinkState(callID, mp.id, state)
	if monitor != nil {
		monitor.Start(s.ctx)
	}
	if joined {
		e.emit(domain.CallEvent{Type: domain.EventParticipantJoined, CallID: callID, Peer: mp.id, GroupID: s.groupID})
	}
	if restart {
		go e.restartMesh(s, mp, "link_"+string(state))
	}
}

func (e *CallEngine) onMeshGraceExpired(s *callSession, mp *meshPeer) {
	e.mu.Lock()
	if !e.currentLocked(s) || s.peers[mp.id] != mp || mp.connected {
		e.mu.Unlock()
		return
	}
	mp.graceTimer = nil
	e.mu.Unlock()
	e.dropParticipant(s, mp, "grace_expired")
}

// restartMesh sends an ICE-restart offer on one pairwise link when this side
// made the original offer.
func (e *CallEngine) restartMesh(s *callSession, mp *meshPeer, trigger string) {
	e.mu.Lock()
	if !e.currentLocked(s) || s.peers[mp.id] != mp || mp.link == nil || !mp.offerer {
		e.mu.Unlock()
		return
	}
	offer, err := e.createRestartOfferLocked(s.ctx, mp.link)
	callID, groupID := s.id, s.groupID
	e.mu.Unlock()
	if err != nil {
		e.logger.Warnw("Mesh ICE restart skipped", "call_id", callID, "peer", mp.id, "error", err)
		return
	}
	e.metrics.ICERestart(trigger)
	e.sendGroupDescription(s.ctx, domain.MsgGroupOffer, mp.id, callID, groupID, offer)
}
