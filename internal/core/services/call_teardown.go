package services

import (
	"context"
	"time"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
	"xipher/pkg/utils"
)

// teardown is everything a terminated session still owns. It is collected
// under the engine lock and released without it.
type teardown struct {
	session  *callSession
	reason   domain.EndReason
	notices  []*domain.Message
	links    []ports.PeerLink
	peers    []domain.UserID
	monitors []*HealthMonitor
	recovery *RecoveryController
	room     ports.RelayRoom
	media    ports.LocalMedia
	record   domain.CallRecord
	cause    error
}

// terminate ends s once; later calls for the same session do nothing.
func (e *CallEngine) terminate(s *callSession, reason domain.EndReason, notifyRemote bool) {
	e.mu.Lock()
	t := e.detachLocked(s, reason, notifyRemote)
	e.mu.Unlock()
	e.finish(t)
}

// terminateCause is terminate with the error reported on the call_ended event.
func (e *CallEngine) terminateCause(s *callSession, reason domain.EndReason, notifyRemote bool, cause error) {
	e.mu.Lock()
	t := e.detachLocked(s, reason, notifyRemote)
	if t != nil {
		t.cause = cause
	}
	e.mu.Unlock()
	e.finish(t)
}

// detachLocked latches s as terminated, removes it from the engine and stops
// its timers. It returns nil when s was already terminated.
func (e *CallEngine) detachLocked(s *callSession, reason domain.EndReason, notifyRemote bool) *teardown {
	if s == nil || s.terminated {
		return nil
	}
	s.terminated = true
	e.setStateLocked(s, domain.StateTerminated)
	if e.session == s {
		e.session = nil
	}
	s.cancel()

	stopTimer(s.ringTimer)
	stopTimer(s.disconnectTimer)
	s.ringTimer, s.disconnectTimer = nil, nil

	t := &teardown{
		session:  s,
		reason:   reason,
		recovery: s.recovery,
		room:     s.relayRoom,
		media:    s.media,
		record: domain.CallRecord{
			ID:               s.id,
			Counterpart:      s.counterpart,
			GroupID:          s.groupID,
			Kind:             s.kind,
			Role:             s.role,
			StartedAt:        s.startedAt,
			ConnectedAt:      s.connectedAt,
			EndedAt:          e.now(),
			Reason:           reason,
			RecoveryAttempts: s.recoveryAttempts,
		},
	}

	if s.link != nil {
		t.links = append(t.links, s.link)
	}
	if s.monitor != nil {
		t.monitors = append(t.monitors, s.monitor)
	}
	if !s.group {
		t.peers = append(t.peers, s.counterpart)
	}
	for id, mp := range s.peers {
		stopTimer(mp.graceTimer)
		mp.graceTimer = nil
		if mp.link != nil {
			t.links = append(t.links, mp.link)
		}
		if mp.monitor != nil {
			t.monitors = append(t.monitors, mp.monitor)
		}
		t.peers = append(t.peers, id)
	}
	for _, rl := range s.relayLinks {
		stopTimer(rl.graceTimer)
		rl.graceTimer = nil
		if rl.monitor != nil {
			t.monitors = append(t.monitors, rl.monitor)
		}
	}
	if s.group {
		t.record.Participants = s.memberListLocked()
	}

	if notifyRemote {
		if s.group {
			for _, member := range s.memberListLocked() {
				t.notices = append(t.notices, &domain.Message{
					Type:    domain.MsgGroupLeave,
					Target:  member,
					CallID:  s.id,
					GroupID: s.groupID,
					Reason:  reason,
				})
			}
		} else if s.counterpart != "" {
			t.notices = append(t.notices, &domain.Message{
				Type:   domain.MsgCallEnd,
				Target: s.counterpart,
				CallID: s.id,
				Reason: reason,
			})
		}
	}
	return t
}

// finish releases what detachLocked collected. It must run without e.mu.
func (e *CallEngine) finish(t *teardown) {
	if t == nil {
		return
	}
	s := t.session

	if t.recovery != nil {
		t.recovery.Stop()
	}
	for _, m := range t.monitors {
		m.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TeardownTimeout)
	defer cancel()

	if t.room != nil {
		if err := t.room.Leave(ctx); err != nil {
			e.logger.Debugw("Relay leave failed", "call_id", s.id, "error", err)
		}
	}
	for _, link := range t.links {
		if err := link.Close(); err != nil {
			e.logger.Debugw("Peer link close failed", "call_id", s.id, "error", err)
		}
	}
	stopMedia(t.media)
	for _, peer := range t.peers {
		if e.output != nil {
			e.output.Release(peer)
		}
		e.buffer.Discard(string(peer))
	}

	for _, msg := range t.notices {
		if err := e.send(ctx, msg); err != nil {
			e.logger.Warnw("Failed to deliver end of call", "call_id", s.id, "peer", msg.Target, "error", err)
		}
	}

	e.recordEnd(ctx, t)
}

func (e *CallEngine) recordEnd(ctx context.Context, t *teardown) {
	rec := t.record

	if e.directory != nil {
		if err := e.directory.RemoveCall(ctx, rec.ID); err != nil {
			e.logger.Debugw("Failed to clear call directory", "call_id", rec.ID, "error", err)
		}
	}
	if e.callLog != nil {
		if err := e.callLog.Save(ctx, &rec); err != nil {
			e.logger.Warnw("Failed to save call record", "call_id", rec.ID, "error", err)
		}
	}

	e.metrics.CallEnded(rec.Reason, rec.Duration())
	ev := domain.CallEvent{
		Type:    domain.EventCallEnded,
		CallID:  rec.ID,
		Peer:    rec.Counterpart,
		State:   domain.StateTerminated,
		Reason:  rec.Reason,
		Kind:    rec.Kind,
		GroupID: rec.GroupID,
	}
	if t.cause != nil {
		ev.Detail = t.cause.Error()
	}
	e.emit(ev)
	e.logger.Infow("Call ended",
		"call_id", rec.ID,
		"reason", rec.Reason,
		"duration", utils.FormatDuration(rec.Duration()),
		"cause", t.cause,
	)
}

// onRingTimeout ends a call nobody answered.
func (e *CallEngine) onRingTimeout(s *callSession) {
	e.mu.Lock()
	if !e.currentLocked(s) {
		e.mu.Unlock()
		return
	}
	var t *teardown
	switch s.state {
	case domain.StateOutgoingRinging:
		t = e.detachLocked(s, domain.ReasonTimeout, true)
	case domain.StateIncomingRinging:
		t = e.detachLocked(s, domain.ReasonMissed, false)
	}
	e.mu.Unlock()
	e.finish(t)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
