package services

import (
	"context"
	"fmt"
	"time"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
)

// relayLink is the engine's view of one relay handle link. Guarded by
// CallEngine.mu.
type relayLink struct {
	feed       ports.RelayFeed
	publisher  bool
	link       ports.PeerLink
	connected  bool
	restarting bool
	graceTimer *time.Timer
	monitor    *HealthMonitor
}

// relayEvents adapts relay callbacks to one group session.
type relayEvents struct {
	e *CallEngine
	s *callSession
}

func (r *relayEvents) FeedAttached(feed ports.RelayFeed) {
	e, s := r.e, r.s
	e.mu.Lock()
	if !e.currentLocked(s) {
		e.mu.Unlock()
		return
	}
	if s.state == domain.StateOutgoingRinging {
		stopTimer(s.ringTimer)
		s.ringTimer = nil
		e.setStateLocked(s, domain.StateActive)
	}
	if s.connectedAt.IsZero() {
		s.connectedAt = e.now()
	}
	s.members[feed.Display] = struct{}{}
	callID, groupID := s.id, s.groupID
	e.mu.Unlock()

	e.emit(domain.CallEvent{Type: domain.EventParticipantJoined, CallID: callID, Peer: feed.Display, GroupID: groupID})
}

// FeedDetached removes the member behind a feed. It runs on a goroutine the
// room waits for in Leave, so a teardown it causes runs separately.
func (r *relayEvents) FeedDetached(feed ports.RelayFeed) {
	e, s := r.e, r.s
	e.mu.Lock()
	if !e.currentLocked(s) {
		e.mu.Unlock()
		return
	}
	var monitor *HealthMonitor
	if rl := s.relayLinks[feed.FeedID]; rl != nil && !rl.publisher {
		delete(s.relayLinks, feed.FeedID)
		stopTimer(rl.graceTimer)
		rl.graceTimer = nil
		monitor = rl.monitor
	}
	e.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	if t := e.dropMember(s, feed.Display); t != nil {
		go e.finish(t)
	}
}

func (r *relayEvents) LinkStateChanged(feed ports.RelayFeed, publisher bool, link ports.PeerLink, state domain.LinkState) {
	r.e.onRelayLinkState(r.s, feed, publisher, link, state)
}

// RelayLost arrives on the relay's reader goroutine; teardown waits on
// that goroutine, so it runs separately.
func (r *relayEvents) RelayLost(err error) {
	r.e.logger.Warnw("Relay session lost", "call_id", r.s.id, "error", err)
	go r.e.terminateCause(r.s, domain.ReasonError, true, fmt.Errorf("relay lost: %w", err))
}

// onRelayLinkState applies the group link policy to a relay link: watchdogs
// while connected, an immediate ICE restart and a grace timer on failure.
func (e *CallEngine) onRelayLinkState(s *callSession, feed ports.RelayFeed, publisher bool, link ports.PeerLink, state domain.LinkState) {
	e.mu.Lock()
	if !e.currentLocked(s) {
		e.mu.Unlock()
		return
	}

	var stale, monitor *HealthMonitor
	rl := s.relayLinks[feed.FeedID]
	if rl == nil || rl.link != link {
		if rl != nil {
			stopTimer(rl.graceTimer)
			stale = rl.monitor
		}
		rl = &relayLink{feed: feed, publisher: publisher, link: link}
		s.relayLinks[feed.FeedID] = rl
	}

	restart := false
	callID := s.id
	switch state {
	case domain.LinkConnected:
		stopTimer(rl.graceTimer)
		rl.graceTimer = nil
		rl.connected = true
		// The publisher link only sends, so inbound watchdogs have nothing to read.
		if rl.monitor == nil && !publisher {
			rl.monitor = NewHealthMonitor(e.cfg.Health, feed.Display, link, e.output, func(trigger string) {
				go e.restartRelayLink(s, rl, trigger)
			}, e.metrics, e.logger.With("call_id", callID, "feed_id", feed.FeedID))
			monitor = rl.monitor
		}

	case domain.LinkDisconnected, domain.LinkFailed:
		rl.connected = false
		if rl.graceTimer == nil {
			rl.graceTimer = time.AfterFunc(e.cfg.Recovery.GroupGrace, func() {
				e.onRelayGraceExpired(s, rl)
			})
			restart = true
		}
	}
	e.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}
	if !publisher {
		e.directoryLinkState(callID, feed.Display, state)
	}
	if monitor != nil {
		monitor.Start(s.ctx)
	}
	if restart {
		e.logger.Warnw("Relay link degraded, restarting ICE",
			"call_id", callID,
			"feed_id", feed.FeedID,
			"publisher", publisher,
			"state", state,
		)
		go e.restartRelayLink(s, rl, "relay_"+string(state))
	}
}

// restartRelayLink renegotiates one relay link. Only one restart per link is
// in flight.
func (e *CallEngine) restartRelayLink(s *callSession, rl *relayLink, trigger string) {
	e.mu.Lock()
	if !e.currentLocked(s) || s.relayLinks[rl.feed.FeedID] != rl || s.relayRoom == nil || rl.restarting {
		e.mu.Unlock()
		return
	}
	rl.restarting = true
	room, callID := s.relayRoom, s.id
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, e.cfg.TeardownTimeout)
	var err error
	if rl.publisher {
		err = room.RestartPublisher(ctx)
	} else {
		err = room.RestartFeed(ctx, rl.feed.FeedID)
	}
	cancel()

	e.mu.Lock()
	rl.restarting = false
	e.mu.Unlock()

	if err != nil {
		e.logger.Warnw("Relay ICE restart failed", "call_id", callID, "feed_id", rl.feed.FeedID, "error", err)
		return
	}
	e.metrics.ICERestart(trigger)
}

// onRelayGraceExpired gives up on a relay link that did not reconnect. A lost
// subscription drops only that member; a lost publisher ends the call.
func (e *CallEngine) onRelayGraceExpired(s *callSession, rl *relayLink) {
	e.mu.Lock()
	if !e.currentLocked(s) || s.relayLinks[rl.feed.FeedID] != rl || rl.connected {
		e.mu.Unlock()
		return
	}
	rl.graceTimer = nil
	if rl.publisher {
		t := e.detachLocked(s, domain.ReasonRecoveryExhausted, true)
		if t != nil {
			t.cause = fmt.Errorf("relay publisher link: %w", domain.ErrRecoveryExhausted)
		}
		e.mu.Unlock()
		e.logger.Warnw("Relay publisher did not recover, ending call", "call_id", s.id)
		e.finish(t)
		return
	}
	room := s.relayRoom
	e.mu.Unlock()

	e.logger.Warnw("Relay feed did not recover, dropping", "call_id", s.id, "feed_id", rl.feed.FeedID, "peer", rl.feed.Display)
	if room == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TeardownTimeout)
	defer cancel()
	if err := room.DropFeed(ctx, rl.feed.FeedID); err != nil {
		e.logger.Debugw("Relay feed drop failed", "call_id", s.id, "feed_id", rl.feed.FeedID, "error", err)
	}
}
