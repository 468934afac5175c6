package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
)

type fakeRoom struct {
	mu           sync.Mutex
	joinErr      error
	joined       []ports.RelayJoinOptions
	left         bool
	events       ports.RelayEvents
	feeds        map[uint64]ports.RelayFeed
	pubRestarts  int
	feedRestarts map[uint64]int
	dropped      []uint64
}

func (r *fakeRoom) Join(ctx context.Context, opts ports.RelayJoinOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.joinErr != nil {
		return r.joinErr
	}
	r.joined = append(r.joined, opts)
	return nil
}

func (r *fakeRoom) Feeds() []ports.RelayFeed      { return nil }
func (r *fakeRoom) PublisherLink() ports.PeerLink { return nil }

func (r *fakeRoom) RestartPublisher(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pubRestarts++
	return nil
}

func (r *fakeRoom) RestartFeed(ctx context.Context, feedID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.feedRestarts == nil {
		r.feedRestarts = make(map[uint64]int)
	}
	r.feedRestarts[feedID]++
	return nil
}

// DropFeed reports the detach synchronously, as the relay room does.
func (r *fakeRoom) DropFeed(ctx context.Context, feedID uint64) error {
	r.mu.Lock()
	feed, ok := r.feeds[feedID]
	delete(r.feeds, feedID)
	r.dropped = append(r.dropped, feedID)
	events := r.events
	r.mu.Unlock()
	if !ok {
		return domain.ErrParticipantNotFound
	}
	events.FeedDetached(feed)
	return nil
}

// attach announces a subscribed feed to the engine.
func (r *fakeRoom) attach(feed ports.RelayFeed) {
	r.mu.Lock()
	if r.feeds == nil {
		r.feeds = make(map[uint64]ports.RelayFeed)
	}
	r.feeds[feed.FeedID] = feed
	events := r.events
	r.mu.Unlock()
	events.FeedAttached(feed)
}

func (r *fakeRoom) restarts(feedID uint64) (publisher, feed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pubRestarts, r.feedRestarts[feedID]
}

func (r *fakeRoom) droppedFeeds() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.dropped...)
}

func (r *fakeRoom) Leave(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left = true
	return nil
}

func (r *fakeRoom) hasLeft() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.left
}

type fakeRelay struct {
	mu     sync.Mutex
	err    error
	room   *fakeRoom
	events ports.RelayEvents
}

func (f *fakeRelay) Open(ctx context.Context, events ports.RelayEvents) (ports.RelayRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.events = events
	f.room.mu.Lock()
	f.room.events = events
	f.room.mu.Unlock()
	return f.room, nil
}

func (f *fakeRelay) handler() ports.RelayEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func groupMessage(typ domain.MessageType, from domain.UserID, snap *domain.CallSession) *domain.Message {
	return &domain.Message{Type: typ, From: from, CallID: snap.ID, GroupID: snap.GroupID}
}

func linkFor(h *engineHarness, callID domain.CallID, peer domain.UserID) *fakeLink {
	for _, l := range h.links.all() {
		if l.label == string(callID)+"/"+string(peer) {
			return l
		}
	}
	return nil
}

func TestStartGroupCall_MeshInvitesMembers(t *testing.T) {
	h := newHarness(t, alice, nil)

	snap, err := h.engine.StartGroupCall(context.Background(), []domain.UserID{bob, carol}, domain.CallVideo)
	require.NoError(t, err)

	assert.True(t, snap.Group)
	assert.False(t, snap.Relay)
	assert.Equal(t, domain.CallAudio, snap.Kind, "mesh calls carry audio only")
	assert.Equal(t, domain.StateOutgoingRinging, snap.State)
	assert.ElementsMatch(t, []domain.UserID{bob, carol}, snap.Participants)

	invites := h.transport.ofType(domain.MsgGroupInvite)
	require.Len(t, invites, 2)
	for _, inv := range invites {
		assert.Equal(t, snap.GroupID, inv.GroupID)
		assert.ElementsMatch(t, []domain.UserID{alice, bob, carol}, inv.Participants)
		assert.False(t, inv.Relay)
	}
}

func TestStartGroupCall_RejectsInvalidMembers(t *testing.T) {
	h := newHarness(t, alice, nil)

	_, err := h.engine.StartGroupCall(context.Background(), nil, domain.CallAudio)
	assert.Error(t, err)
	_, err = h.engine.StartGroupCall(context.Background(), []domain.UserID{alice}, domain.CallAudio)
	assert.Error(t, err)
	_, ok := h.engine.Snapshot()
	assert.False(t, ok)
}

func TestGroupMesh_DropsParticipantAfterGrace(t *testing.T) {
	h := newHarness(t, alice, nil)
	snap, err := h.engine.StartGroupCall(context.Background(), []domain.UserID{bob, carol}, domain.CallAudio)
	require.NoError(t, err)

	h.engine.HandleGroupJoin(context.Background(), groupMessage(domain.MsgGroupJoin, bob, snap))
	h.engine.HandleGroupJoin(context.Background(), groupMessage(domain.MsgGroupJoin, carol, snap))
	require.Equal(t, domain.StateActive, h.state())
	require.Len(t, h.transport.ofType(domain.MsgGroupOffer), 2)

	bobLink := linkFor(h, snap.ID, bob)
	carolLink := linkFor(h, snap.ID, carol)
	require.NotNil(t, bobLink)
	require.NotNil(t, carolLink)

	for _, peer := range []domain.UserID{bob, carol} {
		answer := groupMessage(domain.MsgGroupAnswer, peer, snap)
		answer.Answer = h.answerMessage(t, peer, snap.ID).Answer
		h.engine.HandleGroupAnswer(context.Background(), answer)
	}
	bobLink.setState(domain.LinkConnected)
	carolLink.setState(domain.LinkConnected)

	bobLink.setState(domain.LinkFailed)

	require.Eventually(t, bobLink.isClosed, time.Second, 5*time.Millisecond)
	got, ok := h.engine.Snapshot()
	require.True(t, ok)
	assert.Equal(t, domain.StateActive, got.State)
	assert.Equal(t, []domain.UserID{carol}, got.Participants)
	assert.False(t, carolLink.isClosed())

	assert.Eventually(t, func() bool {
		return h.events.count(domain.EventParticipantLeft) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestGroupMesh_LastLeaveEndsCall(t *testing.T) {
	h := newHarness(t, alice, nil)
	snap, err := h.engine.StartGroupCall(context.Background(), []domain.UserID{bob}, domain.CallAudio)
	require.NoError(t, err)
	h.engine.HandleGroupJoin(context.Background(), groupMessage(domain.MsgGroupJoin, bob, snap))

	h.engine.HandleGroupLeave(context.Background(), groupMessage(domain.MsgGroupLeave, bob, snap))

	_, ok := h.engine.Snapshot()
	assert.False(t, ok)
	assert.Equal(t, []domain.EndReason{domain.ReasonRemoteEnded}, h.metrics.endedReasons())
	assert.Empty(t, h.transport.ofType(domain.MsgGroupLeave), "nobody left to notify")
}

func TestGroupMesh_GlareHigherIDYields(t *testing.T) {
	h := newHarness(t, bob, nil)
	invite := &domain.Message{
		Type:         domain.MsgGroupInvite,
		From:         alice,
		CallID:       "group-call",
		CallType:     domain.CallAudio,
		GroupID:      "g-1",
		Participants: []domain.UserID{alice, bob, carol},
	}
	h.engine.HandleGroupInvite(context.Background(), invite)
	require.Equal(t, domain.StateIncomingRinging, h.state())
	require.NoError(t, h.engine.Accept(context.Background()))
	require.Equal(t, domain.StateActive, h.state())

	joins := h.transport.ofType(domain.MsgGroupJoin)
	require.Len(t, joins, 2)

	snap, _ := h.engine.Snapshot()

	// alice and bob both start offering; alice has the lower id and wins.
	h.engine.HandleGroupJoin(context.Background(), groupMessage(domain.MsgGroupJoin, alice, snap))
	aliceLink := linkFor(h, snap.ID, alice)
	require.NotNil(t, aliceLink)
	require.Equal(t, domain.NegotiationOfferSent, aliceLink.NegotiationState())

	offer := groupMessage(domain.MsgGroupOffer, alice, snap)
	offer.Offer = h.offerMessage(t, alice, snap.ID, false).Offer
	h.engine.HandleGroupOffer(context.Background(), offer)

	assert.Equal(t, 1, aliceLink.rollbacks)
	require.Len(t, h.transport.ofType(domain.MsgGroupAnswer), 1)
	assert.Equal(t, domain.NegotiationStable, aliceLink.NegotiationState())

	// carol has the higher id, so her crossing offer is ignored.
	h.engine.HandleGroupJoin(context.Background(), groupMessage(domain.MsgGroupJoin, carol, snap))
	carolLink := linkFor(h, snap.ID, carol)
	require.NotNil(t, carolLink)
	offer = groupMessage(domain.MsgGroupOffer, carol, snap)
	offer.Offer = h.offerMessage(t, carol, snap.ID, false).Offer
	h.engine.HandleGroupOffer(context.Background(), offer)

	assert.Equal(t, 0, carolLink.rollbacks)
	assert.Len(t, h.transport.ofType(domain.MsgGroupAnswer), 1)
	assert.Equal(t, domain.NegotiationOfferSent, carolLink.NegotiationState())
}

func TestGroupInvite_BusyWhileInDirectCall(t *testing.T) {
	h := newHarness(t, bob, nil)
	_, err := h.engine.StartCall(context.Background(), carol, domain.CallAudio)
	require.NoError(t, err)

	h.engine.HandleGroupInvite(context.Background(), &domain.Message{
		Type:         domain.MsgGroupInvite,
		From:         alice,
		CallID:       "group-call",
		GroupID:      "g-1",
		Participants: []domain.UserID{alice, bob},
	})

	leaves := h.transport.ofType(domain.MsgGroupLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, domain.ReasonBusy, leaves[0].Reason)
	assert.Equal(t, alice, leaves[0].Target)
	assert.Equal(t, domain.GroupID("g-1"), leaves[0].GroupID)

	got, _ := h.engine.Snapshot()
	assert.False(t, got.Group)
}

func TestGroupInvite_InviterCancels(t *testing.T) {
	h := newHarness(t, bob, nil)
	h.engine.HandleGroupInvite(context.Background(), &domain.Message{
		Type:         domain.MsgGroupInvite,
		From:         alice,
		CallID:       "group-call",
		GroupID:      "g-1",
		Participants: []domain.UserID{alice, bob},
	})
	require.Equal(t, domain.StateIncomingRinging, h.state())

	h.engine.HandleGroupLeave(context.Background(), &domain.Message{
		Type: domain.MsgGroupLeave, From: alice, CallID: "group-call", GroupID: "g-1",
	})

	_, ok := h.engine.Snapshot()
	assert.False(t, ok)
	assert.Equal(t, []domain.EndReason{domain.ReasonCancelled}, h.metrics.endedReasons())
}

func TestStartGroupCall_RelayFallsBackToAudioMesh(t *testing.T) {
	relay := &fakeRelay{err: errors.New("janus down")}
	h := newHarness(t, alice, func(cfg *EngineConfig, deps *Dependencies) {
		deps.Relay = relay
	})

	snap, err := h.engine.StartGroupCall(context.Background(), []domain.UserID{bob, carol}, domain.CallVideo)
	require.NoError(t, err)

	assert.False(t, snap.Relay)
	assert.Equal(t, domain.CallAudio, snap.Kind)
	for _, inv := range h.transport.ofType(domain.MsgGroupInvite) {
		assert.False(t, inv.Relay)
		assert.Equal(t, domain.CallAudio, inv.CallType)
	}
}

func TestStartGroupCall_JoinFailureFallsBack(t *testing.T) {
	room := &fakeRoom{joinErr: errors.New("join timeout")}
	h := newHarness(t, alice, func(cfg *EngineConfig, deps *Dependencies) {
		deps.Relay = &fakeRelay{room: room}
	})

	snap, err := h.engine.StartGroupCall(context.Background(), []domain.UserID{bob}, domain.CallVideo)
	require.NoError(t, err)

	assert.False(t, snap.Relay)
	assert.Equal(t, domain.CallAudio, snap.Kind)
	assert.True(t, room.hasLeft())
}

func TestStartGroupCall_RelayVideo(t *testing.T) {
	room := &fakeRoom{}
	relay := &fakeRelay{room: room}
	h := newHarness(t, alice, func(cfg *EngineConfig, deps *Dependencies) {
		deps.Relay = relay
	})

	snap, err := h.engine.StartGroupCall(context.Background(), []domain.UserID{bob, carol}, domain.CallVideo)
	require.NoError(t, err)

	assert.True(t, snap.Relay)
	assert.Equal(t, domain.CallVideo, snap.Kind)
	require.Len(t, room.joined, 1)
	assert.True(t, room.joined[0].ReceiveVideo)
	assert.Equal(t, snap.GroupID, room.joined[0].GroupID)
	for _, inv := range h.transport.ofType(domain.MsgGroupInvite) {
		assert.True(t, inv.Relay)
	}

	relay.handler().FeedAttached(ports.RelayFeed{FeedID: 7, Display: bob})
	assert.Equal(t, domain.StateActive, h.state())
	assert.Empty(t, h.links.all(), "relay calls open no mesh links")

	require.NoError(t, h.engine.End(context.Background()))
	assert.True(t, room.hasLeft())
	assert.Len(t, h.transport.ofType(domain.MsgGroupLeave), 2)
}

func TestRelay_LostEndsCall(t *testing.T) {
	relay := &fakeRelay{room: &fakeRoom{}}
	h := newHarness(t, alice, func(cfg *EngineConfig, deps *Dependencies) {
		deps.Relay = relay
	})
	_, err := h.engine.StartGroupCall(context.Background(), []domain.UserID{bob}, domain.CallVideo)
	require.NoError(t, err)
	relay.handler().FeedAttached(ports.RelayFeed{FeedID: 7, Display: bob})

	relay.handler().RelayLost(errors.New("websocket closed"))

	assert.Eventually(t, func() bool {
		_, ok := h.engine.Snapshot()
		return !ok
	}, time.Second, 5*time.Millisecond)
}

// relayCall starts a relay video call from alice to bob and carol with both
// feeds subscribed.
func relayCall(t *testing.T) (*engineHarness, *fakeRoom, ports.RelayEvents) {
	t.Helper()
	room := &fakeRoom{}
	relay := &fakeRelay{room: room}
	h := newHarness(t, alice, func(cfg *EngineConfig, deps *Dependencies) {
		deps.Relay = relay
	})
	_, err := h.engine.StartGroupCall(context.Background(), []domain.UserID{bob, carol}, domain.CallVideo)
	require.NoError(t, err)
	room.attach(ports.RelayFeed{FeedID: 7, Display: bob})
	room.attach(ports.RelayFeed{FeedID: 8, Display: carol})
	require.Equal(t, domain.StateActive, h.state())
	return h, room, relay.handler()
}

func participants(t *testing.T, h *engineHarness) []domain.UserID {
	t.Helper()
	snap, ok := h.engine.Snapshot()
	require.True(t, ok)
	return snap.Participants
}

func TestRelay_UnpublishedFeedRemovesOnlyThatMember(t *testing.T) {
	h, _, events := relayCall(t)

	events.FeedDetached(ports.RelayFeed{FeedID: 7, Display: bob})

	assert.Equal(t, []domain.UserID{carol}, participants(t, h))
	assert.Equal(t, domain.StateActive, h.state())
	assert.Eventually(t, func() bool {
		return h.events.count(domain.EventParticipantLeft) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.ToggleMicrophone(context.Background(), false))
	updates := h.transport.ofType(domain.MsgMediaState)
	require.Len(t, updates, 1)
	assert.Equal(t, carol, updates[0].Target)

	events.FeedDetached(ports.RelayFeed{FeedID: 8, Display: carol})
	assert.Eventually(t, func() bool {
		_, ok := h.engine.Snapshot()
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(h.metrics.endedReasons()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.EndReason{domain.ReasonRemoteEnded}, h.metrics.endedReasons())
}

func TestRelay_FailedFeedRestartsThenDropsAfterGrace(t *testing.T) {
	h, room, events := relayCall(t)
	bobLink := newFakeLink("relay-feed-7")

	events.LinkStateChanged(ports.RelayFeed{FeedID: 7, Display: bob}, false, bobLink, domain.LinkFailed)

	require.Eventually(t, func() bool {
		_, n := room.restarts(7)
		return n == 1
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return h.metrics.restartCount("relay_failed") == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(room.droppedFeeds()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{7}, room.droppedFeeds())
	assert.Equal(t, []domain.UserID{carol}, participants(t, h))
	assert.Equal(t, domain.StateActive, h.state())
	pub, _ := room.restarts(7)
	assert.Zero(t, pub)
}

func TestRelay_FeedReconnectingWithinGraceStays(t *testing.T) {
	h, room, events := relayCall(t)
	feed := ports.RelayFeed{FeedID: 8, Display: carol}
	carolLink := newFakeLink("relay-feed-8")

	events.LinkStateChanged(feed, false, carolLink, domain.LinkConnected)
	events.LinkStateChanged(feed, false, carolLink, domain.LinkDisconnected)
	events.LinkStateChanged(feed, false, carolLink, domain.LinkConnected)

	time.Sleep(250 * time.Millisecond)
	assert.Empty(t, room.droppedFeeds())
	assert.Equal(t, []domain.UserID{bob, carol}, participants(t, h))
	assert.Equal(t, 1, h.metrics.restartCount("relay_disconnected"))
}

func TestRelay_PublisherLostEndsCallAfterGrace(t *testing.T) {
	h, room, events := relayCall(t)
	pubLink := newFakeLink("relay-publisher")

	events.LinkStateChanged(ports.RelayFeed{FeedID: 1, Display: alice}, true, pubLink, domain.LinkFailed)

	require.Eventually(t, func() bool {
		pub, _ := room.restarts(1)
		return pub == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := h.engine.Snapshot()
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, room.hasLeft())
	assert.Empty(t, room.droppedFeeds())

	require.Eventually(t, func() bool {
		_, ok := h.events.last(domain.EventCallEnded)
		return ok
	}, time.Second, 5*time.Millisecond)
	ended, _ := h.events.last(domain.EventCallEnded)
	assert.Equal(t, domain.ReasonRecoveryExhausted, ended.Reason)
	assert.Contains(t, ended.Detail, "connection recovery exhausted")
	assert.Len(t, h.transport.ofType(domain.MsgGroupLeave), 2)
}
