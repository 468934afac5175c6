package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"xipher/internal/core/domain"
)

const (
	alice domain.UserID = "alice"
	bob   domain.UserID = "bob"
	carol domain.UserID = "carol"
)

func hostCandidate(port string) string {
	return "candidate:1 1 udp 2122260223 10.0.0.1 " + port + " typ host"
}

func TestStartCall_TransportUnavailable(t *testing.T) {
	h := newHarness(t, alice, nil)
	h.transport.setReady(false)

	_, err := h.engine.StartCall(context.Background(), bob, domain.CallAudio)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransportUnavailable))
	_, ok := h.engine.Snapshot()
	assert.False(t, ok)
	assert.Empty(t, h.links.all())
}

func TestStartCall_RejectsSecondCall(t *testing.T) {
	h := newHarness(t, alice, nil)

	_, err := h.engine.StartCall(context.Background(), bob, domain.CallAudio)
	require.NoError(t, err)

	_, err = h.engine.StartCall(context.Background(), carol, domain.CallAudio)
	assert.True(t, errors.Is(err, domain.ErrCallInProgress))
}

func TestStartCall_RingTimeoutSendsOneCallEnd(t *testing.T) {
	h := newHarness(t, alice, nil)

	snap, err := h.engine.StartCall(context.Background(), bob, domain.CallAudio)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOutgoingRinging, snap.State)
	assert.Equal(t, domain.RoleInitiator, snap.Role)
	require.Len(t, h.transport.ofType(domain.MsgOffer), 1)

	assert.Eventually(t, func() bool {
		_, ok := h.engine.Snapshot()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	// Leave room for a stray second timer firing.
	time.Sleep(300 * time.Millisecond)

	ends := h.transport.ofType(domain.MsgCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, domain.ReasonTimeout, ends[0].Reason)
	assert.Equal(t, bob, ends[0].Target)
	assert.Equal(t, snap.ID, ends[0].CallID)

	link := h.links.last()
	require.NotNil(t, link)
	assert.True(t, link.isClosed())
	assert.True(t, h.media.acquired[0].isStopped())
	assert.Equal(t, []domain.EndReason{domain.ReasonTimeout}, h.metrics.endedReasons())
}

func TestEnd_ConcurrentTriggersSendOnce(t *testing.T) {
	h := newHarness(t, alice, nil)

	snap, err := h.engine.StartCall(context.Background(), bob, domain.CallAudio)
	require.NoError(t, err)
	h.engine.HandleAnswer(context.Background(), h.answerMessage(t, bob, snap.ID))
	require.Equal(t, domain.StateActive, h.state())

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.engine.End(context.Background())
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, errors.Is(err, domain.ErrNoCall))
		}
	}
	assert.Equal(t, 1, succeeded)

	time.Sleep(300 * time.Millisecond)
	ends := h.transport.ofType(domain.MsgCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, domain.ReasonHangup, ends[0].Reason)
	assert.True(t, h.links.last().isClosed())
}

func TestHandleAnswer_ActivatesOutgoingCall(t *testing.T) {
	h := newHarness(t, alice, nil)

	snap, err := h.engine.StartCall(context.Background(), bob, domain.CallVideo)
	require.NoError(t, err)

	h.engine.HandleIceCandidate(context.Background(), h.candidateMessage(t, bob, hostCandidate("50000")))
	link := h.links.last()
	assert.Empty(t, link.appliedCandidates())

	h.engine.HandleAnswer(context.Background(), h.answerMessage(t, bob, snap.ID))

	assert.Equal(t, domain.StateActive, h.state())
	assert.Equal(t, domain.NegotiationStable, link.NegotiationState())
	assert.Len(t, link.appliedCandidates(), 1)

	link.setState(domain.LinkConnected)
	got, ok := h.engine.Snapshot()
	require.True(t, ok)
	assert.False(t, got.ConnectedAt.IsZero())

	// Hold past the ring window: an answered call must not time out.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, domain.StateActive, h.state())
	assert.Empty(t, h.transport.ofType(domain.MsgCallEnd))
}

func TestHandleAnswer_IgnoresStaleCallID(t *testing.T) {
	h := newHarness(t, alice, nil)

	_, err := h.engine.StartCall(context.Background(), bob, domain.CallAudio)
	require.NoError(t, err)

	h.engine.HandleAnswer(context.Background(), h.answerMessage(t, bob, "some-old-call"))
	assert.Equal(t, domain.StateOutgoingRinging, h.state())
}

func TestIncomingCall_AcceptAndConnect(t *testing.T) {
	h := newHarness(t, bob, nil)
	ctx := context.Background()

	h.engine.HandleIceCandidate(ctx, h.candidateMessage(t, alice, hostCandidate("50001")))
	h.engine.HandleIceCandidate(ctx, h.candidateMessage(t, alice, hostCandidate("50002")))
	h.engine.HandleOffer(ctx, h.offerMessage(t, alice, "call-1", false))

	snap, ok := h.engine.Snapshot()
	require.True(t, ok)
	assert.Equal(t, domain.StateIncomingRinging, snap.State)
	assert.Equal(t, domain.RoleResponder, snap.Role)
	assert.Equal(t, domain.CallID("call-1"), snap.ID)
	assert.Eventually(t, func() bool { return h.events.count(domain.EventIncomingCall) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, h.engine.Accept(ctx))
	assert.Equal(t, domain.StateNegotiating, h.state())

	answers := h.transport.ofType(domain.MsgAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, alice, answers[0].Target)
	assert.Equal(t, bob, answers[0].From)

	link := h.links.last()
	applied := link.appliedCandidates()
	require.Len(t, applied, 2)
	assert.Equal(t, hostCandidate("50001"), applied[0].Candidate)
	assert.Equal(t, hostCandidate("50002"), applied[1].Candidate)

	link.setState(domain.LinkConnected)
	assert.Equal(t, domain.StateActive, h.state())
}

func TestIncomingCall_MissedAfterTimeout(t *testing.T) {
	h := newHarness(t, bob, nil)

	h.engine.HandleOffer(context.Background(), h.offerMessage(t, alice, "call-1", false))

	assert.Eventually(t, func() bool {
		_, ok := h.engine.Snapshot()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.transport.ofType(domain.MsgCallEnd))
	assert.Equal(t, []domain.EndReason{domain.ReasonMissed}, h.metrics.endedReasons())
}

func TestHandleOffer_DuplicateWithinWindowSuppressed(t *testing.T) {
	h := newHarness(t, bob, nil)
	ctx := context.Background()

	h.engine.HandleOffer(ctx, h.offerMessage(t, alice, "call-1", false))
	require.NoError(t, h.engine.Reject(ctx))
	require.Len(t, h.transport.ofType(domain.MsgCallEnd), 1)

	h.engine.HandleOffer(ctx, h.offerMessage(t, alice, "call-1", false))
	_, ok := h.engine.Snapshot()
	assert.False(t, ok, "duplicate offer must not ring again")

	h.engine.HandleOffer(ctx, h.offerMessage(t, carol, "call-2", false))
	snap, ok := h.engine.Snapshot()
	require.True(t, ok)
	assert.Equal(t, carol, snap.Counterpart)
}

func TestHandleOffer_DuplicateAfterWindowRings(t *testing.T) {
	h := newHarness(t, bob, func(cfg *EngineConfig, _ *Dependencies) {
		cfg.DuplicateOfferWindow = 20 * time.Millisecond
	})
	ctx := context.Background()

	h.engine.HandleOffer(ctx, h.offerMessage(t, alice, "call-1", false))
	require.NoError(t, h.engine.Reject(ctx))

	time.Sleep(40 * time.Millisecond)
	h.engine.HandleOffer(ctx, h.offerMessage(t, alice, "call-2", false))
	assert.Equal(t, domain.StateIncomingRinging, h.state())
}

func TestHandleOffer_BusyFromOtherCaller(t *testing.T) {
	h := newHarness(t, bob, nil)
	ctx := context.Background()

	h.engine.HandleOffer(ctx, h.offerMessage(t, alice, "call-1", false))
	h.engine.HandleOffer(ctx, h.offerMessage(t, carol, "call-2", false))

	ends := h.transport.ofType(domain.MsgCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, carol, ends[0].Target)
	assert.Equal(t, domain.ReasonBusy, ends[0].Reason)

	snap, ok := h.engine.Snapshot()
	require.True(t, ok)
	assert.Equal(t, alice, snap.Counterpart)
}

func TestHandleOffer_MalformedWhileIdle(t *testing.T) {
	h := newHarness(t, bob, nil)

	msg := &domain.Message{
		Type:   domain.MsgOffer,
		From:   alice,
		CallID: "call-1",
		Offer:  json.RawMessage(`"definitely not a session description"`),
	}
	assert.NotPanics(t, func() { h.engine.HandleOffer(context.Background(), msg) })

	_, ok := h.engine.Snapshot()
	assert.False(t, ok)
	ends := h.transport.ofType(domain.MsgCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, domain.ReasonMalformed, ends[0].Reason)
	assert.Equal(t, 1, h.metrics.decodeFails)
}

func TestHandleOffer_RenegotiatesLiveCall(t *testing.T) {
	h := newHarness(t, bob, nil)
	ctx := context.Background()

	h.engine.HandleOffer(ctx, h.offerMessage(t, alice, "call-1", false))
	require.NoError(t, h.engine.Accept(ctx))
	link := h.links.last()
	link.setState(domain.LinkConnected)
	require.Equal(t, domain.StateActive, h.state())

	h.engine.HandleOffer(ctx, h.offerMessage(t, alice, "call-1", true))

	assert.Len(t, h.transport.ofType(domain.MsgAnswer), 2)
	assert.Equal(t, domain.StateActive, h.state())
	assert.Equal(t, domain.NegotiationStable, link.NegotiationState())
	assert.Len(t, h.links.all(), 1)
}

func TestHandleOffer_RollsBackLocalOffer(t *testing.T) {
	h := newHarness(t, alice, nil)
	ctx := context.Background()

	snap, err := h.engine.StartCall(ctx, bob, domain.CallAudio)
	require.NoError(t, err)
	h.engine.HandleAnswer(ctx, h.answerMessage(t, bob, snap.ID))
	link := h.links.last()
	link.setState(domain.LinkConnected)

	require.NoError(t, h.engine.restartDirect(h.engine.session, "test"))
	require.Equal(t, domain.NegotiationOfferSent, link.NegotiationState())

	h.engine.HandleOffer(ctx, h.offerMessage(t, bob, snap.ID, true))

	assert.Equal(t, 1, link.rollbacks)
	assert.Equal(t, domain.NegotiationStable, link.NegotiationState())
	assert.Len(t, h.transport.ofType(domain.MsgAnswer), 1)
	assert.Equal(t, domain.StateActive, h.state())
}

func TestHandleCallEnd_RemoteHangup(t *testing.T) {
	h := newHarness(t, alice, nil)
	ctx := context.Background()

	snap, err := h.engine.StartCall(ctx, bob, domain.CallAudio)
	require.NoError(t, err)

	h.engine.HandleCallEnd(ctx, &domain.Message{Type: domain.MsgCallEnd, From: bob, CallID: snap.ID, Reason: domain.ReasonRejected})

	_, ok := h.engine.Snapshot()
	assert.False(t, ok)
	assert.Empty(t, h.transport.ofType(domain.MsgCallEnd))
	assert.Equal(t, []domain.EndReason{domain.ReasonRejected}, h.metrics.endedReasons())
}

func TestMediaAcquisitionDenied_ContinuesReceiveOnly(t *testing.T) {
	h := newHarness(t, alice, nil)
	h.media.err = domain.ErrMediaDenied

	_, err := h.engine.StartCall(context.Background(), bob, domain.CallAudio)
	require.NoError(t, err)

	assert.Equal(t, 1, h.media.calls, "denied media is not retried")
	assert.Eventually(t, func() bool { return h.events.count(domain.EventMediaUnavailable) == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, errors.Is(h.engine.ToggleMicrophone(context.Background(), false), domain.ErrMediaUnavailable))
}

func TestToggleMicrophone_SendsMediaState(t *testing.T) {
	h := newHarness(t, alice, nil)
	ctx := context.Background()

	snap, err := h.engine.StartCall(ctx, bob, domain.CallAudio)
	require.NoError(t, err)
	h.engine.HandleAnswer(ctx, h.answerMessage(t, bob, snap.ID))

	require.NoError(t, h.engine.ToggleMicrophone(ctx, false))

	states := h.transport.ofType(domain.MsgMediaState)
	require.Len(t, states, 1)
	require.NotNil(t, states[0].Media)
	assert.False(t, states[0].Media.Audio)

	got, _ := h.engine.Snapshot()
	assert.False(t, got.LocalMedia.Audio)
	assert.Error(t, h.engine.ToggleCamera(ctx, true), "audio call has no camera")
}

func TestHandleMediaState_UpdatesRemote(t *testing.T) {
	h := newHarness(t, alice, nil)
	ctx := context.Background()

	snap, err := h.engine.StartCall(ctx, bob, domain.CallAudio)
	require.NoError(t, err)

	h.engine.HandleMediaState(ctx, &domain.Message{
		Type:   domain.MsgMediaState,
		From:   bob,
		CallID: snap.ID,
		Media:  &domain.MediaState{Audio: false, Video: true},
	})

	got, _ := h.engine.Snapshot()
	assert.True(t, got.RemoteMedia.Video)
	assert.Eventually(t, func() bool { return h.events.count(domain.EventRemoteMediaChanged) == 1 }, time.Second, 10*time.Millisecond)
}

func TestShutdown_EndsCall(t *testing.T) {
	h := newHarness(t, alice, nil)

	_, err := h.engine.StartCall(context.Background(), bob, domain.CallAudio)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.engine.Shutdown(ctx))

	ends := h.transport.ofType(domain.MsgCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, domain.ReasonShutdown, ends[0].Reason)
}

func TestCallLogRecordsTermination(t *testing.T) {
	log := &MockCallLog{}
	log.On("Save", mock.Anything, mock.MatchedBy(func(rec *domain.CallRecord) bool {
		return rec.Counterpart == bob && rec.Reason == domain.ReasonCancelled && rec.Role == domain.RoleInitiator
	})).Return(nil).Once()

	h := newHarness(t, alice, func(_ *EngineConfig, deps *Dependencies) {
		deps.CallLog = log
	})

	_, err := h.engine.StartCall(context.Background(), bob, domain.CallAudio)
	require.NoError(t, err)
	require.NoError(t, h.engine.Cancel(context.Background()))

	log.AssertExpectations(t)
	ends := h.transport.ofType(domain.MsgCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, domain.ReasonCancelled, ends[0].Reason)
}
