package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCallState(t *testing.T) {
	assert.True(t, StateOutgoingRinging.Ringing())
	assert.True(t, StateIncomingRinging.Ringing())
	assert.False(t, StateActive.Ringing())

	assert.True(t, StateActive.Live())
	assert.True(t, StateRecovering.Live())
	assert.False(t, StateNegotiating.Live())
	assert.False(t, StateTerminated.Live())
}

func TestCallRecordDuration(t *testing.T) {
	start := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	rec := CallRecord{StartedAt: start, ConnectedAt: start.Add(5 * time.Second), EndedAt: start.Add(65 * time.Second)}
	assert.Equal(t, time.Minute, rec.Duration())

	missed := CallRecord{StartedAt: start, EndedAt: start.Add(30 * time.Second)}
	assert.Zero(t, missed.Duration())

	skewed := CallRecord{ConnectedAt: start, EndedAt: start.Add(-time.Second)}
	assert.Zero(t, skewed.Duration())
}

func TestNegotiationAcceptsRemoteOffer(t *testing.T) {
	assert.True(t, NegotiationStable.AcceptsRemoteOffer())
	assert.True(t, NegotiationOfferSent.AcceptsRemoteOffer())
	assert.False(t, NegotiationOfferReceived.AcceptsRemoteOffer())
	assert.False(t, NegotiationClosed.AcceptsRemoteOffer())
}

func TestLinkStatsLossRatio(t *testing.T) {
	assert.Zero(t, LinkStats{}.LossRatio())
	assert.Zero(t, LinkStats{PacketsReceived: 100}.LossRatio())
	assert.Zero(t, LinkStats{PacketsReceived: 100, PacketsLost: -3}.LossRatio())
	assert.InDelta(t, 0.2, LinkStats{PacketsReceived: 80, PacketsLost: 20}.LossRatio(), 1e-9)
	assert.InDelta(t, 1.0, LinkStats{PacketsLost: 5}.LossRatio(), 1e-9)
}

func TestLinkStatsProgressed(t *testing.T) {
	prev := LinkStats{BytesReceived: 1000, PacketsReceived: 10}

	assert.False(t, prev.Progressed(prev))
	assert.True(t, LinkStats{BytesReceived: 1200, PacketsReceived: 10}.Progressed(prev))
	assert.True(t, LinkStats{BytesReceived: 1000, PacketsReceived: 11}.Progressed(prev))
	assert.False(t, LinkStats{}.Progressed(prev))
}

func TestLinkStateHealthy(t *testing.T) {
	assert.True(t, LinkConnected.Healthy())
	assert.False(t, LinkDisconnected.Healthy())
	assert.False(t, LinkNew.Healthy())
}
