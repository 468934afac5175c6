package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xipher/internal/core/domain"
	"xipher/pkg/circuitbreaker"
)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.CallStarted(domain.CallVideo, domain.RoleInitiator, false)
	c.CallStarted(domain.CallVideo, domain.RoleInitiator, false)
	c.CallEnded(domain.ReasonHangup, 30*time.Second)
	c.CallEnded(domain.ReasonMissed, 0)
	c.ICERestart("disconnected")
	c.RecoveryEpisode("recovered", 2)
	c.CandidatesDiscarded(3)
	c.RelayRequest("join", 20*time.Millisecond, nil)
	c.RelayRequest("join", 6*time.Second, errors.New("timeout"))

	assert.Equal(t, 2.0, sample(t, reg, "xipher_calls_started_total", map[string]string{"kind": "video", "role": "initiator", "group": "false"}))
	assert.Equal(t, 1.0, sample(t, reg, "xipher_calls_ended_total", map[string]string{"reason": "missed"}))
	assert.Equal(t, 1.0, sample(t, reg, "xipher_ice_restarts_total", map[string]string{"trigger": "disconnected"}))
	assert.Equal(t, 3.0, sample(t, reg, "xipher_candidates_discarded_total", nil))
	assert.Equal(t, 1.0, sample(t, reg, "xipher_call_connected_duration_seconds", nil), "unconnected calls are not observed")
	assert.Equal(t, 1.0, sample(t, reg, "xipher_relay_request_duration_seconds", map[string]string{"method": "join", "outcome": "error"}))
}

// sample returns a counter value or a histogram sample count from reg.
func sample(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if h := m.GetHistogram(); h != nil {
				return float64(h.GetSampleCount())
			}
		}
	}
	return 0
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck(HealthCheck{Name: "ok", Critical: true, Check: func(context.Context) error { return nil }})
	h.AddCheck(HealthCheck{Name: "optional", Check: func(context.Context) error { return errors.New("degraded") }})

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, "degraded", status.Checks["optional"])
	assert.True(t, h.IsReady(context.Background()))

	h.AddCheck(HealthCheck{Name: "slow", Critical: true, Timeout: 20 * time.Millisecond, Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	status = h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Contains(t, status.Checks["slow"], "deadline")
}

type readyTransport bool

func (r readyTransport) Send(context.Context, *domain.Message) error { return nil }
func (r readyTransport) Ready() bool                                 { return bool(r) }

func TestDependencyChecks(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectPing().SetVal("PONG")

	breaker := circuitbreaker.New("relay", circuitbreaker.DefaultConfig())
	h := NewHealthChecker()
	h.AddRedisCheck(db)
	h.AddSignalingCheck(readyTransport(false))
	h.AddRelayCheck(breaker)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["redis"])
	assert.Equal(t, StatusHealthy, status.Checks["relay"])
	assert.Contains(t, status.Checks["signaling"], "disconnected")
	assert.NoError(t, mock.ExpectationsWereMet())
}
