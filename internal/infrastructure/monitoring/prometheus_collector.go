package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
)

// PrometheusCollector records call engine metrics. It satisfies
// ports.CallMetrics.
type PrometheusCollector struct {
	callsStarted      *prometheus.CounterVec
	callsEnded        *prometheus.CounterVec
	connectedDuration prometheus.Histogram
	stateTransitions  *prometheus.CounterVec

	iceRestarts       *prometheus.CounterVec
	recoveryEpisodes  *prometheus.CounterVec
	recoveryAttempts  prometheus.Histogram
	silenceHealSteps  *prometheus.CounterVec
	decodeFailures    *prometheus.CounterVec
	candidatesDropped prometheus.Counter

	relayRequests *prometheus.HistogramVec
}

var _ ports.CallMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the call metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		callsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xipher_calls_started_total",
			Help: "Calls started, by media kind and local role",
		}, []string{"kind", "role", "group"}),

		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xipher_calls_ended_total",
			Help: "Calls terminated, by end reason",
		}, []string{"reason"}),

		connectedDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "xipher_call_connected_duration_seconds",
			Help:    "Connected duration of terminated calls",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),

		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xipher_call_state_transitions_total",
			Help: "Call session state transitions",
		}, []string{"from", "to"}),

		iceRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xipher_ice_restarts_total",
			Help: "ICE restart renegotiations, by trigger",
		}, []string{"trigger"}),

		recoveryEpisodes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xipher_recovery_episodes_total",
			Help: "Connection recovery episodes, by outcome",
		}, []string{"outcome"}),

		recoveryAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "xipher_recovery_attempts",
			Help:    "ICE restart attempts per recovery episode",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 8},
		}),

		silenceHealSteps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xipher_silence_heal_steps_total",
			Help: "Inbound audio self-healing steps taken",
		}, []string{"step"}),

		decodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xipher_signaling_decode_failures_total",
			Help: "Signaling payloads that could not be decoded",
		}, []string{"kind"}),

		candidatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "xipher_candidates_discarded_total",
			Help: "Buffered ICE candidates discarded as stale",
		}),

		relayRequests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xipher_relay_request_duration_seconds",
			Help:    "Relay transaction round trips",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 6, 10},
		}, []string{"method", "outcome"}),
	}
}

func (p *PrometheusCollector) CallStarted(kind domain.CallKind, role domain.CallRole, group bool) {
	p.callsStarted.WithLabelValues(string(kind), string(role), strconv.FormatBool(group)).Inc()
}

func (p *PrometheusCollector) CallEnded(reason domain.EndReason, connected time.Duration) {
	p.callsEnded.WithLabelValues(string(reason)).Inc()
	if connected > 0 {
		p.connectedDuration.Observe(connected.Seconds())
	}
}

func (p *PrometheusCollector) StateTransition(from, to domain.CallState) {
	p.stateTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (p *PrometheusCollector) ICERestart(trigger string) {
	p.iceRestarts.WithLabelValues(trigger).Inc()
}

func (p *PrometheusCollector) RecoveryEpisode(outcome string, attempts int) {
	p.recoveryEpisodes.WithLabelValues(outcome).Inc()
	p.recoveryAttempts.Observe(float64(attempts))
}

func (p *PrometheusCollector) SilenceHealStep(step string) {
	p.silenceHealSteps.WithLabelValues(step).Inc()
}

func (p *PrometheusCollector) SignalingDecodeFailure(kind string) {
	p.decodeFailures.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) CandidatesDiscarded(n int) {
	p.candidatesDropped.Add(float64(n))
}

func (p *PrometheusCollector) RelayRequest(method string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.relayRequests.WithLabelValues(method, outcome).Observe(d.Seconds())
}
