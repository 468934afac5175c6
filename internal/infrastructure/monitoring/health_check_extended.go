package monitoring

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"xipher/internal/core/ports"
	"xipher/pkg/circuitbreaker"
)

func (h *HealthChecker) AddRedisCheck(client redis.Cmdable) {
	h.AddCheck(HealthCheck{
		Name:     "redis",
		Critical: true,
		Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	})
}

// AddSignalingCheck reports whether the signaling transport is connected.
func (h *HealthChecker) AddSignalingCheck(transport ports.SignalingTransport) {
	h.AddCheck(HealthCheck{
		Name:     "signaling",
		Critical: true,
		Check: func(ctx context.Context) error {
			if !transport.Ready() {
				return errors.New("signaling transport disconnected")
			}
			return nil
		},
	})
}

// AddRelayCheck reports the relay circuit breaker. An open breaker degrades
// group calls to audio mesh, so it is not critical.
func (h *HealthChecker) AddRelayCheck(breaker *circuitbreaker.CircuitBreaker) {
	h.AddCheck(HealthCheck{
		Name: "relay",
		Check: func(ctx context.Context) error {
			if state := breaker.State(); state == circuitbreaker.StateOpen {
				return fmt.Errorf("relay circuit %s", state)
			}
			return nil
		},
	})
}
