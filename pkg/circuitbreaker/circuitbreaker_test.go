package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRelayDown = errors.New("relay down")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := New("relay", cfg)
	cb.now = clock.Now
	cb.stateChangeTime = clock.Now()
	return cb, clock
}

func failing(context.Context) error    { return errRelayDown }
func succeeding(context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Second, MaxRequestsHalfOpen: 1})
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, failing), errRelayDown)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, failing), errRelayDown)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second, MaxRequestsHalfOpen: 1})
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, failing), errRelayDown)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(1100 * time.Millisecond)
	require.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe while half-open")

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second, MaxRequestsHalfOpen: 1})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failing))
	clock.Advance(2 * time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, failing), errRelayDown)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, succeeding), ErrOpen)
}

func TestCircuitBreaker_CancellationNotCounted(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second, MaxRequestsHalfOpen: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().FailureCount)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Second, MaxRequestsHalfOpen: 1})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	require.NoError(t, cb.Execute(ctx, succeeding))
	_ = cb.Execute(ctx, failing)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Stats().FailureCount)
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second, MaxRequestsHalfOpen: 1})
	changes := make(chan State, 4)
	cb.OnStateChange(func(name string, from, to State) {
		assert.Equal(t, "relay", name)
		changes <- to
	})

	_ = cb.Execute(context.Background(), failing)
	select {
	case to := <-changes:
		assert.Equal(t, StateOpen, to)
	case <-time.After(time.Second):
		t.Fatal("state change callback not invoked")
	}

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecuteWithResult(t *testing.T) {
	cb := New("relay", DefaultConfig())
	v, err := ExecuteWithResult(context.Background(), cb, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
