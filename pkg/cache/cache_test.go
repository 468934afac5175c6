package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGetExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New[string](time.Minute, 0)
	c.now = func() time.Time { return now }

	c.Set("a", "1")
	c.SetWithTTL("b", "2", time.Second)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	now = now.Add(2 * time.Second)
	_, ok = c.Get("b")
	assert.False(t, ok, "b expired")
	_, ok = c.Get("a")
	assert.True(t, ok)

	c.Invalidate("")
	assert.Equal(t, 1, c.Size())
}

func TestCache_InvalidatePrefix(t *testing.T) {
	c := New[int](time.Minute, 0)
	c.Set("turn:alice", 1)
	c.Set("turn:bob", 2)
	c.Set("stun", 3)

	c.Invalidate("turn:")
	assert.Equal(t, 1, c.Size())
	_, ok := c.Get("stun")
	assert.True(t, ok)
}

func TestCache_GetOrLoadSingleFlight(t *testing.T) {
	c := New[string](time.Minute, 0)
	var calls int32
	release := make(chan struct{})

	load := func(context.Context) (string, time.Duration, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "creds", time.Minute, nil
	}

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "k", load)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, "creds", r)
	}
}

func TestCache_GetOrLoadErrorNotCached(t *testing.T) {
	c := New[string](time.Minute, 0)
	boom := errors.New("boom")

	_, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (string, time.Duration, error) {
		return "", 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Size())
}

func TestCache_StopIdempotent(t *testing.T) {
	c := New[int](time.Minute, 10*time.Millisecond)
	c.Stop()
	c.Stop()
}
