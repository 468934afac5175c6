// Package distributed provides Redis-backed coordination between nodes.
package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrLockTimeout = errors.New("lock acquisition timeout")
	ErrNotHeld     = errors.New("lock was not held by this instance")
)

// unlockScript deletes the key only while it still carries our value.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

const retryInterval = 100 * time.Millisecond

// Lock is a single-holder lease on a Redis key. The lease expires after ttl
// unless released, so a crashed holder cannot block others forever.
type Lock struct {
	client redis.Cmdable
	key    string
	value  string
	ttl    time.Duration
}

// NewLock creates a lock whose holder is identified by value.
func NewLock(client redis.Cmdable, key, value string, ttl time.Duration) *Lock {
	return &Lock{client: client, key: key, value: value, ttl: ttl}
}

// TryLock attempts to acquire the lock without blocking.
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to try lock: %w", err)
	}
	return acquired, nil
}

// Lock polls until the lock is acquired, timeout elapses or ctx is done.
func (l *Lock) Lock(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		acquired, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

func (l *Lock) Unlock(ctx context.Context) error {
	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if result == 0 {
		return ErrNotHeld
	}
	return nil
}

// LockManager hands out locks under a common key prefix, each with a fresh
// holder value.
type LockManager struct {
	client redis.Cmdable
	prefix string
}

func NewLockManager(client redis.Cmdable, prefix string) *LockManager {
	return &LockManager{client: client, prefix: prefix}
}

func (lm *LockManager) NewLock(key string, ttl time.Duration) *Lock {
	return NewLock(lm.client, lm.prefix+key, holderValue(), ttl)
}

func holderValue() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
