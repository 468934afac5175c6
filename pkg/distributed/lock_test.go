package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_AcquireAndRelease(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lock := NewLock(db, "xipher:lock:schema", "holder-1", 30*time.Second)
	ctx := context.Background()

	mock.ExpectSetNX("xipher:lock:schema", "holder-1", 30*time.Second).SetVal(true)
	require.NoError(t, lock.Lock(ctx, time.Second))

	mock.ExpectEval(unlockScript, []string{"xipher:lock:schema"}, "holder-1").SetVal(int64(1))
	require.NoError(t, lock.Unlock(ctx))

	mock.ExpectEval(unlockScript, []string{"xipher:lock:schema"}, "holder-1").SetVal(int64(0))
	assert.ErrorIs(t, lock.Unlock(ctx), ErrNotHeld)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLock_TimesOutWhileHeld(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lock := NewLock(db, "k", "holder-2", time.Minute)

	mock.ExpectSetNX("k", "holder-2", time.Minute).SetVal(false)
	mock.ExpectSetNX("k", "holder-2", time.Minute).SetVal(false)

	err := lock.Lock(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockManager_PrefixesKeys(t *testing.T) {
	db, _ := redismock.NewClientMock()
	a := NewLockManager(db, "xipher:lock:").NewLock("schema", time.Second)
	b := NewLockManager(db, "xipher:lock:").NewLock("schema", time.Second)

	assert.Equal(t, "xipher:lock:schema", a.key)
	assert.NotEqual(t, a.value, b.value)
}
