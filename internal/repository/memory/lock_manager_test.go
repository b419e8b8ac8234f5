package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hazardwatch/internal/repository"
)

var _ repository.LockManager = (*LockManager)(nil)
var _ repository.KVStore = (*KVStore)(nil)

func TestLockManager_AcquireRelease(t *testing.T) {
	lm := NewLockManager(time.Hour)
	defer lm.Stop()
	ctx := context.Background()

	ok, err := lm.AcquireLock(ctx, "vote:a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = lm.AcquireLock(ctx, "vote:a", time.Minute)
	assert.False(t, ok, "held lock cannot be taken twice")

	ok, _ = lm.AcquireLock(ctx, "vote:b", time.Minute)
	assert.True(t, ok, "locks are per key")

	require.NoError(t, lm.ReleaseLock(ctx, "vote:a"))
	locked, _ := lm.IsLocked(ctx, "vote:a")
	assert.False(t, locked)
}

func TestLockManager_Expiry(t *testing.T) {
	lm := NewLockManager(time.Hour)
	defer lm.Stop()
	ctx := context.Background()

	now := time.Unix(1700000000, 0)
	lm.now = func() time.Time { return now }

	ok, _ := lm.AcquireLock(ctx, "status:a", time.Second)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	locked, _ := lm.IsLocked(ctx, "status:a")
	assert.False(t, locked)
	ok, _ = lm.AcquireLock(ctx, "status:a", time.Second)
	assert.True(t, ok, "expired lock is free")
}

func TestLockManager_Sweep(t *testing.T) {
	lm := NewLockManager(time.Hour)
	defer lm.Stop()
	ctx := context.Background()

	now := time.Unix(1700000000, 0)
	lm.now = func() time.Time { return now }

	_, _ = lm.AcquireLock(ctx, repository.MutationLockKey("vote", "a"), time.Second)
	_, _ = lm.AcquireLock(ctx, repository.MutationLockKey("update status", "a"), time.Minute)
	assert.Equal(t, 2, lm.Len())

	now = now.Add(2 * time.Second)
	assert.Equal(t, 1, lm.sweep())
	assert.Equal(t, 1, lm.Len())
	locked, _ := lm.IsLocked(ctx, "update status:a")
	assert.True(t, locked, "unexpired lock survives the sweep")
}

func TestLockManager_CanceledContext(t *testing.T) {
	lm := NewLockManager(time.Hour)
	defer lm.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := lm.AcquireLock(ctx, "vote:a", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	lm.Stop()
}

func TestKVStore_Memory(t *testing.T) {
	ctx := context.Background()
	s := NewKVStore()

	buf := []byte("v1")
	require.NoError(t, s.Set(ctx, "k", buf))
	buf[0] = 'x'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got), "stored value must not alias the caller's buffer")

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, repository.ErrKeyNotFound)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Set(ctx, "k", nil), ErrStoreClosed)
}
