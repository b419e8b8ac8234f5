package memory

import (
	"context"
	"sync"
	"time"
)

// LockManager keeps mutation locks for one client process. A lock is a key
// with a deadline: the mutation flow holds repository.MutationLockKey(op, id)
// while its request is in flight, and the deadline frees the key if that
// request never settles.
type LockManager struct {
	mu       sync.RWMutex
	deadline map[string]time.Time
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLockManager starts a sweeper that drops lapsed keys every
// sweepInterval. Stop ends it.
func NewLockManager(sweepInterval time.Duration) *LockManager {
	if sweepInterval <= 0 {
		sweepInterval = time.Second
	}
	lm := &LockManager{
		deadline: make(map[string]time.Time),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go lm.sweepEvery(sweepInterval)
	return lm
}

// held reports whether key has a deadline after now. Callers hold mu.
func (lm *LockManager) held(key string, now time.Time) bool {
	until, ok := lm.deadline[key]
	return ok && now.Before(until)
}

// AcquireLock takes key until ttl passes. A key whose deadline has lapsed
// counts as free. It reports false while another mutation holds key.
func (lm *LockManager) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	if lm.held(key, now) {
		return false, nil
	}
	lm.deadline[key] = now.Add(ttl)
	return true, nil
}

// ReleaseLock frees key once its mutation has settled.
func (lm *LockManager) ReleaseLock(_ context.Context, key string) error {
	lm.mu.Lock()
	delete(lm.deadline, key)
	lm.mu.Unlock()
	return nil
}

func (lm *LockManager) IsLocked(_ context.Context, key string) (bool, error) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.held(key, lm.now()), nil
}

// Len returns the number of keys still tracked, lapsed ones included until
// the next sweep.
func (lm *LockManager) Len() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.deadline)
}

// sweep drops every key whose deadline has passed and returns how many went.
func (lm *LockManager) sweep() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	now := lm.now()
	dropped := 0
	for key := range lm.deadline {
		if !lm.held(key, now) {
			delete(lm.deadline, key)
			dropped++
		}
	}
	return dropped
}

func (lm *LockManager) sweepEvery(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			lm.sweep()
		case <-lm.stop:
			return
		}
	}
}

// Stop ends the sweeper. Calling it twice is fine.
func (lm *LockManager) Stop() {
	lm.stopOnce.Do(func() { close(lm.stop) })
}
