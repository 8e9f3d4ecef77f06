package txn

import (
	"context"
	"sync"

	"github.com/coursebridge/coursebridge/internal/services/sync/domain"
)

// LockArena hands out per-entity exclusive locks. Handles are refcounted so
// the arena stays small: a lock exists only while someone holds or waits
// for it.
type LockArena struct {
	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	refs int
	sem  chan struct{}
}

// NewLockArena constructs an empty arena.
func NewLockArena() *LockArena {
	return &LockArena{locks: make(map[string]*entityLock)}
}

func lockKey(entityType domain.EntityType, entityID string) string {
	return string(entityType) + ":" + entityID
}

func (a *LockArena) checkout(key string) *entityLock {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[key]
	if !ok {
		lock = &entityLock{sem: make(chan struct{}, 1)}
		a.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (a *LockArena) checkin(key string, lock *entityLock) {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(a.locks, key)
	}
}

// Acquire blocks until the entity's lock is held or the context ends. The
// returned release function must be called exactly once, on every exit
// path.
func (a *LockArena) Acquire(ctx context.Context, entityType domain.EntityType, entityID string) (func(), error) {
	key := lockKey(entityType, entityID)
	lock := a.checkout(key)

	select {
	case lock.sem <- struct{}{}:
	case <-ctx.Done():
		a.checkin(key, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-lock.sem
			a.checkin(key, lock)
		})
	}
	return release, nil
}

// TryAcquire takes the entity's lock without blocking. Contention comes
// back as ConcurrentSyncError.
func (a *LockArena) TryAcquire(entityType domain.EntityType, entityID string) (func(), error) {
	key := lockKey(entityType, entityID)
	lock := a.checkout(key)

	select {
	case lock.sem <- struct{}{}:
	default:
		a.checkin(key, lock)
		return nil, &domain.ConcurrentSyncError{EntityType: entityType, EntityID: entityID}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-lock.sem
			a.checkin(key, lock)
		})
	}
	return release, nil
}
