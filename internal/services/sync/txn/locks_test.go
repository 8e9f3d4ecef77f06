package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coursebridge/coursebridge/internal/services/sync/domain"
)

func TestAcquireSerializesSameEntity(t *testing.T) {
	arena := NewLockArena()

	release, err := arena.Acquire(context.Background(), domain.EntityUser, "u-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		secondRelease, acquireErr := arena.Acquire(context.Background(), domain.EntityUser, "u-1")
		if acquireErr != nil {
			t.Errorf("second acquire: %v", acquireErr)
			return
		}
		close(acquired)
		secondRelease()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while the lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("second acquire never completed after release")
	}
}

func TestAcquireDifferentEntitiesDoNotBlock(t *testing.T) {
	arena := NewLockArena()

	releaseA, err := arena.Acquire(context.Background(), domain.EntityUser, "u-1")
	if err != nil {
		t.Fatalf("acquire u-1: %v", err)
	}
	defer releaseA()

	// Same ID under a different entity type is a different lock.
	releaseB, err := arena.Acquire(context.Background(), domain.EntityCourse, "u-1")
	if err != nil {
		t.Fatalf("acquire course u-1: %v", err)
	}
	releaseB()

	releaseC, err := arena.Acquire(context.Background(), domain.EntityUser, "u-2")
	if err != nil {
		t.Fatalf("acquire u-2: %v", err)
	}
	releaseC()
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	arena := NewLockArena()

	release, err := arena.Acquire(context.Background(), domain.EntityUser, "u-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := arena.Acquire(ctx, domain.EntityUser, "u-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestTryAcquireReturnsConcurrentSyncError(t *testing.T) {
	arena := NewLockArena()

	release, err := arena.TryAcquire(domain.EntityUser, "u-1")
	if err != nil {
		t.Fatalf("try acquire: %v", err)
	}

	_, err = arena.TryAcquire(domain.EntityUser, "u-1")
	var concurrent *domain.ConcurrentSyncError
	if !errors.As(err, &concurrent) {
		t.Fatalf("expected ConcurrentSyncError, got %v", err)
	}
	if concurrent.EntityID != "u-1" {
		t.Fatalf("entity id = %q, want u-1", concurrent.EntityID)
	}

	release()
	secondRelease, err := arena.TryAcquire(domain.EntityUser, "u-1")
	if err != nil {
		t.Fatalf("try acquire after release: %v", err)
	}
	secondRelease()
}

func TestReleaseIsIdempotent(t *testing.T) {
	arena := NewLockArena()

	release, err := arena.Acquire(context.Background(), domain.EntityUser, "u-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release()

	again, err := arena.Acquire(context.Background(), domain.EntityUser, "u-1")
	if err != nil {
		t.Fatalf("acquire after double release: %v", err)
	}
	again()
}

func TestArenaDropsUnusedLocks(t *testing.T) {
	arena := NewLockArena()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := arena.Acquire(context.Background(), domain.EntityUser, "u-1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			release()
		}()
	}
	wg.Wait()

	arena.mu.Lock()
	remaining := len(arena.locks)
	arena.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("arena holds %d locks after all releases, want 0", remaining)
	}
}
