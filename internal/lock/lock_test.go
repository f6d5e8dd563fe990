package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLocalLocker_Exclusive(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "period_1")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("expected at most 1 holder, saw %d", maxSeen)
	}
}

func TestLocalLocker_IndependentKeys(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("different key should not block: %v", err)
	}
	unlockB()
}

func TestLocalLocker_ContextTimeout(t *testing.T) {
	l := NewLocalLocker()
	unlock, _ := l.Lock(context.Background(), "k")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Lock(ctx, "k")
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("expected ErrLockHeld, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded to be wrapped, got %v", err)
	}
}

func TestLocalLocker_DoubleUnlock(t *testing.T) {
	l := NewLocalLocker()
	unlock, _ := l.Lock(context.Background(), "k")
	unlock()
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	again, err := l.Lock(ctx, "k")
	if err != nil {
		t.Fatalf("lock should be free after unlock: %v", err)
	}
	again()

	// A second unlock must not release a lock taken by someone else.
	held, _ := l.Lock(context.Background(), "k")
	defer held()
	unlock()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if _, err := l.Lock(ctx2, "k"); !errors.Is(err, ErrLockHeld) {
		t.Errorf("stale unlock released a held lock: %v", err)
	}
}
