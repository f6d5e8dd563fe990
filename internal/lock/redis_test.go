package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return m, rdb
}

func TestRedisLocker_ExclusiveAcrossInstances(t *testing.T) {
	_, rdb := newTestRedis(t)
	lockers := []*RedisLocker{NewRedisLocker(rdb, 5*time.Second), NewRedisLocker(rdb, 5*time.Second)}
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(l *RedisLocker) {
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

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}(lockers[i%2])
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("expected at most 1 holder, saw %d", maxSeen)
	}
}

func TestRedisLocker_CrashedHolderExpires(t *testing.T) {
	m, rdb := newTestRedis(t)
	l := NewRedisLocker(rdb, time.Second)

	// A holder that died without unlocking.
	m.Set(lockKey("k"), "dead-holder")
	m.SetTTL(lockKey("k"), time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}

	m.FastForward(2 * time.Second)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	unlock, err := l.Lock(ctx2, "k")
	if err != nil {
		t.Fatalf("expired lease should be free: %v", err)
	}
	unlock()
	if m.Exists(lockKey("k")) {
		t.Error("unlock should delete the key")
	}
}

func TestRedisLocker_UnlockKeepsForeignLease(t *testing.T) {
	m, rdb := newTestRedis(t)
	l := NewRedisLocker(rdb, time.Second)

	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	// The lease was lost and another instance took the key.
	m.Set(lockKey("k"), "other-instance")

	unlock()
	unlock()
	if got, _ := m.Get(lockKey("k")); got != "other-instance" {
		t.Errorf("unlock released another holder's lease, key now %q", got)
	}
}

func TestRedisLocker_RenewsLease(t *testing.T) {
	m, rdb := newTestRedis(t)
	l := NewRedisLocker(rdb, 300*time.Millisecond)

	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	m.FastForward(250 * time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for m.TTL(lockKey("k")) <= 150*time.Millisecond {
		if time.Now().After(deadline) {
			t.Fatalf("lease was not renewed, ttl %s", m.TTL(lockKey("k")))
		}
		time.Sleep(10 * time.Millisecond)
	}

	unlock()
	if m.Exists(lockKey("k")) {
		t.Error("unlock should delete the key")
	}
}
