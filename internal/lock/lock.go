// Package lock serializes writers per key. A market period has exactly one
// writer at a time; reads never take the lock.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLockHeld is returned when a lock could not be obtained before the
// context expired.
var ErrLockHeld = errors.New("lock: held by another owner")

// Locker acquires an exclusive lock on key. The returned unlock function is
// safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is an in-process Locker with one channel-backed mutex per key.
// It honours context cancellation while waiting.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Join(ErrLockHeld, ctx.Err())
	}

	var once sync.Once
	return func() { once.Do(func() { <-slot }) }, nil
}

var _ Locker = (*LocalLocker)(nil)
