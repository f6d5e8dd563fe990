package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes the key only if it still holds the caller's token, so an
// expired holder cannot release someone else's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// renewLua extends the lease only while the key still holds the caller's token.
const renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// RedisLocker is a Locker shared across instances, built on SETNX with a TTL.
// Lock polls until it wins or ctx is done. A held lease is renewed every
// third of its TTL until unlock, so a slow critical section keeps the lock
// and a crashed holder releases it within one TTL.
type RedisLocker struct {
	rdb      *redis.Client
	ttl      time.Duration
	retry    time.Duration
	renew    time.Duration
	unlockSc *redis.Script
	renewSc  *redis.Script
	logger   *slog.Logger
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed holder
// can block others.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{
		rdb:      rdb,
		ttl:      ttl,
		retry:    25 * time.Millisecond,
		renew:    max(ttl/3, time.Millisecond),
		unlockSc: redis.NewScript(unlockLua),
		renewSc:  redis.NewScript(renewLua),
		logger:   slog.Default(),
	}
}

func lockKey(key string) string { return "kolmarket:lock:" + key }

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	lk := lockKey(key)

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, lk, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(lk, token, stop, done)

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			<-done

			// Background context so unlock succeeds after the caller's ctx is cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
		})
	}
	return unlock, nil
}

// keepAlive renews the lease on lk until stop is closed or the lease is lost.
func (l *RedisLocker) keepAlive(lk, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.renew)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.renew)
		ok, err := l.renewSc.Run(ctx, l.rdb, []string{lk}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			l.logger.Warn("lock lease renewal failed", "key", lk, "err", err)
			continue
		}
		if ok == 0 {
			l.logger.Error("lock lease lost", "key", lk)
			return
		}
	}
}

var _ Locker = (*RedisLocker)(nil)
