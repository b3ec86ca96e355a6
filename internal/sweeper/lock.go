package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// RedisLocker is a Locker backed by a single-try redsync mutex.
type RedisLocker struct {
	mutex *redsync.Mutex
}

// NewRedisLocker returns a locker on key whose lease lasts ttl. The lease
// must outlive one tick.
func NewRedisLocker(client redis.UniversalClient, key string, ttl time.Duration) *RedisLocker {
	rs := redsync.New(goredis.NewPool(client))
	return &RedisLocker{mutex: rs.NewMutex(key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)}
}

func (l *RedisLocker) Acquire(ctx context.Context) (func(context.Context) error, error) {
	if err := l.mutex.TryLockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrLockHeld, l.mutex.Name(), err)
	}
	return func(ctx context.Context) error {
		ok, err := l.mutex.UnlockContext(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("sweep lock expired before release")
		}
		return nil
	}, nil
}
