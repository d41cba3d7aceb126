package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// unlockScript deletes the key only if it still holds our token, so a holder
// whose lock already expired cannot release somebody else's.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// RedisLocker is a Locker shared by every instance pointed at the same Redis.
// It uses SET NX with an expiry so a crashed holder cannot block a loan forever.
type RedisLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxWait       time.Duration
}

func NewRedisLocker(client *redis.Client, ttl, maxWait time.Duration) *RedisLocker {
	return &RedisLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: 50 * time.Millisecond,
		maxWait:       maxWait,
	}
}

// TryLock makes a single attempt.
func (l *RedisLocker) TryLock(ctx context.Context, key, token string) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Lock retries TryLock until it succeeds, maxWait elapses or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.maxWait)

	for {
		ok, err := l.TryLock(ctx, key, token)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLockFailed, err)
		}
		if ok {
			return func() { l.unlock(key, token) }, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s: waited %s", ErrLockFailed, key, l.maxWait)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrLockFailed, key, ctx.Err())
		case <-time.After(l.retryInterval):
		}
	}
}

// unlock runs on its own context: the request context may already be cancelled
// by the time the caller releases.
func (l *RedisLocker) unlock(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// A failed release is recovered by the key's TTL.
	_ = l.client.Eval(ctx, unlockScript, []string{key}, token).Err()
}
