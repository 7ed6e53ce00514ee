package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Defaults for the block lock.
const (
	DefaultTTL        = 10 * time.Second
	DefaultMaxRetries = 5
	DefaultBackoff    = 50 * time.Millisecond
)

// releaseScript deletes the key only while it still holds the caller's
// token, so a holder whose lock expired and was reassigned cannot release
// the new owner's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// LockerConfig tunes acquisition. Zero values take the defaults.
type LockerConfig struct {
	TTL        time.Duration
	MaxRetries int // total attempts
	Backoff    time.Duration
}

// RedisLocker implements acquire/release over SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	cfg    LockerConfig
}

// NewRedisLocker creates a locker on an existing client.
func NewRedisLocker(client redis.UniversalClient, cfg LockerConfig) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	return &RedisLocker{client: client, cfg: cfg}
}

// Key returns the redis key guarding a scope.
func Key(scope string) string {
	return "lock:block:" + scope
}

// Acquire tries to take the scope, waiting an increasing backoff between
// attempts. It returns the owner token, or ErrBusy once all attempts are
// used. Redis errors abort immediately.
func (l *RedisLocker) Acquire(ctx context.Context, scope string) (string, error) {
	token := uuid.NewString()
	key := Key(scope)

	attempt := func() error {
		ok, err := l.client.SetNX(ctx, key, token, l.cfg.TTL).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("redis SET NX %s: %w", key, err))
		}
		if !ok {
			return ErrBusy
		}
		return nil
	}

	if err := backoff.Retry(attempt, l.schedule(ctx)); err != nil {
		if errors.Is(err, ErrBusy) && ctx.Err() == nil {
			return "", ErrBusy
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return token, nil
}

// Release deletes the key if it still holds token. It reports false when
// the lock had already expired or belongs to someone else.
func (l *RedisLocker) Release(ctx context.Context, scope, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{Key(scope)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("releasing %s: %w", Key(scope), err)
	}
	return n == 1, nil
}

// schedule doubles the wait after every failed attempt, starting at the
// configured backoff, for MaxRetries attempts in total.
func (l *RedisLocker) schedule(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.Backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = l.cfg.TTL
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.cfg.MaxRetries-1)), ctx)
}
