// Package lock serializes block creation per organization.
//
// Two strategies sit behind one Strategy interface so the block builder
// never needs to know which is active:
//
//   - RedisStrategy: an external SET NX PX lock with bounded retry/backoff
//     and a token-matched release.
//   - TxStrategy: a scope-keyed exclusive lock taken inside the same
//     database transaction that writes the block.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBusy means another holder owns the scope. It is an expected outcome,
// not a failure.
var ErrBusy = errors.New("lock busy")

// ScopeLocker takes a scope-keyed exclusive lock that lives as long as the
// surrounding database transaction. *store.Tx implements it.
type ScopeLocker interface {
	LockScope(ctx context.Context, scope string) error
}

// Lease is a held (or, for the transactional strategy, pending) lock.
type Lease interface {
	// Enter runs first inside the critical-section transaction.
	Enter(ctx context.Context, tx ScopeLocker) error
	// Release gives the scope back. It must be called after the
	// transaction has committed or rolled back.
	Release(ctx context.Context) error
}

// Strategy hands out leases for a scope.
type Strategy interface {
	Name() string
	// Acquire returns ErrBusy when the scope stays contended.
	Acquire(ctx context.Context, scope string) (Lease, error)
}

// Options configures strategy selection.
type Options struct {
	// Mode is "redis", "database" or "auto".
	Mode       string
	RedisAddr  string
	TTL        time.Duration
	MaxRetries int
	Backoff    time.Duration
}

// Select picks the strategy at startup. In auto mode redis is used when an
// address is configured and answers PING; otherwise the database fallback.
// The returned close func releases the redis client, if any.
func Select(ctx context.Context, opts Options) (Strategy, func() error, error) {
	noop := func() error { return nil }

	switch opts.Mode {
	case "database":
		return TxStrategy{}, noop, nil
	case "redis", "auto", "":
	default:
		return nil, nil, fmt.Errorf("unknown lock strategy %q (use redis, database or auto)", opts.Mode)
	}

	if opts.RedisAddr == "" {
		if opts.Mode == "redis" {
			return nil, nil, fmt.Errorf("lock strategy redis requires lock.redisAddr")
		}
		slog.Info("no redis address configured, using database lock")
		return TxStrategy{}, noop, nil
	}

	client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		if opts.Mode == "redis" {
			return nil, nil, fmt.Errorf("connecting to redis %s: %w", opts.RedisAddr, err)
		}
		slog.Warn("redis unavailable, using database lock", "addr", opts.RedisAddr, "error", err)
		return TxStrategy{}, noop, nil
	}

	locker := NewRedisLocker(client, LockerConfig{
		TTL:        opts.TTL,
		MaxRetries: opts.MaxRetries,
		Backoff:    opts.Backoff,
	})
	slog.Info("using redis lock", "addr", opts.RedisAddr)
	return &RedisStrategy{Locker: locker}, client.Close, nil
}

// TxStrategy is the database fallback. Acquire always succeeds; the real
// exclusion happens in Enter, inside the block transaction.
type TxStrategy struct{}

// Name implements Strategy.
func (TxStrategy) Name() string { return "database" }

// Acquire implements Strategy.
func (TxStrategy) Acquire(_ context.Context, scope string) (Lease, error) {
	return txLease{scope: scope}, nil
}

type txLease struct {
	scope string
}

func (l txLease) Enter(ctx context.Context, tx ScopeLocker) error {
	if err := tx.LockScope(ctx, "block:"+l.scope); err != nil {
		return fmt.Errorf("taking transaction lock on block:%s: %w", l.scope, err)
	}
	return nil
}

// Release is a no-op: the transaction lock ends with the transaction.
func (txLease) Release(context.Context) error { return nil }

// RedisStrategy leases scopes from a RedisLocker. If redis fails for a
// reason other than contention, the attempt degrades to a transaction
// lock so the critical section stays serialized.
type RedisStrategy struct {
	Locker *RedisLocker
}

// Name implements Strategy.
func (s *RedisStrategy) Name() string { return "redis" }

// Acquire implements Strategy.
func (s *RedisStrategy) Acquire(ctx context.Context, scope string) (Lease, error) {
	token, err := s.Locker.Acquire(ctx, scope)
	switch {
	case err == nil:
		return &redisLease{locker: s.Locker, scope: scope, token: token}, nil
	case errors.Is(err, ErrBusy):
		return nil, err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		slog.Warn("redis lock failed, falling back to transaction lock", "scope", scope, "error", err)
		return txLease{scope: scope}, nil
	}
}

type redisLease struct {
	locker *RedisLocker
	scope  string
	token  string
}

// Enter is a no-op: the redis lock is already held.
func (*redisLease) Enter(context.Context, ScopeLocker) error { return nil }

func (l *redisLease) Release(ctx context.Context) error {
	released, err := l.locker.Release(ctx, l.scope, l.token)
	if err != nil {
		return err
	}
	if !released {
		slog.Warn("redis lock expired before release", "scope", l.scope)
	}
	return nil
}
