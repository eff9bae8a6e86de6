// Package lock provides the optional cross-process mutex used around poll
// cycles and rain-day runs when more than one trigger may fire at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var ErrNotObtained = errors.New("lock: not obtained")

// Locker hands out short-lived named locks. Release is safe to call once.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(context.Context), err error)
}

// Nop always grants the lock. Used when no Redis is configured; the SQL
// claim pattern still keeps task execution exclusive.
type Nop struct{}

func (Nop) Obtain(ctx context.Context, key string, ttl time.Duration) (func(context.Context), error) {
	return func(context.Context) {}, nil
}

type Redis struct {
	client *redislock.Client
	prefix string
}

// NewRedis connects to addr and returns a Locker plus the underlying client
// so the caller can close it on shutdown.
func NewRedis(ctx context.Context, addr, prefix string) (*Redis, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Redis{client: redislock.New(rdb), prefix: prefix}, rdb, nil
}

func (r *Redis) Obtain(ctx context.Context, key string, ttl time.Duration) (func(context.Context), error) {
	l, err := r.client.Obtain(ctx, r.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) { _ = l.Release(ctx) }, nil
}
