// Package lock provides non-blocking named locks used to keep poll cycles from overlapping.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis"
)

// Locker hands out a lock for key if nobody holds it. ok is false when the lock is taken.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocal creates an in-process Locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]bool)}
}

// TryLock never blocks.
func (l *Local) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

const keyPattern = "robotrss:lock:%s"

// Redis is a Locker shared by every process that talks to the same Redis server.
type Redis struct {
	rs     *redsync.Redsync
	expiry time.Duration
	onErr  func(key string, err error)
}

// NewRedis connects to addr. expiry bounds how long a crashed holder can keep the lock.
func NewRedis(addr string, expiry time.Duration, onUnlockErr func(key string, err error)) *Redis {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pool := goredis.NewPool(client)
	return &Redis{rs: redsync.New(pool), expiry: expiry, onErr: onUnlockErr}
}

// TryLock makes a single acquisition attempt.
func (r *Redis) TryLock(_ context.Context, key string) (func(), bool, error) {
	m := r.rs.NewMutex(fmt.Sprintf(keyPattern, key), redsync.WithExpiry(r.expiry), redsync.WithTries(1))
	if err := m.Lock(); err != nil {
		if errors.Is(err, redsync.ErrFailed) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if _, err := m.Unlock(); err != nil && r.onErr != nil {
				r.onErr(key, err)
			}
		})
	}, true, nil
}
