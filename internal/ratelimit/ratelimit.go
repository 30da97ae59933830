// Package ratelimit paces outbound gateway sends and spaces out retries.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// ErrRateLimitExceeded is returned when a send cannot get a token before its context ends.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Limiter is a global token bucket with optional per-recipient pacing.
type Limiter struct {
	global *rate.Limiter

	perRecipient rate.Limit
	mu           sync.Mutex
	recipients   map[int64]*rate.Limiter
}

// NewLimiter allows perSecond sends overall with the given burst. perRecipient
// additionally caps sends to a single chat; zero disables it.
func NewLimiter(perSecond float64, burst int, perRecipient float64) *Limiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Limiter{
		global:       rate.NewLimiter(limit, burst),
		perRecipient: rate.Limit(perRecipient),
		recipients:   make(map[int64]*rate.Limiter),
	}
}

// Wait blocks until a send to recipient is allowed.
func (l *Limiter) Wait(ctx context.Context, recipient int64) error {
	if rl := l.recipient(recipient); rl != nil {
		if err := rl.Wait(ctx); err != nil {
			return fmt.Errorf("%w: recipient %d: %v", ErrRateLimitExceeded, recipient, err)
		}
	}
	if err := l.global.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimitExceeded, err)
	}
	return nil
}

func (l *Limiter) recipient(id int64) *rate.Limiter {
	if l.perRecipient <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.recipients[id]
	if !ok {
		rl = rate.NewLimiter(l.perRecipient, 1)
		l.recipients[id] = rl
	}
	return rl
}

// Policy is a capped exponential backoff with a bounded number of retries.
type Policy struct {
	Base    time.Duration
	Max     time.Duration
	Retries uint64
}

// Backoff builds a fresh go-retry backoff for one operation.
func (p Policy) Backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.Max > 0 {
		b = retry.WithCappedDuration(p.Max, b)
	}
	return retry.WithMaxRetries(p.Retries, b)
}

// Do runs fn until it succeeds, returns an error not marked with Retryable,
// or the retries are used up. It returns the last error in the latter case.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, p.Backoff(), fn)
}

// Retryable marks err so that Policy.Do tries again.
func Retryable(err error) error {
	return retry.RetryableError(err)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
