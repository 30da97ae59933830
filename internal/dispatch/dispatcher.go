package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"robotrss/internal/model"
	"robotrss/internal/ratelimit"
)

// Limiter paces sends. It fails when the wait cannot finish before ctx ends.
type Limiter interface {
	Wait(ctx context.Context, recipient int64) error
}

// Deactivator marks subscribers that permanently refuse delivery.
type Deactivator interface {
	DeactivateSubscriber(ctx context.Context, id int64) error
}

// Report summarises one Dispatch call.
type Report struct {
	// Attempts counts (entry, recipient) pairs tried, not individual retries.
	Attempts    int
	Delivered   int
	Failed      int
	Deactivated int
}

func (r *Report) add(o Report) {
	r.Attempts += o.Attempts
	r.Delivered += o.Delivered
	r.Failed += o.Failed
	r.Deactivated += o.Deactivated
}

// Dispatcher sends every new entry of a feed to every active recipient.
type Dispatcher struct {
	gateway Gateway
	limiter Limiter
	store   Deactivator
	policy  ratelimit.Policy
	workers int
	log     *slog.Logger
}

// New creates a Dispatcher. policy bounds the retries of transient send failures and
// workers bounds how many recipients are served at the same time.
func New(gateway Gateway, limiter Limiter, store Deactivator, policy ratelimit.Policy, workers int, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		gateway: gateway,
		limiter: limiter,
		store:   store,
		policy:  policy,
		workers: max(workers, 1),
		log:     log,
	}
}

// Dispatch delivers entries to every recipient. Recipients are served concurrently,
// up to the worker bound, and each one receives the entries oldest first.
//
// A rejected recipient is deactivated and skipped for the rest of the batch without
// affecting other recipients. A non-nil error means delivery was cut short
// (context done or rate limiter gave up) and the caller must not advance the watermark.
func (d *Dispatcher) Dispatch(ctx context.Context, feedURL string, entries []model.Entry, recipients []model.Recipient) (Report, error) {
	var rep Report
	if len(entries) == 0 || len(recipients) == 0 {
		return rep, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for _, r := range recipients {
		g.Go(func() error {
			got, err := d.deliver(gctx, feedURL, entries, r)
			mu.Lock()
			rep.add(got)
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return rep, fmt.Errorf("dispatch %s: %w", feedURL, err)
	}
	return rep, nil
}

// deliver sends entries to one recipient in order.
func (d *Dispatcher) deliver(ctx context.Context, feedURL string, entries []model.Entry, r model.Recipient) (Report, error) {
	var rep Report
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		rep.Attempts++
		outcome, err := d.send(ctx, Message{ChatID: r.ID, Text: Render(r.Alias, e), HTML: true})
		if outcome == Delivered {
			rep.Delivered++
			continue
		}
		if errors.Is(err, ratelimit.ErrRateLimitExceeded) || ctx.Err() != nil {
			rep.Failed++
			return rep, fmt.Errorf("chat %d: %w", r.ID, err)
		}

		switch outcome {
		case Rejected:
			rep.Failed++
			d.log.Info("recipient rejected delivery, deactivating",
				"feed", feedURL, "chat_id", r.ID, "error", err)
			if derr := d.store.DeactivateSubscriber(ctx, r.ID); derr != nil {
				d.log.Error("deactivate subscriber", "chat_id", r.ID, "error", derr)
			} else {
				rep.Deactivated++
			}
			return rep, nil
		case Transient:
			rep.Failed++
			d.log.Warn("delivery failed after retries",
				"feed", feedURL, "chat_id", r.ID, "entry", e.ID, "error", err)
		default:
			rep.Failed++
			d.log.Error("unclassified delivery failure",
				"feed", feedURL, "chat_id", r.ID, "entry", e.ID, "error", err)
		}
	}
	return rep, nil
}

// send makes one delivery attempt plus bounded retries for transient failures.
func (d *Dispatcher) send(ctx context.Context, msg Message) (Outcome, error) {
	var (
		outcome Outcome
		sendErr error
	)
	err := d.policy.Do(ctx, func(ctx context.Context) error {
		if err := d.limiter.Wait(ctx, msg.ChatID); err != nil {
			return err
		}
		outcome, sendErr = d.gateway.Send(ctx, msg)
		if outcome != Transient {
			return nil
		}

		var te *TransientDeliveryError
		if errors.As(sendErr, &te) && te.RetryAfter > 0 {
			if err := ratelimit.Sleep(ctx, te.RetryAfter); err != nil {
				return err
			}
		}
		d.log.Debug("transient send failure, retrying", "chat_id", msg.ChatID, "error", sendErr)
		return ratelimit.Retryable(sendErr)
	})
	if err != nil && (errors.Is(err, ratelimit.ErrRateLimitExceeded) || ctx.Err() != nil) {
		return outcome, err
	}
	return outcome, sendErr
}
