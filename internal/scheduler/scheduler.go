// Package scheduler runs poll cycles: fetch every subscribed feed, deliver new entries, advance watermarks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"robotrss/internal/dispatch"
	"robotrss/internal/fetcher"
	"robotrss/internal/freshness"
	"robotrss/internal/lock"
	"robotrss/internal/model"
	"robotrss/internal/ratelimit"
	"robotrss/internal/storage"
)

const cycleLockKey = "poll-cycle"

// Store is the part of storage the scheduler needs.
type Store interface {
	ListFeedsWithSubscribers(ctx context.Context) ([]string, error)
	GetWatermark(ctx context.Context, url string) (*time.Time, error)
	SetWatermark(ctx context.Context, url string, t time.Time) error
	ListSubscribers(ctx context.Context, url string) ([]model.Recipient, error)
}

// Fetcher downloads and parses one feed.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Result, error)
}

// Dispatcher delivers entries to recipients.
type Dispatcher interface {
	Dispatch(ctx context.Context, feedURL string, entries []model.Entry, recipients []model.Recipient) (dispatch.Report, error)
}

// Options tune a Scheduler.
type Options struct {
	Interval    time.Duration
	FeedTimeout time.Duration
	Workers     int
	FetchRetry  ratelimit.Policy
}

// Stats summarises one poll cycle.
type Stats struct {
	CycleID     string        `json:"cycle_id"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Feeds       int           `json:"feeds"`
	FeedErrors  int           `json:"feed_errors"`
	Seeded      int           `json:"seeded"`
	NewEntries  int           `json:"new_entries"`
	Undated     int           `json:"undated"`
	Delivered   int           `json:"delivered"`
	SendFailed  int           `json:"send_failed"`
	Deactivated int           `json:"deactivated"`
}

// Scheduler periodically polls every feed that has subscribers.
type Scheduler struct {
	store      Store
	fetcher    Fetcher
	dispatcher Dispatcher
	locker     lock.Locker
	log        *slog.Logger
	opts       Options

	mu       sync.Mutex
	interval time.Duration
	last     Stats
	runCtx   context.Context
	stopped  bool

	running atomic.Bool
	resetCh chan struct{}
	wg      sync.WaitGroup
}

// New creates a Scheduler. Options must have a positive interval, timeout and worker count.
func New(store Store, f Fetcher, d Dispatcher, locker lock.Locker, opts Options, log *slog.Logger) (*Scheduler, error) {
	switch {
	case opts.Interval <= 0:
		return nil, fmt.Errorf("update interval must be positive, got %s", opts.Interval)
	case opts.FeedTimeout <= 0:
		return nil, fmt.Errorf("feed timeout must be positive, got %s", opts.FeedTimeout)
	case opts.Workers <= 0:
		return nil, fmt.Errorf("workers must be positive, got %d", opts.Workers)
	}
	return &Scheduler{
		store:      store,
		fetcher:    f,
		dispatcher: d,
		locker:     locker,
		log:        log,
		opts:       opts,
		interval:   opts.Interval,
		resetCh:    make(chan struct{}, 1),
	}, nil
}

// Run polls once immediately and then on every tick, blocking until ctx is cancelled.
// It waits for an in-flight cycle to finish before returning.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.stopped = false
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.runCtx = nil
		s.stopped = true
		s.mu.Unlock()
		s.wg.Wait()
	}()

	s.tick(ctx)

	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.resetCh:
			ticker.Reset(s.Interval())
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts a cycle in the background unless one is still running, here or in
// another process sharing the lock. It reports whether a cycle was started.
func (s *Scheduler) tick(ctx context.Context) bool {
	release, ok, err := s.locker.TryLock(ctx, cycleLockKey)
	if err != nil {
		s.log.Error("acquire cycle lock", "error", err)
		return false
	}
	if !ok {
		s.log.Warn("previous cycle still running, skipping tick")
		return false
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		release()
		return false
	}
	s.running.Store(true)
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		defer release()
		s.RunCycle(ctx)
	}()
	return true
}

// Trigger starts a cycle now on the context Run was given. It reports false when Run
// is not active or the cycle lock is held, including by another replica.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return false
	}
	return s.tick(ctx)
}

// Running reports whether a scheduled or triggered cycle is in progress in this process.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// SetInterval changes the tick interval of a running scheduler.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("update interval must be positive, got %s", d)
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()

	select {
	case s.resetCh <- struct{}{}:
	default:
	}
	s.log.Info("update interval changed", "interval", d)
	return nil
}

// Interval returns the current tick interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Stats returns the summary of the last completed cycle.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// RunCycle polls every subscribed feed once, at most Workers feeds at a time.
func (s *Scheduler) RunCycle(ctx context.Context) Stats {
	st := Stats{CycleID: uuid.NewString(), StartedAt: time.Now().UTC()}
	log := s.log.With("cycle_id", st.CycleID)

	feeds, err := s.store.ListFeedsWithSubscribers(ctx)
	if err != nil {
		log.Error("list feeds", "error", err)
		return s.finish(st)
	}
	st.Feeds = len(feeds)
	log.Debug("poll cycle started", "feeds", len(feeds))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)

	for _, url := range feeds {
		g.Go(func() error {
			res := s.pollFeed(ctx, url, log)
			mu.Lock()
			st.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	st = s.finish(st)
	log.Info("poll cycle finished",
		"feeds", st.Feeds, "feed_errors", st.FeedErrors, "new_entries", st.NewEntries,
		"delivered", st.Delivered, "duration", st.Duration)
	return st
}

func (s *Scheduler) finish(st Stats) Stats {
	st.Duration = time.Since(st.StartedAt)
	s.mu.Lock()
	s.last = st
	s.mu.Unlock()
	return st
}

type feedResult struct {
	err     error
	seeded  bool
	entries int
	undated int
	report  dispatch.Report
}

func (st *Stats) add(r feedResult) {
	if r.err != nil {
		st.FeedErrors++
	}
	if r.seeded {
		st.Seeded++
	}
	st.NewEntries += r.entries
	st.Undated += r.undated
	st.Delivered += r.report.Delivered
	st.SendFailed += r.report.Failed
	st.Deactivated += r.report.Deactivated
}

// pollFeed runs fetch, freshness, dispatch and commit for one feed under its own timeout.
// The watermark is committed only when every send was attempted before the deadline.
func (s *Scheduler) pollFeed(ctx context.Context, url string, log *slog.Logger) feedResult {
	ctx, cancel := context.WithTimeout(ctx, s.opts.FeedTimeout)
	defer cancel()

	log = log.With("feed", url)

	res, err := s.fetch(ctx, url)
	if err != nil {
		log.Warn("fetch feed", "error", err)
		return feedResult{err: err}
	}

	watermark, err := s.store.GetWatermark(ctx, url)
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("feed removed during cycle")
		return feedResult{}
	}
	if err != nil {
		log.Error("get watermark", "error", err)
		return feedResult{err: err}
	}

	fresh := freshness.Compute(watermark, res.Entries)
	out := feedResult{seeded: fresh.Seeded, entries: len(fresh.New), undated: fresh.Undated}
	if fresh.Undated > 0 {
		log.Debug("skipped undated entries", "count", fresh.Undated)
	}

	if len(fresh.New) > 0 {
		recipients, err := s.store.ListSubscribers(ctx, url)
		if err != nil {
			log.Error("list subscribers", "error", err)
			out.err = err
			return out
		}
		out.report, err = s.dispatcher.Dispatch(ctx, url, fresh.New, recipients)
		if err != nil {
			log.Warn("delivery interrupted, watermark unchanged", "error", err)
			out.err = err
			return out
		}
	}

	if fresh.Watermark == nil || (watermark != nil && !fresh.Watermark.After(*watermark)) {
		return out
	}
	if err := ctx.Err(); err != nil {
		log.Warn("feed timed out before commit, watermark unchanged", "error", err)
		out.err = err
		return out
	}
	if err := s.store.SetWatermark(ctx, url, *fresh.Watermark); err != nil {
		log.Error("set watermark", "error", err)
		out.err = err
		return out
	}
	if fresh.Seeded {
		log.Info("feed seeded", "watermark", *fresh.Watermark)
	}
	return out
}

// fetch retries network failures, 5xx and 429 responses. Other errors are returned at once.
func (s *Scheduler) fetch(ctx context.Context, url string) (*fetcher.Result, error) {
	var res *fetcher.Result
	err := s.opts.FetchRetry.Do(ctx, func(ctx context.Context) error {
		r, err := s.fetcher.Fetch(ctx, url)
		if err != nil {
			var fe *fetcher.FetchError
			if errors.As(err, &fe) && retryableFetch(fe) {
				return ratelimit.Retryable(err)
			}
			return err
		}
		res = r
		return nil
	})
	return res, err
}

func retryableFetch(fe *fetcher.FetchError) bool {
	if fe.StatusCode != 0 {
		return fe.StatusCode == http.StatusTooManyRequests || fe.StatusCode >= http.StatusInternalServerError
	}
	if errors.Is(fe.Err, fetcher.ErrInvalidRequest) {
		return false
	}
	var ne net.Error
	return errors.As(fe.Err, &ne)
}
