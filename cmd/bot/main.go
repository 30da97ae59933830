package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"robotrss/internal/admin"
	"robotrss/internal/bot"
	"robotrss/internal/config"
	"robotrss/internal/dispatch"
	"robotrss/internal/fetcher"
	"robotrss/internal/lock"
	"robotrss/internal/logging"
	"robotrss/internal/ratelimit"
	"robotrss/internal/scheduler"
	"robotrss/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("load .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log, closer, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		slog.Error("set up logging", "error", err)
		os.Exit(1)
	}
	defer func() { _ = closer.Close() }()

	if err := run(cfg, log); err != nil {
		log.Error("bot exited", "error", err)
		_ = closer.Close()
		os.Exit(1)
	}
	log.Info("bot stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	limiter := ratelimit.NewLimiter(cfg.SendRate, cfg.SendBurst, cfg.ChatSendRate)
	feeds := fetcher.New(&http.Client{Timeout: cfg.FeedTimeout})

	b, err := bot.New(cfg.TelegramBotToken, store, cfg, feeds, limiter, log)
	if err != nil {
		return err
	}

	d := dispatch.New(b, limiter, store, ratelimit.Policy{
		Base:    cfg.RetryBaseDelay,
		Max:     cfg.RetryMaxDelay,
		Retries: cfg.SendRetries,
	}, cfg.SendWorkers, log)

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		locker = lock.NewRedis(cfg.RedisAddr, cfg.UpdateInterval+cfg.FeedTimeout, func(key string, err error) {
			log.Warn("release cycle lock", "key", key, "error", err)
		})
		log.Info("using redis cycle lock", "addr", cfg.RedisAddr)
	}

	sched, err := scheduler.New(store, feeds, d, locker, scheduler.Options{
		Interval:    cfg.UpdateInterval,
		FeedTimeout: cfg.FeedTimeout,
		Workers:     cfg.Workers,
		FetchRetry: ratelimit.Policy{
			Base:    cfg.RetryBaseDelay,
			Max:     cfg.RetryMaxDelay,
			Retries: cfg.FetchRetries,
		},
	}, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.AdminAddr != "" {
		srv := admin.New(cfg.AdminAddr, sched, log)
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Error("admin server", "error", err)
			}
		}()
	}

	log.Info("starting bot", "interval", cfg.UpdateInterval, "workers", cfg.Workers)

	schedDone := runInBackground(ctx, sched)

	b.Run(ctx)
	// The store closes on return, so the scheduler must finish its cycle first.
	cancel()
	<-schedDone
	return nil
}

// runInBackground starts r.Run and returns a channel closed when it returns.
func runInBackground(ctx context.Context, r interface{ Run(context.Context) }) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	return done
}
