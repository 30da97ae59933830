package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"robotrss/internal/model"
	"robotrss/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// watermarkLayout is fixed width so that string comparison in SQL matches time order.
const watermarkLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite implements Storage backed by a SQLite database.
//
// The pool is limited to one connection: every statement is serialized through it,
// which keeps the alias and cascade invariants intact while the poller and the
// command handlers write concurrently.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// UpsertSubscriber inserts a subscriber or refreshes its kind, name and active flag.
func (s *SQLite) UpsertSubscriber(ctx context.Context, sub *model.Subscriber) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers (id, kind, name, is_active, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET kind = excluded.kind, name = excluded.name, is_active = excluded.is_active`,
		sub.ID, string(sub.Kind), sub.Name, boolToInt(sub.IsActive), now,
	)
	if err != nil {
		return fmt.Errorf("upsert subscriber: %w", err)
	}
	return nil
}

// GetSubscriber returns a single subscriber by its platform ID.
func (s *SQLite) GetSubscriber(ctx context.Context, id int64) (*model.Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, name, is_active, created_at FROM subscribers WHERE id = ?`, id,
	)
	var sub model.Subscriber
	var kind, created string
	var isActive int
	if err := row.Scan(&sub.ID, &kind, &sub.Name, &isActive, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subscriber: %w", err)
	}
	sub.Kind = model.SubscriberKind(kind)
	sub.IsActive = isActive == 1
	sub.CreatedAt, _ = time.Parse(timeLayout, created)
	return &sub, nil
}

// SetSubscriberActive toggles the active flag of a subscriber.
func (s *SQLite) SetSubscriberActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET is_active = ? WHERE id = ?`, boolToInt(active), id,
	)
	if err != nil {
		return fmt.Errorf("update subscriber: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateSubscriber stops all further deliveries to a subscriber.
func (s *SQLite) DeactivateSubscriber(ctx context.Context, id int64) error {
	return s.SetSubscriberActive(ctx, id, false)
}

// Subscribe adds a subscription, creating the feed row when it does not exist yet.
func (s *SQLite) Subscribe(ctx context.Context, subscriberID int64, feedURL, alias string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE subscriber_id = ? AND alias = ?`, subscriberID, alias,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("check alias: %w", err)
	}
	if n > 0 {
		return ErrAliasTaken
	}

	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE subscriber_id = ? AND feed_url = ?`, subscriberID, feedURL,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("check feed: %w", err)
	}
	if n > 0 {
		return ErrAlreadySubscribed
	}

	now := time.Now().UTC().Format(timeLayout)
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO feeds (url, created_at) VALUES (?, ?)`, feedURL, now,
	); err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subscriptions (subscriber_id, feed_url, alias, created_at) VALUES (?, ?, ?, ?)`,
		subscriberID, feedURL, alias, now,
	); err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return tx.Commit()
}

// Unsubscribe removes the subscription with the given alias and deletes its feed once orphaned.
func (s *SQLite) Unsubscribe(ctx context.Context, subscriberID int64, alias string) (*model.Subscription, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := scanSubscription(tx.QueryRowContext(ctx, selectSubscription+
		` WHERE s.subscriber_id = ? AND s.alias = ?`, subscriberID, alias))
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE subscriber_id = ? AND feed_url = ?`, subscriberID, sub.FeedURL,
	); err != nil {
		return nil, fmt.Errorf("delete subscription: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM feeds WHERE url = ? AND NOT EXISTS (SELECT 1 FROM subscriptions WHERE feed_url = ?)`,
		sub.FeedURL, sub.FeedURL,
	); err != nil {
		return nil, fmt.Errorf("delete orphaned feed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return sub, nil
}

const selectSubscription = `SELECT s.subscriber_id, s.feed_url, s.alias, f.last_checked_at, s.created_at
	FROM subscriptions s JOIN feeds f ON f.url = s.feed_url`

// GetSubscription looks up a subscription by its alias.
func (s *SQLite) GetSubscription(ctx context.Context, subscriberID int64, alias string) (*model.Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx, selectSubscription+
		` WHERE s.subscriber_id = ? AND s.alias = ?`, subscriberID, alias))
}

// ListSubscriptions returns all subscriptions of a subscriber ordered by alias.
func (s *SQLite) ListSubscriptions(ctx context.Context, subscriberID int64) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, selectSubscription+
		` WHERE s.subscriber_id = ? ORDER BY s.alias`, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// ListFeedsWithSubscribers returns every feed URL referenced by at least one subscription.
func (s *SQLite) ListFeedsWithSubscribers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT feed_url FROM subscriptions ORDER BY feed_url`)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan feed url: %w", err)
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

// GetFeed returns a single feed by its URL.
func (s *SQLite) GetFeed(ctx context.Context, url string) (*model.Feed, error) {
	var f model.Feed
	var lastChecked sql.NullString
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT url, last_checked_at, created_at FROM feeds WHERE url = ?`, url,
	).Scan(&f.URL, &lastChecked, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan feed: %w", err)
	}
	f.LastCheckedAt = parseWatermark(lastChecked)
	f.CreatedAt, _ = time.Parse(timeLayout, created)
	return &f, nil
}

// GetWatermark returns the feed's watermark, or nil if it was never polled successfully.
func (s *SQLite) GetWatermark(ctx context.Context, url string) (*time.Time, error) {
	f, err := s.GetFeed(ctx, url)
	if err != nil {
		return nil, err
	}
	return f.LastCheckedAt, nil
}

// SetWatermark advances the feed's watermark. A value older than the stored one is ignored,
// and so is a feed that was deleted in the meantime.
func (s *SQLite) SetWatermark(ctx context.Context, url string, t time.Time) error {
	v := t.UTC().Format(watermarkLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET last_checked_at = ?
		 WHERE url = ? AND (last_checked_at IS NULL OR last_checked_at < ?)`,
		v, url, v,
	)
	if err != nil {
		return fmt.Errorf("update watermark: %w", err)
	}
	return nil
}

// ListSubscribers returns the active subscribers of a feed with their aliases.
func (s *SQLite) ListSubscribers(ctx context.Context, url string) ([]model.Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.kind, s.alias
		 FROM subscriptions s JOIN subscribers u ON u.id = s.subscriber_id
		 WHERE s.feed_url = ? AND u.is_active = 1
		 ORDER BY u.id`, url,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Recipient
	for rows.Next() {
		var r model.Recipient
		var kind string
		if err := rows.Scan(&r.ID, &kind, &r.Alias); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		r.Kind = model.SubscriberKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSubscription(row scannable) (*model.Subscription, error) {
	var sub model.Subscription
	var lastChecked sql.NullString
	var created string
	err := row.Scan(&sub.SubscriberID, &sub.FeedURL, &sub.Alias, &lastChecked, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.LastCheckedAt = parseWatermark(lastChecked)
	sub.CreatedAt, _ = time.Parse(timeLayout, created)
	return &sub, nil
}

func parseWatermark(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(watermarkLayout, v.String)
	if err != nil {
		return nil
	}
	return &t
}
