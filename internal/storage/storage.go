// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"robotrss/internal/model"
)

// Errors returned by Storage implementations. Anything else is a wrapped driver error.
var (
	ErrNotFound          = errors.New("not found")
	ErrAliasTaken        = errors.New("alias already in use")
	ErrAlreadySubscribed = errors.New("already subscribed to this feed")
)

// Storage is the interface for all persistence operations.
type Storage interface {
	UpsertSubscriber(ctx context.Context, s *model.Subscriber) error
	GetSubscriber(ctx context.Context, id int64) (*model.Subscriber, error)
	SetSubscriberActive(ctx context.Context, id int64, active bool) error
	DeactivateSubscriber(ctx context.Context, id int64) error

	Subscribe(ctx context.Context, subscriberID int64, feedURL, alias string) error
	Unsubscribe(ctx context.Context, subscriberID int64, alias string) (*model.Subscription, error)
	GetSubscription(ctx context.Context, subscriberID int64, alias string) (*model.Subscription, error)
	ListSubscriptions(ctx context.Context, subscriberID int64) ([]model.Subscription, error)

	ListFeedsWithSubscribers(ctx context.Context) ([]string, error)
	GetFeed(ctx context.Context, url string) (*model.Feed, error)
	GetWatermark(ctx context.Context, url string) (*time.Time, error)
	SetWatermark(ctx context.Context, url string, t time.Time) error
	ListSubscribers(ctx context.Context, url string) ([]model.Recipient, error)

	Close() error
}
