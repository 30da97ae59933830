// Package model defines the domain types used across the application.
package model

import "time"

// Feed is a feed URL tracked for new entries.
type Feed struct {
	URL string
	// LastCheckedAt is the delivery watermark. Nil until the first successful poll.
	LastCheckedAt *time.Time
	CreatedAt     time.Time
}

// SubscriberKind tells a private user apart from a group or channel chat.
type SubscriberKind string

// Supported subscriber kinds.
const (
	KindUser SubscriberKind = "user"
	KindChat SubscriberKind = "chat"
)

// Subscriber is a user or chat registered to receive updates.
type Subscriber struct {
	ID        int64
	Kind      SubscriberKind
	Name      string
	IsActive  bool
	CreatedAt time.Time
}

// Subscription binds a subscriber to a feed under an alias unique for that subscriber.
type Subscription struct {
	SubscriberID  int64
	FeedURL       string
	Alias         string
	LastCheckedAt *time.Time
	CreatedAt     time.Time
}

// Recipient is an active subscriber of a feed, as seen by the dispatcher.
type Recipient struct {
	ID    int64
	Kind  SubscriberKind
	Alias string
}

// Entry is one item parsed from a feed. It is never persisted.
type Entry struct {
	ID    string
	Title string
	Link  string
	// PublishedAt is nil when the feed gives no usable date for the item.
	PublishedAt *time.Time
}
