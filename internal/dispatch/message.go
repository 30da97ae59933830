// Package dispatch fans new feed entries out to subscribers through a messaging gateway.
package dispatch

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"robotrss/internal/model"
)

// Outcome classifies the result of a single gateway send.
type Outcome int

// Send outcomes. The zero value is Unclassified.
const (
	Unclassified Outcome = iota
	Delivered
	Rejected
	Transient
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Transient:
		return "transient"
	default:
		return "unclassified"
	}
}

// Message is one outbound chat message.
type Message struct {
	ChatID int64
	Text   string
	HTML   bool
}

// Gateway delivers messages and classifies the result.
type Gateway interface {
	Send(ctx context.Context, msg Message) (Outcome, error)
}

// PermanentDeliveryError means the recipient refuses messages for good (blocked the bot, left the chat).
type PermanentDeliveryError struct {
	ChatID int64
	Err    error
}

func (e *PermanentDeliveryError) Error() string {
	return fmt.Sprintf("chat %d rejected delivery: %v", e.ChatID, e.Err)
}

func (e *PermanentDeliveryError) Unwrap() error { return e.Err }

// TransientDeliveryError is a send failure worth retrying. RetryAfter is the
// gateway's hint, zero if none was given.
type TransientDeliveryError struct {
	ChatID     int64
	RetryAfter time.Duration
	Err        error
}

func (e *TransientDeliveryError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("chat %d: temporary failure, retry after %s: %v", e.ChatID, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("chat %d: temporary failure: %v", e.ChatID, e.Err)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// Render formats an entry as an HTML chat message prefixed with the subscriber's alias.
func Render(alias string, e model.Entry) string {
	title := strings.TrimSpace(e.Title)
	if title == "" {
		title = e.Link
	}
	if title == "" {
		title = e.ID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", html.EscapeString(alias))
	if e.Link == "" {
		b.WriteString(html.EscapeString(title))
		return b.String()
	}
	fmt.Fprintf(&b, `<a href="%s">%s</a>`, html.EscapeString(e.Link), html.EscapeString(title))
	return b.String()
}
