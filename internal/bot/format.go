package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"robotrss/internal/model"
)

const startText = `Welcome to RobotRSS!

Subscribe this chat to RSS and Atom feeds and new entries will be posted here.

Quick start:
1. /add <url> <alias> — subscribe to a feed
2. /list — show your subscriptions

Use /help for the full command reference.`

const helpText = `/add <url> <alias> — subscribe to a feed under a short name
/remove <alias> — unsubscribe
/get <alias> [count] — show the latest entries (1-10, default 4)
/list — show all subscriptions
/stop — pause all updates for this chat
/start — resume updates
/about — about this bot`

const aboutText = `RobotRSS polls your feeds every few minutes and posts new entries to this chat.
Each entry is delivered once, oldest first, prefixed with the alias you gave the feed.`

// FormatSubscriptionList formats a chat's subscriptions for display.
func FormatSubscriptionList(subs []model.Subscription, now time.Time) string {
	if len(subs) == 0 {
		return "You have no subscriptions yet. Use /add <url> <alias> to add one."
	}
	var b strings.Builder
	b.WriteString("Your subscriptions:\n")
	for _, s := range subs {
		fmt.Fprintf(&b, "\n[%s] %s\n", s.Alias, s.FeedURL)
		if s.LastCheckedAt == nil {
			b.WriteString("   waiting for first update\n")
			continue
		}
		fmt.Fprintf(&b, "   latest entry %s\n", humanize.RelTime(*s.LastCheckedAt, now, "ago", "from now"))
	}
	return b.String()
}
