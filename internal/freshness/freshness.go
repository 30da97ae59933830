// Package freshness decides which feed entries are new relative to a feed's watermark.
package freshness

import (
	"sort"
	"time"

	"robotrss/internal/model"
)

// Result is the outcome of comparing a fetch against a watermark.
type Result struct {
	// New holds the entries to deliver, oldest first.
	New []model.Entry
	// Watermark is the value to persist once delivery is done. Nil if nothing is known yet.
	Watermark *time.Time
	// Seeded is true when the feed had no watermark and this fetch established one.
	Seeded bool
	// Undated counts entries skipped for lack of a timestamp.
	Undated int
}

// Compute returns the entries published strictly after watermark and the next watermark.
//
// A nil watermark means the feed was never polled: the watermark is seeded with the newest
// entry and nothing is delivered. The watermark never moves backwards.
func Compute(watermark *time.Time, entries []model.Entry) Result {
	var res Result
	dated := make([]model.Entry, 0, len(entries))
	for _, e := range entries {
		if e.PublishedAt == nil {
			res.Undated++
			continue
		}
		dated = append(dated, e)
	}
	Sort(dated)

	res.Watermark = watermark
	if len(dated) == 0 {
		return res
	}

	newest := *dated[len(dated)-1].PublishedAt
	if watermark == nil {
		res.Watermark = &newest
		res.Seeded = true
		return res
	}

	for _, e := range dated {
		if e.PublishedAt.After(*watermark) {
			res.New = append(res.New, e)
		}
	}
	if newest.After(*watermark) {
		res.Watermark = &newest
	}
	return res
}

// Sort orders dated entries by publication time, then by ID for entries published at the same instant.
func Sort(entries []model.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].PublishedAt, entries[j].PublishedAt
		if !a.Equal(*b) {
			return a.Before(*b)
		}
		return entries[i].ID < entries[j].ID
	})
}

// Latest returns up to n dated entries, newest first.
func Latest(entries []model.Entry, n int) []model.Entry {
	dated := make([]model.Entry, 0, len(entries))
	for _, e := range entries {
		if e.PublishedAt != nil {
			dated = append(dated, e)
		}
	}
	Sort(dated)
	if n > len(dated) {
		n = len(dated)
	}
	out := make([]model.Entry, 0, n)
	for i := len(dated) - 1; i >= len(dated)-n; i-- {
		out = append(out, dated[i])
	}
	return out
}
