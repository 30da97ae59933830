// Package fetcher downloads feeds and turns them into normalized entries.
package fetcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"robotrss/internal/model"
)

const maxBodySize = 5 * 1024 * 1024

// ErrInvalidRequest marks a FetchError for a URL that no request can be built from.
var ErrInvalidRequest = errors.New("invalid request")

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchError reports a feed that could not be downloaded.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports a feed body that is not valid RSS, Atom or JSON Feed.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.URL, e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// Result holds a parsed feed.
type Result struct {
	Title string
	// Entries are in the order the source listed them.
	Entries []model.Entry
}

// Fetcher downloads and parses feeds.
type Fetcher struct {
	client HTTPClient
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch downloads and parses the feed at url.
// It returns a *FetchError or a *ParseError on failure.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("%w: %w", ErrInvalidRequest, err)}
	}
	req.Header.Set("User-Agent", "RobotRSS/2.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("read body: %w", err)}
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, &ParseError{URL: url, Err: err}
	}

	res := &Result{Title: feed.Title, Entries: make([]model.Entry, 0, len(feed.Items))}
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		res.Entries = append(res.Entries, ToEntry(item))
	}
	return res, nil
}

// ToEntry converts a parsed feed item into an Entry.
func ToEntry(item *gofeed.Item) model.Entry {
	var published *time.Time
	switch {
	case item.PublishedParsed != nil:
		t := item.PublishedParsed.UTC()
		published = &t
	case item.UpdatedParsed != nil:
		t := item.UpdatedParsed.UTC()
		published = &t
	}
	title := strings.TrimSpace(item.Title)
	link := strings.TrimSpace(item.Link)
	return model.Entry{
		ID:          EntryID(title, link, published),
		Title:       title,
		Link:        link,
		PublishedAt: published,
	}
}

// EntryID returns a stable identifier for an entry: its link, or a
// SHA-256 hash of title and timestamp when the link is missing.
func EntryID(title, link string, published *time.Time) string {
	if link != "" {
		return link
	}
	var ts string
	if published != nil {
		ts = published.UTC().Format(time.RFC3339Nano)
	}
	h := sha256.Sum256([]byte(title + "|" + ts))
	return fmt.Sprintf("sha256:%x", h[:16])
}

// NormalizeURL canonicalizes a feed URL: lower-cased, with http:// added when no scheme is given.
func NormalizeURL(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("empty url")
	}
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		if strings.Contains(s, "://") {
			return "", fmt.Errorf("unsupported scheme in %q", raw)
		}
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Hostname() == "" || strings.ContainsAny(u.Host, " \t") {
		return "", fmt.Errorf("invalid url %q: missing host", raw)
	}
	return u.String(), nil
}
