package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	neturl "net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"robotrss/internal/dispatch"
	"robotrss/internal/fetcher"
	"robotrss/internal/lock"
	"robotrss/internal/model"
	"robotrss/internal/ratelimit"
	"robotrss/internal/storage"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type item struct {
	id  string
	age time.Duration
}

// rss renders a minimal RSS document; each item is published at t0 + age.
func rss(items ...item) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>Test</title>`)
	for _, it := range items {
		fmt.Fprintf(&b, `<item><title>%s</title><link>https://feed.example.com/%s</link><pubDate>%s</pubDate></item>`,
			it.id, it.id, t0.Add(it.age).Format(time.RFC1123Z))
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

// mockHTTP serves a body or status per URL and counts requests.
type mockHTTP struct {
	mu     sync.Mutex
	bodies map[string]string
	status map[string]int
	fail   map[string]error
	calls  int
}

func newMockHTTP() *mockHTTP {
	return &mockHTTP{bodies: map[string]string{}, status: map[string]int{}, fail: map[string]error{}}
}

func (m *mockHTTP) set(url, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies[url] = body
}

func (m *mockHTTP) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	url := req.URL.String()
	if err, ok := m.fail[url]; ok {
		return nil, err
	}
	code := http.StatusOK
	if c, ok := m.status[url]; ok {
		code = c
	}
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(bytes.NewBufferString(m.bodies[url])),
	}, nil
}

func (m *mockHTTP) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type sentMessage struct {
	ChatID int64
	Text   string
}

type mockGateway struct {
	mu       sync.Mutex
	messages []sentMessage
}

func (g *mockGateway) Send(_ context.Context, msg dispatch.Message) (dispatch.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, sentMessage{ChatID: msg.ChatID, Text: msg.Text})
	return dispatch.Delivered, nil
}

func (g *mockGateway) getMessages() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make([]sentMessage, len(g.messages))
	copy(cp, g.messages)
	return cp
}

// crashingDispatcher sends everything and then fails, as if the process died before commit.
type crashingDispatcher struct {
	inner Dispatcher
}

func (c crashingDispatcher) Dispatch(ctx context.Context, url string, entries []model.Entry, recipients []model.Recipient) (dispatch.Report, error) {
	rep, _ := c.inner.Dispatch(ctx, url, entries, recipients)
	return rep, errors.New("process killed")
}

// blockingDispatcher waits for the feed deadline.
type blockingDispatcher struct{}

func (blockingDispatcher) Dispatch(ctx context.Context, _ string, _ []model.Entry, _ []model.Recipient) (dispatch.Report, error) {
	<-ctx.Done()
	return dispatch.Report{}, ctx.Err()
}

type env struct {
	store   *storage.SQLite
	http    *mockHTTP
	gateway *mockGateway
	sched   *Scheduler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	e := &env{store: store, http: newMockHTTP(), gateway: &mockGateway{}}
	e.sched = e.newScheduler(t, e.newDispatcher(ratelimit.NewLimiter(0, 1, 0), 4), time.Second)
	return e
}

func (e *env) newDispatcher(limiter *ratelimit.Limiter, workers int) *dispatch.Dispatcher {
	return dispatch.New(e.gateway, limiter, e.store,
		ratelimit.Policy{Base: time.Millisecond, Retries: 1}, workers, discardLogger())
}

func (e *env) newScheduler(t *testing.T, d Dispatcher, feedTimeout time.Duration) *Scheduler {
	t.Helper()
	s, err := New(e.store, fetcher.New(e.http), d, lock.NewLocal(), Options{
		Interval:    time.Hour,
		FeedTimeout: feedTimeout,
		Workers:     2,
		FetchRetry:  ratelimit.Policy{Base: time.Millisecond, Retries: 1},
	}, discardLogger())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

func (e *env) subscribe(t *testing.T, chatID int64, url, alias string) {
	t.Helper()
	ctx := context.Background()
	if err := e.store.UpsertSubscriber(ctx, &model.Subscriber{ID: chatID, Kind: model.KindUser, Name: "u", IsActive: true}); err != nil {
		t.Fatalf("upsert subscriber: %v", err)
	}
	if err := e.store.Subscribe(ctx, chatID, url, alias); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

func (e *env) watermark(t *testing.T, url string) *time.Time {
	t.Helper()
	w, err := e.store.GetWatermark(context.Background(), url)
	if err != nil {
		t.Fatalf("get watermark: %v", err)
	}
	return w
}

func ptr(d time.Duration) *time.Time {
	v := t0.Add(d)
	return &v
}

const feedA = "https://a.example.com/rss"
const feedB = "https://b.example.com/rss"

func TestRunCycleSeedsThenDelivers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.subscribe(t, 1, feedA, "a")
	e.subscribe(t, 2, feedA, "news")

	e.http.set(feedA, rss(item{"one", 0}, item{"two", time.Hour}))
	st := e.sched.RunCycle(ctx)

	if len(e.gateway.getMessages()) != 0 {
		t.Fatalf("first poll must not deliver, got %v", e.gateway.getMessages())
	}
	if diff := cmp.Diff(1, st.Seeded); diff != "" {
		t.Errorf("seeded mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ptr(time.Hour), e.watermark(t, feedA)); diff != "" {
		t.Errorf("seeded watermark mismatch (-want +got):\n%s", diff)
	}

	e.http.set(feedA, rss(item{"three", 2 * time.Hour}, item{"one", 0}, item{"two", time.Hour}))
	st = e.sched.RunCycle(ctx)

	want := []sentMessage{
		{ChatID: 1, Text: `[a] <a href="https://feed.example.com/three">three</a>`},
		{ChatID: 2, Text: `[news] <a href="https://feed.example.com/three">three</a>`},
	}
	if diff := cmp.Diff(want, e.gateway.getMessages()); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(2, st.Delivered); diff != "" {
		t.Errorf("delivered stat mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ptr(2*time.Hour), e.watermark(t, feedA)); diff != "" {
		t.Errorf("watermark mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(st, e.sched.Stats()); diff != "" {
		t.Errorf("Stats should return the last cycle (-want +got):\n%s", diff)
	}
}

func TestRunCycleNoDuplicatesAcrossCycles(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.subscribe(t, 1, feedA, "a")

	var items []item
	for i := 0; i < 5; i++ {
		items = append([]item{{fmt.Sprintf("post%d", i), time.Duration(i) * time.Minute}}, items...)
		e.http.set(feedA, rss(items...))
		e.sched.RunCycle(ctx)
		e.sched.RunCycle(ctx)
	}

	counts := map[string]int{}
	for _, m := range e.gateway.getMessages() {
		counts[m.Text]++
	}
	if diff := cmp.Diff(4, len(counts)); diff != "" {
		t.Errorf("distinct messages mismatch (-want +got):\n%s", diff)
	}
	for text, n := range counts {
		if n != 1 {
			t.Errorf("%q delivered %d times", text, n)
		}
	}
}

func TestRunCycleOverlapsRecipientsWithinFeedTimeout(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	const chats = 10
	for id := int64(1); id <= chats; id++ {
		e.subscribe(t, id, feedA, "a")
	}
	if err := e.store.SetWatermark(ctx, feedA, t0); err != nil {
		t.Fatalf("set watermark: %v", err)
	}
	e.http.set(feedA, rss(
		item{"p4", 4 * time.Minute}, item{"p3", 3 * time.Minute},
		item{"p2", 2 * time.Minute}, item{"p1", time.Minute},
	))

	// Each chat takes about 150ms for its four entries at 20 messages per second,
	// so serving the chats one after another would take 1.5s.
	s := e.newScheduler(t, e.newDispatcher(ratelimit.NewLimiter(0, 1, 20), chats), 600*time.Millisecond)

	for cycle := 1; cycle <= 2; cycle++ {
		st := s.RunCycle(ctx)
		if diff := cmp.Diff(0, st.FeedErrors); diff != "" {
			t.Fatalf("cycle %d feed errors mismatch (-want +got):\n%s", cycle, diff)
		}
	}

	if diff := cmp.Diff(ptr(4*time.Minute), e.watermark(t, feedA)); diff != "" {
		t.Errorf("watermark mismatch (-want +got):\n%s", diff)
	}
	counts := map[sentMessage]int{}
	for _, m := range e.gateway.getMessages() {
		counts[m]++
	}
	if diff := cmp.Diff(chats*4, len(counts)); diff != "" {
		t.Errorf("distinct deliveries mismatch (-want +got):\n%s", diff)
	}
	for m, n := range counts {
		if n != 1 {
			t.Errorf("%+v delivered %d times", m, n)
		}
	}
}

func TestRunCycleAtLeastOnceAfterCrash(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.subscribe(t, 1, feedA, "a")
	if err := e.store.SetWatermark(ctx, feedA, t0); err != nil {
		t.Fatalf("set watermark: %v", err)
	}
	e.http.set(feedA, rss(item{"old", -time.Minute}, item{"new", time.Minute}))

	healthy := e.sched.dispatcher
	crashing := e.newScheduler(t, crashingDispatcher{inner: healthy}, time.Second)
	st := crashing.RunCycle(ctx)

	if diff := cmp.Diff(1, st.FeedErrors); diff != "" {
		t.Errorf("feed errors mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ptr(0), e.watermark(t, feedA)); diff != "" {
		t.Errorf("watermark must not move after a failed dispatch (-want +got):\n%s", diff)
	}

	e.sched.RunCycle(ctx)

	want := []sentMessage{
		{ChatID: 1, Text: `[a] <a href="https://feed.example.com/new">new</a>`},
		{ChatID: 1, Text: `[a] <a href="https://feed.example.com/new">new</a>`},
	}
	if diff := cmp.Diff(want, e.gateway.getMessages()); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ptr(time.Minute), e.watermark(t, feedA)); diff != "" {
		t.Errorf("watermark mismatch (-want +got):\n%s", diff)
	}
}

func TestRunCycleIndependentFeedFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.subscribe(t, 1, feedA, "a")
	e.subscribe(t, 1, feedB, "b")
	for _, u := range []string{feedA, feedB} {
		if err := e.store.SetWatermark(ctx, u, t0); err != nil {
			t.Fatalf("set watermark: %v", err)
		}
	}

	e.http.status[feedA] = http.StatusInternalServerError
	e.http.set(feedB, rss(item{"fresh", time.Minute}))

	st := e.sched.RunCycle(ctx)

	if diff := cmp.Diff(1, st.FeedErrors); diff != "" {
		t.Errorf("feed errors mismatch (-want +got):\n%s", diff)
	}
	want := []sentMessage{{ChatID: 1, Text: `[b] <a href="https://feed.example.com/fresh">fresh</a>`}}
	if diff := cmp.Diff(want, e.gateway.getMessages()); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ptr(0), e.watermark(t, feedA)); diff != "" {
		t.Errorf("failed feed watermark mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ptr(time.Minute), e.watermark(t, feedB)); diff != "" {
		t.Errorf("healthy feed watermark mismatch (-want +got):\n%s", diff)
	}
	// One attempt plus one retry for the 5xx feed, one for the healthy one.
	if diff := cmp.Diff(3, e.http.callCount()); diff != "" {
		t.Errorf("http calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRunCycleNotFoundIsNotRetried(t *testing.T) {
	e := newEnv(t)
	e.subscribe(t, 1, feedA, "a")
	e.http.status[feedA] = http.StatusNotFound

	st := e.sched.RunCycle(context.Background())
	if diff := cmp.Diff(1, st.FeedErrors); diff != "" {
		t.Errorf("feed errors mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(1, e.http.callCount()); diff != "" {
		t.Errorf("http calls mismatch (-want +got):\n%s", diff)
	}
}

// countingFetcher counts Fetch calls, including those that never reach the network.
type countingFetcher struct {
	inner Fetcher
	mu    sync.Mutex
	calls int
}

func (c *countingFetcher) Fetch(ctx context.Context, url string) (*fetcher.Result, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Fetch(ctx, url)
}

func TestRunCycleFetchRetries(t *testing.T) {
	const badURL = "http://bad host.example.com/rss"
	tests := []struct {
		name      string
		url       string
		setup     func(m *mockHTTP)
		wantCalls int
	}{
		{
			name: "transport error is retried",
			url:  feedA,
			setup: func(m *mockHTTP) {
				m.fail[feedA] = &neturl.Error{Op: "Get", URL: feedA, Err: errors.New("connection refused")}
			},
			wantCalls: 2,
		},
		{
			name:      "too many requests is retried",
			url:       feedA,
			setup:     func(m *mockHTTP) { m.status[feedA] = http.StatusTooManyRequests },
			wantCalls: 2,
		},
		{
			name:      "malformed url is not retried",
			url:       badURL,
			setup:     func(*mockHTTP) {},
			wantCalls: 1,
		},
		{
			name: "plain client error is not retried",
			url:  feedA,
			setup: func(m *mockHTTP) {
				m.fail[feedA] = errors.New("refused by policy")
			},
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.subscribe(t, 1, tt.url, "a")
			tt.setup(e.http)

			f := &countingFetcher{inner: fetcher.New(e.http)}
			s, err := New(e.store, f, e.sched.dispatcher, lock.NewLocal(), Options{
				Interval:    time.Hour,
				FeedTimeout: time.Second,
				Workers:     1,
				FetchRetry:  ratelimit.Policy{Base: time.Millisecond, Retries: 1},
			}, discardLogger())
			if err != nil {
				t.Fatalf("new scheduler: %v", err)
			}

			st := s.RunCycle(context.Background())
			if diff := cmp.Diff(1, st.FeedErrors); diff != "" {
				t.Errorf("feed errors mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantCalls, f.calls); diff != "" {
				t.Errorf("fetch calls mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunCycleFeedTimeoutKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.subscribe(t, 1, feedA, "a")
	if err := e.store.SetWatermark(ctx, feedA, t0); err != nil {
		t.Fatalf("set watermark: %v", err)
	}
	e.http.set(feedA, rss(item{"slow", time.Minute}))

	s := e.newScheduler(t, blockingDispatcher{}, 20*time.Millisecond)
	st := s.RunCycle(ctx)

	if diff := cmp.Diff(1, st.FeedErrors); diff != "" {
		t.Errorf("feed errors mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ptr(0), e.watermark(t, feedA)); diff != "" {
		t.Errorf("watermark mismatch (-want +got):\n%s", diff)
	}
}

func TestTickSkipsWhileCycleRunning(t *testing.T) {
	e := newEnv(t)
	e.subscribe(t, 1, feedA, "a")
	e.http.set(feedA, rss(item{"x", 0}))

	locker := lock.NewLocal()
	e.sched.locker = locker
	release, ok, _ := locker.TryLock(context.Background(), cycleLockKey)
	if !ok {
		t.Fatal("could not take the cycle lock")
	}

	e.sched.tick(context.Background())
	e.sched.wg.Wait()
	if diff := cmp.Diff(0, e.http.callCount()); diff != "" {
		t.Errorf("tick should be skipped while locked (-want +got):\n%s", diff)
	}

	release()
	e.sched.tick(context.Background())
	e.sched.wg.Wait()
	if diff := cmp.Diff(1, e.http.callCount()); diff != "" {
		t.Errorf("tick should run once unlocked (-want +got):\n%s", diff)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	e.subscribe(t, 1, feedA, "a")
	e.http.set(feedA, rss(item{"x", 0}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.sched.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for e.http.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first cycle did not run at start-up")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// lingeringDispatcher keeps running briefly after its context ends.
type lingeringDispatcher struct {
	started  chan struct{}
	finished atomic.Bool
}

func (l *lingeringDispatcher) Dispatch(ctx context.Context, _ string, _ []model.Entry, _ []model.Recipient) (dispatch.Report, error) {
	close(l.started)
	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)
	l.finished.Store(true)
	return dispatch.Report{}, ctx.Err()
}

func TestRunWaitsForInFlightCycle(t *testing.T) {
	e := newEnv(t)
	e.subscribe(t, 1, feedA, "a")
	if err := e.store.SetWatermark(context.Background(), feedA, t0); err != nil {
		t.Fatalf("set watermark: %v", err)
	}
	e.http.set(feedA, rss(item{"new", time.Minute}))

	d := &lingeringDispatcher{started: make(chan struct{})}
	s := e.newScheduler(t, d, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-d.started:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not reach dispatch")
	}
	cancel()
	<-done
	if !d.finished.Load() {
		t.Error("Run returned before the in-flight cycle finished")
	}
}

func TestTriggerAndSetInterval(t *testing.T) {
	e := newEnv(t)
	e.subscribe(t, 1, feedA, "a")
	e.http.set(feedA, rss(item{"x", 0}))

	if err := e.sched.SetInterval(0); err == nil {
		t.Error("expected error for zero interval")
	}
	if err := e.sched.SetInterval(time.Minute); err != nil {
		t.Fatalf("set interval: %v", err)
	}
	if diff := cmp.Diff(time.Minute, e.sched.Interval()); diff != "" {
		t.Errorf("interval mismatch (-want +got):\n%s", diff)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.sched.Run(ctx)

	waitCalls := func(n int) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for e.http.callCount() < n {
			select {
			case <-deadline:
				t.Fatalf("expected %d fetches, got %d", n, e.http.callCount())
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
	waitCalls(1)
	for e.sched.Running() {
		time.Sleep(time.Millisecond)
	}

	if !e.sched.Trigger() {
		t.Fatal("Trigger should be accepted when idle")
	}
	waitCalls(2)
}

func TestTriggerReportsLockOutcome(t *testing.T) {
	e := newEnv(t)
	e.subscribe(t, 1, feedA, "a")
	e.http.set(feedA, rss(item{"x", 0}))

	if e.sched.Trigger() {
		t.Error("Trigger should be refused before Run starts")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.sched.Run(ctx)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for e.http.callCount() < 1 || e.sched.Running() {
		select {
		case <-deadline:
			t.Fatal("first cycle did not finish")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Another process sharing the lock holds the cycle.
	release, ok, _ := e.sched.locker.TryLock(context.Background(), cycleLockKey)
	if !ok {
		t.Fatal("could not take the cycle lock")
	}
	if e.sched.Trigger() {
		t.Error("Trigger should be refused while the cycle lock is held elsewhere")
	}
	release()

	cancel()
	<-done
	if e.sched.Trigger() {
		t.Error("Trigger should be refused after Run returns")
	}
	if diff := cmp.Diff(1, e.http.callCount()); diff != "" {
		t.Errorf("http calls mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "zero interval", opts: Options{FeedTimeout: time.Second, Workers: 1}},
		{name: "zero timeout", opts: Options{Interval: time.Second, Workers: 1}},
		{name: "zero workers", opts: Options{Interval: time.Second, FeedTimeout: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(nil, nil, nil, nil, tt.opts, discardLogger()); err == nil {
				t.Error("expected error")
			}
		})
	}
}
