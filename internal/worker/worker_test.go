package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/commentflow/internal/alert"
	"github.com/lalithlochan/commentflow/internal/circuitbreaker"
	"github.com/lalithlochan/commentflow/internal/db"
	"github.com/lalithlochan/commentflow/internal/messenger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeSender records messages. respond, when set, decides the outcome.
type fakeSender struct {
	mu      sync.Mutex
	sent    []*messenger.Message
	respond func(msg *messenger.Message) error
}

func (s *fakeSender) Send(ctx context.Context, msg *messenger.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	respond := s.respond
	s.mu.Unlock()
	if respond != nil {
		return respond(msg)
	}
	return nil
}

func (s *fakeSender) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []alert.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, e alert.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Type == eventType {
			c++
		}
	}
	return c
}

type harness struct {
	store    *db.MemoryRepository
	clock    *fakeClock
	sender   *fakeSender
	notifier *recordingNotifier
	worker   *Worker
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := db.NewMemoryRepository(db.RepositoryConfig{MaxAttempts: maxAttempts, Retention: 7 * 24 * time.Hour})
	store.SetClock(clock.Now)

	if err := store.UpsertPostConfig(context.Background(), &db.PostConfig{
		PostID:          "post-1",
		Keyword:         "job",
		MessageTemplate: "Hi {username}, here is the link",
		ButtonTitle:     "Apply",
		ButtonLink:      "https://example.com/apply",
	}); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{}
	notifier := &recordingNotifier{}
	w := New(store, store, sender, Config{
		BatchSize:   10,
		BannedWords: []string{"scam"},
	}, zap.NewNop())
	w.now = clock.Now
	w.SetNotifier(notifier)

	return &harness{store: store, clock: clock, sender: sender, notifier: notifier, worker: w}
}

func (h *harness) add(t *testing.T, id, postID, text string) {
	t.Helper()
	_, err := h.store.UpsertComment(context.Background(), db.CommentInput{
		CommentID: id,
		PostID:    postID,
		UserID:    "user-" + id,
		Username:  "alice",
		Text:      text,
		Source:    db.SourceWebhook,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) get(t *testing.T, id string) *db.CommentAttempt {
	t.Helper()
	c, err := h.store.GetComment(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func sendErr(kind messenger.Kind) error {
	return &messenger.SendError{Kind: kind, Err: errors.New("graph said no")}
}

func TestRunCycle_Sends(t *testing.T) {
	h := newHarness(t, 2)
	h.add(t, "c1", "post-1", "I want the JOB")

	summary, err := h.worker.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Listed != 1 || summary.Sent != 1 {
		t.Errorf("summary = %+v", summary)
	}

	c := h.get(t, "c1")
	if c.Status != db.StatusSent || c.Attempts != 1 {
		t.Errorf("status=%s attempts=%d", c.Status, c.Attempts)
	}

	msg := h.sender.sent[0]
	if msg.RecipientID != "user-c1" || msg.CommentID != "c1" {
		t.Errorf("recipient = %s / %s", msg.RecipientID, msg.CommentID)
	}
	if !strings.HasPrefix(msg.Text, "Hi alice, here is the link") {
		t.Errorf("text = %q", msg.Text)
	}
	if len(msg.Buttons) != 1 || msg.Buttons[0].Title != "Apply" {
		t.Errorf("buttons = %+v", msg.Buttons)
	}

	// sent is terminal
	summary, _ = h.worker.RunCycle(context.Background())
	if summary.Listed != 0 || h.sender.calls() != 1 {
		t.Errorf("second cycle listed=%d calls=%d", summary.Listed, h.sender.calls())
	}
}

func TestRunCycle_Ignores(t *testing.T) {
	tests := []struct {
		name   string
		postID string
		text   string
		reason string
	}{
		{name: "unconfigured post", postID: "post-unknown", text: "job please", reason: "unconfigured"},
		{name: "no keyword", postID: "post-1", text: "hello there", reason: "no_match"},
		{name: "banned word", postID: "post-1", text: "job scam", reason: "banned"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 2)
			h.add(t, "c1", tt.postID, tt.text)

			summary, err := h.worker.RunCycle(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if summary.Ignored != 1 {
				t.Errorf("summary = %+v", summary)
			}
			if h.sender.calls() != 0 {
				t.Error("ignored comment must not be sent")
			}

			c := h.get(t, "c1")
			if c.Status != db.StatusIgnored || c.IgnoreReason == nil || *c.IgnoreReason != tt.reason {
				t.Errorf("status=%s reason=%v", c.Status, c.IgnoreReason)
			}
		})
	}
}

func TestRunCycle_RetriesThenStops(t *testing.T) {
	h := newHarness(t, 2)
	h.sender.respond = func(*messenger.Message) error { return sendErr(messenger.KindTransient) }
	h.add(t, "c1", "post-1", "job")

	ctx := context.Background()
	if _, err := h.worker.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	c := h.get(t, "c1")
	if c.Status != db.StatusFailed || c.Attempts != 1 || c.Exhausted {
		t.Fatalf("after first failure: status=%s attempts=%d exhausted=%v", c.Status, c.Attempts, c.Exhausted)
	}
	if c.NextAttemptAt == nil || !c.NextAttemptAt.Equal(h.clock.Now().Add(time.Minute)) {
		t.Errorf("next attempt = %v", c.NextAttemptAt)
	}

	// not due yet
	summary, _ := h.worker.RunCycle(ctx)
	if summary.Listed != 0 {
		t.Errorf("listed %d before backoff elapsed", summary.Listed)
	}

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Hour)
		if _, err := h.worker.RunCycle(ctx); err != nil {
			t.Fatal(err)
		}
	}

	c = h.get(t, "c1")
	if c.Status != db.StatusFailed || c.Attempts != 2 || !c.Exhausted {
		t.Errorf("final: status=%s attempts=%d exhausted=%v", c.Status, c.Attempts, c.Exhausted)
	}
	if h.sender.calls() != 2 {
		t.Errorf("sends = %d, want 2", h.sender.calls())
	}
	if h.notifier.count(alert.EventCommentExhausted) != 1 {
		t.Error("expected one exhausted alert")
	}
}

func TestRunCycle_WindowExpiredIsFinal(t *testing.T) {
	h := newHarness(t, 3)
	h.sender.respond = func(*messenger.Message) error { return sendErr(messenger.KindWindowExpired) }
	h.add(t, "c1", "post-1", "job")

	summary, err := h.worker.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 || summary.Exhausted != 1 {
		t.Errorf("summary = %+v", summary)
	}

	c := h.get(t, "c1")
	if !c.Exhausted || c.Attempts != 1 || c.NextAttemptAt != nil {
		t.Errorf("attempts=%d exhausted=%v next=%v", c.Attempts, c.Exhausted, c.NextAttemptAt)
	}

	h.clock.Advance(24 * time.Hour)
	h.worker.RunCycle(context.Background())
	if h.sender.calls() != 1 {
		t.Errorf("sends = %d, want 1", h.sender.calls())
	}

	events := h.notifier.events
	if len(events) != 1 || events[0].CommentID != "c1" || events[0].Reason != string(messenger.KindWindowExpired) {
		t.Errorf("events = %+v", events)
	}
}

func TestRunCycle_RateLimitEndsBatch(t *testing.T) {
	h := newHarness(t, 2)
	h.sender.respond = func(*messenger.Message) error { return sendErr(messenger.KindRateLimited) }
	h.add(t, "c1", "post-1", "job")
	h.add(t, "c2", "post-1", "job")
	h.add(t, "c3", "post-1", "job")

	summary, err := h.worker.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Stopped || summary.Failed != 1 || h.sender.calls() != 1 {
		t.Errorf("summary = %+v calls = %d", summary, h.sender.calls())
	}

	c := h.get(t, "c1")
	if c.NextAttemptAt == nil || c.NextAttemptAt.Sub(h.clock.Now()) < 15*time.Minute {
		t.Errorf("rate limited comment should back off at least 15m, next = %v", c.NextAttemptAt)
	}
	if h.get(t, "c2").Status != db.StatusPending {
		t.Error("later comments should stay pending")
	}
}

func TestRunCycle_CircuitOpenReleases(t *testing.T) {
	h := newHarness(t, 2)
	h.sender.respond = func(*messenger.Message) error {
		return fmt.Errorf("%w: graph unavailable", circuitbreaker.ErrCircuitOpen)
	}
	h.add(t, "c1", "post-1", "job")
	h.add(t, "c2", "post-1", "job")

	summary, err := h.worker.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Released != 1 || !summary.Stopped {
		t.Errorf("summary = %+v", summary)
	}

	c := h.get(t, "c1")
	if c.Status != db.StatusPending || c.Attempts != 0 {
		t.Errorf("status=%s attempts=%d", c.Status, c.Attempts)
	}
}

func TestRunCycle_ConcurrentCyclesSendOnce(t *testing.T) {
	h := newHarness(t, 2)
	for i := 0; i < 10; i++ {
		h.add(t, fmt.Sprintf("c%02d", i), "post-1", "job")
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.worker.RunCycle(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	seen := map[string]int{}
	for _, m := range h.sender.sent {
		seen[m.CommentID]++
	}
	if len(seen) != 10 {
		t.Errorf("sent to %d comments, want 10", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("%s sent %d times", id, n)
		}
	}
}

type unavailableStore struct {
	*db.MemoryRepository
	down bool
}

func (s *unavailableStore) ListPending(ctx context.Context, limit int, tenantID *string) ([]*db.CommentAttempt, error) {
	if s.down {
		return nil, fmt.Errorf("list pending: %w: connection refused", db.ErrStoreUnavailable)
	}
	return s.MemoryRepository.ListPending(ctx, limit, tenantID)
}

func TestRunCycle_StoreUnavailable(t *testing.T) {
	h := newHarness(t, 2)
	store := &unavailableStore{MemoryRepository: h.store, down: true}
	h.worker.store = store

	ctx := context.Background()
	if _, err := h.worker.RunCycle(ctx); !errors.Is(err, db.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	h.worker.RunCycle(ctx)
	if n := h.notifier.count(alert.EventCycleFailed); n != 1 {
		t.Errorf("cycle alerts = %d, want 1 while the outage lasts", n)
	}

	store.down = false
	if _, err := h.worker.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	store.down = true
	h.worker.RunCycle(ctx)
	if n := h.notifier.count(alert.EventCycleFailed); n != 2 {
		t.Errorf("cycle alerts = %d, want 2 after a new outage", n)
	}
}

// flakyMarkSent fails MarkSent the first `fails` times.
type flakyMarkSent struct {
	*db.MemoryRepository
	mu    sync.Mutex
	fails int
	calls int
}

func (s *flakyMarkSent) MarkSent(ctx context.Context, commentID string) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.fails
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("mark sent: %w: connection reset", db.ErrStoreUnavailable)
	}
	return s.MemoryRepository.MarkSent(ctx, commentID)
}

func TestRunCycle_MarkSentRetried(t *testing.T) {
	h := newHarness(t, 2)
	store := &flakyMarkSent{MemoryRepository: h.store, fails: 1}
	h.worker.store = store
	h.worker.retry = []time.Duration{0, 0}
	h.add(t, "c1", "post-1", "job")

	summary, err := h.worker.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Sent != 1 || store.calls != 2 {
		t.Errorf("sent=%d mark sent calls=%d", summary.Sent, store.calls)
	}
	if c := h.get(t, "c1"); c.Status != db.StatusSent || c.Attempts != 1 {
		t.Errorf("status=%s attempts=%d", c.Status, c.Attempts)
	}
}

func TestRunCycle_UnrecordedSendIsNotRepeated(t *testing.T) {
	h := newHarness(t, 2)
	store := &flakyMarkSent{MemoryRepository: h.store, fails: 100}
	h.worker.store = store
	h.worker.retry = []time.Duration{0, 0}
	h.add(t, "c1", "post-1", "job")
	ctx := context.Background()

	h.worker.RunCycle(ctx)
	if c := h.get(t, "c1"); c.Status != db.StatusProcessing {
		t.Fatalf("status = %s, want processing", c.Status)
	}
	if store.calls != 3 {
		t.Errorf("mark sent calls = %d, want 3", store.calls)
	}

	j, err := NewJanitor(h.store, JanitorConfig{ClaimTimeout: 10 * time.Minute}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	j.now = h.clock.Now
	h.clock.Advance(15 * time.Minute)
	j.RunOnce(ctx)

	h.clock.Advance(time.Hour)
	if _, err := h.worker.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if n := h.sender.calls(); n != 1 {
		t.Errorf("message sent %d times, want 1", n)
	}
	if c := h.get(t, "c1"); c.Status != db.StatusFailed || !c.Exhausted {
		t.Errorf("status=%s exhausted=%v", c.Status, c.Exhausted)
	}
}

// ctxStore fails writes on a cancelled context, as pgx does.
type ctxStore struct {
	*db.MemoryRepository
}

func (s ctxStore) MarkIgnored(ctx context.Context, commentID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryRepository.MarkIgnored(ctx, commentID, reason)
}

func TestProcess_IgnoreSurvivesCancellation(t *testing.T) {
	h := newHarness(t, 2)
	h.worker.store = ctxStore{h.store}
	h.add(t, "c1", "post-1", "hello there")

	item := h.get(t, "c1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.worker.process(ctx, item)
	if err != nil {
		t.Fatal(err)
	}
	if res.outcome != OutcomeIgnored {
		t.Errorf("outcome = %s", res.outcome)
	}
	if c := h.get(t, "c1"); c.Status != db.StatusIgnored {
		t.Errorf("status = %s, want ignored", c.Status)
	}
}

type brokenConfigs struct {
	*db.MemoryRepository
}

func (b brokenConfigs) GetPostConfig(ctx context.Context, postID string) (*db.PostConfig, error) {
	if postID == "post-broken" {
		return nil, errors.New("decode failed")
	}
	return b.MemoryRepository.GetPostConfig(ctx, postID)
}

func TestRunCycle_ItemErrorsDoNotAbortBatch(t *testing.T) {
	h := newHarness(t, 2)
	h.worker.configs = brokenConfigs{h.store}
	h.sender.respond = func(msg *messenger.Message) error {
		if msg.CommentID == "c2" {
			panic("boom")
		}
		return nil
	}
	h.add(t, "c1", "post-broken", "job")
	h.add(t, "c2", "post-1", "job")
	h.add(t, "c3", "post-1", "job")

	summary, err := h.worker.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Sent != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if h.get(t, "c1").Status != db.StatusPending {
		t.Error("comment with unreadable config should be released")
	}
	if h.get(t, "c3").Status != db.StatusSent {
		t.Error("c3 should be sent after the panic")
	}
}

type fakeLocker struct {
	ok       bool
	err      error
	released bool
}

func (l *fakeLocker) Acquire(ctx context.Context) (func(context.Context), bool, error) {
	return func(context.Context) { l.released = true }, l.ok, l.err
}

func TestRunCycle_Lock(t *testing.T) {
	h := newHarness(t, 2)
	h.add(t, "c1", "post-1", "job")

	held := &fakeLocker{ok: false}
	h.worker.SetLocker(held)
	summary, err := h.worker.RunCycle(context.Background())
	if err != nil || summary.Listed != 0 || h.sender.calls() != 0 {
		t.Errorf("cycle should be skipped while the lock is held elsewhere: %+v %v", summary, err)
	}

	free := &fakeLocker{ok: true}
	h.worker.SetLocker(free)
	if _, err := h.worker.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.sender.calls() != 1 || !free.released {
		t.Errorf("calls=%d released=%v", h.sender.calls(), free.released)
	}

	h.add(t, "c2", "post-1", "job")
	h.worker.SetLocker(&fakeLocker{err: errors.New("redis down")})
	if _, err := h.worker.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.sender.calls() != 2 {
		t.Error("lock errors should not block dispatch")
	}
}

func TestTrigger_Coalesces(t *testing.T) {
	w := New(nil, nil, &fakeSender{}, Config{}, zap.NewNop())
	for i := 0; i < 5; i++ {
		w.Trigger()
	}
	if len(w.trigger) != 1 {
		t.Errorf("queued triggers = %d, want 1", len(w.trigger))
	}
}

func TestStart_RunsOnTrigger(t *testing.T) {
	h := newHarness(t, 2)
	h.worker.config.ScanInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.worker.Start(ctx)
		close(done)
	}()

	h.add(t, "c1", "post-1", "job")
	h.worker.Trigger()

	deadline := time.Now().Add(2 * time.Second)
	for h.sender.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if h.sender.calls() != 1 {
		t.Errorf("sends = %d, want 1", h.sender.calls())
	}
}

func TestRetryDelay(t *testing.T) {
	w := New(nil, nil, nil, Config{}, zap.NewNop())

	tests := []struct {
		attempt int
		kind    messenger.Kind
		want    time.Duration
	}{
		{1, messenger.KindTransient, time.Minute},
		{2, messenger.KindTransient, 5 * time.Minute},
		{3, messenger.KindRejected, 15 * time.Minute},
		{9, messenger.KindTransient, 15 * time.Minute},
		{1, messenger.KindRateLimited, 15 * time.Minute},
	}
	for _, tt := range tests {
		if got := w.retryDelay(tt.attempt, tt.kind); got != tt.want {
			t.Errorf("retryDelay(%d, %s) = %v, want %v", tt.attempt, tt.kind, got, tt.want)
		}
	}
}
