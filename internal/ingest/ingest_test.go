package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/commentflow/internal/db"
	"github.com/lalithlochan/commentflow/internal/graph"
	"github.com/lalithlochan/commentflow/internal/sqs"
)

const samplePayload = `{
  "object": "instagram",
  "entry": [{
    "id": "17841400000000000",
    "time": 1714564800,
    "changes": [
      {"field": "comments", "value": {"id": "c1", "text": "job please", "media": {"id": "p1"}, "from": {"id": "u1", "username": "alice"}}},
      {"field": "mentions", "value": {"id": "m1"}},
      {"field": "comments", "value": {"id": "c2", "media_id": "p1"}},
      {"field": "comments", "value": {"text": "no id"}}
    ]
  }]
}`

func TestParseWebhook(t *testing.T) {
	inputs, errs := ParseWebhook([]byte(samplePayload))

	if len(errs) != 1 || !errors.Is(errs[0], ErrInvalidPayload) {
		t.Errorf("errs = %v", errs)
	}
	if len(inputs) != 2 {
		t.Fatalf("inputs = %d, want 2", len(inputs))
	}

	c1 := inputs[0]
	if c1.CommentID != "c1" || c1.PostID != "p1" || c1.UserID != "u1" || c1.Username != "alice" || c1.Text != "job please" {
		t.Errorf("c1 = %+v", c1)
	}
	if c1.Source != db.SourceWebhook {
		t.Errorf("source = %s", c1.Source)
	}
	if c1.CommentedAt == nil || !c1.CommentedAt.Equal(time.Unix(1714564800, 0)) {
		t.Errorf("commented at = %v", c1.CommentedAt)
	}

	if c2 := inputs[1]; c2.PostID != "p1" || complete(c2) {
		t.Errorf("c2 should carry media_id and be incomplete: %+v", c2)
	}
}

func TestParseWebhook_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"wrong object", `{"object":"page","entry":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inputs, errs := ParseWebhook([]byte(tt.body))
			if len(inputs) != 0 || len(errs) != 1 || !errors.Is(errs[0], ErrInvalidPayload) {
				t.Errorf("inputs=%v errs=%v", inputs, errs)
			}
		})
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(samplePayload)
	good := Sign(body, "s3cret")

	tests := []struct {
		name    string
		header  string
		secret  string
		wantErr bool
	}{
		{"valid", good, "s3cret", false},
		{"wrong secret", good, "other", true},
		{"missing prefix", good[len("sha256="):], "s3cret", true},
		{"not hex", "sha256=zz", "s3cret", true},
		{"empty", "", "s3cret", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(body, tt.header, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("err should wrap ErrInvalidSignature: %v", err)
			}
		})
	}
}

type fakeFetcher struct {
	comments map[string]*graph.Comment
	calls    int
}

func (f *fakeFetcher) GetComment(ctx context.Context, id string) (*graph.Comment, error) {
	f.calls++
	c, ok := f.comments[id]
	if !ok {
		return nil, &graph.Error{Status: 404, Message: "not found"}
	}
	return c, nil
}

type countingDispatcher struct{ n int }

func (d *countingDispatcher) Trigger() { d.n++ }

func newIngestor(cfg IngestorConfig) (*Ingestor, *db.MemoryRepository, *countingDispatcher) {
	store := db.NewMemoryRepository(db.RepositoryConfig{})
	d := &countingDispatcher{}
	i := NewIngestor(store, cfg, zap.NewNop())
	i.SetDispatcher(d)
	return i, store, d
}

func TestIngest_StoresAndDeduplicates(t *testing.T) {
	i, store, d := newIngestor(IngestorConfig{TenantID: "acme"})
	ctx := context.Background()
	in := db.CommentInput{CommentID: "c1", PostID: "p1", UserID: "u1", Username: "alice", Text: "job", Source: db.SourceWebhook}

	res, err := i.Ingest(ctx, []db.CommentInput{in, in})
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 1 || res.Duplicates != 1 {
		t.Errorf("result = %+v", res)
	}
	if d.n != 1 {
		t.Errorf("triggers = %d, want 1", d.n)
	}

	c, err := store.GetComment(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.TenantID != "acme" {
		t.Errorf("tenant = %q", c.TenantID)
	}

	// nothing new, no trigger
	if _, err := i.Ingest(ctx, []db.CommentInput{in}); err != nil {
		t.Fatal(err)
	}
	if d.n != 1 {
		t.Errorf("triggers = %d after duplicate-only batch", d.n)
	}
}

func TestIngest_FillsIncompleteComments(t *testing.T) {
	i, store, _ := newIngestor(IngestorConfig{})
	fetcher := &fakeFetcher{comments: map[string]*graph.Comment{
		"c2": {ID: "c2", Text: "job", From: &graph.User{ID: "u2", Username: "bob"}},
	}}
	i.SetFetcher(fetcher)

	inputs := []db.CommentInput{
		{CommentID: "c2", PostID: "p1", Source: db.SourceWebhook},
		{CommentID: "c3", PostID: "p1", Source: db.SourceWebhook},
	}
	res, err := i.Ingest(context.Background(), inputs)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 1 || res.Dropped != 1 {
		t.Errorf("result = %+v", res)
	}

	c, err := store.GetComment(context.Background(), "c2")
	if err != nil {
		t.Fatal(err)
	}
	if c.UserID != "u2" || c.Username != "bob" || c.Text != "job" {
		t.Errorf("filled comment = %+v", c)
	}
}

func TestIngest_DropsIncompleteWithoutFetcher(t *testing.T) {
	i, _, d := newIngestor(IngestorConfig{})
	res, err := i.Ingest(context.Background(), []db.CommentInput{{CommentID: "c1"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Dropped != 1 || d.n != 0 {
		t.Errorf("result = %+v triggers = %d", res, d.n)
	}
}

func TestIngest_SkipsOwnComments(t *testing.T) {
	i, _, _ := newIngestor(IngestorConfig{BusinessID: "biz", BusinessUsername: "shop"})
	res, err := i.Ingest(context.Background(), []db.CommentInput{
		{CommentID: "c1", PostID: "p1", UserID: "biz", Username: "shop"},
		{CommentID: "c2", PostID: "p1", Username: "SHOP"},
		{CommentID: "c3", PostID: "p1", UserID: "u3", Username: "carol"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 2 || res.Created != 1 {
		t.Errorf("result = %+v", res)
	}
}

type failingStore struct{}

func (failingStore) UpsertComment(ctx context.Context, in db.CommentInput) (bool, error) {
	return false, fmt.Errorf("insert: %w", db.ErrStoreUnavailable)
}

func TestIngest_StoreError(t *testing.T) {
	i := NewIngestor(failingStore{}, IngestorConfig{}, zap.NewNop())
	_, err := i.Ingest(context.Background(), []db.CommentInput{{CommentID: "c1", PostID: "p1", UserID: "u1"}})
	if !errors.Is(err, db.ErrStoreUnavailable) {
		t.Errorf("err = %v", err)
	}
}

type fakeLister struct {
	media []graph.Media
	err   error
}

func (f *fakeLister) ListMedia(ctx context.Context, maxPages int) ([]graph.Media, error) {
	return f.media, f.err
}

func mediaWith(id string, comments ...graph.Comment) graph.Media {
	m := graph.Media{ID: id}
	m.Comments.Data = comments
	return m
}

func graphComment(id string, at time.Time) graph.Comment {
	return graph.Comment{
		ID:        id,
		Text:      "job",
		Timestamp: graph.Timestamp{Time: at},
		From:      &graph.User{ID: "u-" + id, Username: "user_" + id},
	}
}

func TestPoller_PollOnce(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	i, store, d := newIngestor(IngestorConfig{})
	ctx := context.Background()

	if err := store.UpsertPostConfig(ctx, &db.PostConfig{PostID: "configured", MessageTemplate: "hi"}); err != nil {
		t.Fatal(err)
	}

	lister := &fakeLister{media: []graph.Media{
		mediaWith("configured",
			graphComment("fresh", now.Add(-time.Hour)),
			graphComment("stale", now.Add(-8*24*time.Hour)),
		),
		mediaWith("unconfigured", graphComment("other", now.Add(-time.Hour))),
		mediaWith("empty"),
	}}

	p := NewPoller(lister, store, i, PollerConfig{MaxAge: 7 * 24 * time.Hour, ConfiguredOnly: true}, zap.NewNop())
	p.now = func() time.Time { return now }

	res, err := p.PollOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 1 || d.n != 1 {
		t.Errorf("result = %+v triggers = %d", res, d.n)
	}

	c, err := store.GetComment(ctx, "fresh")
	if err != nil {
		t.Fatal(err)
	}
	if c.Source != db.SourcePoll || c.PostID != "configured" || c.UserID != "u-fresh" {
		t.Errorf("stored = %+v", c)
	}
	if _, err := store.GetComment(ctx, "stale"); !errors.Is(err, db.ErrNotFound) {
		t.Error("stale comment should be skipped")
	}
}

func TestPoller_ListError(t *testing.T) {
	i, _, _ := newIngestor(IngestorConfig{})
	p := NewPoller(&fakeLister{err: errors.New("graph down")}, nil, i, PollerConfig{}, zap.NewNop())
	if _, err := p.PollOnce(context.Background()); err == nil {
		t.Error("expected error when nothing was listed")
	}

	partial := &fakeLister{
		media: []graph.Media{mediaWith("p1", graphComment("c1", time.Now()))},
		err:   errors.New("page 2 failed"),
	}
	p = NewPoller(partial, nil, i, PollerConfig{}, zap.NewNop())
	res, err := p.PollOnce(context.Background())
	if err != nil || res.Created != 1 {
		t.Errorf("partial listing: res=%+v err=%v", res, err)
	}
}

type fakeReceiver struct {
	deliveries []sqs.Delivery
	deleted    []string
}

func (f *fakeReceiver) Receive(ctx context.Context) ([]sqs.Delivery, error) {
	d := f.deliveries
	f.deliveries = nil
	return d, nil
}

func (f *fakeReceiver) Delete(ctx context.Context, receipt string) error {
	f.deleted = append(f.deleted, receipt)
	return nil
}

func TestQueueConsumer_ReceiveOnce(t *testing.T) {
	i, store, _ := newIngestor(IngestorConfig{})
	recv := &fakeReceiver{deliveries: []sqs.Delivery{
		{Message: &sqs.Message{Comment: db.CommentInput{CommentID: "c1", PostID: "p1", UserID: "u1", Source: db.SourceWebhook}}, ReceiptHandle: "r1"},
		{Message: nil, ReceiptHandle: "r2"},
	}}

	q := NewQueueConsumer(recv, i, zap.NewNop())
	if err := q.ReceiveOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(recv.deleted) != 2 {
		t.Errorf("deleted = %v", recv.deleted)
	}
	c, err := store.GetComment(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Source != db.SourceQueue {
		t.Errorf("source = %s", c.Source)
	}
}

func TestQueueConsumer_KeepsMessageOnStoreFailure(t *testing.T) {
	i := NewIngestor(failingStore{}, IngestorConfig{}, zap.NewNop())
	recv := &fakeReceiver{deliveries: []sqs.Delivery{
		{Message: &sqs.Message{Comment: db.CommentInput{CommentID: "c1", PostID: "p1", UserID: "u1"}}, ReceiptHandle: "r1"},
	}}

	q := NewQueueConsumer(recv, i, zap.NewNop())
	if err := q.ReceiveOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(recv.deleted) != 0 {
		t.Errorf("message should stay queued, deleted = %v", recv.deleted)
	}
}
