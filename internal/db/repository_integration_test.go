//go:build integration

package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Run with: TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/db/
func newPostgresRepo(t *testing.T, maxAttempts int) (*Repository, *fakeClock) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	// every test gets its own schema so runs never share rows
	schema := "it_" + uuid.NewString()[:8]
	admin, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := admin.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA %q`, schema)); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), fmt.Sprintf(`DROP SCHEMA %q CASCADE`, schema))
		admin.Close()
	})

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatal(err)
	}
	poolCfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		t.Fatal(err)
	}
	database := &DB{pool: pool, logger: zap.NewNop()}
	t.Cleanup(database.Close)

	migrations, err := filepath.Glob("../../migrations/*.up.sql")
	if err != nil || len(migrations) == 0 {
		t.Fatalf("no migrations found: %v", err)
	}
	sort.Strings(migrations)
	for _, path := range migrations {
		sql, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			t.Fatalf("apply %s: %v", filepath.Base(path), err)
		}
	}

	clock := &fakeClock{now: time.Now().UTC().Truncate(time.Microsecond)}
	repo := NewRepository(database, RepositoryConfig{MaxAttempts: maxAttempts}, zap.NewNop())
	repo.now = clock.Now
	return repo, clock
}

func TestRepository_ClaimIsCompareAndSwap(t *testing.T) {
	repo, _ := newPostgresRepo(t, 2)
	ctx := context.Background()

	created, err := repo.UpsertComment(ctx, comment("c1"))
	if err != nil || !created {
		t.Fatalf("upsert: created=%v err=%v", created, err)
	}
	if created, _ := repo.UpsertComment(ctx, comment("c1")); created {
		t.Error("duplicate comment id was inserted")
	}

	ok, err := repo.Claim(ctx, "c1", StatusPending)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if ok, _ := repo.Claim(ctx, "c1", StatusPending); ok {
		t.Error("second claim won")
	}
	if err := repo.MarkSent(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkSent(ctx, "c1"); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("MarkSent on sent record: got %v", err)
	}

	got, err := repo.GetComment(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSent || got.Attempts != 1 {
		t.Errorf("status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestRepository_MarkFailedExhaustsAtCap(t *testing.T) {
	repo, clock := newPostgresRepo(t, 2)
	ctx := context.Background()
	_, _ = repo.UpsertComment(ctx, comment("c1"))

	next := clock.Now().Add(time.Minute)
	_, _ = repo.Claim(ctx, "c1", StatusPending)
	res, err := repo.MarkFailed(ctx, "c1", Failure{Err: "timeout", NextAttemptAt: &next})
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 1 || res.Exhausted {
		t.Errorf("after first failure: %+v", res)
	}

	if pending, _ := repo.ListPending(ctx, 10, nil); len(pending) != 0 {
		t.Errorf("record listed before its backoff: %v", ids(pending))
	}
	clock.Advance(2 * time.Minute)
	if pending, _ := repo.ListPending(ctx, 10, nil); len(pending) != 1 {
		t.Fatalf("record not listed after backoff: %v", ids(pending))
	}

	if ok, _ := repo.Claim(ctx, "c1", StatusFailed); !ok {
		t.Fatal("failed record with attempts left should be claimable")
	}
	res, err = repo.MarkFailed(ctx, "c1", Failure{Err: "timeout", NextAttemptAt: &next})
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 2 || !res.Exhausted {
		t.Errorf("after second failure: %+v", res)
	}
	if ok, _ := repo.Claim(ctx, "c1", StatusFailed); ok {
		t.Error("record at cap was claimable")
	}

	got, _ := repo.GetComment(ctx, "c1")
	if got.NextAttemptAt != nil || got.LastError == nil || *got.LastError != "timeout" {
		t.Errorf("final state: next=%v last_error=%v", got.NextAttemptAt, got.LastError)
	}
}

func TestRepository_PermanentFailure(t *testing.T) {
	repo, _ := newPostgresRepo(t, 5)
	ctx := context.Background()
	_, _ = repo.UpsertComment(ctx, comment("c1"))
	_, _ = repo.Claim(ctx, "c1", StatusPending)

	res, err := repo.MarkFailed(ctx, "c1", Failure{Err: "window expired", Permanent: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 1 || !res.Exhausted {
		t.Errorf("got %+v, want exhausted after one attempt", res)
	}
	if _, err := repo.MarkFailed(ctx, "c1", Failure{Err: "again"}); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("MarkFailed without claim: got %v", err)
	}
}

func TestRepository_RequeueStaleFreezes(t *testing.T) {
	repo, clock := newPostgresRepo(t, 3)
	ctx := context.Background()
	_, _ = repo.UpsertComment(ctx, comment("old"))
	_, _ = repo.UpsertComment(ctx, comment("fresh"))

	_, _ = repo.Claim(ctx, "old", StatusPending)
	clock.Advance(15 * time.Minute)
	_, _ = repo.Claim(ctx, "fresh", StatusPending)

	n, err := repo.RequeueStale(ctx, clock.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}

	old, _ := repo.GetComment(ctx, "old")
	if old.Status != StatusFailed || !old.Exhausted || old.ClaimedAt != nil {
		t.Errorf("old: status=%s exhausted=%v claimed=%v", old.Status, old.Exhausted, old.ClaimedAt)
	}
	if ok, _ := repo.Claim(ctx, "old", StatusFailed); ok {
		t.Error("stale claim was dispatchable again")
	}
	fresh, _ := repo.GetComment(ctx, "fresh")
	if fresh.Status != StatusProcessing {
		t.Errorf("fresh claim was requeued: %s", fresh.Status)
	}
}
