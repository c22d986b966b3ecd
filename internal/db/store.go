package db

import (
	"context"
	"time"
)

// Store is the comment and post configuration store. Repository (Postgres)
// and MemoryRepository both implement it.
//
// All status transitions are conditional on the current status, so two
// callers racing on the same comment cannot both win.
type Store interface {
	// UpsertComment inserts a new pending record. It reports false, without
	// modifying anything, when the comment id is already stored.
	UpsertComment(ctx context.Context, in CommentInput) (bool, error)

	// ListPending returns dispatchable records, oldest first: pending ones
	// and failed ones that still have attempts left and are due.
	ListPending(ctx context.Context, limit int, tenantID *string) ([]*CommentAttempt, error)

	// Claim moves a record from `from` to processing.
	Claim(ctx context.Context, commentID string, from Status) (bool, error)

	// Release moves a claimed record back to `to` without consuming an attempt.
	Release(ctx context.Context, commentID string, to Status) error

	MarkSent(ctx context.Context, commentID string) error
	MarkFailed(ctx context.Context, commentID string, f Failure) (FailureResult, error)
	MarkIgnored(ctx context.Context, commentID string, reason string) error

	// RequeueStale fails and freezes claims taken before `before`. Their
	// send outcome is unknown, so they are not dispatched again.
	RequeueStale(ctx context.Context, before time.Time) (int64, error)

	// PurgeExpired deletes records created before `before`, whatever their status.
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)

	GetComment(ctx context.Context, commentID string) (*CommentAttempt, error)
	ListComments(ctx context.Context, f CommentFilter) ([]*CommentAttempt, error)

	GetPostConfig(ctx context.Context, postID string) (*PostConfig, error)
	UpsertPostConfig(ctx context.Context, cfg *PostConfig) error
	DeletePostConfig(ctx context.Context, postID string) error
	ListPostConfigs(ctx context.Context, tenantID string, limit, offset int) ([]*PostConfig, error)

	Health(ctx context.Context) error
}

// RepositoryConfig carries the dispatch limits the store enforces.
type RepositoryConfig struct {
	MaxAttempts int
	Retention   time.Duration
}

func (c RepositoryConfig) withDefaults() RepositoryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}
