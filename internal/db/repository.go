package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const commentColumns = `
	comment_id, post_id, user_id, username, text, tenant_id,
	status, attempts, exhausted, last_error, ignore_reason, source,
	commented_at, last_attempt_at, next_attempt_at, claimed_at,
	created_at, updated_at`

// Repository is the Postgres implementation of Store.
type Repository struct {
	db     *DB
	cfg    RepositoryConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewRepository creates a new comment repository
func NewRepository(db *DB, cfg RepositoryConfig, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

var _ Store = (*Repository)(nil)

// Health pings the database.
func (r *Repository) Health(ctx context.Context) error {
	return classify("ping", r.db.Health(ctx))
}

// UpsertComment inserts the comment unless its id is already stored.
func (r *Repository) UpsertComment(ctx context.Context, in CommentInput) (bool, error) {
	query := `
		INSERT INTO comment_attempts (
			comment_id, post_id, user_id, username, text, tenant_id,
			status, attempts, exhausted, source, commented_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, 'pending', 0, false, $7, $8, $9, $9
		)
		ON CONFLICT (comment_id) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query,
		in.CommentID,
		in.PostID,
		in.UserID,
		in.Username,
		in.Text,
		in.TenantID,
		in.Source,
		in.CommentedAt,
		r.now(),
	)
	if err != nil {
		r.logger.Error("failed to upsert comment",
			zap.Error(err),
			zap.String("comment_id", in.CommentID),
		)
		return false, classify("upsert comment", err)
	}

	return result.RowsAffected() == 1, nil
}

// ListPending returns dispatchable records, oldest first.
func (r *Repository) ListPending(ctx context.Context, limit int, tenantID *string) ([]*CommentAttempt, error) {
	now := r.now()
	query := `
		SELECT ` + commentColumns + `
		FROM comment_attempts
		WHERE (
			status = 'pending'
			OR (status = 'failed' AND NOT exhausted AND attempts < $1)
		)
		AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		AND created_at >= $3
		AND ($4::text IS NULL OR tenant_id = $4)
		ORDER BY created_at ASC
		LIMIT $5
	`

	rows, err := r.db.Pool().Query(ctx, query,
		r.cfg.MaxAttempts,
		now,
		now.Add(-r.cfg.Retention),
		tenantID,
		limit,
	)
	if err != nil {
		return nil, classify("query pending comments", err)
	}
	return collectComments(rows)
}

// Claim moves a record from `from` to processing.
func (r *Repository) Claim(ctx context.Context, commentID string, from Status) (bool, error) {
	query := `
		UPDATE comment_attempts
		SET status = 'processing', claimed_at = $3, updated_at = $3
		WHERE comment_id = $1 AND status = $2
		AND NOT exhausted AND attempts < $4
	`

	result, err := r.db.Pool().Exec(ctx, query, commentID, string(from), r.now(), r.cfg.MaxAttempts)
	if err != nil {
		return false, classify("claim comment", err)
	}
	return result.RowsAffected() == 1, nil
}

// Release returns a claimed record to `to` without consuming an attempt.
func (r *Repository) Release(ctx context.Context, commentID string, to Status) error {
	query := `
		UPDATE comment_attempts
		SET status = $2, claimed_at = NULL, updated_at = $3
		WHERE comment_id = $1 AND status = 'processing'
	`
	return r.transition(ctx, "release comment", query, commentID, string(to), r.now())
}

// MarkSent records a successful delivery.
func (r *Repository) MarkSent(ctx context.Context, commentID string) error {
	query := `
		UPDATE comment_attempts
		SET status = 'sent', attempts = attempts + 1, last_error = NULL,
			last_attempt_at = $2, next_attempt_at = NULL, claimed_at = NULL, updated_at = $2
		WHERE comment_id = $1 AND status = 'processing'
	`
	return r.transition(ctx, "mark sent", query, commentID, r.now())
}

// MarkFailed records a failed delivery and freezes the record once it is
// out of attempts or the failure is permanent.
func (r *Repository) MarkFailed(ctx context.Context, commentID string, f Failure) (FailureResult, error) {
	now := r.now()
	query := `
		UPDATE comment_attempts
		SET status = 'failed',
			attempts = attempts + 1,
			exhausted = ($2::boolean OR attempts + 1 >= $3),
			last_error = $4,
			last_attempt_at = $5,
			next_attempt_at = CASE WHEN ($2::boolean OR attempts + 1 >= $3) THEN NULL ELSE $6::timestamptz END,
			claimed_at = NULL,
			updated_at = $5
		WHERE comment_id = $1 AND status = 'processing'
		RETURNING attempts, exhausted
	`

	var res FailureResult
	err := r.db.Pool().QueryRow(ctx, query,
		commentID,
		f.Permanent,
		r.cfg.MaxAttempts,
		f.Err,
		now,
		f.NextAttemptAt,
	).Scan(&res.Attempts, &res.Exhausted)

	if errors.Is(err, pgx.ErrNoRows) {
		return res, fmt.Errorf("mark failed %s: %w", commentID, ErrNotClaimed)
	}
	if err != nil {
		r.logger.Error("failed to mark comment failed",
			zap.Error(err),
			zap.String("comment_id", commentID),
		)
		return res, classify("mark failed", err)
	}
	return res, nil
}

// MarkIgnored records a filter rejection.
func (r *Repository) MarkIgnored(ctx context.Context, commentID string, reason string) error {
	query := `
		UPDATE comment_attempts
		SET status = 'ignored', ignore_reason = $2, claimed_at = NULL, updated_at = $3
		WHERE comment_id = $1 AND status = 'processing'
	`
	return r.transition(ctx, "mark ignored", query, commentID, reason, r.now())
}

// RequeueStale freezes claims older than `before`. Whether their message
// went out is unknown, so they are never dispatched again.
func (r *Repository) RequeueStale(ctx context.Context, before time.Time) (int64, error) {
	query := `
		UPDATE comment_attempts
		SET status = 'failed',
			attempts = attempts + 1,
			exhausted = TRUE,
			last_error = 'claim expired, delivery unknown',
			last_attempt_at = claimed_at,
			next_attempt_at = NULL,
			claimed_at = NULL,
			updated_at = $2
		WHERE status = 'processing' AND claimed_at < $1
	`

	result, err := r.db.Pool().Exec(ctx, query, before, r.now())
	if err != nil {
		return 0, classify("requeue stale claims", err)
	}
	return result.RowsAffected(), nil
}

// PurgeExpired deletes records created before `before`.
func (r *Repository) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM comment_attempts WHERE created_at < $1`, before)
	if err != nil {
		return 0, classify("purge expired comments", err)
	}
	return result.RowsAffected(), nil
}

// GetComment retrieves a record by comment id
func (r *Repository) GetComment(ctx context.Context, commentID string) (*CommentAttempt, error) {
	query := `SELECT ` + commentColumns + ` FROM comment_attempts WHERE comment_id = $1`

	c, err := scanComment(r.db.Pool().QueryRow(ctx, query, commentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("comment %s: %w", commentID, ErrNotFound)
	}
	if err != nil {
		return nil, classify("query comment", err)
	}
	return c, nil
}

// ListComments lists records newest first.
func (r *Repository) ListComments(ctx context.Context, f CommentFilter) ([]*CommentAttempt, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.PostID != "" {
		add("post_id = $%d", f.PostID)
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}

	query := `SELECT ` + commentColumns + ` FROM comment_attempts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, classify("query comments", err)
	}
	return collectComments(rows)
}

// transition runs a conditional update and reports ErrNotClaimed when it
// matched nothing.
func (r *Repository) transition(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		r.logger.Error("comment transition failed",
			zap.String("op", op),
			zap.Error(err),
		)
		return classify(op, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotClaimed)
	}
	return nil
}

func scanComment(row pgx.Row) (*CommentAttempt, error) {
	var c CommentAttempt
	err := row.Scan(
		&c.CommentID,
		&c.PostID,
		&c.UserID,
		&c.Username,
		&c.Text,
		&c.TenantID,
		&c.Status,
		&c.Attempts,
		&c.Exhausted,
		&c.LastError,
		&c.IgnoreReason,
		&c.Source,
		&c.CommentedAt,
		&c.LastAttemptAt,
		&c.NextAttemptAt,
		&c.ClaimedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func collectComments(rows pgx.Rows) ([]*CommentAttempt, error) {
	defer rows.Close()

	var comments []*CommentAttempt
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterate rows", err)
	}
	return comments, nil
}
