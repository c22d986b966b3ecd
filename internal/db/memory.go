package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process Store. It keeps the same conditional
// transition rules as the Postgres repository and is used for local runs
// and tests.
type MemoryRepository struct {
	mu       sync.Mutex
	cfg      RepositoryConfig
	comments map[string]*CommentAttempt
	posts    map[string]*PostConfig
	now      func() time.Time
}

var _ Store = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository(cfg RepositoryConfig) *MemoryRepository {
	return &MemoryRepository{
		cfg:      cfg.withDefaults(),
		comments: make(map[string]*CommentAttempt),
		posts:    make(map[string]*PostConfig),
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryRepository) Health(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryRepository) UpsertComment(ctx context.Context, in CommentInput) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.comments[in.CommentID]; ok {
		return false, nil
	}

	now := m.now()
	m.comments[in.CommentID] = &CommentAttempt{
		CommentID:   in.CommentID,
		PostID:      in.PostID,
		UserID:      in.UserID,
		Username:    in.Username,
		Text:        in.Text,
		TenantID:    in.TenantID,
		Status:      StatusPending,
		Source:      in.Source,
		CommentedAt: in.CommentedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return true, nil
}

func (m *MemoryRepository) ListPending(ctx context.Context, limit int, tenantID *string) ([]*CommentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.cfg.Retention)

	var out []*CommentAttempt
	for _, c := range m.comments {
		if !m.dispatchable(c) {
			continue
		}
		if c.NextAttemptAt != nil && c.NextAttemptAt.After(now) {
			continue
		}
		if c.CreatedAt.Before(cutoff) {
			continue
		}
		if tenantID != nil && c.TenantID != *tenantID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CommentID < out[j].CommentID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) dispatchable(c *CommentAttempt) bool {
	switch c.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return !c.Exhausted && c.Attempts < m.cfg.MaxAttempts
	}
	return false
}

func (m *MemoryRepository) Claim(ctx context.Context, commentID string, from Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.comments[commentID]
	if !ok || c.Status != from || c.Exhausted || c.Attempts >= m.cfg.MaxAttempts {
		return false, nil
	}

	now := m.now()
	c.Status = StatusProcessing
	c.ClaimedAt = &now
	c.UpdatedAt = now
	return true, nil
}

func (m *MemoryRepository) Release(ctx context.Context, commentID string, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.claimed(commentID, "release comment")
	if err != nil {
		return err
	}
	c.Status = to
	c.ClaimedAt = nil
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemoryRepository) MarkSent(ctx context.Context, commentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.claimed(commentID, "mark sent")
	if err != nil {
		return err
	}
	now := m.now()
	c.Status = StatusSent
	c.Attempts++
	c.LastError = nil
	c.LastAttemptAt = &now
	c.NextAttemptAt = nil
	c.ClaimedAt = nil
	c.UpdatedAt = now
	return nil
}

func (m *MemoryRepository) MarkFailed(ctx context.Context, commentID string, f Failure) (FailureResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.claimed(commentID, "mark failed")
	if err != nil {
		return FailureResult{}, err
	}
	now := m.now()
	msg := f.Err
	c.Status = StatusFailed
	c.Attempts++
	c.Exhausted = f.Permanent || c.Attempts >= m.cfg.MaxAttempts
	c.LastError = &msg
	c.LastAttemptAt = &now
	c.NextAttemptAt = f.NextAttemptAt
	if c.Exhausted {
		c.NextAttemptAt = nil
	}
	c.ClaimedAt = nil
	c.UpdatedAt = now
	return FailureResult{Attempts: c.Attempts, Exhausted: c.Exhausted}, nil
}

func (m *MemoryRepository) MarkIgnored(ctx context.Context, commentID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.claimed(commentID, "mark ignored")
	if err != nil {
		return err
	}
	c.Status = StatusIgnored
	c.IgnoreReason = &reason
	c.ClaimedAt = nil
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemoryRepository) claimed(commentID, op string) (*CommentAttempt, error) {
	c, ok := m.comments[commentID]
	if !ok || c.Status != StatusProcessing {
		return nil, fmt.Errorf("%s: %w", op, ErrNotClaimed)
	}
	return c, nil
}

func (m *MemoryRepository) RequeueStale(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	msg := "claim expired, delivery unknown"
	for _, c := range m.comments {
		if c.Status != StatusProcessing || c.ClaimedAt == nil || !c.ClaimedAt.Before(before) {
			continue
		}
		c.Status = StatusFailed
		c.Attempts++
		c.Exhausted = true
		c.NextAttemptAt = nil
		c.LastError = &msg
		c.LastAttemptAt = c.ClaimedAt
		c.ClaimedAt = nil
		c.UpdatedAt = m.now()
		n++
	}
	return n, nil
}

func (m *MemoryRepository) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, c := range m.comments {
		if c.CreatedAt.Before(before) {
			delete(m.comments, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) GetComment(ctx context.Context, commentID string) (*CommentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.comments[commentID]
	if !ok {
		return nil, fmt.Errorf("comment %s: %w", commentID, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryRepository) ListComments(ctx context.Context, f CommentFilter) ([]*CommentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*CommentAttempt
	for _, c := range m.comments {
		if f.PostID != "" && c.PostID != f.PostID {
			continue
		}
		if f.TenantID != "" && c.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, f.Limit, f.Offset), nil
}

func (m *MemoryRepository) GetPostConfig(ctx context.Context, postID string) (*PostConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pc, ok := m.posts[postID]
	if !ok {
		return nil, fmt.Errorf("post config %s: %w", postID, ErrNotFound)
	}
	cp := *pc
	return &cp, nil
}

func (m *MemoryRepository) UpsertPostConfig(ctx context.Context, pc *PostConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	pc.UpdatedAt = now
	if existing, ok := m.posts[pc.PostID]; ok {
		pc.CreatedAt = existing.CreatedAt
	} else {
		pc.CreatedAt = now
	}
	cp := *pc
	m.posts[pc.PostID] = &cp
	return nil
}

func (m *MemoryRepository) DeletePostConfig(ctx context.Context, postID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.posts[postID]; !ok {
		return fmt.Errorf("post config %s: %w", postID, ErrNotFound)
	}
	delete(m.posts, postID)
	return nil
}

func (m *MemoryRepository) ListPostConfigs(ctx context.Context, tenantID string, limit, offset int) ([]*PostConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*PostConfig
	for _, pc := range m.posts {
		if tenantID != "" && pc.TenantID != tenantID {
			continue
		}
		cp := *pc
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
