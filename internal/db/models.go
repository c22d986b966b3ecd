package db

import (
	"time"
)

// Status is the dispatch state of a comment attempt.
type Status string

// Status constants
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusIgnored    Status = "ignored"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusIgnored:
		return true
	}
	return false
}

// Source constants
const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
	SourceQueue   = "queue"
)

// CommentAttempt is the persisted dispatch state of one comment.
type CommentAttempt struct {
	CommentID     string     `json:"comment_id"`
	PostID        string     `json:"post_id"`
	UserID        string     `json:"user_id"`
	Username      string     `json:"username"`
	Text          string     `json:"text"`
	TenantID      string     `json:"tenant_id,omitempty"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	Exhausted     bool       `json:"exhausted"`
	LastError     *string    `json:"last_error,omitempty"`
	IgnoreReason  *string    `json:"ignore_reason,omitempty"`
	Source        string     `json:"source"`
	CommentedAt   *time.Time `json:"commented_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CommentInput is a normalized comment produced by an ingestion adapter.
type CommentInput struct {
	CommentID   string     `json:"comment_id"`
	PostID      string     `json:"post_id"`
	UserID      string     `json:"user_id"`
	Username    string     `json:"username"`
	Text        string     `json:"text"`
	TenantID    string     `json:"tenant_id,omitempty"`
	Source      string     `json:"source"`
	CommentedAt *time.Time `json:"commented_at,omitempty"`
}

// Failure describes a failed delivery attempt.
type Failure struct {
	Err           string
	Permanent     bool
	NextAttemptAt *time.Time
}

// FailureResult reports the state of a record after MarkFailed.
type FailureResult struct {
	Attempts  int
	Exhausted bool
}

// CommentFilter narrows ListComments.
type CommentFilter struct {
	PostID   string
	TenantID string
	Status   Status
	Limit    int
	Offset   int
}

// PostConfig holds the auto-reply settings for one post.
type PostConfig struct {
	PostID          string    `json:"post_id"`
	TenantID        string    `json:"tenant_id,omitempty"`
	Keyword         string    `json:"keyword"`
	MessageTemplate string    `json:"message_template"`
	ButtonTitle     string    `json:"button_title,omitempty"`
	ButtonLink      string    `json:"button_link,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
