// Package alert tells operators about comments that will never be messaged
// and about dispatch cycles that could not run.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types
const (
	EventCommentExhausted = "comment_exhausted"
	EventCycleFailed      = "dispatch_cycle_failed"
	EventSendsPaused      = "sends_paused"
)

// Event is one operator alert.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	CommentID  string    `json:"comment_id,omitempty"`
	PostID     string    `json:"post_id,omitempty"`
	TenantID   string    `json:"tenant_id,omitempty"`
	Username   string    `json:"username,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent fills in the id and timestamp.
func NewEvent(eventType, reason string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
}

// Subject is a one-line summary.
func (e Event) Subject() string {
	switch e.Type {
	case EventCommentExhausted:
		return fmt.Sprintf("[commentflow] message to @%s not delivered", e.Username)
	case EventCycleFailed:
		return "[commentflow] dispatch cycle failed"
	case EventSendsPaused:
		return "[commentflow] messaging API failing, sends paused"
	}
	return "[commentflow] " + e.Type
}

// Body is a plain-text description.
func (e Event) Body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event: %s\n", e.Type)
	if e.CommentID != "" {
		fmt.Fprintf(&b, "Comment: %s\n", e.CommentID)
	}
	if e.PostID != "" {
		fmt.Fprintf(&b, "Post: %s\n", e.PostID)
	}
	if e.TenantID != "" {
		fmt.Fprintf(&b, "Tenant: %s\n", e.TenantID)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, "Attempts: %d\n", e.Attempts)
	}
	fmt.Fprintf(&b, "Reason: %s\n", e.Reason)
	fmt.Fprintf(&b, "At: %s\n", e.OccurredAt.Format(time.RFC3339))
	return b.String()
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// MultiNotifier fans an event out to every configured notifier.
type MultiNotifier struct {
	notifiers []Notifier
	logger    *zap.Logger
}

// NewMultiNotifier combines notifiers. Nil entries are skipped.
func NewMultiNotifier(logger *zap.Logger, notifiers ...Notifier) *MultiNotifier {
	m := &MultiNotifier{logger: logger}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Len returns the number of notifiers.
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// Notify calls every notifier and joins their errors.
func (m *MultiNotifier) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, e); err != nil {
			m.logger.Warn("alert delivery failed",
				zap.String("event_id", e.ID),
				zap.String("notifier", fmt.Sprintf("%T", n)),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, e Event) error {
	n.logger.Warn("alert",
		zap.String("event_id", e.ID),
		zap.String("type", e.Type),
		zap.String("comment_id", e.CommentID),
		zap.String("post_id", e.PostID),
		zap.Int("attempts", e.Attempts),
		zap.String("reason", e.Reason),
	)
	return nil
}
