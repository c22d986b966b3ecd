// Package worker runs the dispatch cycle: it turns pending comments into
// sent, failed or ignored records.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/commentflow/internal/alert"
	"github.com/lalithlochan/commentflow/internal/circuitbreaker"
	"github.com/lalithlochan/commentflow/internal/db"
	"github.com/lalithlochan/commentflow/internal/filter"
	"github.com/lalithlochan/commentflow/internal/messenger"
	"github.com/lalithlochan/commentflow/internal/metrics"
)

// Store is the part of db.Store the engine needs.
type Store interface {
	ListPending(ctx context.Context, limit int, tenantID *string) ([]*db.CommentAttempt, error)
	Claim(ctx context.Context, commentID string, from db.Status) (bool, error)
	Release(ctx context.Context, commentID string, to db.Status) error
	MarkSent(ctx context.Context, commentID string) error
	MarkFailed(ctx context.Context, commentID string, f db.Failure) (db.FailureResult, error)
	MarkIgnored(ctx context.Context, commentID string, reason string) error
}

// PostConfigSource looks up the settings for a post. It returns
// db.ErrNotFound for posts nobody configured.
type PostConfigSource interface {
	GetPostConfig(ctx context.Context, postID string) (*db.PostConfig, error)
}

// Locker serializes cycles across instances. ok is false when another
// instance holds the lock.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context), ok bool, err error)
}

// Dispatch outcomes, used as metric labels.
const (
	OutcomeSent     = "sent"
	OutcomeFailed   = "failed"
	OutcomeIgnored  = "ignored"
	OutcomeReleased = "released"
)

// storeWriteTimeout bounds the bookkeeping that follows a send. It runs on
// a context detached from the caller so shutdown cannot strand a claim
// after the message went out.
const storeWriteTimeout = 5 * time.Second

// markSentBackoff spaces MarkSent retries after a delivered message. A
// record left in processing is frozen by the janitor, never resent.
var markSentBackoff = []time.Duration{250 * time.Millisecond, time.Second}

type Config struct {
	ScanInterval   time.Duration
	BatchSize      int
	RetryDelays    []time.Duration
	RateLimitDelay time.Duration
	TenantID       string

	DefaultKeywords []string
	BannedWords     []string
	ExtraButtons    []messenger.Button
}

// Summary counts what one cycle did.
type Summary struct {
	Listed    int  `json:"listed"`
	Sent      int  `json:"sent"`
	Failed    int  `json:"failed"`
	Ignored   int  `json:"ignored"`
	Released  int  `json:"released"`
	Skipped   int  `json:"skipped"`
	Exhausted int  `json:"exhausted"`
	Stopped   bool `json:"stopped"`
}

type Worker struct {
	store    Store
	configs  PostConfigSource
	sender   messenger.Sender
	notifier alert.Notifier
	locker   Locker
	config   Config
	logger   *zap.Logger
	now      func() time.Time

	// retry waits between MarkSent attempts
	retry []time.Duration

	trigger chan struct{}

	mu      sync.Mutex
	failing bool
}

func New(store Store, configs PostConfigSource, sender messenger.Sender, cfg Config, logger *zap.Logger) *Worker {
	if cfg.ScanInterval == 0 {
		cfg.ScanInterval = 5 * time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 20
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = []time.Duration{
			1 * time.Minute,
			5 * time.Minute,
			15 * time.Minute,
		}
	}
	if cfg.RateLimitDelay == 0 {
		cfg.RateLimitDelay = 15 * time.Minute
	}

	return &Worker{
		store:    store,
		configs:  configs,
		sender:   sender,
		notifier: alert.NewLogNotifier(logger),
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		retry:    markSentBackoff,
		trigger:  make(chan struct{}, 1),
	}
}

// SetNotifier replaces the default log-only alert notifier.
func (w *Worker) SetNotifier(n alert.Notifier) {
	w.notifier = n
}

// SetLocker makes every cycle take the lock first.
func (w *Worker) SetLocker(l Locker) {
	w.locker = l
}

// Trigger asks for a cycle as soon as possible. Calls made while one is
// already queued are coalesced.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Start runs a cycle immediately, then on every tick or trigger until ctx
// is done.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.ScanInterval)
	defer ticker.Stop()

	w.logger.Info("dispatch worker started",
		zap.Duration("scan_interval", w.config.ScanInterval),
		zap.Int("batch_size", w.config.BatchSize),
	)
	w.runLogged(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("dispatch worker stopping")
			return
		case <-ticker.C:
			w.runLogged(ctx, "tick")
		case <-w.trigger:
			w.runLogged(ctx, "trigger")
		}
	}
}

func (w *Worker) runLogged(ctx context.Context, cause string) {
	summary, err := w.RunCycle(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("dispatch cycle failed", zap.String("cause", cause), zap.Error(err))
		}
		return
	}
	if summary.Listed > 0 {
		w.logger.Info("dispatch cycle finished",
			zap.String("cause", cause),
			zap.Int("listed", summary.Listed),
			zap.Int("sent", summary.Sent),
			zap.Int("failed", summary.Failed),
			zap.Int("ignored", summary.Ignored),
			zap.Int("released", summary.Released),
			zap.Int("skipped", summary.Skipped),
			zap.Bool("stopped", summary.Stopped),
		)
	}
}

// RunCycle processes one batch. It only returns an error when the batch
// could not be processed at all; per-comment failures are recorded on the
// comment and counted in the summary.
func (w *Worker) RunCycle(ctx context.Context) (Summary, error) {
	var summary Summary

	if w.locker != nil {
		release, ok, err := w.locker.Acquire(ctx)
		switch {
		case err != nil:
			w.logger.Warn("cycle lock unavailable, running unlocked", zap.Error(err))
		case !ok:
			w.logger.Debug("another instance holds the cycle lock")
			return summary, nil
		default:
			defer release(context.WithoutCancel(ctx))
		}
	}

	start := time.Now()
	defer func() { metrics.RecordCycle(time.Since(start)) }()

	var tenant *string
	if w.config.TenantID != "" {
		tenant = &w.config.TenantID
	}

	items, err := w.store.ListPending(ctx, w.config.BatchSize, tenant)
	if err != nil {
		w.storeFailed(ctx, err)
		return summary, fmt.Errorf("list pending: %w", err)
	}
	w.storeRecovered()
	summary.Listed = len(items)

	for _, item := range items {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		res, err := w.safeProcess(ctx, item)
		if err != nil {
			if errors.Is(err, db.ErrStoreUnavailable) {
				w.storeFailed(ctx, err)
				return summary, fmt.Errorf("process %s: %w", item.CommentID, err)
			}
			w.logger.Error("failed to process comment",
				zap.String("comment_id", item.CommentID),
				zap.Error(err),
			)
			continue
		}

		summary.add(res)
		if res.stop {
			summary.Stopped = true
			break
		}
	}

	return summary, nil
}

// result is what happened to one comment.
type result struct {
	outcome   string
	exhausted bool
	stop      bool
}

func (s *Summary) add(r result) {
	switch r.outcome {
	case OutcomeSent:
		s.Sent++
	case OutcomeFailed:
		s.Failed++
	case OutcomeIgnored:
		s.Ignored++
	case OutcomeReleased:
		s.Released++
	case "":
		s.Skipped++
	}
	if r.exhausted {
		s.Exhausted++
	}
}

func (w *Worker) safeProcess(ctx context.Context, item *db.CommentAttempt) (res result, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic while processing comment",
				zap.String("comment_id", item.CommentID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.process(ctx, item)
}

func (w *Worker) process(ctx context.Context, item *db.CommentAttempt) (result, error) {
	log := w.logger.With(
		zap.String("comment_id", item.CommentID),
		zap.String("post_id", item.PostID),
	)

	claimed, err := w.store.Claim(ctx, item.CommentID, item.Status)
	if err != nil {
		return result{}, err
	}
	if !claimed {
		log.Debug("comment claimed elsewhere")
		return result{}, nil
	}

	pc, err := w.configs.GetPostConfig(ctx, item.PostID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return w.ignore(ctx, item, filter.ReasonUnconfigured)
	case err != nil:
		w.release(ctx, item)
		return result{}, fmt.Errorf("load post config: %w", err)
	case pc.MessageTemplate == "":
		return w.ignore(ctx, item, filter.ReasonUnconfigured)
	}

	decision := filter.Decide(item.Text, filter.RulesFor(pc.Keyword, w.config.DefaultKeywords, w.config.BannedWords))
	if !decision.Accepted {
		return w.ignore(ctx, item, decision.Reason)
	}

	buttons := make([]messenger.Button, 0, 1+len(w.config.ExtraButtons))
	buttons = append(buttons, messenger.Button{Title: pc.ButtonTitle, URL: pc.ButtonLink})
	buttons = append(buttons, w.config.ExtraButtons...)

	msg := messenger.Render(pc.MessageTemplate, messenger.Author{
		UserID:    item.UserID,
		Username:  item.Username,
		CommentID: item.CommentID,
		Text:      item.Text,
	}, buttons)

	sendErr := w.sender.Send(ctx, msg)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()

	if sendErr == nil {
		if err := w.markSent(writeCtx, item.CommentID); err != nil {
			log.Error("message sent but not recorded, claim left for the janitor", zap.Error(err))
			return result{}, fmt.Errorf("mark sent: %w", err)
		}
		metrics.RecordDispatch(OutcomeSent, "")
		log.Info("message sent", zap.String("username", item.Username))
		return result{outcome: OutcomeSent}, nil
	}

	if errors.Is(sendErr, circuitbreaker.ErrCircuitOpen) || !messenger.Attempted(sendErr) {
		if err := w.store.Release(writeCtx, item.CommentID, item.Status); err != nil {
			return result{}, fmt.Errorf("release: %w", err)
		}
		metrics.RecordDispatch(OutcomeReleased, "not_attempted")
		log.Warn("send not attempted, comment released", zap.Error(sendErr))
		return result{outcome: OutcomeReleased, stop: true}, nil
	}

	kind := messenger.KindOf(sendErr)
	failure := db.Failure{
		Err:       sendErr.Error(),
		Permanent: kind == messenger.KindWindowExpired,
	}
	if !failure.Permanent {
		next := w.now().Add(w.retryDelay(item.Attempts+1, kind))
		failure.NextAttemptAt = &next
	}

	fr, err := w.store.MarkFailed(writeCtx, item.CommentID, failure)
	if err != nil {
		return result{}, fmt.Errorf("mark failed: %w", err)
	}
	metrics.RecordDispatch(OutcomeFailed, string(kind))
	log.Warn("message failed",
		zap.String("kind", string(kind)),
		zap.Int("attempt", fr.Attempts),
		zap.Bool("exhausted", fr.Exhausted),
		zap.Error(sendErr),
	)

	if fr.Exhausted {
		metrics.RecordExhausted()
		e := alert.NewEvent(alert.EventCommentExhausted, string(kind))
		e.CommentID = item.CommentID
		e.PostID = item.PostID
		e.TenantID = item.TenantID
		e.Username = item.Username
		e.Attempts = fr.Attempts
		w.alert(writeCtx, e)
	}

	return result{
		outcome:   OutcomeFailed,
		exhausted: fr.Exhausted,
		stop:      kind == messenger.KindRateLimited,
	}, nil
}

// markSent retries while the store is unavailable. The message is already
// out, so giving up early would only leave the claim to expire.
func (w *Worker) markSent(ctx context.Context, commentID string) error {
	err := w.store.MarkSent(ctx, commentID)
	for _, d := range w.retry {
		if err == nil || !errors.Is(err, db.ErrStoreUnavailable) {
			return err
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		err = w.store.MarkSent(ctx, commentID)
	}
	return err
}

func (w *Worker) ignore(ctx context.Context, item *db.CommentAttempt, reason string) (result, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	if err := w.store.MarkIgnored(writeCtx, item.CommentID, reason); err != nil {
		return result{}, fmt.Errorf("mark ignored: %w", err)
	}
	metrics.RecordDispatch(OutcomeIgnored, reason)
	w.logger.Debug("comment ignored",
		zap.String("comment_id", item.CommentID),
		zap.String("reason", reason),
	)
	return result{outcome: OutcomeIgnored}, nil
}

func (w *Worker) release(ctx context.Context, item *db.CommentAttempt) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	if err := w.store.Release(writeCtx, item.CommentID, item.Status); err != nil {
		w.logger.Error("failed to release comment",
			zap.String("comment_id", item.CommentID),
			zap.Error(err),
		)
	}
}

// retryDelay picks the wait before the next attempt. attempt is 1-based.
func (w *Worker) retryDelay(attempt int, kind messenger.Kind) time.Duration {
	delays := w.config.RetryDelays
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	d := delays[idx]
	if kind == messenger.KindRateLimited && d < w.config.RateLimitDelay {
		d = w.config.RateLimitDelay
	}
	return d
}

// storeFailed alerts once when the store goes from healthy to failing.
func (w *Worker) storeFailed(ctx context.Context, err error) {
	if !errors.Is(err, db.ErrStoreUnavailable) {
		return
	}
	w.mu.Lock()
	first := !w.failing
	w.failing = true
	w.mu.Unlock()

	if first {
		w.alert(context.WithoutCancel(ctx), alert.NewEvent(alert.EventCycleFailed, err.Error()))
	}
}

func (w *Worker) storeRecovered() {
	w.mu.Lock()
	w.failing = false
	w.mu.Unlock()
}

func (w *Worker) alert(ctx context.Context, e alert.Event) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(ctx, e); err != nil {
		w.logger.Warn("failed to deliver alert",
			zap.String("event_type", e.Type),
			zap.Error(err),
		)
	}
}
