package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/commentflow/internal/metrics"
)

// MaintenanceStore is the part of db.Store the janitor needs.
type MaintenanceStore interface {
	RequeueStale(ctx context.Context, before time.Time) (int64, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

type JanitorConfig struct {
	Schedule     string
	Retention    time.Duration
	ClaimTimeout time.Duration
}

// Janitor purges records past the retention window and fails claims left
// behind by a crashed cycle.
type Janitor struct {
	store  MaintenanceStore
	config JanitorConfig
	cron   *cron.Cron
	logger *zap.Logger
	now    func() time.Time
}

func NewJanitor(store MaintenanceStore, cfg JanitorConfig, logger *zap.Logger) (*Janitor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1h"
	}
	if cfg.Retention == 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.ClaimTimeout == 0 {
		cfg.ClaimTimeout = 10 * time.Minute
	}

	cl := cronLogger{logger.Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		),
	)

	j := &Janitor{
		store:  store,
		config: cfg,
		cron:   c,
		logger: logger,
		now:    time.Now,
	}

	if _, err := c.AddFunc(cfg.Schedule, func() { j.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}
	return j, nil
}

// RunOnce freezes stale claims, then purges expired records.
func (j *Janitor) RunOnce(ctx context.Context) {
	now := j.now()

	requeued, err := j.store.RequeueStale(ctx, now.Add(-j.config.ClaimTimeout))
	if err != nil {
		j.logger.Error("failed to expire stale claims", zap.Error(err))
	} else if requeued > 0 {
		metrics.RecordRequeued(requeued)
		j.logger.Warn("stale claims frozen, delivery unknown", zap.Int64("count", requeued))
	}

	purged, err := j.store.PurgeExpired(ctx, now.Add(-j.config.Retention))
	if err != nil {
		j.logger.Error("failed to purge expired comments", zap.Error(err))
	} else if purged > 0 {
		metrics.RecordPurged(purged)
		j.logger.Info("purged expired comments", zap.Int64("count", purged))
	}
}

// Start runs the schedule until ctx is done, then waits for a running
// job to finish.
func (j *Janitor) Start(ctx context.Context) {
	j.logger.Info("janitor started", zap.String("schedule", j.config.Schedule))
	j.cron.Start()

	<-ctx.Done()
	stopped := j.cron.Stop()
	<-stopped.Done()
	j.logger.Info("janitor stopped")
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
