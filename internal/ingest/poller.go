package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/commentflow/internal/db"
	"github.com/lalithlochan/commentflow/internal/graph"
)

// MediaLister lists the account's posts with their recent comments.
type MediaLister interface {
	ListMedia(ctx context.Context, maxPages int) ([]graph.Media, error)
}

// PostConfigLookup reports whether a post is configured.
type PostConfigLookup interface {
	GetPostConfig(ctx context.Context, postID string) (*db.PostConfig, error)
}

type PollerConfig struct {
	Interval time.Duration
	MaxPages int
	// MaxAge skips comments older than this. Zero keeps everything.
	MaxAge time.Duration
	// ConfiguredOnly skips posts without a configuration.
	ConfiguredOnly bool
}

// Poller periodically reads comments from the Graph API, catching what the
// webhook missed.
type Poller struct {
	lister   MediaLister
	configs  PostConfigLookup
	ingestor *Ingestor
	config   PollerConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewPoller(lister MediaLister, configs PostConfigLookup, ingestor *Ingestor, cfg PollerConfig, logger *zap.Logger) *Poller {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxPages == 0 {
		cfg.MaxPages = 10
	}
	return &Poller{
		lister:   lister,
		configs:  configs,
		ingestor: ingestor,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Start polls immediately and then every interval until ctx is done.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.logger.Info("poller started", zap.Duration("interval", p.config.Interval))
	p.pollLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping")
			return
		case <-ticker.C:
			p.pollLogged(ctx)
		}
	}
}

func (p *Poller) pollLogged(ctx context.Context) {
	res, err := p.PollOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("poll failed", zap.Error(err))
		}
		return
	}
	if res.Created > 0 {
		p.logger.Info("poll stored new comments",
			zap.Int("received", res.Received),
			zap.Int("created", res.Created),
		)
	}
}

// PollOnce fetches media and ingests their comments. A failure on a later
// page still ingests the pages already fetched.
func (p *Poller) PollOnce(ctx context.Context) (Result, error) {
	media, listErr := p.lister.ListMedia(ctx, p.config.MaxPages)
	if listErr != nil && len(media) == 0 {
		return Result{}, fmt.Errorf("list media: %w", listErr)
	}

	var cutoff time.Time
	if p.config.MaxAge > 0 {
		cutoff = p.now().Add(-p.config.MaxAge)
	}

	var inputs []db.CommentInput
	for _, m := range media {
		if len(m.Comments.Data) == 0 {
			continue
		}

		if p.config.ConfiguredOnly {
			ok, err := p.configured(ctx, m.ID)
			if err != nil {
				return Result{}, err
			}
			if !ok {
				continue
			}
		}

		for _, c := range m.Comments.Data {
			if !cutoff.IsZero() && !c.Timestamp.IsZero() && c.Timestamp.Before(cutoff) {
				continue
			}
			in := db.CommentInput{
				CommentID: c.ID,
				PostID:    m.ID,
				UserID:    c.AuthorID(),
				Username:  c.AuthorName(),
				Text:      c.Text,
				Source:    db.SourcePoll,
			}
			if !c.Timestamp.IsZero() {
				t := c.Timestamp.UTC()
				in.CommentedAt = &t
			}
			inputs = append(inputs, in)
		}
	}

	res, err := p.ingestor.Ingest(ctx, inputs)
	if err != nil {
		return res, err
	}
	if listErr != nil {
		p.logger.Warn("media listing incomplete", zap.Error(listErr))
	}
	return res, nil
}

func (p *Poller) configured(ctx context.Context, postID string) (bool, error) {
	_, err := p.configs.GetPostConfig(ctx, postID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, db.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("load post config %s: %w", postID, err)
	}
}
