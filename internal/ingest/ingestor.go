package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/commentflow/internal/db"
	"github.com/lalithlochan/commentflow/internal/graph"
	"github.com/lalithlochan/commentflow/internal/metrics"
)

// Store is the part of db.Store ingestion writes to.
type Store interface {
	UpsertComment(ctx context.Context, in db.CommentInput) (bool, error)
}

// CommentFetcher looks up a comment the webhook only partially described.
type CommentFetcher interface {
	GetComment(ctx context.Context, commentID string) (*graph.Comment, error)
}

// Dispatcher is told when new comments are waiting.
type Dispatcher interface {
	Trigger()
}

type IngestorConfig struct {
	TenantID string
	// BusinessID and BusinessUsername identify the account's own replies,
	// which are never messaged.
	BusinessID       string
	BusinessUsername string
}

// Result counts what happened to a batch of inputs.
type Result struct {
	Received   int `json:"received"`
	Created    int `json:"created"`
	Duplicates int `json:"duplicates"`
	Dropped    int `json:"dropped"`
	Skipped    int `json:"skipped"`
}

// Ingestor is the common write path for every adapter.
type Ingestor struct {
	store      Store
	fetcher    CommentFetcher
	dispatcher Dispatcher
	config     IngestorConfig
	logger     *zap.Logger
}

func NewIngestor(store Store, cfg IngestorConfig, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		store:  store,
		config: cfg,
		logger: logger,
	}
}

// SetFetcher enables detail lookups for incomplete inputs.
func (i *Ingestor) SetFetcher(f CommentFetcher) {
	i.fetcher = f
}

// SetDispatcher makes Ingest trigger a dispatch cycle after creating records.
func (i *Ingestor) SetDispatcher(d Dispatcher) {
	i.dispatcher = d
}

// Ingest stores every valid input. Invalid inputs are dropped and logged.
// It stops and returns an error only when the store fails; inputs stored
// before that stay stored and will be reported as duplicates on redelivery.
func (i *Ingestor) Ingest(ctx context.Context, inputs []db.CommentInput) (Result, error) {
	res := Result{Received: len(inputs)}
	defer func() {
		if res.Created > 0 && i.dispatcher != nil {
			i.dispatcher.Trigger()
		}
	}()

	for _, in := range inputs {
		if in.TenantID == "" {
			in.TenantID = i.config.TenantID
		}

		if !complete(in) {
			filled, err := i.fill(ctx, in)
			if err != nil {
				res.Dropped++
				i.logger.Warn("dropping comment",
					zap.String("comment_id", in.CommentID),
					zap.String("source", in.Source),
					zap.Error(err),
				)
				continue
			}
			in = filled
		}

		if i.ownComment(in) {
			res.Skipped++
			continue
		}

		created, err := i.store.UpsertComment(ctx, in)
		if err != nil {
			return res, fmt.Errorf("upsert comment %s: %w", in.CommentID, err)
		}
		metrics.RecordCommentIngested(in.Source, created)
		if created {
			res.Created++
			i.logger.Info("comment stored",
				zap.String("comment_id", in.CommentID),
				zap.String("post_id", in.PostID),
				zap.String("source", in.Source),
			)
		} else {
			res.Duplicates++
		}
	}

	return res, nil
}

// fill completes an input from the Graph API.
func (i *Ingestor) fill(ctx context.Context, in db.CommentInput) (db.CommentInput, error) {
	if in.CommentID == "" {
		return in, fmt.Errorf("%w: missing comment id", ErrInvalidPayload)
	}
	if i.fetcher == nil {
		return in, fmt.Errorf("%w: missing post or author", ErrInvalidPayload)
	}

	c, err := i.fetcher.GetComment(ctx, in.CommentID)
	if err != nil {
		return in, errors.Join(fmt.Errorf("%w: detail lookup failed", ErrInvalidPayload), err)
	}

	if in.PostID == "" && c.Media != nil {
		in.PostID = c.Media.ID
	}
	if in.UserID == "" {
		in.UserID = c.AuthorID()
	}
	if in.Username == "" {
		in.Username = c.AuthorName()
	}
	if in.Text == "" {
		in.Text = c.Text
	}
	if in.CommentedAt == nil && !c.Timestamp.IsZero() {
		t := c.Timestamp.UTC()
		in.CommentedAt = &t
	}

	if !complete(in) {
		return in, fmt.Errorf("%w: missing post or author after lookup", ErrInvalidPayload)
	}
	return in, nil
}

func (i *Ingestor) ownComment(in db.CommentInput) bool {
	if i.config.BusinessID != "" && in.UserID == i.config.BusinessID {
		return true
	}
	return i.config.BusinessUsername != "" && strings.EqualFold(in.Username, i.config.BusinessUsername)
}
