package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/commentflow/internal/db"
	"github.com/lalithlochan/commentflow/internal/metrics"
	"github.com/lalithlochan/commentflow/internal/sqs"
)

// QueueReceiver is the consuming side of the comment queue.
type QueueReceiver interface {
	Receive(ctx context.Context) ([]sqs.Delivery, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// QueuePublisher is the producing side of the comment queue.
type QueuePublisher interface {
	Enqueue(ctx context.Context, in db.CommentInput) (string, error)
}

// QueueConsumer drains queued comments into the store. A message is
// deleted only after its comment was stored, dropped as invalid, or could
// not be decoded; store failures leave it for redelivery.
type QueueConsumer struct {
	receiver QueueReceiver
	ingestor *Ingestor
	logger   *zap.Logger
	backoff  time.Duration
}

func NewQueueConsumer(receiver QueueReceiver, ingestor *Ingestor, logger *zap.Logger) *QueueConsumer {
	return &QueueConsumer{
		receiver: receiver,
		ingestor: ingestor,
		logger:   logger,
		backoff:  5 * time.Second,
	}
}

// Start receives until ctx is done.
func (q *QueueConsumer) Start(ctx context.Context) {
	q.logger.Info("queue consumer started")
	for {
		if ctx.Err() != nil {
			q.logger.Info("queue consumer stopping")
			return
		}
		if err := q.ReceiveOnce(ctx); err != nil && ctx.Err() == nil {
			q.logger.Error("queue receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(q.backoff):
			}
		}
	}
}

// ReceiveOnce handles one batch of deliveries.
func (q *QueueConsumer) ReceiveOnce(ctx context.Context) error {
	deliveries, err := q.receiver.Receive(ctx)
	if err != nil {
		return err
	}
	metrics.SetSQSMessagesInFlight(len(deliveries))
	defer metrics.SetSQSMessagesInFlight(0)

	for _, d := range deliveries {
		if d.Message != nil {
			in := d.Message.Comment
			in.Source = db.SourceQueue
			if _, err := q.ingestor.Ingest(ctx, []db.CommentInput{in}); err != nil {
				q.logger.Warn("queued comment not stored, leaving for redelivery",
					zap.String("comment_id", in.CommentID),
					zap.Error(err),
				)
				continue
			}
		}
		if err := q.receiver.Delete(ctx, d.ReceiptHandle); err != nil {
			q.logger.Error("failed to delete queue message", zap.Error(err))
		}
	}
	return nil
}
