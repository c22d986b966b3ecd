package messenger

import (
	"context"

	"go.uber.org/zap"
)

// LogSender logs messages instead of sending them (for development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	s.logger.Info("message sent (log only)",
		zap.String("comment_id", msg.CommentID),
		zap.String("recipient_id", msg.RecipientID),
		zap.String("text", msg.Text),
		zap.Int("buttons", len(msg.Buttons)),
	)
	return nil
}
