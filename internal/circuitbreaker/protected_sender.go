package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/commentflow/internal/messenger"
)

// ProtectedSender wraps a messenger.Sender with a CircuitBreaker. Only
// service-level failures (timeouts, 5xx, throttling) count against the
// breaker; a recipient-specific rejection proves the service is up.
type ProtectedSender struct {
	sender  messenger.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender messenger.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send returns ErrCircuitOpen, without calling the wrapped sender, while
// the circuit is open.
func (p *ProtectedSender) Send(ctx context.Context, msg *messenger.Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("comment_id", msg.CommentID),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, msg)
	switch {
	case messenger.IsServiceFailure(err):
		p.breaker.RecordFailure()
	case err == nil || messenger.Attempted(err):
		p.breaker.RecordSuccess()
	}
	return err
}

// Breaker returns the underlying circuit breaker.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
