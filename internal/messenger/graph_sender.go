package messenger

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/commentflow/internal/graph"
	"github.com/lalithlochan/commentflow/internal/metrics"
)

// Graph error codes that mean "slow down".
var rateLimitCodes = map[int]bool{
	4:   true, // application request limit
	17:  true, // user request limit
	32:  true, // page request limit
	613: true, // calls within one hour exceeded
}

const (
	codeWindowExpired    = 10
	subcodeWindowExpired = 2534022
	codeUnavailable      = 551
)

// ReplyMode selects how the recipient is addressed.
type ReplyMode string

const (
	// ReplyToUser sends to the commenter's user id.
	ReplyToUser ReplyMode = "user"
	// ReplyToComment sends a private reply addressed by comment id.
	ReplyToComment ReplyMode = "comment"
)

// MessageClient is the part of the graph client the sender uses.
type MessageClient interface {
	SendMessage(ctx context.Context, to graph.Recipient, text string, buttons []graph.URLButton) (*graph.SendResponse, error)
}

// GraphSender delivers messages through the Graph API.
type GraphSender struct {
	client   MessageClient
	throttle *Throttle
	timeout  time.Duration
	mode     ReplyMode
	logger   *zap.Logger
}

// GraphSenderConfig configures a GraphSender.
type GraphSenderConfig struct {
	Timeout time.Duration // per call, default 10s
	Mode    ReplyMode     // default ReplyToUser
}

// NewGraphSender creates a sender. The throttle is shared process-wide.
func NewGraphSender(client MessageClient, throttle *Throttle, cfg GraphSenderConfig, logger *zap.Logger) *GraphSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = ReplyToUser
	}
	return &GraphSender{
		client:   client,
		throttle: throttle,
		timeout:  cfg.Timeout,
		mode:     cfg.Mode,
		logger:   logger,
	}
}

// Send makes exactly one Graph API call.
func (s *GraphSender) Send(ctx context.Context, msg *Message) error {
	to := graph.Recipient{ID: msg.RecipientID}
	if s.mode == ReplyToComment || msg.RecipientID == "" {
		to = graph.Recipient{CommentID: msg.CommentID}
	}

	buttons := make([]graph.URLButton, 0, len(msg.Buttons))
	for _, b := range msg.Buttons {
		buttons = append(buttons, graph.URLButton{URL: b.URL, Title: b.Title})
	}

	return s.throttle.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		start := time.Now()
		resp, err := s.client.SendMessage(callCtx, to, msg.Text, buttons)
		if err != nil {
			se := classify(err)
			metrics.RecordGraphCall("send_message", string(se.Kind), time.Since(start))
			s.logger.Warn("message send failed",
				zap.String("comment_id", msg.CommentID),
				zap.String("kind", string(se.Kind)),
				zap.Error(err),
			)
			return se
		}

		metrics.RecordGraphCall("send_message", "ok", time.Since(start))
		s.logger.Info("message sent",
			zap.String("comment_id", msg.CommentID),
			zap.String("message_id", resp.MessageID),
		)
		return nil
	})
}

// classify maps a Graph API or transport error onto a Kind.
func classify(err error) *SendError {
	var gerr *graph.Error
	if !errors.As(err, &gerr) {
		// Timeouts and network failures.
		return &SendError{Kind: KindTransient, Err: err}
	}

	kind := KindRejected
	switch {
	case gerr.Status == http.StatusTooManyRequests || rateLimitCodes[gerr.Code]:
		kind = KindRateLimited
	case gerr.Code == codeWindowExpired && gerr.Subcode == subcodeWindowExpired,
		gerr.Code == codeUnavailable:
		kind = KindWindowExpired
	case gerr.Status >= 500 || gerr.IsTransient:
		kind = KindTransient
	}
	return &SendError{Kind: kind, Err: err}
}
