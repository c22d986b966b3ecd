package alert

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

type sesAPI interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESNotifier emails alerts to an operator address.
type SESNotifier struct {
	client sesAPI
	from   string
	to     []string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
	To        []string
}

func NewSESNotifier(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESNotifier, error) {
	if cfg.FromEmail == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("ses notifier needs a sender and at least one recipient")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESNotifier{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		to:     cfg.To,
		logger: logger,
	}, nil
}

func (n *SESNotifier) Notify(ctx context.Context, e Event) error {
	input := &ses.SendEmailInput{
		Source: aws.String(n.from),
		Destination: &types.Destination{
			ToAddresses: n.to,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(e.Subject()),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(e.Body()),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := n.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	n.logger.Info("alert emailed via SES",
		zap.String("event_id", e.ID),
		zap.Strings("to", n.to),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
