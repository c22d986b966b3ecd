package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes alerts to an SNS topic.
type SNSNotifier struct {
	client   snsAPI
	topicARN string
	logger   *zap.Logger
}

// NewSNSNotifier creates a notifier for the given topic. A non-empty
// endpoint points the client at LocalStack.
func NewSNSNotifier(ctx context.Context, topicARN, region, endpoint string, logger *zap.Logger) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &SNSNotifier{
		client:   client,
		topicARN: topicARN,
		logger:   logger,
	}, nil
}

// Notify publishes the event as JSON with type and tenant attributes for
// subscription filtering.
func (n *SNSNotifier) Notify(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	attrs := map[string]types.MessageAttributeValue{
		"event_type": {
			DataType:    aws.String("String"),
			StringValue: aws.String(e.Type),
		},
	}
	if e.TenantID != "" {
		attrs["tenant_id"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(e.TenantID),
		}
	}

	result, err := n.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(n.topicARN),
		Subject:           aws.String(truncate(e.Subject(), 100)),
		Message:           aws.String(string(payload)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	n.logger.Debug("alert published to SNS",
		zap.String("event_id", e.ID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// truncate cuts s to n bytes; SNS subjects are ASCII in practice.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
