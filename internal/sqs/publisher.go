// Package sqs publishes reconciled delivery-status events to an SQS queue
// for downstream consumers (analytics, customer-facing status feeds).
package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/costumery/commsaudit/internal/reconcile"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Publisher sends delivery-status events to SQS. Publishing is best-effort:
// the reconciliation transaction has already committed by the time an event
// goes out.
type Publisher struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewPublisher creates a new SQS status-event publisher.
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs status publisher initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Publisher{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// PublishStatusChange sends one status-change event to the queue.
func (p *Publisher) PublishStatusChange(ctx context.Context, event reconcile.StatusEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("status change event published",
		zap.String("communication_id", event.CommunicationID),
		zap.String("new_status", event.NewStatus),
		zap.String("sqs_message_id", *result.MessageId),
	)

	return nil
}
