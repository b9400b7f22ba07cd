package client

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/bimefy/slam-worker/internal/config"
)

// Message is one received queue message. Body or ReceiptHandle may be empty
// when the broker omitted them.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// MessageQueue defines the queue operations of the consumer loop
type MessageQueue interface {
	Receive(ctx context.Context) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// SQSClient implements MessageQueue for AWS SQS
type SQSClient struct {
	sqsClient   *sqs.Client
	queueURL    string
	maxMessages int32
	waitSeconds int32
}

// NewSQSClient creates a queue client bound to one queue URL
func NewSQSClient(awsCfg aws.Config, cfg *config.SQSConfig) *SQSClient {
	return &SQSClient{
		sqsClient:   sqs.NewFromConfig(awsCfg),
		queueURL:    cfg.QueueURL,
		maxMessages: cfg.MaxMessages,
		waitSeconds: cfg.WaitTimeSeconds,
	}
}

// Receive long-polls for up to the configured batch size
func (c *SQSClient) Receive(ctx context.Context) ([]Message, error) {
	out, err := c.sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.maxMessages,
		WaitTimeSeconds:     c.waitSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, Message{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return messages, nil
}

// Delete acknowledges a message
func (c *SQSClient) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.sqsClient.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}
