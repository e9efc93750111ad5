package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/payout-hq/tx-broadcaster/pkg/logger"
	"github.com/payout-hq/tx-broadcaster/pkg/models"
)

const (
	// maxReceiveBatch is the SQS ceiling on messages per receive call
	maxReceiveBatch = 10
	// longPollWait is how long a receive call blocks waiting for messages
	longPollWait = 20 * time.Second
)

// sqsAPI is the subset of the SQS client the adapters use
type sqsAPI interface {
	ReceiveMessageWithContext(ctx aws.Context, input *sqs.ReceiveMessageInput, opts ...request.Option) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageWithContext(ctx aws.Context, input *sqs.DeleteMessageInput, opts ...request.Option) (*sqs.DeleteMessageOutput, error)
	SendMessageWithContext(ctx aws.Context, input *sqs.SendMessageInput, opts ...request.Option) (*sqs.SendMessageOutput, error)
}

var _ sqsAPI = (*sqs.SQS)(nil)

// NewSQSClient builds an SQS client for the given region, honoring a custom
// endpoint for local development stacks
func NewSQSClient(region, endpoint string) (*sqs.SQS, error) {
	cfg := aws.NewConfig().WithRegion(region)
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).
			WithCredentials(credentials.NewStaticCredentials("local", "local", ""))
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create AWS session")
	}
	return sqs.New(sess), nil
}

// Message is one received upstream message
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
	ReceiveCount  int
}

// Consumer long-polls an SQS queue
type Consumer struct {
	client   sqsAPI
	queueURL string
	logger   logger.Logger
}

// NewConsumer creates a consumer for the given queue URL
func NewConsumer(client sqsAPI, queueURL string, log logger.Logger) *Consumer {
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		logger:   log,
	}
}

// Receive long-polls for up to max messages
func (c *Consumer) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 || max > maxReceiveBatch {
		max = maxReceiveBatch
	}

	out, err := c.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: aws.Int64(int64(max)),
		WaitTimeSeconds:     aws.Int64(int64(longPollWait.Seconds())),
		AttributeNames:      []*string{aws.String(sqs.MessageSystemAttributeNameApproximateReceiveCount)},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to receive messages")
	}

	return convertMessages(out.Messages), nil
}

// Peek surfaces up to max messages without consuming them by using a zero
// visibility timeout. Used for gap rescans.
func (c *Consumer) Peek(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 || max > maxReceiveBatch {
		max = maxReceiveBatch
	}

	out, err := c.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: aws.Int64(int64(max)),
		WaitTimeSeconds:     aws.Int64(0),
		VisibilityTimeout:   aws.Int64(0),
		AttributeNames:      []*string{aws.String(sqs.MessageSystemAttributeNameApproximateReceiveCount)},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to peek messages")
	}

	return convertMessages(out.Messages), nil
}

// DeleteMessage removes a message from the queue
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	return errors.Wrap(err, "failed to delete message")
}

func convertMessages(raw []*sqs.Message) []Message {
	messages := make([]Message, 0, len(raw))
	for _, msg := range raw {
		receiveCount := 0
		if attr, ok := msg.Attributes[sqs.MessageSystemAttributeNameApproximateReceiveCount]; ok && attr != nil {
			receiveCount, _ = strconv.Atoi(aws.StringValue(attr))
		}
		messages = append(messages, Message{
			ID:            aws.StringValue(msg.MessageId),
			Body:          aws.StringValue(msg.Body),
			ReceiptHandle: aws.StringValue(msg.ReceiptHandle),
			ReceiveCount:  receiveCount,
		})
	}
	return messages
}

// Publisher sends broadcast results downstream
type Publisher struct {
	client   sqsAPI
	queueURL string
}

// NewPublisher creates a publisher for the given queue URL
func NewPublisher(client sqsAPI, queueURL string) *Publisher {
	return &Publisher{
		client:   client,
		queueURL: queueURL,
	}
}

// PublishResult emits one result message
func (p *Publisher) PublishResult(ctx context.Context, result models.BroadcastResult) error {
	if result.ID == "" {
		result.ID = uuid.NewString()
	}

	body, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to marshal result")
	}

	_, err = p.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	return errors.Wrap(err, "failed to publish result")
}

// DLQPublisher wraps failed messages for the dead-letter queue
type DLQPublisher struct {
	client   sqsAPI
	queueURL string
}

// NewDLQPublisher creates a dead-letter publisher for the given queue URL
func NewDLQPublisher(client sqsAPI, queueURL string) *DLQPublisher {
	return &DLQPublisher{
		client:   client,
		queueURL: queueURL,
	}
}

// Publish wraps the original message body with error context and sends it
// to the dead-letter queue
func (p *DLQPublisher) Publish(ctx context.Context, originalBody string, dlqErr models.DLQError, attemptCount int) error {
	original := json.RawMessage(originalBody)
	if !json.Valid(original) {
		original, _ = json.Marshal(originalBody)
	}

	envelope := models.DLQEnvelope{
		Original: original,
		Error:    dlqErr,
		Meta: models.DLQMeta{
			Timestamp:    time.Now().UTC(),
			AttemptCount: attemptCount,
		},
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "failed to marshal DLQ envelope")
	}

	_, err = p.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	return errors.Wrap(err, "failed to publish to DLQ")
}
