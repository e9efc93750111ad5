package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payout-hq/tx-broadcaster/pkg/logger"
	"github.com/payout-hq/tx-broadcaster/pkg/models"
)

// mockSQS captures inputs and serves canned outputs
type mockSQS struct {
	receiveInput *sqs.ReceiveMessageInput
	receiveOut   *sqs.ReceiveMessageOutput
	sendInputs   []*sqs.SendMessageInput
	deleted      []string
}

func (m *mockSQS) ReceiveMessageWithContext(ctx aws.Context, input *sqs.ReceiveMessageInput, opts ...request.Option) (*sqs.ReceiveMessageOutput, error) {
	m.receiveInput = input
	if m.receiveOut == nil {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	return m.receiveOut, nil
}

func (m *mockSQS) DeleteMessageWithContext(ctx aws.Context, input *sqs.DeleteMessageInput, opts ...request.Option) (*sqs.DeleteMessageOutput, error) {
	m.deleted = append(m.deleted, aws.StringValue(input.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *mockSQS) SendMessageWithContext(ctx aws.Context, input *sqs.SendMessageInput, opts ...request.Option) (*sqs.SendMessageOutput, error) {
	m.sendInputs = append(m.sendInputs, input)
	return &sqs.SendMessageOutput{}, nil
}

func TestReceiveConvertsMessages(t *testing.T) {
	client := &mockSQS{
		receiveOut: &sqs.ReceiveMessageOutput{
			Messages: []*sqs.Message{
				{
					MessageId:     aws.String("m1"),
					Body:          aws.String(`{"requestId":"r1"}`),
					ReceiptHandle: aws.String("h1"),
					Attributes: map[string]*string{
						sqs.MessageSystemAttributeNameApproximateReceiveCount: aws.String("3"),
					},
				},
			},
		},
	}
	consumer := NewConsumer(client, "https://sqs.example/q", &logger.EmptyLogger{})

	messages, err := consumer.Receive(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "m1", messages[0].ID)
	assert.Equal(t, "h1", messages[0].ReceiptHandle)
	assert.Equal(t, 3, messages[0].ReceiveCount)

	assert.Equal(t, int64(10), aws.Int64Value(client.receiveInput.MaxNumberOfMessages))
	assert.Equal(t, int64(20), aws.Int64Value(client.receiveInput.WaitTimeSeconds))
}

func TestReceiveClampsBatchSize(t *testing.T) {
	client := &mockSQS{}
	consumer := NewConsumer(client, "https://sqs.example/q", &logger.EmptyLogger{})

	_, err := consumer.Receive(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, int64(10), aws.Int64Value(client.receiveInput.MaxNumberOfMessages))
}

func TestPeekUsesZeroVisibility(t *testing.T) {
	client := &mockSQS{}
	consumer := NewConsumer(client, "https://sqs.example/q", &logger.EmptyLogger{})

	_, err := consumer.Peek(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), aws.Int64Value(client.receiveInput.VisibilityTimeout))
	assert.Equal(t, int64(0), aws.Int64Value(client.receiveInput.WaitTimeSeconds))
}

func TestDeleteMessage(t *testing.T) {
	client := &mockSQS{}
	consumer := NewConsumer(client, "https://sqs.example/q", &logger.EmptyLogger{})

	require.NoError(t, consumer.DeleteMessage(context.Background(), "h1"))
	assert.Equal(t, []string{"h1"}, client.deleted)
}

func TestPublishResultAssignsID(t *testing.T) {
	client := &mockSQS{}
	publisher := NewPublisher(client, "https://sqs.example/results")

	err := publisher.PublishResult(context.Background(), models.BroadcastResult{
		Status:       models.StatusBroadcasted,
		OriginalHash: "0xaaa",
		Chain:        "polygon",
		Network:      "mainnet",
	})
	require.NoError(t, err)
	require.Len(t, client.sendInputs, 1)

	var result models.BroadcastResult
	require.NoError(t, json.Unmarshal([]byte(aws.StringValue(client.sendInputs[0].MessageBody)), &result))
	assert.NotEmpty(t, result.ID)
	assert.Equal(t, models.StatusBroadcasted, result.Status)
}

func TestDLQWrapsOriginal(t *testing.T) {
	client := &mockSQS{}
	publisher := NewDLQPublisher(client, "https://sqs.example/dlq")

	original := `{"requestId":"r1","signedPayload":"0xabc"}`
	err := publisher.Publish(context.Background(), original, models.DLQError{
		Type:    "Validation",
		Message: "bad signature",
	}, 2)
	require.NoError(t, err)
	require.Len(t, client.sendInputs, 1)

	var envelope models.DLQEnvelope
	require.NoError(t, json.Unmarshal([]byte(aws.StringValue(client.sendInputs[0].MessageBody)), &envelope))
	assert.JSONEq(t, original, string(envelope.Original))
	assert.Equal(t, "Validation", envelope.Error.Type)
	assert.Equal(t, 2, envelope.Meta.AttemptCount)
	assert.False(t, envelope.Meta.Timestamp.IsZero())
}

func TestDLQQuotesNonJSONBody(t *testing.T) {
	client := &mockSQS{}
	publisher := NewDLQPublisher(client, "https://sqs.example/dlq")

	err := publisher.Publish(context.Background(), "not json at all", models.DLQError{
		Type:    "MalformedMessage",
		Message: "unparseable",
	}, 1)
	require.NoError(t, err)

	var envelope models.DLQEnvelope
	require.NoError(t, json.Unmarshal([]byte(aws.StringValue(client.sendInputs[0].MessageBody)), &envelope))

	var body string
	require.NoError(t, json.Unmarshal(envelope.Original, &body))
	assert.Equal(t, "not json at all", body)
}
