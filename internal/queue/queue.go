package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"agent-relay/internal/domain"
)

// sqsAPI is the minimal SQS interface required by Queue.
// Defined here for testability.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Queue wraps a FIFO queue plus its dead-letter destination. Ordering is
// enforced per conversation identity via the message group ID; delivery is
// at-least-once with redelivery driven by the queue's visibility timeout.
type Queue struct {
	api           sqsAPI
	queueURL      string
	deadLetterURL string
}

// New creates a Queue. The dead-letter URL may be empty on the producer
// side, where only Enqueue is used.
func New(api sqsAPI, queueURL, deadLetterURL string) (*Queue, error) {
	if api == nil {
		return nil, errors.New("queue: api must not be nil")
	}
	if strings.TrimSpace(queueURL) == "" {
		return nil, errors.New("queue: queue URL must not be empty")
	}
	return &Queue{api: api, queueURL: queueURL, deadLetterURL: strings.TrimSpace(deadLetterURL)}, nil
}

// Enqueue sends a normalized message onto the queue. The conversation
// identity keys the message group, so messages for one conversation are
// delivered in order and one at a time; the platform message ID keys
// content deduplication against duplicate webhook deliveries.
func (q *Queue) Enqueue(ctx context.Context, msg domain.QueueMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}

	_, err = q.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(q.queueURL),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(msg.Identity.Key()),
		MessageDeduplicationId: aws.String(dedupID(msg, 0)),
	})
	if err != nil {
		return fmt.Errorf("queue: send message: %w", err)
	}
	return nil
}

// ForwardToDeadLetter moves an exhausted message to the dead-letter queue,
// where it is retained for operator inspection and never automatically
// reprocessed.
func (q *Queue) ForwardToDeadLetter(ctx context.Context, msg domain.QueueMessage) error {
	if q.deadLetterURL == "" {
		return errors.New("queue: dead-letter URL not configured")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal dead-letter message: %w", err)
	}

	_, err = q.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(q.deadLetterURL),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(msg.Identity.Key()),
		MessageDeduplicationId: aws.String(dedupID(msg, msg.Attempt)),
	})
	if err != nil {
		return fmt.Errorf("queue: send to dead-letter queue: %w", err)
	}
	return nil
}

func dedupID(msg domain.QueueMessage, attempt int) string {
	id := fmt.Sprintf("%s:%d", msg.Identity.Key(), msg.MessageID)
	if attempt > 0 {
		id = fmt.Sprintf("%s:%d", id, attempt)
	}
	return id
}

// ParseRecord decodes a received queue record back into a QueueMessage,
// populating the delivery attempt from the queue's receive count.
func ParseRecord(rec events.SQSMessage) (domain.QueueMessage, error) {
	var msg domain.QueueMessage
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return domain.QueueMessage{}, fmt.Errorf("queue: unmarshal record body: %w", err)
	}
	if msg.Identity.ChatID == 0 {
		return domain.QueueMessage{}, errors.New("queue: record has no conversation identity")
	}
	msg.Attempt = AttemptFromRecord(rec)
	return msg, nil
}

// AttemptFromRecord extracts the delivery attempt count from a record's
// ApproximateReceiveCount attribute. Missing or malformed counts read as the
// first attempt.
func AttemptFromRecord(rec events.SQSMessage) int {
	raw, ok := rec.Attributes["ApproximateReceiveCount"]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
