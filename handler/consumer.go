package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"agent-relay/internal/domain"
	"agent-relay/internal/queue"
	"agent-relay/internal/worker"
)

const defaultMaxAttempts = 3

// Processor runs one dequeued message through the session worker pipeline.
type Processor interface {
	Process(ctx context.Context, msg domain.QueueMessage) error
}

// DeadLetterer moves exhausted messages to the dead-letter sink.
type DeadLetterer interface {
	ForwardToDeadLetter(ctx context.Context, msg domain.QueueMessage) error
}

// Recorder counts operator-facing outcomes.
type Recorder interface {
	Count(ctx context.Context, name string)
}

// Consumer adapts SQS event delivery to the session worker. A record is
// acknowledged (omitted from the batch failure list) only when processing
// completed, the message was dead-lettered, or its body is unparseable;
// everything else is reported failed so the queue redelivers it after the
// visibility window.
type Consumer struct {
	processor   Processor
	queue       DeadLetterer
	metrics     Recorder
	maxAttempts int
}

// NewConsumer creates a Consumer. maxAttempts bounds redelivery before a
// message moves to the dead-letter sink.
func NewConsumer(p Processor, q DeadLetterer, m Recorder, maxAttempts int) (*Consumer, error) {
	if p == nil {
		return nil, errors.New("handler: processor must not be nil")
	}
	if q == nil {
		return nil, errors.New("handler: dead-letterer must not be nil")
	}
	if m == nil {
		return nil, errors.New("handler: metrics recorder must not be nil")
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Consumer{processor: p, queue: q, metrics: m, maxAttempts: maxAttempts}, nil
}

// Handle processes a batch of queue records. The event source is configured
// with a batch size of one per message group, so ordering holds per
// conversation regardless of batch composition; the per-record loop is for
// the general case.
func (c *Consumer) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var failures []events.SQSBatchItemFailure

	for _, record := range event.Records {
		if !c.handleRecord(ctx, record) {
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}

	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

// handleRecord reports whether the record should be acknowledged.
func (c *Consumer) handleRecord(ctx context.Context, record events.SQSMessage) bool {
	msg, err := queue.ParseRecord(record)
	if err != nil {
		// A poison record would loop forever; acknowledge and alert instead.
		slog.Error("dropping malformed queue record", "messageId", record.MessageId, "err", err)
		c.metrics.Count(ctx, "MalformedRecord")
		return true
	}

	log := slog.With("conversation", msg.Identity.Key(), "message", msg.MessageID, "attempt", msg.Attempt)

	err = c.processor.Process(ctx, msg)
	if err == nil {
		return true
	}

	if worker.IsContention(err) {
		// Deferred, not failed: redeliver without counting toward the
		// dead-letter bound.
		log.Info("deferring message, session busy")
		return false
	}

	log.Error("processing attempt failed", "err", err)
	if msg.Attempt < c.maxAttempts {
		return false
	}

	// Retry budget exhausted: move to the dead-letter sink for operator
	// inspection. The end user receives no further automated response.
	if dlqErr := c.queue.ForwardToDeadLetter(ctx, msg); dlqErr != nil {
		log.Error("dead-letter forward failed", "err", dlqErr)
		return false
	}
	log.Error("message dead-lettered after exhausting retries")
	c.metrics.Count(ctx, "MessageDeadLettered")
	return true
}
