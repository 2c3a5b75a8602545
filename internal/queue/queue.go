package queue

import (
	"context"
	"fmt"
)

// Publisher publishes transport events to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg EventMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg EventMessage) error

// Consumer consumes transport events from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const queuePrefix = "access."

var supportedKinds = []EventKind{
	EventJoinRequest,
	EventDecision,
	EventMembership,
}

// QueueName returns the work queue for an event kind, e.g. access.decisions.
func QueueName(kind EventKind) string {
	switch kind {
	case EventJoinRequest:
		return queuePrefix + "requests"
	case EventDecision:
		return queuePrefix + "decisions"
	case EventMembership:
		return queuePrefix + "members"
	default:
		return ""
	}
}

// DLQName returns the dead-letter queue for an event kind, e.g. dlq.access.decisions.
func DLQName(kind EventKind) string {
	return fmt.Sprintf("dlq.%s", QueueName(kind))
}

// WorkQueueNames returns all event work queues.
func WorkQueueNames() []string {
	queues := make([]string, 0, len(supportedKinds))
	for _, kind := range supportedKinds {
		queues = append(queues, QueueName(kind))
	}
	return queues
}

// DLQNames returns all dead-letter queues.
func DLQNames() []string {
	queues := make([]string, 0, len(supportedKinds))
	for _, kind := range supportedKinds {
		queues = append(queues, DLQName(kind))
	}
	return queues
}
