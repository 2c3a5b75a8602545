package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// redeliveryPause delays the requeue of a message that already failed once, so
// a dependency outage does not spin the same delivery in a tight loop.
const redeliveryPause = 500 * time.Millisecond

type settlement int

const (
	settleAck settlement = iota
	settleDeadLetter
	settleRequeue
)

func (s settlement) String() string {
	switch s {
	case settleAck:
		return "ack"
	case settleDeadLetter:
		return "dead_letter"
	case settleRequeue:
		return "requeue"
	}
	return "unknown"
}

type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
	pause    time.Duration
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
		pause:    redeliveryPause,
	}
}

// Consume delivers messages from queue to handler until ctx is done, re-opening
// the channel with backoff whenever the broker drops it.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	wait := initialBackoff
	for {
		err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			wait = initialBackoff
			continue
		}

		c.logger.Warn("consumer interrupted",
			zap.String("queue", queue),
			zap.Duration("retryIn", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = nextBackoff(wait)
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	msg, decodeErr := decodeDelivery(d.Body)

	var handlerErr error
	if decodeErr == nil {
		handlerErr = handler(ctx, msg)
	}

	outcome := settle(decodeErr, handlerErr)
	switch outcome {
	case settleDeadLetter:
		c.logger.Warn("dead-lettering undecodable message",
			zap.Error(decodeErr),
			zap.String("routingKey", d.RoutingKey),
			zap.String("messageId", d.MessageId),
		)
		if err := d.Reject(false); err != nil {
			return fmt.Errorf("failed to reject message: %w", err)
		}
	case settleRequeue:
		c.logger.Warn("requeueing message after handler failure",
			zap.Error(handlerErr),
			zap.String("eventId", msg.EventID),
			zap.String("kind", string(msg.Kind)),
			zap.Bool("redelivered", d.Redelivered),
		)
		if d.Redelivered {
			select {
			case <-ctx.Done():
			case <-time.After(c.pause):
			}
		}
		if err := d.Nack(false, true); err != nil {
			return fmt.Errorf("handler failed and nack failed: %w", err)
		}
	default:
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("failed to ack delivery: %w", err)
		}
	}

	return nil
}

// decodeDelivery parses and validates a message body.
func decodeDelivery(body []byte) (EventMessage, error) {
	var msg EventMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return EventMessage{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

// settle picks what happens to a delivery. Bodies that cannot be decoded never
// will be, so they go to the dead-letter queue; handler errors are retried.
func settle(decodeErr, handlerErr error) settlement {
	switch {
	case decodeErr != nil:
		return settleDeadLetter
	case handlerErr != nil:
		return settleRequeue
	default:
		return settleAck
	}
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
