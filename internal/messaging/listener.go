package messaging

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ResultProcessor persists one generation result. It must be idempotent:
// redelivered results are absorbed, not treated as errors.
type ResultProcessor interface {
	Process(ctx context.Context, body []byte) error
}

// GeneratedConsumer drains the chat.generated queue and feeds results into
// the idempotent sink. Failures follow the same explicit-header retry
// protocol as the generation worker, against the generated family queues.
type GeneratedConsumer struct {
	conn       *amqp.Connection
	processor  ResultProcessor
	redeliver  Redeliverer
	maxRetries int
	prefetch   int
	logger     *zap.Logger
	done       chan struct{}
}

// NewGeneratedConsumer creates a consumer for the generation result queue.
func NewGeneratedConsumer(
	conn *amqp.Connection,
	processor ResultProcessor,
	redeliver Redeliverer,
	maxRetries int,
	prefetch int,
	logger *zap.Logger,
) *GeneratedConsumer {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &GeneratedConsumer{
		conn:       conn,
		processor:  processor,
		redeliver:  redeliver,
		maxRetries: maxRetries,
		prefetch:   prefetch,
		logger:     logger.Named("GeneratedConsumer"),
		done:       make(chan struct{}),
	}
}

// Start begins consuming and returns once the subscription is established.
func (c *GeneratedConsumer) Start(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		RoutingGenerated,
		"chat-generated-listener", // consumer tag
		false,                     // auto-ack
		false,                     // exclusive
		false,                     // no-local
		false,                     // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Generated consumer started, waiting for results...",
		zap.String("queue", RoutingGenerated),
		zap.Int("prefetch", c.prefetch))

	go func() {
		defer func() {
			close(c.done)
			_ = ch.Close()
		}()
		for {
			select {
			case d, ok := <-msgs:
				if !ok {
					c.logger.Warn("Delivery channel closed, stopping generated consumer")
					return
				}
				c.process(ctx, d)
			case <-ctx.Done():
				c.logger.Info("Context cancelled, stopping generated consumer")
				return
			}
		}
	}()

	return nil
}

// Done is closed when the consume loop has exited.
func (c *GeneratedConsumer) Done() <-chan struct{} {
	return c.done
}

func (c *GeneratedConsumer) process(ctx context.Context, d amqp.Delivery) {
	log := c.logger.With(
		zap.String("message_id", d.MessageId),
		zap.Uint64("delivery_tag", d.DeliveryTag))

	if err := c.processor.Process(ctx, d.Body); err != nil {
		next := RetryCount(d.Headers) + 1
		route := RetryRoute(next, c.maxRetries, RoutingGeneratedRetry, RoutingGeneratedDLQ)
		if route == RoutingGeneratedDLQ {
			log.Error("Result dead-lettered after exhausted retries",
				zap.Int("retry_count", next), zap.Error(err))
		} else {
			log.Warn("Result persistence failed, scheduling retry",
				zap.Int("retry_count", next), zap.Error(err))
		}
		if rdErr := c.redeliver.Redeliver(ctx, route, d, next); rdErr != nil {
			log.Error("Failed to redeliver result, returning message to queue", zap.Error(rdErr))
			if nackErr := d.Nack(false, true); nackErr != nil {
				log.Error("Failed to nack result after redeliver failure", zap.Error(nackErr))
			}
			return
		}
	}

	if ackErr := d.Ack(false); ackErr != nil {
		log.Error("Failed to ack result delivery", zap.Error(ackErr))
	}
}
