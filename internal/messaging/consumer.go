package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// TaskHandler processes one generation task and produces its result.
type TaskHandler interface {
	Handle(ctx context.Context, task GenerationTaskPayload) (GenerationResultPayload, error)
}

// GenerateConsumer drains the chat.generate queue. Every delivery ends in
// exactly one of: a published result, a retry-queue republish, or a DLQ
// republish. Messages are never dropped silently.
type GenerateConsumer struct {
	conn       *amqp.Connection
	handler    TaskHandler
	results    ResultPublisher
	redeliver  Redeliverer
	maxRetries int
	prefetch   int
	logger     *zap.Logger
	done       chan struct{}
}

// NewGenerateConsumer creates a consumer for the generation task queue.
func NewGenerateConsumer(
	conn *amqp.Connection,
	handler TaskHandler,
	results ResultPublisher,
	redeliver Redeliverer,
	maxRetries int,
	prefetch int,
	logger *zap.Logger,
) *GenerateConsumer {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &GenerateConsumer{
		conn:       conn,
		handler:    handler,
		results:    results,
		redeliver:  redeliver,
		maxRetries: maxRetries,
		prefetch:   prefetch,
		logger:     logger.Named("GenerateConsumer"),
		done:       make(chan struct{}),
	}
}

// Start begins consuming. It returns once the subscription is established;
// processing continues on a goroutine until ctx is cancelled or the broker
// closes the delivery channel.
func (c *GenerateConsumer) Start(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		RoutingGenerate,
		"chat-generate-worker", // consumer tag
		false,                  // auto-ack
		false,                  // exclusive
		false,                  // no-local
		false,                  // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Generate consumer started, waiting for tasks...",
		zap.String("queue", RoutingGenerate),
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
					c.logger.Warn("Delivery channel closed, stopping generate consumer")
					return
				}
				c.process(ctx, d)
			case <-ctx.Done():
				c.logger.Info("Context cancelled, stopping generate consumer")
				return
			}
		}
	}()

	return nil
}

// Done is closed when the consume loop has exited.
func (c *GenerateConsumer) Done() <-chan struct{} {
	return c.done
}

// process runs one delivery through the RECEIVED -> PROCESSING ->
// {COMPLETED | RETRY_SCHEDULED | DEAD_LETTERED} state machine.
func (c *GenerateConsumer) process(ctx context.Context, d amqp.Delivery) {
	log := c.logger.With(
		zap.String("message_id", d.MessageId),
		zap.Uint64("delivery_tag", d.DeliveryTag))

	if err := c.handleDelivery(ctx, d); err != nil {
		next := RetryCount(d.Headers) + 1
		route := RetryRoute(next, c.maxRetries, RoutingGenerateRetry, RoutingGenerateDLQ)
		if route == RoutingGenerateDLQ {
			log.Error("Task dead-lettered after exhausted retries",
				zap.Int("retry_count", next), zap.Error(err))
		} else {
			log.Warn("Task processing failed, scheduling retry",
				zap.Int("retry_count", next), zap.Error(err))
		}
		if rdErr := c.redeliver.Redeliver(ctx, route, d, next); rdErr != nil {
			// Re-route publish failed; hand the message back to the broker
			// so it is not lost.
			log.Error("Failed to redeliver task, returning message to queue", zap.Error(rdErr))
			if nackErr := d.Nack(false, true); nackErr != nil {
				log.Error("Failed to nack task after redeliver failure", zap.Error(nackErr))
			}
			return
		}
	}

	if ackErr := d.Ack(false); ackErr != nil {
		log.Error("Failed to ack task delivery", zap.Error(ackErr))
	}
}

// handleDelivery parses the task, invokes the handler and publishes the
// result. Any returned error is a processing error subject to the retry
// protocol; result publish failures count as processing errors too.
func (c *GenerateConsumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	var task GenerationTaskPayload
	if err := json.Unmarshal(d.Body, &task); err != nil {
		return fmt.Errorf("failed to parse generation task: %w", err)
	}

	result, err := c.handler.Handle(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to process task %s: %w", task.RequestID, err)
	}

	if err := c.results.PublishGenerationResult(ctx, result); err != nil {
		return fmt.Errorf("failed to publish result for task %s: %w", task.RequestID, err)
	}

	c.logger.Debug("Task completed",
		zap.String("request_id", task.RequestID),
		zap.String("session_id", task.SessionID))
	return nil
}
