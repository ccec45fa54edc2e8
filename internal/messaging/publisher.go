package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// TaskPublisher enqueues generation tasks. Publish success means "accepted
// for async processing", never "completed".
type TaskPublisher interface {
	PublishGenerationTask(ctx context.Context, payload GenerationTaskPayload) error
}

// ResultPublisher publishes generation results back onto the generated family.
type ResultPublisher interface {
	PublishGenerationResult(ctx context.Context, payload GenerationResultPayload) error
}

// Redeliverer re-routes a consumed delivery to a retry or DLQ routing key,
// preserving the original body and stamping the new retry count header.
type Redeliverer interface {
	Redeliver(ctx context.Context, routingKey string, d amqp.Delivery, retryCount int) error
}

// Publisher implements TaskPublisher, ResultPublisher and Redeliverer over a
// single AMQP channel. The channel must already be open; the caller owns its
// lifecycle.
type Publisher struct {
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewPublisher creates a publisher bound to the chat exchange.
func NewPublisher(ch *amqp.Channel, logger *zap.Logger) *Publisher {
	return &Publisher{
		channel:  ch,
		exchange: ExchangeName,
		logger:   logger.Named("Publisher"),
	}
}

// PublishGenerationTask serializes the task and publishes it durably onto the
// main generate routing key. The message id is the request_id; session, user
// and model ride along as headers for observability, not routing.
func (p *Publisher) PublishGenerationTask(ctx context.Context, payload GenerationTaskPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to serialize generation task",
			zap.String("request_id", payload.RequestID),
			zap.Error(err))
		return fmt.Errorf("failed to serialize generation task %s: %w", payload.RequestID, err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    payload.RequestID,
		Type:         TaskMessageType,
		Timestamp:    time.Now(),
		Headers: amqp.Table{
			"x-session-id": payload.SessionID,
			"x-user-id":    strconv.FormatInt(payload.UserID, 10),
			"x-model":      payload.Model,
		},
		Body: body,
	}

	if err := p.publish(ctx, RoutingGenerate, pub); err != nil {
		p.logger.Error("Failed to publish generation task",
			zap.String("request_id", payload.RequestID),
			zap.String("session_id", payload.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to publish generation task %s: %w", payload.RequestID, err)
	}

	p.logger.Debug("Generation task published",
		zap.String("request_id", payload.RequestID),
		zap.String("session_id", payload.SessionID))
	return nil
}

// PublishGenerationResult publishes a result onto the main generated routing key.
func (p *Publisher) PublishGenerationResult(ctx context.Context, payload GenerationResultPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize generation result %s: %w", payload.RequestID, err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    payload.RequestID,
		Type:         TaskMessageType,
		Timestamp:    time.Now(),
		Body:         body,
	}

	if err := p.publish(ctx, RoutingGenerated, pub); err != nil {
		return fmt.Errorf("failed to publish generation result %s: %w", payload.RequestID, err)
	}

	p.logger.Debug("Generation result published",
		zap.String("request_id", payload.RequestID),
		zap.String("session_id", payload.SessionID))
	return nil
}

// Redeliver republishes a consumed message verbatim to the given routing key,
// carrying over the original headers except for the incremented retry count.
func (p *Publisher) Redeliver(ctx context.Context, routingKey string, d amqp.Delivery, retryCount int) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[RetryCountHeader] = int32(retryCount)

	contentType := d.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	pub := amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Type:         d.Type,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         d.Body,
	}

	if err := p.publish(ctx, routingKey, pub); err != nil {
		return fmt.Errorf("failed to redeliver message to '%s': %w", routingKey, err)
	}

	p.logger.Info("Message redelivered",
		zap.String("routing_key", routingKey),
		zap.String("message_id", d.MessageId),
		zap.Int("retry_count", retryCount))
	return nil
}

// publish sends one message with a bounded number of attempts. Transient
// channel hiccups get a short linear backoff; anything still failing after
// the last attempt surfaces to the caller.
func (p *Publisher) publish(ctx context.Context, routingKey string, pub amqp.Publishing) error {
	if p.channel == nil {
		return errors.New("amqp channel is not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		err = p.channel.PublishWithContext(ctx,
			p.exchange,
			routingKey,
			false, // mandatory
			false, // immediate
			pub,
		)
		if err == nil {
			return nil
		}
		p.logger.Warn("Publish attempt failed",
			zap.String("routing_key", routingKey),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	return fmt.Errorf("publish to '%s' failed after retries: %w", routingKey, err)
}
