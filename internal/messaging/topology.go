package messaging

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// queueFamily is one task family: a durable main queue, a TTL retry queue
// that dead-letters back onto the main routing key, and a terminal DLQ.
type queueFamily struct {
	Main  string
	Retry string
	DLQ   string
}

// Topology describes the full broker layout as an immutable value. It is
// constructed once at process start and declared against a channel; nothing
// mutates it at runtime.
type Topology struct {
	Exchange string
	RetryTTL time.Duration
	Families []queueFamily
}

// NewTopology returns the chat.x topology with both task families
// (generate and generated) and the given retry delay.
func NewTopology(retryTTL time.Duration) Topology {
	return Topology{
		Exchange: ExchangeName,
		RetryTTL: retryTTL,
		Families: []queueFamily{
			{Main: RoutingGenerate, Retry: RoutingGenerateRetry, DLQ: RoutingGenerateDLQ},
			{Main: RoutingGenerated, Retry: RoutingGeneratedRetry, DLQ: RoutingGeneratedDLQ},
		},
	}
}

// Declare creates the exchange, queues and bindings. Queue names double as
// routing keys; routing is exact-match only, which keeps the retry semantics
// auditable. Declare is idempotent as long as queue arguments never change.
func (t Topology) Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(
		t.Exchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange '%s': %w", t.Exchange, err)
	}

	for _, f := range t.Families {
		if _, err := ch.QueueDeclare(f.Main, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue '%s': %w", f.Main, err)
		}

		// Retry queue: messages sit here for RetryTTL, then the broker
		// dead-letters them back onto the main routing key. TTL expiry is
		// the retry mechanism; no consumer ever reads this queue.
		retryArgs := amqp.Table{
			"x-message-ttl":             t.RetryTTL.Milliseconds(),
			"x-dead-letter-exchange":    t.Exchange,
			"x-dead-letter-routing-key": f.Main,
		}
		if _, err := ch.QueueDeclare(f.Retry, true, false, false, false, retryArgs); err != nil {
			return fmt.Errorf("failed to declare queue '%s': %w", f.Retry, err)
		}

		if _, err := ch.QueueDeclare(f.DLQ, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue '%s': %w", f.DLQ, err)
		}

		for _, q := range []string{f.Main, f.Retry, f.DLQ} {
			if err := ch.QueueBind(q, q, t.Exchange, false, nil); err != nil {
				return fmt.Errorf("failed to bind queue '%s': %w", q, err)
			}
		}
	}

	return nil
}
