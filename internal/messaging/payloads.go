package messaging

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange and routing key names. These are part of the wire contract with
// external tooling watching the broker, so they must not drift.
const (
	ExchangeName = "chat.x"

	RoutingGenerate      = "chat.generate"
	RoutingGenerateRetry = "chat.generate.retry"
	RoutingGenerateDLQ   = "chat.generate.dlq"

	RoutingGenerated      = "chat.generated"
	RoutingGeneratedRetry = "chat.generated.retry"
	RoutingGeneratedDLQ   = "chat.generated.dlq"
)

// RetryCountHeader carries the redelivery attempt count in message headers.
// The count travels explicitly instead of relying on the broker redelivery
// flag because the flag does not survive the retry-queue bounce.
const RetryCountHeader = "x-retry-count"

// TaskMessageType is the AMQP message type set on generation task messages.
const TaskMessageType = "chat.generate.v1"

// DefaultMaxRetries bounds retry re-routing before a message is dead-lettered.
const DefaultMaxRetries = 5

var errMissingField = errors.New("missing required field")

// HistoryItem is one prior turn of the conversation, oldest first.
type HistoryItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationTaskPayload is the unit of work published to chat.generate.
// Immutable once published; redelivered verbatim on retry with only the
// x-retry-count header changed.
type GenerationTaskPayload struct {
	RequestID       string        `json:"request_id"`
	SessionID       string        `json:"session_id"`
	UserID          int64         `json:"user_id"`
	Model           string        `json:"model"`
	LastUserMessage string        `json:"last_user_message"`
	History         []HistoryItem `json:"history,omitempty"`
}

// Validate checks the fields the worker cannot proceed without.
func (p GenerationTaskPayload) Validate() error {
	switch {
	case p.RequestID == "":
		return fmt.Errorf("%w: request_id", errMissingField)
	case p.SessionID == "":
		return fmt.Errorf("%w: session_id", errMissingField)
	case p.UserID == 0:
		return fmt.Errorf("%w: user_id", errMissingField)
	case p.Model == "":
		return fmt.Errorf("%w: model", errMissingField)
	case p.LastUserMessage == "":
		return fmt.Errorf("%w: last_user_message", errMissingField)
	}
	return nil
}

// UsagePayload reports token consumption of one generation call.
type UsagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerationResultPayload travels back on chat.generated after a successful
// generation. Identifying fields are echoed from the task.
type GenerationResultPayload struct {
	RequestID string       `json:"request_id"`
	SessionID string       `json:"session_id"`
	UserID    int64        `json:"user_id"`
	Model     string       `json:"model"`
	Response  string       `json:"response"`
	Usage     UsagePayload `json:"usage"`
}

// RetryCount reads the x-retry-count header, tolerating the integer width
// the broker client happens to deliver. A missing or malformed header reads
// as zero, never as an error.
func RetryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[RetryCountHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// RetryRoute decides where the next delivery attempt goes: the retry queue
// while the attempt count is within the ceiling, the DLQ once it is exhausted.
func RetryRoute(next, maxRetries int, retryKey, dlqKey string) string {
	if next <= maxRetries {
		return retryKey
	}
	return dlqKey
}

// AssistantRequestID derives the idempotency key for the assistant reply so
// that it never collides with the user turn stored under the raw request_id.
// An empty request_id yields an empty key (no deduplication possible).
func AssistantRequestID(requestID string) string {
	if requestID == "" {
		return ""
	}
	return requestID + ":assistant"
}
