package messaging

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestRetryCount(t *testing.T) {
	t.Run("Missing headers read as zero", func(t *testing.T) {
		assert.Equal(t, 0, RetryCount(nil))
		assert.Equal(t, 0, RetryCount(amqp.Table{}))
	})

	t.Run("Malformed header reads as zero", func(t *testing.T) {
		assert.Equal(t, 0, RetryCount(amqp.Table{RetryCountHeader: "three"}))
	})

	t.Run("All integer widths are accepted", func(t *testing.T) {
		assert.Equal(t, 3, RetryCount(amqp.Table{RetryCountHeader: int(3)}))
		assert.Equal(t, 3, RetryCount(amqp.Table{RetryCountHeader: int8(3)}))
		assert.Equal(t, 3, RetryCount(amqp.Table{RetryCountHeader: int16(3)}))
		assert.Equal(t, 3, RetryCount(amqp.Table{RetryCountHeader: int32(3)}))
		assert.Equal(t, 3, RetryCount(amqp.Table{RetryCountHeader: int64(3)}))
		assert.Equal(t, 3, RetryCount(amqp.Table{RetryCountHeader: float64(3)}))
	})
}

func TestRetryRoute(t *testing.T) {
	t.Run("Within ceiling goes to retry queue", func(t *testing.T) {
		assert.Equal(t, RoutingGenerateRetry,
			RetryRoute(1, DefaultMaxRetries, RoutingGenerateRetry, RoutingGenerateDLQ))
		assert.Equal(t, RoutingGenerateRetry,
			RetryRoute(5, DefaultMaxRetries, RoutingGenerateRetry, RoutingGenerateDLQ))
	})

	t.Run("Beyond ceiling goes to DLQ", func(t *testing.T) {
		assert.Equal(t, RoutingGenerateDLQ,
			RetryRoute(6, DefaultMaxRetries, RoutingGenerateRetry, RoutingGenerateDLQ))
	})
}

func TestAssistantRequestID(t *testing.T) {
	assert.Equal(t, "abc:assistant", AssistantRequestID("abc"))
	assert.Equal(t, "", AssistantRequestID(""))
}

func TestGenerationTaskPayloadValidate(t *testing.T) {
	valid := GenerationTaskPayload{
		RequestID:       "req-1",
		SessionID:       "sess-1",
		UserID:          42,
		Model:           "gpt-4o-mini",
		LastUserMessage: "hello",
	}
	assert.NoError(t, valid.Validate())

	t.Run("Each required field is enforced", func(t *testing.T) {
		missing := valid
		missing.RequestID = ""
		assert.Error(t, missing.Validate())

		missing = valid
		missing.SessionID = ""
		assert.Error(t, missing.Validate())

		missing = valid
		missing.UserID = 0
		assert.Error(t, missing.Validate())

		missing = valid
		missing.Model = ""
		assert.Error(t, missing.Validate())

		missing = valid
		missing.LastUserMessage = ""
		assert.Error(t, missing.Validate())
	})
}
