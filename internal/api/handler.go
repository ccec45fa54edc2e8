package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-server/internal/messaging"
	"chat-server/internal/model"
	"chat-server/internal/repository"
	"chat-server/internal/service"
)

const defaultModel = "gpt-4o-mini"

// ChatHandler accepts chat submissions, persists the user turn and enqueues
// the generation task. A 202 from the submit endpoint means "accepted for
// async processing"; the assistant reply arrives through the result sink.
type ChatHandler struct {
	sessions    repository.SessionRepository
	messages    repository.MessageRepository
	usage       repository.UsageStatsRepository
	publisher   messaging.TaskPublisher
	maxMessages int
	logger      *zap.Logger
}

// NewChatHandler creates the chat API handler. maxMessages bounds the
// conversation window carried by each generation task.
func NewChatHandler(
	sessions repository.SessionRepository,
	messages repository.MessageRepository,
	usage repository.UsageStatsRepository,
	publisher messaging.TaskPublisher,
	maxMessages int,
	logger *zap.Logger,
) *ChatHandler {
	return &ChatHandler{
		sessions:    sessions,
		messages:    messages,
		usage:       usage,
		publisher:   publisher,
		maxMessages: maxMessages,
		logger:      logger.Named("ChatHandler"),
	}
}

// ChatRequest is the submission body. RequestID is the client's idempotency
// key; when absent the server assigns one so the assistant reply is still
// deduplicated on redelivery.
type ChatRequest struct {
	RequestID string        `json:"request_id"`
	SessionID string        `json:"sessionId" binding:"required"`
	Model     string        `json:"model"`
	Messages  []ChatTurnDTO `json:"messages" binding:"required"`
}

// ChatTurnDTO is one message of the submission.
type ChatTurnDTO struct {
	Role    string `json:"role"`
	Content string `json:"content" binding:"required"`
}

// submit handles POST /api/chat/send.
func (h *ChatHandler) submit(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId and messages are required"})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages must not be empty"})
		return
	}

	identity := identityFromContext(c)
	lastMessage := req.Messages[len(req.Messages)-1]
	if lastMessage.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message content must not be empty"})
		return
	}

	modelName := req.Model
	if modelName == "" {
		modelName = defaultModel
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ctx := c.Request.Context()

	session, err := h.sessions.EnsureSession(ctx, req.SessionID, identity.UserID, modelName)
	if err != nil {
		h.logger.Error("Failed to ensure session",
			zap.String("sessionID", req.SessionID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to prepare session"})
		return
	}

	userTurn := &model.ChatMessage{
		SessionID: session.SessionID,
		UserID:    identity.UserID,
		Role:      model.RoleUser,
		Content:   lastMessage.Content,
		Model:     modelName,
		RequestID: &requestID,
	}
	inserted, err := h.messages.SaveMessageIfAbsent(ctx, userTurn)
	if err != nil {
		h.logger.Error("Failed to save user message",
			zap.String("sessionID", req.SessionID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save message"})
		return
	}
	if !inserted {
		// Resubmission with the same request_id. The task is still published
		// below: the result sink absorbs duplicate results, while suppressing
		// the publish here would strand a request whose first publish failed
		// after the user turn was saved.
		h.logger.Debug("Duplicate submission, republishing task",
			zap.String("request_id", requestID),
			zap.String("sessionID", session.SessionID))
	}

	stored, err := h.messages.ListBySession(ctx, session.SessionID)
	if err != nil {
		h.logger.Error("Failed to load history",
			zap.String("sessionID", req.SessionID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}

	task := messaging.GenerationTaskPayload{
		RequestID:       requestID,
		SessionID:       session.SessionID,
		UserID:          identity.UserID,
		Model:           modelName,
		LastUserMessage: lastMessage.Content,
		History:         service.BuildHistory(stored, h.maxMessages),
	}

	if err := h.publisher.PublishGenerationTask(ctx, task); err != nil {
		h.logger.Error("Failed to publish generation task",
			zap.String("request_id", requestID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue generation"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"request_id": requestID, "sessionId": session.SessionID})
}

// listMessages handles GET /api/chat/sessions/:session_id/messages.
func (h *ChatHandler) listMessages(c *gin.Context) {
	sessionID := c.Param("session_id")

	msgs, err := h.messages.ListBySession(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to list messages",
			zap.String("sessionID", sessionID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "messages": msgs})
}

// getUsage handles GET /api/chat/usage?date=YYYY-MM-DD.
func (h *ChatHandler) getUsage(c *gin.Context) {
	identity := identityFromContext(c)

	date := time.Now().UTC()
	if v := c.Query("date"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date, expected YYYY-MM-DD"})
			return
		}
		date = parsed
	}

	stats, err := h.usage.GetByUserAndDate(c.Request.Context(), identity.UserID, date)
	if err != nil {
		h.logger.Error("Failed to get usage stats",
			zap.Int64("userID", identity.UserID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load usage"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"date": date.Format("2006-01-02"), "usage": stats})
}
