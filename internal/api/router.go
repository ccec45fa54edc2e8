package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-server/internal/auth"
)

// NewRouter assembles the HTTP API: health probe unauthenticated, chat
// endpoints behind auth and rate limiting.
func NewRouter(
	handler *ChatHandler,
	verifier auth.IdentityVerifier,
	limiter RateLimitAllower,
	logger *zap.Logger,
) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	chatGroup := router.Group("/api/chat")
	chatGroup.Use(RateLimitMiddleware(limiter))
	chatGroup.Use(AuthMiddleware(verifier, logger))
	{
		chatGroup.POST("/send", handler.submit)
		chatGroup.GET("/sessions/:session_id/messages", handler.listMessages)
		chatGroup.GET("/usage", handler.getUsage)
	}

	return router
}
