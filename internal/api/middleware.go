package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-server/internal/auth"
	"chat-server/internal/model"
)

const identityContextKey = "identity"

// RateLimitAllower is the admission decision surface the middleware needs.
// The fail-open wrapper satisfies it; decisions never error.
type RateLimitAllower interface {
	Allow(ctx context.Context, key string) bool
}

// AuthMiddleware resolves the Bearer token into an identity. Requests without
// a valid token are rejected; the verified user id rides in the gin context.
func AuthMiddleware(verifier auth.IdentityVerifier, logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("AuthMiddleware")
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		identity, err := verifier.VerifyIdentity(c.Request.Context(), parts[1])
		if err != nil {
			log.Error("Identity verification failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authorization unavailable"})
			return
		}
		if !identity.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(identityContextKey, identity)
		c.Next()
	}
}

// identityFromContext returns the identity stored by AuthMiddleware.
func identityFromContext(c *gin.Context) model.Identity {
	if v, ok := c.Get(identityContextKey); ok {
		if id, ok := v.(model.Identity); ok {
			return id
		}
	}
	return model.Identity{}
}

// RateLimitMiddleware admits or rejects requests per caller key. The limiter
// itself fails open, so this middleware only ever rejects on a positive
// over-limit decision.
func RateLimitMiddleware(limiter RateLimitAllower) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.Request.Context(), ClientKey(c.Request)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// ClientKey derives the rate limiting key for a request. Precedence: the
// explicit X-RateLimit-Key header, then a digest of the Authorization header
// (the raw credential never appears in a key or a log), then the first
// X-Forwarded-For hop, then the peer address.
func ClientKey(r *http.Request) string {
	if v := r.Header.Get("X-RateLimit-Key"); v != "" {
		return "xrl:" + v
	}

	if v := r.Header.Get("Authorization"); v != "" {
		sum := sha256.Sum256([]byte(v))
		return "auth:" + hex.EncodeToString(sum[:])
	}

	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		first := v
		if i := strings.Index(v, ","); i >= 0 {
			first = v[:i]
		}
		return "ip:" + strings.TrimSpace(first)
	}

	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return "ip:" + host
}
