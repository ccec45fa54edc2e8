package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"chat-server/internal/model"
)

// IdentityVerifier resolves a bearer token into a caller identity. A rejected
// token is reported through Identity.Valid, not as an error; errors mean the
// verification itself could not run.
type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, tokenString string) (model.Identity, error)
}

// Claims is the token payload carried by access tokens.
type Claims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HMAC-signed JWT access tokens.
type JWTVerifier struct {
	jwtSecret string
	logger    *zap.Logger
}

// NewJWTVerifier creates a verifier for the given shared secret.
func NewJWTVerifier(jwtSecret string, logger *zap.Logger) (*JWTVerifier, error) {
	if jwtSecret == "" {
		return nil, errors.New("JWT secret cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWTVerifier{
		jwtSecret: jwtSecret,
		logger:    logger.Named("JWTVerifier"),
	}, nil
}

// VerifyIdentity checks the signature and expiry and extracts the user id.
// Any parse or validation failure yields an invalid identity with a nil
// error; the caller decides what an anonymous request may do.
func (v *JWTVerifier) VerifyIdentity(ctx context.Context, tokenString string) (model.Identity, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		v.logger.Debug("Token rejected", zap.Error(err))
		return model.Identity{}, nil
	}

	if claims.UserID == 0 {
		v.logger.Debug("Token missing user id")
		return model.Identity{}, nil
	}

	return model.Identity{UserID: claims.UserID, Valid: true}, nil
}
