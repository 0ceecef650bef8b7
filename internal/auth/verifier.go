// Package auth verifies identity tokens presented by clients.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"example.com/presence/internal/domain"
)

// Config holds signer verification parameters.
type Config struct {
	Secret string
	Issuer string
}

// ErrMissingToken is returned when no token was presented.
var ErrMissingToken = fmt.Errorf("%w: missing token", domain.ErrUnauthorized)

// Verifier resolves a token to the user it was issued for. Failures match domain.ErrUnauthorized.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// JWTVerifier validates HS256 tokens and reads the user id from the "userId" claim, falling
// back to "sub".
type JWTVerifier struct {
	cfg    Config
	parser *jwt.Parser
}

// NewJWTVerifier constructs a JWTVerifier.
func NewJWTVerifier(cfg Config) (*JWTVerifier, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &JWTVerifier{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}

	claims := jwt.MapClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(v.cfg.Secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return "", fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	}

	userID, _ := claims["userId"].(string)
	if strings.TrimSpace(userID) == "" {
		userID, _ = claims["sub"].(string)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: token carries no user id", domain.ErrUnauthorized)
	}
	return userID, nil
}

// StaticVerifier maps fixed tokens to user ids, for local development and tests.
type StaticVerifier map[string]string

// Verify implements Verifier.
func (s StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	userID, ok := s[token]
	if !ok {
		return "", fmt.Errorf("%w: unknown token", domain.ErrUnauthorized)
	}
	return userID, nil
}
