// Package auth validates console session tokens.
//
// The console does not log users in itself: an upstream identity service
// issues HS256 tokens signed with the shared auth.jwt_secret, and the user id
// is taken from the user_id claim or, when absent, from sub.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingSecret is returned outside dev mode when no session secret is configured.
var ErrMissingSecret = errors.New("auth.jwt_secret is required outside development " +
	"(generate one with: openssl rand -hex 32)")

// Claims represents the JWT claims structure
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Principal returns the user id the session belongs to.
func (c *Claims) Principal() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// isDevMode checks if we're in development mode
func isDevMode() bool {
	devMode := os.Getenv("DEV_MODE")
	ginMode := os.Getenv("GIN_MODE")

	return devMode == "true" || devMode == "1" || ginMode == "debug"
}

// generateRandomSecret creates a cryptographically secure random secret
func generateRandomSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// SessionKeys signs and verifies console session tokens.
type SessionKeys struct {
	secret []byte
	issuer string
}

// NewSessionKeys validates the configured secret. In dev mode an empty secret
// is replaced by a random one, so sessions do not survive a restart.
func NewSessionKeys(secret, issuer string) (*SessionKeys, error) {
	if secret == "" {
		if !isDevMode() {
			return nil, ErrMissingSecret
		}
		secret = generateRandomSecret()
		slog.Warn("auth.jwt_secret not set, using an auto-generated secret for development")
	} else if len(secret) < 32 {
		slog.Warn("auth.jwt_secret is shorter than the recommended 32 characters")
	}
	return &SessionKeys{secret: []byte(secret), issuer: issuer}, nil
}

// Sign creates a session token for userID. It backs cmd/devtoken and tests.
func (k *SessionKeys) Sign(userID, email string, expiresIn time.Duration) (string, error) {
	if expiresIn == 0 {
		expiresIn = 1 * time.Hour
	}

	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    k.issuer,
			Subject:   userID,
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.secret)
}

// Validate parses and validates a session token.
func (k *SessionKeys) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if k.issuer != "" {
		opts = append(opts, jwt.WithIssuer(k.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return k.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Principal() == "" {
		return nil, errors.New("token has no subject")
	}

	return claims, nil
}
