// Package auth signs and verifies the tokens carried by approve/reject links
// and checks operator API keys.
//
// Decision tokens are HS256 JWTs. When no secret is configured an ephemeral
// one is generated, which invalidates outstanding links on restart.
package auth

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/atelier/internal/model"
)

const (
	issuer   = "atelier"
	audience = "atelier-approval"
)

// DecisionClaims extends jwt.RegisteredClaims with the decision a link records.
type DecisionClaims struct {
	jwt.RegisteredClaims
	Handle   string         `json:"handle"`
	Decision model.Decision `json:"decision"`
}

// TokenSigner issues and validates decision-link tokens.
type TokenSigner struct {
	secret     []byte
	expiration time.Duration
	now        func() time.Time
}

// NewTokenSigner creates a TokenSigner. An empty secret generates an
// ephemeral 32-byte key (for development).
func NewTokenSigner(secret string, expiration time.Duration) (*TokenSigner, error) {
	if expiration <= 0 {
		return nil, fmt.Errorf("auth: token expiration must be positive")
	}
	key := []byte(secret)
	if secret == "" {
		slog.Warn("auth: no decision secret configured, generating ephemeral key (not for production)")
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("auth: generate secret: %w", err)
		}
	} else if len(key) < 16 {
		return nil, fmt.Errorf("auth: decision secret must be at least 16 bytes")
	}
	return &TokenSigner{
		secret:     key,
		expiration: expiration,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Sign issues a token that records decision for handle.
func (s *TokenSigner) Sign(handle string, decision model.Decision) (string, time.Time, error) {
	if !decision.Final() {
		return "", time.Time{}, fmt.Errorf("auth: cannot sign non-final decision %q", decision)
	}
	now := s.now()
	exp := now.Add(s.expiration)
	claims := DecisionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   handle,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Handle:   handle,
		Decision: decision,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses and validates a decision token.
func (s *TokenSigner) Verify(tokenStr string) (*DecisionClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&DecisionClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}
	claims, ok := token.Claims.(*DecisionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Handle == "" || claims.Handle != claims.Subject {
		return nil, fmt.Errorf("auth: token handle does not match subject")
	}
	if !claims.Decision.Final() {
		return nil, fmt.Errorf("auth: token carries non-final decision %q", claims.Decision)
	}
	return claims, nil
}
