// Package auth issues and verifies the bearer tokens that protect map actions.
// Tokens are HS256 JWTs whose subject is the user id and whose "role" claim
// is one of user, admin or root.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mescon/panoguard/internal/domain"
)

var (
	// ErrNoSecret is returned when no signing secret is configured.
	ErrNoSecret = errors.New("no token secret configured")
	// ErrInvalidToken covers every token that fails verification.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the JWT claims of a session.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies session tokens.
type TokenManager struct {
	secret []byte
}

// NewTokenManager returns a manager for secret. An empty secret yields a
// manager that rejects every token.
func NewTokenManager(secret string) *TokenManager {
	return &TokenManager{secret: []byte(secret)}
}

// IssueToken signs a token for user valid for ttl.
func (m *TokenManager) IssueToken(user domain.User, ttl time.Duration) (string, error) {
	if len(m.secret) == 0 {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := &Claims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, algorithm and expiry and returns the user the
// token was issued for.
func (m *TokenManager) Verify(tokenString string) (domain.User, error) {
	if len(m.secret) == 0 {
		return domain.User{}, ErrNoSecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return domain.User{}, ErrInvalidToken
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: subject %q is not a user id", ErrInvalidToken, claims.Subject)
	}
	switch claims.Role {
	case domain.RoleUser, domain.RoleAdmin, domain.RoleRoot:
	default:
		return domain.User{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return domain.User{ID: id, Role: claims.Role}, nil
}
