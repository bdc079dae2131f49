// Package auth provides the JWT token manager used for the x-api-key
// handshake flow and for login functions that issue bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// APIKeyHeader is the optional bearer-like token header accepted on
// transport handshakes.
const APIKeyHeader = "x-api-key"

// Claims is the token payload. UserID becomes the node context's user
// id, which user-scoped events compare against channel names.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies HMAC tokens.
type TokenManager struct {
	secretKey     []byte
	tokenDuration time.Duration
}

func NewTokenManager(secretKey string, tokenDuration time.Duration) *TokenManager {
	return &TokenManager{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
	}
}

// Generate creates a new signed token.
func (m *TokenManager) Generate(userID, username, role string) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "helene-server",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Verify validates the token signature, expiry, and issuer, returning
// its claims. Only HS256 is accepted; the parser rejects everything
// else before the keyfunc runs.
func (m *TokenManager) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(*jwt.Token) (any, error) { return m.secretKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer("helene-server"),
		jwt.WithExpirationRequired(),
	); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// ExtractToken pulls a token from the x-api-key header, an
// Authorization bearer header, or a token query parameter, in that
// order. WebSocket and SSE handshakes commonly only support the query
// form.
func ExtractToken(r *http.Request) (string, error) {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return key, nil
	}
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			return "", errors.New("invalid authorization header format")
		}
		return strings.TrimPrefix(authHeader, bearerPrefix), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", errors.New("no token found")
}

// ContextFromClaims builds the node-context fields installed after a
// successful token verification.
func ContextFromClaims(claims *Claims) map[string]any {
	return map[string]any{
		"token": claims.Subject,
		"user": map[string]any{
			"_id":      claims.UserID,
			"username": claims.Username,
			"role":     claims.Role,
		},
	}
}
