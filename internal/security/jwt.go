// Package security authenticates and authorizes callers of the HTTP API.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when no Authorization header is present.
	ErrMissingToken = errors.New("security: missing authorization token")
	// ErrInvalidToken is returned when the JWT is malformed or signature is invalid.
	ErrInvalidToken = errors.New("security: invalid token")
	// ErrExpiredToken is returned when the JWT has expired.
	ErrExpiredToken = errors.New("security: token expired")
	// ErrInsufficientRole is returned when the caller's role lacks permission.
	ErrInsufficientRole = errors.New("security: insufficient role")
	// ErrUnknownRole is returned when minting or presenting a role outside ValidRoles.
	ErrUnknownRole = errors.New("security: unknown role")
)

// SecretEnv names the environment variable holding the HS256 secret.
const SecretEnv = "HOSTGATE_JWT_SECRET"

type contextKey string

const claimsKey contextKey = "jwt_claims"

// Claims identifies an API caller.
type Claims struct {
	Subject   string `json:"sub"`
	Role      string `json:"role"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// jwtClaims wraps Claims for jwt-go compatibility.
type jwtClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed JWT for the given subject and role.
func GenerateToken(subject, role string, secret []byte, expiry time.Duration) (string, error) {
	if !IsValidRole(role) {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	now := time.Now()
	claims := jwtClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "hostgate",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken parses and validates a JWT string, returning the claims.
func ValidateToken(tokenStr string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwtClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	jc, ok := token.Claims.(*jwtClaims)
	if !ok || !token.Valid || !IsValidRole(jc.Role) {
		return nil, ErrInvalidToken
	}

	c := &Claims{Subject: jc.Subject, Role: jc.Role}
	if jc.IssuedAt != nil {
		c.IssuedAt = jc.IssuedAt.Unix()
	}
	if jc.ExpiresAt != nil {
		c.ExpiresAt = jc.ExpiresAt.Unix()
	}
	return c, nil
}

// GetClaims extracts JWT claims from the request context.
func GetClaims(r *http.Request) (*Claims, error) {
	claims, ok := r.Context().Value(claimsKey).(*Claims)
	if !ok || claims == nil {
		return nil, ErrMissingToken
	}
	return claims, nil
}

// GetJWTSecret returns the JWT secret from environment or empty (dev mode).
func GetJWTSecret() []byte {
	s := os.Getenv(SecretEnv)
	if s == "" {
		return nil
	}
	return []byte(s)
}

// AuthMiddleware returns HTTP middleware that validates JWT Bearer tokens.
// Browsers cannot set headers on websocket upgrades, so an access_token
// query parameter is accepted as well. If secret is nil, dev mode is
// enabled and requests pass through unauthenticated.
func AuthMiddleware(secret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	var warnOnce sync.Once
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == nil {
				warnOnce.Do(func() {
					logger.Warn("JWT authentication disabled (dev mode): " + SecretEnv + " not set")
				})
				next.ServeHTTP(w, r)
				return
			}

			tokenStr, err := bearerToken(r)
			if err != nil {
				http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusUnauthorized)
				return
			}

			claims, err := ValidateToken(tokenStr, secret)
			if err != nil {
				http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		if q := r.URL.Query().Get("access_token"); q != "" {
			return q, nil
		}
		return "", ErrMissingToken
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errors.New("security: invalid authorization header")
	}
	return parts[1], nil
}
