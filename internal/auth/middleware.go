package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type contextKey int

const authInfoKey contextKey = 0

// Middleware attaches an AuthInfo session for the request's bearer token to
// the context. Token validation is deferred until a handler authorizes.
func Middleware(client *Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := NewAuthInfo(client, BearerToken(r))
			ctx := context.WithValue(r.Context(), authInfoKey, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext returns the request's AuthInfo, or nil when Middleware did
// not run.
func FromContext(ctx context.Context) *AuthInfo {
	info, _ := ctx.Value(authInfoKey).(*AuthInfo)
	return info
}

// BearerToken extracts the token from the Authorization header, or returns
// an empty string.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AdminConfig configures operator authentication.
type AdminConfig struct {
	// JWTSecret verifies HS256 bearer tokens
	JWTSecret string

	// APIKeyHash is a bcrypt hash matched against the X-Admin-Key header
	APIKeyHash string
}

// AdminMiddleware authenticates operator requests with either an HS256 JWT
// or a pre-shared API key. With neither credential configured every request
// is rejected.
func AdminMiddleware(cfg AdminConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.APIKeyHash != "" {
				if key := r.Header.Get("X-Admin-Key"); key != "" {
					if bcrypt.CompareHashAndPassword([]byte(cfg.APIKeyHash), []byte(key)) == nil {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			if cfg.JWTSecret != "" {
				if raw := BearerToken(r); raw != "" {
					if _, err := ParseAdminToken(cfg.JWTSecret, raw); err == nil {
						next.ServeHTTP(w, r)
						return
					}
				}
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"message": "unauthorized",
				"req_id":  uuid.New().String(),
			})
		})
	}
}

// NewAdminToken mints an HS256 operator token.
func NewAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "triggerflow",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseAdminToken validates an operator token and returns its claims.
func ParseAdminToken(secret, raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}
