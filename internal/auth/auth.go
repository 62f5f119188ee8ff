// Package auth guards the HTTP surface with a shared bearer token.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Middleware checks requests against a configured shared token. When no
// token is configured all requests pass; that mode is for local development
// and is logged loudly at startup.
type Middleware struct {
	token string
	log   *zap.Logger
}

func NewMiddleware(token string, log *zap.Logger) *Middleware {
	if token == "" {
		log.Warn("no auth token configured, all requests will be accepted")
	}
	return &Middleware{token: token, log: log}
}

// RequireAuth wraps an http.Handler and rejects unauthenticated requests.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Authenticated(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticated reports whether the request carries the configured token,
// either as "Authorization: Bearer <token>" or in X-Internal-Token for
// service-to-service calls.
func (m *Middleware) Authenticated(r *http.Request) bool {
	if m.token == "" {
		return true
	}

	if token := r.Header.Get("X-Internal-Token"); token != "" {
		return equal(token, m.token)
	}

	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return false
	}
	return equal(parts[1], m.token)
}

// Enabled reports whether a token is configured.
func (m *Middleware) Enabled() bool {
	return m.token != ""
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
