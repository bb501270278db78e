// Package middleware holds the HTTP middlewares: kiosk/admin bearer
// authentication, Cloud Tasks callback validation, and request logging.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/saferide/backend/internal/auth"
)

type contextKey string

const claimsKey contextKey = "bearer-claims"

// ClaimsFrom extracts the authenticated bearer claims from the request
// context; ok is false on unauthenticated routes.
func ClaimsFrom(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*auth.Claims)
	return c, ok
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

// KioskAuth requires a valid kiosk access bearer and injects its claims.
func KioskAuth(issuer *auth.Issuer) func(http.Handler) http.Handler {
	return requireBearer(issuer, auth.TypeKiosk)
}

// AdminAuth requires a valid non-kiosk bearer.
func AdminAuth(issuer *auth.Issuer) func(http.Handler) http.Handler {
	return requireBearer(issuer, auth.TypeAdmin)
}

func requireBearer(issuer *auth.Issuer, wantType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := issuer.Parse(token)
			if err != nil {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			if claims.Type != wantType || claims.Grant != auth.GrantAccess {
				http.Error(w, "wrong token type", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Cloud Tasks identity headers on queue callbacks.
const (
	headerTaskName  = "X-CloudTasks-TaskName"
	headerQueueName = "X-CloudTasks-QueueName"
)

// QueueAuth admits only requests carrying Cloud Tasks identity headers
// whose queue name is on the allow-list. An empty allow-list (local dev)
// admits any caller that presents the headers.
func QueueAuth(allowedQueues []string, logger *slog.Logger) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedQueues))
	for _, q := range allowedQueues {
		allowed[q] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			taskName := r.Header.Get(headerTaskName)
			queueName := r.Header.Get(headerQueueName)
			if taskName == "" || queueName == "" {
				http.Error(w, "not a queue callback", http.StatusForbidden)
				return
			}
			if len(allowed) > 0 && !allowed[queueName] {
				logger.Warn("callback from unexpected queue", "queue", queueName, "task", taskName)
				http.Error(w, "queue not allowed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Logging emits one structured line per request.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds())
		})
	}
}
