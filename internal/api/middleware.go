package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanvir/chatbridge/internal/models"
	"github.com/tanvir/chatbridge/internal/storage"
)

type contextKey string

const accountContextKey contextKey = "account"

func AccountFromContext(ctx context.Context) *models.Account {
	account, _ := ctx.Value(accountContextKey).(*models.Account)
	return account
}

// AuthMiddleware resolves the CRM account from its bearer API token.
// Inactive accounts keep read access; sends are rejected downstream by the
// dispatcher.
func AuthMiddleware(store storage.Storage) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			token := strings.TrimPrefix(auth, "Bearer ")
			if token == auth {
				writeError(w, http.StatusUnauthorized, "invalid authorization format, use: Bearer <api_token>")
				return
			}

			account, err := store.GetAccountByToken(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if account == nil {
				writeError(w, http.StatusUnauthorized, "invalid api token")
				return
			}

			ctx := context.WithValue(r.Context(), accountContextKey, account)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func LoggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.statusCode).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
