package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tutorloop/sync-server/internal/adapter/auth"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlationId"
	claimsKey        contextKey = "claims"
)

// correlationMiddleware reads X-Correlation-ID and generates one if
// the client didn't send it. The ID rides the response header and the
// zerolog context so client and server logs line up end to end.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		logger := log.With().Str("correlation_id", correlationID).Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID retrieves the correlation ID from context.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey).(string); ok {
		return correlationID
	}
	return ""
}

// requestLogger emits one structured line per completed request using
// whatever logger correlationMiddleware put in the context.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

// requireAuth verifies the bearer token and stores the claims in the
// request context. The socket endpoint does not use this; its token
// arrives inside the HELLO frame instead.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		if !strings.HasPrefix(raw, "Bearer ") {
			writeError(w, r, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := s.Auth.Verify(r.Context(), strings.TrimPrefix(raw, "Bearer "))
		if err != nil {
			log.Ctx(r.Context()).Warn().
				Str("path", r.URL.Path).
				Msg("rejected bearer token")
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		logger := log.Ctx(ctx).With().
			Str("ownerId", claims.OwnerID).
			Str("deviceId", claims.DeviceID).
			Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// claimsFrom retrieves verified claims from context. Handlers behind
// requireAuth can rely on a non-zero owner.
func claimsFrom(ctx context.Context) auth.Claims {
	if c, ok := ctx.Value(claimsKey).(auth.Claims); ok {
		return c
	}
	return auth.Claims{}
}
