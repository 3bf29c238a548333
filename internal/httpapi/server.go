// Package httpapi is the plain-HTTP surface next to the socket: health
// and metrics, capability discovery, a REST pull fallback for first
// sync, the offline-queue beacon, and the owner state/wipe admin
// endpoints. Everything stateful goes through the same orchestrator
// hub the gateway uses.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tutorloop/sync-server/internal/adapter/auth"
	"github.com/tutorloop/sync-server/internal/orchestrator"
	"github.com/tutorloop/sync-server/internal/session"
)

// Limits are the operational caps advertised to devices and enforced
// on the REST surface. They must match what the hub and gateway were
// configured with or /v1/sync/info lies to clients.
type Limits struct {
	MaxBatchOps   int
	MaxPullLimit  int
	PushPerMinute int
	PushBurst     int
}

func (l Limits) withDefaults() Limits {
	if l.MaxBatchOps <= 0 {
		l.MaxBatchOps = 100
	}
	if l.MaxPullLimit <= 0 {
		l.MaxPullLimit = 500
	}
	if l.PushPerMinute <= 0 {
		l.PushPerMinute = 600
	}
	if l.PushBurst <= 0 {
		l.PushBurst = 120
	}
	return l
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	Hub      *orchestrator.Hub
	Sessions *session.Registry
	Auth     auth.Verifier
	Socket   http.Handler // websocket gateway, authenticates inside HELLO
	Limits   Limits
}

// Routes creates the HTTP router with all sync endpoints.
func (s *Server) Routes() http.Handler {
	s.Limits = s.Limits.withDefaults()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health and metrics stay off the request logger.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// The socket logs its own lifecycle with session context, so it
	// skips the request logger too.
	if s.Socket != nil {
		r.Method(http.MethodGet, "/v1/sync/ws", s.Socket)
	}

	r.Group(func(r chi.Router) {
		r.Use(correlationMiddleware)
		r.Use(requestLogger)

		// Capability discovery is unauthenticated so devices can
		// configure themselves before they hold a token.
		r.Get("/v1/sync/info", s.Info)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/v1/sync/pull", s.Pull)
			r.Post("/v1/sync/queue", s.Enqueue)
			r.Get("/v1/sync/state", s.State)
			r.Get("/v1/sync/sessions", s.ListSessions)
			r.Post("/v1/sync/wipe", s.Wipe)
		})
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes a JSON error body carrying the correlation ID so
// a device can quote it back to support.
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error":          msg,
		"correlation_id": GetCorrelationID(r.Context()),
	})
}

// parseLimit parses a limit query param with default and max.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
