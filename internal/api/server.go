// Package api provides the HTTP surface of the nudge engine: callers report
// activity, completions and feedback, request nudges and poll the inbox.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tutu-network/nudge/internal/app/delivery"
	"github.com/tutu-network/nudge/internal/app/nudge"
	"github.com/tutu-network/nudge/internal/health"
)

// Server is the nudge HTTP API server.
type Server struct {
	nudges         *nudge.Orchestrator
	inbox          *delivery.Inbox // nil unless inbox delivery is configured
	health         *health.Checker // nil if health checks are disabled
	metricsEnabled bool
	version        string
	log            *zap.Logger
}

// NewServer creates a new API server.
func NewServer(o *nudge.Orchestrator, version string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{nudges: o, version: version, log: log}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetInbox mounts the inbox endpoints.
func (s *Server) SetInbox(i *delivery.Inbox) { s.inbox = i }

// SetHealth reports checker results on /health.
func (s *Server) SetHealth(c *health.Checker) { s.health = c }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
		})
		r.Post("/activity", s.handleActivity)
		r.Post("/completions", s.handleCompletion)
		r.Post("/connectivity", s.handleConnectivity)

		r.Route("/nudge", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Post("/send", s.handleSend)
			r.Post("/feedback", s.handleFeedback)
		})

		if s.inbox != nil {
			r.Get("/notifications", s.handleNotifications)
			r.Get("/notifications/today", s.handleNotificationsToday)
			r.Post("/notifications/{id}/shown", s.handleNotificationShown)
		}
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": s.health.Statuses(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for local clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
