// Package server exposes the HTTP surface: the Helius callback receiver,
// webhook management endpoints and the connection test.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/solodyne/chainsink/internal/destination"
	"github.com/solodyne/chainsink/internal/ingest"
	"github.com/solodyne/chainsink/internal/metadata"
	"github.com/solodyne/chainsink/internal/registrar"
)

// Server holds the HTTP handlers' dependencies.
type Server struct {
	logger   *slog.Logger
	store    metadata.Store
	ingestor *ingest.Router
	orch     *registrar.Orchestrator
	registry *destination.Registry

	allowedOrigins []string

	// afterBatch, when set, observes each detached batch outcome. Tests
	// use it to wait for background processing.
	afterBatch func(*ingest.BatchResult)
}

// New creates a Server. allowedOrigins is the CORS allow-list; empty
// means any origin.
func New(logger *slog.Logger, store metadata.Store, ingestor *ingest.Router, orch *registrar.Orchestrator, registry *destination.Registry, allowedOrigins []string) *Server {
	return &Server{
		logger:         logger.With("component", "http"),
		store:          store,
		ingestor:       ingestor,
		orch:           orch,
		registry:       registry,
		allowedOrigins: allowedOrigins,
	}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /webhook/helius/{webhookId}", s.handleHeliusDelivery)
	mux.HandleFunc("POST /webhook/test/{webhookId}", s.handleTestDelivery)
	mux.HandleFunc("GET /webhook/user/{userId}", s.handleListUserWebhooks)
	mux.HandleFunc("GET /webhook/{webhookId}", s.handleGetWebhook)
	mux.HandleFunc("DELETE /webhook/{webhookId}", s.handleDeleteWebhook)

	mux.HandleFunc("POST /register-helius-webhook", s.handleRegister)
	mux.HandleFunc("POST /test-connection", s.handleTestConnection)

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// loggingMiddleware logs all requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// corsMiddleware applies the configured origin allow-list.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"message": "pong"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("JSON encode error", "error", err)
	}
}
