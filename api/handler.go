// Package api provides the HTTP API of a relay process.
//
// An operator serves /v1/settle, /v1/forward, /v1/submissions, /v1/identity
// and /v1/quote; a client node serves /v1/operations and /v1/dlq. A process
// that runs both serves both. Every failure is answered with
// {"error": ..., "code": ...}.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler is the root HTTP handler of the relay API.
type Handler struct {
	*backend
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewHandler creates a new API handler.
func NewHandler(logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		backend: newBackend(opts),
		logger:  logger,
		mux:     http.NewServeMux(),
	}

	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	if h.operator != nil {
		h.mux.HandleFunc("POST /v1/settle", h.settle)
		h.mux.HandleFunc("POST /v1/forward", h.forward)
		h.mux.HandleFunc("GET /v1/submissions/{handle}", h.getSubmission)
		h.mux.HandleFunc("GET /v1/identity", h.identity)
		h.mux.HandleFunc("GET /v1/quote", h.quote)
	}

	if h.node != nil {
		h.mux.HandleFunc("POST /v1/operations", h.createOperation)
		h.mux.HandleFunc("GET /v1/operations/{id}", h.getOperation)
	}
	if h.dlqSvc != nil {
		h.mux.HandleFunc("GET /v1/dlq", h.listDLQ)
		h.mux.HandleFunc("POST /v1/dlq/{id}/replay", h.replayDLQ)
	}

	h.mux.HandleFunc("GET /v1/stats", h.getStats)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.withMiddleware(h.mux).ServeHTTP(w, r)
}

func (h *Handler) withMiddleware(next http.Handler) http.Handler {
	return h.panicRecovery(h.logging(next))
}

func (h *Handler) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		h.logger.InfoContext(r.Context(), "api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (h *Handler) panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered",
					"error", rec,
					"stack", string(debug.Stack()),
				)
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// JSON helpers.

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best effort
}

// writeError answers with the status and code statusFor assigns to err.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError && code == "" {
		h.logger.ErrorContext(r.Context(), "api request failed",
			"path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

// queryParam returns a query parameter value, or empty string if not present.
func queryParam(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// queryInt returns a query parameter as int or a default value.
func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	var n int
	for _, c := range v {
		if c < '0' || c > '9' {
			return defaultVal
		}
		n = n*10 + int(c-'0')
	}
	return n
}
