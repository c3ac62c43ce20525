// Package health serves the worker's probe, introspection and metrics
// endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const pingTimeout = 2 * time.Second

// Pinger checks connectivity to the shared Redis.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProcessingCounter reports how many messages of a queue are being handled.
type ProcessingCounter interface {
	CountProcessingMessages(ctx context.Context, queue string) (int64, error)
}

// Server provides HTTP health check endpoints:
//
//	GET /healthz                    Redis ping
//	GET /readyz                     ready flag and Redis ping
//	GET /queues/{queue}/processing  in-flight marker count
//	GET /metrics                    Prometheus exposition
type Server struct {
	addr     string
	pinger   Pinger
	tracking ProcessingCounter
	ready    atomic.Bool
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a health server listening on addr once started.
func NewServer(addr string, pinger Pinger, tracking ProcessingCounter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, pinger: pinger, tracking: tracking, logger: logger}
}

// SetReady flips the readiness reported by /readyz.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/queues/{queue}/processing", s.processing)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start serves in the background.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server error", "event", "health_server_failed", "error", err)
		}
	}()
	s.logger.Info("health server started", "event", "health_server_started", "addr", s.addr)
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Response is the JSON body of /healthz and /readyz.
type Response struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ProcessingResponse is the JSON body of /queues/{queue}/processing.
type ProcessingResponse struct {
	Queue      string `json:"queue"`
	Processing int64  `json:"processing"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	resp, code := s.check(r.Context())
	writeJSON(w, code, resp)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, Response{Status: "starting"})
		return
	}
	resp, code := s.check(r.Context())
	writeJSON(w, code, resp)
}

func (s *Server) check(ctx context.Context) (Response, int) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := s.pinger.Ping(ctx); err != nil {
		return Response{Status: "unhealthy", Redis: "disconnected", Error: err.Error()}, http.StatusServiceUnavailable
	}
	return Response{Status: "healthy", Redis: "connected"}, http.StatusOK
}

func (s *Server) processing(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	n, err := s.tracking.CountProcessingMessages(r.Context(), queue)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, Response{Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ProcessingResponse{Queue: queue, Processing: n})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
