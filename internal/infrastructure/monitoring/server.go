package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/metrics"
	"NewsPipeline/internal/ports"
)

// Server exposes /health and /metrics for the running pipeline.
type Server struct {
	metrics *metrics.Metrics
	queue   ports.QueueInspector
	maxAge  time.Duration
	now     func() time.Time
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New builds the handler set. The pipeline counts as healthy while the
// scheduler ticked within maxAge.
func New(m *metrics.Metrics, queue ports.QueueInspector, maxAge time.Duration, log *slog.Logger) *Server {
	s := &Server{
		metrics: m,
		queue:   queue,
		maxAge:  maxAge,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  log,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
}

type healthResponse struct {
	Status    string    `json:"status"`
	LastTick  time.Time `json:"last_tick"`
	LastError string    `json:"last_error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.metrics.Snapshot()
	resp := healthResponse{Status: "ok", LastTick: snap.LastTick, LastError: snap.LastError}
	code := http.StatusOK
	if !snap.Healthy(s.now(), s.maxAge) {
		resp.Status = "stalled"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

type metricsResponse struct {
	metrics.Snapshot
	Pending map[domain.Stage]int `json:"pending,omitempty"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	resp := metricsResponse{Snapshot: s.metrics.Snapshot()}
	if s.queue != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		pending, err := s.queue.Pending(ctx)
		if err != nil {
			http.Error(w, "queue stats: "+err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Pending = pending
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil && s.logger != nil {
		s.logger.Warn("write monitoring response", "error", err)
	}
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	if s.logger != nil {
		s.logger.Info("monitoring server listening", "addr", addr)
	}
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
