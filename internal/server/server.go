package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"liquidation-relay/internal/feed"
	"liquidation-relay/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// HealthSource reports the state of every feed.
type HealthSource interface {
	Snapshot(now time.Time) []feed.Snapshot
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status    string          `json:"status"`
	Feeds     []feed.Snapshot `json:"feeds"`
	Timestamp int64           `json:"timestamp"`
}

// Server exposes /healthz and /metrics.
type Server struct {
	addr    string
	health  HealthSource
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func New(addr string, health HealthSource, m *metrics.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		health:  health,
		metrics: m,
		logger:  logger.With().Str("component", "server").Logger(),
		now:     time.Now,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

// handleHealth answers 200 when every feed is healthy and 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	now := s.now()
	resp := HealthResponse{Status: "healthy", Timestamp: now.Unix()}
	if s.health != nil {
		resp.Feeds = s.health.Snapshot(now)
	}

	statusCode := http.StatusOK
	if len(resp.Feeds) == 0 {
		resp.Status, statusCode = "unhealthy", http.StatusServiceUnavailable
	}
	for _, snap := range resp.Feeds {
		if !snap.Healthy {
			resp.Status, statusCode = "unhealthy", http.StatusServiceUnavailable
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write health response")
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}
