// Package server exposes the operator endpoints of a flag client: health,
// stats, manual refresh and flush, cache invalidation, the change webhook
// and optionally Prometheus metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
	flaglog "github.com/OrlandoBitencourt/flagkeeper/internal/log"
	"github.com/OrlandoBitencourt/flagkeeper/internal/sdk"
)

// Client is what the endpoints need from a flag client.
type Client interface {
	State() domain.State
	Metrics() sdk.Metrics
	Refresh(ctx context.Context) (int, error)
	Flush(ctx context.Context) error
	InvalidateFlag(ctx context.Context, flagKey string) error
	InvalidateAll(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

// Workers is the process supervisor behind a pre-fork server. Refresh,
// invalidation and webhook changes are forwarded to every worker as a
// refresh; flush is forwarded as a flush.
type Workers interface {
	RefreshWorkers() (int, error)
	FlushWorkers() (int, error)
	PIDs() map[string]int
	Restarts() int
}

// Config configures the admin server.
type Config struct {
	Addr string

	// WebhookSecret enables HMAC-SHA256 verification of webhook bodies.
	WebhookSecret string

	// MutationRate limits refresh, flush, invalidate and webhook calls.
	MutationRate  rate.Limit
	MutationBurst int

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	// Metrics is served on /metrics when set.
	Metrics http.Handler

	// Workers receives every mutation when the client is not the one
	// serving traffic.
	Workers Workers

	// HealthTimeout bounds the flag service check on /health.
	HealthTimeout time.Duration
}

// DefaultConfig returns the defaults used by the serve command.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:9090",
		MutationRate:    rate.Limit(5),
		MutationBurst:   5,
		RequestTimeout:  10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		HealthTimeout:   time.Second,
	}
}

// Server serves the admin endpoints.
type Server struct {
	client  Client
	config  Config
	limiter *rate.Limiter
	logger  *slog.Logger
	handler http.Handler
}

// New creates a server. A nil logger discards output.
func New(client Client, cfg Config, logger *slog.Logger) *Server {
	defaults := DefaultConfig()
	if cfg.MutationRate <= 0 {
		cfg.MutationRate = defaults.MutationRate
	}
	if cfg.MutationBurst <= 0 {
		cfg.MutationBurst = defaults.MutationBurst
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaults.HealthTimeout
	}
	if logger == nil {
		logger = flaglog.Discard()
	}

	s := &Server{
		client:  client,
		config:  cfg,
		limiter: rate.NewLimiter(cfg.MutationRate, cfg.MutationBurst),
		logger:  flaglog.WithComponent(logger, "admin"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /admin/stats", s.handleStats)
	mux.Handle("POST /admin/refresh", s.limited(s.handleRefresh))
	mux.Handle("POST /admin/flush", s.limited(s.handleFlush))
	mux.Handle("POST /admin/invalidate", s.limited(s.handleInvalidate))
	mux.Handle("POST /admin/invalidate-all", s.limited(s.handleInvalidateAll))
	mux.Handle("POST /webhook", s.limited(s.handleWebhook))
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}
	s.handler = mux

	return s
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully within
// the shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("admin server shutdown incomplete", flaglog.Err(err))
		return err
	}
	return nil
}

// limited rejects mutations above the configured rate with 429.
func (s *Server) limited(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next(w, r.WithContext(ctx))
	})
}
