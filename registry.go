package flagkeeper

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	flaglog "github.com/OrlandoBitencourt/flagkeeper/internal/log"
)

// Registry owns the single flag client of a process. Reads are lock-free;
// only construction takes a lock.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[Client]
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for lifecycle messages and the default
// logger of the client.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry. Most programs use Default.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = flaglog.WithComponent(r.logger, "registry")
	return r
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// Initialize creates the client and starts its background workers without
// waiting for the flag service. Only the first successful call creates a
// client; later calls return it and ignore their options. Invalid
// configuration is returned as a ConfigurationError.
func (r *Registry) Initialize(opts ...Option) (*Client, error) {
	if c := r.current.Load(); c != nil {
		r.ignored(c, opts)
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c := r.current.Load(); c != nil {
		r.ignored(c, opts)
		return c, nil
	}

	cfg, err := newClientConfig(opts...)
	if err != nil {
		r.logger.Error("flag client configuration rejected", flaglog.Err(err))
		return nil, err
	}

	client, err := newClient(cfg, r.logger)
	if err != nil {
		r.logger.Error("flag client construction failed", flaglog.Err(err))
		return nil, err
	}

	client.start()
	r.current.Store(client)

	r.logger.Info("flag client initialized", "config", cfg.Config, flaglog.StateKey, client.State().String())
	return client, nil
}

// ignored logs a repeated Initialize whose configuration differs from the
// live client's.
func (r *Registry) ignored(c *Client, opts []Option) {
	if len(opts) == 0 {
		return
	}
	cfg, err := newClientConfig(opts...)
	if err != nil {
		r.logger.Warn("flag client already initialized, ignoring new configuration", flaglog.Err(err))
		return
	}
	if reflect.DeepEqual(cfg.Config, c.config) {
		return
	}
	r.logger.Warn("flag client already initialized, ignoring new configuration",
		"config", cfg.Config, "created_at", c.createdAt, flaglog.StateKey, c.State().String())
}

// Get returns the client. It fails with a NotInitializedError until
// Initialize succeeded, and keeps returning the closed client after
// Shutdown.
func (r *Registry) Get() (*Client, error) {
	c := r.current.Load()
	if c == nil {
		return nil, &NotInitializedError{Op: "get"}
	}
	return c, nil
}

// State reports uninitialized until a client exists, then the client state.
func (r *Registry) State() State {
	c := r.current.Load()
	if c == nil {
		return StateUninitialized
	}
	return c.State()
}

// Rearm must be called in every spawned worker before it serves requests.
// It restarts the background workers of the existing client. It never
// fails: problems are logged with the worker identity and leave the client
// degraded.
func (r *Registry) Rearm(id WorkerIdentity) {
	c := r.current.Load()
	if c == nil {
		r.logger.Warn("rearm called before initialize", flaglog.WorkerIDKey, id.ID, flaglog.PIDKey, id.PID)
		return
	}
	c.rearm(id)
}

// Shutdown closes the client, flushing queued events within the shutdown
// timeout or ctx, whichever ends first. Errors are logged, never returned.
// Calling it without a client or more than once does nothing.
func (r *Registry) Shutdown(ctx context.Context) {
	c := r.current.Load()
	if c == nil {
		r.logger.Debug("shutdown called before initialize")
		return
	}
	c.close(ctx)
}

// EvaluateDetail evaluates a flag on the current client. Without a client
// the fallback is returned with CLIENT_NOT_READY.
func (r *Registry) EvaluateDetail(ctx context.Context, flagKey string, evalCtx Context, fallback any) Detail {
	c := r.current.Load()
	if c == nil {
		return notReady(fallback)
	}
	return c.EvaluateDetail(ctx, flagKey, evalCtx, fallback)
}

// Evaluate returns the flag value or fallback. It never blocks on the
// network and never fails.
func (r *Registry) Evaluate(ctx context.Context, flagKey string, evalCtx Context, fallback any) any {
	return r.EvaluateDetail(ctx, flagKey, evalCtx, fallback).Value
}

// Bool evaluates a boolean flag.
func (r *Registry) Bool(ctx context.Context, flagKey string, evalCtx Context, fallback bool) bool {
	return typed(r.Evaluate(ctx, flagKey, evalCtx, fallback), fallback)
}

// String evaluates a string flag.
func (r *Registry) String(ctx context.Context, flagKey string, evalCtx Context, fallback string) string {
	return typed(r.Evaluate(ctx, flagKey, evalCtx, fallback), fallback)
}

// Int evaluates an integer flag.
func (r *Registry) Int(ctx context.Context, flagKey string, evalCtx Context, fallback int) int {
	return typed(r.Evaluate(ctx, flagKey, evalCtx, fallback), fallback)
}

// Float64 evaluates a numeric flag.
func (r *Registry) Float64(ctx context.Context, flagKey string, evalCtx Context, fallback float64) float64 {
	return typed(r.Evaluate(ctx, flagKey, evalCtx, fallback), fallback)
}
