// Package flagkeeper keeps exactly one feature-flag client per process,
// keeps it usable after a supervisor spawns worker processes, and gives
// request handlers an evaluation call that never blocks on the network and
// never fails.
//
// Typical use:
//
//	client, err := flagkeeper.Default().Initialize(
//	    flagkeeper.WithSDKKey("keyring:production"),
//	    flagkeeper.WithBaseURI("http://localhost:18000"),
//	)
//	...
//	// in each spawned worker, before serving:
//	flagkeeper.Default().Rearm(flagkeeper.CurrentWorker("1"))
//	...
//	on := flagkeeper.Default().Bool(ctx, "web-banner", flagkeeper.NewContext("alice"), false)
package flagkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/OrlandoBitencourt/flagkeeper/internal/circuit"
	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
	"github.com/OrlandoBitencourt/flagkeeper/internal/evaluator"
	"github.com/OrlandoBitencourt/flagkeeper/internal/events"
	"github.com/OrlandoBitencourt/flagkeeper/internal/flagr"
	flaglog "github.com/OrlandoBitencourt/flagkeeper/internal/log"
	"github.com/OrlandoBitencourt/flagkeeper/internal/sdk"
	"github.com/OrlandoBitencourt/flagkeeper/internal/storage"
)

// Version is the library version reported in the User-Agent.
const Version = "0.1.0"

// Client is the process-wide flag client. It is created by a Registry and
// cannot be closed or rearmed directly.
type Client struct {
	engine    *sdk.Engine
	config    Config
	logger    *slog.Logger
	createdAt time.Time
}

func newClient(cfg *clientConfig, fallbackLogger *slog.Logger) (*Client, error) {
	logger := cfg.logger
	if logger == nil {
		logger = fallbackLogger
	}
	logger = flaglog.WithComponent(logger, "client")

	store, err := storage.NewMemoryStorage(storage.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create flag store: %w", err)
	}

	opts := []sdk.Option{
		sdk.WithStorage(store),
		sdk.WithEvaluator(evaluator.New()),
		sdk.WithLogger(logger),
		sdk.WithConfig(engineConfig(cfg.Config)),
	}

	if cfg.SnapshotDir != "" {
		disk, err := storage.NewDiskStorage(cfg.SnapshotDir)
		if err != nil {
			store.Close()
			return nil, &ConfigurationError{Field: "snapshot_dir", Message: "cannot use snapshot directory", Err: err}
		}
		opts = append(opts, sdk.WithSnapshots(disk))
	}

	if !cfg.Offline {
		opts = append(opts, sdk.WithSource(newSource(cfg)))

		if cfg.Events.Enabled {
			publisher := events.NewHTTPPublisher(events.HTTPPublisherConfig{
				Endpoint:       cfg.EventsURI(),
				APIKey:         cfg.SDKKey,
				UserAgent:      userAgent(),
				Timeout:        cfg.Timeouts.Request,
				ConnectTimeout: cfg.Timeouts.Connect,
				RetryDelay:     time.Second,
			})
			redactor := events.Redactor{
				PrivateAttributes:    cfg.Events.PrivateAttributes,
				AllAttributesPrivate: cfg.Events.AllAttributesPrivate,
			}
			opts = append(opts, sdk.WithEvents(events.NewBufferedProcessor(publisher, cfg.Events.Capacity), redactor))
		}
	}

	if cfg.telemetry != nil {
		opts = append(opts, sdk.WithTelemetry(cfg.telemetry))
	}

	engine, err := sdk.New(opts...)
	if err != nil {
		store.Close()
		return nil, &ConfigurationError{Field: "client", Message: "invalid client configuration", Err: err}
	}

	return &Client{
		engine:    engine,
		config:    cfg.Config,
		logger:    logger,
		createdAt: time.Now(),
	}, nil
}

func newSource(cfg *clientConfig) flagr.Client {
	sourceConfig := flagr.Config{
		Endpoint:       cfg.BaseURI(),
		APIKey:         cfg.SDKKey,
		UserAgent:      userAgent(),
		Timeout:        cfg.Timeouts.Request,
		ConnectTimeout: cfg.Timeouts.Connect,
		MaxRetries:     flagr.DefaultConfig().MaxRetries,
	}
	if cfg.httpClient != nil {
		return flagr.NewHTTPClientWith(sourceConfig, cfg.httpClient)
	}
	return flagr.NewHTTPClient(sourceConfig)
}

func engineConfig(cfg Config) sdk.Config {
	return sdk.Config{
		PollInterval:   cfg.PollInterval,
		ConnectTimeout: cfg.Timeouts.Initialize,
		Retry: sdk.RetryConfig{
			MaxAttempts:     cfg.Rearm.MaxAttempts,
			InitialInterval: cfg.Rearm.InitialInterval,
			MaxInterval:     cfg.Rearm.MaxInterval,
		},
		FlushInterval: cfg.Events.FlushInterval,
		FlushTimeout:  cfg.Timeouts.Request,
		StopGrace:     cfg.Timeouts.Shutdown,
		Offline:       cfg.Offline,
		CircuitBreaker: circuit.Config{
			MaxFailures:      cfg.CircuitBreaker.Threshold,
			SuccessThreshold: 1,
			Timeout:          cfg.CircuitBreaker.Timeout,
		},
		Filter: cfg.Filter,
	}
}

func userAgent() string {
	return "flagkeeper/" + Version
}

func (c *Client) start() {
	c.engine.Start()
}

// rearm replaces the background workers of this same client. Failures are
// logged and leave the client degraded.
func (c *Client) rearm(id WorkerIdentity) {
	logger := c.logger.With(flaglog.WorkerIDKey, id.ID, flaglog.PIDKey, id.PID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("rearm panicked", "panic", r)
		}
	}()

	if err := c.engine.Rearm(context.Background()); err != nil {
		switch {
		case errors.Is(err, sdk.ErrClosed):
			logger.Warn("rearm ignored, client is closed")
			return
		case errors.Is(err, sdk.ErrNotStarted):
			logger.Warn("rearm ignored, client is not started")
			return
		}
		logger.Error("rearm failed, client degraded", flaglog.Err(err), flaglog.StateKey, c.State().String())
		return
	}

	logger.Info("client rearmed", "workers", c.engine.Workers(), flaglog.StateKey, c.State().String())
}

func (c *Client) close(ctx context.Context) {
	if c.State() == StateClosed {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeouts.Shutdown)
	defer cancel()

	start := time.Now()
	if err := c.engine.Close(ctx); err != nil {
		c.logger.Warn("shutdown completed with errors", flaglog.Err(err), flaglog.DurationKey, time.Since(start).Milliseconds())
		return
	}
	c.logger.Info("shutdown complete", flaglog.DurationKey, time.Since(start).Milliseconds())
}

// State returns the client state.
func (c *Client) State() State {
	return c.engine.State()
}

// Config returns the configuration the client was built with.
func (c *Client) Config() Config {
	return c.config
}

// CreatedAt returns when the registry constructed the client.
func (c *Client) CreatedAt() time.Time {
	return c.createdAt
}

// Workers returns the number of live background workers.
func (c *Client) Workers() int {
	return c.engine.Workers()
}

// Metrics returns client metrics.
func (c *Client) Metrics() Metrics {
	return c.engine.Metrics()
}

// Refresh fetches flags now instead of waiting for the next poll.
func (c *Client) Refresh(ctx context.Context) (int, error) {
	return c.engine.Refresh(ctx)
}

// Flush delivers queued analytics events now.
func (c *Client) Flush(ctx context.Context) error {
	return c.engine.Flush(ctx)
}

// HealthCheck reports whether the flag service is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.engine.HealthCheck(ctx)
}

// InvalidateFlag drops one flag from the store until the next refresh.
func (c *Client) InvalidateFlag(ctx context.Context, flagKey string) error {
	return c.engine.InvalidateFlag(ctx, flagKey)
}

// InvalidateAll empties the flag store until the next refresh.
func (c *Client) InvalidateAll(ctx context.Context) error {
	return c.engine.InvalidateAll(ctx)
}

// EvaluateDetail evaluates a flag. The value always has the fallback's type.
func (c *Client) EvaluateDetail(ctx context.Context, flagKey string, evalCtx Context, fallback any) Detail {
	return c.engine.Evaluate(ctx, flagKey, evalCtx, fallback)
}

// Evaluate returns the flag value, or fallback.
func (c *Client) Evaluate(ctx context.Context, flagKey string, evalCtx Context, fallback any) any {
	return c.EvaluateDetail(ctx, flagKey, evalCtx, fallback).Value
}

// Bool evaluates a boolean flag.
func (c *Client) Bool(ctx context.Context, flagKey string, evalCtx Context, fallback bool) bool {
	return typed(c.Evaluate(ctx, flagKey, evalCtx, fallback), fallback)
}

// String evaluates a string flag.
func (c *Client) String(ctx context.Context, flagKey string, evalCtx Context, fallback string) string {
	return typed(c.Evaluate(ctx, flagKey, evalCtx, fallback), fallback)
}

// Int evaluates an integer flag.
func (c *Client) Int(ctx context.Context, flagKey string, evalCtx Context, fallback int) int {
	return typed(c.Evaluate(ctx, flagKey, evalCtx, fallback), fallback)
}

// Float64 evaluates a numeric flag.
func (c *Client) Float64(ctx context.Context, flagKey string, evalCtx Context, fallback float64) float64 {
	return typed(c.Evaluate(ctx, flagKey, evalCtx, fallback), fallback)
}

func typed[T any](value any, fallback T) T {
	if v, ok := value.(T); ok {
		return v
	}
	return fallback
}

// notReady is the detail returned when no client exists.
func notReady(fallback any) Detail {
	return domain.FallbackDetail(fallback, domain.ErrorReason(domain.ErrorClientNotReady))
}
