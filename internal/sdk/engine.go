// Package sdk implements the flag client: the state machine, the background
// worker generations, local evaluation over the last-known-good store and
// analytics event delivery.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/OrlandoBitencourt/flagkeeper/internal/circuit"
	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
	"github.com/OrlandoBitencourt/flagkeeper/internal/evaluator"
	"github.com/OrlandoBitencourt/flagkeeper/internal/events"
	"github.com/OrlandoBitencourt/flagkeeper/internal/flagr"
	"github.com/OrlandoBitencourt/flagkeeper/internal/storage"
	"github.com/OrlandoBitencourt/flagkeeper/internal/telemetry"
)

var (
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("client is closed")

	// ErrNotStarted is returned by Rearm before Start.
	ErrNotStarted = errors.New("client is not started")

	// ErrOffline is returned by Refresh when the engine runs offline.
	ErrOffline = errors.New("client is offline")

	// ErrWorkersStillRunning is returned when a worker generation did not
	// exit within the stop grace period.
	ErrWorkersStillRunning = errors.New("background workers did not stop in time")
)

// Engine is the flag client. Evaluate never blocks on the network and never
// fails; everything that talks to the flag service runs in background
// workers.
type Engine struct {
	source    flagr.Client
	store     storage.Storage
	snapshots *storage.DiskStorage
	evaluator evaluator.Evaluator
	events    events.Processor
	redactor  events.Redactor
	telemetry telemetry.Provider
	breaker   *circuit.Breaker
	logger    *slog.Logger
	config    Config

	state   atomic.Int32
	workers atomic.Int32

	lastRefresh     atomic.Int64
	refreshes       atomic.Uint64
	refreshFailures atomic.Uint64
	rearms          atomic.Uint64

	// lifecycle serializes Start, Rearm and Close.
	lifecycle sync.Mutex

	mu         sync.Mutex
	cancel     context.CancelFunc
	wg         *sync.WaitGroup
	generation uint64
}

// New creates a new engine with the given options
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		config: DefaultConfig(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.source == nil && !e.config.Offline {
		return nil, fmt.Errorf("flag source is required")
	}
	if e.store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if e.evaluator == nil {
		e.evaluator = evaluator.New()
	}
	if e.events == nil {
		e.events = events.NewNullProcessor()
	}
	if e.telemetry == nil {
		e.telemetry = telemetry.NewNoOp()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	if err := e.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	breakerConfig := e.config.CircuitBreaker
	breakerConfig.OnStateChange = func(from, to circuit.State) {
		e.logger.Info("circuit breaker state changed", "from", from.String(), "to", to.String())
		e.telemetry.RecordCircuitState(context.Background(), to.String())
	}
	e.breaker = circuit.New(breakerConfig)

	return e, nil
}

// Start moves the engine to initializing, warms the store from the snapshot
// and starts the first worker generation. It does not wait for the flag
// service.
func (e *Engine) Start() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if !e.transition(domain.StateInitializing) {
		return
	}

	e.loadSnapshot()
	if e.config.Offline {
		e.transition(domain.StateReady)
	}
	e.startWorkers()
}

// State returns the current client state
func (e *Engine) State() domain.State {
	return domain.State(e.state.Load())
}

// Workers returns the number of live background workers.
func (e *Engine) Workers() int {
	return int(e.workers.Load())
}

// SteadyWorkers is the worker count of one healthy generation.
func (e *Engine) SteadyWorkers() int {
	if e.config.Offline {
		return 1
	}
	return 2
}

// transition moves to the target state. Closed is terminal.
func (e *Engine) transition(to domain.State) bool {
	for {
		from := domain.State(e.state.Load())
		if from == domain.StateClosed || from == to {
			return false
		}
		if e.state.CompareAndSwap(int32(from), int32(to)) {
			level := slog.LevelInfo
			if to == domain.StateInitializing {
				level = slog.LevelDebug
			}
			e.logger.Log(context.Background(), level, "client state changed", "from", from.String(), "to", to.String())
			e.telemetry.RecordState(context.Background(), to.String())
			return true
		}
	}
}

func (e *Engine) startWorkers() {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	e.cancel = cancel
	e.wg = wg
	e.generation++

	if !e.config.Offline {
		e.spawn(wg, func() { e.pollLoop(ctx) })
	}
	e.spawn(wg, func() { e.flushLoop(ctx) })

	e.logger.Debug("started worker generation", "generation", e.generation)
}

func (e *Engine) spawn(wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	e.workers.Add(1)
	go func() {
		defer wg.Done()
		defer e.workers.Add(-1)
		fn()
	}()
}

// stopWorkers cancels the current generation and waits up to grace for it
// to exit.
func (e *Engine) stopWorkers(grace time.Duration) bool {
	e.mu.Lock()
	cancel, wg := e.cancel, e.wg
	e.cancel, e.wg = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return true
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (e *Engine) pollLoop(ctx context.Context) {
	if err := e.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Warn("flag service unreachable, serving cached values", "error", err)
		e.transition(domain.StateDegraded)
	}

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Warn("flag refresh failed", "error", err)
				e.transition(domain.StateDegraded)
			}
		}
	}
}

// connect performs the first refresh of a generation with bounded
// exponential backoff.
func (e *Engine) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.Retry.InitialInterval
	b.MaxInterval = e.config.Retry.MaxInterval

	_, err := backoff.Retry(ctx, func() (int, error) {
		n, err := e.Refresh(ctx)
		switch {
		case err == nil:
			return n, nil
		case ctx.Err() != nil:
			return 0, backoff.Permanent(ctx.Err())
		case errors.Is(err, ErrClosed), flagr.IsUnauthorized(err), circuit.IsCircuitOpen(err):
			return 0, backoff.Permanent(err)
		default:
			return 0, err
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.config.Retry.MaxAttempts)),
		backoff.WithMaxElapsedTime(e.config.ConnectTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Debug("retrying flag fetch", "error", err, "next", next)
		}),
	)
	return err
}

// Refresh fetches all flags, replaces the store and saves the snapshot. A
// successful refresh moves the engine to ready.
func (e *Engine) Refresh(ctx context.Context) (int, error) {
	if e.State() == domain.StateClosed {
		return 0, ErrClosed
	}
	if e.config.Offline {
		return 0, ErrOffline
	}

	ctx, span := e.telemetry.StartSpan(ctx, "flagkeeper.refresh")
	defer span.End()

	start := time.Now()

	var flags []domain.Flag
	err := e.breaker.Call(ctx, func(ctx context.Context) error {
		fetched, err := e.source.GetAllFlags(ctx)
		if err != nil {
			return err
		}
		flags = fetched
		return nil
	})
	if err != nil {
		e.refreshFailures.Add(1)
		e.telemetry.RecordRefresh(ctx, false, time.Since(start), 0)
		span.RecordError(err)
		return 0, fmt.Errorf("failed to fetch flags: %w", err)
	}

	kept := e.config.Filter.Apply(flags)
	if err := e.store.Replace(ctx, kept); err != nil {
		e.refreshFailures.Add(1)
		e.telemetry.RecordRefresh(ctx, false, time.Since(start), 0)
		span.RecordError(err)
		return 0, fmt.Errorf("failed to store flags: %w", err)
	}

	e.refreshes.Add(1)
	e.lastRefresh.Store(time.Now().UnixNano())
	e.telemetry.RecordRefresh(ctx, true, time.Since(start), len(kept))
	span.SetAttributes(telemetry.Int("flags.fetched", len(flags)), telemetry.Int("flags.stored", len(kept)))

	if len(kept) != len(flags) {
		e.logger.Debug("flags filtered", "fetched", len(flags), "stored", len(kept), "filter", e.config.Filter.String())
	}

	e.transition(domain.StateReady)

	if err := e.saveSnapshot(ctx); err != nil {
		e.logger.Warn("failed to save flag snapshot", "error", err)
	}

	return len(kept), nil
}

func (e *Engine) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(ctx, e.config.FlushTimeout)
			if err := e.Flush(flushCtx); err != nil && ctx.Err() == nil {
				e.logger.Warn("event flush failed", "error", err)
			}
			cancel()
		}
	}
}

// Flush delivers queued analytics events.
func (e *Engine) Flush(ctx context.Context) error {
	before := e.events.Stats()
	err := e.events.Flush(ctx)
	after := e.events.Stats()

	e.telemetry.RecordEvents(ctx, int(after.Sent-before.Sent), int(after.Dropped-before.Dropped))
	return err
}

// Evaluate resolves a flag against the store. It always returns a value of
// the fallback's type and records exactly one analytics event.
func (e *Engine) Evaluate(ctx context.Context, flagKey string, evalCtx domain.EvaluationContext, fallback any) (detail domain.Detail) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("flag evaluation panicked", "flag", flagKey, "panic", r)
			detail = domain.FallbackDetail(fallback, domain.ErrorReason(domain.ErrorEvaluationFailed))
		}
		e.events.Record(e.redactor.NewFeatureEvent(flagKey, evalCtx, detail, fallback, time.Now()))
		e.telemetry.RecordEvaluation(ctx, flagKey, reasonLabel(detail.Reason), time.Since(start))
	}()

	return e.evaluate(ctx, flagKey, evalCtx, fallback)
}

func (e *Engine) evaluate(ctx context.Context, flagKey string, evalCtx domain.EvaluationContext, fallback any) domain.Detail {
	state := e.State()
	if state == domain.StateClosed {
		return domain.FallbackDetail(fallback, domain.ErrorReason(domain.ErrorClientNotReady))
	}

	if err := evalCtx.Validate(); err != nil {
		e.logger.Debug("invalid evaluation context", "flag", flagKey, "error", err)
		return domain.FallbackDetail(fallback, domain.ErrorReason(domain.ErrorContextInvalid))
	}

	flag, err := e.store.Get(ctx, flagKey)
	if err != nil {
		if state != domain.StateReady {
			return domain.FallbackDetail(fallback, domain.ErrorReason(domain.ErrorClientNotReady))
		}
		return domain.FallbackDetail(fallback, domain.ErrorReason(domain.ErrorFlagNotFound))
	}

	result, err := e.evaluator.Evaluate(ctx, *flag, evalCtx)
	if err != nil {
		e.logger.Warn("flag evaluation failed", "flag", flagKey, "error", err)
		return domain.FallbackDetail(fallback, domain.ErrorReason(domain.ErrorMalformedFlag))
	}

	if !result.HasVariant() {
		return domain.FallbackDetail(fallback, result.Reason)
	}

	value, ok := result.ValueFor(fallback)
	if !ok {
		return domain.Detail{
			Value:      fallback,
			VariantKey: result.VariantKey,
			Reason:     domain.ErrorReason(domain.ErrorWrongType),
		}
	}

	return domain.Detail{Value: value, VariantKey: result.VariantKey, Reason: result.Reason}
}

func reasonLabel(reason domain.Reason) string {
	if reason.Kind == domain.ReasonError {
		return string(reason.ErrorKind)
	}
	return string(reason.Kind)
}

// Rearm replaces the worker generation on this same engine: the old
// workers are stopped, transports are reopened and fresh workers are
// started. Failures move the engine to degraded; the new generation keeps
// trying to reconnect.
func (e *Engine) Rearm(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	switch e.State() {
	case domain.StateClosed:
		return ErrClosed
	case domain.StateUninitialized:
		return ErrNotStarted
	}

	e.rearms.Add(1)

	var errs []error
	if !e.stopWorkers(e.config.StopGrace) {
		errs = append(errs, ErrWorkersStillRunning)
	}
	if e.source != nil {
		if err := e.source.Reset(); err != nil {
			errs = append(errs, fmt.Errorf("failed to reset flag source: %w", err))
		}
	}
	if err := e.events.Reset(); err != nil {
		errs = append(errs, fmt.Errorf("failed to reset event publisher: %w", err))
	}
	e.breaker.Reset()

	e.startWorkers()

	if err := errors.Join(errs...); err != nil {
		e.transition(domain.StateDegraded)
		e.telemetry.RecordRearm(ctx, false)
		return err
	}

	e.telemetry.RecordRearm(ctx, true)
	return nil
}

// Close moves the engine to closed, stops the workers, flushes events
// within ctx and saves the snapshot. Only the first call does any work.
func (e *Engine) Close(ctx context.Context) error {
	if !e.transition(domain.StateClosed) {
		return nil
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	var errs []error
	if !e.stopWorkers(e.config.StopGrace) {
		errs = append(errs, ErrWorkersStillRunning)
	}
	if err := e.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush events: %w", err))
	}
	if err := e.saveSnapshot(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to save snapshot: %w", err))
	}
	if err := e.events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close event processor: %w", err))
	}
	if e.source != nil {
		if err := e.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close flag source: %w", err))
		}
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
	}

	return errors.Join(errs...)
}

func (e *Engine) loadSnapshot() {
	if e.snapshots == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	snapshot, err := e.snapshots.LoadSnapshot(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNoSnapshot) {
			e.logger.Warn("failed to load flag snapshot", "path", e.snapshots.Path(), "error", err)
		}
		return
	}

	flags := make([]domain.Flag, 0, len(snapshot))
	for _, flag := range snapshot {
		flags = append(flags, flag)
	}
	if err := e.store.Replace(ctx, e.config.Filter.Apply(flags)); err != nil {
		e.logger.Warn("failed to restore flag snapshot", "error", err)
		return
	}

	e.logger.Info("restored flag snapshot", "flags", len(flags), "path", e.snapshots.Path())
}

func (e *Engine) saveSnapshot(ctx context.Context) error {
	if e.snapshots == nil {
		return nil
	}

	snapshot, err := e.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	if len(snapshot) == 0 {
		return nil
	}

	return e.snapshots.SaveSnapshot(ctx, snapshot)
}

// HealthCheck reports whether the flag service is reachable. It leaves the
// store and the state untouched.
func (e *Engine) HealthCheck(ctx context.Context) error {
	if e.State() == domain.StateClosed {
		return ErrClosed
	}
	if e.config.Offline {
		return ErrOffline
	}
	return e.source.HealthCheck(ctx)
}

// InvalidateFlag removes a flag from the store until the next refresh
func (e *Engine) InvalidateFlag(ctx context.Context, flagKey string) error {
	return e.store.Delete(ctx, flagKey)
}

// InvalidateAll clears the store until the next refresh
func (e *Engine) InvalidateAll(ctx context.Context) error {
	return e.store.Clear(ctx)
}

// Metrics returns a point-in-time view of the engine
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	generation := e.generation
	e.mu.Unlock()

	var lastRefresh time.Time
	if ns := e.lastRefresh.Load(); ns > 0 {
		lastRefresh = time.Unix(0, ns)
	}

	return Metrics{
		State:           e.State().String(),
		Workers:         e.Workers(),
		Generation:      generation,
		Refreshes:       e.refreshes.Load(),
		RefreshFailures: e.refreshFailures.Load(),
		Rearms:          e.rearms.Load(),
		LastRefresh:     lastRefresh,
		Storage:         e.store.Metrics(),
		Events:          e.events.Stats(),
		Circuit:         e.breaker.GetStats(),
		CircuitState:    e.breaker.GetState().String(),
	}
}

// Metrics represents engine metrics
type Metrics struct {
	State           string          `json:"state"`
	Workers         int             `json:"workers"`
	Generation      uint64          `json:"generation"`
	Refreshes       uint64          `json:"refreshes"`
	RefreshFailures uint64          `json:"refresh_failures"`
	Rearms          uint64          `json:"rearms"`
	LastRefresh     time.Time       `json:"last_refresh"`
	Storage         storage.Metrics `json:"storage"`
	Events          events.Stats    `json:"events"`
	Circuit         circuit.Stats   `json:"circuit"`
	CircuitState    string          `json:"circuit_state"`
}
