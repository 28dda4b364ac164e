package sdk

import (
	"log/slog"

	"github.com/OrlandoBitencourt/flagkeeper/internal/evaluator"
	"github.com/OrlandoBitencourt/flagkeeper/internal/events"
	"github.com/OrlandoBitencourt/flagkeeper/internal/flagr"
	"github.com/OrlandoBitencourt/flagkeeper/internal/storage"
	"github.com/OrlandoBitencourt/flagkeeper/internal/telemetry"
)

// Option configures an Engine
type Option func(*Engine)

// WithSource sets the flag data source
func WithSource(source flagr.Client) Option {
	return func(e *Engine) {
		e.source = source
	}
}

// WithStorage sets the flag store
func WithStorage(store storage.Storage) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithSnapshots enables the on-disk snapshot
func WithSnapshots(disk *storage.DiskStorage) Option {
	return func(e *Engine) {
		e.snapshots = disk
	}
}

// WithEvaluator sets the evaluator
func WithEvaluator(eval evaluator.Evaluator) Option {
	return func(e *Engine) {
		e.evaluator = eval
	}
}

// WithEvents sets the analytics event processor and the redaction rules
// applied to every event.
func WithEvents(processor events.Processor, redactor events.Redactor) Option {
	return func(e *Engine) {
		e.events = processor
		e.redactor = redactor
	}
}

// WithTelemetry sets the telemetry provider
func WithTelemetry(provider telemetry.Provider) Option {
	return func(e *Engine) {
		e.telemetry = provider
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConfig sets the engine configuration
func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}
