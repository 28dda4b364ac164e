package telemetry

import (
	"context"
	"time"
)

// Provider defines the interface for telemetry providers
type Provider interface {
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span)

	RecordEvaluation(ctx context.Context, flagKey string, reason string, duration time.Duration)
	RecordRefresh(ctx context.Context, success bool, duration time.Duration, flagCount int)
	RecordState(ctx context.Context, state string)
	RecordCircuitState(ctx context.Context, state string)
	RecordRearm(ctx context.Context, success bool)
	RecordEvents(ctx context.Context, sent, dropped int)

	Shutdown(ctx context.Context) error
}

// Span represents a trace span
type Span interface {
	End()
	SetAttributes(attrs ...Attribute)
	RecordError(err error)
	AddEvent(name string, attrs ...Attribute)
}

// SpanOption configures span creation
type SpanOption func(*SpanConfig)

// SpanConfig holds span configuration
type SpanConfig struct {
	Attributes []Attribute
}

// Attribute represents a key-value attribute
type Attribute struct {
	Key   string
	Value any
}

// WithAttributes adds attributes to a span
func WithAttributes(attrs ...Attribute) SpanOption {
	return func(c *SpanConfig) {
		c.Attributes = append(c.Attributes, attrs...)
	}
}

func String(key, value string) Attribute          { return Attribute{Key: key, Value: value} }
func Int(key string, value int) Attribute         { return Attribute{Key: key, Value: value} }
func Int64(key string, value int64) Attribute     { return Attribute{Key: key, Value: value} }
func Bool(key string, value bool) Attribute       { return Attribute{Key: key, Value: value} }
func Float64(key string, value float64) Attribute { return Attribute{Key: key, Value: value} }

// Duration records the value in milliseconds
func Duration(key string, value time.Duration) Attribute {
	return Attribute{Key: key, Value: value.Milliseconds()}
}
