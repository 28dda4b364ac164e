package telemetry

import (
	"context"
	"time"
)

// NoOpProvider is a telemetry provider that does nothing
type NoOpProvider struct{}

// NewNoOp creates a new no-op telemetry provider
func NewNoOp() *NoOpProvider {
	return &NoOpProvider{}
}

func (n *NoOpProvider) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	return ctx, NoOpSpan{}
}

func (n *NoOpProvider) RecordEvaluation(ctx context.Context, flagKey string, reason string, duration time.Duration) {
}
func (n *NoOpProvider) RecordRefresh(ctx context.Context, success bool, duration time.Duration, flagCount int) {
}
func (n *NoOpProvider) RecordState(ctx context.Context, state string)        {}
func (n *NoOpProvider) RecordCircuitState(ctx context.Context, state string) {}
func (n *NoOpProvider) RecordRearm(ctx context.Context, success bool)        {}
func (n *NoOpProvider) RecordEvents(ctx context.Context, sent, dropped int)  {}
func (n *NoOpProvider) Shutdown(ctx context.Context) error                   { return nil }

// NoOpSpan is a span that does nothing
type NoOpSpan struct{}

func (NoOpSpan) End()                                     {}
func (NoOpSpan) SetAttributes(attrs ...Attribute)         {}
func (NoOpSpan) RecordError(err error)                    {}
func (NoOpSpan) AddEvent(name string, attrs ...Attribute) {}

var (
	_ Provider = (*NoOpProvider)(nil)
	_ Provider = (*OTelProvider)(nil)
)
