package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	meterName  = "flagkeeper"
	tracerName = "flagkeeper"
)

// OTelProvider implements Provider using OpenTelemetry
type OTelProvider struct {
	tracer trace.Tracer
	meter  metric.Meter

	evaluations     metric.Int64Counter
	refreshDuration metric.Float64Histogram
	refreshSuccess  metric.Int64Counter
	refreshFailure  metric.Int64Counter
	rearms          metric.Int64Counter
	eventsSent      metric.Int64Counter
	eventsDropped   metric.Int64Counter
	clientState     metric.Int64ObservableGauge
	circuitState    metric.Int64ObservableGauge

	currentState   atomic.Int64
	currentCircuit atomic.Int64
}

// NewOTel creates a provider on the global tracer and meter providers
func NewOTel() (*OTelProvider, error) {
	return NewOTelWith(otel.GetMeterProvider(), otel.GetTracerProvider())
}

// NewOTelWith creates a provider on explicit tracer and meter providers
func NewOTelWith(mp metric.MeterProvider, tp trace.TracerProvider) (*OTelProvider, error) {
	provider := &OTelProvider{
		tracer: tp.Tracer(tracerName),
		meter:  mp.Meter(meterName),
	}

	if err := provider.initMetrics(); err != nil {
		return nil, err
	}

	return provider, nil
}

func (o *OTelProvider) initMetrics() error {
	var err error

	o.evaluations, err = o.meter.Int64Counter(
		"flagkeeper.evaluations",
		metric.WithDescription("Number of flag evaluations"),
	)
	if err != nil {
		return err
	}

	o.refreshDuration, err = o.meter.Float64Histogram(
		"flagkeeper.refresh.duration",
		metric.WithDescription("Duration of flag data polls"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	o.refreshSuccess, err = o.meter.Int64Counter(
		"flagkeeper.refresh.success",
		metric.WithDescription("Number of successful polls"),
	)
	if err != nil {
		return err
	}

	o.refreshFailure, err = o.meter.Int64Counter(
		"flagkeeper.refresh.failure",
		metric.WithDescription("Number of failed polls"),
	)
	if err != nil {
		return err
	}

	o.rearms, err = o.meter.Int64Counter(
		"flagkeeper.rearms",
		metric.WithDescription("Number of worker rearms after process spawn"),
	)
	if err != nil {
		return err
	}

	o.eventsSent, err = o.meter.Int64Counter(
		"flagkeeper.events.sent",
		metric.WithDescription("Analytics events delivered"),
	)
	if err != nil {
		return err
	}

	o.eventsDropped, err = o.meter.Int64Counter(
		"flagkeeper.events.dropped",
		metric.WithDescription("Analytics events dropped"),
	)
	if err != nil {
		return err
	}

	o.clientState, err = o.meter.Int64ObservableGauge(
		"flagkeeper.client.state",
		metric.WithDescription("Client state (0=uninitialized, 1=initializing, 2=ready, 3=degraded, 4=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(o.currentState.Load())
			return nil
		}),
	)
	if err != nil {
		return err
	}

	o.circuitState, err = o.meter.Int64ObservableGauge(
		"flagkeeper.circuit.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(o.currentCircuit.Load())
			return nil
		}),
	)
	return err
}

// StartSpan creates a new trace span
func (o *OTelProvider) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	config := &SpanConfig{}
	for _, opt := range opts {
		opt(config)
	}

	ctx, otelSpan := o.tracer.Start(ctx, name, trace.WithAttributes(convertAttributes(config.Attributes)...))
	return ctx, &OTelSpan{span: otelSpan}
}

func convertAttributes(attrs []Attribute) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, attr := range attrs {
		out[i] = convertAttribute(attr)
	}
	return out
}

func convertAttribute(attr Attribute) attribute.KeyValue {
	switch v := attr.Value.(type) {
	case string:
		return attribute.String(attr.Key, v)
	case int:
		return attribute.Int(attr.Key, v)
	case int64:
		return attribute.Int64(attr.Key, v)
	case bool:
		return attribute.Bool(attr.Key, v)
	case float64:
		return attribute.Float64(attr.Key, v)
	default:
		return attribute.String(attr.Key, "")
	}
}

func (o *OTelProvider) RecordEvaluation(ctx context.Context, flagKey string, reason string, duration time.Duration) {
	o.evaluations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flag.key", flagKey),
		attribute.String("reason", reason),
	))
}

func (o *OTelProvider) RecordRefresh(ctx context.Context, success bool, duration time.Duration, flagCount int) {
	o.refreshDuration.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.Bool("success", success)))

	if success {
		o.refreshSuccess.Add(ctx, 1, metric.WithAttributes(attribute.Int("flag.count", flagCount)))
	} else {
		o.refreshFailure.Add(ctx, 1)
	}
}

// RecordState records the client lifecycle state for the state gauge
func (o *OTelProvider) RecordState(ctx context.Context, state string) {
	o.currentState.Store(stateValue(state))
}

// RecordCircuitState records the circuit breaker state
func (o *OTelProvider) RecordCircuitState(ctx context.Context, state string) {
	switch state {
	case "open":
		o.currentCircuit.Store(1)
	case "half-open":
		o.currentCircuit.Store(2)
	default:
		o.currentCircuit.Store(0)
	}
}

func (o *OTelProvider) RecordRearm(ctx context.Context, success bool) {
	o.rearms.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

func (o *OTelProvider) RecordEvents(ctx context.Context, sent, dropped int) {
	if sent > 0 {
		o.eventsSent.Add(ctx, int64(sent))
	}
	if dropped > 0 {
		o.eventsDropped.Add(ctx, int64(dropped))
	}
}

// Shutdown is a no-op; the SDK providers are owned by whoever built them
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	return nil
}

func stateValue(state string) int64 {
	switch state {
	case "initializing":
		return 1
	case "ready":
		return 2
	case "degraded":
		return 3
	case "closed":
		return 4
	default:
		return 0
	}
}

// OTelSpan wraps an OpenTelemetry span
type OTelSpan struct {
	span trace.Span
}

func (s *OTelSpan) End() {
	s.span.End()
}

func (s *OTelSpan) SetAttributes(attrs ...Attribute) {
	s.span.SetAttributes(convertAttributes(attrs)...)
}

func (s *OTelSpan) RecordError(err error) {
	s.span.RecordError(err)
}

func (s *OTelSpan) AddEvent(name string, attrs ...Attribute) {
	s.span.AddEvent(name, trace.WithAttributes(convertAttributes(attrs)...))
}
