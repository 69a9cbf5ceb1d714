package otel

import (
	"context"

	"github.com/terraskye/eventcore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// config holds the options shared by the telemetry decorators.
type config struct {
	// Operation identifies the wrapped component and prefixes its span names.
	Operation string

	// Attributes holds the default attributes for each span created by the decorator.
	Attributes []attribute.KeyValue

	// GetAttributes is an optional function that can extract trace attributes
	// from the context and add them to the span.
	GetAttributes func(ctx context.Context) []attribute.KeyValue

	// Tracer overrides the package tracer. Tests use it with an in-memory recorder.
	Tracer trace.Tracer

	// Propagator carries the trace context through event metadata.
	Propagator propagation.TextMapPropagator
}

func newConfig(defaultOperation string, options []Option) config {
	cfg := config{Operation: defaultOperation}
	for _, o := range options {
		o.apply(&cfg)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracer
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	return cfg
}

func (c config) attributes(ctx context.Context, attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(c.Attributes)+len(attrs))
	out = append(out, c.Attributes...)
	out = append(out, attrs...)
	if c.GetAttributes != nil {
		out = append(out, c.GetAttributes(ctx)...)
	}
	return out
}

// Option configures a telemetry decorator.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (o optionFunc) apply(c *config) {
	o(c)
}

// WithOperation sets the span name prefix, "EventStore" or the handler name by default.
func WithOperation(operation string) Option {
	return optionFunc(func(o *config) {
		o.Operation = operation
	})
}

// WithAttributes sets the default attributes for the spans created by the decorator.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return optionFunc(func(o *config) {
		o.Attributes = attrs
	})
}

// WithAttributeGetter extracts additional attributes from the context.
func WithAttributeGetter(fn func(ctx context.Context) []attribute.KeyValue) Option {
	return optionFunc(func(o *config) {
		o.GetAttributes = fn
	})
}

// WithTracerProvider takes the tracer from tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return optionFunc(func(o *config) {
		o.Tracer = tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(eventcore.InstrumentationVersion))
	})
}

// WithPropagator overrides the global text map propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return optionFunc(func(o *config) {
		o.Propagator = p
	})
}
