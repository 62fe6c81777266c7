// Package tracing defines the facade this module's core uses to emit spans,
// decoupled from any concrete tracing backend. The default is a no-op;
// tracing/oteltracer provides an OpenTelemetry-backed implementation.
package tracing

import "context"

// Emitter starts the spans named by the external interface contract:
// jwks.resolve, jwks.fetch, jwks.refresh, jwks.registry.register. Callers
// annotate the returned Span with an outcome before calling End.
type Emitter interface {
	StartSpan(ctx context.Context, name, tenant, provider, state string) Span
}

// Span is the minimal handle the core needs: record an outcome and end it.
// Implementations decide how "outcome" maps onto their backend's status
// model (e.g. an OTel span status code plus an attribute).
type Span interface {
	End(outcome string, err error)
}

// NoOpEmitter implements Emitter with no-op spans.
type NoOpEmitter struct{}

func (NoOpEmitter) StartSpan(ctx context.Context, name, tenant, provider, state string) Span {
	return noOpSpan{}
}

type noOpSpan struct{}

func (noOpSpan) End(outcome string, err error) {}

var _ Emitter = NoOpEmitter{}
