// Package oteltracer provides an OpenTelemetry-backed tracing.Emitter. It
// is optional and only imported when distributed tracing is needed.
package oteltracer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hack-ink/jwks-cache/tracing"
)

// Emitter implements tracing.Emitter on top of an OpenTelemetry Tracer.
type Emitter struct {
	tracer trace.Tracer
}

// New builds an Emitter from the named tracer, consistent with how
// go.opentelemetry.io/otel expects a library to name its own instrumentation
// scope. If tracerProvider is nil, otel.GetTracerProvider() is used.
func New(tracerProvider trace.TracerProvider, instrumentationName string) *Emitter {
	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}
	if instrumentationName == "" {
		instrumentationName = "github.com/hack-ink/jwks-cache"
	}
	return &Emitter{tracer: tracerProvider.Tracer(instrumentationName)}
}

func (e *Emitter) StartSpan(ctx context.Context, name, tenant, provider, state string) tracing.Span {
	_, span := e.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("provider", provider),
		attribute.String("state", state),
	))
	return &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End(outcome string, err error) {
	s.span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, outcome)
	}
	s.span.End()
}

var _ tracing.Emitter = (*Emitter)(nil)
