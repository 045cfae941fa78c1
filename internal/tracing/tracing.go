// Package tracing wraps OpenTelemetry span creation for the execution core,
// the same thin helper-over-otel/trace shape tombee-conductor's
// internal/tracing/workflow.go wraps around a workflow run and its steps:
// one root span per Dispatcher.Submit, one child span per Executor/Workflow
// step, with errors and terminal status recorded the same way.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/runcore/core"

// NewProvider builds a TracerProvider tagged with serviceName/version and
// installs it as the process-wide default so otel.Tracer(instrumentationName)
// resolves to it from any package. With no span processor registered, spans
// are created and discarded rather than exported — callers that want an
// exporter (OTLP, stdout, ...) should append sdktrace.WithBatcher options to
// opts.
func NewProvider(serviceName, version string, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	allOpts := append([]sdktrace.TracerProviderOption{sdktrace.WithResource(res)}, opts...)
	tp := sdktrace.NewTracerProvider(allOpts...)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Span wraps a trace.Span with the attribute/event helpers this package's
// callers need, tolerating a nil receiver so sites that didn't bother
// starting a span (or that got one back from a no-op TracerProvider) can
// still call End/RecordError unconditionally.
type Span struct {
	span trace.Span
}

// StartRun opens the root span for one Dispatcher.Submit execution.
func StartRun(ctx context.Context, runID, kind, name string) (context.Context, *Span) {
	ctx, span := tracer().Start(ctx, fmt.Sprintf("run: %s/%s", kind, name),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.kind", kind),
			attribute.String("run.name", name),
		),
	)
	return ctx, &Span{span: span}
}

// StartStep opens a child span for one workflow step or executor attempt.
func StartStep(ctx context.Context, stepID, stepType string) (context.Context, *Span) {
	ctx, span := tracer().Start(ctx, fmt.Sprintf("step: %s", stepID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("step.id", stepID),
			attribute.String("step.type", stepType),
		),
	)
	return ctx, &Span{span: span}
}

// SetAttributes records key/value pairs on the span.
func (s *Span) SetAttributes(attrs map[string]any) {
	if s == nil || s.span == nil {
		return
	}
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			kvs = append(kvs, attribute.String(k, val))
		case int:
			kvs = append(kvs, attribute.Int(k, val))
		case int64:
			kvs = append(kvs, attribute.Int64(k, val))
		case float64:
			kvs = append(kvs, attribute.Float64(k, val))
		case bool:
			kvs = append(kvs, attribute.Bool(k, val))
		default:
			kvs = append(kvs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	s.span.SetAttributes(kvs...)
}

// RecordError marks the span as failed.
func (s *Span) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// End closes the span. Its status stays Error if RecordError ran and is
// otherwise left unset.
func (s *Span) End() {
	if s == nil || s.span == nil {
		return
	}
	s.span.End()
}
