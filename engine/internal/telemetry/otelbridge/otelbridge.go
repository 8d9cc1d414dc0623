// Package otelbridge wires the real OpenTelemetry SDK for the one place in
// this codebase that crosses a process boundary on the wire: the remote
// graph adapter's gRPC calls. Everything else uses the hand-rolled
// telemetry/tracing.Tracer, which the rest of the engine's logging and
// health plumbing already depends on.
//
// Grounded on engine/monitoring/monitoring.go's OpenTelemetryTracer, trimmed
// to span start/finish/error recording for RPC calls only.
package otelbridge

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// RPCTracer starts spans around outbound remote-graph-adapter calls.
type RPCTracer struct {
	tracer      oteltrace.Tracer
	serviceName string
}

// NewRPCTracer installs a process-wide TracerProvider with no span exporter
// registered and returns a tracer scoped to serviceName; the provider itself
// is not returned.
func NewRPCTracer(serviceName, environment string) (*RPCTracer, error) {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.DeploymentEnvironmentKey.String(environment),
		)),
	)
	otel.SetTracerProvider(tp)
	return &RPCTracer{tracer: otel.Tracer(serviceName), serviceName: serviceName}, nil
}

// StartCall begins a span for a single remote RPC invocation (e.g.
// StopGraphProfiling, GetProfilingData) tagged with the call's deadline.
func (t *RPCTracer) StartCall(ctx context.Context, method string, deadline time.Duration) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, method, oteltrace.WithAttributes(
		attribute.String("rpc.system", "grpc"),
		attribute.Int64("rpc.deadline_ms", deadline.Milliseconds()),
	))
}

// FinishCall closes the span, recording the error (if any) and final status.
func (t *RPCTracer) FinishCall(span oteltrace.Span, err error) {
	if span.IsRecording() {
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("error.message", fmt.Sprintf("%v", err)))
			span.SetStatus(codes.Error, "rpc call failed")
		} else {
			span.SetStatus(codes.Ok, "rpc call completed")
		}
	}
	span.End()
}
