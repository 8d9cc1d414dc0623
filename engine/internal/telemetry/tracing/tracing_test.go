package tracing

import (
	"context"
	"testing"
)

func TestNewTracerDisabledIsNoop(t *testing.T) {
	tr := NewTracer(false)
	if !tr.Noop() {
		t.Fatal("expected disabled tracer to report Noop")
	}
	ctx, span := tr.StartSpan(context.Background(), "op")
	if traceID, spanID := ExtractIDs(ctx); traceID != "" || spanID != "" {
		t.Fatalf("noop span must not populate ids, got trace=%q span=%q", traceID, spanID)
	}
	span.End()
	if !span.IsEnded() {
		t.Fatal("noop span must report ended after End")
	}
}

func TestNewTracerEnabledStartsRealSpan(t *testing.T) {
	tr := NewTracer(true)
	if tr.Noop() {
		t.Fatal("expected enabled tracer to not be Noop")
	}
	ctx, span := tr.StartSpan(context.Background(), "engine.broadcast.config.entry")
	traceID, spanID := ExtractIDs(ctx)
	if traceID == "" || spanID == "" {
		t.Fatalf("expected populated trace/span ids, got trace=%q span=%q", traceID, spanID)
	}
	if span.IsEnded() {
		t.Fatal("span must not be ended before End is called")
	}
	span.End()
	if !span.IsEnded() {
		t.Fatal("expected span to be ended after End")
	}
	if span.Context().TraceID != traceID {
		t.Fatalf("span.Context().TraceID %q does not match ExtractIDs %q", span.Context().TraceID, traceID)
	}
}

func TestStartSpanNestsUnderParentTraceID(t *testing.T) {
	tr := NewTracer(true)
	ctx, parent := tr.StartSpan(context.Background(), "outer")
	defer parent.End()

	_, child := tr.StartSpan(ctx, "inner")
	defer child.End()

	if child.Context().TraceID != parent.Context().TraceID {
		t.Fatalf("child span must share its parent's trace id: parent=%q child=%q",
			parent.Context().TraceID, child.Context().TraceID)
	}
	if child.Context().ParentSpanID != parent.Context().SpanID {
		t.Fatalf("child span's ParentSpanID must reference the parent span: got %q want %q",
			child.Context().ParentSpanID, parent.Context().SpanID)
	}
}

func TestAdaptiveTracerZeroPercentNeverSamples(t *testing.T) {
	tr := NewAdaptiveTracer(func() float64 { return 0 })
	for i := 0; i < 20; i++ {
		ctx, span := tr.StartSpan(context.Background(), "op")
		if traceID, _ := ExtractIDs(ctx); traceID != "" {
			t.Fatalf("0%% sample policy must never start a real span, got trace id %q", traceID)
		}
		span.End()
	}
}

func TestAdaptiveTracerHundredPercentAlwaysSamples(t *testing.T) {
	tr := NewAdaptiveTracer(func() float64 { return 100 })
	for i := 0; i < 20; i++ {
		ctx, span := tr.StartSpan(context.Background(), "op")
		if traceID, spanID := ExtractIDs(ctx); traceID == "" || spanID == "" {
			t.Fatalf("100%% sample policy must always start a real span, got trace=%q span=%q", traceID, spanID)
		}
		span.End()
	}
}

func TestAdaptiveTracerPropagatesExistingTraceRegardlessOfPercent(t *testing.T) {
	seed := NewTracer(true)
	ctx, parent := seed.StartSpan(context.Background(), "outer")
	defer parent.End()

	tr := NewAdaptiveTracer(func() float64 { return 0 })
	childCtx, child := tr.StartSpan(ctx, "inner")
	defer child.End()

	traceID, _ := ExtractIDs(childCtx)
	if traceID != parent.Context().TraceID {
		t.Fatalf("an in-flight trace must propagate through an adaptive tracer even at 0%% sample rate")
	}
}

func TestExtractIDsOnBareContextReturnsEmpty(t *testing.T) {
	traceID, spanID := ExtractIDs(context.Background())
	if traceID != "" || spanID != "" {
		t.Fatalf("expected empty ids on a context with no span, got trace=%q span=%q", traceID, spanID)
	}
}
