package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// setupTracingTest creates a test tracer provider with an in-memory span recorder.
func setupTracingTest(t *testing.T) (*tracetest.InMemoryExporter, func()) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	originalProvider := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("eventbus")

	cleanup := func() {
		otel.SetTracerProvider(originalProvider)
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	}
	return exporter, cleanup
}

func TestDispatchAndHandlerSpans(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	sm := NewSpanManager()
	ctx, dispatch := sm.StartDispatchSpan(context.Background(), "order.created", "evt-1", "1-0")
	_, handler := sm.StartHandlerSpan(ctx, "billing", 1)
	sm.EndSpanWithError(handler, errors.New("declined"))
	sm.EndSpanWithError(dispatch, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	h, d := spans[0], spans[1]
	assert.Equal(t, "eventbus.handler.billing", h.Name)
	assert.Equal(t, codes.Error, h.Status.Code)
	assert.Equal(t, d.SpanContext.SpanID(), h.Parent.SpanID(), "handler span is a child of dispatch")

	assert.Equal(t, "eventbus.dispatch", d.Name)
	assert.Equal(t, trace.SpanKindConsumer, d.SpanKind)
	assert.Equal(t, codes.Ok, d.Status.Code)
	assert.Contains(t, d.Attributes, attribute.String("event.id", "evt-1"))
}

func TestPublishSpan(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	sm := NewSpanManager()
	ctx, span := sm.StartPublishSpan(context.Background(), "order.created", "evt-1")
	sm.AddSpanEvent(ctx, "appended", attribute.String("position", "1-0"))
	sm.EndSpanWithError(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, trace.SpanKindProducer, spans[0].SpanKind)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "appended", spans[0].Events[0].Name)
}

func TestNoopSpanManager(t *testing.T) {
	var sm SpanManager = NoopSpanManager{}
	ctx := context.Background()

	got, span := sm.StartDispatchSpan(ctx, "a", "b", "c")
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())
	assert.NotPanics(t, func() {
		sm.EndSpanWithError(span, errors.New("x"))
		sm.AddSpanEvent(ctx, "x")
		EndSpanWithError(nil, nil)
	})
}
