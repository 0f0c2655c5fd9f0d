// Package telemetry sets up OpenTelemetry tracing for the pipeline.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName scopes spans created by this module.
const TracerName = "github.com/JakeFAU/release-pipeline"

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	initErr   error
)

// Init installs the global tracer provider and the W3C propagator. Extra
// span processors (for example an exporter) may be supplied. It is safe to
// call more than once; later calls return the first provider.
func Init(ctx context.Context, serviceName string, processors ...sdktrace.SpanProcessor) (*sdktrace.TracerProvider, error) {
	initOnce.Do(func() {
		res, err := resource.New(ctx,
			resource.WithAttributes(semconv.ServiceName(serviceName)),
		)
		if err != nil {
			initErr = fmt.Errorf("failed to create resource: %w", err)
			return
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		}
		for _, p := range processors {
			opts = append(opts, sdktrace.WithSpanProcessor(p))
		}
		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)
		traceProv = tp
	})
	return traceProv, initErr
}

// CloudTraceProcessor batches spans to Google Cloud Trace in projectID. It
// returns nil when projectID is empty, leaving spans unexported.
func CloudTraceProcessor(projectID string) (sdktrace.SpanProcessor, error) {
	if projectID == "" {
		return nil, nil
	}
	exporter, err := texporter.New(texporter.WithProjectID(projectID))
	if err != nil {
		return nil, fmt.Errorf("failed to create google trace exporter: %w", err)
	}
	return sdktrace.NewBatchSpanProcessor(exporter), nil
}

// Start opens a span on the module tracer.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span (if any) and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Inject writes the trace context of ctx into carrier, e.g. message attributes.
func Inject(ctx context.Context, carrier map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(carrier))
}

// Extract returns ctx enriched with the trace context found in carrier.
func Extract(ctx context.Context, carrier map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}
