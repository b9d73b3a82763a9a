// Package telemetry wires ARCANOS's distributed tracing: a process-wide
// TracerProvider whose spans include every backend HTTP call instrumented
// by internal/backendclient's otelhttp transport.
//
// Grounded on itsneelabh-gomind's telemetry/otel.go NewOTelProvider: the
// SDK TracerProvider + batch-export + resource-attribute shape is carried
// over, scaled down from that package's dual OTLP trace/metric exporters
// to a single stdout trace exporter — ARCANOS has no bundled collector to
// ship OTLP to, and Prometheus (internal/observability) already owns
// metrics, so stdouttrace is the honest fit: human-readable spans on
// stderr for local debugging, not a production OTLP pipeline.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Provider owns the process-wide TracerProvider and its shutdown.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider constructs a Provider exporting spans as pretty-printed JSON
// to stderr, and installs it as the global otel.TracerProvider so every
// otelhttp-instrumented call (internal/backendclient) picks it up without
// explicit wiring at each call site.
func NewProvider(serviceName, serviceVersion string) (*Provider, error) {
	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(os.Stderr),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource merge: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans and releases exporter resources. Safe to
// call once during daemon shutdown.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
