// Package telemetry configures OpenTelemetry tracing for the gateway.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer used for gateway spans.
const InstrumentationName = "github.com/tjfontaine/modelkey-gateway"

// Exporters accepted by InitTracer.
const (
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// Tracer returns the gateway tracer from the global provider. Before
// InitTracer runs it is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// InitTracer installs a global tracer provider for serviceName and returns
// its shutdown function. The stdout exporter pretty-prints finished spans;
// "none" records spans without exporting them.
func InitTracer(serviceName, exporter string, logger *slog.Logger) (func(context.Context) error, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch exporter {
	case ExporterStdout, "":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case ExporterNone:
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", exporter)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry initialized",
		slog.String("service", serviceName),
		slog.String("exporter", exporter))

	return tp.Shutdown, nil
}
