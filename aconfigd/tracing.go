package aconfigd

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this package's spans in whatever backend collects
// them.
const tracerName = "github.com/flagstore/aconfigd"

// NewTracerProvider builds an OTLP-over-gRPC exporting trace provider when
// collectorEndpoint is non-empty, otherwise the SDK's default no-op-free
// provider with no exporter registered (spans are created and discarded).
// Either way the daemon's request path creates the same spans; whether
// anything is listening on the other end of otlptracegrpc is a deployment
// concern, not a code-path branch.
func NewTracerProvider(ctx context.Context, collectorEndpoint string) (*sdktrace.TracerProvider, error) {
	if collectorEndpoint == "" {
		return sdktrace.NewTracerProvider(), nil
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(collectorEndpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter)), nil
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
