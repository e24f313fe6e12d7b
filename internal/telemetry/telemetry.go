// Package telemetry exports relay traces over OTLP gRPC. Completion
// requests, platform calls and webhook handling open spans on the global
// tracer provider installed here.
package telemetry

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentoven/chatrelay/internal/config"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const defaultServiceName = "chatrelay"

// Shutdown flushes pending spans and stops the exporter.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs the tracer provider described by cfg. With tracing
// disabled the global no-op provider stays in place.
func Init(ctx context.Context, cfg config.TelemetryConfig, version string) (Shutdown, error) {
	if !cfg.Enabled || cfg.OTLPEndpoint == "" {
		log.Debug().Msg("Tracing disabled")
		return noop, nil
	}

	exporter, err := otlptracegrpc.New(ctx, exporterOptions(cfg.OTLPEndpoint)...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(ServiceName(cfg)),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("endpoint", cfg.OTLPEndpoint).
		Str("service", ServiceName(cfg)).
		Float64("sample_ratio", cfg.SampleRatio).
		Msg("📡 Tracing initialized")

	return tp.Shutdown, nil
}

// ServiceName is the OTEL_SERVICE_NAME of the relay, "chatrelay" when unset.
func ServiceName(cfg config.TelemetryConfig) string {
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		return name
	}
	return defaultServiceName
}

// Sampler honors the sampling decision of an incoming parent and records
// ratio of new root traces.
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// exporterOptions dials a bare host:port in plaintext; a URL endpoint lets
// its scheme decide (http is plaintext, https uses TLS).
func exporterOptions(endpoint string) []otlptracegrpc.Option {
	if strings.Contains(endpoint, "://") {
		return []otlptracegrpc.Option{otlptracegrpc.WithEndpointURL(endpoint)}
	}
	return []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	}
}
