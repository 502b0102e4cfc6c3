// Package observability installs the process-wide OpenTelemetry tracer
// provider that exports spans over OTLP gRPC.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type Config struct {
	ServiceName string
	Version     string
	Role        string
	// Endpoint is the collector host:port. Empty disables export.
	Endpoint string
	// SampleRatio is applied to root spans; children follow their parent.
	SampleRatio float64
}

// TracerProvider holds the configured provider so it can be injected.
type TracerProvider struct {
	provider *trace.TracerProvider
	logger   *slog.Logger
}

// NewTracerProvider installs the global tracer provider and propagator.
// Without an endpoint spans are sampled but never exported. The returned
// function flushes and shuts the provider down.
func NewTracerProvider(ctx context.Context, cfg Config, logger *slog.Logger) (*TracerProvider, func(), error) {
	logger = logger.With("layer", "observability", "component", "tracer")

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
		semconv.ServiceInstanceID(os.Getenv("HOSTNAME")),
		semconv.ServiceNamespace("dispatch"),
	)

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	opts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(ratio))),
	}

	var conn *grpc.ClientConn
	if cfg.Endpoint != "" {
		var err error
		conn, err = grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		opts = append(opts, trace.WithBatcher(exporter))
	}

	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	logger.Info("tracer provider initialized",
		slog.String("service", cfg.ServiceName),
		slog.String("role", cfg.Role),
		slog.Bool("exporting", conn != nil))

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("failed to shut down tracer provider", slog.Any("error", err))
		}
		if conn != nil {
			if err := conn.Close(); err != nil {
				logger.Error("failed to close collector connection", slog.Any("error", err))
			}
		}
	}
	return &TracerProvider{provider: tp, logger: logger}, cleanup, nil
}

func (t *TracerProvider) Provider() *trace.TracerProvider {
	return t.provider
}
