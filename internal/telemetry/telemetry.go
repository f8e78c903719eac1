package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// Options selects the trace exporter and describes the running service.
// An empty Endpoint disables tracing.
type Options struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// Endpoint is host:port, or a full http(s) URL.
	Endpoint string
	Insecure bool
	// SampleRatio applies to root spans; child spans follow their parent.
	SampleRatio float64
}

// Setup installs a global tracer provider and W3C propagators. The returned
// func flushes pending spans and stops the exporter.
func Setup(ctx context.Context, options Options, logger *zap.Logger) (func(context.Context) error, error) {
	if options.Endpoint == "" {
		logger.Debug("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx, exporterOptions(options)...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(resourceAttributes(options)...),
	)
	if err != nil {
		// A partial resource is still usable.
		logger.Warn("otel resource error", zap.Error(err))
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(sampler(options.SampleRatio)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	logger.Info("tracing enabled",
		zap.String("endpoint", options.Endpoint),
		zap.Float64("sample_ratio", options.SampleRatio))

	return provider.Shutdown, nil
}

func exporterOptions(options Options) []otlptracegrpc.Option {
	var opts []otlptracegrpc.Option
	if strings.HasPrefix(options.Endpoint, "http://") || strings.HasPrefix(options.Endpoint, "https://") {
		opts = append(opts, otlptracegrpc.WithEndpointURL(options.Endpoint))
	} else {
		opts = append(opts, otlptracegrpc.WithEndpoint(options.Endpoint))
	}
	if options.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

func resourceAttributes(options Options) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(options.ServiceName)}
	if options.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(options.ServiceVersion))
	}
	if options.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(options.Environment))
	}
	return attrs
}

func sampler(ratio float64) trace.Sampler {
	switch {
	case ratio >= 1:
		return trace.ParentBased(trace.AlwaysSample())
	case ratio <= 0:
		return trace.ParentBased(trace.NeverSample())
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}
