package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-assist/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	traceExporterOTLP   = "otlp"
	traceExporterStdout = "stdout"
	traceExporterNone   = "none"
)

// Resource attribute keys identifying the node a signal came from.
const (
	attrNodeID   = attribute.Key("loqa.node.id")
	attrNodeRole = attribute.Key("loqa.node.role")
)

func setupTelemetry(cfg config.Config, version string, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := telemetryResource(ctx, cfg, version)
	if err != nil {
		return nil, nil, err
	}

	traceProvider, err := initTracer(ctx, cfg.Telemetry, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler := initMetrics(res, logger)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := traceProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return shutdown, metricHandler, nil
}

// telemetryResource tags every span and metric with the service build and
// the capability node that produced it.
func telemetryResource(ctx context.Context, cfg config.Config, version string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		attribute.String("deployment.environment", cfg.Environment),
		attrNodeID.String(cfg.Node.ID),
	}
	if version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	if cfg.Node.Role != "" {
		attrs = append(attrs, attrNodeRole.String(cfg.Node.Role))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// traceExporterKind picks the span exporter. An OTLP endpoint wins; stdout
// output is opt-in since it writes pretty-printed spans next to the JSON logs.
func traceExporterKind(cfg config.TelemetryConfig) string {
	switch {
	case strings.TrimSpace(cfg.OTLPEndpoint) != "":
		return traceExporterOTLP
	case cfg.StdoutTraces:
		return traceExporterStdout
	default:
		return traceExporterNone
	}
}

func initTracer(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	kind := traceExporterKind(cfg)
	switch kind {
	case traceExporterOTLP:
		endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, clientOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Info("telemetry initialized", slog.String("exporter", kind), slog.String("endpoint", endpoint))
	case traceExporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Info("telemetry initialized", slog.String("exporter", kind))
	default:
		logger.Info("telemetry initialized without span export", slog.String("exporter", kind))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// metricViews bounds the label sets of the speech and stream instruments so
// per-session values never become metric dimensions.
func metricViews() []sdkmetric.View {
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "loqa.speech.*"},
			sdkmetric.Stream{AttributeFilter: attribute.NewAllowKeysFilter("backend", "outcome", "code")},
		),
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "loqa.stream.*"},
			sdkmetric.Stream{AttributeFilter: attribute.NewAllowKeysFilter("kind", "strategy", "outcome")},
		),
	}
}

func meterProviderOptions(res *resource.Resource, reader sdkmetric.Reader) []sdkmetric.Option {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithView(metricViews()...),
	}
	if reader != nil {
		opts = append(opts, sdkmetric.WithReader(reader))
	}
	return opts
}

func initMetrics(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(meterProviderOptions(res, nil)...), nil
	}
	return sdkmetric.NewMeterProvider(meterProviderOptions(res, promExporter)...), promhttp.Handler()
}
