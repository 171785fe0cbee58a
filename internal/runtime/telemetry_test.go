package runtime

import (
	"context"
	"testing"

	"github.com/loqalabs/loqa-assist/internal/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestTraceExporterKind(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.TelemetryConfig
		want string
	}{
		{name: "default", cfg: config.TelemetryConfig{}, want: traceExporterNone},
		{name: "stdout flag", cfg: config.TelemetryConfig{StdoutTraces: true}, want: traceExporterStdout},
		{name: "otlp wins", cfg: config.TelemetryConfig{OTLPEndpoint: "collector:4317", StdoutTraces: true}, want: traceExporterOTLP},
		{name: "blank endpoint", cfg: config.TelemetryConfig{OTLPEndpoint: "   "}, want: traceExporterNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := traceExporterKind(tc.cfg); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestTelemetryResourceIdentifiesNode(t *testing.T) {
	cfg := config.Default()
	cfg.Node.ID = "kitchen-1"
	cfg.Node.Role = "satellite"

	res, err := telemetryResource(context.Background(), cfg, "1.2.3")
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	set := res.Set()
	want := map[attribute.Key]string{
		semconv.ServiceNameKey:    cfg.RuntimeName,
		semconv.ServiceVersionKey: "1.2.3",
		attrNodeID:                "kitchen-1",
		attrNodeRole:              "satellite",
		"deployment.environment":  cfg.Environment,
	}
	for key, value := range want {
		got, ok := set.Value(key)
		if !ok || got.AsString() != value {
			t.Fatalf("expected %s=%q, got %q (present %v)", key, value, got.AsString(), ok)
		}
	}
}

func TestMetricViewsDropUnboundedAttributes(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(meterProviderOptions(resource.Empty(), reader)...)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	meter := provider.Meter("test")
	attempts, err := meter.Int64Counter("loqa.speech.attempts")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	sessions, err := meter.Int64Counter("loqa.stream.sessions")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	other, err := meter.Int64Counter("loqa.capabilities.announces")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}

	attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", "native"),
		attribute.String("outcome", "ok"),
		attribute.String("session.id", "a"),
	))
	attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", "native"),
		attribute.String("outcome", "ok"),
		attribute.String("session.id", "b"),
	))
	sessions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", "poll"),
		attribute.String("outcome", "completed"),
		attribute.String("stream.id", "s-1"),
	))
	other.Add(ctx, 1, metric.WithAttributes(attribute.String("node", "n1")))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	points := map[string][]metricdata.DataPoint[int64]{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected aggregation for %s: %T", m.Name, m.Data)
			}
			points[m.Name] = sum.DataPoints
		}
	}

	speech := points["loqa.speech.attempts"]
	if len(speech) != 1 || speech[0].Value != 2 {
		t.Fatalf("expected one merged attempts series with value 2, got %+v", speech)
	}
	if _, ok := speech[0].Attributes.Value("session.id"); ok {
		t.Fatal("session.id should be filtered from speech metrics")
	}
	if v, _ := speech[0].Attributes.Value("backend"); v.AsString() != "native" {
		t.Fatalf("expected backend attribute to survive, got %+v", speech[0].Attributes)
	}

	stream := points["loqa.stream.sessions"]
	if len(stream) != 1 {
		t.Fatalf("expected one sessions series, got %+v", stream)
	}
	if _, ok := stream[0].Attributes.Value("stream.id"); ok {
		t.Fatal("stream.id should be filtered from stream metrics")
	}
	if stream[0].Attributes.Len() != 2 {
		t.Fatalf("expected strategy and outcome only, got %+v", stream[0].Attributes)
	}

	rest := points["loqa.capabilities.announces"]
	if len(rest) != 1 {
		t.Fatalf("expected unfiltered instrument to be recorded, got %+v", rest)
	}
	if _, ok := rest[0].Attributes.Value("node"); !ok {
		t.Fatal("instruments outside the views should keep their attributes")
	}
}
