package runtime

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/recorder"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestTelemetryResourceDescribesNode(t *testing.T) {
	cfg := config.Default()
	cfg.Node.ID = "kitchen"
	res, err := telemetryResource(context.Background(), cfg, "1.2.3")
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	want := map[attribute.Key]string{
		"service.name":            "loqa-recorder",
		"service.version":         "1.2.3",
		"service.instance.id":     "kitchen",
		"loqa.recorder.mime_type": "audio/webm;codecs=opus",
	}
	set := res.Set()
	for key, value := range want {
		got, ok := set.Value(key)
		if !ok || got.AsString() != value {
			t.Fatalf("expected %s=%q, got %q", key, value, got.AsString())
		}
	}
}

func TestCaptureDurationBuckets(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithView(recorderViews()...))
	defer provider.Shutdown(context.Background())

	hist, err := provider.Meter("test").Float64Histogram(recorder.MetricDuration)
	if err != nil {
		t.Fatalf("histogram: %v", err)
	}
	hist.Record(context.Background(), 420)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(rm.ScopeMetrics) != 1 || len(rm.ScopeMetrics[0].Metrics) != 1 {
		t.Fatalf("expected one metric, got %+v", rm.ScopeMetrics)
	}
	data, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Histogram[float64])
	if !ok || len(data.DataPoints) != 1 {
		t.Fatalf("expected a float histogram, got %T", rm.ScopeMetrics[0].Metrics[0].Data)
	}
	bounds := data.DataPoints[0].Bounds
	if len(bounds) != len(captureBucketsMS) || bounds[0] != 50 {
		t.Fatalf("unexpected bounds %v", bounds)
	}
}

func TestTraceSampler(t *testing.T) {
	cases := map[float64]string{
		1:   "ParentBased{root:AlwaysOnSampler",
		2:   "ParentBased{root:AlwaysOnSampler",
		0:   "ParentBased{root:AlwaysOffSampler",
		0.5: "ParentBased{root:TraceIDRatioBased{0.5}",
	}
	for ratio, prefix := range cases {
		if desc := traceSampler(ratio).Description(); !strings.HasPrefix(desc, prefix) {
			t.Fatalf("ratio %v: expected prefix %s, got %q", ratio, prefix, desc)
		}
	}
}

func TestInitMetricsServesPrometheus(t *testing.T) {
	res, err := telemetryResource(context.Background(), config.Default(), "test")
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	provider, handler := initMetrics(res, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer provider.Shutdown(context.Background())
	if handler == nil {
		t.Fatalf("expected a metrics handler")
	}
}
