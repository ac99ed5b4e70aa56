package tracing

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracer_DisabledInstallsPropagatorOnly(t *testing.T) {
	prev := otel.GetTracerProvider()

	shutdown, err := InitTracer(context.Background(), Config{ServiceName: "promoflow"})
	if err != nil {
		t.Fatalf("InitTracer(disabled) returned error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
	if otel.GetTracerProvider() != prev {
		t.Error("disabled tracing must not replace the tracer provider")
	}

	fields := otel.GetTextMapPropagator().Fields()
	if !contains(fields, "traceparent") {
		t.Errorf("propagator fields = %v, want traceparent", fields)
	}
}

func TestInitTracer_Enabled(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := InitTracer(context.Background(), Config{
		ServiceName:    "promoflow",
		ServiceVersion: "test",
		Environment:    "test",
		OTLPEndpoint:   "localhost:4318",
		SampleRate:     0.5,
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("InitTracer(enabled) returned error: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if otel.GetTracerProvider() == prev {
		t.Error("enabled tracing should install a new tracer provider")
	}
}

func TestSampler(t *testing.T) {
	cases := map[float64]string{
		1:    "AlwaysOnSampler",
		2:    "AlwaysOnSampler",
		0:    "AlwaysOffSampler",
		-1:   "AlwaysOffSampler",
		0.25: "TraceIDRatioBased",
	}
	for rate, want := range cases {
		if got := Sampler(rate).Description(); !strings.HasPrefix(got, want) {
			t.Errorf("Sampler(%v) = %q, want prefix %q", rate, got, want)
		}
	}
}

func TestTracer(t *testing.T) {
	if Tracer("promoflow") == nil {
		t.Fatal("Tracer returned nil")
	}
}

func contains(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}
