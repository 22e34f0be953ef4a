package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitTracer_NoEndpointIsNoop(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := InitTracer(context.Background(), "", "onstride", "test")
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Error("global provider replaced without an endpoint")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInitTracer_InstallsSDKProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	shutdown, err := InitTracer(context.Background(), "http://127.0.0.1:4318/v1/traces", "onstride", "test")
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Errorf("global provider = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
