package observability

import (
	"context"
	"testing"
)

func TestInitTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}); err == nil {
		t.Fatal("expected unsupported exporter error")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "collector:4317"); got != "collector:4317" {
		t.Fatalf("unexpected %q", got)
	}
	if got := valueOrFallback("", "vncmux"); got != "vncmux" {
		t.Fatalf("unexpected %q", got)
	}
}
