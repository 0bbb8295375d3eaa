package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNewJSONCarriesServiceAndTrace(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Format: FormatJSON, Level: "debug", Writer: &buf, Environment: "test", Version: "v0.0.1"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, traceID, spanID := WithTraceAndSpan(context.Background())
	l.WithComponent("session").InfoContext(ctx, "session started", "port", 6081)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	checks := map[string]string{
		"service":   "vncmux",
		"component": "session",
		"env":       "test",
		"version":   "v0.0.1",
		"trace_id":  traceID,
		"span_id":   spanID,
	}
	for key, want := range checks {
		if got, _ := entry[key].(string); got != want {
			t.Fatalf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "warn", Writer: &buf})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.Info("hidden")
	l.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	if _, err := New(Config{Level: "verbose"}); err == nil {
		t.Fatal("expected level error")
	}
	if _, err := New(Config{Format: "xml"}); err == nil {
		t.Fatal("expected format error")
	}
}

func TestTraceIDsAreHex(t *testing.T) {
	if got := NewTraceID(); len(got) != 32 {
		t.Fatalf("trace id %q has length %d", got, len(got))
	}
	if got := NewSpanID(); len(got) != 16 {
		t.Fatalf("span id %q has length %d", got, len(got))
	}
	if TraceIDFromContext(context.Background()) != "" {
		t.Fatal("empty context should carry no trace id")
	}
}

func TestContextPrefersOpenTelemetrySpan(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	ctx := ContextWithTrace(context.Background(), "ignored")
	ctx = trace.ContextWithSpanContext(ctx, sc)

	if got := TraceIDFromContext(ctx); got != traceID.String() {
		t.Fatalf("trace id = %q, want %q", got, traceID.String())
	}
	if got := SpanIDFromContext(ctx); got != spanID.String() {
		t.Fatalf("span id = %q, want %q", got, spanID.String())
	}

	decorated, gotTrace, gotSpan := WithTraceAndSpan(trace.ContextWithSpanContext(context.Background(), sc))
	if gotTrace != traceID.String() {
		t.Fatalf("incoming trace id not kept: %q", gotTrace)
	}
	if gotSpan == "" || decorated == nil {
		t.Fatal("expected a span id")
	}
}
