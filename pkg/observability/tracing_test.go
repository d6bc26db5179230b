package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestInitTracing_Disabled(t *testing.T) {
	if err := InitTracing(TracingConfig{Enabled: false}); err != nil {
		t.Fatalf("InitTracing disabled: %v", err)
	}

	// Spans still work against the noop provider.
	ctx, span := StartSpan(context.Background(), "session.commit", map[string]any{
		"session_id": "sess_01",
		"cycles":     3,
	})
	if ctx == nil {
		t.Fatal("StartSpan returned nil context")
	}
	if span == nil {
		t.Fatal("StartSpan returned nil span")
	}
	if span.Name() != "session.commit" {
		t.Errorf("span name = %q, want session.commit", span.Name())
	}

	span.SetAttribute("episode_count", 4)
	span.SetError(errors.New("graph unavailable"))
	span.End()
	span.End()
}

func TestInitTracing_UnknownExporter(t *testing.T) {
	err := InitTracing(TracingConfig{Enabled: true, ExporterType: "jaeger"})
	if err == nil {
		t.Fatal("expected error for unknown exporter type")
	}
}

func TestInitTracing_Stdout(t *testing.T) {
	if err := InitTracing(TracingConfig{
		ServiceName:  "epigraph-test",
		Enabled:      true,
		ExporterType: "stdout",
	}); err != nil {
		t.Fatalf("InitTracing stdout: %v", err)
	}

	ctx, span := StartSpanWithOtel(context.Background(), "research.batch")
	if ctx == nil || span == nil {
		t.Fatal("StartSpanWithOtel returned nil")
	}
	span.SetAttributes(attribute.Int("roles", 3))
	span.End()

	if err := ShutdownTracing(context.Background()); err != nil {
		t.Fatalf("ShutdownTracing: %v", err)
	}
}

func TestShutdownTracing_NotInitialized(t *testing.T) {
	saved := tracerProvider
	tracerProvider = nil
	defer func() { tracerProvider = saved }()

	if err := ShutdownTracing(context.Background()); err != nil {
		t.Errorf("ShutdownTracing without init: %v", err)
	}
}

func TestConvertToAttribute(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  attribute.KeyValue
	}{
		{"string", "claude-sonnet-4-5", attribute.String("k", "claude-sonnet-4-5")},
		{"int", 42, attribute.Int("k", 42)},
		{"int64", int64(9), attribute.Int64("k", 9)},
		{"float64", 0.7, attribute.Float64("k", 0.7)},
		{"bool", true, attribute.Bool("k", true)},
		{"fallback", []string{"a"}, attribute.String("k", "[a]")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := convertToAttribute("k", tt.value)
			if got != tt.want {
				t.Errorf("convertToAttribute(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]string
	}{
		{"empty", "", nil},
		{"single", "authorization=Bearer tok", map[string]string{"authorization": "Bearer tok"}},
		{"multiple", "a=1, b=2", map[string]string{"a": "1", "b": "2"}},
		{"malformed pair skipped", "a=1,nonsense,b=2", map[string]string{"a": "1", "b": "2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseHeaders(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("parseHeaders(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parseHeaders(%q)[%q] = %q, want %q", tt.input, k, got[k], v)
				}
			}
		})
	}
}

func TestInitTracingFromEnv(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("OTEL_SERVICE_NAME", "")

	if err := InitTracingFromEnv(); err != nil {
		t.Fatalf("InitTracingFromEnv: %v", err)
	}
}
