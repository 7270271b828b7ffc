package otel

import (
	"context"
	"testing"
)

func TestConfigFromEnv(t *testing.T) {
	env := map[string]string{
		"OTEL_EXPORTER_OTLP_ENDPOINT": " collector:4318 ",
		"OTEL_EXPORTER_OTLP_HEADERS":  "api-key=abc, =skip,broken",
		"OTEL_EXPORTER_OTLP_INSECURE": "false",
	}
	cfg := ConfigFromEnv("escrowd", "prod", func(k string) string { return env[k] })
	if cfg.Endpoint != "collector:4318" || cfg.Insecure || !cfg.Traces || !cfg.Metrics {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Headers) != 1 || cfg.Headers["api-key"] != "abc" {
		t.Fatalf("headers = %v", cfg.Headers)
	}

	off := ConfigFromEnv("escrowd", "", func(string) string { return "" })
	if off.Traces || off.Metrics {
		t.Fatalf("telemetry enabled without endpoint: %+v", off)
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "escrowd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
}
