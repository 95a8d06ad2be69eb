package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pipeline.Concurrency != 3 {
		t.Fatalf("expected default concurrency 3, got %d", cfg.Pipeline.Concurrency)
	}
	if cfg.Pipeline.MaxRetries != 5 {
		t.Fatalf("expected default max retries 5, got %d", cfg.Pipeline.MaxRetries)
	}
	if cfg.Transcriber.Mode != "mock" {
		t.Fatalf("expected default transcriber mode mock, got %s", cfg.Transcriber.Mode)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_STORE_PATH", "./tmp.db")
	t.Setenv("SCRIBE_TRANSCRIBER_MODE", "http")
	t.Setenv("SCRIBE_TRANSCRIBER_ENDPOINT", "https://stt.example.com/v1/audio/transcriptions")
	t.Setenv("SCRIBE_TRANSCRIBER_MODEL", "whisper-large-v3")
	t.Setenv("SCRIBE_PIPELINE_MAX_CONCURRENCY", "8")
	t.Setenv("SCRIBE_PIPELINE_MAX_RETRIES", "2")
	t.Setenv("SCRIBE_PIPELINE_BACKOFF_BASE_MS", "500")
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_CONNECTIVITY_ENABLED", "true")
	t.Setenv("SCRIBE_CONNECTIVITY_PROBE_URL", "https://stt.example.com/healthz")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Store.Path != "./tmp.db" {
		t.Fatalf("expected store path override")
	}
	if cfg.Transcriber.Mode != "http" || cfg.Transcriber.Endpoint == "" {
		t.Fatalf("expected transcriber overrides, got %+v", cfg.Transcriber)
	}
	if cfg.Transcriber.Model != "whisper-large-v3" {
		t.Fatalf("expected model override, got %s", cfg.Transcriber.Model)
	}
	if cfg.Pipeline.Concurrency != 8 {
		t.Fatalf("expected concurrency 8, got %d", cfg.Pipeline.Concurrency)
	}
	if cfg.Pipeline.MaxRetries != 2 {
		t.Fatalf("expected max retries 2, got %d", cfg.Pipeline.MaxRetries)
	}
	if cfg.Pipeline.BackoffBase != 500 {
		t.Fatalf("expected backoff base 500, got %d", cfg.Pipeline.BackoffBase)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if !cfg.Connectivity.Enabled || cfg.Connectivity.ProbeURL == "" {
		t.Fatalf("expected connectivity overrides, got %+v", cfg.Connectivity)
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	t.Setenv("SCRIBE_TRANSCRIBER_MODE", "carrier-pigeon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown transcriber mode")
	}
}

func TestValidateRequiresEndpointForHTTP(t *testing.T) {
	t.Setenv("SCRIBE_TRANSCRIBER_MODE", "http")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when http mode has no endpoint")
	}
}
