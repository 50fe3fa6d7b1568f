package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Matcher.Threshold != 0.8 {
		t.Fatalf("expected default threshold 0.8, got %v", cfg.Matcher.Threshold)
	}
	if cfg.Pipeline.NormalizeRetryBound != 1 {
		t.Fatalf("expected normalize retry bound 1, got %d", cfg.Pipeline.NormalizeRetryBound)
	}
	if cfg.Pipeline.RubricRetryEnabled {
		t.Fatal("expected rubric retry disabled by default")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected ephemeral audit store by default, got %s", cfg.EventStore.RetentionMode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_CANDIDATES", "123")
	t.Setenv("LOQA_SEGMENTER_HANGOVER_MS", "450")
	t.Setenv("LOQA_SEGMENTER_LOUDNESS_FLOOR", "320.5")
	t.Setenv("LOQA_MATCHER_THRESHOLD", "0.75")
	t.Setenv("LOQA_PIPELINE_RUBRIC_RETRY_ENABLED", "true")
	t.Setenv("LOQA_PIPELINE_JUDGE_MAX_ATTEMPTS", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxCandidates != 123 {
		t.Fatalf("expected event store max candidates override")
	}
	if cfg.Segmenter.HangoverMS != 450 {
		t.Fatalf("expected hangover override, got %d", cfg.Segmenter.HangoverMS)
	}
	if cfg.Segmenter.LoudnessFloor != 320.5 {
		t.Fatalf("expected loudness floor override, got %v", cfg.Segmenter.LoudnessFloor)
	}
	if cfg.Matcher.Threshold != 0.75 {
		t.Fatalf("expected threshold override, got %v", cfg.Matcher.Threshold)
	}
	if !cfg.Pipeline.RubricRetryEnabled {
		t.Fatal("expected rubric retry override")
	}
	if cfg.Pipeline.JudgeMaxAttempts != 4 {
		t.Fatalf("expected judge attempts override, got %d", cfg.Pipeline.JudgeMaxAttempts)
	}
}

func TestLoadFileAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loqa.yaml")
	data := []byte(`
runtime_name: interview-test
llm:
  mode: exec
  command: "python3 judge.py --json"
segmenter:
  slots: 3
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "interview-test" || cfg.Segmenter.Slots != 3 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Segmenter.WindowMS != 100 {
		t.Fatalf("expected defaults to survive partial file, got window %d", cfg.Segmenter.WindowMS)
	}

	t.Setenv("LOQA_LLM_COMMAND", "")
	bad := []byte("llm:\n  mode: gemini\n")
	if err := os.WriteFile(path, bad, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected gemini without api key to fail validation")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestTraceExporterValidation(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry.TraceExporter != "none" {
		t.Fatalf("expected traces off by default, got %q", cfg.Telemetry.TraceExporter)
	}

	t.Setenv("LOQA_TELEMETRY_TRACE_EXPORTER", "otlp")
	if _, err := Load(""); err == nil {
		t.Fatal("expected otlp exporter without endpoint to fail validation")
	}
	t.Setenv("LOQA_TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	if _, err := Load(""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Setenv("LOQA_TELEMETRY_TRACE_EXPORTER", "jaeger")
	if _, err := Load(""); err == nil {
		t.Fatal("expected unknown exporter to fail validation")
	}
}
