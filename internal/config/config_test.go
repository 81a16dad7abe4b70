package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Frames.WindowSamples(cfg.Audio.SampleRate) != 16000 {
		t.Fatalf("expected 1s window at 16kHz, got %d", cfg.Frames.WindowSamples(cfg.Audio.SampleRate))
	}
	if !cfg.Session.Duration().UntilNext() {
		t.Fatalf("expected until_next display duration by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_AUDIO_MODE", "bus")
	t.Setenv("LOQA_AUDIO_DEVICE_ID", "kitchen")
	t.Setenv("LOQA_FRAMES_WINDOW_MS", "2000")
	t.Setenv("LOQA_FRAMES_OVERLAP_MS", "500")
	t.Setenv("LOQA_FRAMES_QUEUE_SIZE", "2")
	t.Setenv("LOQA_FRAMES_OVERFLOW_POLICY", "drop_newest")
	t.Setenv("LOQA_MODEL_SILENCE_RMS", "0.05")
	t.Setenv("LOQA_SESSION_DISPLAY_DURATION", "2000")

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
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Audio.Mode != "bus" || cfg.Audio.DeviceID != "kitchen" {
		t.Fatalf("expected audio overrides, got %+v", cfg.Audio)
	}
	if cfg.Frames.OverlapSamples(cfg.Audio.SampleRate) != 8000 {
		t.Fatalf("expected 8000 overlap samples, got %d", cfg.Frames.OverlapSamples(cfg.Audio.SampleRate))
	}
	if cfg.Frames.QueueSize != 2 || cfg.Frames.OverflowPolicy != "drop_newest" {
		t.Fatalf("expected frames overrides, got %+v", cfg.Frames)
	}
	if cfg.Model.SilenceRMS != 0.05 {
		t.Fatalf("expected silence rms override, got %v", cfg.Model.SilenceRMS)
	}
	if d, ok := cfg.Session.Duration().Value(); !ok || d != 2*time.Second {
		t.Fatalf("expected 2s display duration, got %v", cfg.Session.Duration())
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa.yaml")
	body := `runtime_name: captions-test
audio:
  mode: wav
  wav_path: ./speech.wav
model:
  mode: exec
  command: "whisper-cli --threads 2"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "captions-test" || cfg.Audio.WAVPath != "./speech.wav" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("expected defaults to survive partial file, got %d", cfg.Audio.SampleRate)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"overlap longer than window", func(c *Config) { c.Frames.OverlapMS = c.Frames.WindowMS }},
		{"zero queue", func(c *Config) { c.Frames.QueueSize = 0 }},
		{"blocking policy", func(c *Config) { c.Frames.OverflowPolicy = "block" }},
		{"exec without command", func(c *Config) { c.Model.Mode = "exec" }},
		{"wav without path", func(c *Config) { c.Audio.Mode = "wav" }},
		{"bus audio without bus", func(c *Config) { c.Audio.Mode = "bus" }},
		{"bad display duration", func(c *Config) { c.Session.DisplayDuration = "soon" }},
		{"zero block size", func(c *Config) { c.Audio.BlockSize = 0 }},
		{"unknown trace exporter", func(c *Config) { c.Telemetry.TraceExporter = "jaeger" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	if ParseLogLevel("debug") != slog.LevelDebug {
		t.Fatalf("expected debug level")
	}
	if ParseLogLevel("WARN") != slog.LevelWarn {
		t.Fatalf("expected warn level")
	}
	if ParseLogLevel("chatty") != slog.LevelInfo {
		t.Fatalf("expected info fallback")
	}
}
