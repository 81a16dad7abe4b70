package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-caption/internal/protocol"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceExporter  string `yaml:"trace_exporter"` // none, stdout; ignored when otlp_endpoint is set
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	Frames      FramesConfig     `yaml:"frames"`
	Model       ModelConfig      `yaml:"model"`
	Session     SessionConfig    `yaml:"session"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	PublishEvents  bool     `yaml:"publish_events"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig selects and shapes the capture source.
type AudioConfig struct {
	Mode       string `yaml:"mode"` // tone, wav, bus
	SampleRate int    `yaml:"sample_rate"`
	BlockSize  int    `yaml:"block_size"`
	WAVPath    string `yaml:"wav_path"`
	Loop       bool   `yaml:"loop"`
	DeviceID   string `yaml:"device_id"`
	ToneHz     int    `yaml:"tone_hz"`
}

type FramesConfig struct {
	WindowMS       int    `yaml:"window_ms"`
	OverlapMS      int    `yaml:"overlap_ms"`
	QueueSize      int    `yaml:"queue_size"`
	OverflowPolicy string `yaml:"overflow_policy"` // drop_oldest, drop_newest
}

type ModelConfig struct {
	Mode            string  `yaml:"mode"` // mock, exec
	Command         string  `yaml:"command"`
	ModelPath       string  `yaml:"model_path"`
	Language        string  `yaml:"language"`
	LoadTimeoutMS   int     `yaml:"load_timeout_ms"`
	InferTimeoutMS  int     `yaml:"infer_timeout_ms"`
	SilenceRMS      float64 `yaml:"silence_rms"`
	MockLoadDelayMS int     `yaml:"mock_load_delay_ms"`
}

type SessionConfig struct {
	DisplayDuration string `yaml:"display_duration"` // until_next or milliseconds
	Autostart       bool   `yaml:"autostart"`
}

// WindowSamples converts the window length to samples at the given rate.
func (f FramesConfig) WindowSamples(sampleRate int) int {
	return f.WindowMS * sampleRate / 1000
}

// OverlapSamples converts the overlap length to samples at the given rate.
func (f FramesConfig) OverlapSamples(sampleRate int) int {
	return f.OverlapMS * sampleRate / 1000
}

// Duration returns the display duration applied to outputs that carry none.
func (s SessionConfig) Duration() protocol.Duration {
	d, err := protocol.ParseDuration(s.DisplayDuration)
	if err != nil {
		return protocol.UntilNext
	}
	return d
}

func (m ModelConfig) LoadTimeout() time.Duration {
	return time.Duration(m.LoadTimeoutMS) * time.Millisecond
}

func (m ModelConfig) InferTimeout() time.Duration {
	return time.Duration(m.InferTimeoutMS) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-caption",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			TraceExporter:  "none",
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			PublishEvents:  true,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-captions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Audio: AudioConfig{
			Mode:       "tone",
			SampleRate: 16000,
			BlockSize:  128,
			Loop:       true,
			DeviceID:   "default",
			ToneHz:     440,
		},
		Frames: FramesConfig{
			WindowMS:       1000,
			OverlapMS:      0,
			QueueSize:      4,
			OverflowPolicy: "drop_oldest",
		},
		Model: ModelConfig{
			Mode:            "mock",
			Language:        "en",
			LoadTimeoutMS:   60000,
			InferTimeoutMS:  45000,
			SilenceRMS:      0.01,
			MockLoadDelayMS: 200,
		},
		Session: SessionConfig{
			DisplayDuration: "until_next",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseLogLevel maps telemetry.log_level onto slog levels. Unknown values mean info.
func ParseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.PublishEvents, "LOQA_BUS_PUBLISH_EVENTS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Mode, "LOQA_AUDIO_MODE")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.BlockSize, "LOQA_AUDIO_BLOCK_SIZE")
	overrideString(&cfg.Audio.WAVPath, "LOQA_AUDIO_WAV_PATH")
	overrideBool(&cfg.Audio.Loop, "LOQA_AUDIO_LOOP")
	overrideString(&cfg.Audio.DeviceID, "LOQA_AUDIO_DEVICE_ID")
	overrideInt(&cfg.Audio.ToneHz, "LOQA_AUDIO_TONE_HZ")
	overrideInt(&cfg.Frames.WindowMS, "LOQA_FRAMES_WINDOW_MS")
	overrideInt(&cfg.Frames.OverlapMS, "LOQA_FRAMES_OVERLAP_MS")
	overrideInt(&cfg.Frames.QueueSize, "LOQA_FRAMES_QUEUE_SIZE")
	overrideString(&cfg.Frames.OverflowPolicy, "LOQA_FRAMES_OVERFLOW_POLICY")
	overrideString(&cfg.Model.Mode, "LOQA_MODEL_MODE")
	overrideString(&cfg.Model.Command, "LOQA_MODEL_COMMAND")
	overrideString(&cfg.Model.ModelPath, "LOQA_MODEL_PATH")
	overrideString(&cfg.Model.Language, "LOQA_MODEL_LANGUAGE")
	overrideInt(&cfg.Model.LoadTimeoutMS, "LOQA_MODEL_LOAD_TIMEOUT_MS")
	overrideInt(&cfg.Model.InferTimeoutMS, "LOQA_MODEL_INFER_TIMEOUT_MS")
	overrideFloat(&cfg.Model.SilenceRMS, "LOQA_MODEL_SILENCE_RMS")
	overrideInt(&cfg.Model.MockLoadDelayMS, "LOQA_MODEL_MOCK_LOAD_DELAY_MS")
	overrideString(&cfg.Session.DisplayDuration, "LOQA_SESSION_DISPLAY_DURATION")
	overrideBool(&cfg.Session.Autostart, "LOQA_SESSION_AUTOSTART")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "none", "stdout":
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Audio.Mode {
	case "tone":
	case "wav":
		if cfg.Audio.WAVPath == "" {
			return errors.New("audio.wav_path must be set when mode=wav")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("bus.enabled must be true when audio.mode=bus")
		}
		if cfg.Audio.DeviceID == "" {
			return errors.New("audio.device_id must be set when mode=bus")
		}
	default:
		return errors.New("audio.mode must be one of tone|wav|bus")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.BlockSize <= 0 {
		return errors.New("audio.block_size must be positive")
	}
	if cfg.Frames.WindowSamples(cfg.Audio.SampleRate) <= 0 {
		return errors.New("frames.window_ms must be positive")
	}
	if cfg.Frames.OverlapMS < 0 || cfg.Frames.OverlapMS >= cfg.Frames.WindowMS {
		return errors.New("frames.overlap_ms must be >= 0 and shorter than frames.window_ms")
	}
	if cfg.Frames.QueueSize <= 0 {
		return errors.New("frames.queue_size must be >= 1")
	}
	switch cfg.Frames.OverflowPolicy {
	case "drop_oldest", "drop_newest":
	default:
		return errors.New("frames.overflow_policy must be one of drop_oldest|drop_newest")
	}
	switch cfg.Model.Mode {
	case "mock":
	case "exec":
		if cfg.Model.Command == "" {
			return errors.New("model.command must be set when mode=exec")
		}
	default:
		return errors.New("model.mode must be one of mock|exec")
	}
	if cfg.Model.LoadTimeoutMS <= 0 {
		return errors.New("model.load_timeout_ms must be positive")
	}
	if cfg.Model.InferTimeoutMS <= 0 {
		return errors.New("model.infer_timeout_ms must be positive")
	}
	if cfg.Model.SilenceRMS < 0 {
		return errors.New("model.silence_rms must be >= 0")
	}
	if _, err := protocol.ParseDuration(cfg.Session.DisplayDuration); err != nil {
		return fmt.Errorf("session.display_duration: %w", err)
	}
	return nil
}
