package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	TraceExporter string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
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
	Clips       ClipsConfig      `yaml:"clips"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	Matcher     MatcherConfig    `yaml:"matcher"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Queue       QueueConfig      `yaml:"queue"`
	Rubric      RubricConfig     `yaml:"rubric"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	FrameBuffer    int      `yaml:"frame_buffer"`
}

// EventStoreConfig controls the processing-log audit timeline. Candidate
// state itself is always in memory; only the audit trail can outlive the process.
type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxCandidates int    `yaml:"max_candidates"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type ClipsConfig struct {
	Mode      string `yaml:"mode"` // memory, fs, minio
	Directory string `yaml:"directory"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type STTConfig struct {
	Mode       string `yaml:"mode"` // mock, exec, http
	Command    string `yaml:"command"`
	Endpoint   string `yaml:"endpoint"`
	ModelPath  string `yaml:"model_path"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type LLMConfig struct {
	Mode          string  `yaml:"mode"` // mock, ollama, exec, gemini
	Endpoint      string  `yaml:"endpoint"`
	Command       string  `yaml:"command"`
	APIKey        string  `yaml:"api_key"`
	ModelFast     string  `yaml:"model_fast"`
	ModelBalanced string  `yaml:"model_balanced"`
	DefaultTier   string  `yaml:"default_tier"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
}

type SegmenterConfig struct {
	SampleRate    int     `yaml:"sample_rate"`
	WindowMS      int     `yaml:"window_ms"`
	HoldMS        int     `yaml:"hold_ms"`
	HangoverMS    int     `yaml:"hangover_ms"`
	LoudnessFloor float64 `yaml:"loudness_floor"`
	Slots         int     `yaml:"slots"`
	TurnBuffer    int     `yaml:"turn_buffer"`
}

type MatcherConfig struct {
	Threshold     float64 `yaml:"threshold"`
	QuestionsPath string  `yaml:"questions_path"`
}

type PipelineConfig struct {
	NormalizeRetryBound int  `yaml:"normalize_retry_bound"`
	RubricRetryEnabled  bool `yaml:"rubric_retry_enabled"`
	RubricRetryBound    int  `yaml:"rubric_retry_bound"`
	JudgeMaxAttempts    int  `yaml:"judge_max_attempts"`
	RetryBackoffMS      int  `yaml:"retry_backoff_ms"`
}

type QueueConfig struct {
	DrainTimeoutMS int `yaml:"drain_timeout_ms"`
}

type RubricConfig struct {
	Path string `yaml:"path"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-interview",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			TraceExporter: "none",
			OTLPEndpoint:  "",
			OTLPInsecure:  true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			FrameBuffer:    64,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/interview-audit.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxCandidates: 10000,
		},
		Clips: ClipsConfig{
			Mode:      "memory",
			Directory: "./data/clips",
			Bucket:    "interview-clips",
		},
		STT: STTConfig{
			Mode:       "mock",
			SampleRate: 16000,
			Channels:   1,
			TimeoutMS:  45000,
		},
		LLM: LLMConfig{
			Mode:          "mock",
			Endpoint:      "http://localhost:11434",
			ModelFast:     "llama3.2:latest",
			ModelBalanced: "llama3.2:latest",
			DefaultTier:   "balanced",
			MaxTokens:     1024,
			Temperature:   0,
		},
		Segmenter: SegmenterConfig{
			SampleRate:    16000,
			WindowMS:      100,
			HoldMS:        200,
			HangoverMS:    300,
			LoudnessFloor: 500,
			Slots:         2,
			TurnBuffer:    32,
		},
		Matcher: MatcherConfig{
			Threshold: 0.8,
		},
		Pipeline: PipelineConfig{
			NormalizeRetryBound: 1,
			RubricRetryEnabled:  false,
			RubricRetryBound:    1,
			JudgeMaxAttempts:    2,
			RetryBackoffMS:      200,
		},
		Queue: QueueConfig{
			DrainTimeoutMS: 30000,
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

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.FrameBuffer, "LOQA_BUS_FRAME_BUFFER")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxCandidates, "LOQA_EVENT_STORE_MAX_CANDIDATES")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Clips.Mode, "LOQA_CLIPS_MODE")
	overrideString(&cfg.Clips.Directory, "LOQA_CLIPS_DIRECTORY")
	overrideString(&cfg.Clips.Endpoint, "LOQA_CLIPS_ENDPOINT")
	overrideString(&cfg.Clips.AccessKey, "LOQA_CLIPS_ACCESS_KEY")
	overrideString(&cfg.Clips.SecretKey, "LOQA_CLIPS_SECRET_KEY")
	overrideString(&cfg.Clips.Bucket, "LOQA_CLIPS_BUCKET")
	overrideBool(&cfg.Clips.UseSSL, "LOQA_CLIPS_USE_SSL")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.ModelFast, "LOQA_LLM_MODEL_FAST")
	overrideString(&cfg.LLM.ModelBalanced, "LOQA_LLM_MODEL_BALANCED")
	overrideString(&cfg.LLM.DefaultTier, "LOQA_LLM_DEFAULT_TIER")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.Segmenter.SampleRate, "LOQA_SEGMENTER_SAMPLE_RATE")
	overrideInt(&cfg.Segmenter.WindowMS, "LOQA_SEGMENTER_WINDOW_MS")
	overrideInt(&cfg.Segmenter.HoldMS, "LOQA_SEGMENTER_HOLD_MS")
	overrideInt(&cfg.Segmenter.HangoverMS, "LOQA_SEGMENTER_HANGOVER_MS")
	overrideFloat(&cfg.Segmenter.LoudnessFloor, "LOQA_SEGMENTER_LOUDNESS_FLOOR")
	overrideInt(&cfg.Segmenter.Slots, "LOQA_SEGMENTER_SLOTS")
	overrideInt(&cfg.Segmenter.TurnBuffer, "LOQA_SEGMENTER_TURN_BUFFER")
	overrideFloat(&cfg.Matcher.Threshold, "LOQA_MATCHER_THRESHOLD")
	overrideString(&cfg.Matcher.QuestionsPath, "LOQA_MATCHER_QUESTIONS_PATH")
	overrideInt(&cfg.Pipeline.NormalizeRetryBound, "LOQA_PIPELINE_NORMALIZE_RETRY_BOUND")
	overrideBool(&cfg.Pipeline.RubricRetryEnabled, "LOQA_PIPELINE_RUBRIC_RETRY_ENABLED")
	overrideInt(&cfg.Pipeline.RubricRetryBound, "LOQA_PIPELINE_RUBRIC_RETRY_BOUND")
	overrideInt(&cfg.Pipeline.JudgeMaxAttempts, "LOQA_PIPELINE_JUDGE_MAX_ATTEMPTS")
	overrideInt(&cfg.Pipeline.RetryBackoffMS, "LOQA_PIPELINE_RETRY_BACKOFF_MS")
	overrideInt(&cfg.Queue.DrainTimeoutMS, "LOQA_QUEUE_DRAIN_TIMEOUT_MS")
	overrideString(&cfg.Rubric.Path, "LOQA_RUBRIC_PATH")
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
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint is required when trace_exporter is otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.FrameBuffer <= 0 {
			return errors.New("bus.frame_buffer must be positive")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Clips.Mode {
	case "memory":
	case "fs":
		if cfg.Clips.Directory == "" {
			return errors.New("clips.directory must be set when mode=fs")
		}
	case "minio":
		if cfg.Clips.Endpoint == "" || cfg.Clips.Bucket == "" {
			return errors.New("clips.endpoint and clips.bucket must be set when mode=minio")
		}
	default:
		return errors.New("clips.mode must be one of memory|fs|minio")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "http":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=http")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|http")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	switch cfg.LLM.Mode {
	case "mock":
	case "ollama":
		if cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
	case "exec":
		if cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	case "gemini":
		if cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=gemini")
		}
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec|gemini")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.Segmenter.SampleRate <= 0 {
		return errors.New("segmenter.sample_rate must be positive")
	}
	if cfg.Segmenter.WindowMS <= 0 {
		return errors.New("segmenter.window_ms must be positive")
	}
	if cfg.Segmenter.HoldMS < 0 || cfg.Segmenter.HangoverMS < 0 {
		return errors.New("segmenter.hold_ms and segmenter.hangover_ms must be >= 0")
	}
	if cfg.Segmenter.Slots <= 0 {
		return errors.New("segmenter.slots must be >= 1")
	}
	if cfg.Segmenter.TurnBuffer <= 0 {
		return errors.New("segmenter.turn_buffer must be >= 1")
	}
	if cfg.Matcher.Threshold <= 0 || cfg.Matcher.Threshold > 1 {
		return errors.New("matcher.threshold must be in (0, 1]")
	}
	if cfg.Pipeline.NormalizeRetryBound < 0 {
		return errors.New("pipeline.normalize_retry_bound must be >= 0")
	}
	if cfg.Pipeline.RubricRetryBound < 0 {
		return errors.New("pipeline.rubric_retry_bound must be >= 0")
	}
	if cfg.Pipeline.JudgeMaxAttempts <= 0 {
		return errors.New("pipeline.judge_max_attempts must be >= 1")
	}
	if cfg.Pipeline.RetryBackoffMS < 0 {
		return errors.New("pipeline.retry_backoff_ms must be >= 0")
	}
	return nil
}
