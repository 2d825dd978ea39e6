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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind            string `yaml:"bind"`
	Port            int    `yaml:"port"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
	WriteTimeoutMS  int    `yaml:"write_timeout_ms"`
	PingIntervalMS  int    `yaml:"ping_interval_ms"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	STT         STTConfig        `yaml:"stt"`
	Translate   TranslateConfig  `yaml:"translate"`
	TTS         TTSConfig        `yaml:"tts"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	JetStream      bool     `yaml:"jetstream"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	MirrorEvents   bool     `yaml:"mirror_events"`
	// MaxPayload bounds a single bus message on the embedded server.
	// Synthesized clips travel as one reply, so it must fit the longest clip.
	MaxPayload int `yaml:"max_payload_bytes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// PipelineConfig bounds the batch orchestrator.
type PipelineConfig struct {
	Slots              int  `yaml:"slots"`
	MaxPending         int  `yaml:"max_pending"`
	STTTimeoutMS       int  `yaml:"stt_timeout_ms"`
	TranslateTimeoutMS int  `yaml:"translate_timeout_ms"`
	TTSTimeoutMS       int  `yaml:"tts_timeout_ms"`
	DrainTimeoutMS     int  `yaml:"drain_timeout_ms"`
	MetricsIntervalMS  int  `yaml:"metrics_interval_ms"`
	LatencyAlertMS     int  `yaml:"latency_alert_ms"`
	PacePlayback       bool `yaml:"pace_playback"`
}

// SegmenterProfile describes how utterances are cut for one translation mode.
type SegmenterProfile struct {
	MinChunkMS   int `yaml:"min_chunk_ms"`
	MaxChunkMS   int `yaml:"max_chunk_ms"`
	MinSilenceMS int `yaml:"min_silence_ms"`
	MinSpeechMS  int `yaml:"min_speech_ms"`
}

type SegmenterConfig struct {
	SampleRate      int              `yaml:"sample_rate"`
	FrameDurationMS int              `yaml:"frame_duration_ms"`
	Threshold       float64          `yaml:"threshold"`
	Contextual      SegmenterProfile `yaml:"contextual"`
	Literal         SegmenterProfile `yaml:"literal"`
}

type STTConfig struct {
	Mode       string `yaml:"mode"` // mock, exec, bus
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Serve      bool   `yaml:"serve"`
}

type TranslateConfig struct {
	Mode           string  `yaml:"mode"` // mock, ollama, exec, bus
	Endpoint       string  `yaml:"endpoint"`
	Command        string  `yaml:"command"`
	Model          string  `yaml:"model"`
	SourceLanguage string  `yaml:"source_language"`
	TargetLanguage string  `yaml:"target_language"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	ContextWindow  int     `yaml:"context_window"`
	ContextChars   int     `yaml:"context_max_chars"`
	MaxAttempts    int     `yaml:"max_attempts"`
	Serve          bool    `yaml:"serve"`
}

type TTSConfig struct {
	Mode            string  `yaml:"mode"` // mock, exec, bus
	Command         string  `yaml:"command"`
	Voice           string  `yaml:"voice"`
	VoicesDir       string  `yaml:"voices_dir"`
	Speed           float64 `yaml:"speed"`
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	ChunkDurationMS int     `yaml:"chunk_duration_ms"`
	Serve           bool    `yaml:"serve"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-interpreter",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:            "0.0.0.0",
			Port:            8080,
			MaxMessageBytes: 1 << 20,
			WriteTimeoutMS:  5000,
			PingIntervalMS:  20000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			MirrorEvents:   true,
			MaxPayload:     8 << 20,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/interpreter-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Pipeline: PipelineConfig{
			Slots:              3,
			MaxPending:         16,
			STTTimeoutMS:       30000,
			TranslateTimeoutMS: 30000,
			TTSTimeoutMS:       45000,
			DrainTimeoutMS:     20000,
			MetricsIntervalMS:  1000,
			LatencyAlertMS:     10000,
			PacePlayback:       true,
		},
		Segmenter: SegmenterConfig{
			SampleRate:      16000,
			FrameDurationMS: 100,
			Threshold:       0.015,
			Contextual: SegmenterProfile{
				MinChunkMS:   12000,
				MaxChunkMS:   18000,
				MinSilenceMS: 1000,
				MinSpeechMS:  500,
			},
			Literal: SegmenterProfile{
				MinChunkMS:   2000,
				MaxChunkMS:   5000,
				MinSilenceMS: 200,
				MinSpeechMS:  300,
			},
		},
		STT: STTConfig{
			Mode:       "mock",
			Language:   "en",
			SampleRate: 16000,
			Channels:   1,
		},
		Translate: TranslateConfig{
			Mode:           "mock",
			Endpoint:       "http://localhost:11434",
			Model:          "llama3.2:latest",
			SourceLanguage: "English",
			TargetLanguage: "Russian",
			MaxTokens:      512,
			Temperature:    0.3,
			ContextWindow:  5,
			ContextChars:   1000,
			MaxAttempts:    3,
		},
		TTS: TTSConfig{
			Mode:            "mock",
			Voice:           "default",
			VoicesDir:       "./voice_samples",
			Speed:           1.0,
			SampleRate:      24000,
			Channels:        1,
			ChunkDurationMS: 400,
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
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.MirrorEvents, "LOQA_BUS_MIRROR_EVENTS")
	overrideInt(&cfg.Bus.MaxPayload, "LOQA_BUS_MAX_PAYLOAD_BYTES")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Pipeline.Slots, "LOQA_PIPELINE_SLOTS")
	overrideInt(&cfg.Pipeline.MaxPending, "LOQA_PIPELINE_MAX_PENDING")
	overrideInt(&cfg.Pipeline.STTTimeoutMS, "LOQA_PIPELINE_STT_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.TranslateTimeoutMS, "LOQA_PIPELINE_TRANSLATE_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.TTSTimeoutMS, "LOQA_PIPELINE_TTS_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.DrainTimeoutMS, "LOQA_PIPELINE_DRAIN_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.MetricsIntervalMS, "LOQA_PIPELINE_METRICS_INTERVAL_MS")
	overrideInt(&cfg.Pipeline.LatencyAlertMS, "LOQA_PIPELINE_LATENCY_ALERT_MS")
	overrideBool(&cfg.Pipeline.PacePlayback, "LOQA_PIPELINE_PACE_PLAYBACK")
	overrideInt(&cfg.Segmenter.SampleRate, "LOQA_SEGMENTER_SAMPLE_RATE")
	overrideFloat(&cfg.Segmenter.Threshold, "LOQA_SEGMENTER_THRESHOLD")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideBool(&cfg.STT.Serve, "LOQA_STT_SERVE")
	overrideString(&cfg.Translate.Mode, "LOQA_TRANSLATE_MODE")
	overrideString(&cfg.Translate.Endpoint, "LOQA_TRANSLATE_ENDPOINT")
	overrideString(&cfg.Translate.Command, "LOQA_TRANSLATE_COMMAND")
	overrideString(&cfg.Translate.Model, "LOQA_TRANSLATE_MODEL")
	overrideString(&cfg.Translate.SourceLanguage, "LOQA_TRANSLATE_SOURCE_LANGUAGE")
	overrideString(&cfg.Translate.TargetLanguage, "LOQA_TRANSLATE_TARGET_LANGUAGE")
	overrideInt(&cfg.Translate.MaxTokens, "LOQA_TRANSLATE_MAX_TOKENS")
	overrideFloat(&cfg.Translate.Temperature, "LOQA_TRANSLATE_TEMPERATURE")
	overrideInt(&cfg.Translate.MaxAttempts, "LOQA_TRANSLATE_MAX_ATTEMPTS")
	overrideBool(&cfg.Translate.Serve, "LOQA_TRANSLATE_SERVE")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideString(&cfg.TTS.VoicesDir, "LOQA_TTS_VOICES_DIR")
	overrideFloat(&cfg.TTS.Speed, "LOQA_TTS_SPEED")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideBool(&cfg.TTS.Serve, "LOQA_TTS_SERVE")
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
			if cfg.Bus.MaxPayload < 0 || cfg.Bus.MaxPayload > 64<<20 {
				return errors.New("bus.max_payload_bytes must be between 0 and 64MiB")
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
	if err := validatePipeline(cfg.Pipeline); err != nil {
		return err
	}
	if err := validateSegmenter(cfg.Segmenter); err != nil {
		return err
	}
	if err := validateStageMode("stt", cfg.STT.Mode, cfg.STT.Command, cfg.Bus.Enabled, "mock", "exec", "bus"); err != nil {
		return err
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	if err := validateStageMode("translate", cfg.Translate.Mode, cfg.Translate.Command, cfg.Bus.Enabled, "mock", "ollama", "exec", "bus"); err != nil {
		return err
	}
	if cfg.Translate.Mode == "ollama" && cfg.Translate.Endpoint == "" {
		return errors.New("translate.endpoint must be set when mode=ollama")
	}
	if cfg.Translate.MaxTokens < 0 {
		return errors.New("translate.max_tokens must be >= 0")
	}
	if cfg.Translate.ContextWindow < 0 || cfg.Translate.ContextChars < 0 {
		return errors.New("translate.context_window and translate.context_max_chars must be >= 0")
	}
	if err := validateStageMode("tts", cfg.TTS.Mode, cfg.TTS.Command, cfg.Bus.Enabled, "mock", "exec", "bus"); err != nil {
		return err
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.Speed <= 0 {
		return errors.New("tts.speed must be positive")
	}
	if (cfg.STT.Serve || cfg.Translate.Serve || cfg.TTS.Serve) && !cfg.Bus.Enabled {
		return errors.New("serving stages requires bus.enabled")
	}
	if (cfg.STT.Serve && cfg.STT.Mode == "bus") || (cfg.Translate.Serve && cfg.Translate.Mode == "bus") || (cfg.TTS.Serve && cfg.TTS.Mode == "bus") {
		return errors.New("a stage cannot serve the bus with mode=bus")
	}
	return nil
}

func validatePipeline(p PipelineConfig) error {
	if p.Slots <= 0 {
		return errors.New("pipeline.slots must be >= 1")
	}
	if p.MaxPending < 0 {
		return errors.New("pipeline.max_pending must be >= 0")
	}
	if p.STTTimeoutMS <= 0 || p.TranslateTimeoutMS <= 0 || p.TTSTimeoutMS <= 0 {
		return errors.New("pipeline stage timeouts must be positive")
	}
	if p.DrainTimeoutMS <= 0 {
		return errors.New("pipeline.drain_timeout_ms must be positive")
	}
	if p.MetricsIntervalMS < 0 {
		return errors.New("pipeline.metrics_interval_ms must be >= 0")
	}
	return nil
}

func validateSegmenter(s SegmenterConfig) error {
	if s.SampleRate <= 0 {
		return errors.New("segmenter.sample_rate must be positive")
	}
	if s.FrameDurationMS <= 0 {
		return errors.New("segmenter.frame_duration_ms must be positive")
	}
	for name, p := range map[string]SegmenterProfile{"contextual": s.Contextual, "literal": s.Literal} {
		if p.MaxChunkMS <= 0 || p.MinChunkMS < 0 || p.MinChunkMS > p.MaxChunkMS {
			return fmt.Errorf("segmenter.%s: min_chunk_ms must be between 0 and max_chunk_ms", name)
		}
		if p.MinSilenceMS < 0 || p.MinSpeechMS < 0 {
			return fmt.Errorf("segmenter.%s: durations must be >= 0", name)
		}
	}
	return nil
}

func validateStageMode(stage, mode, command string, busEnabled bool, allowed ...string) error {
	ok := false
	for _, m := range allowed {
		if mode == m {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%s.mode must be one of %s", stage, strings.Join(allowed, "|"))
	}
	if mode == "exec" && command == "" {
		return fmt.Errorf("%s.command must be set when mode=exec", stage)
	}
	if mode == "bus" && !busEnabled {
		return fmt.Errorf("%s.mode=bus requires bus.enabled", stage)
	}
	return nil
}
