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
	LogLevel       string  `yaml:"log_level"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	OTLPInsecure   bool    `yaml:"otlp_insecure"`
	PrometheusBind string  `yaml:"prometheus_bind"`
	TraceExporter  string  `yaml:"trace_exporter"`
	SampleRatio    float64 `yaml:"sample_ratio"`
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
	Node        NodeConfig       `yaml:"node"`
	RunStore    RunStoreConfig   `yaml:"run_store"`
	Output      OutputConfig     `yaml:"output"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	Synthesis   SynthesisConfig  `yaml:"synthesis"`
	Transcoder  TranscoderConfig `yaml:"transcoder"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
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
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type RunStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// OutputConfig controls where combined files land and how long they live.
type OutputConfig struct {
	Directory      string `yaml:"directory"`
	PublicPrefix   string `yaml:"public_prefix"`
	DefaultName    string `yaml:"default_name"`
	RetentionHours int    `yaml:"retention_hours"`
	SweepInterval  int    `yaml:"sweep_interval_s"`
}

type SegmenterConfig struct {
	Tags       []string `yaml:"tags"`
	Fallback   bool     `yaml:"fallback"`
	DefaultTag string   `yaml:"default_tag"`
}

type SynthesisConfig struct {
	Mode             string            `yaml:"mode"` // speechify, exec, mock
	Endpoint         string            `yaml:"endpoint"`
	Command          string            `yaml:"command"`
	APIKey           string            `yaml:"api_key"`
	DefaultVoice     string            `yaml:"default_voice"`
	Voices           map[string]string `yaml:"voices"`
	DefaultLanguage  string            `yaml:"default_language"`
	StyleLocale      string            `yaml:"style_locale"`
	StyleInstruction string            `yaml:"style_instruction"`
	ConnectTimeoutMS int               `yaml:"connect_timeout_ms"`
	TimeoutMS        int               `yaml:"timeout_ms"`
	TLSInsecure      bool              `yaml:"tls_insecure"`
	MaxAttempts      int               `yaml:"max_attempts"`
	RetryDelayMS     int               `yaml:"retry_delay_ms"`
	MaxErrorBytes    int               `yaml:"max_error_bytes"`
	MaxAudioBytes    int64             `yaml:"max_audio_bytes"`
}

type TranscoderConfig struct {
	Mode       string `yaml:"mode"` // auto, exec, none
	Command    string `yaml:"command"`
	Bitrate    string `yaml:"bitrate"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type PipelineConfig struct {
	Concurrency   int    `yaml:"concurrency"`
	PartialPolicy string `yaml:"partial_policy"` // combine, abort
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
			TraceExporter:  "auto",
			SampleRatio:    1,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "narrator-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		RunStore: RunStoreConfig{
			Path:          "./data/narrator-runs.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRuns:       10000,
		},
		Output: OutputConfig{
			Directory:      "./output",
			PublicPrefix:   "/output/",
			DefaultName:    "narration",
			RetentionHours: 0,
			SweepInterval:  600,
		},
		Segmenter: SegmenterConfig{
			Tags:       []string{"1", "2"},
			Fallback:   true,
			DefaultTag: "1",
		},
		Synthesis: SynthesisConfig{
			Mode:         "speechify",
			Endpoint:     "https://api.sws.speechify.com/v1/audio/speech",
			DefaultVoice: "oliver",
			Voices: map[string]string{
				"1": "oliver",
				"2": "oliver",
			},
			DefaultLanguage:  "en-US",
			StyleLocale:      "en-US",
			StyleInstruction: "Read this in a warm, friendly tone with American accent.",
			ConnectTimeoutMS: 15000,
			TimeoutMS:        60000,
			MaxAttempts:      3,
			RetryDelayMS:     2000,
			MaxErrorBytes:    512,
			MaxAudioBytes:    64 << 20,
		},
		Transcoder: TranscoderConfig{
			Mode:       "auto",
			Command:    "ffmpeg",
			Bitrate:    "192k",
			SampleRate: 44100,
			Channels:   2,
			TimeoutMS:  120000,
		},
		Pipeline: PipelineConfig{
			Concurrency:   4,
			PartialPolicy: "combine",
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
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "NARRATOR_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.TraceExporter, "NARRATOR_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.SampleRatio, "NARRATOR_TELEMETRY_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "NARRATOR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "NARRATOR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "NARRATOR_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "NARRATOR_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "NARRATOR_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.RunStore.Path, "NARRATOR_RUN_STORE_PATH")
	overrideString(&cfg.RunStore.RetentionMode, "NARRATOR_RUN_STORE_RETENTION_MODE")
	overrideInt(&cfg.RunStore.RetentionDays, "NARRATOR_RUN_STORE_RETENTION_DAYS")
	overrideInt(&cfg.RunStore.MaxRuns, "NARRATOR_RUN_STORE_MAX_RUNS")
	overrideBool(&cfg.RunStore.VacuumOnStart, "NARRATOR_RUN_STORE_VACUUM_ON_START")
	overrideString(&cfg.Output.Directory, "NARRATOR_OUTPUT_DIRECTORY")
	overrideString(&cfg.Output.PublicPrefix, "NARRATOR_OUTPUT_PUBLIC_PREFIX")
	overrideString(&cfg.Output.DefaultName, "NARRATOR_OUTPUT_DEFAULT_NAME")
	overrideInt(&cfg.Output.RetentionHours, "NARRATOR_OUTPUT_RETENTION_HOURS")
	overrideInt(&cfg.Output.SweepInterval, "NARRATOR_OUTPUT_SWEEP_INTERVAL_S")
	overrideStringSlice(&cfg.Segmenter.Tags, "NARRATOR_SEGMENTER_TAGS")
	overrideBool(&cfg.Segmenter.Fallback, "NARRATOR_SEGMENTER_FALLBACK")
	overrideString(&cfg.Segmenter.DefaultTag, "NARRATOR_SEGMENTER_DEFAULT_TAG")
	overrideString(&cfg.Synthesis.Mode, "NARRATOR_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Endpoint, "NARRATOR_SYNTHESIS_ENDPOINT")
	overrideString(&cfg.Synthesis.Command, "NARRATOR_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.APIKey, "NARRATOR_SYNTHESIS_API_KEY")
	overrideString(&cfg.Synthesis.DefaultVoice, "NARRATOR_SYNTHESIS_DEFAULT_VOICE")
	overrideString(&cfg.Synthesis.DefaultLanguage, "NARRATOR_SYNTHESIS_DEFAULT_LANGUAGE")
	overrideString(&cfg.Synthesis.StyleLocale, "NARRATOR_SYNTHESIS_STYLE_LOCALE")
	overrideString(&cfg.Synthesis.StyleInstruction, "NARRATOR_SYNTHESIS_STYLE_INSTRUCTION")
	overrideInt(&cfg.Synthesis.ConnectTimeoutMS, "NARRATOR_SYNTHESIS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Synthesis.TimeoutMS, "NARRATOR_SYNTHESIS_TIMEOUT_MS")
	overrideBool(&cfg.Synthesis.TLSInsecure, "NARRATOR_SYNTHESIS_TLS_INSECURE")
	overrideInt(&cfg.Synthesis.MaxAttempts, "NARRATOR_SYNTHESIS_MAX_ATTEMPTS")
	overrideInt(&cfg.Synthesis.RetryDelayMS, "NARRATOR_SYNTHESIS_RETRY_DELAY_MS")
	overrideInt(&cfg.Synthesis.MaxErrorBytes, "NARRATOR_SYNTHESIS_MAX_ERROR_BYTES")
	overrideVoiceMap(&cfg.Synthesis.Voices, "NARRATOR_SYNTHESIS_VOICE_")
	overrideString(&cfg.Transcoder.Mode, "NARRATOR_TRANSCODER_MODE")
	overrideString(&cfg.Transcoder.Command, "NARRATOR_TRANSCODER_COMMAND")
	overrideString(&cfg.Transcoder.Bitrate, "NARRATOR_TRANSCODER_BITRATE")
	overrideInt(&cfg.Transcoder.SampleRate, "NARRATOR_TRANSCODER_SAMPLE_RATE")
	overrideInt(&cfg.Transcoder.Channels, "NARRATOR_TRANSCODER_CHANNELS")
	overrideInt(&cfg.Transcoder.TimeoutMS, "NARRATOR_TRANSCODER_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.Concurrency, "NARRATOR_PIPELINE_CONCURRENCY")
	overrideString(&cfg.Pipeline.PartialPolicy, "NARRATOR_PIPELINE_PARTIAL_POLICY")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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

// overrideVoiceMap picks up NARRATOR_SYNTHESIS_VOICE_<TAG>=<voice> pairs.
func overrideVoiceMap(target *map[string]string, prefix string) {
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		tag := strings.ToLower(strings.TrimPrefix(key, prefix))
		if tag == "" || strings.TrimSpace(value) == "" {
			continue
		}
		if *target == nil {
			*target = make(map[string]string)
		}
		(*target)[tag] = strings.TrimSpace(value)
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
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty when the bus is enabled")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	if cfg.RunStore.Path == "" && cfg.RunStore.RetentionMode != "ephemeral" {
		return errors.New("run_store.path must not be empty")
	}
	switch cfg.RunStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("run_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.RunStore.RetentionDays < 0 {
		return errors.New("run_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.TraceExporter {
	case "auto", "otlp", "stdout", "none":
	default:
		return errors.New("telemetry.trace_exporter must be one of auto|otlp|stdout|none")
	}
	if cfg.Telemetry.TraceExporter == "otlp" && strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
		return errors.New("telemetry.otlp_endpoint is required when trace_exporter is otlp")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be between 0 and 1")
	}
	if strings.TrimSpace(cfg.Output.Directory) == "" {
		return errors.New("output.directory must not be empty")
	}
	if cfg.Output.RetentionHours < 0 {
		return errors.New("output.retention_hours must be >= 0")
	}
	if len(cfg.Segmenter.Tags) == 0 {
		return errors.New("segmenter.tags must not be empty")
	}
	for _, tag := range cfg.Segmenter.Tags {
		if strings.TrimSpace(tag) == "" || strings.ContainsAny(tag, " \t\r\n") {
			return fmt.Errorf("segmenter.tags contains invalid tag %q", tag)
		}
	}
	if cfg.Segmenter.Fallback && cfg.Segmenter.DefaultTag == "" {
		return errors.New("segmenter.default_tag must be set when fallback is enabled")
	}
	switch cfg.Synthesis.Mode {
	case "speechify":
		if cfg.Synthesis.Endpoint == "" {
			return errors.New("synthesis.endpoint must be set when mode=speechify")
		}
	case "exec":
		if strings.TrimSpace(cfg.Synthesis.Command) == "" {
			return errors.New("synthesis.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("synthesis.mode must be one of speechify|exec|mock")
	}
	if cfg.Synthesis.DefaultVoice == "" {
		return errors.New("synthesis.default_voice must not be empty")
	}
	if cfg.Synthesis.MaxAttempts <= 0 {
		return errors.New("synthesis.max_attempts must be >= 1")
	}
	if cfg.Synthesis.RetryDelayMS < 0 {
		return errors.New("synthesis.retry_delay_ms must be >= 0")
	}
	if cfg.Synthesis.ConnectTimeoutMS <= 0 || cfg.Synthesis.TimeoutMS <= 0 {
		return errors.New("synthesis timeouts must be positive")
	}
	switch cfg.Transcoder.Mode {
	case "auto", "exec", "none":
	default:
		return errors.New("transcoder.mode must be one of auto|exec|none")
	}
	if cfg.Transcoder.Mode != "none" {
		if cfg.Transcoder.Command == "" {
			return errors.New("transcoder.command must be set unless mode=none")
		}
		if cfg.Transcoder.SampleRate <= 0 {
			return errors.New("transcoder.sample_rate must be positive")
		}
		if cfg.Transcoder.Channels <= 0 {
			return errors.New("transcoder.channels must be positive")
		}
		if cfg.Transcoder.TimeoutMS <= 0 {
			return errors.New("transcoder.timeout_ms must be positive")
		}
	}
	if cfg.Pipeline.Concurrency <= 0 {
		return errors.New("pipeline.concurrency must be >= 1")
	}
	switch cfg.Pipeline.PartialPolicy {
	case "combine", "abort":
	default:
		return errors.New("pipeline.partial_policy must be one of combine|abort")
	}
	return nil
}
