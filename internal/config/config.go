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
	LogLevel         string  `yaml:"log_level"`
	LogFormat        string  `yaml:"log_format"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
	PrometheusBind   string  `yaml:"prometheus_bind"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
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
	EventStore  EventStoreConfig `yaml:"event_store"`
	TTS         TTSConfig        `yaml:"tts"`
	Recorder    RecorderConfig   `yaml:"recorder"`
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
	ID                string         `yaml:"id"`
	Role              string         `yaml:"role"`
	HeartbeatInterval int            `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int            `yaml:"heartbeat_timeout_ms"`
	Devices           []DeviceConfig `yaml:"devices"`
}

// DeviceConfig describes an audio input advertised by this node.
type DeviceConfig struct {
	ID         string `yaml:"id"`
	Label      string `yaml:"label"`
	Driver     string `yaml:"driver"` // loopback, bus, exec
	Command    string `yaml:"command"`
	Subject    string `yaml:"subject"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Denied     bool   `yaml:"denied"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type VoiceConfig struct {
	Name    string `yaml:"name"`
	Lang    string `yaml:"lang"`
	Default bool   `yaml:"default"`
}

type TTSConfig struct {
	Mode            string        `yaml:"mode"`
	Command         string        `yaml:"command"`
	Voice           string        `yaml:"voice"`
	Voices          []VoiceConfig `yaml:"voices"`
	VoicesDelayMS   int           `yaml:"voices_delay_ms"`
	SampleRate      int           `yaml:"sample_rate"`
	Channels        int           `yaml:"channels"`
	ChunkDurationMS int           `yaml:"chunk_duration_ms"`
}

type RecorderConfig struct {
	Enabled           bool     `yaml:"enabled"`
	MimeType          string   `yaml:"mime_type"`
	FallbackMimeTypes []string `yaml:"fallback_mime_types"`
	TimesliceMS       int      `yaml:"timeslice_ms"`
	PreferLoopback    bool     `yaml:"prefer_loopback"`
	LoopbackLabel     string   `yaml:"loopback_label"`
	SourceMimeTypes   []string `yaml:"source_mime_types"`
	StreamChunkSize   int      `yaml:"stream_chunk_size"`
	RequestTimeoutMS  int      `yaml:"request_timeout_ms"`
	ArchiveBucket     string   `yaml:"archive_bucket"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-recorder",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			LogFormat:        "json",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-node-1",
			Role:              "recorder",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Devices: []DeviceConfig{
				{ID: "default", Label: "Default Input", Driver: "loopback"},
				{ID: "monitor", Label: "Monitor of Speech Output", Driver: "loopback"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-recorder.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			SampleRate: 22050,
			Channels:   1,
			Voices: []VoiceConfig{
				{Name: "mock-en", Lang: "en-US", Default: true},
			},
			ChunkDurationMS: 400,
		},
		Recorder: RecorderConfig{
			Enabled:           true,
			MimeType:          "audio/webm;codecs=opus",
			FallbackMimeTypes: []string{"audio/wav"},
			PreferLoopback:    true,
			LoopbackLabel:     "Monitor",
			SourceMimeTypes:   []string{"audio/wav", "audio/L16"},
			StreamChunkSize:   1024,
			RequestTimeoutMS:  45000,
			ArchiveBucket:     "recordings",
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
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
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
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.VoicesDelayMS, "LOQA_TTS_VOICES_DELAY_MS")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideBool(&cfg.Recorder.Enabled, "LOQA_RECORDER_ENABLED")
	overrideString(&cfg.Recorder.MimeType, "LOQA_RECORDER_MIME_TYPE")
	overrideStringSlice(&cfg.Recorder.FallbackMimeTypes, "LOQA_RECORDER_FALLBACK_MIME_TYPES")
	overrideInt(&cfg.Recorder.TimesliceMS, "LOQA_RECORDER_TIMESLICE_MS")
	overrideBool(&cfg.Recorder.PreferLoopback, "LOQA_RECORDER_PREFER_LOOPBACK")
	overrideString(&cfg.Recorder.LoopbackLabel, "LOQA_RECORDER_LOOPBACK_LABEL")
	overrideStringSlice(&cfg.Recorder.SourceMimeTypes, "LOQA_RECORDER_SOURCE_MIME_TYPES")
	overrideInt(&cfg.Recorder.StreamChunkSize, "LOQA_RECORDER_STREAM_CHUNK_SIZE")
	overrideInt(&cfg.Recorder.RequestTimeoutMS, "LOQA_RECORDER_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Recorder.ArchiveBucket, "LOQA_RECORDER_ARCHIVE_BUCKET")
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
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if len(cfg.Node.Devices) == 0 {
		return errors.New("node.devices must not be empty")
	}
	seen := make(map[string]bool, len(cfg.Node.Devices))
	for _, dev := range cfg.Node.Devices {
		if dev.ID == "" {
			return errors.New("node.devices[].id must not be empty")
		}
		if seen[dev.ID] {
			return fmt.Errorf("node.devices: duplicate id %q", dev.ID)
		}
		seen[dev.ID] = true
		switch dev.Driver {
		case "loopback":
		case "bus":
			if !cfg.Bus.Enabled {
				return fmt.Errorf("node.devices[%s]: driver=bus requires bus.enabled", dev.ID)
			}
		case "exec":
			if dev.Command == "" {
				return fmt.Errorf("node.devices[%s]: command must be set when driver=exec", dev.ID)
			}
		default:
			return fmt.Errorf("node.devices[%s]: driver must be one of loopback|bus|exec", dev.ID)
		}
	}
	if cfg.EventStore.Path == "" {
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.VoicesDelayMS < 0 {
		return errors.New("tts.voices_delay_ms must be >= 0")
	}
	if cfg.Recorder.Enabled {
		if cfg.Recorder.MimeType == "" && len(cfg.Recorder.FallbackMimeTypes) == 0 {
			return errors.New("recorder.mime_type or recorder.fallback_mime_types must be set")
		}
		if cfg.Recorder.TimesliceMS < 0 {
			return errors.New("recorder.timeslice_ms must be >= 0")
		}
		if cfg.Recorder.StreamChunkSize < 0 {
			return errors.New("recorder.stream_chunk_size must be >= 0")
		}
		if cfg.Recorder.RequestTimeoutMS <= 0 {
			return errors.New("recorder.request_timeout_ms must be positive")
		}
	}
	return nil
}
