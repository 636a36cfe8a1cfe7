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
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
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
	Pool        PoolConfig       `yaml:"pool"`
	Stream      StreamConfig     `yaml:"stream"`
	Engine      EngineConfig     `yaml:"engine"`
	Transport   TransportConfig  `yaml:"transport"`
}

// BusConfig configures the NATS connection. The bus is optional: when
// disabled the websocket transport is the only way in.
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
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

// EventStoreConfig controls the session audit log. Only lifecycle metadata
// is written; transcript text never reaches the store.
type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type PoolConfig struct {
	MaxSessions      int `yaml:"max_sessions"`
	AcquireTimeoutMS int `yaml:"acquire_timeout_ms"`
	IdleTimeoutMS    int `yaml:"idle_timeout_ms"`
}

// StreamConfig holds the per-session buffering and segmentation policy.
// Durations are expressed in milliseconds of audio at SampleRate.
type StreamConfig struct {
	SampleRate        int      `yaml:"sample_rate"`
	MinBufferMS       int      `yaml:"min_buffer_ms"`
	MaxBufferMS       int      `yaml:"max_buffer_ms"`
	OverlapMS         int      `yaml:"overlap_ms"`
	SilenceMS         int      `yaml:"silence_ms"`
	VADThreshold      float64  `yaml:"vad_threshold"`
	StopGraceMS       int      `yaml:"stop_grace_ms"`
	MaxEngineFailures int      `yaml:"max_engine_failures"`
	Placeholders      []string `yaml:"placeholders"`
}

type EngineConfig struct {
	Mode         string            `yaml:"mode"` // mock, exec, http
	Command      string            `yaml:"command"`
	Endpoint     string            `yaml:"endpoint"`
	APIKey       string            `yaml:"api_key"`
	DefaultModel string            `yaml:"default_model"`
	Models       map[string]string `yaml:"models"`
	Language     string            `yaml:"language"`
	TimeoutMS    int               `yaml:"timeout_ms"`
}

type TransportConfig struct {
	WebSocketPath   string   `yaml:"websocket_path"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	MaxMessageBytes int64    `yaml:"max_message_bytes"`
	WriteTimeoutMS  int      `yaml:"write_timeout_ms"`
	PingIntervalMS  int      `yaml:"ping_interval_ms"`
	MaxUploadBytes  int64    `yaml:"max_upload_bytes"`
	NATSSubjectRoot string   `yaml:"nats_subject_root"`
	NATSQueueGroup  string   `yaml:"nats_queue_group"`
}

func Default() Config {
	return Config{
		RuntimeName: "whisperd",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "whisper-node-1",
			Role:              "stt",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/whisper-sessions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Pool: PoolConfig{
			MaxSessions:      8,
			AcquireTimeoutMS: 0,
			IdleTimeoutMS:    120000,
		},
		Stream: StreamConfig{
			SampleRate:        16000,
			MinBufferMS:       1000,
			MaxBufferMS:       10000,
			OverlapMS:         300,
			SilenceMS:         1000,
			VADThreshold:      0.01,
			StopGraceMS:       2000,
			MaxEngineFailures: 3,
		},
		Engine: EngineConfig{
			Mode:         "mock",
			DefaultModel: "base",
			Language:     "auto",
			TimeoutMS:    30000,
		},
		Transport: TransportConfig{
			WebSocketPath:   "/v1/stream",
			MaxMessageBytes: 4 << 20,
			WriteTimeoutMS:  5000,
			PingIntervalMS:  20000,
			MaxUploadBytes:  64 << 20,
			NATSSubjectRoot: "stt.session",
			NATSQueueGroup:  "whisperd",
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
	overrideString(&cfg.RuntimeName, "WHISPER_RUNTIME_NAME")
	overrideString(&cfg.Environment, "WHISPER_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "WHISPER_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "WHISPER_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "WHISPER_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "WHISPER_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "WHISPER_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "WHISPER_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "WHISPER_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "WHISPER_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "WHISPER_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "WHISPER_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "WHISPER_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "WHISPER_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "WHISPER_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "WHISPER_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "WHISPER_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "WHISPER_NODE_ID")
	overrideString(&cfg.Node.Role, "WHISPER_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "WHISPER_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "WHISPER_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "WHISPER_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "WHISPER_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "WHISPER_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "WHISPER_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "WHISPER_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Pool.MaxSessions, "WHISPER_POOL_MAX_SESSIONS")
	overrideInt(&cfg.Pool.AcquireTimeoutMS, "WHISPER_POOL_ACQUIRE_TIMEOUT_MS")
	overrideInt(&cfg.Pool.IdleTimeoutMS, "WHISPER_POOL_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Stream.SampleRate, "WHISPER_STREAM_SAMPLE_RATE")
	overrideInt(&cfg.Stream.MinBufferMS, "WHISPER_STREAM_MIN_BUFFER_MS")
	overrideInt(&cfg.Stream.MaxBufferMS, "WHISPER_STREAM_MAX_BUFFER_MS")
	overrideInt(&cfg.Stream.OverlapMS, "WHISPER_STREAM_OVERLAP_MS")
	overrideInt(&cfg.Stream.SilenceMS, "WHISPER_STREAM_SILENCE_MS")
	overrideFloat(&cfg.Stream.VADThreshold, "WHISPER_STREAM_VAD_THRESHOLD")
	overrideInt(&cfg.Stream.StopGraceMS, "WHISPER_STREAM_STOP_GRACE_MS")
	overrideInt(&cfg.Stream.MaxEngineFailures, "WHISPER_STREAM_MAX_ENGINE_FAILURES")
	overrideStringSlice(&cfg.Stream.Placeholders, "WHISPER_STREAM_PLACEHOLDERS")
	overrideString(&cfg.Engine.Mode, "WHISPER_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "WHISPER_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Endpoint, "WHISPER_ENGINE_ENDPOINT")
	overrideString(&cfg.Engine.APIKey, "WHISPER_ENGINE_API_KEY")
	overrideString(&cfg.Engine.DefaultModel, "WHISPER_ENGINE_DEFAULT_MODEL")
	overrideString(&cfg.Engine.Language, "WHISPER_ENGINE_LANGUAGE")
	overrideInt(&cfg.Engine.TimeoutMS, "WHISPER_ENGINE_TIMEOUT_MS")
	overrideString(&cfg.Transport.WebSocketPath, "WHISPER_TRANSPORT_WEBSOCKET_PATH")
	overrideStringSlice(&cfg.Transport.AllowedOrigins, "WHISPER_TRANSPORT_ALLOWED_ORIGINS")
	overrideString(&cfg.Transport.NATSSubjectRoot, "WHISPER_TRANSPORT_NATS_SUBJECT_ROOT")
	overrideString(&cfg.Transport.NATSQueueGroup, "WHISPER_TRANSPORT_NATS_QUEUE_GROUP")
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
	switch strings.ToLower(cfg.Telemetry.LogFormat) {
	case "json", "text", "":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
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
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
		if cfg.Transport.NATSSubjectRoot == "" {
			return errors.New("transport.nats_subject_root must not be empty when the bus is enabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Pool.MaxSessions <= 0 {
		return errors.New("pool.max_sessions must be >= 1")
	}
	if cfg.Pool.AcquireTimeoutMS < 0 {
		return errors.New("pool.acquire_timeout_ms must be >= 0")
	}
	if cfg.Pool.IdleTimeoutMS < 0 {
		return errors.New("pool.idle_timeout_ms must be >= 0")
	}
	if err := validateStream(cfg.Stream); err != nil {
		return err
	}
	switch cfg.Engine.Mode {
	case "mock":
	case "exec":
		if cfg.Engine.Command == "" {
			return errors.New("engine.command must be set when mode=exec")
		}
	case "http":
		if cfg.Engine.Endpoint == "" {
			return errors.New("engine.endpoint must be set when mode=http")
		}
	default:
		return errors.New("engine.mode must be one of mock|exec|http")
	}
	if cfg.Engine.TimeoutMS < 0 {
		return errors.New("engine.timeout_ms must be >= 0")
	}
	if !strings.HasPrefix(cfg.Transport.WebSocketPath, "/") {
		return errors.New("transport.websocket_path must start with /")
	}
	if cfg.Transport.MaxMessageBytes <= 0 {
		return errors.New("transport.max_message_bytes must be positive")
	}
	return nil
}

func validateStream(s StreamConfig) error {
	if s.SampleRate <= 0 {
		return errors.New("stream.sample_rate must be positive")
	}
	if s.MinBufferMS <= 0 {
		return errors.New("stream.min_buffer_ms must be positive")
	}
	if s.MaxBufferMS < s.MinBufferMS {
		return fmt.Errorf("stream.max_buffer_ms (%d) must be >= min_buffer_ms (%d)", s.MaxBufferMS, s.MinBufferMS)
	}
	if s.OverlapMS < 0 || s.OverlapMS >= s.MaxBufferMS {
		return errors.New("stream.overlap_ms must be >= 0 and below max_buffer_ms")
	}
	if s.SilenceMS <= 0 {
		return errors.New("stream.silence_ms must be positive")
	}
	if s.VADThreshold < 0 || s.VADThreshold > 1 {
		return errors.New("stream.vad_threshold must be between 0 and 1")
	}
	if s.StopGraceMS <= 0 {
		return errors.New("stream.stop_grace_ms must be positive")
	}
	if s.MaxEngineFailures < 1 {
		return errors.New("stream.max_engine_failures must be >= 1")
	}
	return nil
}

// Samples converts a duration in milliseconds to a sample count at the
// stream sample rate.
func (s StreamConfig) Samples(ms int) int {
	return ms * s.SampleRate / 1000
}
