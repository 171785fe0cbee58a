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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	StdoutTraces   bool   `yaml:"stdout_traces"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Streaming   StreamingConfig   `yaml:"streaming"`
	Gateway     GatewayConfig     `yaml:"gateway"`
}

type BusConfig struct {
	ClientName     string   `yaml:"client_name"`
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
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// RecognitionConfig tunes the voice input layer.
type RecognitionConfig struct {
	Enabled           bool                `yaml:"enabled"`
	Locale            string              `yaml:"locale"`
	MaxAttempts       int                 `yaml:"max_attempts"`
	BackoffMS         []int               `yaml:"backoff_ms"`
	SettleDelayMS     int                 `yaml:"settle_delay_ms"`
	ProbeRetryDelayMS int                 `yaml:"probe_retry_delay_ms"`
	Permission        string              `yaml:"permission"` // granted, denied, command
	PermissionCommand string              `yaml:"permission_command"`
	MicrophoneCommand string              `yaml:"microphone_command"`
	Primary           PrimaryEngineConfig `yaml:"primary"`
	Bridge            BridgeEngineConfig  `yaml:"bridge"`
	Offline           OfflineEngineConfig `yaml:"offline"`
}

type PrimaryEngineConfig struct {
	Enabled                   bool   `yaml:"enabled"`
	Priority                  int    `yaml:"priority"`
	Command                   string `yaml:"command"`
	CompanionPath             string `yaml:"companion_path"`
	MinLengthMS               int    `yaml:"min_length_ms"`
	CompleteSilenceMS         int    `yaml:"complete_silence_ms"`
	PossiblyCompleteSilenceMS int    `yaml:"possibly_complete_silence_ms"`
	MaxAlternatives           int    `yaml:"max_alternatives"`
	PreferOffline             bool   `yaml:"prefer_offline"`
}

type BridgeEngineConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Priority      int    `yaml:"priority"`
	URL           string `yaml:"url"`
	DialTimeoutMS int    `yaml:"dial_timeout_ms"`
}

type OfflineEngineConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Priority       int    `yaml:"priority"`
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
}

// StreamingConfig tunes the chat response transport.
type StreamingConfig struct {
	Enabled          bool   `yaml:"enabled"`
	BaseURL          string `yaml:"base_url"`
	Endpoint         string `yaml:"endpoint"`
	BufferedEndpoint string `yaml:"buffered_endpoint"`
	Mode             string `yaml:"mode"` // auto, reader, simulated, poll, socket
	IncrementalReads bool   `yaml:"incremental_reads"`
	ChunkSize        int    `yaml:"chunk_size"`
	ChunkDelayMS     int    `yaml:"chunk_delay_ms"`
	PollIntervalMS   int    `yaml:"poll_interval_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	AuthToken        string `yaml:"auth_token"`
}

type GatewayConfig struct {
	Enabled bool `yaml:"enabled"`
	// EventStream names the JetStream stream retaining voice events. Empty
	// disables retention.
	EventStream string `yaml:"event_stream"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-assist",
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
		},
		Bus: BusConfig{
			ClientName:     "loqa-assist",
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-assist-1",
			Role:              "client",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-sessions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Recognition: RecognitionConfig{
			Enabled:           true,
			Locale:            "en-US",
			MaxAttempts:       3,
			BackoffMS:         []int{300, 500},
			SettleDelayMS:     300,
			ProbeRetryDelayMS: 100,
			Permission:        "granted",
			Primary: PrimaryEngineConfig{
				Enabled:                   true,
				Priority:                  0,
				Command:                   "loqa-recognizer",
				MinLengthMS:               5000,
				CompleteSilenceMS:         1500,
				PossiblyCompleteSilenceMS: 1000,
				MaxAlternatives:           5,
			},
			Bridge: BridgeEngineConfig{
				Enabled:       false,
				Priority:      1,
				URL:           "ws://localhost:8091/asr",
				DialTimeoutMS: 1500,
			},
			Offline: OfflineEngineConfig{
				Enabled:        false,
				Priority:       2,
				PartialEveryMS: 800,
				SampleRate:     16000,
				Channels:       1,
			},
		},
		Streaming: StreamingConfig{
			Enabled:          true,
			BaseURL:          "http://localhost:8000",
			Endpoint:         "/chat/stream",
			BufferedEndpoint: "/chat",
			Mode:             "auto",
			IncrementalReads: true,
			ChunkSize:        3,
			ChunkDelayMS:     10,
			PollIntervalMS:   50,
			RequestTimeoutMS: 60000,
		},
		Gateway: GatewayConfig{
			Enabled:     true,
			EventStream: "VOICE_EVENTS",
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
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Bus.ClientName, "LOQA_BUS_CLIENT_NAME")
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
	overrideBool(&cfg.Recognition.Enabled, "LOQA_RECOGNITION_ENABLED")
	overrideString(&cfg.Recognition.Locale, "LOQA_RECOGNITION_LOCALE")
	overrideInt(&cfg.Recognition.MaxAttempts, "LOQA_RECOGNITION_MAX_ATTEMPTS")
	overrideIntSlice(&cfg.Recognition.BackoffMS, "LOQA_RECOGNITION_BACKOFF_MS")
	overrideInt(&cfg.Recognition.SettleDelayMS, "LOQA_RECOGNITION_SETTLE_DELAY_MS")
	overrideInt(&cfg.Recognition.ProbeRetryDelayMS, "LOQA_RECOGNITION_PROBE_RETRY_DELAY_MS")
	overrideString(&cfg.Recognition.Permission, "LOQA_RECOGNITION_PERMISSION")
	overrideString(&cfg.Recognition.PermissionCommand, "LOQA_RECOGNITION_PERMISSION_COMMAND")
	overrideString(&cfg.Recognition.MicrophoneCommand, "LOQA_RECOGNITION_MICROPHONE_COMMAND")
	overrideBool(&cfg.Recognition.Primary.Enabled, "LOQA_RECOGNITION_PRIMARY_ENABLED")
	overrideString(&cfg.Recognition.Primary.Command, "LOQA_RECOGNITION_PRIMARY_COMMAND")
	overrideString(&cfg.Recognition.Primary.CompanionPath, "LOQA_RECOGNITION_PRIMARY_COMPANION_PATH")
	overrideBool(&cfg.Recognition.Primary.PreferOffline, "LOQA_RECOGNITION_PRIMARY_PREFER_OFFLINE")
	overrideBool(&cfg.Recognition.Bridge.Enabled, "LOQA_RECOGNITION_BRIDGE_ENABLED")
	overrideString(&cfg.Recognition.Bridge.URL, "LOQA_RECOGNITION_BRIDGE_URL")
	overrideBool(&cfg.Recognition.Offline.Enabled, "LOQA_RECOGNITION_OFFLINE_ENABLED")
	overrideString(&cfg.Recognition.Offline.Command, "LOQA_RECOGNITION_OFFLINE_COMMAND")
	overrideString(&cfg.Recognition.Offline.ModelPath, "LOQA_RECOGNITION_OFFLINE_MODEL_PATH")
	overrideBool(&cfg.Streaming.Enabled, "LOQA_STREAMING_ENABLED")
	overrideString(&cfg.Streaming.BaseURL, "LOQA_STREAMING_BASE_URL")
	overrideString(&cfg.Streaming.Endpoint, "LOQA_STREAMING_ENDPOINT")
	overrideString(&cfg.Streaming.BufferedEndpoint, "LOQA_STREAMING_BUFFERED_ENDPOINT")
	overrideString(&cfg.Streaming.Mode, "LOQA_STREAMING_MODE")
	overrideBool(&cfg.Streaming.IncrementalReads, "LOQA_STREAMING_INCREMENTAL_READS")
	overrideInt(&cfg.Streaming.ChunkSize, "LOQA_STREAMING_CHUNK_SIZE")
	overrideInt(&cfg.Streaming.ChunkDelayMS, "LOQA_STREAMING_CHUNK_DELAY_MS")
	overrideInt(&cfg.Streaming.PollIntervalMS, "LOQA_STREAMING_POLL_INTERVAL_MS")
	overrideInt(&cfg.Streaming.RequestTimeoutMS, "LOQA_STREAMING_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Streaming.AuthToken, "LOQA_STREAMING_AUTH_TOKEN")
	overrideBool(&cfg.Gateway.Enabled, "LOQA_GATEWAY_ENABLED")
	overrideString(&cfg.Gateway.EventStream, "LOQA_GATEWAY_EVENT_STREAM")
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

func overrideIntSlice(target *[]int, envKey string) {
	value, ok := os.LookupEnv(envKey)
	if !ok {
		return
	}
	var parsed []int
	for _, p := range strings.Split(value, ",") {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return
		}
		parsed = append(parsed, n)
	}
	if len(parsed) > 0 {
		*target = parsed
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
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
	if cfg.Recognition.Enabled {
		if err := validateRecognition(cfg.Recognition); err != nil {
			return err
		}
	}
	if cfg.Streaming.Enabled {
		if err := validateStreaming(cfg.Streaming); err != nil {
			return err
		}
	}
	return nil
}

func validateRecognition(rc RecognitionConfig) error {
	if rc.MaxAttempts <= 0 {
		return errors.New("recognition.max_attempts must be >= 1")
	}
	for _, b := range rc.BackoffMS {
		if b < 0 {
			return errors.New("recognition.backoff_ms entries must be >= 0")
		}
	}
	if rc.SettleDelayMS < 0 {
		return errors.New("recognition.settle_delay_ms must be >= 0")
	}
	switch rc.Permission {
	case "granted", "denied":
	case "command":
		if rc.PermissionCommand == "" {
			return errors.New("recognition.permission_command must be set when permission=command")
		}
	default:
		return errors.New("recognition.permission must be one of granted|denied|command")
	}
	if rc.Primary.Enabled && rc.Primary.Command == "" {
		return errors.New("recognition.primary.command must be set when the primary engine is enabled")
	}
	if rc.Bridge.Enabled && rc.Bridge.URL == "" {
		return errors.New("recognition.bridge.url must be set when the bridge engine is enabled")
	}
	if rc.Offline.Enabled {
		if rc.Offline.Command == "" {
			return errors.New("recognition.offline.command must be set when the offline engine is enabled")
		}
		if rc.Offline.ModelPath == "" {
			return errors.New("recognition.offline.model_path must be set when the offline engine is enabled")
		}
		if rc.Offline.SampleRate <= 0 {
			return errors.New("recognition.offline.sample_rate must be positive")
		}
		if rc.Offline.Channels <= 0 {
			return errors.New("recognition.offline.channels must be positive")
		}
		if rc.MicrophoneCommand == "" {
			return errors.New("recognition.microphone_command must be set when the offline engine is enabled")
		}
	}
	return nil
}

func validateStreaming(sc StreamingConfig) error {
	if sc.BaseURL == "" {
		return errors.New("streaming.base_url must not be empty")
	}
	switch sc.Mode {
	case "auto", "reader", "simulated", "poll", "socket":
	default:
		return errors.New("streaming.mode must be one of auto|reader|simulated|poll|socket")
	}
	if sc.ChunkSize <= 0 {
		return errors.New("streaming.chunk_size must be >= 1")
	}
	if sc.ChunkDelayMS < 0 {
		return errors.New("streaming.chunk_delay_ms must be >= 0")
	}
	if sc.PollIntervalMS <= 0 {
		return errors.New("streaming.poll_interval_ms must be positive")
	}
	if sc.RequestTimeoutMS < 0 {
		return errors.New("streaming.request_timeout_ms must be >= 0")
	}
	return nil
}
