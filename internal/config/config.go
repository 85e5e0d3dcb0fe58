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
	LogFile        string `yaml:"log_file"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	StdoutTraces   bool   `yaml:"stdout_traces"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	Capture     CaptureConfig    `yaml:"capture"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Avatar      AvatarConfig     `yaml:"avatar"`
	Turn        TurnConfig       `yaml:"turn"`
	Chat        ChatConfig       `yaml:"chat"`
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

// NodeConfig identifies this assistant on the bus for presence tracking.
type NodeConfig struct {
	ID                string            `yaml:"id"`
	Role              string            `yaml:"role"`
	HeartbeatInterval int               `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int               `yaml:"heartbeat_timeout_ms"`
	Attributes        map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Mode       string   `yaml:"mode"` // mock, exec, deepgram, console
	Command    string   `yaml:"command"`
	ModelPath  string   `yaml:"model_path"`
	Language   string   `yaml:"language"`
	APIKey     string   `yaml:"api_key"`
	Model      string   `yaml:"model"`
	Endpoint   string   `yaml:"endpoint"`
	MockScript []string `yaml:"mock_script"`
}

// CaptureConfig drives microphone capture and the energy detector that ends a phrase.
type CaptureConfig struct {
	Source          string  `yaml:"source"` // malgo, portaudio, bus
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	FrameDurationMS int     `yaml:"frame_duration_ms"`
	CalibrationMS   int     `yaml:"calibration_ms"`
	ListenTimeoutMS int     `yaml:"listen_timeout_ms"`
	PhraseLimitMS   int     `yaml:"phrase_limit_ms"`
	SilenceMS       int     `yaml:"silence_ms"`
	EnergyRatio     float64 `yaml:"energy_ratio"`
	MinEnergy       float64 `yaml:"min_energy"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec, gemini
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"` // empty selects the backend default
	APIKey      string  `yaml:"api_key"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	TopK        int     `yaml:"top_k"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Mode    string  `yaml:"mode"` // mock, exec
	Command string  `yaml:"command"`
	Voice   string  `yaml:"voice"`
	Rate    int     `yaml:"rate"`
	Volume  float64 `yaml:"volume"`
}

type AvatarConfig struct {
	Renderers []string `yaml:"renderers"` // tui, web
	TickMS    int      `yaml:"tick_ms"`
	TextWidth int      `yaml:"text_width"`
}

type TurnConfig struct {
	PersonaPath       string `yaml:"persona_path"`
	SynthesisTimeout  int    `yaml:"synthesis_timeout_ms"`
	CaptureTimeout    int    `yaml:"capture_timeout_ms"`
	SubmissionBacklog int    `yaml:"submission_backlog"`
}

type ChatConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-avatar",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
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
			ID:                "loqa-avatar-1",
			Role:              "assistant",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-conversations.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		STT: STTConfig{
			Mode:     "console",
			Language: "en-US",
			Model:    "nova-3",
			Endpoint: "wss://api.deepgram.com/v1/listen",
		},
		Capture: CaptureConfig{
			Source:          "malgo",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			CalibrationMS:   1000,
			ListenTimeoutMS: 10000,
			PhraseLimitMS:   15000,
			SilenceMS:       800,
			EnergyRatio:     1.5,
			MinEnergy:       0.01,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			MaxTokens:   8192,
			Temperature: 1,
			TopP:        0.95,
			TopK:        64,
			TimeoutMS:   60000,
		},
		TTS: TTSConfig{
			Mode:   "mock",
			Rate:   150,
			Volume: 0.9,
		},
		Avatar: AvatarConfig{
			Renderers: []string{"tui"},
			TickMS:    200,
			TextWidth: 60,
		},
		Turn: TurnConfig{
			SynthesisTimeout:  120000,
			CaptureTimeout:    30000,
			SubmissionBacklog: 8,
		},
		Chat: ChatConfig{
			Enabled: true,
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
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFile, "LOQA_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
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
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "DEEPGRAM_API_KEY")
	overrideString(&cfg.STT.APIKey, "LOQA_STT_API_KEY")
	overrideString(&cfg.Capture.Source, "LOQA_CAPTURE_SOURCE")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FrameDurationMS, "LOQA_CAPTURE_FRAME_DURATION_MS")
	overrideInt(&cfg.Capture.CalibrationMS, "LOQA_CAPTURE_CALIBRATION_MS")
	overrideInt(&cfg.Capture.ListenTimeoutMS, "LOQA_CAPTURE_LISTEN_TIMEOUT_MS")
	overrideInt(&cfg.Capture.PhraseLimitMS, "LOQA_CAPTURE_PHRASE_LIMIT_MS")
	overrideInt(&cfg.Capture.SilenceMS, "LOQA_CAPTURE_SILENCE_MS")
	overrideFloat(&cfg.Capture.EnergyRatio, "LOQA_CAPTURE_ENERGY_RATIO")
	overrideFloat(&cfg.Capture.MinEnergy, "LOQA_CAPTURE_MIN_ENERGY")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.APIKey, "API_KEY")
	overrideString(&cfg.LLM.APIKey, "GEMINI_API_KEY")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideFloat(&cfg.LLM.TopP, "LOQA_LLM_TOP_P")
	overrideInt(&cfg.LLM.TopK, "LOQA_LLM_TOP_K")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.Rate, "LOQA_TTS_RATE")
	overrideFloat(&cfg.TTS.Volume, "LOQA_TTS_VOLUME")
	overrideStringSlice(&cfg.Avatar.Renderers, "LOQA_AVATAR_RENDERERS")
	overrideInt(&cfg.Avatar.TickMS, "LOQA_AVATAR_TICK_MS")
	overrideInt(&cfg.Avatar.TextWidth, "LOQA_AVATAR_TEXT_WIDTH")
	overrideString(&cfg.Turn.PersonaPath, "LOQA_TURN_PERSONA_PATH")
	overrideInt(&cfg.Turn.SynthesisTimeout, "LOQA_TURN_SYNTHESIS_TIMEOUT_MS")
	overrideInt(&cfg.Turn.CaptureTimeout, "LOQA_TURN_CAPTURE_TIMEOUT_MS")
	overrideInt(&cfg.Turn.SubmissionBacklog, "LOQA_TURN_SUBMISSION_BACKLOG")
	overrideBool(&cfg.Chat.Enabled, "LOQA_CHAT_ENABLED")
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
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
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
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.STT.Mode {
	case "mock", "console":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "deepgram":
		if cfg.STT.APIKey == "" {
			return errors.New("stt.api_key (or DEEPGRAM_API_KEY) must be set when mode=deepgram")
		}
	default:
		return errors.New("stt.mode must be one of mock|console|exec|deepgram")
	}
	if cfg.STT.Mode == "exec" || cfg.STT.Mode == "deepgram" {
		if err := validateCapture(cfg.Capture); err != nil {
			return err
		}
		if cfg.Capture.Source == "bus" && !cfg.Bus.Enabled {
			return errors.New("capture.source=bus requires bus.enabled")
		}
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
			return errors.New("llm.api_key (or API_KEY) must be set when mode=gemini")
		}
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec|gemini")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Rate <= 0 {
		return errors.New("tts.rate must be positive")
	}
	if cfg.TTS.Volume < 0 || cfg.TTS.Volume > 1 {
		return errors.New("tts.volume must be between 0 and 1")
	}
	for _, r := range cfg.Avatar.Renderers {
		switch r {
		case "tui", "web":
		default:
			return fmt.Errorf("avatar.renderers: unknown renderer %q", r)
		}
	}
	if cfg.Avatar.TickMS <= 0 {
		return errors.New("avatar.tick_ms must be positive")
	}
	if cfg.Avatar.TextWidth <= 0 {
		return errors.New("avatar.text_width must be positive")
	}
	if cfg.Turn.SynthesisTimeout < 0 || cfg.Turn.CaptureTimeout < 0 {
		return errors.New("turn timeouts must be >= 0")
	}
	if cfg.Turn.SubmissionBacklog <= 0 {
		return errors.New("turn.submission_backlog must be >= 1")
	}
	if cfg.Chat.Enabled && !cfg.HTTP.Enabled && !cfg.Bus.Enabled {
		return errors.New("chat requires http or bus to be enabled")
	}
	return nil
}

func validateCapture(c CaptureConfig) error {
	switch c.Source {
	case "malgo", "portaudio", "bus":
	default:
		return errors.New("capture.source must be one of malgo|portaudio|bus")
	}
	if c.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if c.Channels != 1 {
		return errors.New("capture.channels must be 1")
	}
	if c.FrameDurationMS <= 0 {
		return errors.New("capture.frame_duration_ms must be positive")
	}
	if c.SilenceMS <= 0 {
		return errors.New("capture.silence_ms must be positive")
	}
	if c.EnergyRatio < 1 {
		return errors.New("capture.energy_ratio must be >= 1")
	}
	return nil
}

// HasRenderer reports whether the named avatar renderer is configured.
func (c AvatarConfig) HasRenderer(name string) bool {
	for _, r := range c.Renderers {
		if r == name {
			return true
		}
	}
	return false
}
