package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level" toml:"log_level"`
	LogFormat    string `yaml:"log_format" toml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
	Traces       bool   `yaml:"traces" toml:"traces"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Bind    string `yaml:"bind" toml:"bind"`
	Port    int    `yaml:"port" toml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name" toml:"runtime_name"`
	Environment string           `yaml:"environment" toml:"environment"`
	HTTP        HTTPConfig       `yaml:"http" toml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Bus         BusConfig        `yaml:"bus" toml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store" toml:"event_store"`
	Pattern     PatternConfig    `yaml:"pattern" toml:"pattern"`
	Recognizer  RecognizerConfig `yaml:"recognizer" toml:"recognizer"`
	Audio       AudioConfig      `yaml:"audio" toml:"audio"`
	Serial      SerialConfig     `yaml:"serial" toml:"serial"`
	Session     SessionConfig    `yaml:"session" toml:"session"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	Embedded       bool     `yaml:"embedded" toml:"embedded"`
	Port           int      `yaml:"port" toml:"port"`
	StoreDir       string   `yaml:"store_dir" toml:"store_dir"`
	Servers        []string `yaml:"servers" toml:"servers"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	Token          string   `yaml:"token" toml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure" toml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	RetentionMode string `yaml:"retention_mode" toml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions" toml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" toml:"vacuum_on_start"`
}

// PatternConfig selects what is counted.
type PatternConfig struct {
	Phrase          string `yaml:"phrase" toml:"phrase"`
	Mode            string `yaml:"mode" toml:"mode"` // fuzzy_window, exact_run
	MaxEditDistance int    `yaml:"max_edit_distance" toml:"max_edit_distance"`
	RunWeight       int    `yaml:"run_weight" toml:"run_weight"`
	Alphabet        string `yaml:"alphabet" toml:"alphabet"` // latin, passthrough
}

type RecognizerConfig struct {
	Mode           string   `yaml:"mode" toml:"mode"` // mock, exec
	Command        string   `yaml:"command" toml:"command"`
	ModelPath      string   `yaml:"model_path" toml:"model_path"`
	Language       string   `yaml:"language" toml:"language"`
	PublishInterim bool     `yaml:"publish_interim" toml:"publish_interim"`
	PartialEveryMS int      `yaml:"partial_every_ms" toml:"partial_every_ms"`
	EndSilenceMS   int      `yaml:"end_silence_ms" toml:"end_silence_ms"`
	MaxUtteranceMS int      `yaml:"max_utterance_ms" toml:"max_utterance_ms"`
	VADMode        int      `yaml:"vad_mode" toml:"vad_mode"`
	TimeoutMS      int      `yaml:"timeout_ms" toml:"timeout_ms"`
	MockScript     []string `yaml:"mock_script" toml:"mock_script"`
	MockFrames     int      `yaml:"mock_frames_per_utterance" toml:"mock_frames_per_utterance"`
}

type AudioConfig struct {
	Mode             string `yaml:"mode" toml:"mode"` // device, mock
	Device           string `yaml:"device" toml:"device"`
	SampleRate       int    `yaml:"sample_rate" toml:"sample_rate"`
	Channels         int    `yaml:"channels" toml:"channels"`
	FrameDurationMS  int    `yaml:"frame_duration_ms" toml:"frame_duration_ms"`
	BufferFrames     int    `yaml:"buffer_frames" toml:"buffer_frames"`
	EchoCancellation bool   `yaml:"echo_cancellation" toml:"echo_cancellation"`
	NoiseSuppression bool   `yaml:"noise_suppression" toml:"noise_suppression"`
}

type SerialConfig struct {
	Enabled           bool     `yaml:"enabled" toml:"enabled"`
	Port              string   `yaml:"port" toml:"port"`
	Authorized        []string `yaml:"authorized" toml:"authorized"`
	BaudRate          int      `yaml:"baud_rate" toml:"baud_rate"`
	AutoReconnect     bool     `yaml:"auto_reconnect" toml:"auto_reconnect"`
	ReconnectAttempts int      `yaml:"reconnect_attempts" toml:"reconnect_attempts"`
	WatchIntervalMS   int      `yaml:"watch_interval_ms" toml:"watch_interval_ms"`
	QueueSize         int      `yaml:"queue_size" toml:"queue_size"`
}

type SessionConfig struct {
	AutoStart       bool `yaml:"auto_start" toml:"auto_start"`
	TranscriptLimit int  `yaml:"transcript_limit" toml:"transcript_limit"`
	EventBuffer     int  `yaml:"event_buffer" toml:"event_buffer"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tally",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "console",
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
		},
		EventStore: EventStoreConfig{
			Path:          "./data/tally-journal.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Pattern: PatternConfig{
			Phrase:          "om ara pa cha na dhi",
			Mode:            "fuzzy_window",
			MaxEditDistance: 3,
			RunWeight:       1,
			Alphabet:        "latin",
		},
		Recognizer: RecognizerConfig{
			Mode:           "mock",
			PartialEveryMS: 800,
			EndSilenceMS:   600,
			MaxUtteranceMS: 15000,
			VADMode:        2,
			TimeoutMS:      45000,
			MockScript:     []string{"om ara pa cha na dhi"},
			MockFrames:     100,
		},
		Audio: AudioConfig{
			Mode:             "device",
			SampleRate:       16000,
			Channels:         1,
			FrameDurationMS:  20,
			BufferFrames:     256,
			EchoCancellation: true,
			NoiseSuppression: true,
		},
		Serial: SerialConfig{
			Enabled:           false,
			BaudRate:          9600,
			AutoReconnect:     true,
			ReconnectAttempts: 3,
			WatchIntervalMS:   1000,
			QueueSize:         64,
		},
		Session: SessionConfig{
			AutoStart:       true,
			TranscriptLimit: 4096,
			EventBuffer:     64,
		},
	}
}

// Load applies the file at path (yaml, or toml by extension) and LOQA_* overrides on top of Default.
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
		if err := decode(path, data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Traces, "LOQA_TELEMETRY_TRACES")
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
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Pattern.Phrase, "LOQA_PATTERN_PHRASE")
	overrideString(&cfg.Pattern.Mode, "LOQA_PATTERN_MODE")
	overrideInt(&cfg.Pattern.MaxEditDistance, "LOQA_PATTERN_MAX_EDIT_DISTANCE")
	overrideInt(&cfg.Pattern.RunWeight, "LOQA_PATTERN_RUN_WEIGHT")
	overrideString(&cfg.Pattern.Alphabet, "LOQA_PATTERN_ALPHABET")
	overrideString(&cfg.Recognizer.Mode, "LOQA_RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.Command, "LOQA_RECOGNIZER_COMMAND")
	overrideString(&cfg.Recognizer.ModelPath, "LOQA_RECOGNIZER_MODEL_PATH")
	overrideString(&cfg.Recognizer.Language, "LOQA_RECOGNIZER_LANGUAGE")
	overrideBool(&cfg.Recognizer.PublishInterim, "LOQA_RECOGNIZER_PUBLISH_INTERIM")
	overrideInt(&cfg.Recognizer.PartialEveryMS, "LOQA_RECOGNIZER_PARTIAL_EVERY_MS")
	overrideInt(&cfg.Recognizer.EndSilenceMS, "LOQA_RECOGNIZER_END_SILENCE_MS")
	overrideInt(&cfg.Recognizer.MaxUtteranceMS, "LOQA_RECOGNIZER_MAX_UTTERANCE_MS")
	overrideInt(&cfg.Recognizer.VADMode, "LOQA_RECOGNIZER_VAD_MODE")
	overrideInt(&cfg.Recognizer.TimeoutMS, "LOQA_RECOGNIZER_TIMEOUT_MS")
	overrideStringSlice(&cfg.Recognizer.MockScript, "LOQA_RECOGNIZER_MOCK_SCRIPT")
	overrideInt(&cfg.Recognizer.MockFrames, "LOQA_RECOGNIZER_MOCK_FRAMES_PER_UTTERANCE")
	overrideString(&cfg.Audio.Mode, "LOQA_AUDIO_MODE")
	overrideString(&cfg.Audio.Device, "LOQA_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "LOQA_AUDIO_FRAME_DURATION_MS")
	overrideInt(&cfg.Audio.BufferFrames, "LOQA_AUDIO_BUFFER_FRAMES")
	overrideBool(&cfg.Audio.EchoCancellation, "LOQA_AUDIO_ECHO_CANCELLATION")
	overrideBool(&cfg.Audio.NoiseSuppression, "LOQA_AUDIO_NOISE_SUPPRESSION")
	overrideBool(&cfg.Serial.Enabled, "LOQA_SERIAL_ENABLED")
	overrideString(&cfg.Serial.Port, "LOQA_SERIAL_PORT")
	overrideStringSlice(&cfg.Serial.Authorized, "LOQA_SERIAL_AUTHORIZED")
	overrideInt(&cfg.Serial.BaudRate, "LOQA_SERIAL_BAUD_RATE")
	overrideBool(&cfg.Serial.AutoReconnect, "LOQA_SERIAL_AUTO_RECONNECT")
	overrideInt(&cfg.Serial.ReconnectAttempts, "LOQA_SERIAL_RECONNECT_ATTEMPTS")
	overrideInt(&cfg.Serial.WatchIntervalMS, "LOQA_SERIAL_WATCH_INTERVAL_MS")
	overrideInt(&cfg.Serial.QueueSize, "LOQA_SERIAL_QUEUE_SIZE")
	overrideBool(&cfg.Session.AutoStart, "LOQA_SESSION_AUTO_START")
	overrideInt(&cfg.Session.TranscriptLimit, "LOQA_SESSION_TRANSCRIPT_LIMIT")
	overrideInt(&cfg.Session.EventBuffer, "LOQA_SESSION_EVENT_BUFFER")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "console":
	default:
		return errors.New("telemetry.log_format must be one of json|console")
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
	if strings.TrimSpace(cfg.Pattern.Phrase) == "" {
		return errors.New("pattern.phrase must not be empty")
	}
	switch cfg.Pattern.Mode {
	case "fuzzy_window", "exact_run":
	default:
		return errors.New("pattern.mode must be one of fuzzy_window|exact_run")
	}
	if cfg.Pattern.MaxEditDistance < 0 {
		return errors.New("pattern.max_edit_distance must be >= 0")
	}
	switch cfg.Pattern.Alphabet {
	case "latin", "passthrough":
	default:
		return errors.New("pattern.alphabet must be one of latin|passthrough")
	}
	switch cfg.Recognizer.Mode {
	case "mock":
	case "exec":
		if cfg.Recognizer.Command == "" {
			return errors.New("recognizer.command must be set when mode=exec")
		}
		if cfg.Recognizer.VADMode < 0 || cfg.Recognizer.VADMode > 3 {
			return errors.New("recognizer.vad_mode must be between 0 and 3")
		}
	default:
		return errors.New("recognizer.mode must be one of mock|exec")
	}
	switch cfg.Audio.Mode {
	case "device", "mock":
	default:
		return errors.New("audio.mode must be one of device|mock")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	if cfg.Audio.BufferFrames <= 0 {
		return errors.New("audio.buffer_frames must be positive")
	}
	if cfg.Serial.Enabled {
		if cfg.Serial.BaudRate <= 0 {
			return errors.New("serial.baud_rate must be positive")
		}
		if cfg.Serial.WatchIntervalMS <= 0 {
			return errors.New("serial.watch_interval_ms must be positive")
		}
	}
	if cfg.Session.TranscriptLimit < 0 {
		return errors.New("session.transcript_limit must be >= 0")
	}
	return nil
}
