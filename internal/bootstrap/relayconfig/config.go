// Package relayconfig loads daemon settings: defaults, then a YAML or TOML
// file, then RELAY_* environment overrides.
package relayconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr               = "127.0.0.1:4000"
	DefaultPollWindow         = 10 * time.Second
	DefaultRouter             = "rooms"
	DefaultMaxSessions        = 10000
	DefaultMaxConcurrentPolls = 2048
	DefaultMaxPollsPerClient  = 4
	DefaultClientRPS          = 20
	DefaultClientBurst        = 40
	DefaultDispatchRPS        = 50
	DefaultDispatchBurst      = 100
	DefaultShutdownTimeout    = 5 * time.Second
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
)

var ErrInvalidConfig = errors.New("relayconfig: invalid config")

type Config struct {
	HTTP   HTTPConfig
	Relay  RelayConfig
	Limits LimitsConfig
	Log    LogConfig
}

type HTTPConfig struct {
	Addr            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	TokenSecret     string
	EnableMetrics   bool
}

type RelayConfig struct {
	Router      string
	PollWindow  time.Duration
	MaxSessions int
	TopicPrefix string
}

type LimitsConfig struct {
	ClientRPS          float64
	ClientBurst        int
	MaxConcurrentPolls int
	MaxPollsPerClient  int
	DispatchRPS        float64
	DispatchBurst      int
}

type LogConfig struct {
	Level  string
	Format string
}

// FileConfig is the on-disk shape; zero values leave defaults untouched.
type FileConfig struct {
	HTTP   FileHTTPConfig   `yaml:"http" toml:"http"`
	Relay  FileRelayConfig  `yaml:"relay" toml:"relay"`
	Limits FileLimitsConfig `yaml:"limits" toml:"limits"`
	Log    FileLogConfig    `yaml:"log" toml:"log"`
}

type FileHTTPConfig struct {
	Addr            string        `yaml:"addr" toml:"addr"`
	AllowedOrigins  []string      `yaml:"allowedOrigins" toml:"allowedOrigins"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" toml:"shutdownTimeout"`
	TokenSecret     string        `yaml:"tokenSecret" toml:"tokenSecret"`
	EnableMetrics   *bool         `yaml:"enableMetrics" toml:"enableMetrics"`
}

type FileRelayConfig struct {
	Router      string        `yaml:"router" toml:"router"`
	PollWindow  time.Duration `yaml:"pollWindow" toml:"pollWindow"`
	MaxSessions int           `yaml:"maxSessions" toml:"maxSessions"`
	TopicPrefix string        `yaml:"topicPrefix" toml:"topicPrefix"`
}

type FileLimitsConfig struct {
	ClientRPS          float64 `yaml:"clientRps" toml:"clientRps"`
	ClientBurst        int     `yaml:"clientBurst" toml:"clientBurst"`
	MaxConcurrentPolls int     `yaml:"maxConcurrentPolls" toml:"maxConcurrentPolls"`
	MaxPollsPerClient  int     `yaml:"maxPollsPerClient" toml:"maxPollsPerClient"`
	DispatchRPS        float64 `yaml:"dispatchRps" toml:"dispatchRps"`
	DispatchBurst      int     `yaml:"dispatchBurst" toml:"dispatchBurst"`
}

type FileLogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            DefaultAddr,
			ShutdownTimeout: DefaultShutdownTimeout,
			EnableMetrics:   true,
		},
		Relay: RelayConfig{
			Router:      DefaultRouter,
			PollWindow:  DefaultPollWindow,
			MaxSessions: DefaultMaxSessions,
		},
		Limits: LimitsConfig{
			ClientRPS:          DefaultClientRPS,
			ClientBurst:        DefaultClientBurst,
			MaxConcurrentPolls: DefaultMaxConcurrentPolls,
			MaxPollsPerClient:  DefaultMaxPollsPerClient,
			DispatchRPS:        DefaultDispatchRPS,
			DispatchBurst:      DefaultDispatchBurst,
		},
		Log: LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// LoadFromPath builds the effective config. An explicit path must exist and
// parse; without one the usual locations are tried and silently skipped.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{"configs/relay.yaml", "configs/relay.toml"}
	explicit := strings.TrimSpace(configPath) != ""
	if explicit {
		candidates = []string{configPath}
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if explicit {
				return Config{}, fmt.Errorf("relayconfig: read %s: %w", path, err)
			}
			continue
		}
		parsed, err := Parse(path, data)
		if err != nil {
			return Config{}, err
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes data as TOML when path ends in .toml and as YAML otherwise.
func Parse(path string, data []byte) (FileConfig, error) {
	var parsed FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &parsed); err != nil {
			return FileConfig{}, fmt.Errorf("relayconfig: parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return FileConfig{}, fmt.Errorf("relayconfig: parse %s: %w", path, err)
		}
	}
	return parsed, nil
}

func Merge(dst *Config, src FileConfig) {
	if src.HTTP.Addr != "" {
		dst.HTTP.Addr = src.HTTP.Addr
	}
	if src.HTTP.AllowedOrigins != nil {
		dst.HTTP.AllowedOrigins = src.HTTP.AllowedOrigins
	}
	if src.HTTP.ShutdownTimeout != 0 {
		dst.HTTP.ShutdownTimeout = src.HTTP.ShutdownTimeout
	}
	if src.HTTP.TokenSecret != "" {
		dst.HTTP.TokenSecret = src.HTTP.TokenSecret
	}
	if src.HTTP.EnableMetrics != nil {
		dst.HTTP.EnableMetrics = *src.HTTP.EnableMetrics
	}
	if src.Relay.Router != "" {
		dst.Relay.Router = src.Relay.Router
	}
	if src.Relay.PollWindow != 0 {
		dst.Relay.PollWindow = src.Relay.PollWindow
	}
	if src.Relay.MaxSessions != 0 {
		dst.Relay.MaxSessions = src.Relay.MaxSessions
	}
	if src.Relay.TopicPrefix != "" {
		dst.Relay.TopicPrefix = src.Relay.TopicPrefix
	}
	if src.Limits.ClientRPS != 0 {
		dst.Limits.ClientRPS = src.Limits.ClientRPS
	}
	if src.Limits.ClientBurst != 0 {
		dst.Limits.ClientBurst = src.Limits.ClientBurst
	}
	if src.Limits.MaxConcurrentPolls != 0 {
		dst.Limits.MaxConcurrentPolls = src.Limits.MaxConcurrentPolls
	}
	if src.Limits.MaxPollsPerClient != 0 {
		dst.Limits.MaxPollsPerClient = src.Limits.MaxPollsPerClient
	}
	if src.Limits.DispatchRPS != 0 {
		dst.Limits.DispatchRPS = src.Limits.DispatchRPS
	}
	if src.Limits.DispatchBurst != 0 {
		dst.Limits.DispatchBurst = src.Limits.DispatchBurst
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
}

// ApplyEnvOverrides reads RELAY_* variables; unparsable values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if addr := strings.TrimSpace(os.Getenv("RELAY_ADDR")); addr != "" {
		cfg.HTTP.Addr = addr
	}
	if secret := strings.TrimSpace(os.Getenv("RELAY_TOKEN_SECRET")); secret != "" {
		cfg.HTTP.TokenSecret = secret
	}
	if level := strings.TrimSpace(os.Getenv("RELAY_LOG_LEVEL")); level != "" {
		cfg.Log.Level = level
	}
	if format := strings.TrimSpace(os.Getenv("RELAY_LOG_FORMAT")); format != "" {
		cfg.Log.Format = format
	}
	if raw := strings.TrimSpace(os.Getenv("RELAY_POLL_WINDOW")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			cfg.Relay.PollWindow = d
		}
	}
	if raw := strings.TrimSpace(os.Getenv("RELAY_MAX_SESSIONS")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.Relay.MaxSessions = n
		}
	}
	if raw := strings.TrimSpace(os.Getenv("RELAY_MAX_POLLS_PER_CLIENT")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.Limits.MaxPollsPerClient = n
		}
	}
	if raw := strings.TrimSpace(os.Getenv("RELAY_ENABLE_METRICS")); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.HTTP.EnableMetrics = v
		}
	}
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.HTTP.Addr) == "":
		return fmt.Errorf("%w: http addr is required", ErrInvalidConfig)
	case strings.TrimSpace(c.Relay.Router) == "":
		return fmt.Errorf("%w: relay router is required", ErrInvalidConfig)
	case c.Relay.PollWindow <= 0:
		return fmt.Errorf("%w: poll window must be positive", ErrInvalidConfig)
	case c.Relay.MaxSessions < 0:
		return fmt.Errorf("%w: max sessions must not be negative", ErrInvalidConfig)
	case c.Limits.MaxConcurrentPolls < 0:
		return fmt.Errorf("%w: max concurrent polls must not be negative", ErrInvalidConfig)
	case c.Limits.MaxPollsPerClient < 0:
		return fmt.Errorf("%w: max polls per client must not be negative", ErrInvalidConfig)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

func ParseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: log level %q", ErrInvalidConfig, raw)
	}
	return level, nil
}
