// Package config provides configuration management for relaydesk.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/relaydesk/relaydesk/internal/common/logger"
)

// Config holds all configuration sections for relaydesk.
type Config struct {
	Gateway    GatewayConfig        `mapstructure:"gateway"`
	Supervisor SupervisorConfig     `mapstructure:"supervisor"`
	Protocol   ProtocolConfig       `mapstructure:"protocol"`
	Reconnect  ReconnectConfig      `mapstructure:"reconnect"`
	Health     HealthConfig         `mapstructure:"health"`
	History    HistoryConfig        `mapstructure:"history"`
	API        APIConfig            `mapstructure:"api"`
	Logging    logger.LoggingConfig `mapstructure:"logging"`
}

// GatewayConfig describes the external gateway process and its connection
// endpoint.
type GatewayConfig struct {
	Binary       string   `mapstructure:"binary"`       // gateway executable (looked up on PATH if bare)
	Subcommand   string   `mapstructure:"subcommand"`   // single subcommand passed to the binary
	Args         []string `mapstructure:"args"`         // extra arguments after the subcommand
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	WSPath       string   `mapstructure:"wsPath"`
	TokenFile    string   `mapstructure:"tokenFile"`    // shared auth token, may be rotated by the gateway
	IdentityFile string   `mapstructure:"identityFile"` // optional stable device identity
	Workdir      string   `mapstructure:"workdir"`      // defaults to the user's home directory
}

// SupervisorConfig tunes process supervision.
type SupervisorConfig struct {
	ReadyMarkers  []string `mapstructure:"readyMarkers"`  // stdout substrings that signal readiness
	ReadyTimeout  int      `mapstructure:"readyTimeout"`  // seconds; alive past this counts as ready
	OrphanPattern string   `mapstructure:"orphanPattern"` // process signature for orphan cleanup
	StopGrace     int      `mapstructure:"stopGrace"`     // seconds to wait for exit confirmation after a kill
}

// ProtocolConfig tunes the duplex protocol client.
type ProtocolConfig struct {
	MinProtocol      int      `mapstructure:"minProtocol"`
	MaxProtocol      int      `mapstructure:"maxProtocol"`
	Role             string   `mapstructure:"role"`
	Scopes           []string `mapstructure:"scopes"`
	Caps             []string `mapstructure:"caps"`
	RequestTimeout   int      `mapstructure:"requestTimeout"`   // seconds
	HandshakeTimeout int      `mapstructure:"handshakeTimeout"` // seconds
}

// ReconnectConfig tunes reconnection after unexpected transport loss.
type ReconnectConfig struct {
	BaseDelayMs int `mapstructure:"baseDelayMs"`
	CapMs       int `mapstructure:"capMs"`
	MaxAttempts int `mapstructure:"maxAttempts"`
}

// HealthConfig tunes the composite liveness monitor.
type HealthConfig struct {
	Interval         int `mapstructure:"interval"` // seconds
	FailureThreshold int `mapstructure:"failureThreshold"`
	SettleDelay      int `mapstructure:"settleDelay"` // seconds between stop and start on auto-restart
}

// HistoryConfig tunes conversation history persistence.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	MaxRows int    `mapstructure:"maxRows"`
}

// APIConfig tunes the local HTTP control API consumed by the host UI layer.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// ReadyTimeoutDuration returns the readiness timeout as a time.Duration.
func (s *SupervisorConfig) ReadyTimeoutDuration() time.Duration {
	return time.Duration(s.ReadyTimeout) * time.Second
}

// StopGraceDuration returns the stop grace period as a time.Duration.
func (s *SupervisorConfig) StopGraceDuration() time.Duration {
	return time.Duration(s.StopGrace) * time.Second
}

// RequestTimeoutDuration returns the request timeout as a time.Duration.
func (p *ProtocolConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(p.RequestTimeout) * time.Second
}

// HandshakeTimeoutDuration returns the handshake timeout as a time.Duration.
func (p *ProtocolConfig) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(p.HandshakeTimeout) * time.Second
}

// BaseDelay returns the reconnect base delay as a time.Duration.
func (r *ReconnectConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// Cap returns the reconnect delay cap as a time.Duration.
func (r *ReconnectConfig) Cap() time.Duration {
	return time.Duration(r.CapMs) * time.Millisecond
}

// IntervalDuration returns the health check interval as a time.Duration.
func (h *HealthConfig) IntervalDuration() time.Duration {
	return time.Duration(h.Interval) * time.Second
}

// SettleDelayDuration returns the restart settle delay as a time.Duration.
func (h *HealthConfig) SettleDelayDuration() time.Duration {
	return time.Duration(h.SettleDelay) * time.Second
}

// Addr returns the control API listen address.
func (a *APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".relaydesk")

	// Gateway defaults
	v.SetDefault("gateway.binary", "relay-gateway")
	v.SetDefault("gateway.subcommand", "serve")
	v.SetDefault("gateway.args", []string{})
	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 18789)
	v.SetDefault("gateway.wsPath", "/")
	v.SetDefault("gateway.tokenFile", filepath.Join(stateDir, "gateway.token"))
	v.SetDefault("gateway.identityFile", filepath.Join(stateDir, "device.id"))
	v.SetDefault("gateway.workdir", home)

	// Supervisor defaults
	v.SetDefault("supervisor.readyMarkers", []string{"listening on", "gateway ready"})
	v.SetDefault("supervisor.readyTimeout", 20)
	v.SetDefault("supervisor.orphanPattern", "relay-gateway serve")
	v.SetDefault("supervisor.stopGrace", 2)

	// Protocol defaults
	v.SetDefault("protocol.minProtocol", 1)
	v.SetDefault("protocol.maxProtocol", 1)
	v.SetDefault("protocol.role", "operator")
	v.SetDefault("protocol.scopes", []string{"chat", "channels"})
	v.SetDefault("protocol.caps", []string{"chat.stream"})
	v.SetDefault("protocol.requestTimeout", 30)
	v.SetDefault("protocol.handshakeTimeout", 10)

	// Reconnect defaults: linear-capped, escalate to restart after 5 tries
	v.SetDefault("reconnect.baseDelayMs", 1000)
	v.SetDefault("reconnect.capMs", 10000)
	v.SetDefault("reconnect.maxAttempts", 5)

	// Health defaults
	v.SetDefault("health.interval", 10)
	v.SetDefault("health.failureThreshold", 3)
	v.SetDefault("health.settleDelay", 2)

	// History defaults
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", filepath.Join(stateDir, "history.db"))
	v.SetDefault("history.maxRows", 5000)

	// Control API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 18790)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.maxSizeMb", 20)
	v.SetDefault("logging.maxBackups", 3)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RELAYDESK_ with underscore separators.
// The config file should be named config.yaml in the current directory or
// ~/.relaydesk/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RELAYDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys, so bind the ones whose env
	// naming differs from the config key naming.
	_ = v.BindEnv("gateway.port", "RELAYDESK_GATEWAY_PORT")
	_ = v.BindEnv("gateway.binary", "RELAYDESK_GATEWAY_BINARY")
	_ = v.BindEnv("gateway.tokenFile", "RELAYDESK_GATEWAY_TOKEN_FILE")
	_ = v.BindEnv("api.port", "RELAYDESK_API_PORT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".relaydesk"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Gateway.Binary == "" {
		errs = append(errs, "gateway.binary is required")
	}
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}
	if cfg.API.Enabled && (cfg.API.Port <= 0 || cfg.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if cfg.Reconnect.BaseDelayMs <= 0 {
		errs = append(errs, "reconnect.baseDelayMs must be positive")
	}
	if cfg.Reconnect.CapMs < cfg.Reconnect.BaseDelayMs {
		errs = append(errs, "reconnect.capMs must be at least reconnect.baseDelayMs")
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		errs = append(errs, "reconnect.maxAttempts must be positive")
	}
	if cfg.Health.Interval <= 0 {
		errs = append(errs, "health.interval must be positive")
	}
	if cfg.Health.FailureThreshold <= 0 {
		errs = append(errs, "health.failureThreshold must be positive")
	}
	if cfg.History.Enabled && cfg.History.MaxRows <= 0 {
		errs = append(errs, "history.maxRows must be positive when history is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// WriteDefault writes a commented starter config file with default values to
// the given path. Existing files are left untouched.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("error building defaults: %w", err)
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("error marshaling defaults: %w", err)
	}

	header := "# relaydesk configuration.\n# All values shown are defaults; uncomment and edit as needed.\n# Environment variables with the RELAYDESK_ prefix override file values.\n"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append([]byte(header), data...), 0o644)
}
