// Package config provides configuration management for the hapi hub and runner.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for hapi.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Push     PushConfig     `mapstructure:"push"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig holds hub HTTP server configuration.
type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	ReadTimeout  int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int      `mapstructure:"writeTimeout"` // in seconds
	WebOrigin    string   `mapstructure:"webOrigin"`    // origin used in push deep links
	CORSOrigins  []string `mapstructure:"corsOrigins"`
}

// DatabaseConfig holds the embedded database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// PushConfig holds web-push (VAPID) configuration.
type PushConfig struct {
	VAPIDPublicKey  string `mapstructure:"vapidPublicKey"`
	VAPIDPrivateKey string `mapstructure:"vapidPrivateKey"`
	Subject         string `mapstructure:"subject"` // mailto: or origin URL
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RunnerConfig holds per-machine runner configuration.
type RunnerConfig struct {
	// Home is the data root for runner state, settings and sockets.
	Home string `mapstructure:"home"`
	// APIURL is the hub base URL the runner connects to.
	APIURL string `mapstructure:"apiUrl"`
	// Token is the machine-to-hub auth token. May carry a namespace
	// suffix ("token:ns").
	Token string `mapstructure:"token"`
	// HeartbeatIntervalMs bounds the window in which a newly installed
	// agent CLI version is detected.
	HeartbeatIntervalMs int `mapstructure:"heartbeatIntervalMs"`
	// ControlPort is the local HTTP control surface port.
	ControlPort int `mapstructure:"controlPort"`
	// FlavorFile optionally overrides the built-in agent flavor catalog.
	FlavorFile string `mapstructure:"flavorFile"`
}

// TracingConfig holds OpenTelemetry export configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// HeartbeatInterval returns the runner heartbeat interval as a time.Duration.
func (r *RunnerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatIntervalMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("HAPI_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hapi"
	}
	return filepath.Join(home, ".hapi")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.webOrigin", "http://localhost:8080")
	v.SetDefault("server.corsOrigins", []string{})

	// Database defaults
	v.SetDefault("database.path", filepath.Join(defaultHome(), "hapi.db"))

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "hapi-hub")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 30*24*3600)

	// Push defaults
	v.SetDefault("push.vapidPublicKey", "")
	v.SetDefault("push.vapidPrivateKey", "")
	v.SetDefault("push.subject", "mailto:admin@localhost")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Runner defaults
	v.SetDefault("runner.home", defaultHome())
	v.SetDefault("runner.apiUrl", "http://localhost:8080")
	v.SetDefault("runner.token", "")
	v.SetDefault("runner.heartbeatIntervalMs", 30000)
	v.SetDefault("runner.controlPort", 8181)
	v.SetDefault("runner.flavorFile", "")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix HAPI_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// the data root, or /etc/hapi/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("HAPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for legacy env var names that predate the
	// HAPI_<SECTION>_<KEY> convention.
	_ = v.BindEnv("runner.home", "HAPI_HOME")
	_ = v.BindEnv("runner.apiUrl", "HAPI_API_URL")
	_ = v.BindEnv("runner.token", "CLI_API_TOKEN")
	_ = v.BindEnv("runner.heartbeatIntervalMs", "HAPI_RUNNER_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("database.path", "HAPI_DB_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultHome())
	v.AddConfigPath("/etc/hapi/")

	// Read config file (ignore if not found)
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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// Auth - generate a throwaway secret in dev mode
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Runner.HeartbeatIntervalMs <= 0 {
		errs = append(errs, "runner.heartbeatIntervalMs must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateDevSecret generates a random secret for development mode.
// In production, users should set HAPI_AUTH_JWTSECRET.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
