package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chambrid/proxy-profiles/pkg/fetch"
	"github.com/chambrid/proxy-profiles/pkg/ratelimit"
	"github.com/chambrid/proxy-profiles/pkg/reorder"
	"github.com/chambrid/proxy-profiles/pkg/state"
)

// Defaults
const (
	DefaultDirName     = ".proxy-profiles"
	DefaultStateFormat = "yaml"
	DefaultReorderMode = "multi"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
	DefaultAPIHost     = "127.0.0.1"
	DefaultAPIPort     = 8080
)

// Config represents the application configuration
type Config struct {
	// Storage
	ProfilesDir string `env:"PROFILES_DIR"`
	StateFormat string `env:"STATE_FORMAT" validate:"oneof=yaml json" default:"yaml"`

	// Import
	FetchTimeout       time.Duration `env:"FETCH_TIMEOUT" default:"15s"`
	MaxPayloadBytes    int64         `env:"MAX_PAYLOAD_BYTES" default:"4194304"`
	FetchMinInterval   time.Duration `env:"FETCH_MIN_INTERVAL" default:"0s"`
	FetchMaxConcurrent int           `env:"FETCH_MAX_CONCURRENT" default:"4"`

	// Reordering
	ReorderMode string `env:"REORDER_MODE" validate:"oneof=multi collapsed" default:"multi"`

	// Application configuration
	LogLevel  string `env:"LOG_LEVEL" validate:"oneof=debug info warn error" default:"info"`
	LogFormat string `env:"LOG_FORMAT" validate:"oneof=text json" default:"text"`

	// REST API
	APIHost string `env:"API_HOST" default:"127.0.0.1"`
	APIPort int    `env:"API_PORT" default:"8080"`
}

// Provider defines the interface for configuration management
// This enables dependency injection and easy testing
type Provider interface {
	Load() (*Config, error)
	Validate(*Config) error
	LoadFromEnv() (*Config, error)
}

// Loader implements the Provider interface
type Loader struct {
	envLoader EnvLoader
}

// EnvLoader defines interface for environment variable loading
// This allows for testing with mock environment variables
type EnvLoader interface {
	Getenv(key string) string
	LookupEnv(key string) (string, bool)
}

// OSEnvLoader implements EnvLoader using os package
type OSEnvLoader struct{}

func (o *OSEnvLoader) Getenv(key string) string {
	return os.Getenv(key)
}

func (o *OSEnvLoader) LookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

// NewLoader creates a new configuration loader
func NewLoader() Provider {
	return &Loader{
		envLoader: &OSEnvLoader{},
	}
}

// NewLoaderWithEnv creates a loader with custom environment loader (for testing)
func NewLoaderWithEnv(envLoader EnvLoader) Provider {
	return &Loader{
		envLoader: envLoader,
	}
}

// Load loads configuration from environment variables
func (l *Loader) Load() (*Config, error) {
	return l.LoadFromEnv()
}

// LoadFromEnv loads configuration from environment variables. Numeric and
// duration values that fail to parse are reported by validation rather than
// silently replaced with defaults.
func (l *Loader) LoadFromEnv() (*Config, error) {
	config := &Config{}
	var problems []string

	config.ProfilesDir = l.getEnvWithDefault("PROFILES_DIR", defaultProfilesDir())
	config.StateFormat = strings.ToLower(l.getEnvWithDefault("STATE_FORMAT", DefaultStateFormat))

	var err error
	if config.FetchTimeout, err = l.getDurationWithDefault("FETCH_TIMEOUT", fetch.DefaultTimeout); err != nil {
		problems = append(problems, fmt.Sprintf("FETCH_TIMEOUT is invalid: %v", err))
	}
	if config.MaxPayloadBytes, err = l.getInt64WithDefault("MAX_PAYLOAD_BYTES", fetch.DefaultMaxBytes); err != nil {
		problems = append(problems, fmt.Sprintf("MAX_PAYLOAD_BYTES is invalid: %v", err))
	}
	if config.FetchMinInterval, err = l.getDurationWithDefault("FETCH_MIN_INTERVAL", 0); err != nil {
		problems = append(problems, fmt.Sprintf("FETCH_MIN_INTERVAL is invalid: %v", err))
	}
	concurrent, err := l.getInt64WithDefault("FETCH_MAX_CONCURRENT", ratelimit.DefaultMaxConcurrent)
	if err != nil {
		problems = append(problems, fmt.Sprintf("FETCH_MAX_CONCURRENT is invalid: %v", err))
	}
	config.FetchMaxConcurrent = int(concurrent)

	config.ReorderMode = strings.ToLower(l.getEnvWithDefault("REORDER_MODE", DefaultReorderMode))
	config.LogLevel = strings.ToLower(l.getEnvWithDefault("LOG_LEVEL", DefaultLogLevel))
	config.LogFormat = strings.ToLower(l.getEnvWithDefault("LOG_FORMAT", DefaultLogFormat))

	config.APIHost = l.getEnvWithDefault("API_HOST", DefaultAPIHost)
	port, err := l.getInt64WithDefault("API_PORT", DefaultAPIPort)
	if err != nil {
		problems = append(problems, fmt.Sprintf("API_PORT is invalid: %v", err))
	}
	config.APIPort = int(port)

	if err := l.Validate(config); err != nil {
		if ve, ok := err.(*ValidationError); ok {
			problems = append(problems, ve.Errors...)
		} else {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %w", &ValidationError{Errors: problems})
	}

	return config, nil
}

// Validate validates the configuration
func (l *Loader) Validate(config *Config) error {
	var errors []string

	if strings.TrimSpace(config.ProfilesDir) == "" {
		errors = append(errors, "PROFILES_DIR is required")
	}

	if _, err := state.ParseFormat(config.StateFormat); err != nil {
		errors = append(errors, fmt.Sprintf("STATE_FORMAT is invalid: %v", err))
	}

	if config.FetchTimeout <= 0 {
		errors = append(errors, "FETCH_TIMEOUT must be positive")
	}
	if config.MaxPayloadBytes <= 0 {
		errors = append(errors, "MAX_PAYLOAD_BYTES must be positive")
	}
	if config.FetchMinInterval < 0 {
		errors = append(errors, "FETCH_MIN_INTERVAL must not be negative")
	}
	if config.FetchMaxConcurrent < 1 {
		errors = append(errors, "FETCH_MAX_CONCURRENT must be at least 1")
	}

	if _, err := reorder.ParseMode(config.ReorderMode); err != nil {
		errors = append(errors, fmt.Sprintf("REORDER_MODE is invalid: %v", err))
	}

	if err := l.validateLogLevel(config.LogLevel); err != nil {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL is invalid: %v", err))
	}
	if err := l.validateLogFormat(config.LogFormat); err != nil {
		errors = append(errors, fmt.Sprintf("LOG_FORMAT is invalid: %v", err))
	}

	if config.APIHost != "" && config.APIHost != "localhost" && net.ParseIP(config.APIHost) == nil {
		errors = append(errors, "API_HOST must be an IP address or localhost")
	}
	if config.APIPort < 1 || config.APIPort > 65535 {
		errors = append(errors, "API_PORT must be between 1 and 65535")
	}

	if len(errors) > 0 {
		return &ValidationError{Errors: errors}
	}

	return nil
}

// APIAddress returns host:port for the REST server
func (c *Config) APIAddress() string {
	return net.JoinHostPort(c.APIHost, strconv.Itoa(c.APIPort))
}

// RateLimit returns the limiter settings for subscription fetches
func (c *Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		Delay:         c.FetchMinInterval,
		MaxConcurrent: c.FetchMaxConcurrent,
	}
}

// ValidationError represents configuration validation errors
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Helper methods

func defaultProfilesDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDirName
	}
	return filepath.Join(home, DefaultDirName)
}

func (l *Loader) getEnvWithDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(l.envLoader.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func (l *Loader) validateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("must be one of: %s", strings.Join(validLevels, ", "))
}

func (l *Loader) validateLogFormat(format string) error {
	validFormats := []string{"text", "json"}
	for _, valid := range validFormats {
		if format == valid {
			return nil
		}
	}
	return fmt.Errorf("must be one of: %s", strings.Join(validFormats, ", "))
}

// getDurationWithDefault gets a duration from environment with fallback to default
func (l *Loader) getDurationWithDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := strings.TrimSpace(l.envLoader.Getenv(key))
	if valueStr == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(valueStr)
}

// getInt64WithDefault gets an integer from environment with fallback to default
func (l *Loader) getInt64WithDefault(key string, defaultValue int64) (int64, error) {
	valueStr := strings.TrimSpace(l.envLoader.Getenv(key))
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.ParseInt(valueStr, 10, 64)
}
