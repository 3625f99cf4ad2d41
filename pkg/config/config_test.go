package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// MockEnvLoader implements EnvLoader for testing
type MockEnvLoader struct {
	vars map[string]string
}

func NewMockEnvLoader(vars map[string]string) *MockEnvLoader {
	return &MockEnvLoader{vars: vars}
}

func (m *MockEnvLoader) Getenv(key string) string {
	return m.vars[key]
}

func (m *MockEnvLoader) LookupEnv(key string) (string, bool) {
	val, exists := m.vars[key]
	return val, exists
}

func TestConfig_LoadFromEnv_Success(t *testing.T) {
	envVars := map[string]string{
		"PROFILES_DIR":         "/var/lib/proxy-profiles",
		"STATE_FORMAT":         "JSON",
		"FETCH_TIMEOUT":        "5s",
		"MAX_PAYLOAD_BYTES":    "1024",
		"FETCH_MIN_INTERVAL":   "250ms",
		"FETCH_MAX_CONCURRENT": "2",
		"REORDER_MODE":         "collapsed",
		"LOG_LEVEL":            "debug",
		"LOG_FORMAT":           "json",
		"API_HOST":             "0.0.0.0",
		"API_PORT":             "9090",
	}

	loader := NewLoaderWithEnv(NewMockEnvLoader(envVars))
	config, err := loader.Load()

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if config.ProfilesDir != "/var/lib/proxy-profiles" {
		t.Errorf("Expected PROFILES_DIR '/var/lib/proxy-profiles', got '%s'", config.ProfilesDir)
	}
	if config.StateFormat != "json" {
		t.Errorf("Expected STATE_FORMAT 'json', got '%s'", config.StateFormat)
	}
	if config.FetchTimeout != 5*time.Second {
		t.Errorf("Expected FETCH_TIMEOUT 5s, got %v", config.FetchTimeout)
	}
	if config.MaxPayloadBytes != 1024 {
		t.Errorf("Expected MAX_PAYLOAD_BYTES 1024, got %d", config.MaxPayloadBytes)
	}
	if rl := config.RateLimit(); rl.Delay != 250*time.Millisecond || rl.MaxConcurrent != 2 {
		t.Errorf("Expected rate limit 250ms/2, got %+v", rl)
	}
	if config.ReorderMode != "collapsed" {
		t.Errorf("Expected REORDER_MODE 'collapsed', got '%s'", config.ReorderMode)
	}
	if config.LogLevel != "debug" {
		t.Errorf("Expected LOG_LEVEL 'debug', got '%s'", config.LogLevel)
	}
	if config.LogFormat != "json" {
		t.Errorf("Expected LOG_FORMAT 'json', got '%s'", config.LogFormat)
	}
	if config.APIAddress() != "0.0.0.0:9090" {
		t.Errorf("Expected API address '0.0.0.0:9090', got '%s'", config.APIAddress())
	}
}

func TestConfig_LoadFromEnv_WithDefaults(t *testing.T) {
	loader := NewLoaderWithEnv(NewMockEnvLoader(map[string]string{}))
	config, err := loader.Load()

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !strings.HasSuffix(config.ProfilesDir, DefaultDirName) {
		t.Errorf("Expected default PROFILES_DIR ending in '%s', got '%s'", DefaultDirName, config.ProfilesDir)
	}
	if config.StateFormat != "yaml" {
		t.Errorf("Expected default STATE_FORMAT 'yaml', got '%s'", config.StateFormat)
	}
	if config.FetchTimeout != 15*time.Second {
		t.Errorf("Expected default FETCH_TIMEOUT 15s, got %v", config.FetchTimeout)
	}
	if config.MaxPayloadBytes != 4194304 {
		t.Errorf("Expected default MAX_PAYLOAD_BYTES 4194304, got %d", config.MaxPayloadBytes)
	}
	if config.FetchMinInterval != 0 || config.FetchMaxConcurrent != 4 {
		t.Errorf("Expected default fetch limits 0s/4, got %v/%d", config.FetchMinInterval, config.FetchMaxConcurrent)
	}
	if config.ReorderMode != "multi" {
		t.Errorf("Expected default REORDER_MODE 'multi', got '%s'", config.ReorderMode)
	}
	if config.LogLevel != "info" {
		t.Errorf("Expected default LOG_LEVEL 'info', got '%s'", config.LogLevel)
	}
	if config.LogFormat != "text" {
		t.Errorf("Expected default LOG_FORMAT 'text', got '%s'", config.LogFormat)
	}
	if config.APIAddress() != "127.0.0.1:8080" {
		t.Errorf("Expected default API address '127.0.0.1:8080', got '%s'", config.APIAddress())
	}
}

func TestConfig_Validation_InvalidValues(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected string
	}{
		{
			name:     "invalid state format",
			envVars:  map[string]string{"STATE_FORMAT": "toml"},
			expected: "STATE_FORMAT is invalid",
		},
		{
			name:     "unparsable timeout",
			envVars:  map[string]string{"FETCH_TIMEOUT": "soon"},
			expected: "FETCH_TIMEOUT is invalid",
		},
		{
			name:     "negative timeout",
			envVars:  map[string]string{"FETCH_TIMEOUT": "-1s"},
			expected: "FETCH_TIMEOUT must be positive",
		},
		{
			name:     "zero payload cap",
			envVars:  map[string]string{"MAX_PAYLOAD_BYTES": "0"},
			expected: "MAX_PAYLOAD_BYTES must be positive",
		},
		{
			name:     "negative fetch interval",
			envVars:  map[string]string{"FETCH_MIN_INTERVAL": "-1s"},
			expected: "FETCH_MIN_INTERVAL must not be negative",
		},
		{
			name:     "zero fetch concurrency",
			envVars:  map[string]string{"FETCH_MAX_CONCURRENT": "0"},
			expected: "FETCH_MAX_CONCURRENT must be at least 1",
		},
		{
			name:     "unparsable fetch concurrency",
			envVars:  map[string]string{"FETCH_MAX_CONCURRENT": "many"},
			expected: "FETCH_MAX_CONCURRENT is invalid",
		},
		{
			name:     "invalid reorder mode",
			envVars:  map[string]string{"REORDER_MODE": "shuffle"},
			expected: "REORDER_MODE is invalid",
		},
		{
			name:     "invalid log level",
			envVars:  map[string]string{"LOG_LEVEL": "invalid"},
			expected: "LOG_LEVEL is invalid",
		},
		{
			name:     "invalid log format",
			envVars:  map[string]string{"LOG_FORMAT": "invalid"},
			expected: "LOG_FORMAT is invalid",
		},
		{
			name:     "invalid host",
			envVars:  map[string]string{"API_HOST": "not a host"},
			expected: "API_HOST must be an IP address or localhost",
		},
		{
			name:     "port out of range",
			envVars:  map[string]string{"API_PORT": "70000"},
			expected: "API_PORT must be between 1 and 65535",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoaderWithEnv(NewMockEnvLoader(tt.envVars))
			_, err := loader.Load()

			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}

			if !strings.Contains(err.Error(), tt.expected) {
				t.Errorf("Expected error to contain '%s', got: %v", tt.expected, err)
			}
		})
	}
}

func TestConfig_Validation_MultipleErrors(t *testing.T) {
	envVars := map[string]string{
		"STATE_FORMAT": "xml",
		"REORDER_MODE": "random",
		"API_PORT":     "http",
	}

	loader := NewLoaderWithEnv(NewMockEnvLoader(envVars))
	_, err := loader.Load()

	if err == nil {
		t.Fatal("Expected validation error, got nil")
	}

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected *ValidationError in chain, got %T", err)
	}

	expectedErrors := []string{
		"STATE_FORMAT is invalid",
		"REORDER_MODE is invalid",
		"API_PORT is invalid",
	}

	for _, expected := range expectedErrors {
		if !strings.Contains(err.Error(), expected) {
			t.Errorf("Expected error to contain '%s', got: %v", expected, err)
		}
	}
}

func TestValidationError_Error(t *testing.T) {
	errors := []string{
		"PROFILES_DIR is required",
		"LOG_LEVEL is invalid",
	}

	err := &ValidationError{Errors: errors}
	errorMsg := err.Error()

	expected := "configuration validation failed:\n  - PROFILES_DIR is required\n  - LOG_LEVEL is invalid"
	if errorMsg != expected {
		t.Errorf("Expected error message:\n%s\nGot:\n%s", expected, errorMsg)
	}
}

func TestLogLevel_Validation(t *testing.T) {
	loader := &Loader{}

	validLevels := []string{"debug", "info", "warn", "error"}
	for _, level := range validLevels {
		t.Run("valid_"+level, func(t *testing.T) {
			err := loader.validateLogLevel(level)
			if err != nil {
				t.Errorf("validateLogLevel(%s) should be valid, got error: %v", level, err)
			}
		})
	}

	invalidLevels := []string{"trace", "fatal", "panic", "invalid"}
	for _, level := range invalidLevels {
		t.Run("invalid_"+level, func(t *testing.T) {
			err := loader.validateLogLevel(level)
			if err == nil {
				t.Errorf("validateLogLevel(%s) should be invalid", level)
			}
		})
	}
}

func TestLogFormat_Validation(t *testing.T) {
	loader := &Loader{}

	validFormats := []string{"text", "json"}
	for _, format := range validFormats {
		t.Run("valid_"+format, func(t *testing.T) {
			err := loader.validateLogFormat(format)
			if err != nil {
				t.Errorf("validateLogFormat(%s) should be valid, got error: %v", format, err)
			}
		})
	}

	invalidFormats := []string{"xml", "yaml", "invalid"}
	for _, format := range invalidFormats {
		t.Run("invalid_"+format, func(t *testing.T) {
			err := loader.validateLogFormat(format)
			if err == nil {
				t.Errorf("validateLogFormat(%s) should be invalid", format)
			}
		})
	}
}
