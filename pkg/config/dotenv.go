package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// DotEnvLoader implements Provider with .env file support
type DotEnvLoader struct {
	*Loader
	envFiles []string
}

// DefaultEnvFiles lists the .env files read when none are given: the one in
// the default profiles directory, then the one in the working directory.
// Later files override earlier ones.
func DefaultEnvFiles() []string {
	return []string{filepath.Join(defaultProfilesDir(), ".env"), ".env"}
}

// NewDotEnvLoader creates a new configuration loader with .env file support
func NewDotEnvLoader(envFiles ...string) Provider {
	if len(envFiles) == 0 {
		envFiles = DefaultEnvFiles()
	}

	return &DotEnvLoader{
		Loader:   &Loader{envLoader: &OSEnvLoader{}},
		envFiles: envFiles,
	}
}

// NewDotEnvLoaderWithEnv creates a loader with custom environment loader and .env support
func NewDotEnvLoaderWithEnv(envLoader EnvLoader, envFiles ...string) Provider {
	if len(envFiles) == 0 {
		envFiles = DefaultEnvFiles()
	}

	return &DotEnvLoader{
		Loader:   &Loader{envLoader: envLoader},
		envFiles: envFiles,
	}
}

// Load loads configuration from .env file(s) and environment variables.
// Missing files are skipped; values from .env files override the process
// environment.
func (d *DotEnvLoader) Load() (*Config, error) {
	existingFiles := []string{}
	for _, envFile := range d.envFiles {
		if _, err := os.Stat(envFile); err == nil {
			existingFiles = append(existingFiles, envFile)
		}
	}

	if len(existingFiles) > 0 {
		if err := godotenv.Overload(existingFiles...); err != nil {
			path := existingFiles[0]
			if len(existingFiles) > 1 {
				path = "multiple files: " + strings.Join(existingFiles, ", ")
			}
			return nil, NewEnvFileError(path, err)
		}
	}

	return d.LoadFromEnv()
}

// EnvFileError represents an error loading a .env file
type EnvFileError struct {
	FilePath string
	Err      error
}

func NewEnvFileError(filePath string, err error) *EnvFileError {
	return &EnvFileError{
		FilePath: filePath,
		Err:      err,
	}
}

func (e *EnvFileError) Error() string {
	return "failed to load .env file '" + e.FilePath + "': " + e.Err.Error()
}

func (e *EnvFileError) Unwrap() error {
	return e.Err
}

// LoadWithEnvFile is a convenience function to load configuration with .env file support
func LoadWithEnvFile(envFiles ...string) (*Config, error) {
	return NewDotEnvLoader(envFiles...).Load()
}
