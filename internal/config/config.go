// Package config provides layered configuration for the CodeMate gateway.
//
// Precedence (highest first): CLI flags, CODEMATE_* environment variables,
// the project config file (.codemate/config.yaml), built-in defaults.
package config

import (
	"path/filepath"

	"github.com/codemate-dev/gateway/internal/constants"
)

// Config holds the gateway configuration.
type Config struct {
	// Server holds the HTTP listener settings.
	Server ServerConfig `mapstructure:"server"`

	// DBPath is the SQLite database file path.
	DBPath string `mapstructure:"db_path"`

	// Log holds logging settings.
	Log LogConfig `mapstructure:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Verbose enables debug-level logging.
	Verbose bool `mapstructure:"verbose"`
	// Quiet restricts logging to warnings and errors.
	Quiet bool `mapstructure:"quiet"`
}

// DefaultDBPath returns the default database location relative to the
// working directory.
func DefaultDBPath() string {
	return filepath.Join(constants.DefaultDBDir, constants.DefaultDBFile)
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: constants.DefaultHost,
			Port: constants.DefaultPort,
		},
		DBPath: DefaultDBPath(),
	}
}
