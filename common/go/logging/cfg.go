package logging

import "go.uber.org/zap/zapcore"

// Config is the configuration for the logging subsystem.
type Config struct {
	// Level is the logging level.
	Level zapcore.Level `yaml:"level"`
	// Format is the encoder used for log records, either "console" or
	// "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "console",
	}
}
