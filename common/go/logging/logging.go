package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Init initializes the logging subsystem.
func Init(cfg *Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	var encoderConfig zapcore.EncoderConfig

	encoding := cfg.Format
	switch encoding {
	case "", "console":
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		if term.IsTerminal(int(os.Stderr.Fd())) {
			encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
	case "json":
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      false,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.Sugar(), config.Level, nil
}
