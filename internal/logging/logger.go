package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates and configures a new zap logger
func NewLogger() (*zap.Logger, error) {
	return NewLoggerAtLevel(zapcore.InfoLevel)
}

// NewLoggerAtLevel creates a new zap logger at the given level
func NewLoggerAtLevel(level zapcore.Level) (*zap.Logger, error) {
	// Configure zap logger with production settings
	config := zap.NewProductionConfig()

	config.Level = zap.NewAtomicLevelAt(level)
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// ParseLevel converts a config string into a zap level, defaulting to info
func ParseLevel(s string) zapcore.Level {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// NewNopLogger returns a logger that discards all output, for tests
func NewNopLogger() *zap.Logger {
	return zap.NewNop()
}
