// Package occlog provides the shared logging surface used across occurrent's
// packages: a swappable global *zap.Logger plus free functions so callers
// never have to thread a logger through every constructor by hand.
package occlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the package-level logger used by any component that was not
// given an explicit one.
var Logger *zap.Logger

func init() {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	var err error
	Logger, err = config.Build(zap.AddCallerSkip(1))
	if err != nil {
		Logger = zap.NewNop()
	}
}

// Debug logs a debug message on the package logger.
func Debug(msg string, fields ...zap.Field) { Logger.Debug(msg, fields...) }

// Info logs an info message on the package logger.
func Info(msg string, fields ...zap.Field) { Logger.Info(msg, fields...) }

// Warn logs a warning message on the package logger.
func Warn(msg string, fields ...zap.Field) { Logger.Warn(msg, fields...) }

// Error logs an error message on the package logger.
func Error(msg string, fields ...zap.Field) { Logger.Error(msg, fields...) }

// With returns a child logger carrying the given fields.
func With(fields ...zap.Field) *zap.Logger { return Logger.With(fields...) }

// Set replaces the package logger, e.g. with a development logger in tests
// or a caller-supplied production logger wired to their own sinks.
func Set(logger *zap.Logger) {
	if logger != nil {
		Logger = logger
	}
}

// Configure rebuilds the package logger from scratch, mirroring
// nodestorage/v2/core.ConfigureLogger: development vs. production encoder
// defaults plus an explicit level and output paths.
func Configure(development bool, level string, outputPaths ...string) error {
	var config zap.Config
	if development {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	if len(outputPaths) > 0 {
		config.OutputPaths = outputPaths
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	logger, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	Logger = logger
	return nil
}
