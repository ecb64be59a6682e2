// Package logging provides the process-wide structured logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.SugaredLogger

func init() {
	// Safe no-op logger until Initialize is called, so package-level use
	// before main() cannot panic.
	logger = zap.NewNop().Sugar()
}

// Initialize configures the global logger. JSON output is intended for
// machine consumption; the default is human-readable console output.
func Initialize(jsonOutput bool) error {
	var (
		zl  *zap.Logger
		err error
	)
	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zl, err = cfg.Build()
	} else {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zl, err = cfg.Build()
	}
	if err != nil {
		return err
	}
	logger = zl.Sugar()
	return nil
}

// L returns the global sugared logger.
func L() *zap.SugaredLogger {
	return logger
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	_ = logger.Sync()
}
