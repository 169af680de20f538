// Package logger initializes the zap logger used throughout compatkit.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// New returns a zap logger. When a *testing.T is available the logger is a
// zaptest logger bound to it; otherwise a development logger writing to both
// stdout and <logDir>/LOG is built, so CI runs keep a persistent transcript.
func New(t *testing.T, logDir string, opts ...zap.Option) (*zap.Logger, error) {
	if t != nil {
		log := zaptest.NewLogger(t)
		if len(opts) > 0 {
			log = log.WithOptions(opts...)
		}
		return log, nil
	}

	if logDir == "" {
		logDir = ".compatkit"
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}
	logFile := filepath.Join(logDir, "LOG")

	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stdout", logFile}
	cfg.ErrorOutputPaths = []string{"stderr", logFile}

	log, err := cfg.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build zap logger: %w", err)
	}
	return log, nil
}
