// Package logging constructs the process-wide structured logger. There is
// no package-level singleton: New returns a *zap.Logger that callers pass
// explicitly into every component constructor, per the "no global state"
// redesign direction.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger at the given level ("debug", "info", "warn",
// "error"; case-insensitive). An unrecognized level falls back to "info"
// and logs a warning, matching the configuration layer's "invalid values
// fall back to default" policy.
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}

	if lvl == zapcore.InfoLevel && !strings.EqualFold(level, "info") && level != "" {
		logger.Warn("unrecognized log level, defaulting to info", zap.String("configured", level))
	}
	return logger, nil
}
