// Package observability provides the gateway's logging and metrics
// primitives: zap logger construction from configuration and an
// OpenTelemetry instrument set with a Prometheus exporter bridge for the
// /metrics endpoint.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig controls logger construction.
type LoggerConfig struct {
	// Level is the minimum level: debug, info, warn, or error.
	Level string

	// Format is "json" or "console".
	Format string
}

// NewLogger builds a zap logger from the given configuration.
func NewLogger(cfg LoggerConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	if cfg.Format == "console" || cfg.Format == "text" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
