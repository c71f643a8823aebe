// Package logging builds the zap logger threaded through every
// component via constructor injection.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sectorfab/internal/config"
)

// serviceField tags every record the production logger writes, so
// aggregated logs from a deployment running the control plane next to
// storage workers stay separable. The development logger omits it.
const serviceField = "replicationd"

// New builds the process-wide logger: zap's production preset (JSON,
// sampled, stderr for internal errors) at the configured level, or the
// development preset (console encoding, no sampling) when development
// mode is set.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.Set(cfg.Level); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	if cfg.Development {
		c := zap.NewDevelopmentConfig()
		c.Level = zap.NewAtomicLevelAt(level)
		return c.Build()
	}

	c := zap.NewProductionConfig()
	c.Level = zap.NewAtomicLevelAt(level)
	c.OutputPaths = []string{"stdout"}
	c.ErrorOutputPaths = []string{"stderr"}
	c.EncoderConfig.TimeKey = "ts"
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return c.Build(zap.Fields(zap.String("service", serviceField)))
}
