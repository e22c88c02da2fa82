package telemetry

import (
	"context"
	"log/slog"

	"github.com/rand/refinery/internal/config"
)

// Open builds the configured sinks behind a Safe wrapper. A sink that fails
// to open is logged and skipped.
func Open(ctx context.Context, cfg config.TelemetryConfig, logger *slog.Logger) *Safe {
	if logger == nil {
		logger = slog.Default()
	}

	var sinks Multi
	if cfg.File != "" {
		if s, err := NewFileSink(FileConfig{Path: cfg.File, MaxSizeMB: cfg.MaxSizeMB, MaxBackups: cfg.MaxBackups}); err != nil {
			logger.Warn("telemetry file disabled", "path", cfg.File, "error", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	if cfg.Database != "" {
		if s, err := OpenSQLite(ctx, cfg.Database); err != nil {
			logger.Warn("telemetry database disabled", "path", cfg.Database, "error", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	if cfg.PostHogKey != "" {
		if s, err := NewPostHogSink(cfg.PostHogKey, cfg.PostHogEndpoint); err != nil {
			logger.Warn("posthog telemetry disabled", "error", err)
		} else {
			sinks = append(sinks, s)
		}
	}

	switch len(sinks) {
	case 0:
		return NewSafe(Nop{}, logger)
	case 1:
		return NewSafe(sinks[0], logger)
	}
	return NewSafe(sinks, logger)
}
