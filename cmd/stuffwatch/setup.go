package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goodtune/stuffwatch/internal/config"
	"github.com/goodtune/stuffwatch/internal/engine"
	"github.com/goodtune/stuffwatch/internal/feed"
	"github.com/goodtune/stuffwatch/internal/monitor"
	"github.com/goodtune/stuffwatch/internal/presence"
	"github.com/goodtune/stuffwatch/internal/storage"
	"github.com/goodtune/stuffwatch/internal/storage/postgres"
	"github.com/goodtune/stuffwatch/internal/storage/redis"
	"github.com/rs/zerolog"
)

// openStorage opens the configured session store.
func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "redis":
		return redis.Open(cfg.Redis)
	case "postgres":
		return postgres.Open(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// openSource opens a frame source: a NATS subject when subject is set,
// otherwise a JSON-lines file ("-" for stdin).
func openSource(input, subject string, cfg config.BusConfig) (feed.Source, error) {
	if subject != "" {
		return feed.NewNATSSource(cfg.NATSURL, subject, 0)
	}
	return feed.OpenFile(input)
}

// newRunner wires a counter and an engine for one feed.
func newRunner(cfg *config.Config, mc monitor.Config, source feed.Source, sink monitor.AlarmSink, observer monitor.Observer, logger zerolog.Logger) (*monitor.Runner, error) {
	eng, err := engine.New(engine.Params{
		CalibrationFrames: cfg.Engine.CalibrationFrames,
		DropFrames:        cfg.Engine.DropFrames,
		SmoothingFactor:   cfg.Engine.SmoothingFactor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	counter := presence.NewCounter(cfg.Detection.Region, cfg.Detection.ExcludedLabels, cfg.Detection.MinConfidence)
	return monitor.NewRunner(mc, source, counter, eng, sink, observer, logger), nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
