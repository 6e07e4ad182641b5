// Package app wires spec.md §6's three process roles (agent, service,
// channel) out of the domain packages: it is the only place that
// imports config, telemetry, storage, broker, connector, pipeline,
// workflow, agentloop, channels, and gateway together.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/basket/dp-orchestrator/internal/config"
	"github.com/basket/dp-orchestrator/internal/telemetry"
)

// Startup bundles the ambient collaborators every process role needs
// before it can build its domain-specific pieces.
type Startup struct {
	Config  config.Config
	Logger  *slog.Logger
	Otel    *telemetry.Provider
	Metrics *telemetry.Metrics

	logCloser io.Closer
}

// Bootstrap loads config.yaml from homeDir, sets up the process-wide
// logger, and initializes OpenTelemetry tracing/metrics. quietLogs
// mirrors the teacher's stance of keeping an interactive terminal
// channel's stdout clean by routing logs to a file only.
func Bootstrap(ctx context.Context, homeDir string, quietLogs bool) (*Startup, error) {
	cfg, err := config.Load(homeDir)
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}

	logger, closer, err := telemetry.NewLogger(homeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		return nil, fmt.Errorf("app: init logger: %w", err)
	}

	provider, err := telemetry.InitOtel(ctx, cfg.Otel)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("app: init otel: %w", err)
	}

	metrics, err := telemetry.NewMetrics(provider.Meter)
	if err != nil {
		closer.Close()
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	return &Startup{
		Config:    cfg,
		Logger:    logger,
		Otel:      provider,
		Metrics:   metrics,
		logCloser: closer,
	}, nil
}

// Close flushes telemetry and closes the log file, in that order so
// the final otel shutdown span still reaches the log.
func (s *Startup) Close(ctx context.Context) {
	if s.Otel != nil {
		if err := s.Otel.Shutdown(ctx); err != nil {
			s.Logger.Warn("app: otel shutdown failed", "error", err)
		}
	}
	if s.logCloser != nil {
		_ = s.logCloser.Close()
	}
}
