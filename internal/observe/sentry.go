// Package observe forwards engine anomalies to Sentry. Anomalies are
// conditions that do not fail an operation but need human attention, such as
// non-convergent join analyses and deadlocked cases.
package observe

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Config holds Sentry initialization parameters.
type Config struct {
	// DSN enables reporting when non-empty. An empty DSN leaves the
	// reporter in log-only mode.
	DSN         string
	Environment string
	Release     string
}

// Reporter captures anomalies. Safe for concurrent use.
type Reporter struct {
	enabled bool
	logger  *zap.Logger
}

// NewReporter initializes Sentry when a DSN is configured. Without one the
// reporter degrades to structured logging only.
func NewReporter(cfg Config, logger *zap.Logger) (*Reporter, error) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if cfg.DSN == "" {
		logger.Info("Sentry DSN not configured, anomaly reporting is log-only")
		return &Reporter{logger: logger}, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}

	logger.Info("Sentry anomaly reporting enabled",
		zap.String("environment", cfg.Environment))
	return &Reporter{enabled: true, logger: logger}, nil
}

// Capture reports an anomaly.
func (r *Reporter) Capture(err error) {
	if err == nil {
		return
	}
	r.logger.Warn("Engine anomaly", zap.Error(err))
	if r.enabled {
		sentry.CaptureException(err)
	}
}

// Flush waits for buffered events to reach Sentry, up to the timeout.
func (r *Reporter) Flush(timeout time.Duration) {
	if r.enabled {
		sentry.Flush(timeout)
	}
}
