// Package janitor reclaims expired pastes in the background.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pastebin/internal/metrics"
	"pastebin/internal/storage"
)

const (
	DefaultInterval = 5 * time.Minute
	DefaultTimeout  = time.Minute
)

// Config wires a Janitor.
type Config struct {
	Port     storage.Port
	Interval time.Duration
	// Timeout bounds a single sweep cycle.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Janitor deletes pastes whose expiry has passed. Reads never depend on it.
type Janitor struct {
	port     storage.Port
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Result summarizes one sweep cycle.
type Result struct {
	Removed int
	Failed  int
	// Err is set when the scan itself failed and the cycle stopped early.
	Err error
}

// New constructs a Janitor.
func New(cfg Config) (*Janitor, error) {
	if cfg.Port == nil {
		return nil, errors.New("storage port required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Janitor{
		port:     cfg.Port,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one cycle: every id yielded by ScanExpired is deleted.
// Individual delete failures are logged and skipped.
func (j *Janitor) Sweep(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	var res Result
	now := j.now().UTC()
	for pasteID, err := range j.port.ScanExpired(ctx, now) {
		if err != nil {
			res.Err = err
			j.logger.Error("janitor scan failed", "error", err)
			break
		}
		removed, err := j.port.Delete(ctx, pasteID)
		if err != nil {
			res.Failed++
			j.logger.Warn("janitor delete failed", "id", pasteID, "error", err)
			continue
		}
		if removed {
			res.Removed++
		}
	}

	errs := res.Failed
	if res.Err != nil {
		errs++
	}
	j.metrics.SweepDone(res.Removed, errs)
	if res.Removed > 0 {
		j.logger.Info("janitor removed expired pastes", "count", res.Removed, "failed", res.Failed)
	}
	return res
}
