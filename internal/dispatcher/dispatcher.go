// Package dispatcher schedules ingestion runs on an interval and on demand.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/commodity-bulletin-crawler/internal/bulletin"
)

// Runner performs one ingestion run.
type Runner interface {
	Run(ctx context.Context) (bulletin.RunSummary, error)
}

// Config controls scheduling.
type Config struct {
	// Interval between scheduled runs. Zero disables the ticker; runs then
	// happen only through Trigger.
	Interval time.Duration
	// RunOnStart starts a run as soon as Run is called.
	RunOnStart bool
}

// Dispatcher serializes runs: one at a time, at most one queued.
type Dispatcher struct {
	runner  Runner
	cfg     Config
	pending chan struct{}
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(runner Runner, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		runner:  runner,
		cfg:     cfg,
		pending: make(chan struct{}, 1),
		logger:  logger,
	}
}

// Trigger queues a run. It returns false when one is already queued.
func (d *Dispatcher) Trigger() bool {
	select {
	case d.pending <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run executes scheduled and triggered runs until ctx is done. A run in
// progress when ctx ends is canceled through ctx.
func (d *Dispatcher) Run(ctx context.Context) {
	var tick <-chan time.Time
	if d.cfg.Interval > 0 {
		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	if d.cfg.RunOnStart {
		d.Trigger()
	}
	d.logger.Info("dispatcher started", zap.Duration("interval", d.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-tick:
			d.runOnce(ctx, "schedule")
		case <-d.pending:
			d.runOnce(ctx, "trigger")
		}
	}
}

func (d *Dispatcher) runOnce(ctx context.Context, reason string) {
	logger := d.logger.With(zap.String("reason", reason))
	summary, err := d.runner.Run(ctx)
	switch {
	case err == nil:
		logger.Debug("scheduled run complete", zap.String("run_id", summary.RunID))
	case errors.Is(err, context.Canceled):
		logger.Info("run canceled", zap.String("run_id", summary.RunID))
	default:
		logger.Error("run failed", zap.String("run_id", summary.RunID), zap.Error(err))
	}
}
