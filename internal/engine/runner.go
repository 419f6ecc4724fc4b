package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yegors/airspace-billing/internal/tracking"
	"github.com/yegors/airspace-billing/pkg/logger"
)

// SampleSource provides the samples for one tick.
type SampleSource interface {
	Fetch(ctx context.Context) ([]tracking.PositionSample, error)
}

// Runner drives the engine from a SampleSource on a fixed interval.
type Runner struct {
	ctx      context.Context
	cancel   context.CancelFunc
	engine   *Engine
	source   SampleSource
	interval time.Duration
	wg       sync.WaitGroup
	logger   *logger.Logger
}

// NewRunner creates a runner. The loop stops when ctx is cancelled or Stop
// is called.
func NewRunner(ctx context.Context, engine *Engine, source SampleSource, interval time.Duration, log *logger.Logger) *Runner {
	runCtx, runCancel := context.WithCancel(ctx)
	return &Runner{
		ctx:      runCtx,
		cancel:   runCancel,
		engine:   engine,
		source:   source,
		interval: interval,
		logger:   log.Named("runner"),
	}
}

// Start starts the tick loop
func (r *Runner) Start() error {
	if r.interval <= 0 {
		return errors.New("tick interval must be positive")
	}

	r.logger.Info("Starting tick loop", logger.Duration("interval", r.interval))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.ctx.Done():
				r.logger.Info("Tick loop stopped due to context cancellation")
				return
			case <-ticker.C:
				r.RunOnce(r.ctx)
			}
		}
	}()
	return nil
}

// RunOnce fetches one batch and ticks the engine.
func (r *Runner) RunOnce(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.interval)
	samples, err := r.source.Fetch(fetchCtx)
	cancel()
	if err != nil {
		r.logger.Error("Failed to fetch samples", logger.Error(err))
		return
	}

	report, err := r.engine.Tick(ctx, samples)
	switch {
	case errors.Is(err, ErrTickInProgress):
		return
	case err != nil:
		r.logger.Error("Tick failed", logger.Error(err))
	case report.Duration > r.interval:
		r.logger.Warn("Tick took longer than the interval",
			logger.Duration("duration", report.Duration),
			logger.Duration("interval", r.interval))
	}
}

// Stop stops the tick loop and waits for the running tick to finish
func (r *Runner) Stop() error {
	r.logger.Info("Stopping tick loop")
	r.cancel()
	r.wg.Wait()
	return nil
}
