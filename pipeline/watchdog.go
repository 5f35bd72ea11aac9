package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Watchdog defaults.
const (
	DefaultWatchdogInterval = time.Minute
	DefaultStaleThreshold   = 15 * time.Minute
)

// Watchdog periodically fails non-terminal jobs with no heartbeat. A worker
// that dies mid-stage, or between persisting a stage and enqueueing the
// next, leaves its job apparently live forever; the watchdog is the only
// path out of that state.
type Watchdog struct {
	store     Store
	interval  time.Duration
	threshold time.Duration
	logger    *zap.Logger
}

// NewWatchdog creates a watchdog. Zero durations select defaults.
func NewWatchdog(store Store, interval, threshold time.Duration, logger *zap.Logger) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{
		store:     store,
		interval:  interval,
		threshold: threshold,
		logger:    logger.With(zap.String("component", "watchdog")),
	}
}

// Run sweeps until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := w.store.FailStale(ctx, w.threshold)
			if err != nil {
				w.logger.Error("stale sweep failed", zap.Error(err))
				continue
			}
			if count > 0 {
				w.logger.Warn("stalled jobs failed", zap.Int64("count", count))
			}
		}
	}
}
