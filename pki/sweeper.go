package pki

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often expired download requests are removed.
const DefaultSweepInterval = time.Minute

// Sweeper periodically removes expired download requests.
type Sweeper struct {
	Service  *Service
	Interval time.Duration
	Clock    Clock
	Logger   *slog.Logger
}

// Run sweeps once immediately and then every Interval until ctx ends.
// Sweep failures are logged and retried on the next tick.
func (w *Sweeper) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	clock := w.Clock
	if clock == nil {
		clock = w.Service.clock
	}
	logger := w.Logger
	if logger == nil {
		logger = w.Service.logger
	}
	logger = logger.With(slog.String("component", "sweeper"))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := w.Service.SweepExpired(ctx, clock.Now())
		switch {
		case err != nil:
			logger.Warn("sweep failed", slog.Any("error", err))
		case n > 0:
			logger.Info("expired download requests removed", slog.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
