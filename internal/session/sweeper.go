package session

import (
	"context"
	"log/slog"
	"time"
)

// SweepObserver is told how many sessions each sweep removed and how many
// remain active.
type SweepObserver interface {
	SessionsSwept(n int)
	SessionsActive(n int)
}

// Sweeper periodically removes idle sessions from a Store.
type Sweeper struct {
	Store    Store
	Interval time.Duration
	Logger   *slog.Logger
	Observer SweepObserver
}

// Run sweeps every Interval until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	interval := sw.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := sw.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweepOnce(ctx, logger)
		}
	}
}

func (sw *Sweeper) sweepOnce(ctx context.Context, logger *slog.Logger) {
	n, err := sw.Store.Sweep(ctx)
	if err != nil {
		logger.Warn("session sweep failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("expired sessions swept", "count", n)
	}
	if sw.Observer == nil {
		return
	}
	sw.Observer.SessionsSwept(n)
	if active, err := sw.Store.Active(ctx); err == nil {
		sw.Observer.SessionsActive(active)
	}
}
