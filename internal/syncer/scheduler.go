package syncer

import (
	"context"
	"log/slog"
	"time"
)

// Run syncs once immediately and then on every tick until ctx is cancelled.
// Cycle failures are logged, not fatal: the local store keeps serving from
// its last-known-good state and the next tick tries again.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if err := e.Sync(ctx); err != nil {
		slog.Error("initial sync failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Sync(ctx); err != nil {
				slog.Error("sync cycle failed", "error", err)
			}
		}
	}
}
