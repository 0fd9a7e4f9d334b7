package ingest

import (
	"context"
	"log/slog"
	"time"
)

// Pruner removes drivers whose location metadata has expired.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

// RunPruner sweeps every interval until ctx is cancelled. A failed sweep is
// logged and retried on the next tick.
func RunPruner(ctx context.Context, p Pruner, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
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
			n, err := p.Prune(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("geo prune failed", "error", err, "removed", n)
				continue
			}
			if n > 0 {
				logger.Info("pruned expired drivers", "removed", n)
			}
		}
	}
}
