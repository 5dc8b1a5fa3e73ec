package history

import (
	"context"
	"time"

	"fabricmon/internal/logger"
	"fabricmon/internal/metrics"

	"go.uber.org/zap"
)

// Retention prunes the store on its own schedule. Deletions are scoped to
// rows strictly older than now minus the retention window, so an in-flight
// analyzer cycle can never lose a record it is about to read.
type Retention struct {
	store    *Store
	window   time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewRetention(store *Store, window, interval time.Duration) *Retention {
	if window <= 0 {
		window = 14 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Retention{
		store:    store,
		window:   window,
		interval: interval,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled, pruning once per interval.
func (r *Retention) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.prune(ctx)
		}
	}
}

func (r *Retention) prune(ctx context.Context) {
	cutoff := r.now().Add(-r.window)
	samples, events, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		logger.Error("retention pruning failed", zap.Error(err))
		return
	}
	metrics.RetentionDeleted.WithLabelValues("historical_samples").Add(float64(samples))
	metrics.RetentionDeleted.WithLabelValues("alert_events").Add(float64(events))
	logger.Info("retention pruning completed",
		zap.Time("cutoff", cutoff),
		zap.Int64("samples_deleted", samples),
		zap.Int64("events_deleted", events),
	)
}
