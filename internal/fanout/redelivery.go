package fanout

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/model"
)

// Redeliver retries one batch of outbox entries. Entries that were never
// dispatched are delivered in full; partially delivered ones retry only the
// recipients that failed. Entries whose dispatch is still running in this
// process are skipped. It returns the number of entries processed.
func (f *Fanout) Redeliver(ctx context.Context, cfg config.RedeliveryConfig) (int, error) {
	if f.outbox == nil {
		return 0, nil
	}

	entries, err := f.outbox.Pending(ctx, f.now().Add(-cfg.MinAge), cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending events: %w", err)
	}
	f.metrics.SetOutboxPending(len(entries))

	processed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		release, ok := f.claim(entry.Event.ID)
		if !ok {
			continue
		}

		var only map[string]bool
		if entry.Status == model.OutboxPartial {
			only = make(map[string]bool, len(entry.FailedRecipients))
			for _, k := range entry.FailedRecipients {
				only[k] = true
			}
		}

		_, status, _ := f.dispatch(ctx, entry.Event, only, entry.Attempts)
		release()
		f.metrics.RecordRedelivery(status)
		processed++
	}
	return processed, nil
}

// RunRedelivery periodically retries undelivered notifications until ctx is
// cancelled.
func (f *Fanout) RunRedelivery(ctx context.Context, cfg config.RedeliveryConfig) {
	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := f.Redeliver(ctx, cfg)
			if err != nil {
				f.logger.Error("notification redelivery failed", zap.Error(err))
				continue
			}
			if n > 0 {
				f.logger.Info("notification redelivery processed", zap.Int("events", n))
			}
		}
	}
}
