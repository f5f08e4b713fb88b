package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/NostraDavid/mail/internal/durable"
	"github.com/NostraDavid/mail/internal/ticker"
	"github.com/sirupsen/logrus"
)

// Maintain removes tombstones past their retention and the blobs nothing references anymore.
func (e *Engine) Maintain(ctx context.Context) error {
	pruned, err := durable.WriteResult(ctx, e.store, func(ctx context.Context, tx *durable.Tx) (int, error) {
		return tx.PruneTombstones(ctx, time.Now().Add(-e.retention))
	})
	if err != nil {
		return fmt.Errorf("failed to prune tombstones: %w", err)
	}

	// Pruning drops references, so collect afterwards.
	collected, err := e.store.CollectGarbage(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect blobs: %w", err)
	}

	e.metrics.Collected(collected, pruned)

	if pruned > 0 || collected > 0 {
		logrus.WithField("tombstones", pruned).WithField("blobs", collected).Info("Maintenance done")
	}

	return nil
}

func (e *Engine) maintain(ctx context.Context) {
	t := ticker.New(e.maintenance)
	defer t.Stop()

	t.Tick(ctx, func(ctx context.Context) {
		if err := e.Maintain(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Warn("Maintenance failed")
		}
	})
}
