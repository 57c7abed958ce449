package consolidator

import (
	"context"
	"encoding/json"
	"time"

	"diamondscan/internal/bus"
	"diamondscan/internal/logging"
	"diamondscan/internal/scheduler"
)

// Run blocks consuming the consolidate queue until ctx is cancelled.
// Single-instance per run is a spec invariant (§4.4), not something
// this loop enforces itself — the bookkeeping store's run-completion
// transition is idempotent, so a duplicate delivery just re-processes
// an already-consolidated batch as a no-op force-free pass.
func (c *Consolidator) Run(ctx context.Context, b bus.Bus) error {
	for {
		msg, err := b.Consume(ctx, scheduler.ConsolidateQueue)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("consume consolidate message", logging.NewFields().Component("consolidator").Err(err).Slice()...)
			continue
		}

		var cm scheduler.ConsolidateMessage
		if err := json.Unmarshal(msg.Payload, &cm); err != nil {
			c.log.Error("decode consolidate message", logging.NewFields().Component("consolidator").Err(err).Slice()...)
			_ = b.Nack(ctx, msg)
			continue
		}

		if _, err := c.consolidateRunLocked(ctx, b, msg, cm); err != nil {
			c.log.Error("consolidate run failed",
				logging.NewFields().Component("consolidator").Resource("run", cm.RunID).Trace(cm.TraceID).Err(err).Slice()...)
			_ = b.Nack(ctx, msg)
			continue
		}
		_ = b.Ack(ctx, msg)
	}
}

// consolidateRunLocked runs ConsolidateRun's batch loop with the
// message's lock renewed every lockDuration/2 (spec §5), so a batch
// that legitimately runs long isn't reclaimed by another consumer's
// claimStale pass mid-run.
func (c *Consolidator) consolidateRunLocked(ctx context.Context, b bus.Bus, msg bus.Message, cm scheduler.ConsolidateMessage) (Result, error) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.opts.LockDuration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := b.Renew(ctx, msg); err != nil {
					c.log.Warn("renew consolidate message lock",
						logging.NewFields().Component("consolidator").Resource("run", cm.RunID).Trace(cm.TraceID).Err(err).Slice()...)
				}
			case <-done:
				return
			}
		}
	}()
	defer close(done)

	return c.ConsolidateRun(ctx, cm.RunID, cm.Feed, cm.Force)
}
