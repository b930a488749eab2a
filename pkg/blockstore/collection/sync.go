package collection

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/logchain"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/repo"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/source"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/tracker"
	"github.com/gotchoices/votetorrent-sub002/pkg/metrics"
)

// Update absorbs remote history: reads the log from a fresh,
// see-to-tail source, filters locally pending actions against each
// remote entry, invalidates the cache for touched blocks, and replays
// pending actions if any touched block is also one the local tracker
// has staged changes for.
func (c *Collection) Update(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.UpdateDuration)

	freshSrc := source.NewTransactor(c.transactor, c.messageOpts)
	freshTracker := tracker.New(freshSrc)
	freshLog := logchain.Open(freshTracker, c.logHeaderId, c.entriesPerBlock)

	startRev := int64(0)
	if cur := c.srcTransactor.TrxContext(); cur != nil {
		startRev = cur.Rev
	}

	latestCtx, entries, err := freshLog.GetFrom(ctx, startRev)
	if err != nil {
		return fmt.Errorf("collection %q: update: read log: %w", c.id, err)
	}

	anyConflicts := false
	for _, entry := range entries {
		var kept []logchain.Action
		var replacements []logchain.Action
		for _, p := range c.pending {
			next, isReplacement := c.filterConflict(p, entry.Actions)
			if next == nil {
				continue
			}
			if isReplacement {
				replacements = append(replacements, *next)
				continue
			}
			kept = append(kept, *next)
		}
		c.pending = kept
		if len(replacements) > 0 {
			if err := c.Act(ctx, replacements...); err != nil {
				return fmt.Errorf("collection %q: update: replay replacement: %w", c.id, err)
			}
		}

		c.cache.Clear(entry.BlockIds)

		if len(c.tracker.Conflicts(entry.BlockIds)) > 0 {
			anyConflicts = true
		}
	}

	if anyConflicts {
		metrics.ReplaysTotal.Inc()
		if err := c.replayActions(ctx); err != nil {
			return err
		}
	}

	c.srcTransactor.SetTrxContext(latestCtx)
	c.logger.Debug().Int("entries", len(entries)).Bool("conflicts", anyConflicts).Int64("rev", latestCtx.Rev).Msg("update absorbed remote history")
	return nil
}

// replayActions discards the tracker's staged transforms and re-invokes
// every pending action's handler from scratch. Repeats while replay
// itself grows pending (a handler admitting further work), which cannot
// happen under our synchronous handlers but is kept to match the
// absorb-until-dry shape a handler set with async side effects would
// need.
func (c *Collection) replayActions(ctx context.Context) error {
	for {
		c.tracker.Reset()
		snapshot := c.pending
		c.pending = nil
		before := len(snapshot)

		if len(snapshot) > 0 {
			if err := c.Act(ctx, snapshot...); err != nil {
				return fmt.Errorf("collection %q: replay actions: %w", c.id, err)
			}
		}

		if len(c.pending) <= before {
			return nil
		}
	}
}

// Sync pushes local changes, serialized per-collection by a named
// latch so two goroutines never race to commit the same collection's
// log tail. Loops while pending actions or unflushed tracker transforms
// remain, backing off and re-absorbing remote history on every stale
// failure.
func (c *Collection) Sync(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SyncDuration)

	latchTimer := metrics.NewTimer()
	release := c.latches.Acquire(fmt.Sprintf("Collection.sync:%s", c.id))
	latchTimer.ObserveDurationVec(metrics.LatchWaitDuration, "collection.sync")
	defer release()

	for c.hasUnsyncedWork() {
		pendingSnapshot := append([]logchain.Action(nil), c.pending...)
		snapshot := c.tracker.Transforms()

		trial := tracker.New(c.cache)
		if err := trial.ApplyTransforms(snapshot); err != nil {
			return err
		}

		cur := c.srcTransactor.TrxContext()
		newRev := int64(1)
		var headerId string
		if cur != nil {
			newRev = cur.Rev + 1
		} else {
			headerId = c.id
		}

		// trxId is UUID-shaped, not the tracker's usual base64url block ID.
		// The storage engine keys its pend/trx/blocks records by blockId
		// plus trxId and does not check the trxId's format.
		trxId := uuid.New().String()

		trialLog := logchain.Open(trial, c.logHeaderId, c.entriesPerBlock)
		if _, _, err := trialLog.AddActions(ctx, pendingSnapshot, trxId, newRev, trial.TransformedBlockIds, nil, time.Time{}); err != nil {
			return fmt.Errorf("collection %q: sync: append log entry: %w", c.id, err)
		}

		tailId, err := trialLog.TailId(ctx)
		if err != nil {
			return err
		}

		stale, err := c.srcTransactor.Transact(ctx, trial.Transforms(), trxId, newRev, tailId, headerId)
		if err != nil {
			return fmt.Errorf("collection %q: sync: transact: %w", c.id, err)
		}

		if stale != nil {
			c.logger.Debug().Str("trxId", trxId).Bool("pending", len(stale.Pending) > 0).Bool("missing", len(stale.Missing) > 0).Msg("sync stale failure, backing off")
			if len(stale.Pending) > 0 {
				metrics.SyncRetriesTotal.WithLabelValues("pending").Inc()
				time.Sleep(c.retryDelay)
			} else {
				metrics.SyncRetriesTotal.WithLabelValues("missing").Inc()
			}
			if err := c.Update(ctx); err != nil {
				return err
			}
			continue
		}

		c.pending = c.pending[min(len(pendingSnapshot), len(c.pending)):]

		harvested := trial.Reset()
		if err := c.replayActions(ctx); err != nil {
			return err
		}
		if err := c.cache.TransformCache(harvested); err != nil {
			return err
		}

		committed := repo.TrxRev{TrxId: trxId, Rev: newRev}
		var priorCommitted []repo.TrxRev
		if cur != nil {
			priorCommitted = cur.Committed
		}
		c.srcTransactor.SetTrxContext(&repo.TrxContext{
			Committed: append(append([]repo.TrxRev(nil), priorCommitted...), committed),
			Rev:       newRev,
		})
		metrics.SyncCommitsTotal.Inc()
		c.logger.Debug().Str("trxId", trxId).Int64("rev", newRev).Msg("sync committed")
	}

	return nil
}

// UpdateAndSync absorbs remote history then pushes local changes —
// the combination most callers want after a batch of Act calls.
func (c *Collection) UpdateAndSync(ctx context.Context) error {
	if err := c.Update(ctx); err != nil {
		return err
	}
	return c.Sync(ctx)
}
