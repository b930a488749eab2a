package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/block"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/bserr"
	"github.com/gotchoices/votetorrent-sub002/pkg/metrics"
	bolt "go.etcd.io/bbolt"
)

// PendPolicy governs how Pend behaves when a block already has a
// pending transaction. Mirrors repo.PendPolicy under a different name
// for the same import-cycle reason as TrxRev.
type PendPolicy string

const (
	// PendFail fails if any targeted block already has a pending
	// transaction.
	PendFail PendPolicy = "f"
	// PendReturn behaves like PendFail but includes each conflicting
	// pending's transform in the failure.
	PendReturn PendPolicy = "r"
	// PendContinue accumulates conflicting pending info but stages
	// this pend anyway.
	PendContinue PendPolicy = "c"
)

// PendResult is the positive outcome of Pend.
type PendResult struct {
	Pending  []bserr.PendingTrx
	BlockIds []string
}

// Pend stages transforms as pending transaction trxId across every
// block transforms touches, subject to policy's handling of
// already-pending conflicts on those blocks.
func (e *Engine) Pend(transforms block.Transforms, trxId string, policy PendPolicy) (*PendResult, *bserr.StaleFailure, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PendDuration)

	blockIds := block.BlockIdsForTransforms(transforms)
	var conflicts []bserr.PendingTrx
	hasConflict := false

	err := e.db.Update(func(tx *bolt.Tx) error {
		for _, id := range blockIds {
			existing, err := e.listPend(tx, id)
			if err != nil {
				return err
			}
			for _, p := range existing {
				hasConflict = true
				entry := bserr.PendingTrx{BlockId: id, TrxId: p.TrxId}
				if policy != PendFail {
					entry.Transform = p.Transform
				}
				conflicts = append(conflicts, entry)
			}
		}

		if hasConflict && policy != PendContinue {
			return nil
		}

		for _, id := range blockIds {
			t := block.TransformForBlockId(transforms, id)
			if err := e.putPend(tx, id, trxId, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if hasConflict && policy != PendContinue {
		return nil, &bserr.StaleFailure{Pending: conflicts}, nil
	}
	return &PendResult{Pending: conflicts, BlockIds: blockIds}, nil, nil
}

// Commit applies the previously-pended transaction trxId at rev across
// blockIds. If any block has committed revisions in [rev, latest] that
// the caller hasn't seen, it fails with StaleFailure{Missing} instead
// of mutating anything — the caller must absorb those first and retry.
func (e *Engine) Commit(blockIds []string, trxId string, rev int64) (*bserr.StaleFailure, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CommitDuration)

	var missing []bserr.MissingTrx

	txErr := e.db.Update(func(tx *bolt.Tx) error {
		missedRevs := make(map[string]int64)
		for _, id := range blockIds {
			m, err := e.getMetadata(tx, id)
			if err != nil {
				return err
			}
			if m.Latest == nil || m.Latest.Rev < rev {
				continue
			}
			revs, err := e.listRevisionsTx(tx, id, rev, m.Latest.Rev)
			if err != nil {
				return err
			}
			for _, rr := range revs {
				missedRevs[rr.TrxId] = rr.Rev
			}
		}

		if len(missedRevs) > 0 {
			for mtrxId, mrev := range missedRevs {
				transforms := block.EmptyTransforms()
				for _, id := range blockIds {
					t, err := e.getTrx(tx, id, mtrxId)
					if err != nil {
						return err
					}
					if t == nil {
						continue
					}
					transforms = block.MergeTransforms(transforms, block.TransformsFromTransform(*t, id))
				}
				missing = append(missing, bserr.MissingTrx{TrxId: mtrxId, Rev: mrev, Transforms: transforms})
			}
			return nil
		}

		for _, id := range blockIds {
			p, err := e.getPend(tx, id, trxId)
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("storage: commit %q: block %q: %w", trxId, id, bserr.ErrMissingPending)
			}
		}

		for _, id := range blockIds {
			if err := e.applyCommit(tx, id, trxId, rev); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i].Rev < missing[j].Rev })
		return &bserr.StaleFailure{Missing: missing}, nil
	}
	return nil, nil
}

// applyCommit promotes blockId's pending transaction trxId to
// committed: materializes it against the block's current latest,
// records the new revision, and drops the pending entry. Must run
// within a db transaction; used by both Commit's normal path and the
// reader catch-up path in Get.
func (e *Engine) applyCommit(tx *bolt.Tx, blockId, trxId string, rev int64) error {
	p, err := e.getPend(tx, blockId, trxId)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("storage: commit %q: block %q: %w", trxId, blockId, bserr.ErrMissingPending)
	}

	m, err := e.getMetadata(tx, blockId)
	if err != nil {
		return err
	}

	var base *block.Block
	if m.Latest != nil {
		b, _, err := e.materializeAt(tx, blockId, m.Latest.Rev)
		if err != nil && !errors.Is(err, bserr.ErrBlockDeleted) {
			return err
		}
		base = b
	}

	next, present, err := block.ApplyTransform(base, *p)
	if err != nil {
		return err
	}

	if err := e.putTrx(tx, blockId, trxId, *p); err != nil {
		return err
	}
	if present {
		if err := e.putMaterialized(tx, blockId, trxId, next); err != nil {
			return err
		}
	}

	m.Latest = &TrxRev{TrxId: trxId, Rev: rev}
	m.Ranges = mergeRange(m.Ranges, Range{Start: rev, End: nil})
	if err := e.putMetadata(tx, blockId, m); err != nil {
		return err
	}

	if err := e.saveRevision(tx, blockId, rev, trxId); err != nil {
		return err
	}
	return e.deletePend(tx, blockId, trxId)
}

// Cancel drops trxId's pending entry on every listed block, silently
// ignoring blocks with no such pending entry.
func (e *Engine) Cancel(blockIds []string, trxId string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		for _, id := range blockIds {
			if err := e.deletePend(tx, id, trxId); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetResult is the per-block result of a Get call.
type GetResult struct {
	Block    *block.Block
	Latest   *TrxRev
	Pendings []string
}

// Get reads blockIds, first catching each block up to every committed
// {trxId, rev} in reqContext.Committed that this peer hasn't recorded
// yet but already has staged as pending (the mechanism by which a
// reader catches up to a context its caller has already seen
// committed elsewhere). If reqContext.Rev is set, blocks are read as of
// that revision; otherwise each block's own latest is used. If
// pendingTrxId is non-empty, that pending transaction's transform is
// overlaid onto the result and reported as its only pending; otherwise
// every currently pending trxId is reported.
func (e *Engine) Get(ctx context.Context, blockIds []string, reqContext *Context, pendingTrxId string) (map[string]GetResult, error) {
	out := make(map[string]GetResult, len(blockIds))

	for _, id := range blockIds {
		if reqContext != nil {
			if err := e.catchUp(id, reqContext.Committed); err != nil {
				return nil, err
			}
		}

		var rev *int64
		if reqContext != nil && reqContext.Rev > 0 {
			r := reqContext.Rev
			rev = &r
		}

		blk, trxRev, err := e.GetBlock(ctx, id, rev)
		if err != nil && !errors.Is(err, bserr.ErrBlockDeleted) {
			return nil, err
		}

		result := GetResult{Block: blk, Latest: trxRev}

		if pendingTrxId != "" {
			p, err := e.GetPendingTransaction(id, pendingTrxId)
			if err != nil {
				return nil, err
			}
			if p == nil {
				return nil, fmt.Errorf("storage: get: block %q: no pending trx %q: %w", id, pendingTrxId, bserr.ErrBlockNotFound)
			}
			overlaid, present, err := block.ApplyTransform(result.Block, *p)
			if err != nil {
				return nil, err
			}
			if !present {
				overlaid = nil
			}
			result.Block = overlaid
			result.Pendings = []string{pendingTrxId}
		} else {
			pendList, err := e.ListPendingTransactions(id)
			if err != nil {
				return nil, err
			}
			for _, p := range pendList {
				result.Pendings = append(result.Pendings, p.TrxId)
			}
		}

		out[id] = result
	}

	return out, nil
}

// catchUp promotes any of blockId's pending transactions that appear in
// committed but at a revision this peer hasn't recorded yet, in rev
// order. Entries with no matching local pending are skipped — the
// caller's committed set may reference work this peer never staged.
func (e *Engine) catchUp(blockId string, committed []TrxRev) error {
	latest, err := e.GetLatest(blockId)
	if err != nil {
		return err
	}
	var localRev int64
	if latest != nil {
		localRev = latest.Rev
	}

	var toPromote []TrxRev
	for _, c := range committed {
		if c.Rev > localRev {
			toPromote = append(toPromote, c)
		}
	}
	sort.Slice(toPromote, func(i, j int) bool { return toPromote[i].Rev < toPromote[j].Rev })

	for _, c := range toPromote {
		p, err := e.GetPendingTransaction(blockId, c.TrxId)
		if err != nil {
			return err
		}
		if p == nil {
			continue
		}
		if err := e.db.Update(func(tx *bolt.Tx) error {
			return e.applyCommit(tx, blockId, c.TrxId, c.Rev)
		}); err != nil {
			return err
		}
	}
	return nil
}
