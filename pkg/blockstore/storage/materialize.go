package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/block"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/bserr"
	"github.com/gotchoices/votetorrent-sub002/pkg/metrics"
	bolt "go.etcd.io/bbolt"
)

// GetLatest returns the block's last known commit, or nil if the block
// has never been committed locally.
func (e *Engine) GetLatest(blockId string) (*TrxRev, error) {
	var out *TrxRev
	err := e.db.View(func(tx *bolt.Tx) error {
		m, err := e.getMetadata(tx, blockId)
		if err != nil {
			return err
		}
		out = m.Latest
		return nil
	})
	return out, err
}

// GetTransaction returns the committed Transform for trxId on blockId,
// or nil if no such committed transaction is known locally.
func (e *Engine) GetTransaction(blockId, trxId string) (*block.Transform, error) {
	var out *block.Transform
	err := e.db.View(func(tx *bolt.Tx) error {
		t, err := e.getTrx(tx, blockId, trxId)
		out = t
		return err
	})
	return out, err
}

// GetPendingTransaction returns the pending Transform for trxId on
// blockId, or nil if there is none.
func (e *Engine) GetPendingTransaction(blockId, trxId string) (*block.Transform, error) {
	var out *block.Transform
	err := e.db.View(func(tx *bolt.Tx) error {
		t, err := e.getPend(tx, blockId, trxId)
		out = t
		return err
	})
	return out, err
}

// ListPendingTransactions returns every pending transaction currently
// staged against blockId.
func (e *Engine) ListPendingTransactions(blockId string) ([]PendingArchive, error) {
	var out []PendingArchive
	err := e.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = e.listPend(tx, blockId)
		return err
	})
	return out, err
}

// ListRevisions returns every known revision of blockId in
// [min(startRev,endRev), max(startRev,endRev)], inclusive, ascending
// when startRev <= endRev and descending otherwise.
func (e *Engine) ListRevisions(blockId string, startRev, endRev int64) ([]RevisionRef, error) {
	var out []RevisionRef
	err := e.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = e.listRevisionsTx(tx, blockId, startRev, endRev)
		return err
	})
	return out, err
}

func (e *Engine) listRevisionsTx(tx *bolt.Tx, blockId string, startRev, endRev int64) ([]RevisionRef, error) {
	ascending := startRev <= endRev
	lo, hi := startRev, endRev
	if !ascending {
		lo, hi = endRev, startRev
	}

	var out []RevisionRef
	c := tx.Bucket(bucketRevs).Cursor()
	prefix := prefixKey(blockId)
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		rev, err := parseRevKey(k, prefix)
		if err != nil {
			return nil, err
		}
		if rev < lo || rev > hi {
			continue
		}
		var trxId string
		if err := json.Unmarshal(v, &trxId); err != nil {
			return nil, err
		}
		out = append(out, RevisionRef{Rev: rev, TrxId: trxId})
	}

	if !ascending {
		sort.Slice(out, func(i, j int) bool { return out[i].Rev > out[j].Rev })
	}
	return out, nil
}

func parseRevKey(k, prefix []byte) (int64, error) {
	return strconv.ParseInt(string(k[len(prefix):]), 10, 64)
}

// rangeContains reports whether rev falls within any of ranges.
func rangeContains(ranges []Range, rev int64) bool {
	for _, r := range ranges {
		if rev < r.Start {
			continue
		}
		if r.End == nil || rev <= *r.End {
			return true
		}
	}
	return false
}

// mergeRange folds add into ranges, coalescing overlapping or adjacent
// spans. Ranges are kept sorted ascending by Start.
func mergeRange(ranges []Range, add Range) []Range {
	merged := append(append([]Range(nil), ranges...), add)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })

	out := merged[:0]
	for _, r := range merged {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.End == nil {
				continue // already open-ended; r adds nothing
			}
			if r.Start <= *last.End+1 {
				if r.End == nil || *r.End > *last.End {
					last.End = r.End
				}
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

func (e *Engine) resolveTargetRev(blockId string, rev *int64) (int64, error) {
	if rev != nil {
		return *rev, nil
	}
	latest, err := e.GetLatest(blockId)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return 0, fmt.Errorf("storage: block %q has no committed revision: %w", blockId, bserr.ErrBlockNotFound)
	}
	return latest.Rev, nil
}

func (e *Engine) revInRange(blockId string, rev int64) (bool, error) {
	var ok bool
	err := e.db.View(func(tx *bolt.Tx) error {
		m, err := e.getMetadata(tx, blockId)
		if err != nil {
			return err
		}
		ok = rangeContains(m.Ranges, rev)
		return nil
	})
	return ok, err
}

// GetBlock materializes blockId at rev (or its latest commit when rev
// is nil), restoring from the configured RestoreCallback if the
// revision falls outside what this peer already has. A transform chain
// that ends in deletion returns bserr.ErrBlockDeleted alongside the
// TrxRev that deleted it.
func (e *Engine) GetBlock(ctx context.Context, blockId string, rev *int64) (*block.Block, *TrxRev, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MaterializeDuration)

	targetRev, err := e.resolveTargetRev(blockId, rev)
	if err != nil {
		return nil, nil, err
	}

	inRange, err := e.revInRange(blockId, targetRev)
	if err != nil {
		return nil, nil, err
	}

	if !inRange {
		release := e.latches.Acquire(fmt.Sprintf("BlockStorage.ensureRevision:%s", blockId))
		defer release()

		inRange, err = e.revInRange(blockId, targetRev)
		if err != nil {
			return nil, nil, err
		}

		if !inRange {
			if e.restore == nil {
				return nil, nil, fmt.Errorf("storage: block %q rev %d unavailable, no restore callback configured: %w", blockId, targetRev, bserr.ErrBlockNotFound)
			}
			archive, err := e.restore(ctx, blockId, targetRev)
			if err != nil {
				return nil, nil, err
			}
			metrics.RestoreCallbacksTotal.Inc()
			if err := e.applyArchive(blockId, archive); err != nil {
				return nil, nil, err
			}
		}
	}

	var blk *block.Block
	var trxId string
	err = e.db.Update(func(tx *bolt.Tx) error {
		b, id, err := e.materializeAt(tx, blockId, targetRev)
		blk, trxId = b, id
		return err
	})
	if err != nil {
		if errors.Is(err, bserr.ErrBlockDeleted) {
			return nil, &TrxRev{TrxId: trxId, Rev: targetRev}, bserr.ErrBlockDeleted
		}
		return nil, nil, err
	}

	return blk, &TrxRev{TrxId: trxId, Rev: targetRev}, nil
}

// materializeAt must run within a db transaction. It walks revisions at
// or below targetRev, descending, until it finds one with a cached
// materialized block, then applies every intervening committed
// transform forward, caching the new topmost materialization before
// returning it.
func (e *Engine) materializeAt(tx *bolt.Tx, blockId string, targetRev int64) (*block.Block, string, error) {
	descending, err := e.listRevisionsTx(tx, blockId, targetRev, 1)
	if err != nil {
		return nil, "", err
	}

	var base *block.Block
	var baseTrxId string
	var intervening []RevisionRef
	for _, rr := range descending {
		blk, ok, err := e.getMaterialized(tx, blockId, rr.TrxId)
		if err != nil {
			return nil, "", err
		}
		if ok {
			base = blk
			baseTrxId = rr.TrxId
			break
		}
		intervening = append(intervening, rr)
	}
	if baseTrxId == "" {
		return nil, "", fmt.Errorf("storage: block %q: no materialized base at or below rev %d: %w", blockId, targetRev, bserr.ErrBlockNotFound)
	}

	for i, j := 0, len(intervening)-1; i < j; i, j = i+1, j-1 {
		intervening[i], intervening[j] = intervening[j], intervening[i]
	}

	cur := base
	curTrxId := baseTrxId
	for _, rr := range intervening {
		t, err := e.getTrx(tx, blockId, rr.TrxId)
		if err != nil {
			return nil, "", err
		}
		if t == nil {
			return nil, "", fmt.Errorf("storage: block %q: missing committed transform for trx %q at rev %d", blockId, rr.TrxId, rr.Rev)
		}
		next, present, err := block.ApplyTransform(cur, *t)
		if err != nil {
			return nil, "", err
		}
		curTrxId = rr.TrxId
		if !present {
			return nil, curTrxId, bserr.ErrBlockDeleted
		}
		cur = next
	}

	if len(intervening) > 0 {
		if err := e.putMaterialized(tx, blockId, curTrxId, cur); err != nil {
			return nil, "", err
		}
	}

	return cur, curTrxId, nil
}

// applyArchive persists a restored BlockArchive and merges its Range
// into the block's locally-known materializable ranges.
func (e *Engine) applyArchive(blockId string, archive *BlockArchive) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		for rev, ra := range archive.Revisions {
			if err := e.saveRevision(tx, blockId, rev, ra.TrxId); err != nil {
				return err
			}
			if err := e.putTrx(tx, blockId, ra.TrxId, ra.Transform); err != nil {
				return err
			}
			if ra.Block != nil {
				if err := e.putMaterialized(tx, blockId, ra.TrxId, ra.Block); err != nil {
					return err
				}
			}
		}
		for _, p := range archive.Pending {
			if err := e.putPend(tx, blockId, p.TrxId, p.Transform); err != nil {
				return err
			}
		}

		m, err := e.getMetadata(tx, blockId)
		if err != nil {
			return err
		}
		m.Ranges = mergeRange(m.Ranges, archive.Range)
		return e.putMetadata(tx, blockId, m)
	})
}

func (e *Engine) saveRevision(tx *bolt.Tx, blockId string, rev int64, trxId string) error {
	data, err := json.Marshal(trxId)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketRevs).Put(revKey(blockId, rev), data)
}
