package chain

import (
	"context"
	"errors"
	"fmt"
)

// Pop removes n entries from the tail, deleting any data block left
// empty and unlinking it. header.tailId is updated once.
func (c *Chain[T]) Pop(ctx context.Context, n int) ([]T, error) {
	return c.removeFromEnd(ctx, n, true)
}

// Dequeue removes n entries from the head, symmetric to Pop.
func (c *Chain[T]) Dequeue(ctx context.Context, n int) ([]T, error) {
	return c.removeFromEnd(ctx, n, false)
}

func (c *Chain[T]) removeFromEnd(ctx context.Context, n int, fromTail bool) ([]T, error) {
	if n <= 0 {
		return nil, nil
	}

	hdr, err := c.header(ctx)
	if err != nil {
		return nil, err
	}

	var removed []T
	curId := hdr.TailId
	if !fromTail {
		curId = hdr.HeadId
	}

	for n > 0 {
		cur, err := c.dataBlock(ctx, curId)
		if err != nil {
			return nil, err
		}

		avail := len(cur.Entries)
		if avail == 0 {
			return nil, fmt.Errorf("chain: empty data block %q encountered mid-chain", curId)
		}

		take := n
		if take > avail {
			take = avail
		}

		var taken []T
		if fromTail {
			taken = cur.Entries[avail-take:]
			cur.Entries = cur.Entries[:avail-take]
			removed = append(taken, removed...)
		} else {
			taken = cur.Entries[:take]
			cur.Entries = cur.Entries[take:]
			removed = append(removed, taken...)
		}
		n -= take

		nextId := curId
		if len(cur.Entries) == 0 {
			if fromTail {
				if cur.PriorId != nil {
					nextId = *cur.PriorId
					prior, err := c.dataBlock(ctx, nextId)
					if err != nil {
						return nil, err
					}
					prior.NextId = nil
					if err := c.putData(prior); err != nil {
						return nil, err
					}
					hdr.TailId = nextId
				} else {
					hdr.TailId = curId // last block in chain; keep it, just empty
					nextId = curId
					n = 0
				}
			} else {
				if cur.NextId != nil {
					nextId = *cur.NextId
					next, err := c.dataBlock(ctx, nextId)
					if err != nil {
						return nil, err
					}
					next.PriorId = nil
					if err := c.putData(next); err != nil {
						return nil, err
					}
					hdr.HeadId = nextId
				} else {
					hdr.HeadId = curId
					nextId = curId
					n = 0
				}
			}
			if nextId != curId {
				if err := c.deleteData(curId); err != nil {
					return nil, err
				}
			}
		} else {
			if err := c.putData(cur); err != nil {
				return nil, err
			}
			n = 0 // a partially-drained block can only be the boundary block
		}

		curId = nextId
	}

	return removed, c.putHeader(hdr)
}

func (c *Chain[T]) deleteData(id string) error {
	return c.store.ApplyTransforms(deleteTransform(id))
}

// Select returns a lazy, restartable iterator over data blocks. Forward
// from head when !reverse (the default); otherwise from tail. startingPath,
// if non-nil, resumes from that position instead of the chain's end.
func (c *Chain[T]) Select(ctx context.Context, startingPath *Path, reverse bool) (func() (*Path, T, bool, error), error) {
	hdr, err := c.header(ctx)
	if err != nil {
		return nil, err
	}

	var curId string
	var idx int
	if startingPath != nil {
		curId = startingPath.BlockId
		idx = startingPath.EntryIndex
	} else if reverse {
		curId = hdr.TailId
		idx = -1
	} else {
		curId = hdr.HeadId
		idx = -1
	}

	var cur *DataBlock[T]

	advance := func() (*Path, T, bool, error) {
		var zero T
		for {
			if cur == nil {
				if curId == "" {
					return nil, zero, false, nil
				}
				cur, err = c.dataBlock(ctx, curId)
				if err != nil {
					return nil, zero, false, err
				}
			}

			if reverse {
				if idx == -1 {
					idx = len(cur.Entries) - 1
				} else {
					idx--
				}
				if idx < 0 {
					if cur.PriorId == nil {
						return nil, zero, false, nil
					}
					curId = *cur.PriorId
					cur = nil
					idx = -1
					continue
				}
			} else {
				idx++
				if idx >= len(cur.Entries) {
					if cur.NextId == nil {
						return nil, zero, false, nil
					}
					curId = *cur.NextId
					cur = nil
					idx = -1
					continue
				}
			}

			return &Path{BlockId: cur.Header.Id, EntryIndex: idx}, cur.Entries[idx], true, nil
		}
	}

	return advance, nil
}

// ReplaceEntry overwrites the entry at path in place, used when a field
// can only be computed after the entry has already been appended (e.g.
// a log entry's touched-block-ids, which include blocks this very
// append may have allocated).
func (c *Chain[T]) ReplaceEntry(ctx context.Context, path Path, entry T) error {
	blk, err := c.dataBlock(ctx, path.BlockId)
	if err != nil {
		return err
	}
	if path.EntryIndex < 0 || path.EntryIndex >= len(blk.Entries) {
		return fmt.Errorf("chain: replace entry: index %d out of range for block %q", path.EntryIndex, path.BlockId)
	}
	blk.Entries[path.EntryIndex] = entry
	return c.putData(blk)
}

// VerifyHashes walks the chain head-to-tail recomputing each block's
// expected PriorHash via recompute and comparing it against the next
// block's stored PriorHash, returning mismatchErr on the first
// divergence. A chain with zero or one data block is trivially valid.
func (c *Chain[T]) VerifyHashes(ctx context.Context, recompute func(prior *DataBlock[T]) string, mismatchErr error) error {
	hdr, err := c.header(ctx)
	if err != nil {
		return err
	}

	curId := hdr.HeadId
	for {
		cur, err := c.dataBlock(ctx, curId)
		if err != nil {
			return err
		}
		if cur.NextId == nil {
			return nil
		}
		next, err := c.dataBlock(ctx, *cur.NextId)
		if err != nil {
			return err
		}
		want := recompute(cur)
		if next.PriorHash == nil || *next.PriorHash != want {
			return errors.Join(mismatchErr, fmt.Errorf("chain: block %q does not chain from %q", next.Header.Id, cur.Header.Id))
		}
		curId = *cur.NextId
	}
}
