// Package chain implements the doubly-linked, fixed-capacity block
// chain that both the action log and (generically) any other append
// structure in the blockstore core is built from. Entry type is
// generic so Log can reuse it for LogEntry[TAction] without
// duplicating the splice/link bookkeeping.
package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/block"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/crypto"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/tracker"
)

// DataBlock holds up to Store.EntriesPerBlock entries, linked to its
// neighbors by block ID. PriorHash is the base64url SHA-256 of the
// prior block's final serialized state; absent on the oldest block.
type DataBlock[T any] struct {
	Header    block.Header `json:"header"`
	Entries   []T          `json:"entries"`
	PriorId   *string      `json:"priorId,omitempty"`
	NextId    *string      `json:"nextId,omitempty"`
	PriorHash *string      `json:"priorHash,omitempty"`
}

// HeaderBlock points at the oldest (HeadId) and newest (TailId) data
// block. The log header block has this shape; a collection's own
// header block does not (it is the caller-supplied block that names the
// log header block in its logHeaderId attribute).
type HeaderBlock struct {
	Header block.Header `json:"header"`
	HeadId string       `json:"headId"`
	TailId string       `json:"tailId"`
}

// Path identifies a single entry: which data block, and its index
// within that block's Entries.
type Path struct {
	BlockId    string
	EntryIndex int
}

// BlockAddedFunc is invoked whenever Chain allocates a new tail data
// block, after it has been linked but before it is persisted, so the
// caller can stamp PriorHash or similar derived fields.
type BlockAddedFunc[T any] func(oldTail, newTail *DataBlock[T])

// Chain is a doubly-linked sequence of DataBlock[T] anchored by a
// HeaderBlock, all staged through a tracker.Stage; when that Stage is a
// tracker.Atomic, one Add/Pop call commits as a single write once the
// caller commits the Atomic. Concurrency is single-writer per
// chain; callers serialize at a higher layer (Collection's sync latch).
type Chain[T any] struct {
	store           tracker.Stage
	headerId        string
	entriesPerBlock int
	onBlockAdded    BlockAddedFunc[T]
}

// Open returns a Chain reading/writing through store, anchored at the
// header block headerId, with capacity entriesPerBlock per data block.
// store may be a bare *tracker.Tracker (writes merge directly) or a
// *tracker.Atomic (writes stage until the caller commits it).
func Open[T any](store tracker.Stage, headerId string, entriesPerBlock int, onBlockAdded BlockAddedFunc[T]) *Chain[T] {
	return &Chain[T]{store: store, headerId: headerId, entriesPerBlock: entriesPerBlock, onBlockAdded: onBlockAdded}
}

// Create initializes a brand new chain: a header block at headerId and
// a single empty data block at firstDataBlockId, linked as both head
// and tail. Both blocks are staged through store.
func Create[T any](store tracker.Stage, headerId, firstDataBlockId, collectionId, headerType, dataBlockType string, entriesPerBlock int, onBlockAdded BlockAddedFunc[T]) *Chain[T] {
	hdr := &HeaderBlock{
		Header: block.Header{Id: headerId, Type: headerType, CollectionId: collectionId},
		HeadId: firstDataBlockId,
		TailId: firstDataBlockId,
	}
	data := &DataBlock[T]{
		Header: block.Header{Id: firstDataBlockId, Type: dataBlockType, CollectionId: collectionId},
	}

	store.ApplyTransforms(block.TransformsFromTransform(block.Transform{Insert: encodeHeader(hdr)}, headerId))
	store.ApplyTransforms(block.TransformsFromTransform(block.Transform{Insert: encodeData(data)}, firstDataBlockId))

	return Open[T](store, headerId, entriesPerBlock, onBlockAdded)
}

// TailId returns the chain's current tail data block ID.
func (c *Chain[T]) TailId(ctx context.Context) (string, error) {
	hdr, err := c.header(ctx)
	if err != nil {
		return "", err
	}
	return hdr.TailId, nil
}

// HeadId returns the chain's current head data block ID.
func (c *Chain[T]) HeadId(ctx context.Context) (string, error) {
	hdr, err := c.header(ctx)
	if err != nil {
		return "", err
	}
	return hdr.HeadId, nil
}

func (c *Chain[T]) header(ctx context.Context) (*HeaderBlock, error) {
	b, err := c.store.TryGet(ctx, c.headerId)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("chain: header block %q not found", c.headerId)
	}
	return decodeHeader(b)
}

func (c *Chain[T]) dataBlock(ctx context.Context, id string) (*DataBlock[T], error) {
	b, err := c.store.TryGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("chain: data block %q not found", id)
	}
	return decodeData[T](b)
}

// Add appends entries to the chain's tail, filling remaining capacity
// of the current tail data block, then allocating new linked data
// blocks as needed. header.tailId is updated once at the end.
func (c *Chain[T]) Add(ctx context.Context, entries ...T) error {
	if len(entries) == 0 {
		return nil
	}

	hdr, err := c.header(ctx)
	if err != nil {
		return err
	}

	tail, err := c.dataBlock(ctx, hdr.TailId)
	if err != nil {
		return err
	}

	remaining := entries
	curTail := tail
	newTailId := hdr.TailId

	for len(remaining) > 0 {
		room := c.entriesPerBlock - len(curTail.Entries)
		if room > 0 {
			take := room
			if take > len(remaining) {
				take = len(remaining)
			}
			curTail.Entries = append(curTail.Entries, remaining[:take]...)
			remaining = remaining[take:]
			if err := c.putData(curTail); err != nil {
				return err
			}
			if len(remaining) == 0 {
				break
			}
		}

		newId, err := c.newBlockId()
		if err != nil {
			return err
		}
		newTail := &DataBlock[T]{
			Header:  block.Header{Id: newId, Type: curTail.Header.Type, CollectionId: curTail.Header.CollectionId},
			Entries: nil,
		}
		prior := curTail.Header.Id
		newTail.PriorId = &prior
		next := newId
		curTail.NextId = &next

		if c.onBlockAdded != nil {
			c.onBlockAdded(curTail, newTail)
		} else {
			h := defaultPriorHash(curTail)
			newTail.PriorHash = &h
		}

		if err := c.putData(curTail); err != nil {
			return err
		}

		curTail = newTail
		newTailId = newId
	}

	if newTailId != hdr.TailId {
		hdr.TailId = newTailId
		if err := c.putHeader(hdr); err != nil {
			return err
		}
	}

	return nil
}

func defaultPriorHash[T any](blk *DataBlock[T]) string {
	data, _ := json.Marshal(blk)
	d := crypto.Digest(data)
	return base64URL(d[:])
}

func (c *Chain[T]) newBlockId() (string, error) {
	b, err := crypto.RandomBytes(16)
	if err != nil {
		return "", err
	}
	return base64URL(b), nil
}

func (c *Chain[T]) putData(d *DataBlock[T]) error {
	t := block.TransformsFromTransform(block.Transform{Insert: encodeData(d)}, d.Header.Id)
	return c.store.ApplyTransforms(t)
}

func (c *Chain[T]) putHeader(h *HeaderBlock) error {
	t := block.TransformsFromTransform(block.Transform{Insert: encodeHeader(h)}, h.Header.Id)
	return c.store.ApplyTransforms(t)
}
