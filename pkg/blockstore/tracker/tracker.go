// Package tracker stages block mutations over a backing BlockSource.
package tracker

import (
	"context"
	"fmt"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/block"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/crypto"
)

// BlockSource is anything a Tracker can read an unmodified block from.
type BlockSource interface {
	TryGet(ctx context.Context, blockId string) (*block.Block, error)
}

// Tracker wraps a BlockSource and stages inserts/updates/deletes in its
// own Transforms until Reset discards or harvests them.
type Tracker struct {
	source     BlockSource
	transforms block.Transforms
}

// New wraps source in a Tracker with empty staged transforms.
func New(source BlockSource) *Tracker {
	return &Tracker{source: source, transforms: block.EmptyTransforms()}
}

// TryGet returns the tracker's view of blockId: local staged state
// merged over whatever the backing source has, or nil if the block is
// absent (never existed, or staged for delete).
func (t *Tracker) TryGet(ctx context.Context, blockId string) (*block.Block, error) {
	var base *block.Block
	if ins, ok := t.transforms.Inserts[blockId]; ok {
		base = ins.Clone()
	} else {
		var err error
		base, err = t.source.TryGet(ctx, blockId)
		if err != nil {
			return nil, err
		}
	}

	if _, deleted := t.transforms.Deletes[blockId]; deleted {
		return nil, nil
	}

	if ops, ok := t.transforms.Updates[blockId]; ok {
		for _, op := range ops {
			if base == nil {
				return nil, fmt.Errorf("tracker: update against absent block %q", blockId)
			}
			if err := block.ApplyOperation(base, op); err != nil {
				return nil, err
			}
		}
	}

	return base, nil
}

// Insert stages a whole-block insert.
func (t *Tracker) Insert(blockId string, b *block.Block) {
	t.transforms.Inserts[blockId] = b
	delete(t.transforms.Deletes, blockId)
}

// Update stages a splice operation against blockId.
func (t *Tracker) Update(blockId string, op block.Operation) {
	t.transforms.Updates[blockId] = append(t.transforms.Updates[blockId], op)
}

// Delete stages a whole-block delete.
func (t *Tracker) Delete(blockId string) {
	t.transforms.Deletes[blockId] = struct{}{}
}

// GenerateId returns a fresh random block ID (base64url of 16 random
// bytes), for handlers that mint new blocks.
func (t *Tracker) GenerateId() (string, error) {
	b, err := crypto.RandomBytes(16)
	if err != nil {
		return "", err
	}
	return base64URLNoPad(b), nil
}

// CreateBlockHeader builds a Header for a freshly inserted block.
func (t *Tracker) CreateBlockHeader(id, typ, collectionId string) block.Header {
	return block.Header{Id: id, Type: typ, CollectionId: collectionId}
}

// TransformedBlockIds returns the domain of the tracker's staged
// transforms.
func (t *Tracker) TransformedBlockIds() []string {
	return block.BlockIdsForTransforms(t.transforms)
}

// Conflicts returns the intersection of remoteBlockIds with the blocks
// this tracker has staged changes for.
func (t *Tracker) Conflicts(remoteBlockIds []string) []string {
	staged := make(map[string]struct{})
	for _, id := range t.TransformedBlockIds() {
		staged[id] = struct{}{}
	}
	var out []string
	for _, id := range remoteBlockIds {
		if _, ok := staged[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Reset atomically swaps in a fresh empty Transforms, returning the
// prior one — used both to discard staged work and to harvest it for
// downstream propagation.
func (t *Tracker) Reset() block.Transforms {
	prior := t.transforms
	t.transforms = block.EmptyTransforms()
	return prior
}

// Transforms returns the tracker's currently staged transforms without
// resetting them.
func (t *Tracker) Transforms() block.Transforms {
	return t.transforms
}

// Source returns the tracker's backing source, so a Collection can build
// further trackers over the same underlying cache.
func (t *Tracker) Source() BlockSource {
	return t.source
}

// ApplyTransforms merges transforms into the tracker's own staged set,
// later-wins per the same insert/update/delete composition rule used
// throughout the transform layer. This is how an Atomic sub-tracker's
// commit flows its changes into the tracker it was opened over.
func (t *Tracker) ApplyTransforms(transforms block.Transforms) error {
	t.transforms = block.MergeTransforms(t.transforms, transforms)
	return nil
}
