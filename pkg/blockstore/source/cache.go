// Package source implements the CacheSource read-through memoization
// layer and the TransactorSource adapter over a cluster transactor.
package source

import (
	"context"
	"sync"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/block"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/tracker"
)

// Cache wraps another BlockSource and memoizes unmodified reads. Reads
// observed through the cache are shared-read: callers must treat
// returned blocks as immutable and mutate only via operations that
// produce new values.
type Cache struct {
	mu     sync.RWMutex
	source tracker.BlockSource
	cached map[string]*block.Block
}

// NewCache wraps source in a Cache with an empty memoization table.
func NewCache(source tracker.BlockSource) *Cache {
	return &Cache{source: source, cached: make(map[string]*block.Block)}
}

// TryGet checks the cache first; on miss it fetches from the backing
// source and memoizes the result (including a nil/absent result).
func (c *Cache) TryGet(ctx context.Context, blockId string) (*block.Block, error) {
	c.mu.RLock()
	b, ok := c.cached[blockId]
	c.mu.RUnlock()
	if ok {
		return b.Clone(), nil
	}

	fetched, err := c.source.TryGet(ctx, blockId)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cached[blockId] = fetched
	c.mu.Unlock()

	return fetched.Clone(), nil
}

// Clear invalidates the listed block IDs so the next TryGet re-fetches
// from the backing source.
func (c *Cache) Clear(blockIds []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range blockIds {
		delete(c.cached, id)
	}
}

// TransformCache applies committed transforms directly into the cache
// so subsequent reads see the new state without a round trip to the
// backing source.
func (c *Cache) TransformCache(transforms block.Transforms) error {
	ids := block.BlockIdsForTransforms(transforms)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		t := block.TransformForBlockId(transforms, id)
		current, ok := c.cached[id]
		if !ok {
			// Not memoized; let the next TryGet fetch fresh rather
			// than materializing from an unknown base.
			continue
		}
		next, present, err := block.ApplyTransform(current, t)
		if err != nil {
			return err
		}
		if !present {
			c.cached[id] = nil
			continue
		}
		c.cached[id] = next
	}
	return nil
}
