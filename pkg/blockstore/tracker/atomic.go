package tracker

import "github.com/gotchoices/votetorrent-sub002/pkg/blockstore/block"

// Store is the write side an Atomic commits into. *Tracker satisfies it,
// which is how Collection.act's Atomic flows mutations into the
// Collection's own Tracker, and how Chain operations flow mutations into
// whatever Tracker they were opened over.
type Store interface {
	ApplyTransforms(block.Transforms) error
}

// Stage is anything a Chain (and therefore a Log) can read through and
// stage writes into as a unit. *Tracker satisfies it directly — writes
// merge straight into its own transforms, which is what a trial tracker
// built fresh over a CacheSource wants. *Atomic also satisfies it —
// writes land in the Atomic's own staged set until Commit flushes them
// into whatever Store it was opened over.
type Stage interface {
	BlockSource
	ApplyTransforms(block.Transforms) error
}

// Atomic is a sub-tracker opened over a Tracker: reads fall through to
// the parent tracker's merged view, writes stage locally, and Commit
// applies everything staged to Store as one atomic write. A discarded
// Atomic (never committed) leaves the parent untouched.
type Atomic struct {
	*Tracker
	store Store
}

// NewAtomic opens an Atomic over parent, reading through parent's
// current view and committing into store (ordinarily parent itself).
func NewAtomic(parent *Tracker, store Store) *Atomic {
	return &Atomic{
		Tracker: New(parent),
		store:   store,
	}
}

// Commit swaps out the Atomic's staged transforms and applies them to
// its store as a single write. On failure the Atomic's staged work is
// discarded along with it — the caller must not retry the same Atomic.
func (a *Atomic) Commit() error {
	transforms := a.Tracker.Reset()
	return a.store.ApplyTransforms(transforms)
}
