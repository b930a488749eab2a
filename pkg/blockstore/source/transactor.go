package source

import (
	"context"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/block"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/repo"
)

// Transactor is the adapter to the cluster transactor. It implements
// tracker.BlockSource by delegating TryGet to the transactor's Get, and
// exposes Transact for Collection.sync to drive pend-then-commit.
type Transactor struct {
	transactor repo.Transactor
	trxContext *repo.TrxContext
	options    repo.MessageOptions
}

// NewTransactor wraps a repo.Transactor. trxContext starts nil, which
// signals "see to tail" / "new collection, header must be committed".
func NewTransactor(t repo.Transactor, opts repo.MessageOptions) *Transactor {
	return &Transactor{transactor: t, options: opts}
}

// TrxContext returns the adapter's current view of committed revisions,
// or nil if none has been established yet.
func (s *Transactor) TrxContext() *repo.TrxContext {
	return s.trxContext
}

// SetTrxContext replaces the adapter's view. Mutated solely by the
// owning Collection, never concurrently.
func (s *Transactor) SetTrxContext(ctx *repo.TrxContext) {
	s.trxContext = ctx
}

// TryGet implements tracker.BlockSource.
func (s *Transactor) TryGet(ctx context.Context, blockId string) (*block.Block, error) {
	results, err := s.transactor.Get(ctx, repo.GetRequest{
		BlockIds: []string{blockId},
		Context:  s.trxContext,
	}, s.options)
	if err != nil {
		return nil, err
	}
	res, ok := results[blockId]
	if !ok {
		return nil, nil
	}
	return res.Block, nil
}

// Transact runs the pend-then-commit sequence for one Collection.sync
// round. headerId is non-empty only on the first commit of a new
// collection. Returns (nil, nil) on success, or the StaleFailure the
// caller (sync) must react to by sleeping/calling update and retrying.
func (s *Transactor) Transact(ctx context.Context, transforms block.Transforms, trxId string, rev int64, tailBlockId, headerId string) (*repo.StaleFailure, error) {
	blockIds := block.BlockIdsForTransforms(transforms)

	_, staleFailure, err := s.transactor.Pend(ctx, repo.PendRequest{
		Transforms: transforms,
		TrxId:      trxId,
		Rev:        rev,
		Policy:     repo.PendFail,
	}, s.options)
	if err != nil {
		return nil, err
	}
	if staleFailure != nil {
		return staleFailure, nil
	}

	commitReq := repo.CommitRequest{
		BlockIds: blockIds,
		TrxId:    trxId,
		Rev:      rev,
		TailId:   tailBlockId,
		HeaderId: headerId,
	}

	_, commitStale, err := s.transactor.Commit(ctx, commitReq, s.options)
	if err != nil {
		return nil, err
	}
	if commitStale != nil {
		return commitStale, nil
	}

	return nil, nil
}
