package repo

import (
	"context"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/block"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/bserr"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/storage"
)

// Repo is the process-wide concrete Transactor (§6 IRepo): it holds the
// one storage engine shared by every block this peer stores and
// implements IRepo by delegating to it. It is what a cluster.Member
// applies an operation through once consensus is reached, and what a
// single-peer deployment uses directly without any cluster at all.
type Repo struct {
	engine          *storage.Engine
	tailFirstCommit bool
}

var _ Transactor = (*Repo)(nil)

// NewRepo wraps engine. tailFirstCommit controls whether a
// CommitRequest naming a TailId is split into two sequential commits
// (tail block first) or issued as one call across every block. Each
// storage commit is atomic on its own, so the split form commits the
// tail in a separate transaction before the rest; tail-first ordering
// lets a reader that only watches the tail block observe a consistent
// prefix of the other blocks' history (§5 ordering guarantees).
func NewRepo(engine *storage.Engine, tailFirstCommit bool) *Repo {
	return &Repo{engine: engine, tailFirstCommit: tailFirstCommit}
}

func toStorageContext(c *TrxContext) *storage.Context {
	if c == nil {
		return nil
	}
	committed := make([]storage.TrxRev, len(c.Committed))
	for i, tr := range c.Committed {
		committed[i] = storage.TrxRev{TrxId: tr.TrxId, Rev: tr.Rev}
	}
	return &storage.Context{Committed: committed, Rev: c.Rev}
}

func toRepoTrxRev(tr *storage.TrxRev) *TrxRev {
	if tr == nil {
		return nil
	}
	return &TrxRev{TrxId: tr.TrxId, Rev: tr.Rev}
}

func transformPtr(t any) *block.Transform {
	if t == nil {
		return nil
	}
	tr := t.(block.Transform)
	return &tr
}

func transformsOf(t any) block.Transforms {
	if t == nil {
		return block.EmptyTransforms()
	}
	return t.(block.Transforms)
}

func toStaleFailure(sf *bserr.StaleFailure) *StaleFailure {
	if sf == nil {
		return nil
	}
	out := &StaleFailure{}
	if sf.Reason != nil {
		out.Reason = sf.Reason.Error()
	}
	for _, m := range sf.Missing {
		out.Missing = append(out.Missing, MissingTrx{TrxId: m.TrxId, Rev: m.Rev, Transforms: transformsOf(m.Transforms)})
	}
	for _, p := range sf.Pending {
		out.Pending = append(out.Pending, PendingInfo{BlockId: p.BlockId, TrxId: p.TrxId, Transform: transformPtr(p.Transform)})
	}
	return out
}

// Get implements Transactor.
func (r *Repo) Get(ctx context.Context, req GetRequest, opts MessageOptions) (map[string]GetResult, error) {
	var pendingTrxId string
	if req.Context != nil {
		pendingTrxId = req.Context.TrxId
	}

	results, err := r.engine.Get(ctx, req.BlockIds, toStorageContext(req.Context), pendingTrxId)
	if err != nil {
		return nil, err
	}

	out := make(map[string]GetResult, len(results))
	for id, res := range results {
		out[id] = GetResult{
			Block: res.Block,
			State: BlockState{Latest: toRepoTrxRev(res.Latest), Pendings: res.Pendings},
		}
	}
	return out, nil
}

// Pend implements Transactor.
func (r *Repo) Pend(ctx context.Context, req PendRequest, opts MessageOptions) (*PendSuccess, *StaleFailure, error) {
	result, stale, err := r.engine.Pend(req.Transforms, req.TrxId, storage.PendPolicy(req.Policy))
	if err != nil {
		return nil, nil, err
	}
	if stale != nil {
		return nil, toStaleFailure(stale), nil
	}

	success := &PendSuccess{BlockIds: result.BlockIds}
	for _, p := range result.Pending {
		success.Pending = append(success.Pending, PendingInfo{BlockId: p.BlockId, TrxId: p.TrxId, Transform: transformPtr(p.Transform)})
	}
	return success, nil, nil
}

// Cancel implements Transactor.
func (r *Repo) Cancel(ctx context.Context, req CancelRequest, opts MessageOptions) error {
	return r.engine.Cancel(req.BlockIds, req.TrxId)
}

// Commit implements Transactor, splitting into a tail-first commit
// pair when req.TailId is set and tailFirstCommit is enabled.
func (r *Repo) Commit(ctx context.Context, req CommitRequest, opts MessageOptions) (*CommitSuccess, *StaleFailure, error) {
	if req.TailId != "" && r.tailFirstCommit && len(req.BlockIds) > 1 {
		rest := make([]string, 0, len(req.BlockIds)-1)
		for _, id := range req.BlockIds {
			if id != req.TailId {
				rest = append(rest, id)
			}
		}

		if stale, err := r.engine.Commit([]string{req.TailId}, req.TrxId, req.Rev); err != nil {
			return nil, nil, err
		} else if stale != nil {
			return nil, toStaleFailure(stale), nil
		}

		if stale, err := r.engine.Commit(rest, req.TrxId, req.Rev); err != nil {
			return nil, nil, err
		} else if stale != nil {
			return nil, toStaleFailure(stale), nil
		}

		return &CommitSuccess{}, nil, nil
	}

	stale, err := r.engine.Commit(req.BlockIds, req.TrxId, req.Rev)
	if err != nil {
		return nil, nil, err
	}
	if stale != nil {
		return nil, toStaleFailure(stale), nil
	}
	return &CommitSuccess{}, nil, nil
}
