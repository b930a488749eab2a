package source

import (
	"context"
	"testing"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/block"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransactor struct {
	getResults  map[string]repo.GetResult
	pendStale   *repo.StaleFailure
	commitStale *repo.StaleFailure
	pendCalls   int
	commitCalls int
	lastCommit  repo.CommitRequest
}

func (f *fakeTransactor) Get(ctx context.Context, req repo.GetRequest, opts repo.MessageOptions) (map[string]repo.GetResult, error) {
	out := make(map[string]repo.GetResult)
	for _, id := range req.BlockIds {
		if r, ok := f.getResults[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (f *fakeTransactor) Pend(ctx context.Context, req repo.PendRequest, opts repo.MessageOptions) (*repo.PendSuccess, *repo.StaleFailure, error) {
	f.pendCalls++
	if f.pendStale != nil {
		return nil, f.pendStale, nil
	}
	return &repo.PendSuccess{BlockIds: block.BlockIdsForTransforms(req.Transforms)}, nil, nil
}

func (f *fakeTransactor) Cancel(ctx context.Context, req repo.CancelRequest, opts repo.MessageOptions) error {
	return nil
}

func (f *fakeTransactor) Commit(ctx context.Context, req repo.CommitRequest, opts repo.MessageOptions) (*repo.CommitSuccess, *repo.StaleFailure, error) {
	f.commitCalls++
	f.lastCommit = req
	if f.commitStale != nil {
		return nil, f.commitStale, nil
	}
	return &repo.CommitSuccess{}, nil, nil
}

func TestTransactorSource_TryGet(t *testing.T) {
	ft := &fakeTransactor{getResults: map[string]repo.GetResult{
		"B": {Block: &block.Block{Header: block.Header{Id: "B"}}},
	}}
	ts := NewTransactor(ft, repo.MessageOptions{})

	got, err := ts.TryGet(context.Background(), "B")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "B", got.Header.Id)
}

func TestTransactorSource_TryGet_Absent(t *testing.T) {
	ft := &fakeTransactor{getResults: map[string]repo.GetResult{}}
	ts := NewTransactor(ft, repo.MessageOptions{})

	got, err := ts.TryGet(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTransactorSource_Transact_Success(t *testing.T) {
	ft := &fakeTransactor{}
	ts := NewTransactor(ft, repo.MessageOptions{})

	transforms := block.Transforms{
		Inserts: map[string]*block.Block{"B": {Header: block.Header{Id: "B"}}},
	}

	stale, err := ts.Transact(context.Background(), transforms, "trx-1", 1, "tail-1", "col-A")
	require.NoError(t, err)
	assert.Nil(t, stale)
	assert.Equal(t, 1, ft.pendCalls)
	assert.Equal(t, 1, ft.commitCalls)
	assert.Equal(t, "col-A", ft.lastCommit.HeaderId)
	assert.Equal(t, "tail-1", ft.lastCommit.TailId)
}

func TestTransactorSource_Transact_PendStaleShortCircuitsCommit(t *testing.T) {
	ft := &fakeTransactor{pendStale: &repo.StaleFailure{Reason: "conflict"}}
	ts := NewTransactor(ft, repo.MessageOptions{})

	stale, err := ts.Transact(context.Background(), block.EmptyTransforms(), "trx-1", 1, "tail-1", "")
	require.NoError(t, err)
	require.NotNil(t, stale)
	assert.Equal(t, 0, ft.commitCalls)
}

func TestTransactorSource_Transact_CommitStaleSurfaces(t *testing.T) {
	ft := &fakeTransactor{commitStale: &repo.StaleFailure{Reason: "behind"}}
	ts := NewTransactor(ft, repo.MessageOptions{})

	stale, err := ts.Transact(context.Background(), block.EmptyTransforms(), "trx-1", 1, "tail-1", "")
	require.NoError(t, err)
	require.NotNil(t, stale)
	assert.Equal(t, "behind", stale.Reason)
}
