package repo_test

import (
	"context"
	"testing"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/block"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/latch"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/repo"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T, tailFirstCommit bool) *repo.Repo {
	t.Helper()
	engine, err := storage.Open(t.TempDir(), nil, latch.NewRegistry(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return repo.NewRepo(engine, tailFirstCommit)
}

func TestRepo_PendCommitGet_RoundTrip(t *testing.T) {
	r := newTestRepo(t, true)
	ctx := context.Background()

	transforms := block.TransformsFromTransform(block.Transform{Insert: &block.Block{
		Header:     block.Header{Id: "b1"},
		Attributes: map[string]interface{}{"v": float64(1)},
	}}, "b1")

	success, stale, err := r.Pend(ctx, repo.PendRequest{Transforms: transforms, TrxId: "trx-1", Rev: 1, Policy: repo.PendFail}, repo.MessageOptions{})
	require.NoError(t, err)
	require.Nil(t, stale)
	assert.Equal(t, []string{"b1"}, success.BlockIds)

	commitSuccess, commitStale, err := r.Commit(ctx, repo.CommitRequest{BlockIds: []string{"b1"}, TrxId: "trx-1", Rev: 1}, repo.MessageOptions{})
	require.NoError(t, err)
	require.Nil(t, commitStale)
	require.NotNil(t, commitSuccess)

	results, err := r.Get(ctx, repo.GetRequest{BlockIds: []string{"b1"}}, repo.MessageOptions{})
	require.NoError(t, err)
	require.Contains(t, results, "b1")
	assert.Equal(t, float64(1), results["b1"].Block.Attributes["v"])
	assert.Equal(t, int64(1), results["b1"].State.Latest.Rev)
}

func TestRepo_Pend_ConflictTranslatesToStaleFailure(t *testing.T) {
	r := newTestRepo(t, true)
	ctx := context.Background()

	transforms := block.TransformsFromTransform(block.Transform{Insert: &block.Block{Header: block.Header{Id: "b1"}}}, "b1")
	_, stale, err := r.Pend(ctx, repo.PendRequest{Transforms: transforms, TrxId: "trx-1", Policy: repo.PendFail}, repo.MessageOptions{})
	require.NoError(t, err)
	require.Nil(t, stale)

	_, stale2, err := r.Pend(ctx, repo.PendRequest{Transforms: transforms, TrxId: "trx-2", Policy: repo.PendReturn}, repo.MessageOptions{})
	require.NoError(t, err)
	require.NotNil(t, stale2)
	require.Len(t, stale2.Pending, 1)
	assert.Equal(t, "trx-1", stale2.Pending[0].TrxId)
	assert.NotNil(t, stale2.Pending[0].Transform)
}

func TestRepo_Commit_TailFirstSplitsIntoTwoCommits(t *testing.T) {
	r := newTestRepo(t, true)
	ctx := context.Background()

	transforms := block.EmptyTransforms()
	transforms = block.MergeTransforms(transforms, block.TransformsFromTransform(block.Transform{Insert: &block.Block{Header: block.Header{Id: "tail"}}}, "tail"))
	transforms = block.MergeTransforms(transforms, block.TransformsFromTransform(block.Transform{Insert: &block.Block{Header: block.Header{Id: "other"}}}, "other"))

	_, stale, err := r.Pend(ctx, repo.PendRequest{Transforms: transforms, TrxId: "trx-1", Policy: repo.PendFail}, repo.MessageOptions{})
	require.NoError(t, err)
	require.Nil(t, stale)

	_, commitStale, err := r.Commit(ctx, repo.CommitRequest{BlockIds: []string{"tail", "other"}, TrxId: "trx-1", Rev: 1, TailId: "tail"}, repo.MessageOptions{})
	require.NoError(t, err)
	require.Nil(t, commitStale)

	results, err := r.Get(ctx, repo.GetRequest{BlockIds: []string{"tail", "other"}}, repo.MessageOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), results["tail"].State.Latest.Rev)
	assert.Equal(t, int64(1), results["other"].State.Latest.Rev)
}

func TestRepo_Cancel_DelegatesToEngine(t *testing.T) {
	r := newTestRepo(t, true)
	ctx := context.Background()

	transforms := block.TransformsFromTransform(block.Transform{Insert: &block.Block{Header: block.Header{Id: "b1"}}}, "b1")
	_, _, err := r.Pend(ctx, repo.PendRequest{Transforms: transforms, TrxId: "trx-1", Policy: repo.PendFail}, repo.MessageOptions{})
	require.NoError(t, err)

	require.NoError(t, r.Cancel(ctx, repo.CancelRequest{BlockIds: []string{"b1"}, TrxId: "trx-1"}, repo.MessageOptions{}))

	_, stale, err := r.Pend(ctx, repo.PendRequest{Transforms: transforms, TrxId: "trx-2", Policy: repo.PendFail}, repo.MessageOptions{})
	require.NoError(t, err)
	assert.Nil(t, stale)
}
