package tracker

import (
	"context"
	"testing"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/block"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	blocks map[string]*block.Block
}

func newFakeSource() *fakeSource {
	return &fakeSource{blocks: make(map[string]*block.Block)}
}

func (f *fakeSource) TryGet(ctx context.Context, blockId string) (*block.Block, error) {
	b, ok := f.blocks[blockId]
	if !ok {
		return nil, nil
	}
	return b.Clone(), nil
}

func TestTracker_InsertThenTryGet(t *testing.T) {
	src := newFakeSource()
	tr := New(src)

	b := &block.Block{Header: block.Header{Id: "B"}, Attributes: map[string]interface{}{"value": 1}}
	tr.Insert("B", b)

	got, err := tr.TryGet(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attributes["value"])
}

func TestTracker_UpdateMergesOverSource(t *testing.T) {
	src := newFakeSource()
	src.blocks["B"] = &block.Block{Header: block.Header{Id: "B"}, Attributes: map[string]interface{}{"value": 1}}
	tr := New(src)

	tr.Update("B", block.Operation{Entity: "value", Inserted: 2})

	got, err := tr.TryGet(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attributes["value"])
}

func TestTracker_DeleteHidesBlock(t *testing.T) {
	src := newFakeSource()
	src.blocks["B"] = &block.Block{Header: block.Header{Id: "B"}}
	tr := New(src)

	tr.Delete("B")

	got, err := tr.TryGet(context.Background(), "B")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTracker_Reset(t *testing.T) {
	src := newFakeSource()
	tr := New(src)
	tr.Insert("B", &block.Block{Header: block.Header{Id: "B"}})

	prior := tr.Reset()

	assert.Contains(t, prior.Inserts, "B")
	assert.Equal(t, block.EmptyTransforms().Inserts, tr.Transforms().Inserts)

	got, err := tr.TryGet(context.Background(), "B")
	require.NoError(t, err)
	assert.Nil(t, got, "after reset tracker.tryGet must equal source.tryGet")
}

func TestTracker_Conflicts(t *testing.T) {
	src := newFakeSource()
	tr := New(src)
	tr.Insert("A", &block.Block{Header: block.Header{Id: "A"}})
	tr.Update("B", block.Operation{Entity: "x", Inserted: 1})

	conflicts := tr.Conflicts([]string{"A", "C"})
	assert.ElementsMatch(t, []string{"A"}, conflicts)
}

func TestTracker_GenerateId_Unique(t *testing.T) {
	tr := New(newFakeSource())
	id1, err := tr.GenerateId()
	require.NoError(t, err)
	id2, err := tr.GenerateId()
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestAtomic_CommitFlowsIntoParent(t *testing.T) {
	src := newFakeSource()
	parent := New(src)

	a := NewAtomic(parent, parent)
	a.Insert("B", &block.Block{Header: block.Header{Id: "B"}, Attributes: map[string]interface{}{"value": 1}})

	require.NoError(t, a.Commit())

	got, err := parent.TryGet(context.Background(), "B")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Attributes["value"])
}

func TestAtomic_DiscardedWithoutCommitLeavesParentUntouched(t *testing.T) {
	src := newFakeSource()
	parent := New(src)

	a := NewAtomic(parent, parent)
	a.Insert("B", &block.Block{Header: block.Header{Id: "B"}})

	got, err := parent.TryGet(context.Background(), "B")
	require.NoError(t, err)
	assert.Nil(t, got)
}
