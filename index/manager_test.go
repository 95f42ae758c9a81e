package index

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"litedb/storage"
)

func TestEnsureIndexCreatesAndRejectsDuplicateName(t *testing.T) {
	alloc := newMemAllocator()
	meta := storage.NewCollectionMeta(1, "widgets")

	idx, err := EnsureIndex(alloc, meta, "by_sku", "$.sku", true)
	require.NoError(t, err)
	require.Same(t, idx, meta.Indexes["by_sku"])

	_, err = EnsureIndex(alloc, meta, "by_sku", "$.sku", true)
	require.ErrorIs(t, err, ErrIndexExists)
}

func TestEnsureIndexRejectsBeyondCap(t *testing.T) {
	alloc := newMemAllocator()
	meta := storage.NewCollectionMeta(1, "widgets")
	for i := 0; i < storage.MaxIndexesPerKind; i++ {
		meta.Indexes[fmt.Sprintf("idx%d", i)] = &storage.SkipListIndexMeta{Name: fmt.Sprintf("idx%d", i)}
	}

	_, err := EnsureIndex(alloc, meta, "one_too_many", "$.x", false)
	require.ErrorIs(t, err, ErrTooManyIndexes)
}

func TestDropIndexReclaimsPagesAndRemovesEntry(t *testing.T) {
	alloc := newMemAllocator()
	meta := storage.NewCollectionMeta(1, "widgets")
	_, err := EnsureIndex(alloc, meta, "by_sku", "$.sku", false)
	require.NoError(t, err)

	idx := meta.Indexes["by_sku"]
	require.NoError(t, Insert(alloc, idx, bytes.Compare, []byte("a"), addr(10, 0)))
	require.NoError(t, Insert(alloc, idx, bytes.Compare, []byte("b"), addr(11, 0)))
	pagesBefore := len(alloc.pages)
	require.Greater(t, pagesBefore, 0)

	require.NoError(t, DropIndex(alloc, meta, bytes.Compare, "by_sku"))
	_, ok := meta.Indexes["by_sku"]
	require.False(t, ok)
	require.Empty(t, alloc.pages, "dropping the only index should reclaim every page it owned")

	err = DropIndex(alloc, meta, bytes.Compare, "by_sku")
	require.ErrorIs(t, err, ErrIndexNotFound)
}

func TestEnsureVectorIndexCreatesAndRejectsDuplicateSlot(t *testing.T) {
	meta := storage.NewCollectionMeta(1, "docs")

	vi, err := EnsureVectorIndex(meta, 3, 16, storage.MetricCosine)
	require.NoError(t, err)
	require.Same(t, vi, meta.VectorIndexes[3])

	_, err = EnsureVectorIndex(meta, 3, 16, storage.MetricCosine)
	require.ErrorIs(t, err, ErrIndexExists)
}

func TestDropVectorIndexReclaimsPagesAndRemovesEntry(t *testing.T) {
	alloc := newMemAllocator()
	meta := storage.NewCollectionMeta(1, "docs")
	_, err := EnsureVectorIndex(meta, 0, 3, storage.MetricEuclidean)
	require.NoError(t, err)

	vi := meta.VectorIndexes[0]
	require.NoError(t, InsertVector(alloc, vi, addr(1, 0), []float32{1, 2, 3}))
	require.NoError(t, InsertVector(alloc, vi, addr(2, 0), []float32{4, 5, 6}))

	require.NoError(t, DropVectorIndex(alloc, meta, 0))
	_, ok := meta.VectorIndexes[0]
	require.False(t, ok)
	require.Empty(t, alloc.pages)

	err = DropVectorIndex(alloc, meta, 0)
	require.ErrorIs(t, err, ErrIndexNotFound)
}
