package index

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"litedb/storage"
)

func TestVectorRoundTripInline(t *testing.T) {
	alloc := newMemAllocator()
	meta := NewVectorIndex(0, 4, storage.MetricEuclidean)

	v := []float32{1, 2, 3, 4}
	require.NoError(t, InsertVector(alloc, meta, addr(50, 0), v))

	results, err := Search(alloc, meta, v, 0.0001, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.InDelta(t, 0, results[0].Distance, 1e-9)
	require.Equal(t, addr(50, 0), results[0].DataBlock)
}

// Invariant 7: a vector large enough to spill to an external data chain
// round-trips identically to one stored inline.
func TestVectorRoundTripExternal(t *testing.T) {
	dims := 2048 // forces inline budget negative, see vectorNodeFixedSize
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = float32(i) * 0.5
	}

	alloc := newMemAllocator()
	meta := NewVectorIndex(1, dims, storage.MetricEuclidean)
	require.NoError(t, InsertVector(alloc, meta, addr(7, 0), vec))

	results, err := Search(alloc, meta, vec, 0.0001, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.InDelta(t, 0, results[0].Distance, 1e-6)
	require.Equal(t, addr(7, 0), results[0].DataBlock)
}

// Invariant 6: searching with target v returns v first at distance 0 (or
// similarity = ||v||^2 for DotProduct).
func TestVectorSearchFindsExactMatchFirst(t *testing.T) {
	alloc := newMemAllocator()
	meta := NewVectorIndex(0, 3, storage.MetricDotProduct)

	target := []float32{2, 0, 0}
	others := [][]float32{{1, 1, 0}, {0, 1, 1}, {1, 0, 1}, {0, 0, 1}}
	for i, v := range others {
		require.NoError(t, InsertVector(alloc, meta, addr(uint32(100+i), 0), v))
	}
	require.NoError(t, InsertVector(alloc, meta, addr(999, 0), target))

	results, err := Search(alloc, meta, target, -100, len(others)+1)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, addr(999, 0), results[0].DataBlock)
	require.InDelta(t, 4, results[0].Similarity, 1e-9) // ||target||^2 == 4
}

// S6: with vectors v1=(1,0) v2=(0.6,0.6) v3=(0,1), searching (1,0) with
// minSimilarity 0.75 returns only v1; with 0.4 returns {v1,v2} in that order.
func TestVectorDotProductThreshold(t *testing.T) {
	alloc := newMemAllocator()
	meta := NewVectorIndex(0, 2, storage.MetricDotProduct)

	v1 := []float32{1, 0}
	v2 := []float32{0.6, 0.6}
	v3 := []float32{0, 1}
	require.NoError(t, InsertVector(alloc, meta, addr(1, 0), v1))
	require.NoError(t, InsertVector(alloc, meta, addr(2, 0), v2))
	require.NoError(t, InsertVector(alloc, meta, addr(3, 0), v3))

	target := []float32{1, 0}

	high, err := Search(alloc, meta, target, 0.75, 10)
	require.NoError(t, err)
	require.Len(t, high, 1)
	require.Equal(t, addr(1, 0), high[0].DataBlock)

	low, err := Search(alloc, meta, target, 0.4, 10)
	require.NoError(t, err)
	require.Len(t, low, 2)
	require.Equal(t, addr(1, 0), low[0].DataBlock)
	require.Equal(t, addr(2, 0), low[1].DataBlock)
}

// S4-style HNSW pruning: nearest-neighbor search over two well-separated
// clusters returns only the matching cluster's members, without the caller
// ever walking every node (searchLayer's beam is bounded by ef).
func TestVectorSearchReturnsOnlyMatchingCluster(t *testing.T) {
	alloc := newMemAllocator()
	meta := NewVectorIndex(0, 8, storage.MetricEuclidean)

	clusterA := make([][]float32, 0, 32)
	clusterB := make([][]float32, 0, 32)
	for i := 0; i < 32; i++ {
		a := make([]float32, 8)
		b := make([]float32, 8)
		for d := 0; d < 8; d++ {
			a[d] = float32(i%3) * 0.01
			b[d] = 100 + float32(i%3)*0.01
		}
		clusterA = append(clusterA, a)
		clusterB = append(clusterB, b)
	}
	for i, v := range clusterA {
		require.NoError(t, InsertVector(alloc, meta, addr(uint32(1000+i), 0), v))
	}
	for i, v := range clusterB {
		require.NoError(t, InsertVector(alloc, meta, addr(uint32(2000+i), 0), v))
	}

	target := make([]float32, 8) // near the origin, i.e. cluster A
	results, err := Search(alloc, meta, target, 5, 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		require.True(t, r.DataBlock.PageID < 2000, "expected a cluster-A match, got %v", r.DataBlock)
	}
}

func TestVectorInsertRejectsWrongDimensions(t *testing.T) {
	alloc := newMemAllocator()
	meta := NewVectorIndex(0, 4, storage.MetricCosine)
	err := InsertVector(alloc, meta, addr(1, 0), []float32{1, 2, 3})
	require.ErrorIs(t, err, ErrVectorDimensionMismatch)
}

// S2-style drop reclaim: after Delete, the node's page is returned to the
// index's own reserved free list rather than the allocator handing out an
// ever-growing page id.
func TestVectorDeleteReclaimsPage(t *testing.T) {
	alloc := newMemAllocator()
	meta := NewVectorIndex(0, 2, storage.MetricEuclidean)

	require.NoError(t, InsertVector(alloc, meta, addr(1, 0), []float32{1, 1}))
	require.NoError(t, InsertVector(alloc, meta, addr(2, 0), []float32{2, 2}))
	pagesBeforeDelete := len(alloc.pages)

	require.NoError(t, Delete(alloc, meta, addr(2, 0)))
	require.NotEqual(t, storage.EmptyPageID, meta.ReservedFreeList)

	require.NoError(t, InsertVector(alloc, meta, addr(3, 0), []float32{3, 3}))
	require.Equal(t, pagesBeforeDelete, len(alloc.pages), "reinsert after delete should reuse the freed page, not grow")
}

func TestDistanceEuclideanAndCosine(t *testing.T) {
	d, sim := Distance(storage.MetricEuclidean, []float32{0, 0}, []float32{3, 4})
	require.InDelta(t, 5, d, 1e-9)
	require.InDelta(t, -5, sim, 1e-9)

	d, sim = Distance(storage.MetricCosine, []float32{1, 0}, []float32{1, 0})
	require.InDelta(t, 0, d, 1e-9)
	require.InDelta(t, 1, sim, 1e-9)

	_, sim = Distance(storage.MetricCosine, []float32{0, 0}, []float32{1, 0})
	require.True(t, math.IsNaN(sim))
}
