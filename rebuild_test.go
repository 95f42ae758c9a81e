package litedb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"litedb/document"
	"litedb/storage"
)

// S3: a file-backed engine's documents, secondary index, and vector index
// all survive a checkpoint + close + reopen cycle unchanged.
func TestEnginePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "widgets.db")

	e, err := Open(path, Options{})
	require.NoError(t, err)

	require.NoError(t, e.EnsureVectorIndex("widgets", 0, 4, storage.MetricEuclidean))
	require.NoError(t, e.EnsureIndex("widgets", "by_sku", "$.sku", true))

	d1 := document.New()
	d1.Set("sku", "AAA")
	d1.Set("embedding", []float32{1, 0, 0, 0})
	d2 := document.New()
	d2.Set("sku", "BBB")
	d2.Set("embedding", []float32{0, 1, 0, 0})
	_, err = e.Insert("widgets", []*document.Document{d1, d2}, document.AutoIDInt64)
	require.NoError(t, err)

	require.NoError(t, e.Checkpoint())
	require.NoError(t, e.Close())

	reopened, err := Open(path, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	docs, err := reopened.Query("widgets", nil)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	hits, err := reopened.VectorSearch("widgets", 0, []float32{1, 0, 0, 0}, 0.0001, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	sku, _ := hits[0].Document.Get("sku")
	require.Equal(t, "AAA", sku)
}

// Invariant 5: dropping a collection reclaims every page it owned — after
// reopen, its former Collection page reads back as Empty and the name no
// longer resolves to a query result.
func TestDropCollectionReclaimsAndDisappearsAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "widgets.db")

	e, err := Open(path, Options{})
	require.NoError(t, err)

	_, err = e.Insert("widgets", []*document.Document{newWidget("a")}, document.AutoIDInt64)
	require.NoError(t, err)

	e.mu.Lock()
	collectionPageID := e.collections["widgets"]
	e.mu.Unlock()

	require.NoError(t, e.DropCollection("widgets"))

	_, err = e.Query("widgets", nil)
	require.Error(t, err, "a dropped collection must not be openable with createIfMissing=false")

	require.NoError(t, e.Checkpoint())
	require.NoError(t, e.Close())

	reopened, err := Open(path, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	reopened.mu.Lock()
	_, stillRegistered := reopened.collections["widgets"]
	reopened.mu.Unlock()
	require.False(t, stillRegistered, "scanCollections must not rediscover a dropped collection's freed page")

	page, err := reopened.disk.ReadDataBlock(collectionPageID)
	require.NoError(t, err)
	require.Equal(t, storage.PageTypeEmpty, page.PageType())
}

// Invariant 4 (index half): dropping a secondary index reclaims every page
// it owned, leaving the collection's own data and `_id` index untouched.
func TestDropIndexReclaimsPagesWithoutDisturbingCollection(t *testing.T) {
	e, err := OpenMemory(Options{})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.EnsureIndex("widgets", "by_sku", "$.sku", false))
	docs := make([]*document.Document, 0, 20)
	for i := 0; i < 20; i++ {
		d := document.New()
		d.Set("sku", "SKU")
		docs = append(docs, d)
	}
	_, err = e.Insert("widgets", docs, document.AutoIDInt64)
	require.NoError(t, err)

	require.NoError(t, e.DropIndex("widgets", "by_sku"))

	err = e.DropIndex("widgets", "by_sku")
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, IndexNotFound, lerr.Kind)

	got, err := e.Query("widgets", nil)
	require.NoError(t, err)
	require.Len(t, got, 20, "dropping a secondary index must not touch the collection's documents")
}
