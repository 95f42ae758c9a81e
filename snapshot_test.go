package litedb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"litedb/document"
	"litedb/index"
)

// S1 / invariant 3: a read transaction's snapshot is pinned at BeginTrans and
// never observes writes committed by transactions that began afterward, even
// once those writes have fully committed and released their locks.
func TestSnapshotIsolationHidesLaterCommit(t *testing.T) {
	e, err := OpenMemory(Options{})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Insert("widgets", []*document.Document{newWidget("a")}, document.AutoIDInt64)
	require.NoError(t, err)

	r1, _, err := e.BeginTrans("reader", false)
	require.NoError(t, err)

	_, err = e.Insert("widgets", []*document.Document{newWidget("b")}, document.AutoIDInt64)
	require.NoError(t, err)

	h, err := e.openCollection(r1, "widgets", false, false)
	require.NoError(t, err)
	idx := h.meta.Indexes[idIndexName]
	addrs, err := index.RangeScan(h.alloc, idx, e.comparer(), nil, nil)
	require.NoError(t, err)
	require.Len(t, addrs, 1, "reader's pinned snapshot must not see the later transaction's insert")
	r1.Rollback()

	docs, err := e.Query("widgets", nil)
	require.NoError(t, err)
	require.Len(t, docs, 2, "a fresh transaction started after both commits sees everything")
}

// S5: a write transaction that cannot acquire a collection's lock within the
// configured timeout fails with a deterministic LockTimeout error, bounded
// close to the configured duration rather than hanging indefinitely.
func TestCollectionLockTimeoutIsDeterministic(t *testing.T) {
	e, err := OpenMemory(Options{})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.SetPragma(PragmaTimeout, 50*time.Millisecond))

	holder, _, err := e.BeginTrans("holder", true)
	require.NoError(t, err)
	_, err = e.openCollection(holder, "widgets", true, true)
	require.NoError(t, err)
	defer holder.Rollback()

	blocked, _, err := e.BeginTrans("blocked", true)
	require.NoError(t, err)
	defer blocked.Rollback()

	start := time.Now()
	_, err = e.openCollection(blocked, "widgets", true, true)
	elapsed := time.Since(start)

	require.Error(t, err)
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, LockTimeout, lerr.Kind)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.Less(t, elapsed, 500*time.Millisecond)
}

func newWidget(name string) *document.Document {
	d := document.New()
	d.Set("name", name)
	return d
}
