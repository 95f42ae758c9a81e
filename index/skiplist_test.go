package index

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"litedb/storage"
)

func addr(pageID uint32, slot uint16) storage.PageAddress {
	return storage.PageAddress{PageID: pageID, Slot: slot}
}

func TestSkipListInsertLookupRangeScan(t *testing.T) {
	alloc := newMemAllocator()
	meta, err := NewSkipList(alloc, "by_name", "$.name", false)
	require.NoError(t, err)

	keys := [][]byte{[]byte("bob"), []byte("alice"), []byte("carol")}
	for i, k := range keys {
		require.NoError(t, Insert(alloc, meta, bytes.Compare, k, addr(100+uint32(i), 0)))
	}
	require.EqualValues(t, 3, meta.KeyCount)

	got, err := Lookup(alloc, meta, bytes.Compare, []byte("alice"))
	require.NoError(t, err)
	require.Equal(t, []storage.PageAddress{addr(101, 0)}, got)

	scan, err := RangeScan(alloc, meta, bytes.Compare, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []storage.PageAddress{addr(101, 0), addr(100, 0), addr(102, 0)}, scan)

	scan, err = RangeScan(alloc, meta, bytes.Compare, []byte("bob"), nil)
	require.NoError(t, err)
	require.Equal(t, []storage.PageAddress{addr(100, 0), addr(102, 0)}, scan)
}

func TestSkipListUniqueRejectsDuplicateKey(t *testing.T) {
	alloc := newMemAllocator()
	meta, err := NewSkipList(alloc, "by_email", "$.email", true)
	require.NoError(t, err)

	require.NoError(t, Insert(alloc, meta, bytes.Compare, []byte("a@x.com"), addr(1, 0)))
	err = Insert(alloc, meta, bytes.Compare, []byte("a@x.com"), addr(2, 0))
	require.ErrorIs(t, err, ErrDuplicateKey)
	require.EqualValues(t, 1, meta.KeyCount)
}

func TestSkipListNonUniqueAllowsDuplicateKeysDistinctDataBlocks(t *testing.T) {
	alloc := newMemAllocator()
	meta, err := NewSkipList(alloc, "by_tag", "$.tag", false)
	require.NoError(t, err)

	require.NoError(t, Insert(alloc, meta, bytes.Compare, []byte("red"), addr(1, 0)))
	require.NoError(t, Insert(alloc, meta, bytes.Compare, []byte("red"), addr(2, 0)))

	got, err := Lookup(alloc, meta, bytes.Compare, []byte("red"))
	require.NoError(t, err)
	require.ElementsMatch(t, []storage.PageAddress{addr(1, 0), addr(2, 0)}, got)
}

func TestSkipListRemove(t *testing.T) {
	alloc := newMemAllocator()
	meta, err := NewSkipList(alloc, "by_name", "$.name", false)
	require.NoError(t, err)

	require.NoError(t, Insert(alloc, meta, bytes.Compare, []byte("alice"), addr(1, 0)))
	require.NoError(t, Insert(alloc, meta, bytes.Compare, []byte("bob"), addr(2, 0)))

	require.NoError(t, Remove(alloc, meta, bytes.Compare, []byte("alice"), addr(1, 0)))
	require.EqualValues(t, 1, meta.KeyCount)

	got, err := Lookup(alloc, meta, bytes.Compare, []byte("alice"))
	require.NoError(t, err)
	require.Empty(t, got)

	scan, err := RangeScan(alloc, meta, bytes.Compare, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []storage.PageAddress{addr(2, 0)}, scan)
}

func TestSkipListRemoveMissingKeyIsNoop(t *testing.T) {
	alloc := newMemAllocator()
	meta, err := NewSkipList(alloc, "by_name", "$.name", false)
	require.NoError(t, err)
	require.NoError(t, Insert(alloc, meta, bytes.Compare, []byte("alice"), addr(1, 0)))

	require.NoError(t, Remove(alloc, meta, bytes.Compare, []byte("nope"), addr(9, 0)))
	require.EqualValues(t, 1, meta.KeyCount)
}
