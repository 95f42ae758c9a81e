package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestWAL(t *testing.T) (*WAL, *DiskManager) {
	t.Helper()
	disk := NewDiskManager(NewMemFile(), NewMemFile())
	w, err := OpenWAL(disk)
	require.NoError(t, err)
	return w, disk
}

func taggedPage(id, txnID uint32, body byte) *Page {
	p := NewPage(id, PageTypeData)
	p.SetTransactionID(txnID)
	p.Data[PageHeaderSize] = body
	return p
}

// Invariant 2 (atomicity): an uncommitted transaction's frames are never
// visible via ReadVersion, regardless of readVersion.
func TestWALUncommittedNotVisible(t *testing.T) {
	w, _ := newTestWAL(t)
	require.NoError(t, w.AppendFrames(7, []*Page{taggedPage(1, 7, 0xAA)}))

	_, ok, err := w.ReadVersion(1, 7)
	require.NoError(t, err)
	require.False(t, ok, "an unconfirmed frame must not satisfy ReadVersion")

	own, ok, err := w.ReadOwn(1, 7)
	require.NoError(t, err)
	require.True(t, ok, "ReadOwn must see the writer's own uncommitted frame")
	require.Equal(t, byte(0xAA), own.Data[PageHeaderSize])
}

// Invariant 1 (durability): once Commit has synced the confirmed marker,
// the frame is visible to any read at or after that transaction's version.
func TestWALCommitMakesFramesVisible(t *testing.T) {
	w, _ := newTestWAL(t)
	require.NoError(t, w.AppendFrames(3, []*Page{taggedPage(5, 3, 0x11)}))
	require.False(t, w.IsConfirmed(3))

	require.NoError(t, w.Commit(3))
	require.True(t, w.IsConfirmed(3))

	p, ok, err := w.ReadVersion(5, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, byte(0x11), p.Data[PageHeaderSize])

	// A read version below the committing transaction must not see it.
	_, ok, err = w.ReadVersion(5, 2)
	require.NoError(t, err)
	require.False(t, ok)
}

// Snapshot isolation (property 3): ReadVersion returns the newest confirmed
// write with txnID <= readVersion, never a later one.
func TestWALReadVersionPicksNewestAtOrBeforeVersion(t *testing.T) {
	w, _ := newTestWAL(t)
	require.NoError(t, w.AppendFrames(1, []*Page{taggedPage(9, 1, 0x01)}))
	require.NoError(t, w.Commit(1))
	require.NoError(t, w.AppendFrames(2, []*Page{taggedPage(9, 2, 0x02)}))
	require.NoError(t, w.Commit(2))
	require.NoError(t, w.AppendFrames(3, []*Page{taggedPage(9, 3, 0x03)}))
	require.NoError(t, w.Commit(3))

	p, ok, err := w.ReadVersion(9, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, byte(0x02), p.Data[PageHeaderSize])

	p, ok, err = w.ReadVersion(9, 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, byte(0x03), p.Data[PageHeaderSize])
}

func TestWALCheckpointAppliesNewestConfirmedAndTruncates(t *testing.T) {
	w, disk := newTestWAL(t)
	require.NoError(t, w.AppendFrames(1, []*Page{taggedPage(4, 1, 0x01)}))
	require.NoError(t, w.Commit(1))
	require.NoError(t, w.AppendFrames(2, []*Page{taggedPage(4, 2, 0x02)}))
	require.NoError(t, w.Commit(2))

	applied := make(map[uint32]byte)
	err := w.Checkpoint(func(pageID uint32, data [PageSize]byte) error {
		applied[pageID] = data[PageHeaderSize]
		return disk.WriteDataBlock(&Page{Data: data})
	})
	require.NoError(t, err)
	require.Equal(t, byte(0x02), applied[4])

	size, err := disk.LogSize()
	require.NoError(t, err)
	require.Zero(t, size, "checkpoint must truncate the log")

	got, err := disk.ReadDataBlock(4)
	require.NoError(t, err)
	require.Equal(t, byte(0x02), got.Data[PageHeaderSize])
}

func TestWALOpenDropsTornTrailingFrame(t *testing.T) {
	disk := NewDiskManager(NewMemFile(), NewMemFile())
	w, err := OpenWAL(disk)
	require.NoError(t, err)
	require.NoError(t, w.AppendFrames(1, []*Page{taggedPage(2, 1, 0x09)}))
	require.NoError(t, w.Commit(1))

	size, err := disk.LogSize()
	require.NoError(t, err)
	require.NoError(t, disk.log.(*MemFile).Truncate(size-1)) // simulate a torn write

	reopened, err := OpenWAL(disk)
	require.NoError(t, err)
	_, ok, err := reopened.ReadVersion(2, 1)
	require.NoError(t, err)
	require.False(t, ok, "a torn trailing frame must not be treated as valid")
}
