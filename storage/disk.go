package storage

import (
	"io"
	"os"
	"sync"
	"time"
)

// StorageFile abstracts file operations for both a native (*os.File) and an
// in-memory backing store, so the same DiskManager code path serves
// on-disk and ":memory:" engines.
type StorageFile interface {
	ReadAt(b []byte, off int64) (n int, err error)
	WriteAt(b []byte, off int64) (n int, err error)
	Sync() error
	Close() error
	Stat() (os.FileInfo, error)
}

// MemFile implements StorageFile backed by a growable byte slice.
type MemFile struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemFile creates a new empty in-memory file.
func NewMemFile() *MemFile {
	return &MemFile{}
}

func (m *MemFile) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	n := copy(m.data[off:], p)
	return n, nil
}

func (m *MemFile) Sync() error  { return nil }
func (m *MemFile) Close() error { return nil }

// Truncate resizes the in-memory store, satisfying the optional
// interface{ Truncate(int64) error } DiskManager.TruncateLog looks for.
func (m *MemFile) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size >= int64(len(m.data)) {
		return nil
	}
	m.data = m.data[:size]
	return nil
}

func (m *MemFile) Stat() (os.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &memFileInfo{size: int64(len(m.data))}, nil
}

// memFileInfo implements os.FileInfo for MemFile.
type memFileInfo struct{ size int64 }

func (fi *memFileInfo) Name() string       { return "memfile" }
func (fi *memFileInfo) Size() int64        { return fi.size }
func (fi *memFileInfo) Mode() os.FileMode  { return 0644 }
func (fi *memFileInfo) ModTime() time.Time { return time.Time{} }
func (fi *memFileInfo) IsDir() bool        { return false }
func (fi *memFileInfo) Sys() interface{}   { return nil }

// DiskManager is the disk I/O layer (§4.1): fixed-size block read/write,
// atomic log append, fsync, addressed independently for the main data
// region and the WAL region (a separate "-log" file beside the data file on
// disk, or a separate in-memory store for :memory: engines).
type DiskManager struct {
	data StorageFile
	log  StorageFile
}

// NewDiskManager wraps an already-open data file and log file/store.
func NewDiskManager(data, log StorageFile) *DiskManager {
	return &DiskManager{data: data, log: log}
}

// ReadDataBlock reads the page at pageID from the main data region. A read
// past end-of-file returns an all-zeros frame, interpreted by callers as an
// Empty page (§4.1 failure semantics).
func (dm *DiskManager) ReadDataBlock(pageID uint32) (*Page, error) {
	p := &Page{}
	_, err := dm.data.ReadAt(p.Data[:], int64(pageID)*PageSize)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return p, nil
}

// WriteDataBlock writes page to the main data region at its own pageID.
// The caller guarantees the page is dirty; a short write aborts the calling
// transaction (surfaced as the returned error).
func (dm *DiskManager) WriteDataBlock(p *Page) error {
	_, err := dm.data.WriteAt(p.Data[:], int64(p.PageID())*PageSize)
	return err
}

// ReadLogFrame reads the frame at the given log offset (a byte offset
// within the log region, not a pageID — the log is append-only and frames
// don't own a stable pageID slot).
func (dm *DiskManager) ReadLogFrame(offset int64) (*Page, error) {
	p := &Page{}
	_, err := dm.log.ReadAt(p.Data[:], offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return p, nil
}

// AppendLogBlocks appends frames to the log atomically as a batch (a single
// writer at a time serializes through the WAL's own lock; DiskManager just
// performs the sequential writes) and returns the log offset of the first
// frame.
func (dm *DiskManager) AppendLogBlocks(frames [][PageSize]byte) (firstOffset int64, err error) {
	info, err := dm.log.Stat()
	if err != nil {
		return 0, err
	}
	firstOffset = info.Size()
	off := firstOffset
	for _, f := range frames {
		if _, err := dm.log.WriteAt(f[:], off); err != nil {
			return firstOffset, err
		}
		off += PageSize
	}
	return firstOffset, nil
}

// LogSize returns the current size of the log region, in bytes.
func (dm *DiskManager) LogSize() (int64, error) {
	info, err := dm.log.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// TruncateLog resets the log region to empty via the underlying store's
// Truncate (both *os.File and MemFile provide one); a store without a
// Truncate method is left unchanged.
func (dm *DiskManager) TruncateLog() error {
	if f, ok := dm.log.(interface{ Truncate(int64) error }); ok {
		return f.Truncate(0)
	}
	return nil
}

func (dm *DiskManager) SyncData() error { return dm.data.Sync() }
func (dm *DiskManager) SyncLog() error  { return dm.log.Sync() }

func (dm *DiskManager) CloseData() error { return dm.data.Close() }
func (dm *DiskManager) CloseLog() error  { return dm.log.Close() }

func (dm *DiskManager) DataSize() (int64, error) {
	info, err := dm.data.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
