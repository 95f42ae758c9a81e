package storage

import "sync"

// logEntry indexes one page-image frame written to the log region.
type logEntry struct {
	offset int64
	txnID  uint32
}

// WAL is the write-ahead log (§4.3): a sequence of 8192-byte page images
// tagged with a transactionID and an isConfirmed bit, stored via the
// DiskManager's independently-addressable log region. A transaction's
// commit writes every dirty page image, syncs, then writes a final
// "confirmed marker" frame and syncs again — the second sync is the
// durability point: after it returns, the transaction is guaranteed
// recoverable (§8 invariant 1).
type WAL struct {
	mu sync.Mutex

	disk *DiskManager

	pageIndex map[uint32][]logEntry // pageID -> chronological frame offsets
	confirmed map[uint32]bool       // transactionID -> confirmed
}

// OpenWAL scans an existing log region (if any) and rebuilds the in-memory
// index used for read-version resolution and checkpoint. A crash mid-append
// can leave a short trailing frame; it is detected and ignored (effectively
// dropping the torn write, which is always unconfirmed and safe to lose).
func OpenWAL(disk *DiskManager) (*WAL, error) {
	w := &WAL{
		disk:      disk,
		pageIndex: make(map[uint32][]logEntry),
		confirmed: make(map[uint32]bool),
	}
	if err := w.load(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) load() error {
	size, err := w.disk.LogSize()
	if err != nil {
		return err
	}
	frameCount := size / PageSize // a torn trailing frame is silently dropped
	for i := int64(0); i < frameCount; i++ {
		offset := i * PageSize
		page, err := w.disk.ReadLogFrame(offset)
		if err != nil {
			return err
		}
		w.index(page, offset)
	}
	return nil
}

func (w *WAL) index(page *Page, offset int64) {
	txnID := page.TransactionID()
	if page.IsConfirmed() {
		w.confirmed[txnID] = true
		return
	}
	pid := page.PageID()
	w.pageIndex[pid] = append(w.pageIndex[pid], logEntry{offset: offset, txnID: txnID})
}

// AppendFrames logs every dirty page of a transaction as an unconfirmed
// image. Pages must already be marked dirty by the caller (the
// BufferPool/Snapshot layer); AppendFrames stamps transactionID and clears
// isConfirmed on each page before writing it.
func (w *WAL) AppendFrames(txnID uint32, pages []*Page) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(pages) == 0 {
		return nil
	}
	frames := make([][PageSize]byte, len(pages))
	for i, p := range pages {
		p.SetTransactionID(txnID)
		p.SetIsConfirmed(false)
		frames[i] = p.Data
	}
	firstOffset, err := w.disk.AppendLogBlocks(frames)
	if err != nil {
		return err
	}
	offset := firstOffset
	for _, p := range pages {
		w.pageIndex[p.PageID()] = append(w.pageIndex[p.PageID()], logEntry{offset: offset, txnID: txnID})
		offset += PageSize
	}
	return nil
}

// Commit writes the confirmed marker for txnID. Per §4.3, all of the
// transaction's log frames must already be durable (syncLog called) before
// the marker is written, and the marker itself is synced before Commit
// returns — that second sync is what "after syncLog() of T's confirmed
// marker" in §8's durability law refers to.
func (w *WAL) Commit(txnID uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.disk.SyncLog(); err != nil {
		return err
	}

	marker := NewPage(EmptyPageID, PageTypeEmpty)
	marker.SetTransactionID(txnID)
	marker.SetIsConfirmed(true)
	if _, err := w.disk.AppendLogBlocks([][PageSize]byte{marker.Data}); err != nil {
		return err
	}
	if err := w.disk.SyncLog(); err != nil {
		return err
	}
	w.confirmed[txnID] = true
	return nil
}

// IsConfirmed reports whether txnID's commit marker has been observed.
func (w *WAL) IsConfirmed(txnID uint32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.confirmed[txnID]
}

// ReadVersion implements the read-visibility rule of §4.3: scan pageID's
// frames newest-first and return the newest one whose transaction is
// confirmed with transactionID <= readVersion.
func (w *WAL) ReadVersion(pageID uint32, readVersion uint32) (*Page, bool, error) {
	w.mu.Lock()
	entries := w.pageIndex[pageID]
	var match *logEntry
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.txnID <= readVersion && w.confirmed[e.txnID] {
			match = &entries[i]
			break
		}
	}
	w.mu.Unlock()
	if match == nil {
		return nil, false, nil
	}
	page, err := w.disk.ReadLogFrame(match.offset)
	if err != nil {
		return nil, false, err
	}
	return page, true, nil
}

// ReadOwn returns the newest frame for pageID written by exactly txnID,
// confirmed or not — used by a transaction to see its own spilled-but-not-
// yet-committed writes (§8: a transaction sees its own writes immediately,
// even after Safepoint has flushed them out of its in-memory local map).
func (w *WAL) ReadOwn(pageID uint32, txnID uint32) (*Page, bool, error) {
	w.mu.Lock()
	entries := w.pageIndex[pageID]
	var match *logEntry
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].txnID == txnID {
			match = &entries[i]
			break
		}
	}
	w.mu.Unlock()
	if match == nil {
		return nil, false, nil
	}
	page, err := w.disk.ReadLogFrame(match.offset)
	if err != nil {
		return nil, false, err
	}
	return page, true, nil
}

// FrameCount returns the number of page-image frames (including markers)
// currently in the log. The engine does not call it: a checkpoint runs only
// when Engine.Checkpoint is called, whatever the CheckpointThreshold pragma.
func (w *WAL) FrameCount() (int64, error) {
	size, err := w.disk.LogSize()
	if err != nil {
		return 0, err
	}
	return size / PageSize, nil
}

// Checkpoint copies every confirmed page image to its main-file location,
// fsyncs the main file, then truncates the log (§4.3). apply is called once
// per distinct pageID with its newest confirmed image.
func (w *WAL) Checkpoint(apply func(pageID uint32, data [PageSize]byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for pageID, entries := range w.pageIndex {
		var latest *logEntry
		for i := range entries {
			if w.confirmed[entries[i].txnID] {
				latest = &entries[i]
			}
		}
		if latest == nil {
			continue
		}
		page, err := w.disk.ReadLogFrame(latest.offset)
		if err != nil {
			return err
		}
		if err := apply(pageID, page.Data); err != nil {
			return err
		}
	}

	if err := w.disk.SyncData(); err != nil {
		return err
	}
	if err := w.disk.TruncateLog(); err != nil {
		return err
	}
	w.pageIndex = make(map[uint32][]logEntry)
	w.confirmed = make(map[uint32]bool)
	return nil
}

// ConfirmedSnapshot returns a copy of the confirmed-transaction set, used by
// the shared-mode header re-validation path (§5/§9 open question).
func (w *WAL) ConfirmedSnapshot() map[uint32]bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make(map[uint32]bool, len(w.confirmed))
	for k, v := range w.confirmed {
		cp[k] = v
	}
	return cp
}
