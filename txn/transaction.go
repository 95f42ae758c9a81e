package txn

import "litedb/storage"

// State is a transaction's lifecycle stage (§3).
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateCommitted:
		return "Committed"
	case StateAborted:
		return "Aborted"
	case StateDisposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

// ThreadID identifies the logical caller owning a transaction. Go has no
// native OS-thread-affinity concept to mirror the spec's `threadID` field
// directly, so callers supply any comparable token that is stable for the
// lifetime of one transaction (typically a goroutine-local counter or a
// request ID) — the monitor only needs it to enforce "at most one active
// transaction per thread."
type ThreadID = any

// Transaction is a unit of work spanning one or more collections (§3).
// Each Snapshot's local page map holds the pages this transaction has
// written in that collection: DirtyPageCount sums them for Safepoint
// (§4.4), and Commit hands each Snapshot's DirtyPages to the WAL.
type Transaction struct {
	TransactionID uint32
	ThreadID      ThreadID
	State         State

	Snapshots          map[string]*Snapshot // keyed by collection name
	MaxTransactionSize int                   // in pages

	lockedCollections []string

	// pageAlloc points at the fresh-pageID counter shared by every snapshot
	// this transaction opens. A page's id is unique across the whole file,
	// so the engine passes the same counter to every transaction (see
	// SeedPageAllocator) rather than giving each transaction or snapshot
	// its own.
	pageAlloc *uint32
}

// NewTransaction creates a fresh Active transaction. maxSize <= 0 means no
// cap (Safepoint becomes a no-op).
func NewTransaction(id uint32, thread ThreadID, maxSize int) *Transaction {
	return &Transaction{
		TransactionID:      id,
		ThreadID:           thread,
		State:              StateActive,
		Snapshots:          make(map[string]*Snapshot),
		MaxTransactionSize: maxSize,
	}
}

// SeedPageAllocator attaches the engine-owned fresh-pageID counter to this
// transaction. The engine calls this once, immediately after Begin, passing
// the SAME pointer to every transaction it opens for the file's lifetime —
// pageIDs must stay unique file-wide even across transactions running
// concurrently over different collections (§5: collection locks, not the
// engine lock, serialize ordinary writes), so one counter per transaction
// would not be enough; callers serialize access to the pointed-at value
// themselves (the engine does this via its own mutex).
func (t *Transaction) SeedPageAllocator(counter *uint32) {
	t.pageAlloc = counter
}

// NextPageID reports the next id the allocator would hand out, the value
// the engine persists back into the header's lastPageID after commit.
func (t *Transaction) NextPageID() uint32 {
	if t.pageAlloc == nil {
		return 0
	}
	return *t.pageAlloc
}

// SnapshotFor returns (creating if needed) this transaction's snapshot over
// collection, fixing readVersion to the transaction's own ID the first time
// it is opened — per §3, a Snapshot's readVersion never changes afterward.
func (t *Transaction) SnapshotFor(collection string, meta *storage.CollectionMeta, disk *storage.DiskManager, wal *storage.WAL, pool *storage.BufferPool, mode LockMode) *Snapshot {
	if s, ok := t.Snapshots[collection]; ok {
		return s
	}
	s := newSnapshot(collection, meta, disk, wal, pool, t.TransactionID, mode, t.pageAlloc)
	t.Snapshots[collection] = s
	return s
}

// DirtyPageCount sums dirty pages across every open snapshot, the quantity
// Safepoint compares against MaxTransactionSize.
func (t *Transaction) DirtyPageCount() int {
	n := 0
	for _, s := range t.Snapshots {
		n += len(s.localPages)
	}
	return n
}

// CollectionNames returns the names of every collection this transaction
// has touched, the set the engine passes to LockService.ReleaseCollections
// at commit or rollback.
func (t *Transaction) CollectionNames() []string {
	names := make([]string, 0, len(t.Snapshots))
	for name := range t.Snapshots {
		names = append(names, name)
	}
	return names
}
