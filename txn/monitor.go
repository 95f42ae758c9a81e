package txn

import (
	"fmt"
	"sync"

	"litedb/storage"
)

// Monitor is the transaction registry of §4.4: assigns monotonically
// increasing transactionIDs, enforces at most one active transaction per
// thread, and runs Safepoint to bound a write transaction's memory.
type Monitor struct {
	mu        sync.Mutex
	nextID    uint32
	active    map[uint32]*Transaction
	byThread  map[ThreadID]uint32
	lockSvc   *LockService
}

// NewMonitor creates a Monitor whose first assigned transactionID is 1 (0 is
// reserved to mean "no transaction" in page headers written before any
// commit).
func NewMonitor(lockSvc *LockService) *Monitor {
	return &Monitor{
		nextID:   1,
		active:   make(map[uint32]*Transaction),
		byThread: make(map[ThreadID]uint32),
		lockSvc:  lockSvc,
	}
}

// Begin starts a new transaction for thread. Returns an error if thread
// already has one active (§3: "tracks per-thread current transaction, at
// most one").
func (m *Monitor) Begin(thread ThreadID, maxTransactionSize int) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byThread[thread]; ok {
		if existing, stillActive := m.active[id]; stillActive && existing.State == StateActive {
			return nil, fmt.Errorf("txn: thread already has active transaction %d", id)
		}
	}

	id := m.nextID
	m.nextID++
	t := NewTransaction(id, thread, maxTransactionSize)
	m.active[id] = t
	m.byThread[thread] = id
	return t, nil
}

// Lookup returns a thread's current transaction, if any.
func (m *Monitor) Lookup(thread ThreadID) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byThread[thread]
	if !ok {
		return nil, false
	}
	t, ok := m.active[id]
	return t, ok
}

// Dispose marks a transaction's terminal state and removes it from the
// registry, called after commit/rollback finishes releasing locks.
func (m *Monitor) Dispose(t *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.State = StateDisposed
	delete(m.active, t.TransactionID)
	if m.byThread[t.ThreadID] == t.TransactionID {
		delete(m.byThread, t.ThreadID)
	}
}

// Commit flushes every snapshot's remaining dirty pages to the WAL and
// writes the confirmed marker, then disposes the transaction. The caller is
// responsible for holding the transactional lock across this call.
func (m *Monitor) Commit(t *Transaction, wal *storage.WAL) error {
	if t.State != StateActive {
		return fmt.Errorf("txn: commit called on %s transaction %d", t.State, t.TransactionID)
	}
	for _, snap := range t.Snapshots {
		dirty := snap.DirtyPages()
		if len(dirty) == 0 {
			continue
		}
		if err := wal.AppendFrames(t.TransactionID, dirty); err != nil {
			return fmt.Errorf("txn: commit flush: %w", err)
		}
	}
	if err := wal.Commit(t.TransactionID); err != nil {
		return fmt.Errorf("txn: commit marker: %w", err)
	}
	t.State = StateCommitted
	m.Dispose(t)
	return nil
}

// Rollback drops every dirty frame (in-memory and any unconfirmed log
// frames already spilled by Safepoint are simply never confirmed, so they
// are inert) and disposes the transaction.
func (m *Monitor) Rollback(t *Transaction) {
	for _, snap := range t.Snapshots {
		snap.localPages = make(map[uint32]*storage.Page)
	}
	t.State = StateAborted
	m.Dispose(t)
}

// Safepoint enforces MaxTransactionSize (§4.4): when a write transaction's
// dirty-page count exceeds the limit, it spills clean shared pages out of
// snapshot local maps (re-read on demand later) and flushes the remaining
// dirty frames to the log early as unconfirmed, freeing buffer memory
// without giving up durability-on-commit — a Writable dirty frame not yet
// in the log is never discarded, only written out.
func (m *Monitor) Safepoint(t *Transaction, wal *storage.WAL) error {
	if t.MaxTransactionSize <= 0 || t.DirtyPageCount() <= t.MaxTransactionSize {
		return nil
	}
	for _, snap := range t.Snapshots {
		dirty := snap.DirtyPages()
		if len(dirty) == 0 {
			continue
		}
		if err := wal.AppendFrames(t.TransactionID, dirty); err != nil {
			return fmt.Errorf("txn: safepoint flush: %w", err)
		}
		// The frames are now durable-but-unconfirmed in the log; drop the
		// transaction's private copies. Snapshot.GetPage still finds them
		// via WAL.ReadOwn before checking the confirmed tier, so spilling
		// frees buffer memory without losing read-your-own-writes.
		for pid := range snap.localPages {
			delete(snap.localPages, pid)
		}
	}
	return nil
}
