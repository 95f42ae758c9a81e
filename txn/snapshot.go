package txn

import (
	"fmt"

	"litedb/storage"
)

// LockMode is the access mode a Snapshot was opened under (§3).
type LockMode int

const (
	ModeRead LockMode = iota
	ModeWrite
)

// Snapshot is a transaction-scoped read/write view of one collection (§3).
// Resolution order for GetPage: local writes first; for a write snapshot,
// then this transaction's own WAL frames; then the newest confirmed WAL
// image with transactionID <= readVersion; then the disk page.
type Snapshot struct {
	Collection  string
	Meta        *storage.CollectionMeta
	readVersion uint32
	mode        LockMode

	disk *storage.DiskManager
	wal  *storage.WAL
	pool *storage.BufferPool

	localPages map[uint32]*storage.Page
	// nextPageID is the engine-wide counter shared by every snapshot of
	// every transaction (see Transaction.SeedPageAllocator) so fresh pageIDs
	// stay unique across collections and transactions.
	nextPageID *uint32
}

func newSnapshot(collection string, meta *storage.CollectionMeta, disk *storage.DiskManager, wal *storage.WAL, pool *storage.BufferPool, readVersion uint32, mode LockMode, pageAlloc *uint32) *Snapshot {
	return &Snapshot{
		Collection:  collection,
		Meta:        meta,
		readVersion: readVersion,
		mode:        mode,
		disk:        disk,
		wal:         wal,
		pool:        pool,
		localPages:  make(map[uint32]*storage.Page),
		nextPageID:  pageAlloc,
	}
}

// ReadVersion returns the transactionID this snapshot is pinned to.
func (s *Snapshot) ReadVersion() uint32 { return s.readVersion }

// GetPage implements the resolution order described on Snapshot.
func (s *Snapshot) GetPage(pageID uint32) (*storage.Page, error) {
	if p, ok := s.localPages[pageID]; ok {
		return p, nil
	}
	if s.wal != nil {
		// A write snapshot's readVersion equals its own transactionID, so a
		// frame this transaction spilled via Safepoint (still unconfirmed)
		// is found here before falling through to the confirmed-only tier.
		if s.mode == ModeWrite {
			if p, ok, err := s.wal.ReadOwn(pageID, s.readVersion); err != nil {
				return nil, err
			} else if ok {
				return p, nil
			}
		}
		if p, ok, err := s.wal.ReadVersion(pageID, s.readVersion); err != nil {
			return nil, err
		} else if ok {
			return p, nil
		}
	}
	frame, err := s.pool.Get(pageID, storage.ModeRead, func(id uint32) (*storage.Page, storage.Origin, int64, error) {
		p, err := s.disk.ReadDataBlock(id)
		if err != nil {
			return nil, 0, 0, err
		}
		return p, storage.OriginDisk, int64(id) * storage.PageSize, nil
	})
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(frame)
	return frame.Page, nil
}

// PutPage records page as a local write, visible to this snapshot and to
// the transaction's own subsequent reads immediately, but not to any other
// transaction until commit writes it through the WAL.
func (s *Snapshot) PutPage(page *storage.Page) error {
	if s.mode != ModeWrite {
		return fmt.Errorf("txn: snapshot over %q is read-only", s.Collection)
	}
	s.localPages[page.PageID()] = page
	return nil
}

// ReadPage satisfies storage.BlockAllocator, letting data-block chains and
// index structures read pages through the snapshot's visibility rules.
func (s *Snapshot) ReadPage(pageID uint32) (*storage.Page, error) { return s.GetPage(pageID) }

// WritePage satisfies storage.BlockAllocator.
func (s *Snapshot) WritePage(p *storage.Page) error { return s.PutPage(p) }

// AllocatePage satisfies storage.BlockAllocator by drawing the next fresh
// pageID off the engine-wide shared counter (see Transaction.SeedPageAllocator)
// and initializing it as typ. Free-list reuse within a collection's own
// Data/Index buckets is the caller's responsibility (ReclaimPage handles
// the index/vector-index free-list case).
func (s *Snapshot) AllocatePage(typ storage.PageType) (*storage.Page, error) {
	id := *s.nextPageID
	*s.nextPageID++
	p := storage.NewPage(id, typ)
	if err := s.PutPage(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ReclaimPage satisfies storage.BlockAllocator by re-initializing an
// existing pageID (popped from a free-list chain) as a fresh page.
func (s *Snapshot) ReclaimPage(pageID uint32, typ storage.PageType) (*storage.Page, error) {
	p := storage.NewPage(pageID, typ)
	if err := s.PutPage(p); err != nil {
		return nil, err
	}
	return p, nil
}

// FreePage satisfies storage.BlockAllocator by retiring the page as Empty;
// actual free-list linkage is the caller's responsibility (the Collection
// page's per-class free-lists), since only it knows which bucket the page
// belongs in.
func (s *Snapshot) FreePage(p *storage.Page) error {
	freed := storage.NewPage(p.PageID(), storage.PageTypeEmpty)
	return s.PutPage(freed)
}


// DirtyPages returns every locally-written page, the set Commit hands to
// the WAL.
func (s *Snapshot) DirtyPages() []*storage.Page {
	pages := make([]*storage.Page, 0, len(s.localPages))
	for _, p := range s.localPages {
		pages = append(pages, p)
	}
	return pages
}
