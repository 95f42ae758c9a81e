package index

import "litedb/storage"

// memAllocator is a minimal storage.BlockAllocator backed by an in-memory
// page map, used by index package tests that need to drive skip-list/vector
// structures without a full txn.Snapshot.
type memAllocator struct {
	pages  map[uint32]*storage.Page
	nextID uint32
}

func newMemAllocator() *memAllocator {
	return &memAllocator{pages: make(map[uint32]*storage.Page), nextID: 1}
}

func (a *memAllocator) AllocatePage(typ storage.PageType) (*storage.Page, error) {
	id := a.nextID
	a.nextID++
	p := storage.NewPage(id, typ)
	a.pages[id] = p
	return p, nil
}

func (a *memAllocator) ReclaimPage(pageID uint32, typ storage.PageType) (*storage.Page, error) {
	p := storage.NewPage(pageID, typ)
	a.pages[pageID] = p
	return p, nil
}

func (a *memAllocator) WritePage(p *storage.Page) error {
	a.pages[p.PageID()] = p
	return nil
}

func (a *memAllocator) ReadPage(pageID uint32) (*storage.Page, error) {
	return a.pages[pageID], nil
}

func (a *memAllocator) FreePage(p *storage.Page) error {
	delete(a.pages, p.PageID())
	return nil
}
