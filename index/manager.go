package index

import (
	"fmt"

	"litedb/storage"
)

// ErrIndexExists/ErrIndexNotFound/ErrTooManyIndexes are the schema-op error
// conditions named by §3: EnsureIndex/EnsureVectorIndex/DropIndex surface
// these to the engine layer, which wraps them as caller-facing typed errors.
var (
	ErrIndexExists    = fmt.Errorf("index: already exists")
	ErrIndexNotFound  = fmt.Errorf("index: not found")
	ErrTooManyIndexes = fmt.Errorf("index: at most %d indexes per kind per collection", storage.MaxIndexesPerKind)
)

// EnsureIndex creates a skip-list secondary index on a collection if one by
// this name doesn't already exist, per §3's "At most 256 indexes per kind
// per collection" cap.
func EnsureIndex(alloc storage.BlockAllocator, meta *storage.CollectionMeta, name, keyExpr string, unique bool) (*storage.SkipListIndexMeta, error) {
	if existing, ok := meta.Indexes[name]; ok {
		return existing, ErrIndexExists
	}
	if len(meta.Indexes) >= storage.MaxIndexesPerKind {
		return nil, ErrTooManyIndexes
	}
	idx, err := NewSkipList(alloc, name, keyExpr, unique)
	if err != nil {
		return nil, err
	}
	meta.Indexes[name] = idx
	return idx, nil
}

// DropIndex removes a skip-list index, reclaiming every node page it owns
// (§3: "must reclaim every reachable page").
func DropIndex(alloc storage.BlockAllocator, meta *storage.CollectionMeta, cmp Comparer, name string) error {
	idx, ok := meta.Indexes[name]
	if !ok {
		return ErrIndexNotFound
	}
	if err := dropAllNodes(alloc, idx, cmp); err != nil {
		return err
	}
	delete(meta.Indexes, name)
	return nil
}

// dropAllNodes walks the skip list at level 0 from head to tail, removing
// every real entry (head/tail sentinels are never freed individually —
// their pages are reclaimed by freeing the head/tail page addresses
// directly once the body is empty).
func dropAllNodes(alloc storage.BlockAllocator, meta *storage.SkipListIndexMeta, cmp Comparer) error {
	addr := meta.Head
	head, err := loadNode(alloc, addr)
	if err != nil {
		return err
	}
	cur := head.next[0]
	for !cur.Equal(meta.Tail) {
		n, err := loadNode(alloc, cur)
		if err != nil {
			return err
		}
		next := n.next[0]
		page, err := alloc.ReadPage(cur.PageID)
		if err != nil {
			return err
		}
		page.FreeItem(cur.Slot)
		if page.AllItemsFreed() {
			if err := alloc.FreePage(page); err != nil {
				return err
			}
		} else if err := alloc.WritePage(page); err != nil {
			return err
		}
		cur = next
	}
	for _, sentinel := range []storage.PageAddress{meta.Head, meta.Tail} {
		page, err := alloc.ReadPage(sentinel.PageID)
		if err != nil {
			return err
		}
		page.FreeItem(sentinel.Slot)
		if err := alloc.FreePage(page); err != nil {
			return err
		}
	}
	return nil
}

// EnsureVectorIndex creates a vector index at the given slot of the
// Collection page's `slot(0..255) -> VectorIndexMetadata` map, subject to
// §3's per-kind cap. If slot is already taken it returns the existing index
// together with ErrIndexExists.
func EnsureVectorIndex(meta *storage.CollectionMeta, slot byte, dims int, metric storage.VectorMetric) (*storage.VectorIndexMeta, error) {
	if existing, ok := meta.VectorIndexes[slot]; ok {
		return existing, ErrIndexExists
	}
	if len(meta.VectorIndexes) >= storage.MaxIndexesPerKind {
		return nil, ErrTooManyIndexes
	}
	vi := NewVectorIndex(slot, dims, metric)
	meta.VectorIndexes[slot] = vi
	return vi, nil
}

// DropVectorIndex removes a vector index, reclaiming every node page it
// owns via BFS from its root.
func DropVectorIndex(alloc storage.BlockAllocator, meta *storage.CollectionMeta, slot byte) error {
	vi, ok := meta.VectorIndexes[slot]
	if !ok {
		return ErrIndexNotFound
	}
	if err := dropAllVectorNodes(alloc, vi); err != nil {
		return err
	}
	delete(meta.VectorIndexes, slot)
	return nil
}

func dropAllVectorNodes(alloc storage.BlockAllocator, meta *storage.VectorIndexMeta) error {
	if meta.Root.IsEmpty() {
		return nil
	}
	visited := map[storage.PageAddress]bool{meta.Root: true}
	queue := []storage.PageAddress{meta.Root}
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		n, err := loadVectorNode(alloc, addr)
		if err != nil {
			return err
		}
		for l := 0; l < n.level; l++ {
			for _, nbAddr := range n.neighbors[l] {
				if !nbAddr.IsEmpty() && !visited[nbAddr] {
					visited[nbAddr] = true
					queue = append(queue, nbAddr)
				}
			}
		}
		if n.inline == nil {
			if err := storage.FreeDataChain(alloc, n.external); err != nil {
				return err
			}
		}
		page, err := alloc.ReadPage(addr.PageID)
		if err != nil {
			return err
		}
		page.FreeItem(addr.Slot)
		if err := alloc.FreePage(page); err != nil {
			return err
		}
	}
	return nil
}
