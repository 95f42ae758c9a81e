// Package index implements the two secondary-index structures built on the
// shared page primitives: a leveled skip-list (§4.6) and an HNSW-style
// vector graph (§4.5).
package index

import (
	"encoding/binary"
	"fmt"
	"math/rand"

	"litedb/storage"
)

// MaxSkipListLevel bounds the per-level next/prev arrays a node can carry;
// SkipListIndexMeta.MaxLevel tracks the highest level actually in use so
// searches don't walk unused top levels.
const MaxSkipListLevel = 32

// Comparer orders two encoded keys the way the engine's collation requires
// (§6); skip-list code never compares key bytes directly.
type Comparer func(a, b []byte) int

// skipListNode is the decoded form of one Index page's slot-0 item.
type skipListNode struct {
	addr      storage.PageAddress
	key       []byte
	dataBlock storage.PageAddress
	level     int
	next      []storage.PageAddress
	prev      []storage.PageAddress
}

func encodeSkipListNode(n *skipListNode) []byte {
	buf := make([]byte, 2+len(n.key)+storage.PageAddressSize+1+n.level*2*storage.PageAddressSize)
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(n.key)))
	off += 2
	copy(buf[off:], n.key)
	off += len(n.key)
	storage.EncodePageAddress(buf[off:], n.dataBlock)
	off += storage.PageAddressSize
	buf[off] = byte(n.level)
	off++
	for i := 0; i < n.level; i++ {
		storage.EncodePageAddress(buf[off:], n.next[i])
		off += storage.PageAddressSize
		storage.EncodePageAddress(buf[off:], n.prev[i])
		off += storage.PageAddressSize
	}
	return buf
}

func decodeSkipListNode(addr storage.PageAddress, buf []byte) *skipListNode {
	off := 0
	keyLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	key := append([]byte(nil), buf[off:off+keyLen]...)
	off += keyLen
	dataBlock := storage.DecodePageAddress(buf[off:])
	off += storage.PageAddressSize
	level := int(buf[off])
	off++
	next := make([]storage.PageAddress, level)
	prev := make([]storage.PageAddress, level)
	for i := 0; i < level; i++ {
		next[i] = storage.DecodePageAddress(buf[off:])
		off += storage.PageAddressSize
		prev[i] = storage.DecodePageAddress(buf[off:])
		off += storage.PageAddressSize
	}
	return &skipListNode{addr: addr, key: key, dataBlock: dataBlock, level: level, next: next, prev: prev}
}

func loadNode(alloc storage.BlockAllocator, addr storage.PageAddress) (*skipListNode, error) {
	page, err := alloc.ReadPage(addr.PageID)
	if err != nil {
		return nil, err
	}
	item := page.GetItem(addr.Slot)
	if item == nil {
		return nil, fmt.Errorf("index: skip-list node %v is empty", addr)
	}
	return decodeSkipListNode(addr, item), nil
}

func storeNode(alloc storage.BlockAllocator, n *skipListNode) error {
	page, err := alloc.ReadPage(n.addr.PageID)
	if err != nil {
		return err
	}
	buf := encodeSkipListNode(n)
	if page.UpdateItem(n.addr.Slot, buf) {
		return alloc.WritePage(page)
	}
	// Grew past its slot's capacity: the node is not moved and an error is
	// returned. Head/tail are pre-sized to MaxSkipListLevel up front (see
	// NewSkipList) and ordinary nodes never resize after creation, so this
	// does not happen in normal operation.
	return fmt.Errorf("index: skip-list node %v outgrew its page", n.addr)
}

func newNode(alloc storage.BlockAllocator, key []byte, dataBlock storage.PageAddress, level int) (*skipListNode, error) {
	page, err := alloc.AllocatePage(storage.PageTypeIndex)
	if err != nil {
		return nil, err
	}
	n := &skipListNode{
		key:       key,
		dataBlock: dataBlock,
		level:     level,
		next:      make([]storage.PageAddress, level),
		prev:      make([]storage.PageAddress, level),
	}
	for i := range n.next {
		n.next[i] = storage.Empty
		n.prev[i] = storage.Empty
	}
	slot, ok := page.AddItem(encodeSkipListNode(n))
	if !ok {
		return nil, fmt.Errorf("index: skip-list node too large for a fresh page")
	}
	n.addr = storage.PageAddress{PageID: page.PageID(), Slot: slot}
	if err := alloc.WritePage(page); err != nil {
		return nil, err
	}
	return n, nil
}

// NewSkipList allocates head/tail sentinels wired together at every level up
// to MaxSkipListLevel, and returns the metadata an Index needs to persist.
func NewSkipList(alloc storage.BlockAllocator, name, keyExpr string, unique bool) (*storage.SkipListIndexMeta, error) {
	head, err := newNode(alloc, nil, storage.Empty, MaxSkipListLevel)
	if err != nil {
		return nil, err
	}
	tail, err := newNode(alloc, nil, storage.Empty, MaxSkipListLevel)
	if err != nil {
		return nil, err
	}
	for i := 0; i < MaxSkipListLevel; i++ {
		head.next[i] = tail.addr
		tail.prev[i] = head.addr
	}
	if err := storeNode(alloc, head); err != nil {
		return nil, err
	}
	if err := storeNode(alloc, tail); err != nil {
		return nil, err
	}
	return &storage.SkipListIndexMeta{
		Name:     name,
		KeyExpr:  keyExpr,
		Unique:   unique,
		Head:     head.addr,
		Tail:     tail.addr,
		MaxLevel: 1,
	}, nil
}

func randomLevel(cap int) int {
	level := 1
	for level < cap && rand.Float64() < 0.5 {
		level++
	}
	return level
}

// ErrDuplicateKey is returned by Insert against a unique index when key is
// already present.
var ErrDuplicateKey = fmt.Errorf("index: duplicate key in unique index")

// Insert adds (key, dataBlock) to the skip list, respecting uniqueness.
// Equal keys in a non-unique index are chained in insertion order.
func Insert(alloc storage.BlockAllocator, meta *storage.SkipListIndexMeta, cmp Comparer, key []byte, dataBlock storage.PageAddress) error {
	update := make([]*skipListNode, meta.MaxLevel)
	cur, err := loadNode(alloc, meta.Head)
	if err != nil {
		return err
	}
	for level := meta.MaxLevel - 1; level >= 0; level-- {
		for {
			next, err := loadNode(alloc, cur.next[level])
			if err != nil {
				return err
			}
			if next.addr.Equal(meta.Tail) {
				break
			}
			if c := cmp(next.key, key); c > 0 || (c == 0 && meta.Unique) {
				break
			}
			cur = next
		}
		update[level] = cur
	}

	if meta.Unique {
		candidate, err := loadNode(alloc, cur.next[0])
		if err != nil {
			return err
		}
		if !candidate.addr.Equal(meta.Tail) && cmp(candidate.key, key) == 0 {
			return ErrDuplicateKey
		}
	}

	level := randomLevel(MaxSkipListLevel)
	if level > meta.MaxLevel {
		// Head/tail were pre-wired together at every level up to
		// MaxSkipListLevel by NewSkipList, so head is already the correct
		// predecessor for any level beyond the current MaxLevel.
		head, err := loadNode(alloc, meta.Head)
		if err != nil {
			return err
		}
		for l := meta.MaxLevel; l < level; l++ {
			update = append(update, head)
		}
		meta.MaxLevel = level
	}

	node, err := newNode(alloc, key, dataBlock, level)
	if err != nil {
		return err
	}
	for l := 0; l < level; l++ {
		pred := update[l]
		succAddr := pred.next[l]
		succ, err := loadNode(alloc, succAddr)
		if err != nil {
			return err
		}
		node.next[l] = succAddr
		node.prev[l] = pred.addr
		pred.next[l] = node.addr
		succ.prev[l] = node.addr
		if err := storeNode(alloc, pred); err != nil {
			return err
		}
		if err := storeNode(alloc, succ); err != nil {
			return err
		}
	}
	if err := storeNode(alloc, node); err != nil {
		return err
	}
	meta.KeyCount++
	return nil
}

// Lookup returns every dataBlock stored under key (more than one only for a
// non-unique index with duplicate keys).
func Lookup(alloc storage.BlockAllocator, meta *storage.SkipListIndexMeta, cmp Comparer, key []byte) ([]storage.PageAddress, error) {
	cur, err := loadNode(alloc, meta.Head)
	if err != nil {
		return nil, err
	}
	for level := meta.MaxLevel - 1; level >= 0; level-- {
		for {
			next, err := loadNode(alloc, cur.next[level])
			if err != nil {
				return nil, err
			}
			if next.addr.Equal(meta.Tail) || cmp(next.key, key) >= 0 {
				break
			}
			cur = next
		}
	}
	var results []storage.PageAddress
	next, err := loadNode(alloc, cur.next[0])
	if err != nil {
		return nil, err
	}
	for !next.addr.Equal(meta.Tail) && cmp(next.key, key) == 0 {
		results = append(results, next.dataBlock)
		next, err = loadNode(alloc, next.next[0])
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// RangeScan returns dataBlocks for keys in [low, high] (either bound nil for
// unbounded), ascending order, respecting cmp's ordering.
func RangeScan(alloc storage.BlockAllocator, meta *storage.SkipListIndexMeta, cmp Comparer, low, high []byte) ([]storage.PageAddress, error) {
	cur, err := loadNode(alloc, meta.Head)
	if err != nil {
		return nil, err
	}
	if low != nil {
		for level := meta.MaxLevel - 1; level >= 0; level-- {
			for {
				next, err := loadNode(alloc, cur.next[level])
				if err != nil {
					return nil, err
				}
				if next.addr.Equal(meta.Tail) || cmp(next.key, low) >= 0 {
					break
				}
				cur = next
			}
		}
	}
	var results []storage.PageAddress
	next, err := loadNode(alloc, cur.next[0])
	if err != nil {
		return nil, err
	}
	for !next.addr.Equal(meta.Tail) {
		if high != nil && cmp(next.key, high) > 0 {
			break
		}
		results = append(results, next.dataBlock)
		next, err = loadNode(alloc, next.next[0])
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// Remove deletes the first node matching (key, dataBlock) exactly — a
// non-unique index may hold several nodes with the same key but distinct
// dataBlock pointers, so both must match.
func Remove(alloc storage.BlockAllocator, meta *storage.SkipListIndexMeta, cmp Comparer, key []byte, dataBlock storage.PageAddress) error {
	// Descend to the start of key's equal-key run, then scan it linearly at
	// level 0 for the node whose dataBlock matches exactly.
	cur, err := loadNode(alloc, meta.Head)
	if err != nil {
		return err
	}
	for level := meta.MaxLevel - 1; level >= 0; level-- {
		for {
			next, err := loadNode(alloc, cur.next[level])
			if err != nil {
				return err
			}
			if next.addr.Equal(meta.Tail) || cmp(next.key, key) >= 0 {
				break
			}
			cur = next
		}
	}

	target, err := loadNode(alloc, cur.next[0])
	if err != nil {
		return err
	}
	for !target.addr.Equal(meta.Tail) && cmp(target.key, key) == 0 {
		if target.dataBlock.Equal(dataBlock) {
			break
		}
		target, err = loadNode(alloc, target.next[0])
		if err != nil {
			return err
		}
	}
	if target.addr.Equal(meta.Tail) || cmp(target.key, key) != 0 {
		return nil // not found
	}

	for l := 0; l < target.level; l++ {
		pred, err := loadNode(alloc, target.prev[l])
		if err != nil {
			return err
		}
		succ, err := loadNode(alloc, target.next[l])
		if err != nil {
			return err
		}
		pred.next[l] = succ.addr
		succ.prev[l] = pred.addr
		if err := storeNode(alloc, pred); err != nil {
			return err
		}
		if err := storeNode(alloc, succ); err != nil {
			return err
		}
	}

	page, err := alloc.ReadPage(target.addr.PageID)
	if err != nil {
		return err
	}
	page.FreeItem(target.addr.Slot)
	if page.AllItemsFreed() {
		if err := alloc.FreePage(page); err != nil {
			return err
		}
	} else if err := alloc.WritePage(page); err != nil {
		return err
	}
	meta.KeyCount--
	return nil
}
