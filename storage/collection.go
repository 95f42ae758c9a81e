package storage

import (
	"encoding/binary"
	"fmt"
)

// NumFreeClasses buckets a collection's Data/Index free-lists by free-byte
// class so an allocator can find a page with "enough" room without scanning
// every free page. Class i holds pages with free bytes in
// [classFloor(i), classFloor(i+1)).
const NumFreeClasses = 4

func classFloor(class int) int {
	switch class {
	case 0:
		return 0
	case 1:
		return PageSize / 8
	case 2:
		return PageSize / 4
	default:
		return PageSize / 2
	}
}

// FreeClassFor returns the bucket a page with freeBytes free space belongs
// in, from the allocator's point of view (looking for a page that can fit
// "need" more bytes).
func FreeClassFor(freeBytes int) int {
	class := 0
	for c := NumFreeClasses - 1; c >= 0; c-- {
		if freeBytes >= classFloor(c) {
			class = c
			break
		}
	}
	return class
}

// VectorMetric is the distance function a vector index was created with.
type VectorMetric byte

const (
	MetricCosine VectorMetric = iota
	MetricEuclidean
	MetricDotProduct
)

func (m VectorMetric) String() string {
	switch m {
	case MetricCosine:
		return "Cosine"
	case MetricEuclidean:
		return "Euclidean"
	case MetricDotProduct:
		return "DotProduct"
	default:
		return "Unknown"
	}
}

// MaxIndexesPerKind is the per-collection cap on skip-list indexes and on
// vector indexes, independently (§3: "At most 256 indexes per kind per
// collection").
const MaxIndexesPerKind = 256

// SkipListIndexMeta is the Collection page's record for one skip-list
// secondary index.
type SkipListIndexMeta struct {
	Name       string
	KeyExpr    string // source of the key expression, e.g. "$.field"
	Unique     bool
	Head, Tail PageAddress
	MaxLevel   int
	KeyCount   int64
}

// VectorIndexMeta is the Collection page's record for one vector index.
type VectorIndexMeta struct {
	Slot             byte
	Dimensions       int
	Metric           VectorMetric
	Root             PageAddress
	ReservedFreeList uint32 // head pageID of the vector free-list
}

// CollectionMeta is the decoded in-memory form of a Collection page: the
// collection's name, its Data/Index free-lists (bucketed by free-byte
// class), and its index catalogs.
type CollectionMeta struct {
	PageID        uint32
	Name          string
	DataFreeList  [NumFreeClasses]uint32
	IndexFreeList [NumFreeClasses]uint32
	Indexes       map[string]*SkipListIndexMeta
	VectorIndexes map[byte]*VectorIndexMeta
	// NextAutoID is the counter backing Int32/Int64 auto-increment _id
	// assignment (§3's Insert operation); unused by the ObjectId/Guid/String
	// id kinds.
	NextAutoID int64
}

// NewCollectionMeta creates empty metadata for a just-created collection.
func NewCollectionMeta(pageID uint32, name string) *CollectionMeta {
	cm := &CollectionMeta{
		PageID:        pageID,
		Name:          name,
		Indexes:       make(map[string]*SkipListIndexMeta),
		VectorIndexes: make(map[byte]*VectorIndexMeta),
	}
	for i := range cm.DataFreeList {
		cm.DataFreeList[i] = EmptyPageID
		cm.IndexFreeList[i] = EmptyPageID
	}
	return cm
}

// Encode serializes the collection metadata into a Collection page.
// Layout in the body (after the common page header): name, the two
// free-list arrays, then the skip-list and vector index catalogs.
func (cm *CollectionMeta) Encode() (*Page, error) {
	p := NewPage(cm.PageID, PageTypeCollection)
	buf := make([]byte, 0, 512)
	tmp4 := make([]byte, 4)
	tmp2 := make([]byte, 2)

	nameB := []byte(cm.Name)
	binary.LittleEndian.PutUint16(tmp2, uint16(len(nameB)))
	buf = append(buf, tmp2...)
	buf = append(buf, nameB...)

	for _, v := range cm.DataFreeList {
		binary.LittleEndian.PutUint32(tmp4, v)
		buf = append(buf, tmp4...)
	}
	for _, v := range cm.IndexFreeList {
		binary.LittleEndian.PutUint32(tmp4, v)
		buf = append(buf, tmp4...)
	}

	var tmp8NextID [8]byte
	binary.LittleEndian.PutUint64(tmp8NextID[:], uint64(cm.NextAutoID))
	buf = append(buf, tmp8NextID[:]...)

	if len(cm.Indexes) > MaxIndexesPerKind {
		return nil, fmt.Errorf("storage: collection %q exceeds %d skip-list indexes", cm.Name, MaxIndexesPerKind)
	}
	binary.LittleEndian.PutUint16(tmp2, uint16(len(cm.Indexes)))
	buf = append(buf, tmp2...)
	for _, idx := range cm.Indexes {
		buf = appendString(buf, idx.Name)
		buf = appendString(buf, idx.KeyExpr)
		if idx.Unique {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		addrBuf := make([]byte, PageAddressSize)
		EncodePageAddress(addrBuf, idx.Head)
		buf = append(buf, addrBuf...)
		EncodePageAddress(addrBuf, idx.Tail)
		buf = append(buf, addrBuf...)
		binary.LittleEndian.PutUint16(tmp2, uint16(idx.MaxLevel))
		buf = append(buf, tmp2...)
		var tmp8 [8]byte
		binary.LittleEndian.PutUint64(tmp8[:], uint64(idx.KeyCount))
		buf = append(buf, tmp8[:]...)
	}

	if len(cm.VectorIndexes) > MaxIndexesPerKind {
		return nil, fmt.Errorf("storage: collection %q exceeds %d vector indexes", cm.Name, MaxIndexesPerKind)
	}
	binary.LittleEndian.PutUint16(tmp2, uint16(len(cm.VectorIndexes)))
	buf = append(buf, tmp2...)
	for _, vi := range cm.VectorIndexes {
		buf = append(buf, vi.Slot)
		binary.LittleEndian.PutUint16(tmp2, uint16(vi.Dimensions))
		buf = append(buf, tmp2...)
		buf = append(buf, byte(vi.Metric))
		addrBuf := make([]byte, PageAddressSize)
		EncodePageAddress(addrBuf, vi.Root)
		buf = append(buf, addrBuf...)
		binary.LittleEndian.PutUint32(tmp4, vi.ReservedFreeList)
		buf = append(buf, tmp4...)
	}

	if len(buf) > PageSize-PageHeaderSize {
		return nil, fmt.Errorf("storage: collection %q metadata too large for one page", cm.Name)
	}
	copy(p.Data[PageHeaderSize:], buf)
	return p, nil
}

func appendString(buf []byte, s string) []byte {
	var tmp2 [2]byte
	b := []byte(s)
	binary.LittleEndian.PutUint16(tmp2[:], uint16(len(b)))
	buf = append(buf, tmp2[:]...)
	return append(buf, b...)
}

func readString(data []byte, off int) (string, int) {
	l := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	return string(data[off : off+l]), off + l
}

// DecodeCollectionMeta parses a Collection page back into memory.
func DecodeCollectionMeta(p *Page) (*CollectionMeta, error) {
	if p.PageType() != PageTypeCollection {
		return nil, fmt.Errorf("storage: page %d is not a collection page", p.PageID())
	}
	data := p.Data[:]
	off := PageHeaderSize

	name, off2 := readString(data, off)
	off = off2

	cm := NewCollectionMeta(p.PageID(), name)
	for i := range cm.DataFreeList {
		cm.DataFreeList[i] = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}
	for i := range cm.IndexFreeList {
		cm.IndexFreeList[i] = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}

	cm.NextAutoID = int64(binary.LittleEndian.Uint64(data[off:]))
	off += 8

	numIdx := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	for i := 0; i < numIdx; i++ {
		var idx SkipListIndexMeta
		idx.Name, off = readString(data, off)
		idx.KeyExpr, off = readString(data, off)
		idx.Unique = data[off] != 0
		off++
		idx.Head = DecodePageAddress(data[off:])
		off += PageAddressSize
		idx.Tail = DecodePageAddress(data[off:])
		off += PageAddressSize
		idx.MaxLevel = int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		idx.KeyCount = int64(binary.LittleEndian.Uint64(data[off:]))
		off += 8
		cm.Indexes[idx.Name] = &idx
	}

	numVec := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	for i := 0; i < numVec; i++ {
		var vi VectorIndexMeta
		vi.Slot = data[off]
		off++
		vi.Dimensions = int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		vi.Metric = VectorMetric(data[off])
		off++
		vi.Root = DecodePageAddress(data[off:])
		off += PageAddressSize
		vi.ReservedFreeList = binary.LittleEndian.Uint32(data[off:])
		off += 4
		cm.VectorIndexes[vi.Slot] = &vi
	}

	return cm, nil
}
