// Package storage implements the paged on-disk layout: fixed-size pages
// with a typed header and a slot table, the write-ahead log, the buffer
// pool, and the variable-length data-block chains built on top of them.
package storage

import "encoding/binary"

// PageSize is the fixed size of every page and log frame, in bytes.
const PageSize = 8192

// PageType identifies the structural role of a page.
type PageType byte

const (
	PageTypeHeader      PageType = 1
	PageTypeCollection  PageType = 2
	PageTypeData        PageType = 3
	PageTypeIndex       PageType = 4
	PageTypeVectorIndex PageType = 5
	PageTypeEmpty       PageType = 6
)

func (t PageType) String() string {
	switch t {
	case PageTypeHeader:
		return "Header"
	case PageTypeCollection:
		return "Collection"
	case PageTypeData:
		return "Data"
	case PageTypeIndex:
		return "Index"
	case PageTypeVectorIndex:
		return "VectorIndex"
	case PageTypeEmpty:
		return "Empty"
	default:
		return "Unknown"
	}
}

// Page header layout (22 bytes), slot table grows from the tail of the page
// toward the header. Invariant enforced by AddItem/FreeItem/Compact:
// usedBytes + freeBytes + headerSize + slotTableSize == PageSize.
const (
	offPageID        = 0  // uint32
	offPageType      = 4  // byte
	offPrevPageID    = 5  // uint32
	offNextPageID    = 9  // uint32
	offTransactionID = 13 // uint32
	offIsConfirmed   = 17 // byte
	offItemCount     = 18 // uint16
	offFreeBytes     = 20 // uint16

	PageHeaderSize = 22
	slotEntrySize  = 4 // offset:uint16 + length:uint16
)

// EmptyPageID / EmptySlot are the sentinel values forming the Empty
// PageAddress: both fields max-valued.
const (
	EmptyPageID uint32 = 0xFFFFFFFF
	EmptySlot   uint16 = 0xFFFF
)

// PageAddress is the universal on-disk pointer: (pageID, slotIndex).
type PageAddress struct {
	PageID uint32
	Slot   uint16
}

// Empty is the distinguished sentinel PageAddress meaning "no pointer".
var Empty = PageAddress{PageID: EmptyPageID, Slot: EmptySlot}

// IsEmpty reports whether addr is the Empty sentinel.
func (addr PageAddress) IsEmpty() bool {
	return addr.PageID == EmptyPageID && addr.Slot == EmptySlot
}

func (addr PageAddress) Equal(other PageAddress) bool {
	return addr.PageID == other.PageID && addr.Slot == other.Slot
}

// EncodePageAddress/DecodePageAddress give PageAddress a fixed 6-byte wire
// form, used by index and vector node layouts (§6 of the spec).
func EncodePageAddress(buf []byte, addr PageAddress) {
	binary.LittleEndian.PutUint32(buf[0:4], addr.PageID)
	binary.LittleEndian.PutUint16(buf[4:6], addr.Slot)
}

func DecodePageAddress(buf []byte) PageAddress {
	return PageAddress{
		PageID: binary.LittleEndian.Uint32(buf[0:4]),
		Slot:   binary.LittleEndian.Uint16(buf[4:6]),
	}
}

// PageAddressSize is the encoded size of a PageAddress on disk.
const PageAddressSize = 6

// Page is a raw, fixed-size block together with typed accessors over its
// common header and slot table. Page bodies (Collection/Data/Index/Vector
// payloads) are interpreted by the storage sub-files that own them.
type Page struct {
	Data [PageSize]byte
}

// NewPage initializes a fresh page of the given type and id, with an empty
// slot table and the full body available as free space.
func NewPage(id uint32, typ PageType) *Page {
	p := &Page{}
	p.SetPageID(id)
	p.SetPageType(typ)
	p.SetPrevPageID(EmptyPageID)
	p.SetNextPageID(EmptyPageID)
	p.setItemCount(0)
	p.setFreeBytes(uint16(PageSize - PageHeaderSize))
	return p
}

func (p *Page) PageID() uint32      { return binary.LittleEndian.Uint32(p.Data[offPageID:]) }
func (p *Page) SetPageID(v uint32)  { binary.LittleEndian.PutUint32(p.Data[offPageID:], v) }
func (p *Page) PageType() PageType  { return PageType(p.Data[offPageType]) }
func (p *Page) SetPageType(t PageType) { p.Data[offPageType] = byte(t) }

func (p *Page) PrevPageID() uint32     { return binary.LittleEndian.Uint32(p.Data[offPrevPageID:]) }
func (p *Page) SetPrevPageID(v uint32) { binary.LittleEndian.PutUint32(p.Data[offPrevPageID:], v) }
func (p *Page) NextPageID() uint32     { return binary.LittleEndian.Uint32(p.Data[offNextPageID:]) }
func (p *Page) SetNextPageID(v uint32) { binary.LittleEndian.PutUint32(p.Data[offNextPageID:], v) }

func (p *Page) TransactionID() uint32 {
	return binary.LittleEndian.Uint32(p.Data[offTransactionID:])
}
func (p *Page) SetTransactionID(v uint32) {
	binary.LittleEndian.PutUint32(p.Data[offTransactionID:], v)
}

func (p *Page) IsConfirmed() bool     { return p.Data[offIsConfirmed] != 0 }
func (p *Page) SetIsConfirmed(v bool) {
	if v {
		p.Data[offIsConfirmed] = 1
	} else {
		p.Data[offIsConfirmed] = 0
	}
}

func (p *Page) ItemCount() uint16      { return binary.LittleEndian.Uint16(p.Data[offItemCount:]) }
func (p *Page) setItemCount(v uint16)  { binary.LittleEndian.PutUint16(p.Data[offItemCount:], v) }
func (p *Page) FreeBytes() uint16      { return binary.LittleEndian.Uint16(p.Data[offFreeBytes:]) }
func (p *Page) setFreeBytes(v uint16)  { binary.LittleEndian.PutUint16(p.Data[offFreeBytes:], v) }

// IsEmptyPage reports whether the page has never been written (PageTypeEmpty,
// the interpretation of an all-zero frame read past end-of-file).
func (p *Page) IsEmptyPage() bool {
	t := p.PageType()
	return t == PageTypeEmpty || t == 0
}

// AllItemsFreed reports whether every slot ever assigned on this page has
// since been freed, meaning the page itself can be returned to a free-list.
func (p *Page) AllItemsFreed() bool {
	for i := uint16(0); i < p.ItemCount(); i++ {
		if _, length := p.readSlot(i); length != 0 {
			return false
		}
	}
	return p.ItemCount() > 0
}

// --- slot table ---

func (p *Page) slotOffset(slot uint16) int {
	return PageSize - int(slot+1)*slotEntrySize
}

func (p *Page) readSlot(slot uint16) (offset, length uint16) {
	o := p.slotOffset(slot)
	return binary.LittleEndian.Uint16(p.Data[o:]), binary.LittleEndian.Uint16(p.Data[o+2:])
}

func (p *Page) writeSlot(slot uint16, offset, length uint16) {
	o := p.slotOffset(slot)
	binary.LittleEndian.PutUint16(p.Data[o:], offset)
	binary.LittleEndian.PutUint16(p.Data[o+2:], length)
}

// bodyEnd is the first byte occupied by the slot table.
func (p *Page) bodyEnd() int {
	return PageSize - int(p.ItemCount())*slotEntrySize
}

// contentCursor returns the offset one past the highest used content byte,
// by scanning the slot table once. Deletion leaves holes; compaction is
// required to reclaim them (see Compact).
func (p *Page) contentCursor() uint16 {
	cursor := uint16(PageHeaderSize)
	for i := uint16(0); i < p.ItemCount(); i++ {
		off, length := p.readSlot(i)
		if length == 0 {
			continue // freed slot
		}
		if end := off + length; end > cursor {
			cursor = end
		}
	}
	return cursor
}

// AddItem appends data as a new slot. Returns the slot index, or ok=false if
// there isn't enough contiguous free space (caller should Compact or chain a
// new page).
func (p *Page) AddItem(data []byte) (slot uint16, ok bool) {
	needed := len(data) + slotEntrySize
	if needed > int(p.FreeBytes()) {
		return 0, false
	}
	cursor := p.contentCursor()
	if int(cursor)+needed > p.bodyEnd() {
		return 0, false
	}
	slot = p.ItemCount()
	copy(p.Data[cursor:], data)
	p.writeSlot(slot, cursor, uint16(len(data)))
	p.setItemCount(slot + 1)
	p.setFreeBytes(p.FreeBytes() - uint16(needed))
	return slot, true
}

// GetItem returns the bytes stored at slot. The returned slice aliases the
// page buffer and must be copied by the caller before the page is reused.
func (p *Page) GetItem(slot uint16) []byte {
	off, length := p.readSlot(slot)
	if length == 0 {
		return nil
	}
	return p.Data[off : off+length]
}

// SlotFreed reports whether a previously assigned slot has been freed.
func (p *Page) SlotFreed(slot uint16) bool {
	_, length := p.readSlot(slot)
	return length == 0
}

// FreeItem marks a slot free. The slot index itself stays assigned (per the
// spec's invariant) until the page is compacted; its content bytes become
// reclaimable free space only after Compact.
func (p *Page) FreeItem(slot uint16) {
	off, length := p.readSlot(slot)
	if length == 0 {
		return
	}
	_ = off
	p.writeSlot(slot, 0, 0)
	p.setFreeBytes(p.FreeBytes() + length)
}

// UpdateItem overwrites an existing slot's bytes in place when newData is no
// longer than the slot's current capacity; otherwise it leaves the slot
// unchanged and returns ok=false.
func (p *Page) UpdateItem(slot uint16, newData []byte) (ok bool) {
	off, length := p.readSlot(slot)
	if length == 0 || len(newData) > int(length) {
		return false
	}
	copy(p.Data[off:], newData)
	reclaimed := length - uint16(len(newData))
	p.writeSlot(slot, off, uint16(len(newData)))
	p.setFreeBytes(p.FreeBytes() + reclaimed)
	return true
}

// Compact rewrites the content region densely, eliminating holes left by
// FreeItem/UpdateItem shrinkage while preserving every live slot's index.
func (p *Page) Compact() {
	type liveSlot struct {
		idx  uint16
		data []byte
	}
	var live []liveSlot
	for i := uint16(0); i < p.ItemCount(); i++ {
		off, length := p.readSlot(i)
		if length == 0 {
			continue
		}
		cp := make([]byte, length)
		copy(cp, p.Data[off:off+length])
		live = append(live, liveSlot{idx: i, data: cp})
	}
	cursor := uint16(PageHeaderSize)
	for _, s := range live {
		copy(p.Data[cursor:], s.data)
		p.writeSlot(s.idx, cursor, uint16(len(s.data)))
		cursor += uint16(len(s.data))
	}
	p.setFreeBytes(uint16(p.bodyEnd()) - cursor)
}
