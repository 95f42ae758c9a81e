package storage

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/snappy"
)

// dataBlockHeaderSize is the fixed prefix written at the start of a Data
// page's slot payload, ahead of the raw/compressed bytes: nextBlock
// PageAddress (6 bytes) and a one-byte flags field (extend bit, compressed
// bit).
const dataBlockHeaderSize = PageAddressSize + 1

const (
	blockFlagExtend     = 1 << 0 // continuation segment, not the chain head
	blockFlagCompressed = 1 << 1 // payload bytes are snappy-compressed
)

// maxDataBlockPayload is the largest slice of (possibly compressed) bytes
// one Data-page segment can hold, leaving room for the slot table entry and
// the block header.
const maxDataBlockPayload = PageSize - PageHeaderSize - slotEntrySize - dataBlockHeaderSize

// BlockAllocator supplies fresh Data pages to WriteDataChain/FreeDataChain,
// decoupling the chain writer from any particular free-list or page-cache
// implementation (the engine passes its per-collection txn.Snapshot, whose
// AllocatePage always draws a fresh pageID).
type BlockAllocator interface {
	AllocatePage(typ PageType) (*Page, error)
	WritePage(p *Page) error
	ReadPage(pageID uint32) (*Page, error)
	FreePage(p *Page) error
	// ReclaimPage resets an already-allocated page (typically one popped off
	// a caller-managed free-list chain, via its NextPageID link) to a fresh
	// page of typ, reusing its pageID instead of growing the file.
	ReclaimPage(pageID uint32, typ PageType) (*Page, error)
}

// WriteDataChain stores payload as a document's logical data block (§3): one
// or more Data-page segments chained via nextBlock, compressed with snappy
// whenever that shrinks the bytes. Returns the PageAddress of the head
// segment, the value callers persist as dataBlock in an index node.
func WriteDataChain(alloc BlockAllocator, payload []byte) (PageAddress, error) {
	body, flags := compressPayload(payload)

	var headAddr PageAddress
	var prevPage *Page
	var prevSlot uint16
	offset := 0
	first := true

	for offset < len(body) || first {
		end := offset + maxDataBlockPayload
		if end > len(body) {
			end = len(body)
		}
		chunk := body[offset:end]

		page, err := alloc.AllocatePage(PageTypeData)
		if err != nil {
			return PageAddress{}, err
		}

		segFlags := flags
		if !first {
			segFlags |= blockFlagExtend
		}
		buf := make([]byte, dataBlockHeaderSize+len(chunk))
		EncodePageAddress(buf, Empty) // nextBlock, patched once the next segment exists
		buf[PageAddressSize] = segFlags
		copy(buf[dataBlockHeaderSize:], chunk)

		slot, ok := page.AddItem(buf)
		if !ok {
			return PageAddress{}, fmt.Errorf("storage: data chain segment does not fit a fresh page")
		}
		if err := alloc.WritePage(page); err != nil {
			return PageAddress{}, err
		}

		addr := PageAddress{PageID: page.PageID(), Slot: slot}
		if first {
			headAddr = addr
		} else {
			if err := patchNextBlock(alloc, prevPage, prevSlot, addr); err != nil {
				return PageAddress{}, err
			}
		}

		prevPage, prevSlot = page, slot
		offset = end
		first = false
	}

	return headAddr, nil
}

func patchNextBlock(alloc BlockAllocator, page *Page, slot uint16, next PageAddress) error {
	item := page.GetItem(slot)
	buf := make([]byte, len(item))
	copy(buf, item)
	EncodePageAddress(buf, next)
	if !page.UpdateItem(slot, buf) {
		return fmt.Errorf("storage: cannot patch data chain link in place")
	}
	return alloc.WritePage(page)
}

// ReadDataChain reassembles a document body starting at head, decompressing
// if the chain's compressed flag is set.
func ReadDataChain(alloc BlockAllocator, head PageAddress) ([]byte, error) {
	if head.IsEmpty() {
		return nil, nil
	}
	var out []byte
	addr := head
	compressed := false
	firstSeg := true
	for !addr.IsEmpty() {
		page, err := alloc.ReadPage(addr.PageID)
		if err != nil {
			return nil, err
		}
		item := page.GetItem(addr.Slot)
		if len(item) < dataBlockHeaderSize {
			return nil, fmt.Errorf("storage: truncated data chain segment at %v", addr)
		}
		next := DecodePageAddress(item)
		flags := item[PageAddressSize]
		if firstSeg {
			compressed = flags&blockFlagCompressed != 0
			firstSeg = false
		}
		out = append(out, item[dataBlockHeaderSize:]...)
		addr = next
	}
	if compressed {
		decoded, err := snappy.Decode(nil, out)
		if err != nil {
			return nil, fmt.Errorf("storage: snappy decode data chain: %w", err)
		}
		return decoded, nil
	}
	return out, nil
}

// FreeDataChain walks head and returns every page to alloc, used by document
// delete/update-with-resize and by index/vector node deletion for external
// vector payloads.
func FreeDataChain(alloc BlockAllocator, head PageAddress) error {
	addr := head
	for !addr.IsEmpty() {
		page, err := alloc.ReadPage(addr.PageID)
		if err != nil {
			return err
		}
		item := page.GetItem(addr.Slot)
		if len(item) < dataBlockHeaderSize {
			return fmt.Errorf("storage: truncated data chain segment at %v", addr)
		}
		next := DecodePageAddress(item)
		page.FreeItem(addr.Slot)
		if page.AllItemsFreed() {
			if err := alloc.FreePage(page); err != nil {
				return err
			}
		} else if err := alloc.WritePage(page); err != nil {
			return err
		}
		addr = next
	}
	return nil
}

// compressPayload mirrors the teacher's "only keep compression if it helps"
// rule, generalized from record bodies to every data block (§4's "Data
// service" entry covers all document bodies, not only oversized ones).
func compressPayload(payload []byte) ([]byte, byte) {
	compressed := snappy.Encode(nil, payload)
	if len(compressed) < len(payload) {
		return compressed, blockFlagCompressed
	}
	return payload, 0
}

// EncodeFloat32Vector packs a float32 slice into bytes for external vector
// storage (§4.5: vectors spilling to data blocks use the same chain format).
func EncodeFloat32Vector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeFloat32Vector is the inverse of EncodeFloat32Vector.
func DecodeFloat32Vector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
