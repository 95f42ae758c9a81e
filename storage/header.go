package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// HeaderMagic identifies a LiteDB-core data file. 27 bytes, matching the
// spec's "fixed 27-byte string" requirement.
const HeaderMagic = "** This is a LiteDB file **"

const headerFormatVersion uint16 = 1

// Header page (pageID 0) layout, starting right after the common page
// header (PageHeaderSize):
//
//	[0..27)   magic (27 bytes)
//	[27..29)  format version (uint16)
//	[29..37)  creation time, unix nanos (int64)
//	[37..41)  freeEmptyPageList head (uint32, EmptyPageID = none)
//	[41..45)  lastPageID (uint32)
//	[45..)    pragma block
const (
	hdrOffMagic       = PageHeaderSize
	hdrOffVersion     = hdrOffMagic + len(HeaderMagic)
	hdrOffCreatedAt   = hdrOffVersion + 2
	hdrOffFreeList    = hdrOffCreatedAt + 8
	hdrOffLastPageID  = hdrOffFreeList + 4
	hdrOffPragma      = hdrOffLastPageID + 4
)

// Pragma block: collation id, lock timeout (time.Duration nanoseconds), user version, checkpoint
// threshold (page count), UTC-date flag, limit size (bytes, 0 = unbounded).
const (
	pragmaOffCollationLen  = 0
	pragmaOffCollationName = pragmaOffCollationLen + 2
)

// Collation identifies the culture + case-sensitivity pair governing key
// comparisons (§6 of the spec). Recognized culture forms are free-form
// strings; "" means culture-invariant ordering by code point.
type Collation struct {
	Culture    string
	IgnoreCase bool
}

func (c Collation) String() string {
	suffix := "None"
	if c.IgnoreCase {
		suffix = "IgnoreCase"
	}
	if c.Culture == "" {
		return "invariant/" + suffix
	}
	return c.Culture + "/" + suffix
}

// Pragmas is the mutable header metadata block. Every field maps 1:1 to a
// pragma name understood by litedb.Engine.Pragma/SetPragma.
type Pragmas struct {
	Collation           Collation
	Timeout             time.Duration
	UserVersion         int64
	CheckpointThreshold int32 // WAL frame count; stored only, no checkpoint starts automatically
	UTCDate             bool
	LimitSize           int64 // 0 = unbounded
}

// DefaultPragmas mirrors the teacher's conservative defaults: a short lock
// timeout suitable for a single-process embedded workload, a checkpoint
// threshold of 1000 WAL frames, no size limit.
func DefaultPragmas() Pragmas {
	return Pragmas{
		Collation:           Collation{},
		Timeout:             1 * time.Minute,
		UserVersion:         0,
		CheckpointThreshold: 1000,
		UTCDate:             false,
		LimitSize:           0,
	}
}

// HeaderPage is the decoded, in-memory view of page 0.
type HeaderPage struct {
	CreatedAt  time.Time
	FreeList   uint32 // head of the free empty-page list, EmptyPageID = none
	LastPageID uint32
	Pragmas    Pragmas
}

// NewHeaderPage builds the initial header page for a freshly created file.
func NewHeaderPage(now time.Time) *HeaderPage {
	return &HeaderPage{
		CreatedAt:  now,
		FreeList:   EmptyPageID,
		LastPageID: 0,
		Pragmas:    DefaultPragmas(),
	}
}

// ErrInvalidDataFile signals a magic mismatch or truncated header — a fatal
// open-time failure per §7 (INVALID_DATAFILE_STATE).
var ErrInvalidDataFile = errors.New("storage: not a valid litedb data file")

// Encode writes h into a fresh page-0 image.
func (h *HeaderPage) Encode() *Page {
	p := NewPage(0, PageTypeHeader)
	copy(p.Data[hdrOffMagic:], []byte(HeaderMagic))
	binary.LittleEndian.PutUint16(p.Data[hdrOffVersion:], headerFormatVersion)
	binary.LittleEndian.PutUint64(p.Data[hdrOffCreatedAt:], uint64(h.CreatedAt.UnixNano()))
	binary.LittleEndian.PutUint32(p.Data[hdrOffFreeList:], h.FreeList)
	binary.LittleEndian.PutUint32(p.Data[hdrOffLastPageID:], h.LastPageID)

	off := hdrOffPragma
	cultureBytes := []byte(h.Pragmas.Collation.Culture)
	binary.LittleEndian.PutUint16(p.Data[off:], uint16(len(cultureBytes)))
	off += 2
	copy(p.Data[off:], cultureBytes)
	off += len(cultureBytes)
	if h.Pragmas.Collation.IgnoreCase {
		p.Data[off] = 1
	} else {
		p.Data[off] = 0
	}
	off++
	binary.LittleEndian.PutUint64(p.Data[off:], uint64(h.Pragmas.Timeout))
	off += 8
	binary.LittleEndian.PutUint64(p.Data[off:], uint64(h.Pragmas.UserVersion))
	off += 8
	binary.LittleEndian.PutUint32(p.Data[off:], uint32(h.Pragmas.CheckpointThreshold))
	off += 4
	if h.Pragmas.UTCDate {
		p.Data[off] = 1
	} else {
		p.Data[off] = 0
	}
	off++
	binary.LittleEndian.PutUint64(p.Data[off:], uint64(h.Pragmas.LimitSize))
	return p
}

// DecodeHeaderPage validates the magic and parses page 0 into a HeaderPage.
func DecodeHeaderPage(p *Page) (*HeaderPage, error) {
	if string(p.Data[hdrOffMagic:hdrOffMagic+len(HeaderMagic)]) != HeaderMagic {
		return nil, ErrInvalidDataFile
	}
	version := binary.LittleEndian.Uint16(p.Data[hdrOffVersion:])
	if version != headerFormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrInvalidDataFile, version)
	}
	h := &HeaderPage{}
	h.CreatedAt = time.Unix(0, int64(binary.LittleEndian.Uint64(p.Data[hdrOffCreatedAt:])))
	h.FreeList = binary.LittleEndian.Uint32(p.Data[hdrOffFreeList:])
	h.LastPageID = binary.LittleEndian.Uint32(p.Data[hdrOffLastPageID:])

	off := hdrOffPragma
	cultureLen := binary.LittleEndian.Uint16(p.Data[off:])
	off += 2
	culture := string(p.Data[off : off+int(cultureLen)])
	off += int(cultureLen)
	ignoreCase := p.Data[off] != 0
	off++
	timeout := time.Duration(binary.LittleEndian.Uint64(p.Data[off:]))
	off += 8
	userVersion := int64(binary.LittleEndian.Uint64(p.Data[off:]))
	off += 8
	checkpointThreshold := int32(binary.LittleEndian.Uint32(p.Data[off:]))
	off += 4
	utcDate := p.Data[off] != 0
	off++
	limitSize := int64(binary.LittleEndian.Uint64(p.Data[off:]))

	h.Pragmas = Pragmas{
		Collation:           Collation{Culture: culture, IgnoreCase: ignoreCase},
		Timeout:             timeout,
		UserVersion:         userVersion,
		CheckpointThreshold: checkpointThreshold,
		UTCDate:             utcDate,
		LimitSize:           limitSize,
	}
	return h, nil
}
