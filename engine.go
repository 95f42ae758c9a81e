// Package litedb implements the engine façade (§4.7): paged storage, the
// write-ahead log, snapshot-isolated transactions, and the skip-list/vector
// secondary index services, wired into one embedded document-database
// handle. The document model and query planner are assumed-given external
// collaborators (see document/document.go); this package supplies the
// minimal stand-ins they imply and nothing beyond that.
package litedb

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"litedb/document"
	"litedb/index"
	"litedb/storage"
	"litedb/txn"
)

// idIndexName is the name under which every collection's mandatory, always
// unique primary-key index is stored (§3: "the primary `_id` index (always
// unique)").
const idIndexName = "_id"

// Options configures Open/OpenMemory/OpenReadOnly, collapsing the teacher's
// OpenPager/OpenPagerReadOnly/OpenPagerMemory trio of entry points into one
// struct passed alongside the path.
type Options struct {
	// CacheSize is the buffer pool's page capacity. Zero uses a built-in
	// default.
	CacheSize int
	// MaxTransactionSize is the dirty-page cap handed to every transaction
	// (txn.Transaction.MaxTransactionSize, the bound Monitor.Safepoint
	// checks). The engine's own operations do not call Safepoint, so no
	// spilling happens inside them. Zero means unbounded.
	MaxTransactionSize int
	// DefaultAutoIDKind is the id kind Insert assumes for a collection that
	// does not exist yet and so has no prior kind on record.
	DefaultAutoIDKind document.AutoIDKind
	// Logger receives the engine's log events; the only event logged is
	// checkpoint completion. Nil
	// means zerolog.Nop() — an embedded library stays silent unless asked.
	Logger *zerolog.Logger
}

func (o Options) logger() zerolog.Logger {
	if o.Logger != nil {
		return *o.Logger
	}
	return zerolog.Nop()
}

func (o Options) cacheSize() int {
	if o.CacheSize <= 0 {
		return 256
	}
	return o.CacheSize
}

// Engine is one open data file (or in-memory store). It owns the disk/WAL/
// buffer-pool/lock-service/monitor stack and the in-memory name->pageID
// collection registry. Safe for concurrent use by multiple goroutines, each
// acting as its own "thread" for transaction purposes (§5).
type Engine struct {
	opts   Options
	logger zerolog.Logger

	disk *storage.DiskManager
	wal  *storage.WAL
	pool *storage.BufferPool
	flck *storage.FileLock // nil for :memory:

	lockSvc *txn.LockService
	monitor *txn.Monitor

	// mu guards header, collections, and pageIDCounter, the three pieces of
	// engine-wide mutable state no single collection lock protects.
	mu            sync.Mutex
	header        *storage.HeaderPage
	collections   map[string]uint32 // name -> Collection page id
	autoIncs      map[string]*document.AutoIncrement
	pageIDCounter *uint32

	path      string
	readOnly  bool
	memory    bool
	threadSeq uint64
}

// Open opens (creating if absent) a data file at path plus its companion
// "<path>-log" write-ahead log.
func Open(path string, opts Options) (*Engine, error) {
	flck, err := storage.LockDataFile(path)
	if err != nil {
		return nil, newError(LockTimeout, "open: acquire advisory lock", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		flck.Unlock()
		return nil, newError(FileIO, "open: data file", err)
	}
	logFile, err := os.OpenFile(path+"-log", os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		f.Close()
		flck.Unlock()
		return nil, newError(FileIO, "open: log file", err)
	}
	e, err := openWith(storage.NewDiskManager(f, logFile), flck, path, false, false, opts)
	if err != nil {
		f.Close()
		logFile.Close()
		flck.Unlock()
		return nil, err
	}
	return e, nil
}

// OpenReadOnly opens an existing data file without taking the advisory write
// lock and rejects every mutating operation (§9's Shared-mode open).
func OpenReadOnly(path string, opts Options) (*Engine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newError(FileIO, "open read-only: data file", err)
	}
	var logStore storage.StorageFile
	logFile, err := os.Open(path + "-log")
	switch {
	case err == nil:
		logStore = logFile
	case os.IsNotExist(err):
		logStore = storage.NewMemFile() // no writes are possible read-only; an empty log replays to nothing
	default:
		f.Close()
		return nil, newError(FileIO, "open read-only: log file", err)
	}
	e, err := openWith(storage.NewDiskManager(f, logStore), nil, path, true, false, opts)
	if err != nil {
		f.Close()
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}
	return e, nil
}

// OpenMemory opens a fresh, private in-memory engine (the ":memory:" mode
// referenced throughout §8's scenarios).
func OpenMemory(opts Options) (*Engine, error) {
	disk := storage.NewDiskManager(storage.NewMemFile(), storage.NewMemFile())
	return openWith(disk, nil, ":memory:", false, true, opts)
}

func openWith(disk *storage.DiskManager, flck *storage.FileLock, path string, readOnly, memory bool, opts Options) (*Engine, error) {
	size, err := disk.DataSize()
	if err != nil {
		return nil, newError(FileIO, "open: stat data file", err)
	}

	var header *storage.HeaderPage
	if size == 0 {
		header = storage.NewHeaderPage(time.Now())
		if !readOnly {
			if err := disk.WriteDataBlock(header.Encode()); err != nil {
				return nil, newError(FileIO, "open: write header", err)
			}
			if err := disk.SyncData(); err != nil {
				return nil, newError(FileIO, "open: sync header", err)
			}
		}
	} else {
		p, err := disk.ReadDataBlock(0)
		if err != nil {
			return nil, newError(FileIO, "open: read header", err)
		}
		header, err = storage.DecodeHeaderPage(p)
		if err != nil {
			return nil, newError(InvalidDatafileState, "open: decode header", err)
		}
	}

	wal, err := storage.OpenWAL(disk)
	if err != nil {
		return nil, newError(InvalidDatafileState, "open: replay log", err)
	}

	lockSvc := txn.NewLockService()
	counter := header.LastPageID + 1

	e := &Engine{
		opts:          opts,
		logger:        WithComponent(opts.logger(), "engine"),
		disk:          disk,
		wal:           wal,
		pool:          storage.NewBufferPool(opts.cacheSize()),
		flck:          flck,
		lockSvc:       lockSvc,
		monitor:       txn.NewMonitor(lockSvc),
		header:        header,
		collections:   make(map[string]uint32),
		autoIncs:      make(map[string]*document.AutoIncrement),
		pageIDCounter: &counter,
		path:          path,
		readOnly:      readOnly,
		memory:        memory,
	}
	if err := e.scanCollections(); err != nil {
		return nil, err
	}
	return e, nil
}

// scanCollections rebuilds the name->pageID registry by walking every
// allocated page once at open time; the header carries no directory of its
// own (§3 gives the Header page no collection list, only lastPageID).
func (e *Engine) scanCollections() error {
	for id := uint32(1); id <= e.header.LastPageID; id++ {
		p, err := e.disk.ReadDataBlock(id)
		if err != nil {
			return newError(FileIO, "open: scan collections", err)
		}
		if p.PageType() != storage.PageTypeCollection {
			continue
		}
		cm, err := storage.DecodeCollectionMeta(p)
		if err != nil {
			continue // a reused/freed page may carry a stale type byte briefly
		}
		e.collections[cm.Name] = id
	}
	return nil
}

// Close releases the advisory file lock and the underlying file handles.
// It does not checkpoint; callers that want a compact on-disk file on close
// should call Checkpoint first.
func (e *Engine) Close() error {
	var err error
	if cerr := e.disk.CloseData(); cerr != nil {
		err = cerr
	}
	if cerr := e.disk.CloseLog(); cerr != nil && err == nil {
		err = cerr
	}
	if e.flck != nil {
		if cerr := e.flck.Unlock(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		return newError(FileIO, "close", err)
	}
	return nil
}

func (e *Engine) timeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.header.Pragmas.Timeout
}

func (e *Engine) comparer() index.Comparer {
	e.mu.Lock()
	coll := e.header.Pragmas.Collation
	e.mu.Unlock()
	return keyComparer(coll)
}

// lockedAllocator funnels AllocatePage/ReclaimPage through Engine.mu since
// Engine.pageIDCounter is shared file-wide and concurrent write transactions
// over different collections are only serialized by their collection locks,
// not the engine lock (§5). ReadPage/WritePage/FreePage need no extra
// synchronization: a page's bytes are already governed by the
// snapshot/WAL/MVCC machinery.
type lockedAllocator struct {
	eng  *Engine
	snap *txn.Snapshot
}

func (a lockedAllocator) AllocatePage(typ storage.PageType) (*storage.Page, error) {
	a.eng.mu.Lock()
	defer a.eng.mu.Unlock()
	return a.snap.AllocatePage(typ)
}

func (a lockedAllocator) ReclaimPage(pageID uint32, typ storage.PageType) (*storage.Page, error) {
	a.eng.mu.Lock()
	defer a.eng.mu.Unlock()
	return a.snap.ReclaimPage(pageID, typ)
}

func (a lockedAllocator) WritePage(p *storage.Page) error       { return a.snap.WritePage(p) }
func (a lockedAllocator) ReadPage(id uint32) (*storage.Page, error) { return a.snap.ReadPage(id) }
func (a lockedAllocator) FreePage(p *storage.Page) error        { return a.snap.FreePage(p) }

// Tx is a handle to a manually-controlled transaction (§4.7's
// BeginTrans/Commit/Rollback).
type Tx struct {
	eng   *Engine
	raw   *txn.Transaction
	write bool
}

// BeginTrans starts a transaction for thread, or returns the thread's
// already-active transaction with created=false if one exists — nested
// begins are idempotent per §4.7.
func (e *Engine) BeginTrans(thread txn.ThreadID, write bool) (tx *Tx, created bool, err error) {
	if existing, ok := e.monitor.Lookup(thread); ok {
		return &Tx{eng: e, raw: existing, write: write}, false, nil
	}
	if write && e.readOnly {
		return nil, false, newError(InvalidTransactionState, "begin", fmt.Errorf("engine is read-only"))
	}
	raw, err := e.monitor.Begin(thread, e.opts.MaxTransactionSize)
	if err != nil {
		return nil, false, newError(InvalidTransactionState, "begin", err)
	}
	// The engine lock is taken shared here regardless of write, per
	// AcquireEngine's contract: it only blocks out Checkpoint/Rebuild/
	// SetPragma, which take it exclusively. Write/write and write/read
	// conflicts on the same collection are arbitrated by the collection
	// lock acquired later in openCollection, not here.
	if err := e.lockSvc.AcquireEngine(false, e.timeout()); err != nil {
		e.monitor.Rollback(raw)
		return nil, false, newError(LockTimeout, "begin: engine lock", err)
	}
	raw.SeedPageAllocator(e.pageIDCounter)
	return &Tx{eng: e, raw: raw, write: write}, true, nil
}

// Commit flushes tx's writes through the WAL, persists the engine header's
// lastPageID advance, and releases every lock tx holds.
func (tx *Tx) Commit() error {
	names := tx.raw.CollectionNames()
	if err := tx.eng.lockSvc.AcquireTransactional(tx.eng.timeout()); err != nil {
		return newError(LockTimeout, "commit: transactional lock", err)
	}
	defer tx.eng.lockSvc.ReleaseTransactional()

	if err := tx.eng.monitor.Commit(tx.raw, tx.eng.wal); err != nil {
		return newError(InvalidTransactionState, "commit", err)
	}

	tx.eng.mu.Lock()
	if next := *tx.eng.pageIDCounter; next > 0 && next-1 > tx.eng.header.LastPageID {
		tx.eng.header.LastPageID = next - 1
	}
	header := *tx.eng.header
	tx.eng.mu.Unlock()

	if !tx.eng.readOnly {
		if err := tx.eng.disk.WriteDataBlock(header.Encode()); err != nil {
			return newError(FileIO, "commit: persist header", err)
		}
		if err := tx.eng.disk.SyncData(); err != nil {
			return newError(FileIO, "commit: sync header", err)
		}
	}

	tx.eng.lockSvc.ReleaseCollections(names, tx.write)
	tx.eng.lockSvc.ReleaseEngine(false)
	return nil
}

// Rollback discards tx's writes and releases every lock it holds.
func (tx *Tx) Rollback() {
	names := tx.raw.CollectionNames()
	tx.eng.monitor.Rollback(tx.raw)
	tx.eng.lockSvc.ReleaseCollections(names, tx.write)
	tx.eng.lockSvc.ReleaseEngine(false)
}

// nextThread mints a synthetic ThreadID for single-shot public operations
// (Insert, Query, ...) that don't go through explicit BeginTrans.
func (e *Engine) nextThread() txn.ThreadID {
	return atomic.AddUint64(&e.threadSeq, 1)
}

// collectionHandle bundles together the pieces an operation needs once its
// collection's page and metadata are resolved.
type collectionHandle struct {
	snap  *txn.Snapshot
	alloc storage.BlockAllocator
	meta  *storage.CollectionMeta
	pageID uint32
}

// openCollection resolves collection under tx, creating it (and its
// mandatory unique `_id` index) if missing and createIfMissing is set.
func (e *Engine) openCollection(tx *Tx, collection string, write, createIfMissing bool) (*collectionHandle, error) {
	if err := e.lockSvc.AcquireCollections([]string{collection}, write, e.timeout()); err != nil {
		return nil, newError(LockTimeout, "collection lock: "+collection, err)
	}

	e.mu.Lock()
	pageID, exists := e.collections[collection]
	e.mu.Unlock()

	snap := tx.raw.SnapshotFor(collection, &storage.CollectionMeta{}, e.disk, e.wal, e.pool, lockModeFor(write))
	alloc := lockedAllocator{eng: e, snap: snap}

	if !exists {
		if !createIfMissing {
			// The collection lock acquired above is released by the caller's
			// deferred tx.Rollback/Commit, which walks every snapshot this
			// transaction opened (SnapshotFor above already registered one).
			return nil, newError(InvalidDocument, "collection not found: "+collection, nil)
		}
		page, err := alloc.AllocatePage(storage.PageTypeCollection)
		if err != nil {
			return nil, newError(FileIO, "create collection", err)
		}
		meta := storage.NewCollectionMeta(page.PageID(), collection)
		if _, err := index.EnsureIndex(alloc, meta, idIndexName, "$._id", true); err != nil {
			return nil, newError(InvalidDocument, "create collection: _id index", err)
		}
		snap.Meta = meta
		e.mu.Lock()
		e.collections[collection] = page.PageID()
		e.mu.Unlock()
		return &collectionHandle{snap: snap, alloc: alloc, meta: meta, pageID: page.PageID()}, nil
	}

	page, err := snap.GetPage(pageID)
	if err != nil {
		return nil, newError(FileIO, "read collection: "+collection, err)
	}
	meta, err := storage.DecodeCollectionMeta(page)
	if err != nil {
		return nil, newError(InvalidDatafileState, "decode collection: "+collection, err)
	}
	snap.Meta = meta
	return &collectionHandle{snap: snap, alloc: alloc, meta: meta, pageID: pageID}, nil
}

func lockModeFor(write bool) txn.LockMode {
	if write {
		return txn.ModeWrite
	}
	return txn.ModeRead
}

// persist re-encodes h's metadata and stages it as a dirty page in h.snap.
func (h *collectionHandle) persist() error {
	p, err := h.meta.Encode()
	if err != nil {
		return err
	}
	return h.snap.PutPage(p)
}

// autoIncrementFor returns the in-process counter backing Int32/Int64 id
// assignment for collection, seeded from its persisted NextAutoID the first
// time it's touched in this engine's lifetime.
func (e *Engine) autoIncrementFor(collection string, meta *storage.CollectionMeta) *document.AutoIncrement {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.autoIncs[collection]
	if !ok {
		a = document.NewAutoIncrement(meta.NextAutoID)
		e.autoIncs[collection] = a
	} else {
		a.Seed(meta.NextAutoID)
	}
	return a
}

func resolveKeyExpr(doc *document.Document, keyExpr string) (interface{}, bool) {
	path := strings.TrimPrefix(keyExpr, "$.")
	if !strings.Contains(path, ".") {
		return doc.Get(path)
	}
	return doc.GetPath(strings.Split(path, "."))
}

// firstVector returns the value of doc's first FieldVector-typed field.
// Vector indexes are identified purely by slot (§3's Collection page carries
// no per-slot key expression), so a document feeds every configured vector
// index in its collection with its own embedding field.
func firstVector(doc *document.Document) ([]float32, bool) {
	for _, f := range doc.Fields {
		if f.Type == document.FieldVector {
			return f.Value.([]float32), true
		}
	}
	return nil, false
}

// Insert assigns `_id` where missing (by idKind), serializes each document,
// and inserts it into every index, including vector indexes (§4.7).
func (e *Engine) Insert(collection string, docs []*document.Document, idKind document.AutoIDKind) ([]interface{}, error) {
	tx, created, err := e.BeginTrans(e.nextThread(), true)
	if err != nil {
		return nil, err
	}
	if created {
		defer func() {
			if tx != nil {
				tx.Rollback()
			}
		}()
	}

	h, err := e.openCollection(tx, collection, true, true)
	if err != nil {
		return nil, err
	}
	counter := e.autoIncrementFor(collection, h.meta)
	cmp := e.comparer()

	ids := make([]interface{}, 0, len(docs))
	for _, doc := range docs {
		advanced, err := document.AssignID(doc, idKind, counter)
		if err != nil {
			return nil, newError(InvalidDocument, "insert: assign _id", err)
		}
		h.meta.NextAutoID = advanced

		body, err := doc.Encode()
		if err != nil {
			return nil, newError(InvalidDocument, "insert: encode document", err)
		}
		dataAddr, err := storage.WriteDataChain(h.alloc, body)
		if err != nil {
			return nil, newError(FileIO, "insert: write data chain", err)
		}

		idVal, _ := doc.ID()
		idKey, err := encodeKey(idVal)
		if err != nil {
			return nil, newError(InvalidDocument, "insert: encode _id key", err)
		}
		if err := index.Insert(h.alloc, h.meta.Indexes[idIndexName], cmp, idKey, dataAddr); err != nil {
			if err == index.ErrDuplicateKey {
				return nil, newError(DuplicateKey, "insert", err)
			}
			return nil, newError(FileIO, "insert: _id index", err)
		}
		if err := indexDocumentWithComparer(h.alloc, h.meta, doc, dataAddr, cmp); err != nil {
			return nil, err
		}
		ids = append(ids, idVal)
	}

	if err := h.persist(); err != nil {
		return nil, newError(FileIO, "insert: persist collection", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	tx = nil
	return ids, nil
}

// indexDocumentWithComparer inserts doc into every secondary (non-_id)
// skip-list index and every vector index of meta, using the engine's
// collation-aware comparer for the skip-list inserts.
func indexDocumentWithComparer(alloc storage.BlockAllocator, meta *storage.CollectionMeta, doc *document.Document, dataAddr storage.PageAddress, cmp index.Comparer) error {
	for name, idx := range meta.Indexes {
		if name == idIndexName {
			continue
		}
		val, ok := resolveKeyExpr(doc, idx.KeyExpr)
		if !ok {
			continue
		}
		key, err := encodeKey(val)
		if err != nil {
			return newError(InvalidDocument, "index document", err)
		}
		if err := index.Insert(alloc, idx, cmp, key, dataAddr); err != nil {
			if err == index.ErrDuplicateKey {
				return newError(DuplicateKey, "index document: "+name, err)
			}
			return newError(FileIO, "index document: "+name, err)
		}
	}
	if vec, ok := firstVector(doc); ok {
		for _, vi := range meta.VectorIndexes {
			if vi.Dimensions != len(vec) {
				return newError(VectorDimensionMismatch, "index document", fmt.Errorf("expected %d dims, got %d", vi.Dimensions, len(vec)))
			}
			if err := index.InsertVector(alloc, vi, dataAddr, vec); err != nil {
				return newError(FileIO, "index document: vector", err)
			}
		}
	}
	return nil
}

// Filter selects documents for Query/Update/DeleteMany. The query planner
// is out of scope (§1), so every call is a full collection scan through the
// `_id` index's key order.
type Filter func(*document.Document) bool

// Mutator applies an in-place change to a matched document before Update
// re-indexes and re-persists it.
type Mutator func(*document.Document)

// Query opens a read transaction and streams every document in collection
// matching filter (nil matches everything).
func (e *Engine) Query(collection string, filter Filter) ([]*document.Document, error) {
	tx, created, err := e.BeginTrans(e.nextThread(), false)
	if err != nil {
		return nil, err
	}
	if created {
		defer tx.Rollback()
	}
	h, err := e.openCollection(tx, collection, false, false)
	if err != nil {
		return nil, err
	}
	idx := h.meta.Indexes[idIndexName]
	addrs, err := index.RangeScan(h.alloc, idx, e.comparer(), nil, nil)
	if err != nil {
		return nil, newError(FileIO, "query: scan", err)
	}
	out := make([]*document.Document, 0, len(addrs))
	for _, addr := range addrs {
		body, err := storage.ReadDataChain(h.alloc, addr)
		if err != nil {
			return nil, newError(FileIO, "query: read document", err)
		}
		doc, err := document.Decode(body)
		if err != nil {
			return nil, newError(InvalidDocument, "query: decode document", err)
		}
		if filter == nil || filter(doc) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Update applies mutate to every document matched by filter, re-deriving
// and re-inserting index keys while preserving `_id` (§4.7).
func (e *Engine) Update(collection string, filter Filter, mutate Mutator) (int, error) {
	tx, created, err := e.BeginTrans(e.nextThread(), true)
	if err != nil {
		return 0, err
	}
	if created {
		defer func() {
			if tx != nil {
				tx.Rollback()
			}
		}()
	}
	h, err := e.openCollection(tx, collection, true, false)
	if err != nil {
		return 0, err
	}
	cmp := e.comparer()
	idIdx := h.meta.Indexes[idIndexName]
	addrs, err := index.RangeScan(h.alloc, idIdx, cmp, nil, nil)
	if err != nil {
		return 0, newError(FileIO, "update: scan", err)
	}

	n := 0
	for _, addr := range addrs {
		body, err := storage.ReadDataChain(h.alloc, addr)
		if err != nil {
			return 0, newError(FileIO, "update: read document", err)
		}
		doc, err := document.Decode(body)
		if err != nil {
			return 0, newError(InvalidDocument, "update: decode document", err)
		}
		if filter != nil && !filter(doc) {
			continue
		}
		if err := removeFromSecondaryIndexes(h.alloc, h.meta, doc, addr, cmp); err != nil {
			return 0, err
		}

		mutate(doc)

		newBody, err := doc.Encode()
		if err != nil {
			return 0, newError(InvalidDocument, "update: encode document", err)
		}
		if err := storage.FreeDataChain(h.alloc, addr); err != nil {
			return 0, newError(FileIO, "update: free old data chain", err)
		}
		newAddr, err := storage.WriteDataChain(h.alloc, newBody)
		if err != nil {
			return 0, newError(FileIO, "update: write new data chain", err)
		}

		idVal, _ := doc.ID()
		idKey, err := encodeKey(idVal)
		if err != nil {
			return 0, newError(InvalidDocument, "update: encode _id key", err)
		}
		if err := index.Remove(h.alloc, idIdx, cmp, idKey, addr); err != nil {
			return 0, newError(FileIO, "update: remove old _id entry", err)
		}
		if err := index.Insert(h.alloc, idIdx, cmp, idKey, newAddr); err != nil {
			return 0, newError(FileIO, "update: reinsert _id entry", err)
		}
		if err := indexDocumentWithComparer(h.alloc, h.meta, doc, newAddr, cmp); err != nil {
			return 0, err
		}
		n++
	}

	if err := h.persist(); err != nil {
		return 0, newError(FileIO, "update: persist collection", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	tx = nil
	return n, nil
}

// removeFromSecondaryIndexes drops dataAddr's entries from every non-`_id`
// index, the mirror half of indexDocumentWithComparer used before a
// document's body and keys are replaced.
func removeFromSecondaryIndexes(alloc storage.BlockAllocator, meta *storage.CollectionMeta, doc *document.Document, dataAddr storage.PageAddress, cmp index.Comparer) error {
	for name, idx := range meta.Indexes {
		if name == idIndexName {
			continue
		}
		val, ok := resolveKeyExpr(doc, idx.KeyExpr)
		if !ok {
			continue
		}
		key, err := encodeKey(val)
		if err != nil {
			return newError(InvalidDocument, "remove secondary index entry", err)
		}
		if err := index.Remove(alloc, idx, cmp, key, dataAddr); err != nil {
			return newError(FileIO, "remove secondary index entry: "+name, err)
		}
	}
	if _, ok := firstVector(doc); ok {
		for _, vi := range meta.VectorIndexes {
			if err := index.Delete(alloc, vi, dataAddr); err != nil {
				return newError(FileIO, "remove vector index entry", err)
			}
		}
	}
	return nil
}

// Upsert updates the document carrying doc's `_id` if one exists, otherwise
// inserts doc as a new document.
func (e *Engine) Upsert(collection string, doc *document.Document, idKind document.AutoIDKind) (interface{}, error) {
	if id, ok := doc.ID(); ok {
		n, err := e.Update(collection, func(d *document.Document) bool {
			existing, ok := d.ID()
			return ok && existing == id
		}, func(d *document.Document) {
			*d = *doc
			d.SetID(id)
		})
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return id, nil
		}
	}
	ids, err := e.Insert(collection, []*document.Document{doc}, idKind)
	if err != nil {
		return nil, err
	}
	return ids[0], nil
}

// DeleteMany removes every document matched by filter from a collection's
// data chain and all of its indexes.
func (e *Engine) DeleteMany(collection string, filter Filter) (int, error) {
	tx, created, err := e.BeginTrans(e.nextThread(), true)
	if err != nil {
		return 0, err
	}
	if created {
		defer func() {
			if tx != nil {
				tx.Rollback()
			}
		}()
	}
	h, err := e.openCollection(tx, collection, true, false)
	if err != nil {
		return 0, err
	}
	cmp := e.comparer()
	idIdx := h.meta.Indexes[idIndexName]
	addrs, err := index.RangeScan(h.alloc, idIdx, cmp, nil, nil)
	if err != nil {
		return 0, newError(FileIO, "delete: scan", err)
	}

	n := 0
	for _, addr := range addrs {
		body, err := storage.ReadDataChain(h.alloc, addr)
		if err != nil {
			return 0, newError(FileIO, "delete: read document", err)
		}
		doc, err := document.Decode(body)
		if err != nil {
			return 0, newError(InvalidDocument, "delete: decode document", err)
		}
		if filter != nil && !filter(doc) {
			continue
		}
		if err := removeFromSecondaryIndexes(h.alloc, h.meta, doc, addr, cmp); err != nil {
			return 0, err
		}
		idVal, _ := doc.ID()
		idKey, err := encodeKey(idVal)
		if err != nil {
			return 0, newError(InvalidDocument, "delete: encode _id key", err)
		}
		if err := index.Remove(h.alloc, idIdx, cmp, idKey, addr); err != nil {
			return 0, newError(FileIO, "delete: remove _id entry", err)
		}
		if err := storage.FreeDataChain(h.alloc, addr); err != nil {
			return 0, newError(FileIO, "delete: free data chain", err)
		}
		n++
	}

	if err := h.persist(); err != nil {
		return 0, newError(FileIO, "delete: persist collection", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	tx = nil
	return n, nil
}

// EnsureIndex creates a skip-list secondary index on keyExpr (e.g. "$.a.b").
// If name is already taken it returns an IndexAlreadyExists error.
func (e *Engine) EnsureIndex(collection, name, keyExpr string, unique bool) error {
	tx, created, err := e.BeginTrans(e.nextThread(), true)
	if err != nil {
		return err
	}
	if created {
		defer func() {
			if tx != nil {
				tx.Rollback()
			}
		}()
	}
	h, err := e.openCollection(tx, collection, true, true)
	if err != nil {
		return err
	}
	if _, err := index.EnsureIndex(h.alloc, h.meta, name, keyExpr, unique); err != nil {
		if err == index.ErrIndexExists {
			return newError(IndexAlreadyExists, "ensure index: "+name, err)
		}
		if err == index.ErrTooManyIndexes {
			return newError(InvalidExpression, "ensure index: "+name, err)
		}
		return newError(FileIO, "ensure index: "+name, err)
	}
	cmp := e.comparer()
	idIdx := h.meta.Indexes[idIndexName]
	addrs, err := index.RangeScan(h.alloc, idIdx, cmp, nil, nil)
	if err != nil {
		return newError(FileIO, "ensure index: backfill scan", err)
	}
	newIdx := h.meta.Indexes[name]
	for _, addr := range addrs {
		body, err := storage.ReadDataChain(h.alloc, addr)
		if err != nil {
			return newError(FileIO, "ensure index: backfill read", err)
		}
		doc, err := document.Decode(body)
		if err != nil {
			return newError(InvalidDocument, "ensure index: backfill decode", err)
		}
		val, ok := resolveKeyExpr(doc, keyExpr)
		if !ok {
			continue
		}
		key, err := encodeKey(val)
		if err != nil {
			return newError(InvalidDocument, "ensure index: backfill key", err)
		}
		if err := index.Insert(h.alloc, newIdx, cmp, key, addr); err != nil {
			if err == index.ErrDuplicateKey {
				return newError(DuplicateKey, "ensure index: backfill", err)
			}
			return newError(FileIO, "ensure index: backfill insert", err)
		}
	}
	if err := h.persist(); err != nil {
		return newError(FileIO, "ensure index: persist collection", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	tx = nil
	return nil
}

// DropIndex removes a skip-list secondary index, reclaiming every page it
// owns. Dropping "_id" is rejected since it is mandatory.
func (e *Engine) DropIndex(collection, name string) error {
	if name == idIndexName {
		return newError(InvalidExpression, "drop index", fmt.Errorf("the _id index cannot be dropped"))
	}
	tx, created, err := e.BeginTrans(e.nextThread(), true)
	if err != nil {
		return err
	}
	if created {
		defer func() {
			if tx != nil {
				tx.Rollback()
			}
		}()
	}
	h, err := e.openCollection(tx, collection, true, false)
	if err != nil {
		return err
	}
	if err := index.DropIndex(h.alloc, h.meta, e.comparer(), name); err != nil {
		if err == index.ErrIndexNotFound {
			return newError(IndexNotFound, "drop index: "+name, err)
		}
		return newError(FileIO, "drop index: "+name, err)
	}
	if err := h.persist(); err != nil {
		return newError(FileIO, "drop index: persist collection", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	tx = nil
	return nil
}

// EnsureVectorIndex creates an HNSW vector index at slot (0..255) with the
// given dimensionality and distance metric, backfilling existing documents
// that carry a vector field.
func (e *Engine) EnsureVectorIndex(collection string, slot byte, dims int, metric storage.VectorMetric) error {
	tx, created, err := e.BeginTrans(e.nextThread(), true)
	if err != nil {
		return err
	}
	if created {
		defer func() {
			if tx != nil {
				tx.Rollback()
			}
		}()
	}
	h, err := e.openCollection(tx, collection, true, true)
	if err != nil {
		return err
	}
	if _, err := index.EnsureVectorIndex(h.meta, slot, dims, metric); err != nil {
		if err == index.ErrIndexExists {
			return newError(IndexAlreadyExists, "ensure vector index", err)
		}
		if err == index.ErrTooManyIndexes {
			return newError(InvalidExpression, "ensure vector index", err)
		}
		return newError(FileIO, "ensure vector index", err)
	}
	vi := h.meta.VectorIndexes[slot]

	cmp := e.comparer()
	idIdx := h.meta.Indexes[idIndexName]
	addrs, err := index.RangeScan(h.alloc, idIdx, cmp, nil, nil)
	if err != nil {
		return newError(FileIO, "ensure vector index: backfill scan", err)
	}
	for _, addr := range addrs {
		body, err := storage.ReadDataChain(h.alloc, addr)
		if err != nil {
			return newError(FileIO, "ensure vector index: backfill read", err)
		}
		doc, err := document.Decode(body)
		if err != nil {
			return newError(InvalidDocument, "ensure vector index: backfill decode", err)
		}
		vec, ok := firstVector(doc)
		if !ok {
			continue
		}
		if len(vec) != dims {
			return newError(VectorDimensionMismatch, "ensure vector index: backfill", fmt.Errorf("expected %d dims, got %d", dims, len(vec)))
		}
		if err := index.InsertVector(h.alloc, vi, addr, vec); err != nil {
			return newError(FileIO, "ensure vector index: backfill insert", err)
		}
	}
	if err := h.persist(); err != nil {
		return newError(FileIO, "ensure vector index: persist collection", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	tx = nil
	return nil
}

// DropVectorIndex removes the vector index at slot, reclaiming every page
// reachable from its graph.
func (e *Engine) DropVectorIndex(collection string, slot byte) error {
	tx, created, err := e.BeginTrans(e.nextThread(), true)
	if err != nil {
		return err
	}
	if created {
		defer func() {
			if tx != nil {
				tx.Rollback()
			}
		}()
	}
	h, err := e.openCollection(tx, collection, true, false)
	if err != nil {
		return err
	}
	if err := index.DropVectorIndex(h.alloc, h.meta, slot); err != nil {
		if err == index.ErrIndexNotFound {
			return newError(IndexNotFound, "drop vector index", err)
		}
		return newError(FileIO, "drop vector index", err)
	}
	if err := h.persist(); err != nil {
		return newError(FileIO, "drop vector index: persist collection", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	tx = nil
	return nil
}

// VectorResult pairs a matched document with its distance/similarity to the
// search target (index.SearchResult, resolved to a document).
type VectorResult struct {
	Document   *document.Document
	Distance   float64
	Similarity float64
}

// VectorSearch runs an approximate nearest-neighbor search against the
// vector index at slot, returning up to limit results within maxDistance
// (DotProduct inverts the threshold direction — see index.Search).
func (e *Engine) VectorSearch(collection string, slot byte, target []float32, maxDistance float64, limit int) ([]VectorResult, error) {
	tx, created, err := e.BeginTrans(e.nextThread(), false)
	if err != nil {
		return nil, err
	}
	if created {
		defer tx.Rollback()
	}
	h, err := e.openCollection(tx, collection, false, false)
	if err != nil {
		return nil, err
	}
	vi, ok := h.meta.VectorIndexes[slot]
	if !ok {
		return nil, newError(IndexNotFound, "vector search", fmt.Errorf("no vector index at slot %d", slot))
	}
	hits, err := index.Search(h.alloc, vi, target, maxDistance, limit)
	if err != nil {
		return nil, newError(FileIO, "vector search", err)
	}
	out := make([]VectorResult, 0, len(hits))
	for _, hit := range hits {
		body, err := storage.ReadDataChain(h.alloc, hit.DataBlock)
		if err != nil {
			return nil, newError(FileIO, "vector search: read document", err)
		}
		doc, err := document.Decode(body)
		if err != nil {
			return nil, newError(InvalidDocument, "vector search: decode document", err)
		}
		out = append(out, VectorResult{Document: doc, Distance: hit.Distance, Similarity: hit.Similarity})
	}
	return out, nil
}

// DropCollection frees every page transitively reachable from a
// collection's indexes and data, then forgets its name (§4.7).
func (e *Engine) DropCollection(collection string) error {
	tx, created, err := e.BeginTrans(e.nextThread(), true)
	if err != nil {
		return err
	}
	if created {
		defer func() {
			if tx != nil {
				tx.Rollback()
			}
		}()
	}
	h, err := e.openCollection(tx, collection, true, false)
	if err != nil {
		return err
	}
	cmp := e.comparer()
	addrs, err := index.RangeScan(h.alloc, h.meta.Indexes[idIndexName], cmp, nil, nil)
	if err != nil {
		return newError(FileIO, "drop collection: scan", err)
	}
	for _, addr := range addrs {
		if err := storage.FreeDataChain(h.alloc, addr); err != nil {
			return newError(FileIO, "drop collection: free data chain", err)
		}
	}
	for name := range h.meta.Indexes {
		if err := index.DropIndex(h.alloc, h.meta, cmp, name); err != nil {
			return newError(FileIO, "drop collection: index "+name, err)
		}
	}
	for slot := range h.meta.VectorIndexes {
		if err := index.DropVectorIndex(h.alloc, h.meta, slot); err != nil {
			return newError(FileIO, "drop collection: vector index", err)
		}
	}
	page, err := h.alloc.ReadPage(h.pageID)
	if err != nil {
		return newError(FileIO, "drop collection: read page", err)
	}
	if err := h.alloc.FreePage(page); err != nil {
		return newError(FileIO, "drop collection: free page", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	tx = nil
	e.mu.Lock()
	delete(e.collections, collection)
	delete(e.autoIncs, collection)
	e.mu.Unlock()
	return nil
}

// Checkpoint copies every confirmed WAL frame into the main data file and
// truncates the log (§4.3), taking the engine lock exclusively.
func (e *Engine) Checkpoint() error {
	if e.readOnly {
		return newError(InvalidTransactionState, "checkpoint", fmt.Errorf("engine is read-only"))
	}
	if err := e.lockSvc.AcquireEngine(true, e.timeout()); err != nil {
		return newError(LockTimeout, "checkpoint", err)
	}
	defer e.lockSvc.ReleaseEngine(true)

	err := e.wal.Checkpoint(func(pageID uint32, data [storage.PageSize]byte) error {
		p := &storage.Page{Data: data}
		return e.disk.WriteDataBlock(p)
	})
	if err != nil {
		return newError(FileIO, "checkpoint", err)
	}
	e.logger.Debug().Msg("checkpoint complete")
	return nil
}

// Rebuild copies every live collection into a fresh file with newCollation,
// preserving the UserVersion pragma, then swaps the fresh file in for the
// current one (§4.7). The engine remains usable afterward under the same
// path.
func (e *Engine) Rebuild(newCollation storage.Collation) error {
	if e.memory {
		return newError(InvalidTransactionState, "rebuild", fmt.Errorf("rebuild is not supported for in-memory engines"))
	}
	if err := e.lockSvc.AcquireEngine(true, e.timeout()); err != nil {
		return newError(LockTimeout, "rebuild", err)
	}

	tmpPath := e.path + ".rebuild"
	os.Remove(tmpPath)
	os.Remove(tmpPath + "-log")
	dst, err := Open(tmpPath, Options{Logger: &e.logger})
	if err != nil {
		e.lockSvc.ReleaseEngine(true)
		return newError(FileIO, "rebuild: open target", err)
	}

	e.mu.Lock()
	userVersion := e.header.Pragmas.UserVersion
	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	e.mu.Unlock()
	sort.Strings(names)

	// The copy phase below calls e.Query, which takes e's own engine lock
	// (shared) through BeginTrans. Holding the exclusive lock acquired above
	// across that call would deadlock the non-reentrant rwLock against
	// itself, so it is released for the copy and retaken for the swap.
	e.lockSvc.ReleaseEngine(true)

	copyErr := func() error {
		for _, name := range names {
			docs, err := e.Query(name, nil)
			if err != nil {
				return err
			}
			if len(docs) > 0 {
				if _, err := dst.Insert(name, docs, e.opts.DefaultAutoIDKind); err != nil {
					return err
				}
			}
		}
		if err := dst.SetPragma(PragmaCollation, newCollation); err != nil {
			return err
		}
		return dst.SetPragma(PragmaUserVersion, userVersion)
	}()
	if copyErr != nil {
		dst.Close()
		return copyErr
	}
	if err := dst.Close(); err != nil {
		return err
	}

	if err := e.lockSvc.AcquireEngine(true, e.timeout()); err != nil {
		return newError(LockTimeout, "rebuild: reacquire engine lock for swap", err)
	}
	lockSvc := e.lockSvc
	defer lockSvc.ReleaseEngine(true)

	if err := e.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, e.path); err != nil {
		return newError(FileIO, "rebuild: swap data file", err)
	}
	_ = os.Rename(tmpPath+"-log", e.path+"-log")

	reopened, err := Open(e.path, e.opts)
	if err != nil {
		return newError(FileIO, "rebuild: reopen", err)
	}
	e.mu.Lock()
	e.disk = reopened.disk
	e.wal = reopened.wal
	e.pool = reopened.pool
	e.flck = reopened.flck
	e.lockSvc = reopened.lockSvc
	e.monitor = reopened.monitor
	e.header = reopened.header
	e.collections = reopened.collections
	e.autoIncs = reopened.autoIncs
	e.pageIDCounter = reopened.pageIDCounter
	e.mu.Unlock()
	return nil
}
