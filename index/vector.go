package index

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"litedb/storage"
)

// HNSWMaxLevel and HNSWMaxNeighbors are the two fixed capacities of §4.5's
// graph: at most 4 levels per node, at most 8 neighbors per level.
const (
	HNSWMaxLevel     = 4
	HNSWMaxNeighbors = 8
)

// ErrVectorDimensionMismatch is returned when a vector's length doesn't
// match the index's configured dimensionality.
var ErrVectorDimensionMismatch = fmt.Errorf("index: vector dimension mismatch")

// vectorNode is the decoded form of one VectorIndexPage slot-0 item.
type vectorNode struct {
	addr      storage.PageAddress
	dataBlock storage.PageAddress
	level     int
	inline    []float32           // nil when external
	external  storage.PageAddress // valid when inline is nil
	neighbors [HNSWMaxLevel][]storage.PageAddress
}

func vectorNodeFixedSize(dims int, inline bool) int {
	size := storage.PageAddressSize + 1 + 2 // dataBlock + level + inlineLen
	if inline {
		size += dims * 4
	} else {
		size += storage.PageAddressSize
	}
	size += HNSWMaxLevel * (1 + HNSWMaxNeighbors*storage.PageAddressSize)
	return size
}

func encodeVectorNode(n *vectorNode) []byte {
	inline := n.inline != nil
	buf := make([]byte, vectorNodeFixedSize(len(n.inline), inline))
	off := 0
	storage.EncodePageAddress(buf[off:], n.dataBlock)
	off += storage.PageAddressSize
	buf[off] = byte(n.level)
	off++
	if inline {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(n.inline)))
		off += 2
		for _, f := range n.inline {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(f))
			off += 4
		}
	} else {
		binary.LittleEndian.PutUint16(buf[off:], 0)
		off += 2
		storage.EncodePageAddress(buf[off:], n.external)
		off += storage.PageAddressSize
	}
	for l := 0; l < HNSWMaxLevel; l++ {
		neigh := n.neighbors[l]
		buf[off] = byte(len(neigh))
		off++
		for i := 0; i < HNSWMaxNeighbors; i++ {
			addr := storage.Empty
			if i < len(neigh) {
				addr = neigh[i]
			}
			storage.EncodePageAddress(buf[off:], addr)
			off += storage.PageAddressSize
		}
	}
	return buf
}

func decodeVectorNode(addr storage.PageAddress, buf []byte) *vectorNode {
	off := 0
	n := &vectorNode{addr: addr}
	n.dataBlock = storage.DecodePageAddress(buf[off:])
	off += storage.PageAddressSize
	n.level = int(buf[off])
	off++
	inlineLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if inlineLen > 0 {
		n.inline = make([]float32, inlineLen)
		for i := range n.inline {
			n.inline[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
			off += 4
		}
	} else {
		n.external = storage.DecodePageAddress(buf[off:])
		off += storage.PageAddressSize
	}
	for l := 0; l < HNSWMaxLevel; l++ {
		count := int(buf[off])
		off++
		neigh := make([]storage.PageAddress, 0, count)
		for i := 0; i < HNSWMaxNeighbors; i++ {
			a := storage.DecodePageAddress(buf[off:])
			off += storage.PageAddressSize
			if i < count {
				neigh = append(neigh, a)
			}
		}
		n.neighbors[l] = neigh
	}
	return n
}

func loadVectorNode(alloc storage.BlockAllocator, addr storage.PageAddress) (*vectorNode, error) {
	page, err := alloc.ReadPage(addr.PageID)
	if err != nil {
		return nil, err
	}
	item := page.GetItem(addr.Slot)
	if item == nil {
		return nil, fmt.Errorf("index: vector node %v is empty", addr)
	}
	return decodeVectorNode(addr, item), nil
}

func storeVectorNode(alloc storage.BlockAllocator, n *vectorNode) error {
	page, err := alloc.ReadPage(n.addr.PageID)
	if err != nil {
		return err
	}
	if !page.UpdateItem(n.addr.Slot, encodeVectorNode(n)) {
		return fmt.Errorf("index: vector node %v outgrew its page", n.addr)
	}
	return alloc.WritePage(page)
}

// allocateVectorPage pops a page off the index's reserved free-list when one
// is available, else draws a fresh page from the allocator (§4.5: "Allocate
// node in a VectorIndexPage drawn from the metadata free-list").
func allocateVectorPage(alloc storage.BlockAllocator, meta *storage.VectorIndexMeta) (*storage.Page, error) {
	if meta.ReservedFreeList == storage.EmptyPageID {
		return alloc.AllocatePage(storage.PageTypeVectorIndex)
	}
	id := meta.ReservedFreeList
	old, err := alloc.ReadPage(id)
	if err != nil {
		return nil, err
	}
	meta.ReservedFreeList = old.NextPageID()
	return alloc.ReclaimPage(id, storage.PageTypeVectorIndex)
}

func freeVectorPage(alloc storage.BlockAllocator, meta *storage.VectorIndexMeta, page *storage.Page) error {
	page.SetNextPageID(meta.ReservedFreeList)
	meta.ReservedFreeList = page.PageID()
	return alloc.WritePage(page)
}

func newVectorNode(alloc storage.BlockAllocator, meta *storage.VectorIndexMeta, dataBlock storage.PageAddress, vec []float32, level int) (*vectorNode, error) {
	n := &vectorNode{dataBlock: dataBlock, level: level}

	inlineBudget := storage.PageSize - storage.PageHeaderSize - 4 /* slot entry */ - vectorNodeFixedSize(len(vec), true)
	if inlineBudget >= 0 {
		n.inline = vec
	} else {
		head, err := storage.WriteDataChain(alloc, storage.EncodeFloat32Vector(vec))
		if err != nil {
			return nil, err
		}
		n.external = head
	}

	page, err := allocateVectorPage(alloc, meta)
	if err != nil {
		return nil, err
	}
	slot, ok := page.AddItem(encodeVectorNode(n))
	if !ok {
		return nil, fmt.Errorf("index: vector node too large for a fresh page")
	}
	n.addr = storage.PageAddress{PageID: page.PageID(), Slot: slot}
	if err := alloc.WritePage(page); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *vectorNode) vector(alloc storage.BlockAllocator) ([]float32, error) {
	if n.inline != nil {
		return n.inline, nil
	}
	raw, err := storage.ReadDataChain(alloc, n.external)
	if err != nil {
		return nil, err
	}
	return storage.DecodeFloat32Vector(raw), nil
}

// NewVectorIndex creates empty metadata for a just-created vector index.
func NewVectorIndex(slot byte, dims int, metric storage.VectorMetric) *storage.VectorIndexMeta {
	return &storage.VectorIndexMeta{
		Slot:             slot,
		Dimensions:       dims,
		Metric:           metric,
		Root:             storage.Empty,
		ReservedFreeList: storage.EmptyPageID,
	}
}

func sampleLevel() int {
	level := 1
	for level < HNSWMaxLevel && rand.Float64() < 0.5 {
		level++
	}
	return level
}

// Distance returns (distance, similarity) for metric between a and b, per
// §4.5's three functions.
func Distance(metric storage.VectorMetric, a, b []float32) (distance, similarity float64) {
	switch metric {
	case storage.MetricEuclidean:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		d := math.Sqrt(sum)
		return d, -d
	case storage.MetricDotProduct:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return -dot, dot
	default: // Cosine
		var dot, na, nb float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		for _, v := range a {
			na += float64(v) * float64(v)
		}
		for _, v := range b {
			nb += float64(v) * float64(v)
		}
		if na == 0 || nb == 0 {
			return math.NaN(), math.NaN()
		}
		cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
		return 1 - cos, cos
	}
}

type candidate struct {
	addr     storage.PageAddress
	distance float64
	seq      int // insertion order, for stable tie-breaking
}

// searchLayer runs a bounded beam search at level starting from entry,
// returning up to ef nearest candidates to target, closest first.
func searchLayer(alloc storage.BlockAllocator, meta *storage.VectorIndexMeta, entry storage.PageAddress, target []float32, level, ef int) ([]candidate, error) {
	visited := map[storage.PageAddress]bool{entry: true}
	entryNode, err := loadVectorNode(alloc, entry)
	if err != nil {
		return nil, err
	}
	entryVec, err := entryNode.vector(alloc)
	if err != nil {
		return nil, err
	}
	entryDist, _ := Distance(meta.Metric, entryVec, target)

	best := []candidate{{addr: entry, distance: entryDist, seq: 0}}
	frontier := []candidate{{addr: entry, distance: entryDist, seq: 0}}
	seq := 1

	for len(frontier) > 0 {
		sort.SliceStable(frontier, func(i, j int) bool { return frontier[i].distance < frontier[j].distance })
		cur := frontier[0]
		frontier = frontier[1:]

		worstBest := best[len(best)-1].distance
		if len(best) >= ef && cur.distance > worstBest {
			break
		}

		node, err := loadVectorNode(alloc, cur.addr)
		if err != nil {
			return nil, err
		}
		if level >= len(node.neighbors) {
			continue
		}
		for _, nbAddr := range node.neighbors[level] {
			if nbAddr.IsEmpty() || visited[nbAddr] {
				continue
			}
			visited[nbAddr] = true
			nb, err := loadVectorNode(alloc, nbAddr)
			if err != nil {
				return nil, err
			}
			nbVec, err := nb.vector(alloc)
			if err != nil {
				return nil, err
			}
			d, _ := Distance(meta.Metric, nbVec, target)
			c := candidate{addr: nbAddr, distance: d, seq: seq}
			seq++
			frontier = append(frontier, c)
			best = append(best, c)
			sort.SliceStable(best, func(i, j int) bool { return best[i].distance < best[j].distance })
			if len(best) > ef {
				best = best[:ef]
			}
		}
	}
	return best, nil
}

// pruneNeighbors keeps the closest HNSWMaxNeighbors candidates to origin,
// deduplicated, closest first — the "pruned selection" rule of §4.5.
func pruneNeighbors(alloc storage.BlockAllocator, meta *storage.VectorIndexMeta, origin []float32, candidates []storage.PageAddress) ([]storage.PageAddress, error) {
	seen := map[storage.PageAddress]bool{}
	type scored struct {
		addr storage.PageAddress
		d    float64
	}
	var scoredList []scored
	for _, addr := range candidates {
		if addr.IsEmpty() || seen[addr] {
			continue
		}
		seen[addr] = true
		n, err := loadVectorNode(alloc, addr)
		if err != nil {
			return nil, err
		}
		vec, err := n.vector(alloc)
		if err != nil {
			return nil, err
		}
		d, _ := Distance(meta.Metric, vec, origin)
		scoredList = append(scoredList, scored{addr: addr, d: d})
	}
	sort.SliceStable(scoredList, func(i, j int) bool { return scoredList[i].d < scoredList[j].d })
	if len(scoredList) > HNSWMaxNeighbors {
		scoredList = scoredList[:HNSWMaxNeighbors]
	}
	out := make([]storage.PageAddress, len(scoredList))
	for i, s := range scoredList {
		out[i] = s.addr
	}
	return out, nil
}

// InsertVector adds a document's vector to the graph per §4.5.
func InsertVector(alloc storage.BlockAllocator, meta *storage.VectorIndexMeta, dataBlock storage.PageAddress, vec []float32) error {
	if len(vec) != meta.Dimensions {
		return ErrVectorDimensionMismatch
	}
	level := sampleLevel()
	node, err := newVectorNode(alloc, meta, dataBlock, vec, level)
	if err != nil {
		return err
	}

	if meta.Root.IsEmpty() {
		meta.Root = node.addr
		return nil
	}

	root, err := loadVectorNode(alloc, meta.Root)
	if err != nil {
		return err
	}
	entry := root.addr
	entryVec, err := root.vector(alloc)
	if err != nil {
		return err
	}
	entryDist, _ := Distance(meta.Metric, entryVec, vec)

	for l := root.level - 1; l >= node.level; l-- {
		for {
			cur, err := loadVectorNode(alloc, entry)
			if err != nil {
				return err
			}
			if l >= len(cur.neighbors) {
				break
			}
			improved := false
			for _, nbAddr := range cur.neighbors[l] {
				if nbAddr.IsEmpty() {
					continue
				}
				nb, err := loadVectorNode(alloc, nbAddr)
				if err != nil {
					return err
				}
				nbVec, err := nb.vector(alloc)
				if err != nil {
					return err
				}
				d, _ := Distance(meta.Metric, nbVec, vec)
				if d < entryDist {
					entry, entryDist, improved = nbAddr, d, true
				}
			}
			if !improved {
				break
			}
		}
	}

	top := root.level
	if node.level < top {
		top = node.level
	}
	for l := top - 1; l >= 0; l-- {
		const efConstruction = 24
		found, err := searchLayer(alloc, meta, entry, vec, l, efConstruction)
		if err != nil {
			return err
		}
		addrs := make([]storage.PageAddress, len(found))
		for i, c := range found {
			addrs[i] = c.addr
		}
		addrs = append(addrs, node.addr)
		pruned, err := pruneNeighbors(alloc, meta, vec, addrs)
		if err != nil {
			return err
		}
		node.neighbors[l] = pruned
		if err := storeVectorNode(alloc, node); err != nil {
			return err
		}

		for _, nbAddr := range pruned {
			if nbAddr.Equal(node.addr) {
				continue
			}
			nb, err := loadVectorNode(alloc, nbAddr)
			if err != nil {
				return err
			}
			nbVec, err := nb.vector(alloc)
			if err != nil {
				return err
			}
			combined := append(append([]storage.PageAddress(nil), nb.neighbors[l]...), node.addr)
			repruned, err := pruneNeighbors(alloc, meta, nbVec, combined)
			if err != nil {
				return err
			}
			nb.neighbors[l] = repruned
			if err := storeVectorNode(alloc, nb); err != nil {
				return err
			}
		}
		if len(found) > 0 {
			entry = found[0].addr
		}
	}

	if node.level > root.level {
		meta.Root = node.addr
	}
	return nil
}

// SearchResult is one match returned by Search.
type SearchResult struct {
	DataBlock  storage.PageAddress
	Distance   float64
	Similarity float64
}

// Search finds up to limit documents within maxDistance of target, per
// §4.5's greedy-descend-then-beam-search-then-threshold-filter algorithm.
func Search(alloc storage.BlockAllocator, meta *storage.VectorIndexMeta, target []float32, maxDistance float64, limit int) ([]SearchResult, error) {
	if meta.Root.IsEmpty() {
		return nil, nil
	}
	if len(target) != meta.Dimensions {
		return nil, ErrVectorDimensionMismatch
	}
	root, err := loadVectorNode(alloc, meta.Root)
	if err != nil {
		return nil, err
	}
	entry := root.addr
	entryVec, err := root.vector(alloc)
	if err != nil {
		return nil, err
	}
	entryDist, _ := Distance(meta.Metric, entryVec, target)

	for l := root.level - 1; l > 0; l-- {
		for {
			cur, err := loadVectorNode(alloc, entry)
			if err != nil {
				return nil, err
			}
			if l >= len(cur.neighbors) {
				break
			}
			improved := false
			for _, nbAddr := range cur.neighbors[l] {
				if nbAddr.IsEmpty() {
					continue
				}
				nb, err := loadVectorNode(alloc, nbAddr)
				if err != nil {
					return nil, err
				}
				nbVec, err := nb.vector(alloc)
				if err != nil {
					return nil, err
				}
				d, _ := Distance(meta.Metric, nbVec, target)
				if d < entryDist {
					entry, entryDist, improved = nbAddr, d, true
				}
			}
			if !improved {
				break
			}
		}
	}

	ef := limit * 4
	if ef < 32 {
		ef = 32
	}
	found, err := searchLayer(alloc, meta, entry, target, 0, ef)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(found))
	for _, c := range found {
		n, err := loadVectorNode(alloc, c.addr)
		if err != nil {
			return nil, err
		}
		vec, err := n.vector(alloc)
		if err != nil {
			return nil, err
		}
		d, sim := Distance(meta.Metric, vec, target)
		if meta.Metric == storage.MetricDotProduct {
			if sim < maxDistance {
				continue
			}
		} else if d > maxDistance {
			continue
		}
		results = append(results, SearchResult{DataBlock: n.dataBlock, Distance: d, Similarity: sim})
	}

	if meta.Metric == storage.MetricDotProduct {
		sort.SliceStable(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	} else {
		sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete removes the node whose dataBlock matches, reachable from root via
// BFS (§4.5), unwiring it from every neighbor and reclaiming its storage.
func Delete(alloc storage.BlockAllocator, meta *storage.VectorIndexMeta, dataBlock storage.PageAddress) error {
	if meta.Root.IsEmpty() {
		return nil
	}
	target, err := bfsFindByDataBlock(alloc, meta, dataBlock)
	if err != nil || target == nil {
		return err
	}

	for l := 0; l < target.level; l++ {
		for _, nbAddr := range target.neighbors[l] {
			if nbAddr.IsEmpty() {
				continue
			}
			nb, err := loadVectorNode(alloc, nbAddr)
			if err != nil {
				return err
			}
			filtered := nb.neighbors[l][:0]
			for _, a := range nb.neighbors[l] {
				if !a.Equal(target.addr) {
					filtered = append(filtered, a)
				}
			}
			nb.neighbors[l] = filtered
			if err := storeVectorNode(alloc, nb); err != nil {
				return err
			}
		}
	}

	if target.inline == nil {
		if err := storage.FreeDataChain(alloc, target.external); err != nil {
			return err
		}
	}

	page, err := alloc.ReadPage(target.addr.PageID)
	if err != nil {
		return err
	}
	page.FreeItem(target.addr.Slot)
	if err := freeVectorPage(alloc, meta, page); err != nil {
		return err
	}

	if meta.Root.Equal(target.addr) {
		return replaceRoot(alloc, meta, target)
	}
	return nil
}

func bfsFindByDataBlock(alloc storage.BlockAllocator, meta *storage.VectorIndexMeta, dataBlock storage.PageAddress) (*vectorNode, error) {
	visited := map[storage.PageAddress]bool{meta.Root: true}
	queue := []storage.PageAddress{meta.Root}
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		n, err := loadVectorNode(alloc, addr)
		if err != nil {
			return nil, err
		}
		if n.dataBlock.Equal(dataBlock) {
			return n, nil
		}
		for l := 0; l < n.level; l++ {
			for _, nbAddr := range n.neighbors[l] {
				if nbAddr.IsEmpty() || visited[nbAddr] {
					continue
				}
				visited[nbAddr] = true
				queue = append(queue, nbAddr)
			}
		}
	}
	return nil, nil
}

// replaceRoot picks the reachable node with the highest level as the new
// root after removed (the old root) was unlinked, per §4.5. It seeds the
// search from removed's own former neighbor lists, captured by the caller
// before deletion unlinked them from every peer.
func replaceRoot(alloc storage.BlockAllocator, meta *storage.VectorIndexMeta, removed *vectorNode) error {
	visited := map[storage.PageAddress]bool{removed.addr: true}
	var queue []storage.PageAddress
	var best *vectorNode

	for l := 0; l < removed.level; l++ {
		for _, addr := range removed.neighbors[l] {
			if !addr.IsEmpty() && !visited[addr] {
				visited[addr] = true
				queue = append(queue, addr)
			}
		}
	}
	if len(queue) == 0 {
		meta.Root = storage.Empty
		return nil
	}
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		n, err := loadVectorNode(alloc, addr)
		if err != nil {
			return err
		}
		if best == nil || n.level > best.level {
			best = n
		}
		for l := 0; l < n.level; l++ {
			for _, nbAddr := range n.neighbors[l] {
				if !nbAddr.IsEmpty() && !visited[nbAddr] {
					visited[nbAddr] = true
					queue = append(queue, nbAddr)
				}
			}
		}
	}
	if best != nil {
		meta.Root = best.addr
	} else {
		meta.Root = storage.Empty
	}
	return nil
}
