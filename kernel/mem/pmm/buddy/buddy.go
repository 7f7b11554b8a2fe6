// Package buddy implements the steady-state physical page allocator: a
// binary buddy system supporting O(log N) allocation and release of aligned
// power-of-two page ranges. It supersedes the bootstrap allocator once its
// own metadata is mapped and seeded from the bootstrap allocator's
// remaining inventory.
package buddy

import (
	"reflect"
	"unsafe"

	"nucleusmem/kernel"
	"nucleusmem/kernel/kfmt/early"
	"nucleusmem/kernel/mem"
	"nucleusmem/kernel/mem/pmm"
	"nucleusmem/kernel/mem/pmm/bootalloc"
	"nucleusmem/kernel/mem/vmm"
)

var (
	// ErrOutOfMemory is returned once every free list, at every level, is
	// empty.
	ErrOutOfMemory = &kernel.Error{Module: "buddy", Message: "no free physical block available at any order"}

	mapUnsafeFn    = vmm.MapUnsafe
	unmapUnsafeFn  = vmm.UnmapUnsafe
	mapWithAllocFn = vmm.MapWithAlloc

	// metadataBase is the virtual address at which the buddy allocator maps
	// its own bitmap and free-list-heads storage. It is carved out of the
	// higher half independently of the recursive mapping window, since the
	// buddy is constructed before any general-purpose virtual range
	// allocator exists to hand one out. Tests override it to point at a
	// host-allocated buffer instead of an address the MMU backs.
	metadataBase = uintptr(0xffff900000000000)
)

// Source is the capability the buddy allocator needs from whatever hands it
// its metadata pages and seeds its free lists — the bootstrap allocator in
// the real boot sequence, a fake memory map in tests.
type Source interface {
	vmm.FrameAllocator
	RemainingRanges() []bootalloc.Range
}

// listNode is the {prev, next} record materialised inside a free page
// itself via the mapping window; it is never kept resident outside of a
// single primitive's critical section.
type listNode struct {
	prev, next pmm.Frame
}

// Allocator is the binary buddy physical page allocator. It manages a
// single contiguous window of base.. base+2^maxLevel pages; blocks outside
// any region released to it via ReleaseRange are simply never freed, so
// they can never be allocated.
type Allocator struct {
	base     pmm.Frame
	maxLevel int

	// pairBitmap[level] holds one bit per buddy pair at that level; a bit
	// is 1 when exactly one half of the pair is free at that level and 0
	// when neither half is (two free halves are merged into a single entry
	// one level up instead). There is no bitmap for maxLevel, since the top
	// level has no buddy.
	pairBitmap []reflect.SliceHeader

	// freeListHeads[level] is the frame at the head of that level's free
	// list, or pmm.InvalidFrame if the list is empty.
	freeListHeads []pmm.Frame
}

// blocksAtLevel returns the number of level-sized blocks spanned by a
// window of pageCount pages.
func blocksAtLevel(pageCount uint64, level int) uint64 {
	return (pageCount + (1 << uint(level)) - 1) >> uint(level)
}

// align rounds v up to the nearest multiple of n, where n is a power of two.
func align(v, n uint64) uint64 {
	return (v + (n - 1)) &^ (n - 1)
}

// log2Floor returns floor(log2(v)) for v > 0.
func log2Floor(v uint64) int {
	n := -1
	for v > 0 {
		v >>= 1
		n++
	}
	return n
}

// New constructs an Allocator covering totalPages pages starting at
// physical frame 0, then releases source's entire remaining inventory into
// the new free lists. source supplies both the intermediate page-table
// pages and the data pages backing the buddy's own metadata — in the real
// boot sequence this is the bootstrap allocator, since nothing else is
// available yet.
func New(totalPages uint64, source Source) (*Allocator, *kernel.Error) {
	maxLevel := log2Floor(totalPages)
	if blocksAtLevel(totalPages, maxLevel) > 1 {
		maxLevel++
	}

	a := &Allocator{
		base:     0,
		maxLevel: maxLevel,
	}

	if err := a.mapMetadata(maxLevel, totalPages, source); err != nil {
		return nil, err
	}

	for level := 0; level <= maxLevel; level++ {
		a.freeListHeads[level] = pmm.InvalidFrame
	}

	for _, r := range source.RemainingRanges() {
		beginFrame := uint64(pmm.FrameForAddress(uintptr(r.Begin)))
		endFrame := uint64(pmm.FrameForAddress(uintptr(r.End)))
		a.releaseRange(beginFrame, endFrame)
	}

	early.Printf("[buddy] managing %d pages, maxLevel=%d\n", totalPages, maxLevel)
	return a, nil
}

// mapMetadata computes the storage required for the pair bitmaps (levels 0
// through maxLevel-1) and the maxLevel+1 entry free-list-heads array, maps
// that many pages at metadataBase through source, and builds slice headers
// over the mapped region.
func (a *Allocator) mapMetadata(maxLevel int, totalPages uint64, source Source) *kernel.Error {
	type span struct {
		offset, words uint64
	}

	spans := make([]span, maxLevel)
	var totalWords uint64
	for level := 0; level < maxLevel; level++ {
		words := align(blocksAtLevel(totalPages, level), 128) >> 7 // one bit per pair, 64 pairs per word
		spans[level] = span{offset: totalWords, words: words}
		totalWords += words
	}

	bitmapBytes := totalWords * 8
	headsOffset := align(bitmapBytes, 8)
	headsBytes := uint64(maxLevel+1) * 8
	totalBytes := headsOffset + headsBytes

	pageCount := int(mem.Size(totalBytes).Pages())
	if pageCount == 0 {
		pageCount = 1
	}

	begin := vmm.PageFromAddress(metadataBase)
	if err := mapWithAllocFn(begin, pageCount, vmm.FlagRW, source, source); err != nil {
		return err
	}

	a.pairBitmap = make([]reflect.SliceHeader, maxLevel)
	for level := 0; level < maxLevel; level++ {
		a.pairBitmap[level] = reflect.SliceHeader{
			Data: metadataBase + uintptr(spans[level].offset*8),
			Len:  int(spans[level].words),
			Cap:  int(spans[level].words),
		}
	}

	headsHeader := reflect.SliceHeader{
		Data: metadataBase + uintptr(headsOffset),
		Len:  maxLevel + 1,
		Cap:  maxLevel + 1,
	}
	a.freeListHeads = *(*[]pmm.Frame)(unsafe.Pointer(&headsHeader))

	return nil
}

// bitmapWord returns the []uint64 view over level's pair bitmap.
func (a *Allocator) bitmapWord(level int) []uint64 {
	hdr := a.pairBitmap[level]
	return *(*[]uint64)(unsafe.Pointer(&hdr))
}

// togglePairBit flips the pair bit for block at level and returns its new
// value.
func (a *Allocator) togglePairBit(level int, block pmm.Frame) uint64 {
	pairNum := (uint64(block-a.base) >> uint(level)) >> 1
	word := a.bitmapWord(level)
	idx, bit := pairNum/64, pairNum%64
	word[idx] ^= uint64(1) << bit
	return (word[idx] >> bit) & 1
}

// readNode reads the {prev, next} record stored inside block through the
// shared mapping window.
func readNode(block pmm.Frame) listNode {
	window := vmm.MappingWindow()
	addr := mapUnsafeFn(window, block)
	node := *(*listNode)(unsafe.Pointer(addr))
	unmapUnsafeFn(window)
	return node
}

// writeNode stores the {prev, next} record inside block through the shared
// mapping window.
func writeNode(block pmm.Frame, node listNode) {
	window := vmm.MappingWindow()
	addr := mapUnsafeFn(window, block)
	*(*listNode)(unsafe.Pointer(addr)) = node
	unmapUnsafeFn(window)
}

// insert pushes block onto freeListHeads[level], merging with its buddy
// into level+1 first if the buddy is also free.
func (a *Allocator) insert(level int, block pmm.Frame) {
	for level < a.maxLevel {
		if a.togglePairBit(level, block) != 0 {
			break
		}

		// Buddy was also free; it has just been implicitly removed from
		// the pair (the bit now reads 0 meaning "merged"), but it is still
		// threaded into freeListHeads[level] and must be unlinked.
		buddy := buddyOf(block, level)
		a.unlink(level, buddy)

		if buddy < block {
			block = buddy
		}
		level++
	}

	a.linkFront(level, block)
}

// buddyOf returns the address of block's pair partner at level.
func buddyOf(block pmm.Frame, level int) pmm.Frame {
	return block ^ pmm.Frame(uint64(1)<<uint(level))
}

// linkFront threads block onto the front of freeListHeads[level].
func (a *Allocator) linkFront(level int, block pmm.Frame) {
	oldHead := a.freeListHeads[level]
	writeNode(block, listNode{prev: pmm.InvalidFrame, next: oldHead})
	if oldHead.Valid() {
		node := readNode(oldHead)
		node.prev = block
		writeNode(oldHead, node)
	}
	a.freeListHeads[level] = block
}

// unlink removes block from freeListHeads[level], wherever it sits in the
// list.
func (a *Allocator) unlink(level int, block pmm.Frame) {
	node := readNode(block)

	if node.prev.Valid() {
		prevNode := readNode(node.prev)
		prevNode.next = node.next
		writeNode(node.prev, prevNode)
	} else {
		a.freeListHeads[level] = node.next
	}

	if node.next.Valid() {
		nextNode := readNode(node.next)
		nextNode.prev = node.prev
		writeNode(node.next, nextNode)
	}
}

// extract pops the head of freeListHeads[level] and returns it, or
// pmm.InvalidFrame if the list is empty. It panics if the block's pair bit
// was already marked allocated, since that indicates bitmap/free-list
// corruption.
func (a *Allocator) extract(level int) pmm.Frame {
	head := a.freeListHeads[level]
	if !head.Valid() {
		return pmm.InvalidFrame
	}

	node := readNode(head)
	a.freeListHeads[level] = node.next
	if node.next.Valid() {
		nextNode := readNode(node.next)
		nextNode.prev = pmm.InvalidFrame
		writeNode(node.next, nextNode)
	}

	if level < a.maxLevel {
		// The block was sitting alone in this level's free list, so the
		// pair bit must read "split" (1) beforehand; toggling it clears
		// the pair back to "not represented at this level" (0). A result
		// of 1 means the bit was already 0, which is only consistent with
		// both halves being free and already merged one level up — this
		// block should never have been reachable through this list.
		if a.togglePairBit(level, head) != 0 {
			kernel.Panic(&kernel.Error{Module: "buddy", Message: "pair bitmap corruption detected on extract"})
		}
	}

	return head
}

// releaseRange walks [begin, end) from the top, repeatedly peeling off the
// largest power-of-two block that is both alignment- and size-admissible,
// until the span is exhausted.
func (a *Allocator) releaseRange(begin, end uint64) {
	for end > begin {
		level := log2Floor(end - begin)
		if end != 0 {
			if tz := trailingZeros(end); tz < level {
				level = tz
			}
		}
		if level > a.maxLevel {
			level = a.maxLevel
		}

		blockPages := uint64(1) << uint(level)
		end -= blockPages
		a.insert(level, pmm.Frame(end))
	}
}

// trailingZeros returns the number of trailing zero bits of v, or 64 if v
// is zero.
func trailingZeros(v uint64) int {
	if v == 0 {
		return 64
	}
	n := 0
	for v&1 == 0 {
		v >>= 1
		n++
	}
	return n
}

// AllocFrame scans upward from level 0 for the first non-empty free list,
// extracts its head, then repeatedly halves the block, reinserting the
// upper half at each descending level, until a single page remains.
// AllocFrame satisfies vmm.FrameAllocator.
func (a *Allocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	level := 0
	for level <= a.maxLevel && !a.freeListHeads[level].Valid() {
		level++
	}
	if level > a.maxLevel {
		return pmm.InvalidFrame, ErrOutOfMemory
	}

	block := a.extract(level)
	for level > 0 {
		level--
		upper := block + pmm.Frame(uint64(1)<<uint(level))
		a.linkFront(level, upper)
		if level < a.maxLevel {
			a.togglePairBit(level, block)
		}
	}

	return block, nil
}

// FreeFrame returns a single page to the allocator. FreeFrame satisfies
// vmm.FrameAllocator.
func (a *Allocator) FreeFrame(p pmm.Frame) *kernel.Error {
	a.insert(0, p)
	return nil
}
