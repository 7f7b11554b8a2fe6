// Package vrange implements the virtual address-range allocator: it hands
// out aligned, page-granular virtual ranges from a fixed set of disjoint
// regions and coalesces them back together on release. It is the layer
// between the page mapper (which can map anything but tracks nothing) and
// the heap front-end (which needs ranges to back its allocations).
package vrange

import (
	"unsafe"

	"nucleusmem/kernel"
	"nucleusmem/kernel/container/intrusive"
	"nucleusmem/kernel/mem"
	"nucleusmem/kernel/mem/vmm"
)

var (
	// ErrOutOfRange is returned when no free range large enough to satisfy a
	// request exists anywhere in the managed regions.
	ErrOutOfRange = &kernel.Error{Module: "vrange", Message: "no free virtual range large enough to satisfy the request"}

	mapWithAllocFn = vmm.MapWithAlloc
)

// Range describes a virtual address span [Begin, End).
type Range struct {
	Begin, End uintptr
}

func (r Range) empty() bool {
	return r.End <= r.Begin
}

func (r Range) size() uintptr {
	return r.End - r.Begin
}

// freeRange is a single free span of virtual address space. It is a member
// of two intrusive AVL trees at once: one keyed by address (addrLeft et al.),
// one keyed by size (sizeLeft et al.), and also of the slab pool's singly
// threaded free list (poolNext) when it is not currently part of either
// tree.
type freeRange struct {
	address uintptr
	size    uintptr

	addrLeft, addrRight, addrParent *freeRange
	addrBalance                     int8

	sizeLeft, sizeRight, sizeParent *freeRange
	sizeBalance                     int8

	poolNext *freeRange
}

type addrHooks struct{}

func (addrHooks) Left(n *freeRange) *freeRange   { return n.addrLeft }
func (addrHooks) SetLeft(n, v *freeRange)        { n.addrLeft = v }
func (addrHooks) Right(n *freeRange) *freeRange  { return n.addrRight }
func (addrHooks) SetRight(n, v *freeRange)       { n.addrRight = v }
func (addrHooks) Parent(n *freeRange) *freeRange { return n.addrParent }
func (addrHooks) SetParent(n, v *freeRange)      { n.addrParent = v }
func (addrHooks) Balance(n *freeRange) int8      { return n.addrBalance }
func (addrHooks) SetBalance(n *freeRange, v int8) { n.addrBalance = v }
func (addrHooks) Less(a, b *freeRange) bool      { return a.address < b.address }

type sizeHooks struct{}

func (sizeHooks) Left(n *freeRange) *freeRange   { return n.sizeLeft }
func (sizeHooks) SetLeft(n, v *freeRange)        { n.sizeLeft = v }
func (sizeHooks) Right(n *freeRange) *freeRange  { return n.sizeRight }
func (sizeHooks) SetRight(n, v *freeRange)       { n.sizeRight = v }
func (sizeHooks) Parent(n *freeRange) *freeRange { return n.sizeParent }
func (sizeHooks) SetParent(n, v *freeRange)      { n.sizeParent = v }
func (sizeHooks) Balance(n *freeRange) int8      { return n.sizeBalance }
func (sizeHooks) SetBalance(n *freeRange, v int8) { n.sizeBalance = v }
func (sizeHooks) Less(a, b *freeRange) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return a.address < b.address
}

// addrCompare orders by .address against key, for Find/LowerBound/UpperBound
// queries on the address tree.
func addrCompare(key uintptr) func(*freeRange) int {
	return func(n *freeRange) int {
		switch {
		case key < n.address:
			return -1
		case key > n.address:
			return 1
		default:
			return 0
		}
	}
}

// endCompare orders by .address+.size against key: the "end-key" comparator
// variant used to find the node whose span might reach up to key.
func endCompare(key uintptr) func(*freeRange) int {
	return func(n *freeRange) int {
		end := n.address + n.size
		switch {
		case key < end:
			return -1
		case key > end:
			return 1
		default:
			return 0
		}
	}
}

// sizeCompare orders by .size against key, for Find/UpperBound queries on
// the size tree.
func sizeCompare(key uintptr) func(*freeRange) int {
	return func(n *freeRange) int {
		switch {
		case key < n.size:
			return -1
		case key > n.size:
			return 1
		default:
			return 0
		}
	}
}

func pageRoundDown(v uintptr) uintptr {
	mask := uintptr(mem.PageSize) - 1
	return v &^ mask
}

func pageRoundUp(v uintptr) uintptr {
	mask := uintptr(mem.PageSize) - 1
	return (v + mask) &^ mask
}

// Allocator manages the free ranges of a single virtual address region. One
// Allocator exists per disjoint region the kernel seeds at init (the
// small-map heap, the fixed high-half range).
type Allocator struct {
	addrTree *intrusive.AVLTree[*freeRange]
	sizeTree *intrusive.AVLTree[*freeRange]
	slabPool *intrusive.List[*freeRange]

	physAlloc vmm.FrameAllocator
	ptAlloc   vmm.FrameAllocator
}

type poolHooks struct{}

func (poolHooks) Next(n *freeRange) *freeRange { return n.poolNext }
func (poolHooks) SetNext(n, v *freeRange)      { n.poolNext = v }
func (poolHooks) Prev(n *freeRange) *freeRange { return nil }
func (poolHooks) SetPrev(n, v *freeRange)      {}

// New constructs an empty Allocator. physAlloc and ptAlloc supply, and
// reclaim, the physical pages the slab pool consumes when it needs fresh
// node storage; in the real boot sequence both are the buddy allocator.
func New(physAlloc, ptAlloc vmm.FrameAllocator) *Allocator {
	return &Allocator{
		addrTree:  intrusive.NewAVLTree[*freeRange](addrHooks{}),
		sizeTree:  intrusive.NewAVLTree[*freeRange](sizeHooks{}),
		slabPool:  intrusive.NewList[*freeRange](poolHooks{}),
		physAlloc: physAlloc,
		ptAlloc:   ptAlloc,
	}
}

// Seed registers [begin, end) as available for acquisition. It is used once
// per managed region at init time, before any AcquireRange call; it goes
// through the same ReleaseRange path as a runtime release, so the first
// node in a freshly constructed Allocator still comes from slab-pool
// self-extension.
func (a *Allocator) Seed(begin, end uintptr) *kernel.Error {
	return a.ReleaseRange(begin, end)
}

// AcquireRange reserves a page-aligned span of at least size bytes and
// removes it from the free set. It returns ErrOutOfRange if no free span is
// large enough.
func (a *Allocator) AcquireRange(size uintptr) (Range, *kernel.Error) {
	size = pageRoundUp(size)
	if size == 0 {
		return Range{}, nil
	}

	if eq := a.sizeTree.Find(sizeCompare(size)); eq != nil {
		a.sizeTree.Remove(eq)
		a.addrTree.Remove(eq)
		ret := Range{Begin: eq.address, End: eq.address + eq.size}
		a.returnToPool(eq)
		return ret, nil
	}

	next := a.sizeTree.UpperBound(sizeCompare(size))
	if next == nil {
		return Range{}, ErrOutOfRange
	}

	a.sizeTree.Remove(next)
	begin := next.address
	next.address += size
	next.size -= size
	a.sizeTree.Insert(next)

	return Range{Begin: begin, End: begin + size}, nil
}

// ReleaseRange returns [begin, end) to the free set, coalescing with
// whichever neighbouring free ranges it touches.
func (a *Allocator) ReleaseRange(begin, end uintptr) *kernel.Error {
	begin = pageRoundDown(begin)
	end = pageRoundUp(end)
	if end <= begin {
		return nil
	}

	if a.addrTree.Empty() {
		return a.insertNewRange(begin, end)
	}

	q := a.addrTree.LowerBound(addrCompare(end))
	viaEnd := a.addrTree.UpperBound(endCompare(begin))
	if q != viaEnd {
		kernel.Panic(&kernel.Error{Module: "vrange", Message: "release of an already-free or overlapping virtual range"})
	}

	var p *freeRange
	if q != nil {
		p = a.addrTree.Predecessor(q)
	} else {
		p = a.addrTree.Max()
	}

	leftTouches := p != nil && p.address+p.size == begin
	rightTouches := q != nil && q.address == end

	switch {
	case leftTouches && rightTouches:
		a.sizeTree.Remove(p)
		p.size = (q.address + q.size) - p.address
		a.sizeTree.Insert(p)
		a.addrTree.Remove(q)
		a.sizeTree.Remove(q)
		a.returnToPool(q)
		return nil
	case leftTouches:
		a.sizeTree.Remove(p)
		p.size = end - p.address
		a.sizeTree.Insert(p)
		return nil
	case rightTouches:
		a.sizeTree.Remove(q)
		q.address = begin
		q.size += end - begin
		a.sizeTree.Insert(q)
		return nil
	default:
		return a.insertNewRange(begin, end)
	}
}

// returnToPool clears n's tree link fields and pushes it onto the slab pool
// for reuse by a future insertNewRange.
func (a *Allocator) returnToPool(n *freeRange) {
	*n = freeRange{}
	a.slabPool.PushFront(n)
}

// insertNewRange obtains a node from the slab pool (extending it from
// [begin, end) itself if the pool is empty) and inserts [begin, end) into
// both trees.
func (a *Allocator) insertNewRange(begin, end uintptr) *kernel.Error {
	begin, end, err := a.ensureSlabAvailable(begin, end)
	if err != nil {
		return err
	}
	if end <= begin {
		return nil
	}

	node := a.slabPool.PopFront()
	node.address, node.size = begin, end-begin
	a.addrTree.Insert(node)
	a.sizeTree.Insert(node)
	return nil
}

// ensureSlabAvailable guarantees the slab pool holds at least one node,
// peeling one page off the front of [begin, end) and carving it into fresh
// node records if the pool was empty. It never calls AcquireRange: the page
// it maps comes directly from physAlloc/ptAlloc, sourced from the very
// range being released.
func (a *Allocator) ensureSlabAvailable(begin, end uintptr) (uintptr, uintptr, *kernel.Error) {
	if !a.slabPool.Empty() {
		return begin, end, nil
	}
	if end-begin < uintptr(mem.PageSize) {
		return begin, begin, nil
	}

	slabPage := begin
	begin += uintptr(mem.PageSize)

	if err := mapWithAllocFn(vmm.PageFromAddress(slabPage), 1, vmm.FlagRW, a.physAlloc, a.ptAlloc); err != nil {
		return begin, end, err
	}

	const recordSize = unsafe.Sizeof(freeRange{})
	recordsPerPage := uintptr(mem.PageSize) / recordSize
	for i := uintptr(0); i < recordsPerPage; i++ {
		node := (*freeRange)(unsafe.Pointer(slabPage + i*recordSize))
		*node = freeRange{}
		a.slabPool.PushFront(node)
	}

	return begin, end, nil
}
