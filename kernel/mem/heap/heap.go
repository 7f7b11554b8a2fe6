// Package heap implements the allocator's front-end: allocate, free and
// reallocate in terms of the virtual range allocator (vrange) and the page
// mapper (vmm), backed by whichever physical frame source the caller wires
// in (the buddy allocator, in the real boot sequence).
package heap

import (
	"math"
	"reflect"
	"unsafe"

	"nucleusmem/kernel"
	"nucleusmem/kernel/mem"
	"nucleusmem/kernel/mem/vmm"
	"nucleusmem/kernel/mem/vmm/vrange"
)

// HeaderReserve is the number of bytes reserved immediately before every
// pointer this package hands out, holding the total mapped size of the
// allocation (payload plus reserve, rounded up to a page by the range
// allocator underneath).
const HeaderReserve = unsafe.Sizeof(uint64(0))

var (
	mapWithAllocFn   = vmm.MapWithAlloc
	unmapWithAllocFn = vmm.UnmapWithAlloc
)

// RangeSource is the capability Heap needs from a virtual range allocator.
// *vrange.Allocator satisfies it; tests use a lighter fake so that heap
// logic can be exercised without vrange's own slab-extension machinery.
type RangeSource interface {
	AcquireRange(size uintptr) (vrange.Range, *kernel.Error)
	ReleaseRange(begin, end uintptr) *kernel.Error
}

// Heap is the allocate/free/reallocate front-end over a single virtual
// range allocator.
type Heap struct {
	ranges    RangeSource
	dataAlloc vmm.FrameAllocator
	ptAlloc   vmm.FrameAllocator
}

// New constructs a Heap that carves its ranges from ranges and sources both
// leaf data pages and page-table pages from alloc.
func New(ranges RangeSource, alloc vmm.FrameAllocator) *Heap {
	return &Heap{ranges: ranges, dataAlloc: alloc, ptAlloc: alloc}
}

// Allocate reserves a virtual range of at least size bytes, maps it, and
// returns a pointer to the usable region past the header. It returns nil on
// a zero size, a size that would overflow once the header is added, a
// virtual range shortage, or a mapping failure.
func (h *Heap) Allocate(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	if size > uintptr(math.MaxUint64)-uintptr(HeaderReserve) {
		return nil
	}
	need := size + uintptr(HeaderReserve)

	r, err := h.ranges.AcquireRange(need)
	if err != nil {
		return nil
	}

	pageCount := int(mem.Size(r.End - r.Begin).Pages())
	if err := mapWithAllocFn(vmm.PageFromAddress(r.Begin), pageCount, vmm.FlagRW, h.dataAlloc, h.ptAlloc); err != nil {
		h.ranges.ReleaseRange(r.Begin, r.End)
		return nil
	}

	*(*uint64)(unsafe.Pointer(r.Begin)) = uint64(r.End - r.Begin)
	return unsafe.Pointer(r.Begin + HeaderReserve)
}

// Free unmaps and releases the allocation p points into. A nil p is a
// no-op; freeing a pointer not obtained from Allocate is undefined.
func (h *Heap) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}

	begin, end := h.rangeOf(p)
	pageCount := int(mem.Size(end - begin).Pages())
	unmapWithAllocFn(vmm.PageFromAddress(begin), pageCount, h.dataAlloc, h.ptAlloc)
	h.ranges.ReleaseRange(begin, end)
}

// Reallocate resizes the allocation p points into to newSize bytes,
// preserving the lesser of the old and new payload sizes. A nil p behaves
// as a plain Allocate; when newSize plus HeaderReserve equals the current
// allocation's stored total mapped size exactly, p is returned unchanged.
func (h *Heap) Reallocate(p unsafe.Pointer, newSize uintptr) unsafe.Pointer {
	if p == nil {
		return h.Allocate(newSize)
	}

	begin, end := h.rangeOf(p)
	oldPayload := (end - begin) - uintptr(HeaderReserve)

	if newSize > uintptr(math.MaxUint64)-uintptr(HeaderReserve) {
		return nil
	}
	if newSize+uintptr(HeaderReserve) == end-begin {
		return p
	}

	newPtr := h.Allocate(newSize)
	if newPtr == nil {
		return nil
	}

	n := oldPayload
	if newSize < n {
		n = newSize
	}
	copyBytes(newPtr, p, n)
	h.Free(p)
	return newPtr
}

// rangeOf recovers the mapped virtual range backing p by reading back its
// header.
func (h *Heap) rangeOf(p unsafe.Pointer) (begin, end uintptr) {
	begin = uintptr(p) - uintptr(HeaderReserve)
	size := uintptr(*(*uint64)(unsafe.Pointer(begin)))
	return begin, begin + size
}

// copyBytes copies n bytes from src to dst via raw slice headers over the
// two addresses, the same technique mem.Memset uses to operate on
// unstructured memory.
func copyBytes(dst, src unsafe.Pointer, n uintptr) {
	if n == 0 {
		return
	}
	dstSlice := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{Data: uintptr(dst), Len: int(n), Cap: int(n)}))
	srcSlice := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{Data: uintptr(src), Len: int(n), Cap: int(n)}))
	copy(dstSlice, srcSlice)
}
