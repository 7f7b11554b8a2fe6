// Package bootalloc implements the bootstrap single-page physical
// allocator: a linear scan over the bootloader-reported memory map that
// hands out one 4 KiB frame at a time before the buddy allocator exists,
// plus a free list threaded through the freed pages themselves.
package bootalloc

import (
	"unsafe"

	"nucleusmem/kernel"
	"nucleusmem/kernel/hal/bootinfo"
	"nucleusmem/kernel/kfmt/early"
	"nucleusmem/kernel/mem"
	"nucleusmem/kernel/mem/pmm"
	"nucleusmem/kernel/mem/vmm"
)

var (
	// ErrOutOfMemory is returned once every usable region has been
	// exhausted and the free list is empty.
	ErrOutOfMemory = &kernel.Error{Module: "bootalloc", Message: "no more physical frames available to the bootstrap allocator"}

	// mapUnsafeFn and unmapUnsafeFn are overridden by tests; calling the
	// real implementations requires a working recursive mapping.
	mapUnsafeFn   = vmm.MapUnsafe
	unmapUnsafeFn = vmm.UnmapUnsafe

	// The following indirections let tests drive the allocator against a
	// fixed, in-test memory map without going through bootinfo's real
	// loader-data parsing.
	allocatedBoundaryFn = bootinfo.AllocatedBoundary
	regionFn            = bootinfo.Region
	isUsableFn          = bootinfo.IsUsable
)

// Allocator is the bootstrap physical page allocator described by the
// component. It consumes the bootloader memory map region-by-region,
// starting at the loader's reported allocated_boundary, and supports
// freeing via a LIFO stack of returned pages whose next-pointers are
// stored inside the freed pages themselves.
type Allocator struct {
	region   int
	boundary uint64

	// lastFree is the head of the freed-page stack, or pmm.InvalidFrame
	// if nothing has been freed yet.
	lastFree pmm.Frame
}

// New constructs an Allocator seeded from the current bootinfo memory map.
// The cursor starts at the first region's allocated_boundary, the value the
// loader reports as the first byte it has not already consumed.
func New() *Allocator {
	a := &Allocator{
		region:   0,
		boundary: allocatedBoundaryFn(),
		lastFree: pmm.InvalidFrame,
	}

	early.Printf("[bootalloc] starting at region 0, boundary 0x%x\n", a.boundary)
	return a
}

// AllocFrame returns the next available physical frame, or ErrOutOfMemory
// if none remain. Frames returned via Free are served first, in LIFO order.
func (a *Allocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	if a.lastFree.Valid() {
		return a.popFree()
	}

	for {
		region, ok := regionFn(a.region)
		if !ok {
			return pmm.InvalidFrame, ErrOutOfMemory
		}

		if !isUsableFn(region) {
			a.region++
			continue
		}

		regionEnd := region.Begin + region.Size
		if a.boundary >= regionEnd {
			a.region++
			a.boundary = 0
			continue
		}

		if a.boundary == 0 {
			a.boundary = region.Begin
		}

		frame := pmm.FrameForAddress(uintptr(a.boundary))
		a.boundary += uint64(mem.PageSize)

		zeroFrame(frame)
		return frame, nil
	}
}

// FreeFrame pushes p onto the LIFO free stack by writing the current stack
// head into the page's first eight bytes through the shared mapping window,
// then making p the new head.
func (a *Allocator) FreeFrame(p pmm.Frame) *kernel.Error {
	window := vmm.MappingWindow()
	addr := mapUnsafeFn(window, p)
	*(*uint64)(unsafe.Pointer(addr)) = uint64(a.lastFree)
	unmapUnsafeFn(window)

	a.lastFree = p
	return nil
}

// popFree pops the head of the free stack, reading its next-pointer through
// the mapping window, and returns a freshly-zeroed page.
func (a *Allocator) popFree() (pmm.Frame, *kernel.Error) {
	frame := a.lastFree

	window := vmm.MappingWindow()
	addr := mapUnsafeFn(window, frame)
	next := *(*uint64)(unsafe.Pointer(addr))
	unmapUnsafeFn(window)

	a.lastFree = pmm.Frame(next)
	zeroFrame(frame)
	return frame, nil
}

// Range describes a physical address span [Begin, End).
type Range struct {
	Begin, End uint64
}

// RemainingRanges returns every usable span this allocator has not yet
// handed out: the unconsumed tail of its current region, followed by every
// subsequent usable region in full. The buddy allocator calls this once,
// at construction, to release the bootstrap allocator's entire remaining
// inventory in bulk instead of draining it one AllocFrame call at a time.
func (a *Allocator) RemainingRanges() []Range {
	var ranges []Range

	idx := a.region
	boundary := a.boundary
	for {
		region, ok := regionFn(idx)
		if !ok {
			break
		}
		if !isUsableFn(region) {
			idx++
			continue
		}

		regionEnd := region.Begin + region.Size
		begin := boundary
		if begin == 0 || begin < region.Begin {
			begin = region.Begin
		}
		if begin < regionEnd {
			ranges = append(ranges, Range{Begin: begin, End: regionEnd})
		}

		idx++
		boundary = 0
	}

	return ranges
}

// zeroFrame clears frame's contents through the shared mapping window.
func zeroFrame(frame pmm.Frame) {
	window := vmm.MappingWindow()
	addr := mapUnsafeFn(window, frame)
	mem.Memset(addr, 0, mem.PageSize)
	unmapUnsafeFn(window)
}
