package kernel

import (
	"unsafe"

	"nucleusmem/kernel/hal"
	"nucleusmem/kernel/hal/bootinfo"
	"nucleusmem/kernel/kfmt/early"
	"nucleusmem/kernel/mem"
	"nucleusmem/kernel/mem/heap"
	"nucleusmem/kernel/mem/pmm/bootalloc"
	"nucleusmem/kernel/mem/pmm/buddy"
	"nucleusmem/kernel/mem/vmm"
	"nucleusmem/kernel/mem/vmm/vrange"
)

// highHalfRangeBegin and highHalfRangeEnd bound the fixed high-half virtual
// region the VMM hands ranges out of, alongside the small-map heap carved
// out of the kernel image by the linker script. Both are canonical negative
// addresses; Go constants cannot hold a negated unsigned value directly, so
// each is expressed as its two's-complement bit-complement instead.
const (
	highHalfRangeBegin = ^uintptr(0x7FF000000000 - 1)
	highHalfRangeEnd   = ^uintptr(0x80000000 - 1)
)

var (
	physAlloc *buddy.Allocator
	smHeap    *vrange.Allocator
	highHeap  *vrange.Allocator
	theHeap   *heap.Heap
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the physical address of the loader data array, plus
// the virtual bounds of the small-map heap region reserved for it by the
// linker script.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(ldrDataPtr, smheapStart, smheapEnd uintptr) {
	bootinfo.SetLoaderDataPtr(ldrDataPtr)

	// Initialize and clear the terminal
	hal.InitTerminal()
	hal.ActiveTerminal.Clear()
	early.Printf("Starting nucleusmem\n")

	if err := vmm.Init(); err != nil {
		Panic(err)
	}

	boot := bootalloc.New()

	alloc, err := buddy.New(totalPhysicalPages(), boot)
	if err != nil {
		Panic(err)
	}
	physAlloc = alloc

	smHeap = vrange.New(physAlloc, physAlloc)
	if err := smHeap.Seed(smheapStart, smheapEnd); err != nil {
		Panic(err)
	}

	highHeap = vrange.New(physAlloc, physAlloc)
	if err := highHeap.Seed(highHalfRangeBegin, highHalfRangeEnd); err != nil {
		Panic(err)
	}

	theHeap = heap.New(smHeap, physAlloc)

	early.Printf("[kmain] allocator core ready\n")

	// Prevent Kmain from returning
	for {
	}
}

// totalPhysicalPages returns the page count of the highest physical address
// reported anywhere in the boot loader's memory map, usable or not: the
// buddy allocator's metadata must cover the whole span even though only the
// usable subranges of it are ever released into its free lists.
func totalPhysicalPages() uint64 {
	var highest uint64
	bootinfo.VisitRegions(func(e *bootinfo.MemoryMapEntry) bool {
		if end := e.Begin + e.Size; end > highest {
			highest = end
		}
		return true
	})
	return mem.Size(highest).Pages()
}

// Allocate reserves size bytes from the small-map heap and returns a
// pointer to the usable region, or zero on failure.
func Allocate(size uintptr) uintptr {
	return uintptr(theHeap.Allocate(size))
}

// Free releases a pointer previously returned by Allocate. A zero pointer
// is a no-op.
func Free(ptr uintptr) {
	theHeap.Free(unsafe.Pointer(ptr))
}

// Reallocate resizes a previously allocated pointer to newSize bytes,
// preserving the lesser of the old and new sizes. A zero pointer behaves as
// a plain Allocate.
func Reallocate(ptr uintptr, newSize uintptr) uintptr {
	return uintptr(theHeap.Reallocate(unsafe.Pointer(ptr), newSize))
}
