// Package pmm contains the shared physical-frame type used by both physical
// page allocators (bootalloc and buddy) and by the page mapper.
package pmm

import (
	"math"

	"nucleusmem/kernel/mem"
)

// Frame describes a physical memory page index. Multiplying a Frame by
// mem.PageSize yields the physical address of the page it identifies.
type Frame uint64

// InvalidFrame is returned by page allocators when they fail to reserve the
// requested frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is not the sentinel InvalidFrame value.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FrameForAddress returns the Frame containing the given physical address.
func FrameForAddress(addr uintptr) Frame {
	return Frame(addr >> mem.PageShift)
}
