package vmm

import (
	"unsafe"

	"nucleusmem/kernel/mem"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. Tests
	// override it with a fake backing array so walk() can be exercised
	// without an MMU. When compiling the kernel this is inlined away.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is invoked once per paging level visited by walk, in
// top-to-bottom order (PML4 first, PT last). Returning false aborts the walk.
type pageTableWalker func(level uint8, pte *pageTableEntry) bool

// walk performs a page-table walk for virtAddr using the recursive mapping,
// invoking walkFn with the page table entry at each of the four levels.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
	)

	// tableAddr starts out as the recursively-mapped address of the
	// top-most table (the PML4). Each iteration shifts in one more level
	// of recursive indirection, sign-extending the result back into
	// canonical form, so that, by construction, dereferencing
	// entryAddr at level L always lands inside the table selected by the
	// first L index fields of virtAddr.
	for level, tableAddr = 0, pdtVirtualAddr; level < pageLevels; level, tableAddr = level+1, entryAddr {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mem.PointerShift)

		if !walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr))) {
			return
		}

		entryAddr = canonicalize(entryAddr << pageLevelBits[level])
	}
}
