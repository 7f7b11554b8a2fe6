package vmm

import "nucleusmem/kernel/mem"

// flushTLBEntry flushes a TLB entry for a particular virtual address.
func flushTLBEntry(virtAddr uintptr)

// switchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func switchPDT(pdtPhysAddr uintptr)

// activePDT returns the physical address of the currently active page table.
func activePDT() uintptr

// flushTLBEntryFn is overridden by tests; calling the real implementation
// outside ring 0 faults.
var flushTLBEntryFn = flushTLBEntry

// invalidate flushes the TLB entry for addr and, if addr itself identifies a
// page-table page reached through the recursive mapping, cascades the
// invalidation: the PTE that maps such a page is also a directory entry for
// the region that page-table page describes, so addr's index fields are
// shifted up by one level (its entry index multiplied by the number of
// entries per table) and the resulting address is flushed too, once per
// level of recursive indirection addr carried.
func invalidate(addr uintptr) {
	flushTLBEntryFn(addr)

	for depth := recursiveDepth(addr); depth > 0; depth-- {
		addr = canonicalize((addr &^ uintptr(mem.PageSize-1)) << pageLevelBits[0])
		flushTLBEntryFn(addr)
	}
}

// recursiveDepth reports how many of addr's leading index fields equal
// recursiveEntry, i.e. how many extra levels of recursive indirection were
// used to reach it. A depth of zero means addr is ordinary data; a depth
// greater than zero means addr names a page-table page.
func recursiveDepth(addr uintptr) int {
	depth := 0
	for level := 0; level < pageLevels; level++ {
		idx := (addr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		if idx != recursiveEntry {
			break
		}
		depth++
	}
	return depth
}
