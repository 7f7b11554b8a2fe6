// +build amd64

package vmm

const (
	// pageLevels indicates the number of page-table levels on this
	// architecture: PML4, PDPT, PD and PT.
	pageLevels = 4

	// recursiveEntry is the fixed page-table index whose slot at the
	// top-most level (PML4) points back at the PML4 itself, enabling
	// software to read and write every page-table page at every level
	// through ordinary virtual addressing. The value 256 (octal 0400) is
	// deliberately chosen so that it alone sets bit 47 of the resulting
	// virtual address, placing the entire recursively-addressed region
	// inside the canonical negative (high) half once that bit is
	// sign-extended across bits 48-63 (see canonicalize).
	recursiveEntry = 256

	// ptePhysPageMask extracts the physical frame address (bits 12-51)
	// encoded in a page table entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)
)

var (
	// pageLevelBits is the number of virtual-address bits consumed by
	// each page-table level; 9 bits select one of 512 entries.
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts is the bit offset of each page-table level's index
	// field within a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

	// pdtVirtualAddr is the virtual address obtained by setting every
	// level's index field to recursiveEntry. Walking it resolves, level
	// after level, back onto the PML4 itself: the canonical address of
	// the top-level page table.
	pdtVirtualAddr = canonicalize(
		uintptr(recursiveEntry)<<pageLevelShifts[0] |
			uintptr(recursiveEntry)<<pageLevelShifts[1] |
			uintptr(recursiveEntry)<<pageLevelShifts[2] |
			uintptr(recursiveEntry)<<pageLevelShifts[3],
	)

	// mappingWindowAddr is the single reserved virtual page used as a
	// temporary view into arbitrary physical pages (the "mapping
	// window" shared by the bootstrap and buddy allocators). Its PML4
	// entry (recursiveEntry-1) is a regular, non-recursive slot backed
	// by a dedicated three-page table chain populated once at early
	// boot, before any Go code runs; only its leaf PTE is ever mapped or
	// unmapped at runtime.
	mappingWindowAddr = canonicalize(
		uintptr(recursiveEntry-1)<<pageLevelShifts[0] |
			uintptr(recursiveEntry)<<pageLevelShifts[1] |
			uintptr(recursiveEntry)<<pageLevelShifts[2] |
			uintptr(recursiveEntry)<<pageLevelShifts[3],
	)
)

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code may access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage marks a 2MB/1GB page instead of a 4KB one.
	FlagHugePage

	// FlagGlobal prevents the TLB from dropping this entry on a CR3 switch.
	FlagGlobal

	// FlagCopyOnWrite is reserved for a future copy-on-write implementation;
	// this module never sets it (no demand paging, no user-mode tasks).
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute marks a page as containing non-executable data.
	FlagNoExecute = 1 << 63
)

// canonicalize sign-extends bit 47 of addr across bits 48-63, turning a
// 48-bit address into its canonical 64-bit form.
func canonicalize(addr uintptr) uintptr {
	const signBit = uintptr(1) << 47
	if addr&signBit != 0 {
		return addr | ^uintptr(0)<<48
	}
	return addr &^ (^uintptr(0) << 48)
}
