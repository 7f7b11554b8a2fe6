package vmm

import (
	"nucleusmem/kernel"
	"nucleusmem/kernel/mem"
	"nucleusmem/kernel/mem/pmm"
)

// FrameAllocator is the narrow capability this package requires to obtain
// and release physical page frames. bootalloc.Allocator and buddy.Allocator
// both satisfy it; MapWithAlloc/UnmapWithAlloc take one for leaf data pages
// and one for intermediate page-table pages, since early boot code sources
// both kinds from the bootstrap allocator while steady-state code sources
// them from the buddy.
type FrameAllocator interface {
	AllocFrame() (pmm.Frame, *kernel.Error)
	FreeFrame(pmm.Frame) *kernel.Error
}

var (
	errOutOfPageTables = &kernel.Error{Module: "vmm", Message: "out of physical frames for page table pages"}
)

// MapUnsafe writes a present, writable leaf PTE for the page-aligned
// address v pointing at physical frame p, invalidates the corresponding TLB
// entry, and returns v's virtual address. Every level above the leaf must
// already be present; this is used only by the mapping window, whose parent
// directories are guaranteed present by construction.
func MapUnsafe(v Page, p pmm.Frame) uintptr {
	walk(v.Address(), func(level uint8, pte *pageTableEntry) bool {
		if level != pageLevels-1 {
			return true
		}
		*pte = 0
		pte.SetFrame(p)
		pte.SetFlags(FlagPresent | FlagRW)
		return true
	})

	invalidate(v.Address())
	return v.Address()
}

// UnmapUnsafe clears the leaf PTE for v, invalidates it, and returns the
// physical address it used to point at.
func UnmapUnsafe(v Page) uintptr {
	var old uintptr

	walk(v.Address(), func(level uint8, pte *pageTableEntry) bool {
		if level != pageLevels-1 {
			return true
		}
		old = pte.Frame().Address()
		pte.ClearFlags(FlagPresent)
		return true
	})

	invalidate(v.Address())
	return old
}

// allocated records one PTE written during a MapWithAlloc call, the frame it
// was pointed at, and the allocator that frame must be returned to if the
// overall operation fails. leafAddr is non-zero only for leaf entries, where
// it gives the virtual address whose TLB entry must be flushed on unwind.
type allocated struct {
	frame    pmm.Frame
	via      FrameAllocator
	pte      *pageTableEntry
	leafAddr uintptr
}

// MapWithAlloc ensures that every leaf PTE covering [begin, begin+pageCount)
// is present, allocating intermediate page-table pages from ptAlloc and leaf
// data pages from dataAlloc as needed. Directory population proceeds
// top-down (level 0 before level pageLevels-2) so that a hardware walk never
// observes a present entry pointing at an as-yet-uninitialised subtree; leaf
// population follows. If any allocation fails the operation unwinds
// completely: every PTE it installed — including any intermediate
// directory entries written during the very page whose leaf allocation
// failed — is cleared, in the reverse of the order it was installed, and
// every frame obtained is returned to the allocator it came from, leaving
// the page tables bit-identical to their state before the call.
func MapWithAlloc(begin Page, pageCount int, flags PageTableEntryFlag, dataAlloc, ptAlloc FrameAllocator) *kernel.Error {
	var obtained []allocated

	rollback := func() {
		for i := len(obtained) - 1; i >= 0; i-- {
			o := obtained[i]
			*o.pte = 0
			if o.leafAddr != 0 {
				invalidate(o.leafAddr)
			}
			o.via.FreeFrame(o.frame)
		}
	}

	for pageIdx := 0; pageIdx < pageCount; pageIdx++ {
		page := begin + Page(pageIdx)
		var pageErr *kernel.Error

		walk(page.Address(), func(level uint8, pte *pageTableEntry) bool {
			if level == pageLevels-1 {
				frame, err := dataAlloc.AllocFrame()
				if err != nil {
					pageErr = err
					return false
				}
				obtained = append(obtained, allocated{frame, dataAlloc, pte, page.Address()})

				*pte = 0
				pte.SetFrame(frame)
				pte.SetFlags(FlagPresent | flags)
				invalidate(page.Address())
				return true
			}

			if pte.HasFlags(FlagPresent) {
				return true
			}

			frame, err := ptAlloc.AllocFrame()
			if err != nil {
				pageErr = errOutOfPageTables
				return false
			}
			obtained = append(obtained, allocated{frame, ptAlloc, pte, 0})

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | FlagRW)

			// The table just installed becomes reachable at the next
			// recursive depth; clear it before any entry inside it is
			// written.
			childTableAddr := childTableAddress(page.Address(), level)
			for i := 0; i < 1<<pageLevelBits[pageLevels-1]; i++ {
				*(*pageTableEntry)(ptePtrFn(childTableAddr + (uintptr(i) << mem.PointerShift))) = 0
			}

			return true
		})

		if pageErr != nil {
			rollback()
			return pageErr
		}
	}

	return nil
}

// childTableAddress returns the recursively-mapped virtual address of the
// page-table page that was just installed at the given level for virtAddr,
// i.e. one level deeper into the recursive window.
func childTableAddress(virtAddr uintptr, level uint8) uintptr {
	addr := pdtVirtualAddr
	for l := uint8(0); l <= level; l++ {
		idx := (virtAddr >> pageLevelShifts[l]) & ((1 << pageLevelBits[l]) - 1)
		addr = addr + (idx << mem.PointerShift)
		addr <<= pageLevelBits[l]
	}
	return canonicalize(addr)
}

// UnmapWithAlloc clears every leaf PTE covering [begin, begin+pageCount),
// returning each extracted physical address to dataAlloc. It then sweeps
// upward over the unmapped pages plus the one page just before them and the
// two pages just after them: whenever every leaf covered by a directory
// entry on one of those pages' walks is absent, that entry is cleared too
// and its page returned to ptAlloc. The sweep reaches a neighbouring
// directory only where the range starts or ends at that directory's
// boundary; directories lying further from the range are not examined.
func UnmapWithAlloc(begin Page, pageCount int, dataAlloc, ptAlloc FrameAllocator) *kernel.Error {
	for i := 0; i < pageCount; i++ {
		page := begin + Page(i)

		var leafPTE *pageTableEntry
		walk(page.Address(), func(level uint8, pte *pageTableEntry) bool {
			if level == pageLevels-1 {
				leafPTE = pte
			}
			return pte.HasFlags(FlagPresent)
		})

		if leafPTE == nil || !leafPTE.HasFlags(FlagPresent) {
			continue
		}

		frame := leafPTE.Frame()
		leafPTE.ClearFlags(FlagPresent)
		invalidate(page.Address())
		if err := dataAlloc.FreeFrame(frame); err != nil {
			return err
		}
	}

	sweepStart := begin - 1
	sweepEnd := begin + Page(pageCount) + 1
	for page := sweepStart; page <= sweepEnd; page++ {
		reclaimEmptyDirectories(page, ptAlloc)
	}

	return nil
}

// reclaimEmptyDirectories walks the page-table chain for page bottom-up
// (skipping the leaf level) and clears any directory entry whose entire
// subtree of leaves is absent, returning its page to ptAlloc.
func reclaimEmptyDirectories(page Page, ptAlloc FrameAllocator) {
	var entries [pageLevels]*pageTableEntry
	walk(page.Address(), func(level uint8, pte *pageTableEntry) bool {
		entries[level] = pte
		return pte.HasFlags(FlagPresent)
	})

	for level := int(pageLevels) - 2; level >= 0; level-- {
		pte := entries[level]
		if pte == nil || !pte.HasFlags(FlagPresent) {
			continue
		}

		childTableAddr := childTableAddress(page.Address(), uint8(level))
		if !tableIsEmpty(childTableAddr) {
			break
		}

		frame := pte.Frame()
		pte.ClearFlags(FlagPresent)
		invalidate(childTableAddr)
		ptAlloc.FreeFrame(frame)
	}
}

// tableIsEmpty reports whether every entry of the page table at tableAddr
// (reached through the recursive window) is absent.
func tableIsEmpty(tableAddr uintptr) bool {
	entries := (1 << pageLevelBits[pageLevels-1])
	for i := 0; i < entries; i++ {
		pte := (*pageTableEntry)(ptePtrFn(tableAddr + (uintptr(i) << mem.PointerShift)))
		if pte.HasFlags(FlagPresent) {
			return false
		}
	}
	return true
}
