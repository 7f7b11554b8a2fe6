package vrange

import (
	"testing"
	"unsafe"

	"nucleusmem/kernel"
	"nucleusmem/kernel/mem"
	"nucleusmem/kernel/mem/pmm"
	"nucleusmem/kernel/mem/vmm"
)

// fakeFrameAllocator stands in for the buddy allocator: it hands out
// monotonically increasing frame numbers and records every frame freed.
type fakeFrameAllocator struct {
	nextFrame pmm.Frame
	freed     []pmm.Frame
}

func (a *fakeFrameAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	f := a.nextFrame
	a.nextFrame++
	return f, nil
}

func (a *fakeFrameAllocator) FreeFrame(f pmm.Frame) *kernel.Error {
	a.freed = append(a.freed, f)
	return nil
}

// withFakeMapping reduces mapWithAllocFn to just consuming frames from
// dataAlloc: the slab page the allocator writes its node records into is
// always carved out of a host-backed test arena, which is already real,
// writable memory, so nothing needs to be mapped for the write itself to
// succeed.
func withFakeMapping(t *testing.T) {
	t.Helper()
	orig := mapWithAllocFn
	mapWithAllocFn = func(begin vmm.Page, pageCount int, flags vmm.PageTableEntryFlag, dataAlloc, ptAlloc vmm.FrameAllocator) *kernel.Error {
		for i := 0; i < pageCount; i++ {
			if _, err := dataAlloc.AllocFrame(); err != nil {
				return err
			}
		}
		return nil
	}
	t.Cleanup(func() { mapWithAllocFn = orig })
}

// testArena is a host-backed buffer large enough to host every range a test
// seeds, with a page-aligned base so the allocator's own page-rounding
// never shifts the addresses a test reasons about.
type testArena struct {
	buf  [32 * int(mem.PageSize)]byte
	base uintptr
}

func newTestArena() *testArena {
	a := &testArena{}
	a.base = pageRoundUp(uintptr(unsafe.Pointer(&a.buf[0])))
	return a
}

func (a *testArena) page(n int) uintptr {
	return a.base + uintptr(n)*uintptr(mem.PageSize)
}

func newTestAllocator(t *testing.T) (*Allocator, *testArena, *fakeFrameAllocator) {
	t.Helper()
	withFakeMapping(t)
	phys := &fakeFrameAllocator{nextFrame: 500}
	arena := newTestArena()
	return New(phys, phys), arena, phys
}

func TestSeedConsumesFirstPageForSlabStorage(t *testing.T) {
	a, arena, phys := newTestAllocator(t)

	if err := a.Seed(arena.page(0), arena.page(4)); err != nil {
		t.Fatalf("expected Seed to succeed; got %v", err)
	}

	if phys.nextFrame != 501 {
		t.Fatalf("expected exactly one frame consumed for slab storage; nextFrame=%d", phys.nextFrame)
	}

	root := a.addrTree.Root()
	if root == nil {
		t.Fatal("expected a single free range after seeding")
	}
	if root.address != arena.page(1) {
		t.Fatalf("expected free range to start at page 1 (page 0 consumed by the slab); got %x", root.address)
	}
	if root.size != 3*uintptr(mem.PageSize) {
		t.Fatalf("expected free range size of 3 pages; got %d", root.size)
	}
}

func TestAcquireRangeExactMatchRecyclesNode(t *testing.T) {
	a, arena, _ := newTestAllocator(t)
	if err := a.Seed(arena.page(0), arena.page(4)); err != nil {
		t.Fatalf("setup: Seed failed: %v", err)
	}

	r, err := a.AcquireRange(3 * uintptr(mem.PageSize))
	if err != nil {
		t.Fatalf("expected AcquireRange to succeed; got %v", err)
	}
	if r.Begin != arena.page(1) || r.End != arena.page(4) {
		t.Fatalf("expected exact-match range [%x,%x); got [%x,%x)", arena.page(1), arena.page(4), r.Begin, r.End)
	}
	if !a.addrTree.Empty() || !a.sizeTree.Empty() {
		t.Fatal("expected both trees empty after acquiring the only free range exactly")
	}
	if a.slabPool.Empty() {
		t.Fatal("expected the recycled node to have rejoined the slab pool")
	}
}

func TestAcquireRangeCarvesFromFrontOfLargerRange(t *testing.T) {
	a, arena, _ := newTestAllocator(t)
	if err := a.Seed(arena.page(0), arena.page(6)); err != nil {
		t.Fatalf("setup: Seed failed: %v", err)
	}

	r, err := a.AcquireRange(2 * uintptr(mem.PageSize))
	if err != nil {
		t.Fatalf("expected AcquireRange to succeed; got %v", err)
	}
	if r.Begin != arena.page(1) || r.End != arena.page(3) {
		t.Fatalf("expected carved range [%x,%x); got [%x,%x)", arena.page(1), arena.page(3), r.Begin, r.End)
	}

	remaining := a.addrTree.Root()
	if remaining == nil {
		t.Fatal("expected the remainder to still be tracked")
	}
	if remaining.address != arena.page(3) {
		t.Fatalf("expected remainder to start where the carve ended (%x); got %x", arena.page(3), remaining.address)
	}
	if remaining.size != 3*uintptr(mem.PageSize) {
		t.Fatalf("expected remainder size of 3 pages; got %d", remaining.size)
	}
}

func TestAcquireRangeReturnsErrOutOfRangeWhenNothingFits(t *testing.T) {
	a, arena, _ := newTestAllocator(t)
	if err := a.Seed(arena.page(0), arena.page(2)); err != nil {
		t.Fatalf("setup: Seed failed: %v", err)
	}

	if _, err := a.AcquireRange(4 * uintptr(mem.PageSize)); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange; got %v", err)
	}
}

func TestReleaseRangeFullyCoalescesAfterThreeAcquiresAndReleases(t *testing.T) {
	a, arena, _ := newTestAllocator(t)
	if err := a.Seed(arena.page(0), arena.page(10)); err != nil {
		t.Fatalf("setup: Seed failed: %v", err)
	}
	// Page 0 went to the slab; pages 1..9 (9 pages) are free.

	rA, err := a.AcquireRange(uintptr(mem.PageSize))
	if err != nil {
		t.Fatalf("acquire A: %v", err)
	}
	rB, err := a.AcquireRange(uintptr(mem.PageSize))
	if err != nil {
		t.Fatalf("acquire B: %v", err)
	}
	rC, err := a.AcquireRange(uintptr(mem.PageSize))
	if err != nil {
		t.Fatalf("acquire C: %v", err)
	}

	if rA.Begin != arena.page(1) || rB.Begin != arena.page(2) || rC.Begin != arena.page(3) {
		t.Fatalf("unexpected carve order: A=%x B=%x C=%x", rA.Begin, rB.Begin, rC.Begin)
	}

	if err := a.ReleaseRange(rB.Begin, rB.End); err != nil {
		t.Fatalf("release B: %v", err)
	}
	if err := a.ReleaseRange(rA.Begin, rA.End); err != nil {
		t.Fatalf("release A: %v", err)
	}
	if err := a.ReleaseRange(rC.Begin, rC.End); err != nil {
		t.Fatalf("release C: %v", err)
	}

	root := a.addrTree.Root()
	if root == nil {
		t.Fatal("expected a single fully coalesced free range")
	}
	if root.addrLeft != nil || root.addrRight != nil {
		t.Fatal("expected exactly one node in the address tree after full coalescing")
	}
	if root.address != arena.page(1) {
		t.Fatalf("expected coalesced range to start at page 1; got %x", root.address)
	}
	if root.size != 9*uintptr(mem.PageSize) {
		t.Fatalf("expected coalesced range to cover all 9 released pages; got size %d", root.size)
	}

	// The size tree must have shrunk to the same single surviving node: a
	// node dropped from addrTree without a matching sizeTree.Remove would
	// leave sizeTree's shape corrupted even though addrTree looks correct.
	sizeRoot := a.sizeTree.Root()
	if sizeRoot == nil {
		t.Fatal("expected a single node in the size tree after full coalescing")
	}
	if sizeRoot != root {
		t.Fatalf("expected the size tree's surviving node to be the same node as the address tree's; addr=%p size=%p", root, sizeRoot)
	}
	if sizeRoot.sizeLeft != nil || sizeRoot.sizeRight != nil {
		t.Fatal("expected exactly one node in the size tree after full coalescing")
	}

	// A subsequent acquire of the whole coalesced range must still succeed
	// and must itself fully empty both trees, which is only possible if
	// sizeTree's structure was kept consistent throughout the releases
	// above.
	whole, err := a.AcquireRange(9 * uintptr(mem.PageSize))
	if err != nil {
		t.Fatalf("expected AcquireRange of the fully coalesced range to succeed; got %v", err)
	}
	if whole.Begin != arena.page(1) || whole.End != arena.page(10) {
		t.Fatalf("expected acquired range [%x,%x); got [%x,%x)", arena.page(1), arena.page(10), whole.Begin, whole.End)
	}
	if !a.addrTree.Empty() || !a.sizeTree.Empty() {
		t.Fatal("expected both trees empty after acquiring the fully coalesced range")
	}
}
