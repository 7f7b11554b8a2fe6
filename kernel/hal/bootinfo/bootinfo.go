// Package bootinfo decodes the loader data blob that the platform entry
// point hands to the kernel before any heap is available. The blob is a
// flat array of (type, value) pairs; the first pair's value carries the
// total entry count and one subsequent entry of type MemoryMap points at
// the physical memory map descriptor produced by the boot loader.
package bootinfo

import "unsafe"

type ldrDataType uint64

const (
	// ldrDataTypeCount is a pseudo type used by the first entry of the
	// loader data array; its value field carries the total entry count.
	ldrDataTypeCount ldrDataType = iota

	// TypeMemoryMap identifies the entry whose value points to the
	// MemoryMap descriptor.
	TypeMemoryMap
)

// EntryType classifies a MemoryMap region.
type EntryType uint32

const (
	// Reserved marks memory that must never be handed out by an allocator.
	Reserved EntryType = iota

	// AvailableMemory marks memory usable as general-purpose RAM, subject
	// to the region's Flags also indicating availability.
	AvailableMemory
)

// ldrData mirrors a single (type, value) pair as produced by the platform
// entry point.
type ldrData struct {
	typ   ldrDataType
	value uint64
}

// MemoryMapEntry describes a single physical memory region as reported by
// the boot loader.
type MemoryMapEntry struct {
	Begin uint64
	Size  uint64
	Type  EntryType
	Flags uint32
}

// memoryMap mirrors the on-disk MemoryMap descriptor: a pointer to the
// entries array, their count, and the first physical address not already
// consumed by the loader.
type memoryMap struct {
	entries           uintptr
	count             uint64
	allocatedBoundary uint64
}

var ldrDataPtr uintptr

// SetLoaderDataPtr records the physical (identity-mapped) address of the
// loader data array. It must be called once, before any other function in
// this package is used.
func SetLoaderDataPtr(ptr uintptr) {
	ldrDataPtr = ptr
}

// entries returns the loader data array and its length, as encoded by the
// first entry's value field.
func entries() ([]ldrData, bool) {
	if ldrDataPtr == 0 {
		return nil, false
	}

	first := (*ldrData)(unsafe.Pointer(ldrDataPtr))
	count := first.value
	if count == 0 {
		return nil, false
	}

	hdr := struct {
		data uintptr
		len  int
		cap  int
	}{ldrDataPtr, int(count), int(count)}

	return *(*[]ldrData)(unsafe.Pointer(&hdr)), true
}

// findMemoryMap locates the MemoryMap descriptor inside the loader data
// array, or returns nil if the loader never supplied one.
func findMemoryMap() *memoryMap {
	all, ok := entries()
	if !ok {
		return nil
	}

	for i := 1; i < len(all); i++ {
		if all[i].typ == TypeMemoryMap {
			return (*memoryMap)(unsafe.Pointer(uintptr(all[i].value)))
		}
	}
	return nil
}

// AllocatedBoundary returns the first physical address within the initial
// available region that the loader has not already consumed, or zero if no
// memory map is present.
func AllocatedBoundary() uint64 {
	mm := findMemoryMap()
	if mm == nil {
		return 0
	}
	return mm.allocatedBoundary
}

// Region returns the memory map entry at the given index together with
// whether the index was in range.
func Region(index int) (MemoryMapEntry, bool) {
	mm := findMemoryMap()
	if mm == nil || index < 0 || uint64(index) >= mm.count {
		return MemoryMapEntry{}, false
	}

	regions := rawRegions(mm)
	return regions[index], true
}

// RegionCount returns the number of memory map entries, or zero if the
// loader never supplied a memory map.
func RegionCount() int {
	mm := findMemoryMap()
	if mm == nil {
		return 0
	}
	return int(mm.count)
}

// IsUsable reports whether a memory map entry describes RAM that the
// allocators are permitted to hand out: it must be flagged as available
// memory and its low 4 flag bits must equal 1.
func IsUsable(e MemoryMapEntry) bool {
	return e.Type == AvailableMemory && (e.Flags&0xF) == 1
}

// RegionVisitor is invoked once per memory map entry; returning false stops
// the scan early.
type RegionVisitor func(entry *MemoryMapEntry) bool

// VisitRegions invokes visitor for every entry in the loader-supplied
// memory map, in order, until the visitor returns false or the map is
// exhausted.
func VisitRegions(visitor RegionVisitor) {
	mm := findMemoryMap()
	if mm == nil {
		return
	}

	regions := rawRegions(mm)
	for i := range regions {
		if !visitor(&regions[i]) {
			return
		}
	}
}

func rawRegions(mm *memoryMap) []MemoryMapEntry {
	hdr := struct {
		data uintptr
		len  int
		cap  int
	}{mm.entries, int(mm.count), int(mm.count)}

	return *(*[]MemoryMapEntry)(unsafe.Pointer(&hdr))
}
