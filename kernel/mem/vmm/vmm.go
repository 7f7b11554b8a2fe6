// Package vmm implements the page mapper: it reads, writes and walks the
// four-level hardware page tables through a fixed self-referential
// ("recursive") mapping, transparently allocating intermediate page-table
// pages on demand and reclaiming them on unmap.
package vmm

import (
	"nucleusmem/kernel"
)

var initialized bool

// Init records that the recursive self-mapping is in place. The hardware
// mapping itself is established by the platform entry point before any Go
// code runs; Init exists so that higher layers have an explicit point to
// call before relying on MappingWindow, MapUnsafe or MapWithAlloc.
func Init() *kernel.Error {
	initialized = true
	return nil
}

// MappingWindow returns the single reserved virtual page shared by the
// bootstrap and buddy allocators for temporary access to physical pages
// that are not otherwise mapped. Callers must restore it to the unmapped
// state (via UnmapUnsafe) before returning, since the window is a single
// shared critical section.
func MappingWindow() Page {
	return PageFromAddress(mappingWindowAddr)
}
