package vmm

import (
	"testing"

	"nucleusmem/kernel/mem/pmm"
)

func TestTranslate(t *testing.T) {
	mem := withFakeMemory(t)
	page := MappingWindow()
	markPresent(mem, page)

	frame := pmm.Frame(7)
	MapUnsafe(page, frame)

	physAddr, err := Translate(page.Address() + 16)
	if err != nil {
		t.Fatalf("expected Translate to succeed; got %v", err)
	}
	if exp := frame.Address() + 16; physAddr != exp {
		t.Fatalf("expected physical address %x; got %x", exp, physAddr)
	}
}

func TestTranslateUnmapped(t *testing.T) {
	withFakeMemory(t)

	if _, err := Translate(0x1234000); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
}
