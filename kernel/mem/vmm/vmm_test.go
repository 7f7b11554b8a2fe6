package vmm

import "testing"

func TestInit(t *testing.T) {
	if err := Init(); err != nil {
		t.Fatalf("expected Init to succeed; got %v", err)
	}
	if !initialized {
		t.Fatal("expected initialized to be set to true")
	}
}

func TestMappingWindow(t *testing.T) {
	if got := MappingWindow().Address(); got != mappingWindowAddr {
		t.Fatalf("expected MappingWindow address to be %x; got %x", mappingWindowAddr, got)
	}
}
