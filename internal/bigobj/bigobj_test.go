package bigobj

import (
	"testing"
	"unsafe"

	"github.com/neptune-rt/neptune/internal/header"
	"github.com/neptune-rt/neptune/internal/pool"
)

func TestAllocHeaderIsCacheLineAligned(t *testing.T) {
	l := NewList()
	for i := 0; i < 8; i++ {
		ref := l.Alloc(uintptr(i*17), header.TypeID(i))
		addr := uintptr(unsafe.Pointer(header.HeaderOf(ref)))
		if addr%cacheLine != 0 {
			t.Fatalf("header at %#x is not %d-byte aligned", addr, cacheLine)
		}
	}
}

func TestAllocAboveSizeClassBigAllocates(t *testing.T) {
	l := NewList()
	ref := l.Alloc(pool.GCMaxSizeClass+1, 1)
	if ref == 0 {
		t.Fatal("Alloc returned a nil ref")
	}
	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", l.Len())
	}
}

func TestZeroSizeObjectIsDistinguishable(t *testing.T) {
	l := NewList()
	a := l.Alloc(0, 1)
	b := l.Alloc(0, 2)
	if a == b {
		t.Fatalf("two zero-size objects must still have distinct identity (B1)")
	}
	if header.HeaderOf(a).Type() != 1 || header.HeaderOf(b).Type() != 2 {
		t.Fatalf("zero-size object headers were not preserved")
	}
}

func TestSweepReleasesOnlyRequested(t *testing.T) {
	l := NewList()
	keep := l.Alloc(1024, 1)
	drop := l.Alloc(2048, 2)
	_ = drop

	l.Sweep(func(hdr *header.Header, size uintptr) bool {
		return hdr.Type() == 2
	})

	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after sweeping one of two entries", l.Len())
	}

	found := false
	l.Sweep(func(hdr *header.Header, size uintptr) bool {
		found = found || (hdr.Type() == 1)
		return false
	})
	if !found {
		t.Fatalf("kept entry (type 1) went missing after sweep")
	}
	_ = keep
}

func TestMergeCombinesLists(t *testing.T) {
	a := NewList()
	b := NewList()
	a.Alloc(64, 1)
	b.Alloc(128, 2)
	b.Alloc(256, 3)

	a.Merge(b)

	if a.Len() != 3 {
		t.Fatalf("Len() after merge = %d, want 3", a.Len())
	}
	if b.Len() != 0 {
		t.Fatalf("source list Len() after merge = %d, want 0", b.Len())
	}
}
