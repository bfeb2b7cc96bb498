package mallocarr

import (
	"testing"

	"github.com/neptune-rt/neptune/internal/header"
	"github.com/neptune-rt/neptune/internal/page"
	"github.com/neptune-rt/neptune/internal/pool"
)

func TestSweepReleasesOnlyDeadOwners(t *testing.T) {
	l := NewList()

	p := pool.New(page.NewManager(), 1)
	class, _, _ := pool.ClassOf(32)
	live := p.Alloc(class, 1)
	dead := p.Alloc(class, 1)
	header.HeaderOf(live).TrySetMark(header.Clean, header.Marked)
	// dead stays Clean.

	l.Register(live, make([]byte, 64))
	l.Register(dead, make([]byte, 128))

	freed := l.Sweep(func(owner header.Ref) bool {
		return header.HeaderOf(owner).State() == header.Clean
	})

	if freed != 128 {
		t.Fatalf("freed = %d, want 128", freed)
	}
	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after sweeping the dead owner's array", l.Len())
	}
}

func TestMergeCombinesLists(t *testing.T) {
	a := NewList()
	b := NewList()
	p := pool.New(page.NewManager(), 1)
	class, _, _ := pool.ClassOf(32)
	owner := p.Alloc(class, 1)

	a.Register(owner, make([]byte, 16))
	b.Register(owner, make([]byte, 32))
	b.Register(owner, make([]byte, 48))

	a.Merge(b)

	if a.Len() != 3 {
		t.Fatalf("Len() after merge = %d, want 3", a.Len())
	}
	if b.Len() != 0 {
		t.Fatalf("source list Len() after merge = %d, want 0", b.Len())
	}
}
