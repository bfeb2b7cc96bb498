package mark

import (
	"sync/atomic"

	"github.com/neptune-rt/neptune/internal/header"
)

// treiberNode is one entry on the lock-free overflow mark stack. The
// Design Notes section of spec.md calls the Treiber-stack shape for this
// particular stack load-bearing (any equivalent MPMC lock-free LIFO works,
// but it must not take a lock, since every mark worker pushes to and pops
// from it on the hot path).
type treiberNode struct {
	ref  header.Ref
	next *treiberNode
}

// TreiberStack is a lock-free, CAS-based LIFO of deferred mark-depth
// overflow objects, shared by every worker in a collection cycle.
type TreiberStack struct {
	top atomic.Pointer[treiberNode]
}

// Push adds ref to the stack. Safe for concurrent use by any number of
// workers.
func (s *TreiberStack) Push(ref header.Ref) {
	n := &treiberNode{ref: ref}
	for {
		old := s.top.Load()
		n.next = old
		if s.top.CompareAndSwap(old, n) {
			return
		}
	}
}

// Pop removes and returns the most recently pushed ref, or (0, false) if
// the stack was empty at the moment of the attempt.
func (s *TreiberStack) Pop() (header.Ref, bool) {
	for {
		old := s.top.Load()
		if old == nil {
			return 0, false
		}
		if s.top.CompareAndSwap(old, old.next) {
			return old.ref, true
		}
	}
}

// Empty reports whether the stack currently has no entries. Like any
// lock-free stack, this is a snapshot - a concurrent Push can make it stale
// the instant it returns, which is why Engine.VisitMarkStack re-checks after
// every worker-pool synchronization point rather than trusting a single Empty
// call (spec.md §4.E: "this repeats until steady-state emptiness").
func (s *TreiberStack) Empty() bool {
	return s.top.Load() == nil
}
