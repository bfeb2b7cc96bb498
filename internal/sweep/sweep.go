// Package sweep implements the single-threaded sweep engine: component G
// of spec.md §4.G. Sweep is deliberately not parallelized - per spec.md,
// multi-threaded sweep regressed on memory-bandwidth contention, cache
// dirtying, and atomic-op density in the corpus this was distilled from,
// so sweep always runs on the driver's own goroutine.
package sweep

import (
	"github.com/neptune-rt/neptune/internal/bigobj"
	"github.com/neptune-rt/neptune/internal/header"
	"github.com/neptune-rt/neptune/internal/mallocarr"
	"github.com/neptune-rt/neptune/internal/mark"
	"github.com/neptune-rt/neptune/internal/pool"
)

// Kind selects quick (young-generation only) or full (whole-heap) sweep.
type Kind int

const (
	Quick Kind = iota
	Full
)

// Config tunes sweep behavior. LazyFreedPages names the heuristic of
// deferring the return of emptied pages to the region manager; it
// defaults off (see DESIGN.md for the Open Question decision). Nothing in
// this module reads it: SweepPool and pool.SweepClass always return an
// emptied page to the region manager during the same sweep.
type Config struct {
	LazyFreedPages bool
}

// nextState is the pure per-object state-diagram transition from spec.md
// §4.G, factored out of the page/big-object walkers below so the one
// source of truth for "what happens to this mark state on this kind of
// sweep" is testable in isolation from any allocator.
//
//	new            -> Clean
//	Clean, unmarked -> reclaim
//	Marked, age not set -> Clean, age set
//	Marked, age set     -> Old, age set
//	Old, unmarked, full sweep    -> reclaim
//	Old, unmarked, quick sweep   -> untouched (Old, left alone)
//	OldMarked, full sweep  -> Old
//	OldMarked, quick sweep -> OldMarked (untouched)
func nextState(state header.MarkState, age bool, kind Kind) (next header.MarkState, nextAge bool, reclaim bool) {
	switch state {
	case header.Clean:
		return header.Clean, false, true
	case header.Marked:
		if age {
			return header.Old, true, false
		}
		return header.Clean, true, false
	case header.Old:
		if kind == Full {
			return header.Old, age, true
		}
		return header.Old, age, false
	case header.OldMarked:
		if kind == Full {
			return header.Old, age, false
		}
		return header.OldMarked, age, false
	default:
		return state, age, false
	}
}

// SweepPool runs the per-class pool sweep (phase 5) over every size class
// of p, using nextState to classify and demote each slot's header.
func SweepPool(p *pool.Pool, kind Kind) {
	for class := 0; class < pool.NumSizeClasses; class++ {
		class := class
		p.SweepClass(class, func(hdr *header.Header) bool {
			next, nextAge, reclaim := nextState(hdr.State(), hdr.Age(), kind)
			if reclaim {
				return true
			}
			hdr.SetState(next)
			hdr.SetAge(nextAge)
			return false
		})
	}
}

// SweepBigObjects runs phase 4 over global and walks a single list (the
// caller merges per-thread lists into the global list before this runs,
// per spec.md §5's "per-thread write, global merged under a lock once per
// cycle", handled by the driver via bigobj.List.Merge).
func SweepBigObjects(l *bigobj.List, kind Kind) {
	l.Sweep(func(hdr *header.Header, _ uintptr) bool {
		next, nextAge, reclaim := nextState(hdr.State(), hdr.Age(), kind)
		if reclaim {
			return true
		}
		hdr.SetState(next)
		hdr.SetAge(nextAge)
		return false
	})
}

// SweepMallocArrays runs phase 3: for every managed-external-malloc array
// tracked in l, if its owning object did not survive this cycle, the array
// is released and its bytes counted toward the returned total. l is the
// post-merge global list, mirroring SweepBigObjects's "per-thread write,
// global merged under a lock once per cycle" handling.
func SweepMallocArrays(l *mallocarr.List) (freedBytes uint64) {
	return l.Sweep(func(owner header.Ref) bool {
		switch header.HeaderOf(owner).State() {
		case header.Marked, header.Old, header.OldMarked:
			return false
		default:
			return true
		}
	})
}

// WeakRef is a nullable reference a host registers for sweep-time
// liveness resolution. Weak refs are never traced during marking (spec.md
// §4.E: "Weak references are never traced"); they're only resolved here,
// in phase 2.
type WeakRef struct {
	Referent header.Ref
}

// Resolved reports whether the weak ref's referent is still live. A dead
// referent is reported as such exactly once; callers should null their own
// storage for Referent after Resolved returns false, mirroring
// set_typeof-adjacent patterns where the collector reports state and the
// host owns the actual storage word.
func (w *WeakRef) Resolved() (ref header.Ref, live bool) {
	if w.Referent == 0 {
		return 0, false
	}
	switch header.HeaderOf(w.Referent).State() {
	case header.Marked, header.Old, header.OldMarked:
		return w.Referent, true
	default:
		return 0, false
	}
}

// SweepWeakRefs runs phase 2: for every entry in refs whose referent is
// unmarked, the reference is nulled in place. B4 (a weak ref to a
// finalizer-list-marked object) is naturally handled here because §4.E
// already marked that object before sweep runs, so Resolved reports it
// live for this cycle and dead the next, once the finalizer has run and
// the object is no longer kept alive.
func SweepWeakRefs(refs []*WeakRef) {
	for _, w := range refs {
		if _, live := w.Resolved(); !live {
			w.Referent = 0
		}
	}
}

// SweepFinalizers runs phase 1: finalizerListMarked entries (objects
// §4.E's ReviveFinalizers already promoted to live-this-cycle-only) are
// scheduled to run; anything still in the raw finalizers list whose
// object died without ever being revived is simply dropped, since it was
// never reachable this cycle and so never needed its finalizer run.
func SweepFinalizers(finalizerListMarked []mark.FinalizerEntry, rawFinalizers []mark.FinalizerEntry) (toRun []mark.FinalizerEntry, surviving []mark.FinalizerEntry) {
	toRun = append(toRun, finalizerListMarked...)

	for _, e := range rawFinalizers {
		switch header.HeaderOf(e.Object).State() {
		case header.Marked, header.Old, header.OldMarked:
			surviving = append(surviving, e)
		}
	}
	return toRun, surviving
}
