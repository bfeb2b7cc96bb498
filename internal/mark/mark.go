// Package mark implements the parallel mark engine: component E of
// spec.md §4.E. Marking fans out over an internal/workpool.Pool, with
// per-worker depth-limited recursion and a single shared Treiber stack
// absorbing whatever overflows MaxMarkDepth.
package mark

import (
	"context"
	"unsafe"

	"github.com/neptune-rt/neptune/internal/barrier"
	"github.com/neptune-rt/neptune/internal/header"
	"github.com/neptune-rt/neptune/internal/workpool"
)

// MaxMarkDepth bounds the recursive scan of any single worker goroutine's
// own Go call stack. Once exceeded, the rest of the subtree is pushed onto
// the shared overflow stack instead of recursing further, per spec.md
// §4.E.
const MaxMarkDepth = 400

// Sizer is an optional extension a host header.TypeDescriptor may
// implement to report an object's exact payload size, letting the engine
// account ScannedBytes precisely instead of approximating with
// header.Size. Types that don't implement it fall back to the approximate
// accounting in scan.
type Sizer interface {
	Size() uintptr
}

// Cache is one worker's private scanning bookkeeping, never touched by any
// other worker and so free of synchronization during a scan.
type Cache struct {
	ScannedBytes     uint64
	PermScannedBytes uint64

	// NewRemset accumulates parent refs discovered, while scanning a
	// just-promoted (OldMarked) object, to point at a still-young child.
	// spec.md §4.E requires these edges be registered proactively rather
	// than left to a future write-barrier store, since the barrier only
	// fires on a subsequent store and the edge already exists in memory.
	NewRemset []header.Ref
}

// Engine coordinates a single collection cycle's marking over a fixed pool
// of workers.
type Engine struct {
	Types header.TypeTable
	Pool  *workpool.Pool

	// Overflow is the shared mark-stack landing spot for work that exceeds
	// MaxMarkDepth on any one worker's goroutine stack. A single shared
	// stack, rather than one per worker, is a deliberate simplification
	// versus thread-local mark stacks: any lock-free MPMC LIFO serves
	// every worker equally, and spec.md never requires stack locality for
	// the overflow path, only that it not take a lock.
	Overflow *TreiberStack

	caches []Cache
}

// NewEngine constructs an Engine for a collection cycle driving marking
// across pool, whose workers are indexed by Worker.ID() in [0, n).
func NewEngine(types header.TypeTable, pool *workpool.Pool, numWorkers int) *Engine {
	return &Engine{
		Types:    types,
		Pool:     pool,
		Overflow: &TreiberStack{},
		caches:   make([]Cache, numWorkers),
	}
}

// Caches returns the per-worker scan caches accumulated so far this cycle,
// indexed by worker id. The driver sums these for heap statistics once
// marking quiesces.
func (e *Engine) Caches() []Cache { return e.caches }

// claim attempts to transition ref's header from a young unmarked state to
// Marked, or from Old to OldMarked, whichever applies, and reports whether
// this call won the race and therefore owns scanning ref's children. Ties
// are broken in the header's CAS: losers simply don't scan (spec.md §4.E).
func claim(ref header.Ref) bool {
	h := header.HeaderOf(ref)
	switch h.State() {
	case header.Clean:
		return h.TrySetMark(header.Clean, header.Marked)
	case header.Old:
		return h.TrySetMark(header.Old, header.OldMarked)
	default:
		// Already Marked or OldMarked this cycle.
		return false
	}
}

// markChild claims ref and, if the caller won the claim, either scans it
// inline (within depth budget) or defers it to the shared overflow stack.
func (e *Engine) markChild(w *workpool.Worker, cache *Cache, ref header.Ref, depth int) {
	if !claim(ref) {
		return
	}
	if depth < MaxMarkDepth {
		e.scan(w, cache, ref, depth+1)
		return
	}
	e.Overflow.Push(ref)
}

// scan traces ref's pointer-typed fields per its TypeDescriptor's Kind,
// recursing into markChild for each live child. Opaque and buffer types
// terminate immediately; struct and array types iterate their traceable
// slots.
func (e *Engine) scan(w *workpool.Worker, cache *Cache, ref header.Ref, depth int) {
	hdr := header.HeaderOf(ref)
	typ := e.Types.Lookup(hdr.Type())
	if typ == nil {
		return
	}

	size := header.Size
	if sz, ok := typ.(Sizer); ok {
		size = sz.Size()
	}
	cache.ScannedBytes += uint64(size)
	if hdr.Age() {
		cache.PermScannedBytes += uint64(size)
	}

	switch typ.Kind() {
	case header.KindOpaque, header.KindBuffer:
		return
	case header.KindStruct, header.KindArray:
		promoted := hdr.State() == header.OldMarked
		n := typ.NumFields()
		payload := unsafe.Pointer(ref)
		for i := 0; i < n; i++ {
			if !typ.FieldIsPointer(i) {
				continue
			}
			slot := (*header.Ref)(unsafe.Pointer(uintptr(payload) + typ.FieldOffset(i)))
			child := *slot
			if child == 0 {
				continue
			}

			if promoted {
				switch header.HeaderOf(child).State() {
				case header.Clean, header.Marked:
					cache.NewRemset = append(cache.NewRemset, ref)
				}
			}

			e.markChild(w, cache, child, depth)
		}
	}
}

// MarkRoots submits one job per root for parallel scanning and blocks
// until every transitively discovered child has been scanned, or ctx is
// canceled.
func (e *Engine) MarkRoots(ctx context.Context, roots []header.Ref) error {
	for _, r := range roots {
		r := r
		e.Pool.Submit(func(w *workpool.Worker) {
			e.markRootJob(w, r)
		})
	}
	return e.Pool.Join(ctx)
}

// MarkThreadLocal re-marks a thread's last-cycle remembered set entries
// (Set.Last) and drains its binding remset and stack-root queue, exactly
// as MarkRoots does for freshly discovered roots. Old objects in the
// remset are re-scanned even though they're already Old, because a stored
// pointer to a young object may have changed since the object was last
// traced.
func (e *Engine) MarkThreadLocal(ctx context.Context, remset *barrier.Set, bindings *barrier.BindingSet, stackRoots *barrier.StackRootQueue, bindingRoots func(barrier.Binding) header.Ref) error {
	for _, r := range remset.Last() {
		r := r
		e.Pool.Submit(func(w *workpool.Worker) {
			w.Submit(func(w *workpool.Worker) {
				cache := &e.caches[w.ID()]
				e.scan(w, cache, r, 0)
			})
		})
	}
	for _, r := range stackRoots.Roots() {
		r := r
		e.Pool.Submit(func(w *workpool.Worker) {
			e.markRootJob(w, r)
		})
	}
	if bindingRoots != nil {
		for _, b := range bindings.Entries() {
			b := b
			e.Pool.Submit(func(w *workpool.Worker) {
				if root := bindingRoots(b); root != 0 {
					e.markRootJob(w, root)
				}
			})
		}
	}
	return e.Pool.Join(ctx)
}

func (e *Engine) markRootJob(w *workpool.Worker, ref header.Ref) {
	cache := &e.caches[w.ID()]
	e.markChild(w, cache, ref, 0)
}

// VisitMarkStack drains the shared overflow stack, submitting one job per
// entry, and blocks until the pool is fully quiescent. Draining a job can
// itself push more entries (a deeply nested object whose own children
// overflow again), so this loops until Overflow.Empty reports true after a
// Join, per spec.md §4.E's "repeats until steady-state emptiness".
func (e *Engine) VisitMarkStack(ctx context.Context) error {
	for {
		for {
			ref, ok := e.Overflow.Pop()
			if !ok {
				break
			}
			e.Pool.Submit(func(w *workpool.Worker) {
				cache := &e.caches[w.ID()]
				e.scan(w, cache, ref, 0)
			})
		}
		if err := e.Pool.Join(ctx); err != nil {
			return err
		}
		if e.Overflow.Empty() {
			return nil
		}
	}
}

// FinalizerEntry pairs a finalizable object with the function to run when
// it is found unreachable. This is the tagged-variant replacement for the
// original implementation's "low bit of the pointer selects native vs.
// managed finalizer" trick (original_source/julia/src/gc.c's
// jl_gc_schedule_foreign_sigatomic-adjacent finalizer list): Go has no
// spare pointer bits to steal, so the function identity is carried
// alongside the object explicitly instead of encoded into it.
type FinalizerEntry struct {
	Object header.Ref
	Fn     FinalizerFn
}

// FinalizerFn runs when its associated object is found unreachable.
type FinalizerFn func(header.Ref)

// ReviveFinalizers performs the second-pass finalizer-reachability scan
// required by spec.md §4.E: after ordinary marking and VisitMarkStack have
// both quiesced, any finalizable object not yet marked is itself a
// finalization candidate this cycle. Marking it here (with age reset to 0,
// since finalizer revival restarts its promotion clock) keeps it and
// everything it references alive one more cycle so the finalizer can
// safely observe it; candidates are returned for the driver to run after
// the collection fully completes, never synchronously inside marking.
func (e *Engine) ReviveFinalizers(ctx context.Context, candidates []FinalizerEntry) ([]FinalizerEntry, []FinalizerEntry, error) {
	var toRun []FinalizerEntry
	var stillLive []FinalizerEntry

	for _, c := range candidates {
		hdr := header.HeaderOf(c.Object)
		switch hdr.State() {
		case header.Marked, header.OldMarked:
			stillLive = append(stillLive, c)
			continue
		}
		toRun = append(toRun, c)
	}

	if len(toRun) == 0 {
		return nil, stillLive, nil
	}

	for _, c := range toRun {
		c := c
		hdr := header.HeaderOf(c.Object)
		hdr.SetAge(false)
		e.Pool.Submit(func(w *workpool.Worker) {
			e.markRootJob(w, c.Object)
		})
	}
	if err := e.Pool.Join(ctx); err != nil {
		return nil, stillLive, err
	}
	if err := e.VisitMarkStack(ctx); err != nil {
		return nil, stillLive, err
	}
	return toRun, stillLive, nil
}
