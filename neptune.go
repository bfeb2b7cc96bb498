// Package neptune is the collector's external interface boundary: the
// C-linkage surface spec.md §6 describes (np_/gc_-prefixed entry points)
// translated into ordinary exported Go functions and methods. A host
// runtime embeds neptune by constructing a GC, registering one
// ThreadState per mutator thread, and routing its allocation and
// write-barrier call sites through the returned handles.
package neptune

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/neptune-rt/neptune/internal/barrier"
	"github.com/neptune-rt/neptune/internal/bigobj"
	"github.com/neptune-rt/neptune/internal/driver"
	"github.com/neptune-rt/neptune/internal/header"
	"github.com/neptune-rt/neptune/internal/heapstat"
	"github.com/neptune-rt/neptune/internal/mark"
	"github.com/neptune-rt/neptune/internal/pool"
	"github.com/neptune-rt/neptune/internal/sweep"
)

// Host is the introspection surface the collector consumes from the
// embedding runtime (spec.md §6's "interface consumed from host
// runtime"): type metadata and debugging upcalls. Root enumeration,
// safepoint polling, and write-barrier emission are the host's own
// responsibility and are driven through GC's exported methods instead of
// this interface, since they're calls the host makes into the collector,
// not the other way around.
type Host interface {
	header.TypeTable

	// ThrowMemoryException is the host's fatal-OOM upcall (spec.md §7:
	// "OOM surfaces to the host via the memory-exception callback only
	// from managed allocation entry points").
	ThrowMemoryException(reason string)

	// ResolveBinding returns the object a module-global binding currently
	// holds, or 0 if the slot is empty. The mark phase calls this for
	// every entry in a thread's binding remset (spec.md §4.D's
	// binding_remset) so that a binding's referent is traced like any
	// other root, instead of the queued binding being discarded unread.
	ResolveBinding(b barrier.Binding) header.Ref
}

// GC is one process's complete collector instance.
type GC struct {
	host Host
	drv  *driver.Driver
	stat heapstat.Counters
}

// Init constructs a GC. Worker count is sourced from NEPTUNE_THREADS
// (spec.md §6 "Environment variables"), defaulting to hardware
// concurrency when unset or invalid.
func Init(host Host) *GC {
	n := runtime.NumCPU()
	if v := os.Getenv("NEPTUNE_THREADS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	return &GC{
		host: host,
		drv:  driver.New(host, n, host.ResolveBinding),
	}
}

// ExitHook releases the worker pool. Call once at process shutdown, not
// between collections.
func (g *GC) ExitHook() { g.drv.Close() }

// RegisterWellKnownRoot marks r as a universal-constant root, traced at
// the start of every collection cycle regardless of any thread's stack or
// remset contents (spec.md §4.E's mark_roots). Intended for process-
// lifetime singletons the host initializes once at startup.
func (g *GC) RegisterWellKnownRoot(r header.Ref) { g.drv.RegisterWellKnownRoot(r) }

// ThreadLocal is a mutator thread's GC handle, returned by
// InitThreadLocal and threaded through every subsequent allocation and
// write-barrier call site that thread makes.
type ThreadLocal struct {
	id uintptr
	ts *driver.ThreadState
}

// InitThreadLocal registers a new mutator thread and returns its handle.
// id is an opaque, caller-chosen identifier (e.g. the host's own thread
// pointer), used only to label pages for diagnostics.
func (g *GC) InitThreadLocal(id uintptr) *ThreadLocal {
	return &ThreadLocal{id: id, ts: g.drv.RegisterThread(id)}
}

// Alloc dispatches to the pool allocator or the big-object allocator
// depending on size, spec.md §4's size-class boundary. The returned
// payload is zeroed.
func (tl *ThreadLocal) Alloc(g *GC, size uintptr, typ header.TypeID) header.Ref {
	if class, _, ok := pool.ClassOf(size); ok {
		ref := tl.ts.Pools.Alloc(class, typ)
		if ref == 0 {
			g.host.ThrowMemoryException("neptune: out of memory in pool allocation")
			return 0
		}
		g.stat.RecordAlloc(uint64(size))
		return ref
	}
	ref := tl.ts.Big.Alloc(size, typ)
	g.stat.RecordBigAlloc(uint64(size))
	return ref
}

// QueueRoot is the write-barrier entry point: the host's generated code
// calls this after every pointer-field store into an object it knows was
// OLD_MARKED (spec.md §4.D). This function checks o's state itself and
// does nothing when o is not OLD_MARKED.
func (tl *ThreadLocal) QueueRoot(o header.Ref) {
	if header.HeaderOf(o).State() != header.OldMarked {
		return
	}
	tl.ts.Remset.QueueRoot(o)
}

// QueueBinding is QueueRoot's module-global-binding analogue.
func (tl *ThreadLocal) QueueBinding(b barrier.Binding) {
	tl.ts.Binding.QueueBinding(b)
}

// PushRoot records a stack/thread-local root discovered by the host's own
// root enumeration at a safepoint poll. The host calls this once per root
// per safepoint; entries are consumed and cleared by the next collection.
func (tl *ThreadLocal) PushRoot(r header.Ref) {
	tl.ts.Stack.Push(r)
}

// PushWeakRef registers a weak reference for sweep-time resolution. Weak
// references are never traced during marking (spec.md §4.E).
func (tl *ThreadLocal) PushWeakRef(w *sweep.WeakRef) {
	tl.ts.WeakRefs = append(tl.ts.WeakRefs, w)
}

// PushFinalizer registers fn to run when obj is found unreachable. The
// tagged FinalizerEntry variant (rather than a pointer low-tag bit, which
// spec.md's original native/managed-finalizer distinction used) carries
// the function alongside the object explicitly - see mark.FinalizerEntry.
func (tl *ThreadLocal) PushFinalizer(obj header.Ref, fn mark.FinalizerFn) {
	tl.ts.Finalizers = append(tl.ts.Finalizers, mark.FinalizerEntry{Object: obj, Fn: fn})
}

// PushMallocArray registers data, obtained by the host from outside the
// pool/big-object allocators (e.g. a foreign library's own malloc), as
// owned by owner. The array is freed automatically the first time a
// collection finds owner unreachable (spec.md §4.G phase 3).
func (tl *ThreadLocal) PushMallocArray(g *GC, owner header.Ref, data []byte) {
	tl.ts.MallocArrays.Register(owner, data)
	g.stat.RecordMalloc(uint64(len(data)))
}

// PushBigObject merges an already-allocated big object list (e.g. one
// built outside the normal Alloc path by host-side deserialization) into
// tl's own list, so it participates in the next sweep.
func (tl *ThreadLocal) PushBigObject(l *bigobj.List) {
	tl.ts.Big.Merge(l)
}

// RemsetLen and LastRemsetLen back the remset_len/last_remset_len
// introspection hooks of spec.md §6.
func (tl *ThreadLocal) RemsetLen() int     { return tl.ts.Remset.CurrentLen() }
func (tl *ThreadLocal) LastRemsetLen() int { return tl.ts.Remset.LastLen() }

// Collect runs one stop-the-world collection cycle (gc_collect in
// spec.md §6), returning whether the heuristics judge an immediate
// second pass necessary.
func (g *GC) Collect(ctx context.Context, full bool) (rerun bool, err error) {
	start := time.Now()
	rerun, err = g.drv.Collect(ctx, full)
	g.stat.RecordSweep(time.Since(start), full || rerun)
	if freed := g.drv.Stats().MallocFreedBytes; freed > 0 {
		g.stat.RecordFree(freed)
	}
	return rerun, err
}

// Snapshot returns the current heapstat counters for diagnostics (e.g.
// cmd/neptunestat consumes a sequence of these).
func (g *GC) Snapshot(poolLiveBytes uint64) heapstat.Snapshot {
	return g.stat.Snap(poolLiveBytes)
}

// Stats returns the driver's heuristic-facing statistics (live/promoted
// bytes, sweep thresholds), distinct from the diagnostic Snapshot above.
func (g *GC) Stats() driver.Stats { return g.drv.Stats() }
