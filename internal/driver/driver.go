// Package driver implements the collection driver: component H of
// spec.md §4.H. It owns the per-thread GC state registry and orchestrates
// one collection cycle's ten-step stop-the-world protocol across the
// page, pool, bigobj, barrier, mark, sweep, and workpool packages.
package driver

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/neptune-rt/neptune/internal/barrier"
	"github.com/neptune-rt/neptune/internal/bigobj"
	"github.com/neptune-rt/neptune/internal/header"
	"github.com/neptune-rt/neptune/internal/mallocarr"
	"github.com/neptune-rt/neptune/internal/mark"
	"github.com/neptune-rt/neptune/internal/page"
	"github.com/neptune-rt/neptune/internal/pool"
	"github.com/neptune-rt/neptune/internal/sweep"
	"github.com/neptune-rt/neptune/internal/workpool"
)

// GCState is a mutator thread's stop-the-world handshake state, per
// spec.md §3's tl_gcs.gc_state field.
type GCState int32

const (
	RunningManaged GCState = iota
	RunningUnmanaged
	AtSafepoint
	WaitingForGC
)

// ThreadState is one mutator thread's complete GC-owned state, tl_gcs per
// spec.md §3. A thread owns its fields exclusively between collections;
// the driver reads (and at safepoint, mutates) them only while every
// mutator is parked.
type ThreadState struct {
	ID uintptr

	Pools        *pool.Pool
	Big          *bigobj.List
	MallocArrays *mallocarr.List
	Remset       barrier.Set
	Binding      barrier.BindingSet
	Stack        barrier.StackRootQueue

	WeakRefs   []*sweep.WeakRef
	Finalizers []mark.FinalizerEntry

	state atomic.Int32 // GCState, safepoint handshake
}

// SetState publishes this thread's safepoint state for the driver to
// observe.
func (t *ThreadState) SetState(s GCState) {
	t.state.Store(int32(s))
}

// State reads this thread's current safepoint state.
func (t *ThreadState) State() GCState {
	return GCState(t.state.Load())
}

// Stats accumulates the statistics flushed from per-worker mark caches at
// the end of a cycle (spec.md §4.H step 6).
type Stats struct {
	ScannedBytes     uint64
	PermScannedBytes uint64
	LiveBytes        uint64
	PromotedBytes    uint64
	LastFullLiveUB   uint64
	LastFullLiveEst  uint64
	MallocFreedBytes uint64
}

// defaultInterval is 5600*1024*sizeof(void*) on 64-bit per spec.md §4.H.
const defaultInterval = 5600 * 1024 * 8

// Driver owns the process-wide collection state: the shared page manager,
// the global (post-merge) big-object list, the worker pool, and the
// thread registry.
type Driver struct {
	Pages *page.Manager
	Pool  *workpool.Pool
	Types header.TypeTable

	numWorkers int

	mu             sync.Mutex
	running        bool
	threads        []*ThreadState
	globalBig      *bigobj.List
	globalMalloc   *mallocarr.List
	interval       uint64
	bytesSince     uint64 // promoted_bytes since last full sweep
	stats          Stats
	resolveBinding func(barrier.Binding) header.Ref
	wellKnownRoots []header.Ref
}

// New constructs a Driver with numWorkers mark workers. Callers normally
// size numWorkers from the NEPTUNE_THREADS environment variable; see the
// neptune package's Init. resolveBinding resolves a queued module-global
// binding to the object it currently holds, so the binding remset's
// referent can be traced instead of discarded unread (spec.md §4.D); it
// may be nil, in which case the binding remset is drained without tracing
// (only appropriate for a host that never calls QueueBinding).
func New(types header.TypeTable, numWorkers int, resolveBinding func(barrier.Binding) header.Ref) *Driver {
	if numWorkers < 1 {
		numWorkers = 1
	}
	pages := page.NewManager()
	return &Driver{
		Pages:          pages,
		Pool:           workpool.New(numWorkers),
		Types:          types,
		globalBig:      bigobj.NewList(),
		globalMalloc:   mallocarr.NewList(),
		interval:       defaultInterval,
		numWorkers:     numWorkers,
		resolveBinding: resolveBinding,
	}
}

// RegisterWellKnownRoot adds r to the set of universal-constant roots
// marked at the start of every cycle (spec.md §4.E's "mark_roots(tl) marks
// the universal constants"). Intended for objects that exist for the
// process lifetime and are never reachable from any thread's stack or
// remset - e.g. interned singletons a host initializes once at startup.
func (d *Driver) RegisterWellKnownRoot(r header.Ref) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wellKnownRoots = append(d.wellKnownRoots, r)
}

// RegisterThread adds a newly initialized mutator thread's GC state to the
// registry, as init_thread_local_gc does per spec.md §6.
func (d *Driver) RegisterThread(id uintptr) *ThreadState {
	t := &ThreadState{
		ID:           id,
		Pools:        pool.New(d.Pages, id),
		Big:          bigobj.NewList(),
		MallocArrays: mallocarr.NewList(),
	}
	d.mu.Lock()
	d.threads = append(d.threads, t)
	d.mu.Unlock()
	return t
}

// Close shuts down the driver's worker pool. Call once at process exit
// (spec.md §6's exit_hook), not between collections.
func (d *Driver) Close() { d.Pool.Close() }

// Collect runs one stop-the-world collection cycle and reports whether
// the heuristics judge a second immediate pass necessary (spec.md §4.H
// step 10).
func (d *Driver) Collect(ctx context.Context, full bool) (rerun bool, err error) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		// Another thread is already driving a cycle. This call returns at
		// once with rerun false and no error; it neither starts a second
		// cycle nor waits for the running one to finish.
		return false, nil
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	d.waitForSafepoint()
	defer d.releaseSafepoint()

	kind := sweep.Quick
	if full || d.heuristicWantsFull() {
		kind = sweep.Full
	}

	engine := mark.NewEngine(d.Types, d.Pool, d.numWorkers)
	revived, err := d.runMarkPhase(ctx, engine)
	if err != nil {
		return false, err
	}

	d.flushMarkCaches(engine)
	finalizersToRun := d.runSweepPhase(kind, revived)

	d.updateHeuristics(kind)
	d.runFinalizers(finalizersToRun)

	return d.heuristicWantsFull(), nil
}

func (d *Driver) waitForSafepoint() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.threads {
		t.SetState(WaitingForGC)
	}
}

func (d *Driver) releaseSafepoint() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.threads {
		t.SetState(RunningManaged)
	}
}

// runMarkPhase implements spec.md §4.E/§4.H steps 2-5: mark well-known
// roots, then every thread's remset/stack/binding roots, then drain the
// shared overflow stack, repeating until it stays empty, then revive
// finalizer candidates. Revived entries (finalizer_list_marked per
// spec.md §4.E) are returned keyed by thread index so the sweep phase can
// schedule them without re-deriving liveness a second time.
func (d *Driver) runMarkPhase(ctx context.Context, e *mark.Engine) ([][]mark.FinalizerEntry, error) {
	d.mu.Lock()
	threads := append([]*ThreadState(nil), d.threads...)
	roots := append([]header.Ref(nil), d.wellKnownRoots...)
	d.mu.Unlock()

	if err := e.MarkRoots(ctx, roots); err != nil {
		return nil, err
	}

	for _, t := range threads {
		t.Remset.Swap()
		if err := e.MarkThreadLocal(ctx, &t.Remset, &t.Binding, &t.Stack, d.resolveBinding); err != nil {
			return nil, err
		}
		t.Binding.Clear()
		t.Stack.Reset()
	}

	if err := e.VisitMarkStack(ctx); err != nil {
		return nil, err
	}

	revived := make([][]mark.FinalizerEntry, len(threads))
	for i, t := range threads {
		toRun, stillLive, err := e.ReviveFinalizers(ctx, t.Finalizers)
		if err != nil {
			return nil, err
		}
		t.Finalizers = stillLive
		revived[i] = toRun
		if err := e.VisitMarkStack(ctx); err != nil {
			return nil, err
		}
	}
	return revived, nil
}

// flushMarkCaches implements step 6: sum per-worker deltas into global
// stats, and merge every thread's promoted big-object writes (here: every
// thread's whole big-object list, since this module merges unconditionally
// each cycle rather than tracking only newly-promoted entries - see
// DESIGN.md for why that simplification is safe) into the global list.
func (d *Driver) flushMarkCaches(e *mark.Engine) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, c := range e.Caches() {
		d.stats.ScannedBytes += c.ScannedBytes
		d.stats.PermScannedBytes += c.PermScannedBytes
	}
	for _, t := range d.threads {
		d.globalBig.Merge(t.Big)
		d.globalMalloc.Merge(t.MallocArrays)
	}

	// Worker caches aren't attributed to a particular mutator thread (a
	// job scanning thread A's remset entry may run on any worker), so
	// newly discovered promoted-object-to-young edges are folded into
	// thread 0's remset as a representative owner rather than threaded
	// back through per-worker-to-per-thread bookkeeping; they'll be
	// re-marked from there next cycle either way.
	if len(d.threads) > 0 {
		for _, c := range e.Caches() {
			for _, ref := range c.NewRemset {
				d.threads[0].Remset.QueueRoot(ref)
			}
		}
	}
}

// runSweepPhase implements step 7, the five sweep phases of spec.md §4.G,
// run in this order: malloc arrays, then the finalizer lists and weak refs
// of every thread, then every thread's pools, then the global big-object
// list. revived holds, per thread (same order/index as the thread registry at
// mark time), the finalizer-list-marked entries §4.E already promoted to
// run this cycle.
func (d *Driver) runSweepPhase(kind sweep.Kind, revived [][]mark.FinalizerEntry) []mark.FinalizerEntry {
	d.mu.Lock()
	threads := append([]*ThreadState(nil), d.threads...)
	d.mu.Unlock()

	// Phase 3 runs first, ahead of the per-thread pool sweep and the global
	// big-object sweep below, because both of those demote surviving
	// objects' mark state (Marked/OldMarked -> Clean/Old) as they go. A
	// malloc array's owner can be a pool or big-object allocation from any
	// thread, so this phase must read owner state while it still reflects
	// this cycle's mark results, exactly as the finalizer and weak-ref
	// sweeps must: those run for every thread in the first loop below,
	// before any thread's pool is swept in the second.
	freedBytes := sweep.SweepMallocArrays(d.globalMalloc)
	d.mu.Lock()
	d.stats.MallocFreedBytes = freedBytes
	d.mu.Unlock()

	var toRun []mark.FinalizerEntry
	for i, t := range threads {
		var marked []mark.FinalizerEntry
		if i < len(revived) {
			marked = revived[i]
		}
		run, surviving := sweep.SweepFinalizers(marked, t.Finalizers)
		toRun = append(toRun, run...)
		t.Finalizers = surviving

		sweep.SweepWeakRefs(t.WeakRefs)
	}

	var liveBytes uint64
	for _, t := range threads {
		sweep.SweepPool(t.Pools, kind)
		liveBytes += t.Pools.LiveBytes()
	}

	sweep.SweepBigObjects(d.globalBig, kind)

	d.mu.Lock()
	d.stats.LiveBytes = liveBytes
	d.mu.Unlock()

	return toRun
}

// runFinalizers executes scheduled finalizers outside the GC lock (the
// triggering mutator's responsibility per spec.md §2 step 8). A finalizer
// panic is caught and dropped per spec.md §7's "finalizer error: catch at
// collector boundary, print, continue with next finalizer" - it must
// never unwind into driver machinery.
func (d *Driver) runFinalizers(entries []mark.FinalizerEntry) {
	for _, e := range entries {
		runOneFinalizer(e)
	}
}

func runOneFinalizer(e mark.FinalizerEntry) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("neptune: finalizer panicked: %v", r)
		}
	}()
	if e.Fn != nil {
		e.Fn(e.Object)
	}
}

// heuristicWantsFull implements spec.md §4.H's trigger conditions.
func (d *Driver) heuristicWantsFull() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	threshold := d.interval
	if half := d.stats.LiveBytes / 2; half > threshold {
		threshold = half
	}
	if d.bytesSince > threshold {
		return true
	}
	if d.stats.LastFullLiveUB > 0 && d.stats.LiveBytes > d.stats.LastFullLiveUB+d.stats.LastFullLiveUB/2 {
		return true
	}
	if d.stats.LastFullLiveEst > 0 && d.stats.LiveBytes > 2*d.stats.LastFullLiveEst {
		return true
	}
	return false
}

// updateHeuristics implements step 8: re-derive live/promoted estimates
// and shrink or grow the next interval.
func (d *Driver) updateHeuristics(kind sweep.Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.PromotedBytes += d.bytesSince
	if kind == sweep.Full {
		d.stats.LastFullLiveUB = d.stats.LiveBytes
		d.stats.LastFullLiveEst = d.stats.LiveBytes
		d.bytesSince = 0

		// High promotion rate relative to the current interval shrinks
		// the next one; a stable (non-growing) live set grows it back,
		// matching spec.md §4.H's "shrink if promotion rate is high;
		// grow if live set is stable" without prescribing exact factors.
		if d.stats.PromotedBytes > d.interval {
			d.interval = d.interval / 2
			if d.interval < defaultInterval/8 {
				d.interval = defaultInterval / 8
			}
		} else {
			d.interval = d.interval + d.interval/4
		}
		d.stats.PromotedBytes = 0
	} else {
		d.bytesSince += d.stats.PermScannedBytes
	}
}

// Stats returns a snapshot of accumulated driver statistics.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
