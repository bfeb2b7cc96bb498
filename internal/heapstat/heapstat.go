// Package heapstat tracks the cumulative, process-wide counters the host
// introspects via gc_num-equivalent accessors (spec.md §6): bytes
// allocated/freed, collection counts, and timing. These are display/
// diagnostic counters, distinct from driver.Stats' heuristic inputs.
package heapstat

import (
	"sync/atomic"
	"time"
)

// Counters is the live, concurrently-updated counter set. Every field is
// an atomic so mutator threads can bump Allocd/Malloc/etc. without
// synchronizing with the driver, mirroring gc_num's per-field atomics in
// the teacher corpus's runtime-stats style.
type Counters struct {
	Allocd     atomic.Uint64 // bytes allocated via pool_alloc
	Bigalloc   atomic.Uint64 // bytes allocated via big_alloc
	Malloc     atomic.Uint64 // bytes allocated via managed-external malloc tracking
	Realloc    atomic.Uint64
	Poolalloc  atomic.Uint64 // count of pool_alloc calls
	FreeCall   atomic.Uint64 // count of explicit frees (managed-external)
	Freed      atomic.Uint64 // cumulative bytes reported via RecordFree
	Deferred   atomic.Uint64 // bytes in pages deferred under lazy_freed_pages
	TotalTime  atomic.Int64  // cumulative collection wall time, nanoseconds
	SinceSweep atomic.Int64  // wall time since the last sweep completed, nanoseconds
	FullSweeps atomic.Uint64 // count of full (not quick) sweeps run

	lastSweepAt atomic.Int64 // unix nanos; 0 until the first sweep
}

// Snapshot is an immutable point-in-time copy of Counters, suitable for
// JSON-encoding and feeding to cmd/neptunestat.
type Snapshot struct {
	Allocd        uint64 `json:"allocd"`
	Bigalloc      uint64 `json:"bigalloc"`
	Malloc        uint64 `json:"malloc"`
	Realloc       uint64 `json:"realloc"`
	Poolalloc     uint64 `json:"poolalloc"`
	FreeCall      uint64 `json:"free_call"`
	Freed         uint64 `json:"freed"`
	Deferred      uint64 `json:"deferred"`
	TotalTimeNS   int64  `json:"total_time_ns"`
	SinceSweepNS  int64  `json:"since_sweep_ns"`
	FullSweeps    uint64 `json:"full_sweeps"`
	PoolLiveBytes uint64 `json:"pool_live_bytes"`
}

// RecordAlloc records a pool allocation of n bytes.
func (c *Counters) RecordAlloc(n uint64) {
	c.Allocd.Add(n)
	c.Poolalloc.Add(1)
}

// RecordBigAlloc records a big-object allocation of n bytes.
func (c *Counters) RecordBigAlloc(n uint64) {
	c.Bigalloc.Add(n)
}

// RecordMalloc and RecordFree track managed-external malloc-array
// bookkeeping (spec.md §4.G phase 3).
func (c *Counters) RecordMalloc(n uint64) { c.Malloc.Add(n) }
func (c *Counters) RecordFree(n uint64) {
	c.FreeCall.Add(1)
	c.Freed.Add(n)
}

// RecordSweep is called once per completed sweep with the wall-clock
// duration and whether it was a full sweep, updating TotalTime,
// SinceSweep, and FullSweeps.
func (c *Counters) RecordSweep(d time.Duration, full bool) {
	c.TotalTime.Add(int64(d))
	now := time.Now().UnixNano()
	last := c.lastSweepAt.Swap(now)
	if last != 0 {
		c.SinceSweep.Store(now - last)
	}
	if full {
		c.FullSweeps.Add(1)
	}
}

// Snap takes an immutable snapshot, combining the live counters with a
// caller-supplied pool-live-bytes figure (for example the sum of
// pool.Pool.LiveBytes over every thread, which heapstat has no visibility
// into directly).
func (c *Counters) Snap(poolLiveBytes uint64) Snapshot {
	return Snapshot{
		Allocd:        c.Allocd.Load(),
		Bigalloc:      c.Bigalloc.Load(),
		Malloc:        c.Malloc.Load(),
		Realloc:       c.Realloc.Load(),
		Poolalloc:     c.Poolalloc.Load(),
		FreeCall:      c.FreeCall.Load(),
		Freed:         c.Freed.Load(),
		Deferred:      c.Deferred.Load(),
		TotalTimeNS:   c.TotalTime.Load(),
		SinceSweepNS:  c.SinceSweep.Load(),
		FullSweeps:    c.FullSweeps.Load(),
		PoolLiveBytes: poolLiveBytes,
	}
}
