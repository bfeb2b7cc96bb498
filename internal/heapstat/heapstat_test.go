package heapstat

import (
	"testing"
	"time"
)

func TestRecordAllocAndBigAlloc(t *testing.T) {
	var c Counters
	c.RecordAlloc(64)
	c.RecordAlloc(128)
	c.RecordBigAlloc(1 << 20)

	snap := c.Snap(0)
	if snap.Allocd != 192 {
		t.Fatalf("Allocd = %d, want 192", snap.Allocd)
	}
	if snap.Poolalloc != 2 {
		t.Fatalf("Poolalloc = %d, want 2", snap.Poolalloc)
	}
	if snap.Bigalloc != 1<<20 {
		t.Fatalf("Bigalloc = %d, want %d", snap.Bigalloc, 1<<20)
	}
}

func TestRecordSweepTracksFullCountAndTiming(t *testing.T) {
	var c Counters
	c.RecordSweep(5*time.Millisecond, false)
	c.RecordSweep(7*time.Millisecond, true)

	snap := c.Snap(0)
	if snap.FullSweeps != 1 {
		t.Fatalf("FullSweeps = %d, want 1", snap.FullSweeps)
	}
	if snap.TotalTimeNS != int64(12*time.Millisecond) {
		t.Fatalf("TotalTimeNS = %d, want %d", snap.TotalTimeNS, int64(12*time.Millisecond))
	}
	if snap.SinceSweepNS < 0 {
		t.Fatalf("SinceSweepNS should be non-negative, got %d", snap.SinceSweepNS)
	}
}

func TestRecordFreeIncrementsFreeCallAndFreed(t *testing.T) {
	var c Counters
	c.RecordFree(32)
	c.RecordFree(16)

	snap := c.Snap(0)
	if snap.FreeCall != 2 {
		t.Fatalf("FreeCall = %d, want 2", snap.FreeCall)
	}
	if snap.Freed != 48 {
		t.Fatalf("Freed = %d, want 48", snap.Freed)
	}
}

func TestSnapCarriesCallerSuppliedPoolLiveBytes(t *testing.T) {
	var c Counters
	snap := c.Snap(4096)
	if snap.PoolLiveBytes != 4096 {
		t.Fatalf("PoolLiveBytes = %d, want 4096", snap.PoolLiveBytes)
	}
}
