// Package mallocarr tracks managed-external-malloc arrays: component of
// spec.md §4.G phase 3. A host can hand the collector a buffer it obtained
// from outside the pool/big-object allocators (e.g. a foreign library's own
// malloc) along with an owning object; the collector's only job is to free
// that buffer once its owner dies, so the host never has to remember to do
// it itself.
//
// Shaped like internal/bigobj.List for the same reason bigobj gives up
// spec.md's raw doubly-linked back-pointers: entries live in a slice (the
// arena) and are linked by int32 index, so growing the arena never
// invalidates a link.
package mallocarr

import "github.com/neptune-rt/neptune/internal/header"

const invalidIndex = -1

// entry is one tracked malloc array's bookkeeping.
type entry struct {
	owner header.Ref
	data  []byte
	prev  int32
	next  int32
}

// List is one thread's (or, after a collection merges them, the global)
// malloc-array list.
type List struct {
	arena []entry
	head  int32 // index of the first live entry, or invalidIndex
	free  int32 // index of the first reusable (freed) arena slot, or invalidIndex
}

// NewList returns an empty malloc-array list.
func NewList() *List {
	return &List{head: invalidIndex, free: invalidIndex}
}

// Register tracks data as owned by owner, prepending it to l. data is freed
// automatically the first time Sweep finds owner dead.
func (l *List) Register(owner header.Ref, data []byte) {
	idx := l.takeSlot()
	e := &l.arena[idx]
	e.owner = owner
	e.data = data

	e.prev = invalidIndex
	e.next = l.head
	if l.head != invalidIndex {
		l.arena[l.head].prev = idx
	}
	l.head = idx
}

func (l *List) takeSlot() int32 {
	if l.free != invalidIndex {
		idx := l.free
		l.free = l.arena[idx].next
		return idx
	}
	l.arena = append(l.arena, entry{})
	return int32(len(l.arena) - 1)
}

// release returns entry idx to the free list and drops its data so the Go
// allocator can reclaim it.
func (l *List) release(idx int32) {
	e := &l.arena[idx]

	if e.prev != invalidIndex {
		l.arena[e.prev].next = e.next
	} else {
		l.head = e.next
	}
	if e.next != invalidIndex {
		l.arena[e.next].prev = e.prev
	}

	e.data = nil
	e.next = l.free
	e.prev = invalidIndex
	l.free = idx
}

// Walker reports whether owner is dead, i.e. whether its tracked array
// should be released.
type Walker func(owner header.Ref) (dead bool)

// Sweep walks every live entry in l, releasing any whose owner isDead
// reports dead, and returns the total bytes freed this way.
func (l *List) Sweep(isDead Walker) (freedBytes uint64) {
	idx := l.head
	for idx != invalidIndex {
		e := &l.arena[idx]
		next := e.next
		if isDead(e.owner) {
			freedBytes += uint64(len(e.data))
			l.release(idx)
		}
		idx = next
	}
	return freedBytes
}

// Len reports the number of live tracked arrays.
func (l *List) Len() int {
	n := 0
	for idx := l.head; idx != invalidIndex; idx = l.arena[idx].next {
		n++
	}
	return n
}

// Merge appends other's live entries onto l's head and empties other. Used
// by the driver to fold per-thread registrations into the global list once
// per cycle, mirroring bigobj.List.Merge.
func (l *List) Merge(other *List) {
	idx := other.head
	for idx != invalidIndex {
		e := other.arena[idx]
		next := e.next

		dstIdx := l.takeSlot()
		dst := &l.arena[dstIdx]
		dst.owner = e.owner
		dst.data = e.data
		dst.prev = invalidIndex
		dst.next = l.head
		if l.head != invalidIndex {
			l.arena[l.head].prev = dstIdx
		}
		l.head = dstIdx

		idx = next
	}
	other.head = invalidIndex
	other.arena = other.arena[:0]
	other.free = invalidIndex
}
