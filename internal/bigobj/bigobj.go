// Package bigobj implements the big-object allocator: component C of
// spec.md §4.C. Objects larger than pool.GCMaxSizeClass are allocated
// directly from the system allocator and tracked per-thread.
//
// spec.md's own description uses a doubly-linked list with raw back-
// pointers scattered across thread-owned state; the Design Notes section
// flags that as a leaky pattern for a Go port and recommends an
// arena-and-index scheme instead, so that's what List implements here:
// objects live in a slice (the arena) and are linked by int32 index rather
// than pointer, so moving the backing slice (on growth) never invalidates
// a link. Each entry's header is placed at a cache-line-aligned offset
// within its backing buffer (spec.md §4.C: "headers must be cache-line
// aligned"), padding the allocation rather than the struct since the
// buffer, not entry, is what's addressed by concurrent mark workers.
package bigobj

import (
	"unsafe"

	"github.com/neptune-rt/neptune/internal/header"
)

const invalidIndex = -1

// cacheLine is the alignment spec.md §4.C requires of every big-object
// header ("headers must be cache-line aligned"), so two headers concurrent
// mark workers CAS independently never share a cache line.
const cacheLine = 64

// alignUp rounds addr up to the next multiple of align, align a power of two.
func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// entry is one big object's bookkeeping, held in the arena rather than
// adjacent to the payload, so there is no raw pointer anywhere in thread
// state - only arena indices.
type entry struct {
	size uintptr
	// payload is over-allocated by up to cacheLine-1 bytes so the header
	// can start at a cache-line-aligned offset within it; base records
	// that offset. The header occupies header.Size bytes starting at
	// payload[base], immediately followed by the real payload.
	payload []byte
	base    int
	prev    int32
	next    int32
}

// headerPtr returns the address the object header actually starts at
// within e's backing buffer, honoring cache-line alignment.
func (e *entry) headerPtr() unsafe.Pointer {
	return unsafe.Pointer(&e.payload[e.base])
}

// List is one thread's (or, after a collection merges them, the global)
// big-object list.
type List struct {
	arena []entry
	head  int32 // index of the first live entry, or invalidIndex
	free  int32 // index of the first reusable (freed) arena slot, or invalidIndex
}

// NewList returns an empty big-object list.
func NewList() *List {
	return &List{head: invalidIndex, free: invalidIndex}
}

// Alloc allocates size bytes plus header overhead, prepends the new entry
// to l, and returns the payload reference.
func (l *List) Alloc(size uintptr, typ header.TypeID) header.Ref {
	idx := l.takeSlot()
	e := &l.arena[idx]
	e.size = size
	e.payload = make([]byte, header.Size+size+cacheLine-1)
	rawAddr := uintptr(unsafe.Pointer(unsafe.SliceData(e.payload)))
	e.base = int(alignUp(rawAddr, cacheLine) - rawAddr)

	e.prev = invalidIndex
	e.next = l.head
	if l.head != invalidIndex {
		l.arena[l.head].prev = idx
	}
	l.head = idx

	hdr := (*header.Header)(e.headerPtr())
	hdr.Init(typ)
	return header.PayloadOf(e.headerPtr())
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

// release returns entry idx to the free list and drops its payload so the
// Go allocator can reclaim it.
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

	e.payload = nil
	e.next = l.free
	e.prev = invalidIndex
	l.free = idx
}

// Walker is passed each live big object's header and size during a walk;
// it returns whether the entry should be released.
type Walker func(hdr *header.Header, size uintptr) (release bool)

// Sweep walks every live entry in l, invoking walk, and releases any entry
// walk asks to drop. It is safe to call only at a safepoint (single-
// threaded sweep, per spec.md §4.G).
func (l *List) Sweep(walk Walker) {
	idx := l.head
	for idx != invalidIndex {
		e := &l.arena[idx]
		next := e.next
		hdr := (*header.Header)(e.headerPtr())
		if walk(hdr, e.size) {
			l.release(idx)
		}
		idx = next
	}
}

// Len reports the number of live entries, for diagnostics and the B6
// end-to-end scenario's "big-object list length decreases by one" check.
func (l *List) Len() int {
	n := 0
	for idx := l.head; idx != invalidIndex; idx = l.arena[idx].next {
		n++
	}
	return n
}

// Merge appends other's live entries onto l's head and empties other. Used
// by the driver to fold per-thread promoted big objects into the global
// list once per cycle (spec.md §5's "per-thread write, global merged under
// a lock once per cycle").
func (l *List) Merge(other *List) {
	idx := other.head
	for idx != invalidIndex {
		e := other.arena[idx]
		next := e.next

		dstIdx := l.takeSlot()
		dst := &l.arena[dstIdx]
		dst.size = e.size
		dst.payload = e.payload
		dst.base = e.base
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
