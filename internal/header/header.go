// Package header defines the object header and mark-state encoding shared by
// every allocator and the mark/sweep engines. Every heap object, whether it
// lives in a pool page or on a thread's big-object list, is prefixed by one
// of these headers.
package header

import (
	"sync/atomic"
	"unsafe"
)

// MarkState is the 2-bit mark state stored in the low bits of a header word.
type MarkState uint8

const (
	// Clean is the state of a freshly allocated, not-yet-marked object.
	Clean MarkState = iota
	// Marked is a young (non-OLD) object discovered live this cycle.
	Marked
	// Old is an object that survived PromoteAge+1 collections and has not
	// been found live this cycle (yet may still be reachable via a
	// remembered set entry).
	Old
	// OldMarked is an old object discovered live this cycle.
	OldMarked
)

func (s MarkState) String() string {
	switch s {
	case Clean:
		return "clean"
	case Marked:
		return "marked"
	case Old:
		return "old"
	case OldMarked:
		return "old_marked"
	default:
		return "invalid"
	}
}

// PromoteAge is the number of collection survivals (beyond the first) before
// a young object is promoted to Old. Fixed to 1 by spec.md.
const PromoteAge = 1

const (
	stateMask = 0x3
	ageBit    = uint64(1) << 2
	typeShift = 3
)

// TypeID is a host-assigned handle for a type descriptor. It is stored
// inline in the header word rather than a raw pointer so that header words
// never hold values the host's own memory manager (if any) must trace -
// the host keeps the real *TypeDescriptor alive in its own type table,
// indexed by TypeID.
type TypeID uint64

// Header is the word immediately preceding every object's payload. Its low
// bits hold mark state and age; the rest holds the type handle.
//
// Header must never be copied after first use; all mutation is through
// atomic CAS so that concurrent mark workers can race to claim an object
// without corrupting the type handle or each other's updates.
type Header struct {
	word atomic.Uint64
}

// Size is the number of bytes a Header occupies immediately before every
// object payload.
const Size = unsafe.Sizeof(Header{})

// Init stores typ into a freshly allocated header and sets its state to
// Clean with age 0. Callers must not call Init on a header that might be
// concurrently observed (i.e. only on headers for objects not yet
// published to any root).
func (h *Header) Init(typ TypeID) {
	h.word.Store(uint64(typ) << typeShift)
}

// State returns the current mark state.
func (h *Header) State() MarkState {
	return MarkState(h.word.Load() & stateMask)
}

// Age reports whether the object has survived at least one collection as a
// young object (i.e. is a promotion candidate on its next sweep).
func (h *Header) Age() bool {
	return h.word.Load()&ageBit != 0
}

// Type returns the host type handle for this object.
func (h *Header) Type() TypeID {
	return TypeID(h.word.Load() >> typeShift)
}

// TrySetMark attempts to CAS the mark state from "from" to "to", leaving age
// and type bits untouched. It reports whether the CAS succeeded, i.e.
// whether the caller newly marked (and therefore owns scanning of) this
// object. A false result means some other worker already transitioned the
// object this cycle - the spec's "CAS losers do not scan" tie-break.
func (h *Header) TrySetMark(from, to MarkState) bool {
	for {
		old := h.word.Load()
		if MarkState(old&stateMask) != from {
			return false
		}
		next := (old &^ stateMask) | uint64(to)
		if h.word.CompareAndSwap(old, next) {
			return true
		}
	}
}

// SetAge sets or clears the age bit unconditionally. Used by the
// single-threaded sweeper and by the mark engine's finalizer revival,
// which resets the age of a revived object before submitting it.
func (h *Header) SetAge(age bool) {
	for {
		old := h.word.Load()
		var next uint64
		if age {
			next = old | ageBit
		} else {
			next = old &^ ageBit
		}
		if h.word.CompareAndSwap(old, next) {
			return
		}
	}
}

// SetState force-sets the mark state without a from/to CAS. Used by the
// single-threaded sweeper transitioning state per the sweep state diagram,
// and by the write barrier's QueueRoot demoting OldMarked to Old.
func (h *Header) SetState(s MarkState) {
	for {
		old := h.word.Load()
		next := (old &^ stateMask) | uint64(s)
		if h.word.CompareAndSwap(old, next) {
			return
		}
	}
}

// Ref is the address of an object's payload (immediately after its header).
// It is a uintptr, not unsafe.Pointer: objects live in regions obtained
// directly from the OS via mmap, outside any Go-GC-managed arena, so there
// is no Go pointer to hold onto in the first place - see internal/page.
// Keeping these as plain addresses also means storing one inside another
// object's payload never triggers a Go write barrier, matching the
// mlink/fixalloc convention in the teacher's memory_and_heap package.
type Ref uintptr

// HeaderOf returns the header immediately preceding r's payload.
func HeaderOf(r Ref) *Header {
	return (*Header)(unsafe.Pointer(uintptr(r) - Size))
}

// PayloadOf returns the payload address immediately following a header
// located at hdr.
func PayloadOf(hdr unsafe.Pointer) Ref {
	return Ref(uintptr(hdr) + uintptr(Size))
}

// Kind classifies how a type descriptor's fields should be traced.
type Kind uint8

const (
	// KindOpaque types carry no pointer fields; scanning terminates
	// immediately.
	KindOpaque Kind = iota
	// KindStruct types have a fixed set of fields, some pointer-typed,
	// queried via FieldIsPointer/FieldOffset.
	KindStruct
	// KindArray types are homogeneous vectors of a single element type;
	// scanning iterates NumFields() slots at a fixed stride.
	KindArray
	// KindBuffer types are raw byte/string payloads. Scanning terminates
	// immediately: the collector neither traces them for pointers nor
	// marks any separate backing allocation.
	KindBuffer
)

// TypeDescriptor is the host's opaque per-type metadata. The collector only
// ever asks it "is this field a pointer", "what is its offset", and "is this
// a vector" - exactly the introspection surface spec.md §3 grants it.
type TypeDescriptor interface {
	Kind() Kind
	// NumFields returns the number of traceable slots: struct fields for
	// KindStruct, element count for KindArray. Meaningless otherwise.
	NumFields() int
	// FieldIsPointer reports whether slot i holds a pointer-typed value.
	FieldIsPointer(i int) bool
	// FieldOffset returns slot i's byte offset from the object payload.
	FieldOffset(i int) uintptr
}

// TypeTable resolves a TypeID to its descriptor. The host owns the backing
// storage and is responsible for keeping every TypeID ever embedded in a
// live header resolvable for the lifetime of the process.
type TypeTable interface {
	Lookup(TypeID) TypeDescriptor
}
