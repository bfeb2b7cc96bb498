// Package pool implements the size-segregated, per-thread small-object
// pool allocator: component B of spec.md §4.B. Each thread keeps one Pool
// per size class, bump/pop-allocating out of a current page and falling
// back to a freelist of previously freed slots.
package pool

import (
	"unsafe"

	"github.com/neptune-rt/neptune/internal/header"
	"github.com/neptune-rt/neptune/internal/page"
)

// sizeClasses is the fixed, monotone-increasing stride table. The largest
// entry is GCMaxSizeClass, roughly half of page.Size; anything larger big-
// allocates instead (internal/bigobj).
var sizeClasses = []uintptr{
	16, 32, 48, 64, 80, 96, 112, 128, 160, 192, 224, 256,
	320, 384, 448, 512, 640, 768, 896, 1024,
	1280, 1536, 1792, 2048, 2688, 3072, 3584, 4096,
	5376, 6144, 7168, 8192,
}

// GCMaxSizeClass is the largest stride served by pool allocation.
var GCMaxSizeClass = sizeClasses[len(sizeClasses)-1]

// NumSizeClasses is the number of distinct pool size classes.
var NumSizeClasses = len(sizeClasses)

func init() {
	if GCMaxSizeClass > page.Size/2 {
		panic("pool: largest size class must not exceed half a page")
	}
}

// ClassOf returns the size-class index serving objects of the given size,
// and the rounded-up stride that will actually be allocated. The second
// return reports whether osize fits a pool class at all; false means the
// caller should big-allocate.
func ClassOf(osize uintptr) (class int, stride uintptr, ok bool) {
	if osize > GCMaxSizeClass {
		return 0, 0, false
	}
	for i, s := range sizeClasses {
		if s >= osize {
			return i, s, true
		}
	}
	// Unreachable given the GCMaxSizeClass invariant above.
	return 0, 0, false
}

// freeSlot is how freed slots are linked together; it aliases the first
// word of the (otherwise-dead) payload, exactly like the teacher's mlink in
// memory_and_heap/mfixalloc.go.
type freeSlot struct {
	next *freeSlot
}

// classState is one thread's (owned pages, freelist) state for a single
// size class. current is always the most recently carved page and also the
// head of the class's full page list: pages are singly linked via
// page.Page.Next, newest first, so SweepClass can walk every page this
// class has ever owned, not only the one still being bump-allocated into.
type classState struct {
	stride  uintptr
	current *page.Page
	bump    uintptr // next unclaimed offset within current, relative to page start
	free    *freeSlot
}

// Pool is one thread's complete set of per-size-class allocation state.
// Pools are owned exclusively by their thread between collections; the
// collector only touches them at a safepoint during sweep (spec.md §3's
// tl_gcs contract).
type Pool struct {
	pages   *page.Manager
	classes [32]classState // len == NumSizeClasses, fixed array to avoid a slice indirection per alloc
	owner   uintptr
}

// New creates a Pool that carves fresh pages from pages on demand.
func New(pages *page.Manager, owner uintptr) *Pool {
	p := &Pool{pages: pages, owner: owner}
	for i, s := range sizeClasses {
		p.classes[i] = classState{stride: s}
	}
	return p
}

// Alloc returns osize bytes (already rounded up to osize's size class by the
// caller via ClassOf, or directly passed as a class index) from the
// calling thread's pool. The returned payload is zeroed.
func (p *Pool) Alloc(class int, typ header.TypeID) header.Ref {
	cs := &p.classes[class]

	if cs.free != nil {
		slot := cs.free
		cs.free = slot.next
		ref := header.Ref(uintptr(unsafe.Pointer(slot)))
		clear(unsafe.Slice((*byte)(unsafe.Pointer(slot)), cs.stride))
		hdr := header.HeaderOf(ref)
		hdr.Init(typ)
		return ref
	}

	if cs.current == nil || cs.bump+header.Size+cs.stride > page.Size {
		pg, err := p.pages.AllocPage()
		if err != nil {
			return 0
		}
		pg.Owner = p.owner
		pg.SizeClass = int(cs.stride)
		pg.Next = cs.current // prepend: cs.current is always this class's page list head
		cs.current = pg
		cs.bump = 0
	}

	base := uintptr(unsafe.Pointer(&cs.current.Data()[cs.bump]))
	cs.bump += header.Size + cs.stride

	hdr := (*header.Header)(unsafe.Pointer(base))
	hdr.Init(typ)
	return header.PayloadOf(unsafe.Pointer(base))
}

// Stats reports, for diagnostics, the stride and whether a page is
// currently backing each size class.
func (p *Pool) Stats() []ClassStat {
	out := make([]ClassStat, NumSizeClasses)
	for i := range out {
		out[i] = ClassStat{
			Stride:    p.classes[i].stride,
			HasPage:   p.classes[i].current != nil,
			FreeCount: countFree(p.classes[i].free),
		}
	}
	return out
}

// ClassStat is a diagnostic snapshot of one size class's state.
type ClassStat struct {
	Stride    uintptr
	HasPage   bool
	FreeCount int
}

// LiveBytes sums stride*LiveCount across every page this pool owns, for
// every size class, reporting what the last sweep found live.
func (p *Pool) LiveBytes() uint64 {
	var total uint64
	for i := range p.classes {
		cs := &p.classes[i]
		for pg := cs.current; pg != nil; pg = pg.Next {
			total += uint64(pg.LiveCount) * uint64(cs.stride)
		}
	}
	return total
}

func countFree(f *freeSlot) int {
	n := 0
	for f != nil {
		n++
		f = f.next
	}
	return n
}

// pushFree pushes ref's slot onto the class's freelist. SweepClass below
// rebuilds the freelist inline and does not call it; nothing in this
// module calls it.
func (cs *classState) pushFree(ref header.Ref) {
	slot := (*freeSlot)(unsafe.Pointer(uintptr(ref)))
	slot.next = cs.free
	cs.free = slot
}

// SweepClass walks every slot of every page this thread has ever carved for
// the given size class - not only the one currently being bump-allocated
// into - classifying each slot's header via classify and either reclaiming
// it (pushed onto the rebuilt freelist) or keeping it (left alone other
// than the state transition classify already performed). Pages found
// entirely empty are returned to the page manager; the survivors are
// re-threaded into the class's owned-page list via page.Page.Next.
// SweepClass implements spec.md §4.B's sweep algorithm and the per-object
// state diagram in §4.G, which lives in internal/sweep and is passed in as
// classify to keep this package free of a dependency on sweep policy.
func (p *Pool) SweepClass(class int, classify func(hdr *header.Header) (reclaim bool)) {
	cs := &p.classes[class]
	if cs.current == nil {
		return
	}

	slotStride := header.Size + cs.stride
	// A retired (non-head) page was only ever replaced because the next
	// allocation didn't fit, so every whole slot it has room for was
	// handed out at some point; walk it to full capacity rather than to a
	// remembered bump offset, which only the head page still tracks.
	fullCapacity := (page.Size / slotStride) * slotStride

	oldCurrent := cs.current
	var rebuilt *freeSlot
	var retainedHead, retainedTail *page.Page

	pg := cs.current
	first := true
	for pg != nil {
		next := pg.Next
		limit := fullCapacity
		if first {
			limit = cs.bump
		}

		live, old := 0, 0
		pageFree := rebuilt
		for off := uintptr(0); off+slotStride <= limit; off += slotStride {
			hdr := (*header.Header)(unsafe.Pointer(&pg.Data()[off]))
			if classify(hdr) {
				slot := (*freeSlot)(unsafe.Pointer(&pg.Data()[off+header.Size]))
				slot.next = rebuilt
				rebuilt = slot
			} else {
				live++
				if s := hdr.State(); s == header.Old || s == header.OldMarked {
					old++
				}
			}
		}
		pg.LiveCount = live
		pg.OldCount = old

		if live == 0 {
			// The page goes back to the page manager, so none of its
			// slots may stay on the rebuilt freelist.
			rebuilt = pageFree
			p.pages.FreePage(pg)
		} else {
			pg.Next = nil
			if retainedHead == nil {
				retainedHead = pg
			} else {
				retainedTail.Next = pg
			}
			retainedTail = pg
		}

		first = false
		pg = next
	}

	cs.free = rebuilt
	cs.current = retainedHead
	if retainedHead == oldCurrent {
		// The head page survived with its bump offset unchanged; future
		// allocations keep bumping from where they left off, falling back
		// to cs.free for slots classify just reclaimed.
		return
	}
	// Either nothing survived, or the head page was fully reclaimed and
	// some older, already-full page is now the nominal head: there is no
	// bump room left in it, so force the next Alloc to carve a fresh page.
	cs.bump = page.Size
}
