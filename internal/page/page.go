// Package page implements the region/page manager: it maps backing memory
// from the OS in large chunks ("regions") and hands out naturally aligned,
// fixed-size pages carved out of them. It is component A of spec.md §4.
package page

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/RoaringBitmap/roaring"
	"golang.org/x/sys/unix"
)

// Size is the fixed page size handed out by AllocPage. 16KiB matches
// spec.md §3's default. It is never rounded up: init below panics if it is
// not a multiple of the OS page size.
const Size = 16 * 1024

// DefaultRegionPageCount is the number of pages requested for a fresh
// region on 64-bit platforms (2GiB worth, matching
// original_source/neptune/src/pages.rs's DEFAULT_REGION_PG_COUNT for
// non-32-bit targets).
const DefaultRegionPageCount = 4 * 8 * 4096

// MinRegionPageCount is the floor a region request is allowed to shrink to
// before OOM is reported.
const MinRegionPageCount = 64

var (
	// ErrOutOfMemory is returned when no region can be grown or mapped,
	// even after shrinking the request down to MinRegionPageCount.
	ErrOutOfMemory = errors.New("page: out of memory")
)

// osPageSize is resolved once at package init and used to verify that Size
// is an exact multiple of it; if it is not (e.g. an unusual huge-page-only
// platform) init panics rather than adjusting Size. 16KiB is a multiple of
// every common host page size.
var osPageSize = unix.Getpagesize()

func init() {
	if Size%osPageSize != 0 {
		panic(fmt.Sprintf("page: configured page size %d is not a multiple of the OS page size %d", Size, osPageSize))
	}
}

// Page is a naturally Size-aligned block of memory belonging to exactly one
// size class and owner thread at a time. The page itself carries no object
// data here - allocators index into the raw bytes via Data - only the
// metadata the region manager and pool allocator need to track ownership
// and liveness across a sweep.
type Page struct {
	region *Region
	addr   uintptr // region-relative... no: absolute address of page start
	index  int     // page index within its region's bitmap

	// Owner and SizeClass are set by the pool allocator once it carves a
	// fresh page for a size class, and LiveCount and OldCount by its
	// sweep; the region manager itself never inspects them. Generation is
	// not set by any package in this module.
	Owner      uintptr // opaque thread identifier
	SizeClass  int     // object stride in bytes, or 0 if unused
	LiveCount  int     // objects marked {Marked,Old,OldMarked} as of last sweep
	OldCount   int     // of LiveCount, how many are Old/OldMarked
	Generation uint8

	// Next links this page into its owning classState's intrusive list of
	// every page ever carved for that (thread, size class) pair, mirroring
	// the teacher's mspan.next list pointer (memory_and_heap/mheap.go). Set
	// and walked only by internal/pool - the region manager never follows
	// it.
	Next *Page
}

// Data returns the raw, zeroed bytes backing this page.
func (p *Page) Data() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p.addr)), Size)
}

// Addr returns the page's starting address.
func (p *Page) Addr() uintptr { return p.addr }

// Region is a contiguous range of pages backed by a single anonymous mmap.
// Regions are grown lazily and never shrunk (spec.md §3 Lifecycles).
type Region struct {
	base     uintptr
	pageCnt  int
	allocmap *roaring.Bitmap // one bit per page: set means "page in use"
	lb, ub   int             // low/high water marks bracketing the scan range
	pages    []Page          // metadata, one entry per page, indexed by page index
}

func (r *Region) contains(addr uintptr) bool {
	return addr >= r.base && addr < r.base+uintptr(r.pageCnt)*Size
}

// Manager owns the list of regions and serializes all page bookkeeping
// behind a single lock - spec.md §4.A notes allocation frequency is low
// relative to object allocation, so a single mutex is the right tradeoff
// over anything more elaborate.
type Manager struct {
	mu              sync.Mutex
	regions         []*Region
	regionPageCount int // shrinks under memory pressure, like the Rust original
}

// NewManager probes RLIMIT_AS the way
// original_source/neptune/src/pages.rs's PageMgr::new does, halving the
// default region size until two regions comfortably fit under the
// process's address-space limit. This is not in spec.md's distillation but
// is cheap and avoids an immediate ENOMEM on constrained containers.
func NewManager() *Manager {
	pageCount := DefaultRegionPageCount

	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_AS, &rlim); err == nil && rlim.Cur != unix.RLIM_INFINITY {
		for uint64(pageCount)*Size*2 > rlim.Cur && pageCount > MinRegionPageCount {
			pageCount /= 2
		}
	}

	return &Manager{regionPageCount: pageCount}
}

// AllocPage returns a zeroed, Size-aligned page. Thread-safe.
func (m *Manager) AllocPage() (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.regions {
		if pg, ok := m.allocFrom(r); ok {
			return pg, nil
		}
	}

	r, err := m.growRegion()
	if err != nil {
		return nil, err
	}
	m.regions = append(m.regions, r)

	pg, ok := m.allocFrom(r)
	if !ok {
		// Cannot happen: a freshly mapped region is entirely free.
		return nil, ErrOutOfMemory
	}
	return pg, nil
}

// allocFrom scans r's allocmap from r.lb looking for a free page, mirroring
// spec.md §4.A's "scan allocmap starting at lb" algorithm.
func (m *Manager) allocFrom(r *Region) (*Page, bool) {
	for i := r.lb; i < r.pageCnt; i++ {
		if !r.allocmap.Contains(uint32(i)) {
			r.allocmap.Add(uint32(i))
			r.lb = i + 1
			if i > r.ub {
				r.ub = i
			}
			pg := &r.pages[i]
			clear(pg.Data())
			return pg, true
		}
	}
	return nil, false
}

// FreePage returns a page to its region. Thread-safe.
func (m *Manager) FreePage(p *Page) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := p.region
	r.allocmap.Remove(uint32(p.index))
	if p.index < r.lb {
		r.lb = p.index
	}
	p.Owner = 0
	p.SizeClass = 0
	p.LiveCount = 0
	p.OldCount = 0
	p.Next = nil
}

// growRegion maps a fresh region via anonymous mmap, shrinking the request
// toward MinRegionPageCount on failure before giving up entirely, per
// spec.md §4.A.
func (m *Manager) growRegion() (*Region, error) {
	pageCount := m.regionPageCount
	for {
		r, err := mapRegion(pageCount)
		if err == nil {
			if pageCount < m.regionPageCount {
				m.regionPageCount = pageCount
			}
			return r, nil
		}
		if pageCount <= MinRegionPageCount {
			return nil, ErrOutOfMemory
		}
		pageCount /= 2
		if pageCount < MinRegionPageCount {
			pageCount = MinRegionPageCount
		}
	}
}

func mapRegion(pageCount int) (*Region, error) {
	size := pageCount * Size
	// Over-map by one page so we can hand back a Size-aligned slice even
	// if the kernel happened to give us a mapping that isn't already
	// aligned (mmap of anonymous memory is page-aligned but not
	// necessarily Size-aligned when Size exceeds the OS page size).
	raw, err := unix.Mmap(-1, 0, size+Size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, err
	}

	base := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	aligned := (base + Size - 1) &^ (Size - 1)

	r := &Region{
		base:     aligned,
		pageCnt:  pageCount,
		allocmap: roaring.New(),
		pages:    make([]Page, pageCount),
	}
	for i := range r.pages {
		r.pages[i] = Page{region: r, addr: aligned + uintptr(i)*Size, index: i}
	}
	return r, nil
}

// regionOf locates the region containing addr, used by FreePage callers
// that only have a raw address (e.g. the sweep engine resolving a buffer
// pointer back to its owning page). It is exported as PageContaining for
// that purpose.
func (m *Manager) regionOf(addr uintptr) *Region {
	for _, r := range m.regions {
		if r.contains(addr) {
			return r
		}
	}
	return nil
}

// PageContaining returns the page metadata for the page that addr falls
// within, or nil if addr was not obtained from this manager.
func (m *Manager) PageContaining(addr uintptr) *Page {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.regionOf(addr)
	if r == nil {
		return nil
	}
	idx := int((addr - r.base) / Size)
	if idx < 0 || idx >= r.pageCnt {
		return nil
	}
	return &r.pages[idx]
}
