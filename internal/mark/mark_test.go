package mark

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/neptune-rt/neptune/internal/header"
	"github.com/neptune-rt/neptune/internal/workpool"
)

// linkType describes a struct with a single pointer field at offset 0,
// used throughout these tests to build chains and graphs of objects.
type linkType struct{}

func (linkType) Kind() header.Kind         { return header.KindStruct }
func (linkType) NumFields() int            { return 1 }
func (linkType) FieldIsPointer(i int) bool { return i == 0 }
func (linkType) FieldOffset(i int) uintptr { return 0 }

// leafType has no pointer fields; scanning it terminates immediately.
type leafType struct{}

func (leafType) Kind() header.Kind         { return header.KindOpaque }
func (leafType) NumFields() int            { return 0 }
func (leafType) FieldIsPointer(i int) bool { return false }
func (leafType) FieldOffset(i int) uintptr { return 0 }

const (
	typeLink header.TypeID = 1
	typeLeaf header.TypeID = 2
)

type fixedTable struct{}

func (fixedTable) Lookup(id header.TypeID) header.TypeDescriptor {
	switch id {
	case typeLink:
		return linkType{}
	case typeLeaf:
		return leafType{}
	default:
		return nil
	}
}

// newObj allocates a header.Size+8 byte object, initializes its header to
// typ/state, and returns its payload ref. The trailing 8 bytes hold the
// single pointer-field slot linkType scans.
func newObj(typ header.TypeID, state header.MarkState) header.Ref {
	buf := make([]byte, int(header.Size)+8)
	hdr := (*header.Header)(unsafe.Pointer(&buf[0]))
	hdr.Init(typ)
	hdr.SetState(state)
	return header.PayloadOf(unsafe.Pointer(&buf[0]))
}

func setChild(obj header.Ref, child header.Ref) {
	slot := (*header.Ref)(unsafe.Pointer(uintptr(obj)))
	*slot = child
}

func TestScanStructFollowsPointerField(t *testing.T) {
	pool := workpool.New(4)
	defer pool.Close()
	e := NewEngine(fixedTable{}, pool, 4)

	leaf := newObj(typeLeaf, header.Clean)
	mid := newObj(typeLink, header.Clean)
	root := newObj(typeLink, header.Clean)
	setChild(mid, leaf)
	setChild(root, mid)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.MarkRoots(ctx, []header.Ref{root}); err != nil {
		t.Fatalf("MarkRoots: %v", err)
	}

	for name, ref := range map[string]header.Ref{"root": root, "mid": mid, "leaf": leaf} {
		if got := header.HeaderOf(ref).State(); got != header.Marked {
			t.Fatalf("%s state = %v, want Marked", name, got)
		}
	}
}

func TestClaimLosersDoNotDoubleCount(t *testing.T) {
	// A single child reachable from many roots must only ever be claimed
	// (and therefore scanned) once, regardless of how many roots raced to
	// reach it first.
	pool := workpool.New(8)
	defer pool.Close()
	e := NewEngine(fixedTable{}, pool, 8)

	child := newObj(typeLeaf, header.Clean)
	const numRoots = 200
	roots := make([]header.Ref, numRoots)
	for i := range roots {
		r := newObj(typeLink, header.Clean)
		setChild(r, child)
		roots[i] = r
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.MarkRoots(ctx, roots); err != nil {
		t.Fatalf("MarkRoots: %v", err)
	}

	if got := header.HeaderOf(child).State(); got != header.Marked {
		t.Fatalf("child state = %v, want Marked", got)
	}
	for i, r := range roots {
		if got := header.HeaderOf(r).State(); got != header.Marked {
			t.Fatalf("root[%d] state = %v, want Marked", i, got)
		}
	}
}

// TestMarkIdempotentUnderConcurrency races many workers over a shared
// diamond-shaped object graph (P6: marking is idempotent regardless of
// scheduling). Run with -race to catch any header or cache corruption.
func TestMarkIdempotentUnderConcurrency(t *testing.T) {
	pool := workpool.New(8)
	defer pool.Close()
	e := NewEngine(fixedTable{}, pool, 8)

	shared := newObj(typeLeaf, header.Clean)
	var roots []header.Ref
	for i := 0; i < 64; i++ {
		a := newObj(typeLink, header.Clean)
		b := newObj(typeLink, header.Clean)
		setChild(a, shared)
		setChild(b, a)
		roots = append(roots, b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.MarkRoots(ctx, roots); err != nil {
		t.Fatalf("MarkRoots: %v", err)
	}
	if err := e.VisitMarkStack(ctx); err != nil {
		t.Fatalf("VisitMarkStack: %v", err)
	}

	if got := header.HeaderOf(shared).State(); got != header.Marked {
		t.Fatalf("shared state = %v, want Marked", got)
	}
	if !pool.Idle() {
		t.Fatalf("pool not idle after collection quiesced")
	}
}

func TestPromotedObjectPointingToYoungRegistersRemset(t *testing.T) {
	pool := workpool.New(2)
	defer pool.Close()
	e := NewEngine(fixedTable{}, pool, 2)

	young := newObj(typeLeaf, header.Clean)
	parent := newObj(typeLink, header.OldMarked)
	setChild(parent, young)

	w := &workpool.Worker{}
	cache := &Cache{}
	e.scan(w, cache, parent, 0)

	if len(cache.NewRemset) != 1 || cache.NewRemset[0] != parent {
		t.Fatalf("NewRemset = %v, want [parent]", cache.NewRemset)
	}
}

func TestMarkChildOverflowsDeepRecursionToSharedStack(t *testing.T) {
	pool := workpool.New(1)
	defer pool.Close()
	e := NewEngine(fixedTable{}, pool, 1)

	leaf := newObj(typeLeaf, header.Clean)
	w := &workpool.Worker{}
	cache := &Cache{}

	e.markChild(w, cache, leaf, MaxMarkDepth)

	if !claimed(leaf) {
		t.Fatalf("leaf should have been claimed even though it overflowed")
	}
	if e.Overflow.Empty() {
		t.Fatalf("expected leaf to land on the shared overflow stack at max depth")
	}
}

func claimed(ref header.Ref) bool {
	switch header.HeaderOf(ref).State() {
	case header.Marked, header.OldMarked:
		return true
	default:
		return false
	}
}

func TestReviveFinalizersRunsOnlyUnreachable(t *testing.T) {
	pool := workpool.New(4)
	defer pool.Close()
	e := NewEngine(fixedTable{}, pool, 4)

	reachable := newObj(typeLeaf, header.Marked)
	unreachable := newObj(typeLeaf, header.Clean)

	candidates := []FinalizerEntry{
		{Object: reachable, Fn: func(header.Ref) {}},
		{Object: unreachable, Fn: func(header.Ref) {}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	toRun, stillLive, err := e.ReviveFinalizers(ctx, candidates)
	if err != nil {
		t.Fatalf("ReviveFinalizers: %v", err)
	}
	if len(toRun) != 1 || toRun[0].Object != unreachable {
		t.Fatalf("toRun = %v, want just unreachable", toRun)
	}
	if len(stillLive) != 1 || stillLive[0].Object != reachable {
		t.Fatalf("stillLive = %v, want just reachable", stillLive)
	}
	if got := header.HeaderOf(unreachable).State(); got != header.Marked {
		t.Fatalf("revived object state = %v, want Marked", got)
	}
}

func TestClaimTransitionsOldToOldMarked(t *testing.T) {
	ref := newObj(typeLeaf, header.Old)
	if !claim(ref) {
		t.Fatalf("claim on Old object should succeed")
	}
	if got := header.HeaderOf(ref).State(); got != header.OldMarked {
		t.Fatalf("state after claim = %v, want OldMarked", got)
	}
	if claim(ref) {
		t.Fatalf("second claim on already-OldMarked object should fail")
	}
}
