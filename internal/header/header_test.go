package header

import (
	"sync"
	"testing"
	"unsafe"
)

func ptrAt(buf []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&buf[off])
}

func TestInitAndRead(t *testing.T) {
	var h Header
	h.Init(TypeID(42))
	if got := h.State(); got != Clean {
		t.Fatalf("State() = %v, want Clean", got)
	}
	if h.Age() {
		t.Fatalf("Age() = true, want false on init")
	}
	if got := h.Type(); got != 42 {
		t.Fatalf("Type() = %d, want 42", got)
	}
}

func TestTrySetMarkOnlyOneWinner(t *testing.T) {
	var h Header
	h.Init(1)

	const workers = 32
	var wins atomic32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if h.TrySetMark(Clean, Marked) {
				wins.add(1)
			}
		}()
	}
	wg.Wait()

	if wins.load() != 1 {
		t.Fatalf("expected exactly one winning CAS, got %d", wins.load())
	}
	if got := h.State(); got != Marked {
		t.Fatalf("State() = %v, want Marked", got)
	}
}

func TestTrySetMarkPreservesTypeAndAge(t *testing.T) {
	var h Header
	h.Init(7)
	h.SetAge(true)

	if !h.TrySetMark(Clean, Marked) {
		t.Fatalf("expected CAS to succeed from Clean")
	}
	if got := h.Type(); got != 7 {
		t.Fatalf("Type() = %d, want 7 (must survive mark CAS)", got)
	}
	if !h.Age() {
		t.Fatalf("Age() = false, want true (must survive mark CAS)")
	}
}

func TestSetStateAndSetAge(t *testing.T) {
	var h Header
	h.Init(3)
	h.SetState(OldMarked)
	if got := h.State(); got != OldMarked {
		t.Fatalf("State() = %v, want OldMarked", got)
	}
	h.SetAge(false)
	if h.Age() {
		t.Fatalf("Age() = true after SetAge(false)")
	}
}

func TestHeaderOfPayloadOfRoundTrip(t *testing.T) {
	buf := make([]byte, int(Size)+32)
	hdr := (*Header)(ptrAt(buf, 0))
	hdr.Init(9)
	ref := PayloadOf(ptrAt(buf, 0))
	got := HeaderOf(ref)
	if got.Type() != 9 {
		t.Fatalf("HeaderOf(PayloadOf(hdr)) did not round-trip: Type() = %d", got.Type())
	}
}

// atomic32 is a tiny int counter local to this test file to avoid pulling
// in sync/atomic's typed counters just for a win-count assertion.
type atomic32 struct {
	mu sync.Mutex
	n  int
}

func (a *atomic32) add(d int) {
	a.mu.Lock()
	a.n += d
	a.mu.Unlock()
}

func (a *atomic32) load() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}
