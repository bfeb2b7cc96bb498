// Package barrier implements the generational write barrier bookkeeping and
// remembered sets: component D of spec.md §4.D. The host's JIT emits the
// actual barrier instructions on every pointer store; this package only
// holds the data structures and the QueueRoot/QueueBinding entry points the
// generated code calls into.
package barrier

import "github.com/neptune-rt/neptune/internal/header"

// Binding is a mutable module-global slot. Bindings are distinct from
// object fields: the host's module/global table, not any object's memory,
// owns them, so they get their own remembered set rather than reusing the
// object remset (original_source/julia/src/gc.c keeps bindings_in_memory
// and MTable separate from the object remset for the same reason).
type Binding uintptr

// Set is one thread's double-buffered remembered set: a list of old
// objects observed to have stored a pointer to a young object since the
// last collection. Remsets are double-buffered across collections per
// spec.md §4.D: at the start of a cycle remsetLast is swapped in for the
// previous remsetCurrent and the new remsetCurrent starts empty.
type Set struct {
	current []header.Ref
	last    []header.Ref
}

// QueueRoot appends o to the current remset and demotes it from
// OldMarked to Old, preventing repeat queueing until the next mark pass
// re-discovers it live (spec.md §4.D).
//
// The host is expected to call this only when o's header is OldMarked at
// the time of the store (o.f = v where o is OldMarked) - checking that
// precondition is the generated barrier's job, not this function's; this
// function unconditionally performs the queue + demote.
func (s *Set) QueueRoot(o header.Ref) {
	header.HeaderOf(o).SetState(header.Old)
	s.current = append(s.current, o)
}

// Swap moves the current remset to "last" (to be re-marked this cycle) and
// resets current to empty, ready to accumulate stores observed during the
// upcoming mutator quiescence and the next mutator epoch.
func (s *Set) Swap() {
	s.last, s.current = s.current, s.last[:0]
}

// Last returns the remset entries to be re-marked this cycle.
func (s *Set) Last() []header.Ref { return s.last }

// CurrentLen and LastLen back the remset_len/last_remset_len introspection
// hooks spec.md §6 exposes to the host.
func (s *Set) CurrentLen() int { return len(s.current) }
func (s *Set) LastLen() int    { return len(s.last) }

// BindingSet is the binding analogue of Set, tracking mutable module-global
// slots rather than object fields.
type BindingSet struct {
	entries []Binding
}

// QueueBinding appends b to the binding remset. Unlike QueueRoot, bindings
// carry no mark state of their own (they are slots, not objects), so there
// is nothing to demote - the binding is simply re-scanned as a root next
// cycle via MarkThreadLocal.
func (bs *BindingSet) QueueBinding(b Binding) {
	bs.entries = append(bs.entries, b)
}

// Entries returns the queued bindings for this thread.
func (bs *BindingSet) Entries() []Binding { return bs.entries }

// Clear empties the binding remset. The binding remset is not double-
// buffered like the object remset: spec.md only requires it be re-scanned
// as part of this thread's roots, and mutator code re-populates it as new
// stores occur, so at collection start it is simply drained into the mark
// phase and reset.
func (bs *BindingSet) Clear() {
	bs.entries = bs.entries[:0]
}

// StackRootQueue holds stack/thread-local roots discovered by the host's
// root enumeration at a safepoint. The host pushes roots here once per
// safepoint; the mark engine drains them via MarkThreadLocal.
type StackRootQueue struct {
	roots []header.Ref
}

// Push records a root discovered by host root enumeration.
func (q *StackRootQueue) Push(r header.Ref) {
	q.roots = append(q.roots, r)
}

// Roots returns (and does not clear) the queued roots.
func (q *StackRootQueue) Roots() []header.Ref { return q.roots }

// Reset clears the queue, called once the driver has fed its contents to
// the mark engine for this cycle.
func (q *StackRootQueue) Reset() {
	q.roots = q.roots[:0]
}
