// Package gc implements the object heap shared by the VM: a slot arena
// addressed by generation-checked handles, reference edges with
// multiplicity, and a mark-and-sweep collector rooted at online objects.
//
// A Heap is not safe for concurrent use. The VM drives it from a single
// goroutine; anything running elsewhere hands results back to that
// goroutine before they become heap objects.
package gc

import (
	"fmt"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Ref
// ---------------------------------------------------------------------------

// Ref is a handle to a heap object. Refs compare equal iff they name the
// same allocation; a handle to a freed slot is stale and using it panics.
// The zero Ref is the nil handle.
type Ref struct {
	index uint32
	gen   uint32
}

// Nil is the zero handle.
var Nil Ref

// IsNil reports whether r is the zero handle.
func (r Ref) IsNil() bool { return r.gen == 0 }

func (r Ref) String() string {
	if r.IsNil() {
		return "ref(nil)"
	}
	return fmt.Sprintf("ref(%d:%d)", r.index, r.gen)
}

// ---------------------------------------------------------------------------
// Payload hooks
// ---------------------------------------------------------------------------

// Finalizer is implemented by payloads that own resources outside the heap.
// Finalize runs during sweep, before the slot is released. It must not touch
// the heap.
type Finalizer interface {
	Finalize()
}

// Tracer is implemented by payloads that can enumerate the handles they
// store. Verify compares the result against the recorded edges.
type Tracer interface {
	Trace() []Ref
}

// ---------------------------------------------------------------------------
// Heap
// ---------------------------------------------------------------------------

type slot struct {
	obj  any
	gen  uint32
	live bool

	holds       int         // root holds; the object is online while > 0
	refCount    int         // incoming edge multiplicity
	edges       map[Ref]int // outgoing edges
	marked      bool
	pendingFree bool
}

// Heap owns every object allocated by the VM.
type Heap struct {
	slots []slot
	free  []uint32
	live  int

	threshold    int
	sinceCollect int
	verify       bool
	closed       bool

	totals Totals
	last   *Stats

	log commonlog.Logger
}

// Option configures a Heap.
type Option func(*Heap)

// WithThreshold sets how many allocations MaybeCollect lets pass between
// collections. Zero disables automatic collection.
func WithThreshold(n int) Option {
	return func(h *Heap) { h.threshold = n }
}

// WithVerify runs Verify after every collection and panics on failure.
func WithVerify(on bool) Option {
	return func(h *Heap) { h.verify = on }
}

// WithLogger replaces the default "xlang.gc" logger.
func WithLogger(l commonlog.Logger) Option {
	return func(h *Heap) { h.log = l }
}

// DefaultThreshold is the allocation count between automatic collections.
const DefaultThreshold = 4096

// New creates an empty heap.
func New(opts ...Option) *Heap {
	h := &Heap{
		threshold: DefaultThreshold,
		log:       commonlog.GetLogger("xlang.gc"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Alloc registers obj and returns an online handle to it. The caller owns
// the single root hold and must eventually DropRef or Offline it.
func (h *Heap) Alloc(obj any) Ref {
	if h.closed {
		panic("gc: alloc on closed heap")
	}
	if obj == nil {
		panic("gc: alloc of nil payload")
	}
	var idx uint32
	if n := len(h.free); n > 0 {
		idx = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		h.slots = append(h.slots, slot{})
		idx = uint32(len(h.slots) - 1)
	}
	s := &h.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.obj = obj
	s.live = true
	s.holds = 1
	s.refCount = 0
	s.edges = nil
	s.marked = false
	s.pendingFree = false

	h.live++
	h.sinceCollect++
	h.totals.Allocated++
	return Ref{index: idx, gen: s.gen}
}

func (h *Heap) slot(r Ref) *slot {
	if r.IsNil() {
		panic("gc: nil reference")
	}
	if int(r.index) >= len(h.slots) {
		panic(fmt.Sprintf("gc: reference %v out of range", r))
	}
	s := &h.slots[r.index]
	if !s.live || s.gen != r.gen {
		panic(fmt.Sprintf("gc: use of freed object %v", r))
	}
	return s
}

// Get returns the payload behind r.
func (h *Heap) Get(r Ref) any {
	return h.slot(r).obj
}

// IsAvailable reports whether r names a live object.
func (h *Heap) IsAvailable(r Ref) bool {
	if r.IsNil() || int(r.index) >= len(h.slots) {
		return false
	}
	s := &h.slots[r.index]
	return s.live && s.gen == r.gen
}

// CloneRef adds a root hold on r and returns it.
func (h *Heap) CloneRef(r Ref) Ref {
	h.slot(r).holds++
	return r
}

// DropRef releases one root hold. Releasing a hold that was never taken is
// a bookkeeping bug and panics.
func (h *Heap) DropRef(r Ref) {
	s := h.slot(r)
	if s.holds == 0 {
		panic(fmt.Sprintf("gc: hold underflow on %v (%T)", r, s.obj))
	}
	s.holds--
}

// Offline releases every root hold on r.
func (h *Heap) Offline(r Ref) {
	h.slot(r).holds = 0
}

// IsOnline reports whether r is currently a root.
func (h *Heap) IsOnline(r Ref) bool {
	return h.slot(r).holds > 0
}

// Holds returns the number of root holds on r.
func (h *Heap) Holds(r Ref) int {
	return h.slot(r).holds
}

// AddEdge records that from holds a reference to to.
func (h *Heap) AddEdge(from, to Ref) {
	fs := h.slot(from)
	ts := h.slot(to)
	if fs.edges == nil {
		fs.edges = make(map[Ref]int, 2)
	}
	fs.edges[to]++
	ts.refCount++
}

// RemoveEdge removes one occurrence of the edge from -> to. Removing an
// edge that does not exist panics.
func (h *Heap) RemoveEdge(from, to Ref) {
	fs := h.slot(from)
	n, ok := fs.edges[to]
	if !ok {
		panic(fmt.Sprintf("gc: remove of missing edge %v -> %v", from, to))
	}
	ts := h.slot(to)
	if ts.refCount == 0 {
		panic(fmt.Sprintf("gc: refcount underflow on %v", to))
	}
	if n == 1 {
		delete(fs.edges, to)
	} else {
		fs.edges[to] = n - 1
	}
	ts.refCount--
}

// ReplaceEdge swaps an edge from -> old for from -> next. Either side may be
// Nil, in which case only the other half is applied.
func (h *Heap) ReplaceEdge(from, old, next Ref) {
	if !next.IsNil() {
		h.AddEdge(from, next)
	}
	if !old.IsNil() {
		h.RemoveEdge(from, old)
	}
}

// Edges returns a copy of r's outgoing edge multiset.
func (h *Heap) Edges(r Ref) map[Ref]int {
	s := h.slot(r)
	out := make(map[Ref]int, len(s.edges))
	for k, v := range s.edges {
		out[k] = v
	}
	return out
}

// RefCount returns the incoming edge multiplicity of r.
func (h *Heap) RefCount(r Ref) int {
	return h.slot(r).refCount
}

// Len returns the number of live objects.
func (h *Heap) Len() int { return h.live }

// Each calls fn for every live object until fn returns false.
func (h *Heap) Each(fn func(Ref, any) bool) {
	for i := range h.slots {
		s := &h.slots[i]
		if !s.live {
			continue
		}
		if !fn(Ref{index: uint32(i), gen: s.gen}, s.obj) {
			return
		}
	}
}
