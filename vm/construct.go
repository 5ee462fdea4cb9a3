package vm

import (
	"github.com/chazu/xlang/gc"
)

// Constructors return a handle carrying one root hold owned by the caller.
// Handles passed in are borrowed: the new object records an edge to them and
// the caller keeps its own hold.

func NewNull(h *gc.Heap) gc.Ref { return h.Alloc(&Null{}) }

func NewBool(h *gc.Heap, v bool) gc.Ref { return h.Alloc(&Bool{Value: v}) }

func NewInt(h *gc.Heap, v int64) gc.Ref { return h.Alloc(&Int{Value: v}) }

func NewFloat(h *gc.Heap, v float64) gc.Ref { return h.Alloc(&Float{Value: v}) }

func NewString(h *gc.Heap, v string) gc.Ref { return h.Alloc(&String{Value: v}) }

func NewBytes(h *gc.Heap, v []byte) gc.Ref {
	return h.Alloc(&Bytes{Value: append([]byte(nil), v...)})
}

// NewTuple allocates a tuple over values.
func NewTuple(h *gc.Heap, values []gc.Ref) gc.Ref {
	t := &Tuple{Values: append([]gc.Ref(nil), values...)}
	r := h.Alloc(t)
	for _, v := range t.Values {
		h.AddEdge(r, v)
	}
	return r
}

func NewKeyVal(h *gc.Heap, key, value gc.Ref) gc.Ref {
	r := h.Alloc(&KeyVal{Key: key, Value: value})
	h.AddEdge(r, key)
	h.AddEdge(r, value)
	return r
}

func NewNamed(h *gc.Heap, key, value gc.Ref) gc.Ref {
	r := h.Alloc(&Named{Key: key, Value: value})
	h.AddEdge(r, key)
	h.AddEdge(r, value)
	return r
}

// NewWrapper allocates a variable cell around target. Wrapping a Wrapper is
// a type error.
func NewWrapper(h *gc.Heap, target gc.Ref) (gc.Ref, error) {
	if Is(h, target, KindWrapper) {
		return gc.Nil, typeError(h, "cannot wrap a wrapper", target)
	}
	r := h.Alloc(&Wrapper{Target: target})
	h.AddEdge(r, target)
	return r, nil
}

func NewRange(h *gc.Heap, start, end int64) gc.Ref {
	return h.Alloc(&Range{Start: start, End: end, iter: start})
}

// NewSet pairs a collection with a filter lambda.
func NewSet(h *gc.Heap, collection, filter gc.Ref) (gc.Ref, error) {
	switch KindOf(h, collection) {
	case KindTuple, KindString, KindBytes, KindRange:
	default:
		return gc.Nil, typeError(h, "set collection must be a tuple, string, bytes or range", collection)
	}
	if !Is(h, filter, KindLambda) {
		return gc.Nil, typeError(h, "set filter must be a lambda", filter)
	}
	r := h.Alloc(&Set{Collection: collection, Filter: filter})
	h.AddEdge(r, collection)
	h.AddEdge(r, filter)
	return r, nil
}

func NewInstructions(h *gc.Heap, pkg *Package) gc.Ref {
	return h.Alloc(&Instructions{Package: pkg})
}

// NewStringKeyVal is a convenience for record fields keyed by string.
func NewStringKeyVal(h *gc.Heap, key string, value gc.Ref) gc.Ref {
	k := NewString(h, key)
	r := NewKeyVal(h, k, value)
	h.DropRef(k)
	return r
}

// BuildTuple allocates a tuple from owned handles, consuming their holds.
func BuildTuple(h *gc.Heap, owned ...gc.Ref) gc.Ref {
	r := NewTuple(h, owned)
	for _, v := range owned {
		h.DropRef(v)
	}
	return r
}

// Drop releases a batch of holds.
func Drop(h *gc.Heap, refs ...gc.Ref) {
	for _, r := range refs {
		if !r.IsNil() {
			h.DropRef(r)
		}
	}
}
