package vm

import (
	"bytes"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/chazu/xlang/gc"
)

// Deref follows a Wrapper to its target. Other values are returned as is.
func Deref(h *gc.Heap, r gc.Ref) gc.Ref {
	if w, ok := As[*Wrapper](h, r); ok {
		return w.Target
	}
	return r
}

// ---------------------------------------------------------------------------
// Equality
// ---------------------------------------------------------------------------

// Equal compares two values structurally. Int and Float compare
// numerically; lambdas, sets and code compare by identity.
func Equal(h *gc.Heap, a, b gc.Ref) bool {
	return equalDepth(h, Deref(h, a), Deref(h, b), 0)
}

const maxEqualDepth = 256

func equalDepth(h *gc.Heap, a, b gc.Ref, depth int) bool {
	if a == b {
		return true
	}
	if depth > maxEqualDepth {
		return false
	}
	oa, ob := Get(h, a), Get(h, b)
	if fa, ok := numeric(oa); ok {
		fb, ok := numeric(ob)
		if !ok {
			return false
		}
		ia, aInt := oa.(*Int)
		ib, bInt := ob.(*Int)
		if aInt && bInt {
			return ia.Value == ib.Value
		}
		return fa == fb
	}
	if oa.Kind() != ob.Kind() {
		return false
	}
	switch x := oa.(type) {
	case *Null:
		return true
	case *Bool:
		return x.Value == ob.(*Bool).Value
	case *String:
		return x.Value == ob.(*String).Value
	case *Bytes:
		return bytes.Equal(x.Value, ob.(*Bytes).Value)
	case *Range:
		y := ob.(*Range)
		return x.Start == y.Start && x.End == y.End
	case *Tuple:
		y := ob.(*Tuple)
		if len(x.Values) != len(y.Values) {
			return false
		}
		for i := range x.Values {
			if !equalDepth(h, Deref(h, x.Values[i]), Deref(h, y.Values[i]), depth+1) {
				return false
			}
		}
		return true
	case *KeyVal, *Named:
		ka, va, _ := Pair(oa)
		kb, vb, _ := Pair(ob)
		return equalDepth(h, ka, kb, depth+1) && equalDepth(h, Deref(h, va), Deref(h, vb), depth+1)
	}
	return false
}

func numeric(o Object) (float64, bool) {
	switch x := o.(type) {
	case *Int:
		return float64(x.Value), true
	case *Float:
		return x.Value, true
	}
	return 0, false
}

// Truthy reports the boolean value of a Bool. Anything else is a type error.
func Truthy(h *gc.Heap, r gc.Ref) (bool, error) {
	b, ok := As[*Bool](h, Deref(h, r))
	if !ok {
		return false, typeError(h, "expected bool", r)
	}
	return b.Value, nil
}

// ---------------------------------------------------------------------------
// Length and membership
// ---------------------------------------------------------------------------

// Len returns the number of elements of a string, bytes, tuple or range.
func Len(h *gc.Heap, r gc.Ref) (int64, error) {
	switch o := Get(h, Deref(h, r)).(type) {
	case *String:
		return int64(utf8.RuneCountInString(o.Value)), nil
	case *Bytes:
		return int64(len(o.Value)), nil
	case *Tuple:
		return int64(len(o.Values)), nil
	case *Range:
		if o.End < o.Start {
			return 0, nil
		}
		n := o.End - o.Start
		if n < 0 {
			return 0, newVariableError(h, OverflowError, "range length overflows", r)
		}
		return n, nil
	}
	return 0, typeError(h, "value has no length", r)
}

// Contains reports whether elem is in container.
func Contains(h *gc.Heap, container, elem gc.Ref) (bool, error) {
	elem = Deref(h, elem)
	switch o := Get(h, Deref(h, container)).(type) {
	case *String:
		s, ok := As[*String](h, elem)
		if !ok {
			return false, typeError(h, "string membership needs a string", elem)
		}
		return strings.Contains(o.Value, s.Value), nil
	case *Bytes:
		switch e := Get(h, elem).(type) {
		case *Bytes:
			return bytes.Contains(o.Value, e.Value), nil
		case *Int:
			return e.Value >= 0 && e.Value < 256 && bytes.IndexByte(o.Value, byte(e.Value)) >= 0, nil
		}
		return false, typeError(h, "bytes membership needs bytes or int", elem)
	case *Tuple:
		for _, v := range o.Values {
			if Equal(h, v, elem) {
				return true, nil
			}
		}
		return false, nil
	case *Range:
		i, ok := As[*Int](h, elem)
		if !ok {
			return false, typeError(h, "range membership needs an int", elem)
		}
		return i.Value >= o.Start && i.Value < o.End, nil
	case *Set:
		return Contains(h, o.Collection, elem)
	}
	return false, typeError(h, "value is not a container", container)
}

// ---------------------------------------------------------------------------
// Indexing and member access
// ---------------------------------------------------------------------------

// Index returns container[idx]. An Int selects one element, a Range selects
// a slice. The result is an owned handle.
func Index(h *gc.Heap, container, idx gc.Ref) (gc.Ref, error) {
	container = Deref(h, container)
	idx = Deref(h, idx)
	if rg, ok := As[*Range](h, idx); ok {
		return slice(h, container, rg.Start, rg.End)
	}
	iv, ok := As[*Int](h, idx)
	if !ok {
		return gc.Nil, typeError(h, "index must be an int or range", idx)
	}
	i := iv.Value
	n, err := Len(h, container)
	if err != nil {
		return gc.Nil, err
	}
	if i < 0 || i >= n {
		return gc.Nil, newVariableError(h, IndexNotFound, "index out of range", container, idx)
	}
	switch o := Get(h, container).(type) {
	case *Tuple:
		return h.CloneRef(o.Values[i]), nil
	case *String:
		return NewString(h, string([]rune(o.Value)[i])), nil
	case *Bytes:
		return NewInt(h, int64(o.Value[i])), nil
	case *Range:
		return NewInt(h, o.Start+i), nil
	}
	return gc.Nil, typeError(h, "value is not indexable", container)
}

func slice(h *gc.Heap, container gc.Ref, start, end int64) (gc.Ref, error) {
	n, err := Len(h, container)
	if err != nil {
		return gc.Nil, err
	}
	if start < 0 || end > n || start > end {
		return gc.Nil, newVariableError(h, IndexNotFound, "slice out of range", container)
	}
	switch o := Get(h, container).(type) {
	case *Tuple:
		return NewTuple(h, o.Values[start:end]), nil
	case *String:
		return NewString(h, string([]rune(o.Value)[start:end])), nil
	case *Bytes:
		return NewBytes(h, o.Value[start:end]), nil
	case *Range:
		return NewRange(h, o.Start+start, o.Start+end), nil
	}
	return gc.Nil, typeError(h, "value is not sliceable", container)
}

// GetAttr looks up the member named key in a record tuple. The result is an
// owned handle.
func GetAttr(h *gc.Heap, obj, key gc.Ref) (gc.Ref, error) {
	t, ok := As[*Tuple](h, Deref(h, obj))
	if !ok {
		return gc.Nil, typeError(h, "attribute access needs a tuple", obj)
	}
	if v, ok := member(h, t, key); ok {
		return h.CloneRef(v), nil
	}
	return gc.Nil, newVariableError(h, KeyNotFound, "no such member", obj, key)
}

func member(h *gc.Heap, t *Tuple, key gc.Ref) (gc.Ref, bool) {
	for _, e := range t.Values {
		if k, v, ok := Pair(Get(h, e)); ok && Equal(h, k, key) {
			return v, true
		}
	}
	return gc.Nil, false
}

// KeyOf returns the key of a pair or the collection of a set.
func KeyOf(h *gc.Heap, r gc.Ref) (gc.Ref, error) {
	o := Get(h, Deref(h, r))
	if k, _, ok := Pair(o); ok {
		return h.CloneRef(k), nil
	}
	if s, ok := o.(*Set); ok {
		return h.CloneRef(s.Collection), nil
	}
	return gc.Nil, typeError(h, "value has no key", r)
}

// ValueOf returns the value of a pair, the target of a wrapper, the result
// of a lambda or the filter of a set.
func ValueOf(h *gc.Heap, r gc.Ref) (gc.Ref, error) {
	o := Get(h, r)
	if _, v, ok := Pair(o); ok {
		return h.CloneRef(v), nil
	}
	switch x := o.(type) {
	case *Wrapper:
		return h.CloneRef(x.Target), nil
	case *Lambda:
		return h.CloneRef(x.Result), nil
	case *Set:
		return h.CloneRef(x.Filter), nil
	}
	return gc.Nil, typeError(h, "value has no value", r)
}

// ---------------------------------------------------------------------------
// Iteration
// ---------------------------------------------------------------------------

// ResetIter rewinds the iteration cursor of r.
func ResetIter(h *gc.Heap, r gc.Ref) error {
	switch o := Get(h, Deref(h, r)).(type) {
	case *String:
		o.iter = 0
	case *Bytes:
		o.iter = 0
	case *Tuple:
		o.iter = 0
	case *Range:
		o.iter = o.Start
	case *Set:
		return ResetIter(h, o.Collection)
	default:
		return typeError(h, "value is not iterable", r)
	}
	return nil
}

// Next advances the cursor of r. ok is false once the sequence is
// exhausted. The returned handle is owned.
func Next(h *gc.Heap, r gc.Ref) (v gc.Ref, ok bool, err error) {
	switch o := Get(h, Deref(h, r)).(type) {
	case *String:
		if o.iter >= len(o.Value) {
			return gc.Nil, false, nil
		}
		c, size := utf8.DecodeRuneInString(o.Value[o.iter:])
		o.iter += size
		return NewString(h, string(c)), true, nil
	case *Bytes:
		if o.iter >= len(o.Value) {
			return gc.Nil, false, nil
		}
		b := o.Value[o.iter]
		o.iter++
		return NewInt(h, int64(b)), true, nil
	case *Tuple:
		if o.iter >= len(o.Values) {
			return gc.Nil, false, nil
		}
		v := o.Values[o.iter]
		o.iter++
		return h.CloneRef(v), true, nil
	case *Range:
		if o.iter >= o.End {
			return gc.Nil, false, nil
		}
		v := o.iter
		o.iter++
		return NewInt(h, v), true, nil
	case *Set:
		return Next(h, o.Collection)
	}
	return gc.Nil, false, typeError(h, "value is not iterable", r)
}

// ---------------------------------------------------------------------------
// Type names
// ---------------------------------------------------------------------------

// TypeName returns the name TypeOf reports for r.
func TypeName(h *gc.Heap, r gc.Ref) string {
	return KindOf(h, r).String()
}

func isIntegral(f float64) bool {
	return f == math.Trunc(f) && !math.IsInf(f, 0) && f >= math.MinInt64 && f < math.MaxInt64
}
