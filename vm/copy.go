package vm

import (
	"math"

	"github.com/chazu/xlang/gc"
)

// ---------------------------------------------------------------------------
// Copy
// ---------------------------------------------------------------------------

// Copy returns a shallow copy of r. Containers get fresh edges to the same
// elements; a lambda gets its own defaults tuple and a fresh generator.
func Copy(h *gc.Heap, r gc.Ref) (gc.Ref, error) {
	obj := Get(h, r)
	switch o := obj.(type) {
	case *Null:
		return h.Alloc(&Null{base: o.copyAliases()}), nil
	case *Bool:
		return h.Alloc(&Bool{base: o.copyAliases(), Value: o.Value}), nil
	case *Int:
		return h.Alloc(&Int{base: o.copyAliases(), Value: o.Value}), nil
	case *Float:
		return h.Alloc(&Float{base: o.copyAliases(), Value: o.Value}), nil
	case *String:
		return h.Alloc(&String{base: o.copyAliases(), Value: o.Value}), nil
	case *Bytes:
		return h.Alloc(&Bytes{base: o.copyAliases(), Value: append([]byte(nil), o.Value...)}), nil
	case *Range:
		return h.Alloc(&Range{base: o.copyAliases(), Start: o.Start, End: o.End, iter: o.Start}), nil
	case *Instructions:
		return h.Alloc(&Instructions{base: o.copyAliases(), Package: o.Package}), nil
	case *Tuple:
		t := NewTuple(h, o.Values)
		nt := h.Get(t).(*Tuple)
		nt.base = o.copyAliases()
		nt.autoBind = o.autoBind
		return t, nil
	case *KeyVal:
		kv := NewKeyVal(h, o.Key, o.Value)
		h.Get(kv).(*KeyVal).base = o.copyAliases()
		return kv, nil
	case *Named:
		n := NewNamed(h, o.Key, o.Value)
		h.Get(n).(*Named).base = o.copyAliases()
		return n, nil
	case *Wrapper:
		w := h.Alloc(&Wrapper{base: o.copyAliases(), Target: o.Target})
		h.AddEdge(w, o.Target)
		return w, nil
	case *Set:
		s := h.Alloc(&Set{base: o.copyAliases(), Collection: o.Collection, Filter: o.Filter})
		h.AddEdge(s, o.Collection)
		h.AddEdge(s, o.Filter)
		return s, nil
	case *Lambda:
		defaults, err := Copy(h, o.Defaults)
		if err != nil {
			return gc.Nil, err
		}
		defer h.DropRef(defaults)
		return copyLambda(h, o, defaults), nil
	}
	return gc.Nil, newVariableError(h, CopyError, "value cannot be copied", r)
}

func copyLambda(h *gc.Heap, o *Lambda, defaults gc.Ref) gc.Ref {
	body := o.Body
	if body.Kind == BodyGenerator && body.Generator != nil {
		body.Generator = body.Generator.Clone()
	}
	nl := NewLambda(h, LambdaSpec{
		Signature:     o.Signature,
		CodePosition:  o.CodePosition,
		Defaults:      defaults,
		Capture:       o.Capture,
		Self:          o.Self,
		Body:          body,
		DynamicParams: o.DynamicParams,
	})
	h.Get(nl).(*Lambda).base = o.copyAliases()
	return nl
}

// DeepCopy recursively copies containers. Lambdas inside a self-binding
// tuple are rebound to the copy.
func DeepCopy(h *gc.Heap, r gc.Ref) (gc.Ref, error) {
	memo := make(map[gc.Ref]gc.Ref)
	out, err := deepCopy(h, r, memo)
	// Every memo entry carries an extra hold taken for the duration of the copy.
	for _, dst := range memo {
		h.DropRef(dst)
	}
	return out, err
}

func deepCopy(h *gc.Heap, r gc.Ref, memo map[gc.Ref]gc.Ref) (gc.Ref, error) {
	if c, ok := memo[r]; ok {
		return h.CloneRef(c), nil
	}
	switch o := Get(h, r).(type) {
	case *Tuple:
		t := h.Alloc(&Tuple{base: o.copyAliases(), autoBind: o.autoBind})
		memo[r] = h.CloneRef(t)
		nt := h.Get(t).(*Tuple)
		for _, v := range o.Values {
			c, err := deepCopy(h, v, memo)
			if err != nil {
				h.DropRef(t)
				return gc.Nil, err
			}
			nt.Values = append(nt.Values, c)
			h.AddEdge(t, c)
			h.DropRef(c)
		}
		if nt.autoBind {
			bindMembers(h, t)
		}
		return t, nil
	case *KeyVal, *Named:
		k, v, _ := Pair(o)
		kc, err := deepCopy(h, k, memo)
		if err != nil {
			return gc.Nil, err
		}
		vc, err := deepCopy(h, v, memo)
		if err != nil {
			h.DropRef(kc)
			return gc.Nil, err
		}
		var p gc.Ref
		if _, isNamed := o.(*Named); isNamed {
			p = NewNamed(h, kc, vc)
		} else {
			p = NewKeyVal(h, kc, vc)
		}
		Get(h, p).SetAliases(append([]string(nil), o.Aliases()...))
		Drop(h, kc, vc)
		memo[r] = h.CloneRef(p)
		return p, nil
	case *Wrapper:
		tc, err := deepCopy(h, o.Target, memo)
		if err != nil {
			return gc.Nil, err
		}
		w := h.Alloc(&Wrapper{base: o.copyAliases(), Target: tc})
		h.AddEdge(w, tc)
		h.DropRef(tc)
		memo[r] = h.CloneRef(w)
		return w, nil
	case *Set:
		cc, err := deepCopy(h, o.Collection, memo)
		if err != nil {
			return gc.Nil, err
		}
		s := h.Alloc(&Set{base: o.copyAliases(), Collection: cc, Filter: o.Filter})
		h.AddEdge(s, cc)
		h.AddEdge(s, o.Filter)
		h.DropRef(cc)
		memo[r] = h.CloneRef(s)
		return s, nil
	case *Lambda:
		dc, err := deepCopy(h, o.Defaults, memo)
		if err != nil {
			return gc.Nil, err
		}
		l := copyLambda(h, o, dc)
		h.DropRef(dc)
		memo[r] = h.CloneRef(l)
		return l, nil
	}
	c, err := Copy(h, r)
	if err != nil {
		return gc.Nil, err
	}
	memo[r] = h.CloneRef(c)
	return c, nil
}

// ---------------------------------------------------------------------------
// Assign
// ---------------------------------------------------------------------------

// Assign replaces the value of dst with src in place. Assigning through a
// Wrapper assigns to its target. Scalars coerce: int takes a float
// (truncated) or a bool, float takes an int, bool takes a nonzero int, bytes
// take a string.
func Assign(h *gc.Heap, dst, src gc.Ref) error {
	if w, ok := As[*Wrapper](h, dst); ok {
		return Assign(h, w.Target, src)
	}
	src = Deref(h, src)
	so := Get(h, src)
	switch d := Get(h, dst).(type) {
	case *Int:
		switch s := so.(type) {
		case *Int:
			d.Value = s.Value
			return nil
		case *Float:
			if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
				return newVariableError(h, AssignError, "cannot truncate non-finite float", dst, src)
			}
			d.Value = int64(math.Trunc(s.Value))
			return nil
		case *Bool:
			if s.Value {
				d.Value = 1
			} else {
				d.Value = 0
			}
			return nil
		}
	case *Float:
		switch s := so.(type) {
		case *Float:
			d.Value = s.Value
			return nil
		case *Int:
			d.Value = float64(s.Value)
			return nil
		}
	case *Bool:
		switch s := so.(type) {
		case *Bool:
			d.Value = s.Value
			return nil
		case *Int:
			d.Value = s.Value != 0
			return nil
		}
	case *String:
		if s, ok := so.(*String); ok {
			d.Value = s.Value
			return nil
		}
	case *Bytes:
		switch s := so.(type) {
		case *Bytes:
			d.Value = append([]byte(nil), s.Value...)
			return nil
		case *String:
			d.Value = []byte(s.Value)
			return nil
		}
	case *Tuple:
		if s, ok := so.(*Tuple); ok {
			next := append([]gc.Ref(nil), s.Values...)
			for _, v := range next {
				h.AddEdge(dst, v)
			}
			for _, v := range d.Values {
				h.RemoveEdge(dst, v)
			}
			d.Values = next
			d.iter = 0
			return nil
		}
	case *KeyVal:
		h.ReplaceEdge(dst, d.Value, src)
		d.Value = src
		return nil
	case *Named:
		h.ReplaceEdge(dst, d.Value, src)
		d.Value = src
		return nil
	case *Lambda:
		if s, ok := so.(*Lambda); ok {
			h.ReplaceEdge(dst, d.Defaults, s.Defaults)
			d.Defaults = s.Defaults
			h.ReplaceEdge(dst, d.Result, s.Result)
			d.Result = s.Result
			return nil
		}
	case *Set:
		if s, ok := so.(*Set); ok {
			h.ReplaceEdge(dst, d.Collection, s.Collection)
			d.Collection = s.Collection
			h.ReplaceEdge(dst, d.Filter, s.Filter)
			d.Filter = s.Filter
			return nil
		}
	}
	return newVariableError(h, AssignError, "cannot assign "+so.Kind().String()+" to "+KindOf(h, dst).String(), dst, src)
}
