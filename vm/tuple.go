package vm

import (
	"github.com/chazu/xlang/gc"
)

// Append adds v to the end of tuple t.
func Append(h *gc.Heap, t, v gc.Ref) error {
	tup, ok := As[*Tuple](h, t)
	if !ok {
		return typeError(h, "append needs a tuple", t)
	}
	tup.Values = append(tup.Values, v)
	h.AddEdge(t, v)
	return nil
}

// AssignMembers merges src into dst. Named entries in src replace the value
// of the Named entry in dst with an equal key, or are appended. Positional
// entries fill the remaining Named slots of dst in order, then append.
func AssignMembers(h *gc.Heap, dst, src gc.Ref) error {
	dt, ok := As[*Tuple](h, dst)
	if !ok {
		return typeError(h, "expected a tuple", dst)
	}
	st, ok := As[*Tuple](h, Deref(h, src))
	if !ok {
		return typeError(h, "expected a tuple", src)
	}

	assigned := make([]bool, len(dt.Values))
	for i, v := range dt.Values {
		assigned[i] = !Is(h, v, KindNamed)
	}
	var positional []gc.Ref
	for _, item := range append([]gc.Ref(nil), st.Values...) {
		n, isNamed := As[*Named](h, item)
		if !isNamed {
			positional = append(positional, item)
			continue
		}
		found := false
		for i, slot := range dt.Values {
			sn, ok := As[*Named](h, slot)
			if !ok || !Equal(h, sn.Key, n.Key) {
				continue
			}
			if err := Assign(h, slot, n.Value); err != nil {
				return err
			}
			assigned[i] = true
			found = true
			break
		}
		if !found {
			if err := Append(h, dst, item); err != nil {
				return err
			}
			assigned = append(assigned, true)
		}
	}

	next := 0
	for _, v := range positional {
		for next < len(assigned) && assigned[next] {
			next++
		}
		if next < len(dt.Values) {
			if err := Assign(h, dt.Values[next], v); err != nil {
				return err
			}
			assigned[next] = true
			next++
			continue
		}
		if err := Append(h, dst, v); err != nil {
			return err
		}
		assigned = append(assigned, true)
	}
	return nil
}

// CloneAndAssign copies defaults with fresh Named entries and merges args
// into the copy. The result is an owned handle.
func CloneAndAssign(h *gc.Heap, defaults, args gc.Ref) (gc.Ref, error) {
	dt, ok := As[*Tuple](h, defaults)
	if !ok {
		return gc.Nil, typeError(h, "defaults must be a tuple", defaults)
	}
	vals := make([]gc.Ref, 0, len(dt.Values))
	for _, v := range dt.Values {
		if Is(h, v, KindNamed) {
			c, err := Copy(h, v)
			if err != nil {
				Drop(h, vals...)
				return gc.Nil, err
			}
			vals = append(vals, c)
			continue
		}
		vals = append(vals, h.CloneRef(v))
	}
	out := BuildTuple(h, vals...)
	if err := AssignMembers(h, out, args); err != nil {
		h.DropRef(out)
		return gc.Nil, err
	}
	return out, nil
}

// bindMembers binds self to t on every lambda stored as a pair value in t.
func bindMembers(h *gc.Heap, t gc.Ref) {
	bindMembersTo(h, t, t)
}

func bindMembersTo(h *gc.Heap, t, self gc.Ref) {
	tup := h.Get(t).(*Tuple)
	for _, e := range tup.Values {
		if _, v, ok := Pair(Get(h, e)); ok && Is(h, v, KindLambda) {
			SetSelf(h, v, self)
		}
	}
}

// BindSelf prepares a value for method dispatch. For a pair the key becomes
// self of the value: a lambda value is bound directly, a tuple value has its
// member lambdas bound. The pair's value is returned. A tuple is
// deep-copied and its member lambdas are bound to the copy, which keeps
// rebinding on later deep copies. The result is an owned handle.
func BindSelf(h *gc.Heap, r gc.Ref) (gc.Ref, error) {
	o := Get(h, r)
	if k, v, ok := Pair(o); ok {
		switch KindOf(h, v) {
		case KindLambda:
			SetSelf(h, v, k)
		case KindTuple:
			bindMembersTo(h, v, k)
		default:
			return gc.Nil, typeError(h, "bind self needs a lambda or tuple value", r)
		}
		return h.CloneRef(v), nil
	}
	if _, ok := o.(*Tuple); ok {
		c, err := DeepCopy(h, r)
		if err != nil {
			return gc.Nil, err
		}
		h.Get(c).(*Tuple).autoBind = true
		bindMembers(h, c)
		return c, nil
	}
	return gc.Nil, typeError(h, "bind self needs a pair or tuple", r)
}
