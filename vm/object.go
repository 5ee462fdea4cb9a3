package vm

import (
	"github.com/chazu/xlang/gc"
)

// ---------------------------------------------------------------------------
// Kinds
// ---------------------------------------------------------------------------

// Kind tags the variant of a heap object.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindTuple
	KindKeyVal
	KindNamed
	KindWrapper
	KindLambda
	KindInstructions
	KindRange
	KindSet
	KindForeign
)

var kindNames = [...]string{
	KindNull:         "null",
	KindBool:         "bool",
	KindInt:          "int",
	KindFloat:        "float",
	KindString:       "string",
	KindBytes:        "bytes",
	KindTuple:        "tuple",
	KindKeyVal:       "keyval",
	KindNamed:        "named",
	KindWrapper:      "wrapper",
	KindLambda:       "lambda",
	KindInstructions: "instructions",
	KindRange:        "range",
	KindSet:          "set",
	KindForeign:      "foreign",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ---------------------------------------------------------------------------
// Object
// ---------------------------------------------------------------------------

// Object is implemented by every heap payload the VM stores.
type Object interface {
	Kind() Kind
	Aliases() []string
	SetAliases([]string)
}

type base struct {
	aliases []string
}

func (b *base) Aliases() []string { return b.aliases }

func (b *base) SetAliases(a []string) { b.aliases = a }

func (b *base) copyAliases() base {
	if len(b.aliases) == 0 {
		return base{}
	}
	return base{aliases: append([]string(nil), b.aliases...)}
}

// Get returns the payload behind r.
func Get(h *gc.Heap, r gc.Ref) Object {
	return h.Get(r).(Object)
}

// As returns the payload behind r if it has type T.
func As[T Object](h *gc.Heap, r gc.Ref) (T, bool) {
	v, ok := h.Get(r).(T)
	return v, ok
}

// KindOf returns the variant tag of r.
func KindOf(h *gc.Heap, r gc.Ref) Kind {
	return Get(h, r).Kind()
}

// Is reports whether r holds a value of kind k.
func Is(h *gc.Heap, r gc.Ref, k Kind) bool {
	return KindOf(h, r) == k
}

// ---------------------------------------------------------------------------
// Scalars
// ---------------------------------------------------------------------------

type Null struct{ base }

type Bool struct {
	base
	Value bool
}

type Int struct {
	base
	Value int64
}

type Float struct {
	base
	Value float64
}

type String struct {
	base
	Value string
	iter  int
}

type Bytes struct {
	base
	Value []byte
	iter  int
}

func (*Null) Kind() Kind   { return KindNull }
func (*Bool) Kind() Kind   { return KindBool }
func (*Int) Kind() Kind    { return KindInt }
func (*Float) Kind() Kind  { return KindFloat }
func (*String) Kind() Kind { return KindString }
func (*Bytes) Kind() Kind  { return KindBytes }

// ---------------------------------------------------------------------------
// Containers
// ---------------------------------------------------------------------------

// Tuple is an ordered sequence of handles. A tuple whose elements are all
// KeyVal or Named pairs doubles as a record.
type Tuple struct {
	base
	Values []gc.Ref
	iter   int

	// autoBind rebinds self on member lambdas when the tuple is copied.
	autoBind bool
}

// KeyVal is a dictionary entry.
type KeyVal struct {
	base
	Key   gc.Ref
	Value gc.Ref
}

// Named is a named parameter or field binding.
type Named struct {
	base
	Key   gc.Ref
	Value gc.Ref
}

// Wrapper is a variable cell. It never wraps another Wrapper.
type Wrapper struct {
	base
	Target gc.Ref
}

// Range is the half-open integer interval [Start, End).
type Range struct {
	base
	Start int64
	End   int64
	iter  int64
}

// Set is a collection paired with a filter lambda.
type Set struct {
	base
	Collection gc.Ref
	Filter     gc.Ref
	iter       int
}

func (*Tuple) Kind() Kind   { return KindTuple }
func (*KeyVal) Kind() Kind  { return KindKeyVal }
func (*Named) Kind() Kind   { return KindNamed }
func (*Wrapper) Kind() Kind { return KindWrapper }
func (*Range) Kind() Kind   { return KindRange }
func (*Set) Kind() Kind     { return KindSet }

func (t *Tuple) Trace() []gc.Ref   { return t.Values }
func (kv *KeyVal) Trace() []gc.Ref { return []gc.Ref{kv.Key, kv.Value} }
func (n *Named) Trace() []gc.Ref   { return []gc.Ref{n.Key, n.Value} }
func (w *Wrapper) Trace() []gc.Ref { return []gc.Ref{w.Target} }
func (s *Set) Trace() []gc.Ref     { return []gc.Ref{s.Collection, s.Filter} }

// Pair returns the key and value of a KeyVal or Named payload.
func Pair(o Object) (key, value gc.Ref, ok bool) {
	switch p := o.(type) {
	case *KeyVal:
		return p.Key, p.Value, true
	case *Named:
		return p.Key, p.Value, true
	}
	return gc.Nil, gc.Nil, false
}

// ---------------------------------------------------------------------------
// Code
// ---------------------------------------------------------------------------

// Instructions wraps a loaded package so that lambdas can hold an edge to
// the code they execute.
type Instructions struct {
	base
	Package *Package
}

func (*Instructions) Kind() Kind { return KindInstructions }
