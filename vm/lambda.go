package vm

import (
	"fmt"

	"github.com/chazu/xlang/gc"
)

// ---------------------------------------------------------------------------
// Coroutine status
// ---------------------------------------------------------------------------

// Status is the scheduling state of a lambda running as a coroutine.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusPending
	StatusFinished
	StatusCrashed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusPending:
		return "pending"
	case StatusFinished:
		return "finished"
	case StatusCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCrashed
}

// ---------------------------------------------------------------------------
// Lambda
// ---------------------------------------------------------------------------

// BodyKind selects how a lambda executes.
type BodyKind uint8

const (
	BodyCode      BodyKind = iota // bytecode in an Instructions object
	BodyNative                    // synchronous Go function
	BodyGenerator                 // stepping generator
	BodyForeign                   // function from a loaded foreign library
)

func (k BodyKind) String() string {
	switch k {
	case BodyCode:
		return "code"
	case BodyNative:
		return "native"
	case BodyGenerator:
		return "generator"
	case BodyForeign:
		return "foreign"
	}
	return "unknown"
}

// Body is the executable part of a lambda. Code holds the edge target for
// BodyCode (an Instructions object) and BodyForeign (a Foreign object).
type Body struct {
	Kind      BodyKind
	Code      gc.Ref
	Native    NativeFunc
	Generator Generator
}

// Lambda is a callable value.
type Lambda struct {
	base
	Signature     string
	CodePosition  int
	Defaults      gc.Ref // tuple
	Capture       gc.Ref // optional
	Self          gc.Ref // optional
	Result        gc.Ref
	Body          Body
	DynamicParams bool
	Status        Status
	// Paused marks an explicit pause. Only Resume clears it; a generator
	// completing underneath a paused coroutine leaves it Pending.
	Paused bool
}

func (*Lambda) Kind() Kind { return KindLambda }

func (l *Lambda) Trace() []gc.Ref {
	refs := []gc.Ref{l.Defaults, l.Result}
	if !l.Capture.IsNil() {
		refs = append(refs, l.Capture)
	}
	if !l.Self.IsNil() {
		refs = append(refs, l.Self)
	}
	if !l.Body.Code.IsNil() {
		refs = append(refs, l.Body.Code)
	}
	return refs
}

// Finalize abandons an in-flight generator.
func (l *Lambda) Finalize() {
	if l.Body.Kind == BodyGenerator && l.Body.Generator != nil {
		if a, ok := l.Body.Generator.(Abandoner); ok {
			a.Abandon()
		}
	}
}

// LambdaSpec describes a lambda to allocate.
type LambdaSpec struct {
	Signature     string
	CodePosition  int
	Defaults      gc.Ref // tuple; an empty tuple is allocated when nil
	Capture       gc.Ref
	Self          gc.Ref
	Body          Body
	DynamicParams bool
}

// NewLambda allocates a lambda. Its result starts as null.
func NewLambda(h *gc.Heap, spec LambdaSpec) gc.Ref {
	defaults := spec.Defaults
	ownDefaults := false
	if defaults.IsNil() {
		defaults = NewTuple(h, nil)
		ownDefaults = true
	}
	result := NewNull(h)
	l := &Lambda{
		Signature:     spec.Signature,
		CodePosition:  spec.CodePosition,
		Defaults:      defaults,
		Capture:       spec.Capture,
		Self:          spec.Self,
		Result:        result,
		Body:          spec.Body,
		DynamicParams: spec.DynamicParams,
	}
	r := h.Alloc(l)
	h.AddEdge(r, defaults)
	h.AddEdge(r, result)
	if !spec.Capture.IsNil() {
		h.AddEdge(r, spec.Capture)
	}
	if !spec.Self.IsNil() {
		h.AddEdge(r, spec.Self)
	}
	if !spec.Body.Code.IsNil() {
		h.AddEdge(r, spec.Body.Code)
	}
	h.DropRef(result)
	if ownDefaults {
		h.DropRef(defaults)
	}
	return r
}

// NewNativeLambda wraps fn as a lambda with no default arguments.
func NewNativeLambda(h *gc.Heap, name string, fn NativeFunc) gc.Ref {
	return NewLambda(h, LambdaSpec{Signature: name, Body: Body{Kind: BodyNative, Native: fn}})
}

// NewGeneratorLambda wraps g as a lambda with no default arguments.
func NewGeneratorLambda(h *gc.Heap, name string, g Generator) gc.Ref {
	return NewLambda(h, LambdaSpec{Signature: name, Body: Body{Kind: BodyGenerator, Generator: g}})
}

// SetResult replaces the lambda's result.
func SetResult(h *gc.Heap, lam gc.Ref, v gc.Ref) {
	l := h.Get(lam).(*Lambda)
	h.ReplaceEdge(lam, l.Result, v)
	l.Result = v
}

// SetSelf binds self on a lambda. A nil v unbinds it.
func SetSelf(h *gc.Heap, lam gc.Ref, v gc.Ref) {
	l := h.Get(lam).(*Lambda)
	h.ReplaceEdge(lam, l.Self, v)
	l.Self = v
}

// SetDefaults replaces the default argument tuple.
func SetDefaults(h *gc.Heap, lam gc.Ref, tuple gc.Ref) {
	l := h.Get(lam).(*Lambda)
	h.ReplaceEdge(lam, l.Defaults, tuple)
	l.Defaults = tuple
}

// CodeOf returns the package a code-bodied lambda executes.
func CodeOf(h *gc.Heap, lam gc.Ref) (*Package, bool) {
	l, ok := As[*Lambda](h, lam)
	if !ok || l.Body.Kind != BodyCode || l.Body.Code.IsNil() {
		return nil, false
	}
	ins, ok := As[*Instructions](h, l.Body.Code)
	if !ok {
		return nil, false
	}
	return ins.Package, true
}
