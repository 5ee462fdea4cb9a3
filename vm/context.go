package vm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chazu/xlang/gc"
)

// FrameKind distinguishes scope frames.
type FrameKind uint8

const (
	FrameNormal FrameKind = iota
	FrameFunction
	FrameBoundary
)

func (k FrameKind) String() string {
	switch k {
	case FrameNormal:
		return "normal"
	case FrameFunction:
		return "function"
	case FrameBoundary:
		return "boundary"
	}
	return "unknown"
}

// Frame is one lexical or call scope. Every binding is a Wrapper cell that
// the frame holds.
type Frame struct {
	Kind       FrameKind
	ReturnIP   int
	Hidden     bool
	checkpoint int
	vars       map[string]gc.Ref
}

// Checkpoint returns the operand stack length recorded at push time.
func (f *Frame) Checkpoint() int { return f.checkpoint }

// Names returns the frame's bound names in sorted order.
func (f *Frame) Names() []string {
	names := make([]string, 0, len(f.vars))
	for name := range f.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Context is the frame stack of one executor.
type Context struct {
	h      *gc.Heap
	frames []*Frame
}

// NewContext creates an empty context over h.
func NewContext(h *gc.Heap) *Context {
	return &Context{h: h}
}

// Depth returns the number of frames.
func (c *Context) Depth() int { return len(c.frames) }

// Top returns the innermost frame, or nil.
func (c *Context) Top() *Frame {
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

// NewFrame pushes a frame and records the current stack length as its
// checkpoint.
func (c *Context) NewFrame(s *Stack, kind FrameKind, returnIP int, hidden bool) {
	c.frames = append(c.frames, &Frame{
		Kind:       kind,
		ReturnIP:   returnIP,
		Hidden:     hidden,
		checkpoint: s.Len(),
		vars:       make(map[string]gc.Ref),
	})
}

// PopFrame pops one frame, or with exitFunction every frame up to and
// including the innermost Function frame. Bindings are dropped and the stack
// is truncated to the last popped frame's checkpoint.
func (c *Context) PopFrame(s *Stack, exitFunction bool) error {
	if !exitFunction {
		if len(c.frames) == 0 {
			return &ContextError{Kind: NoFrame, Frame: FrameNormal}
		}
		c.pop(s)
		return nil
	}
	return c.popThrough(s, FrameFunction)
}

// PopBoundary pops every frame up to and including the innermost Boundary
// frame.
func (c *Context) PopBoundary(s *Stack) error {
	return c.popThrough(s, FrameBoundary)
}

func (c *Context) popThrough(s *Stack, kind FrameKind) error {
	found := false
	for _, f := range c.frames {
		if f.Kind == kind {
			found = true
			break
		}
	}
	if !found {
		return &ContextError{Kind: NoFrame, Frame: kind}
	}
	for {
		f := c.pop(s)
		if f.Kind == kind {
			return nil
		}
	}
}

func (c *Context) pop(s *Stack) *Frame {
	f := c.frames[len(c.frames)-1]
	c.frames = c.frames[:len(c.frames)-1]
	for _, cell := range f.vars {
		c.h.DropRef(cell)
	}
	f.vars = nil
	s.Truncate(f.checkpoint)
	return f
}

// LetVar binds name in the innermost frame to a new Wrapper around value. A
// Wrapper value is bound as the cell itself. Redefining a name replaces the
// binding and drops the old cell.
func (c *Context) LetVar(name string, value gc.Ref) error {
	f := c.Top()
	if f == nil {
		return &ContextError{Kind: NoFrame, Name: name, Frame: FrameNormal}
	}
	var cell gc.Ref
	if Is(c.h, value, KindWrapper) {
		cell = c.h.CloneRef(value)
	} else {
		w, err := NewWrapper(c.h, value)
		if err != nil {
			return &ContextError{Kind: InvalidBinding, Name: name, Err: err}
		}
		cell = w
	}
	if old, ok := f.vars[name]; ok {
		c.h.DropRef(old)
	}
	f.vars[name] = cell
	return nil
}

// lookup finds the innermost cell bound to name.
func (c *Context) lookup(name string) (gc.Ref, bool) {
	for i := len(c.frames) - 1; i >= 0; i-- {
		if cell, ok := c.frames[i].vars[name]; ok {
			return cell, true
		}
	}
	return gc.Nil, false
}

// GetVar returns a fresh hold on the value bound to name.
func (c *Context) GetVar(name string) (gc.Ref, error) {
	cell, ok := c.lookup(name)
	if !ok {
		return gc.Nil, &ContextError{Kind: NoVariable, Name: name}
	}
	return c.h.CloneRef(c.h.Get(cell).(*Wrapper).Target), nil
}

// Cell returns a fresh hold on the Wrapper bound to name.
func (c *Context) Cell(name string) (gc.Ref, error) {
	cell, ok := c.lookup(name)
	if !ok {
		return gc.Nil, &ContextError{Kind: NoVariable, Name: name}
	}
	return c.h.CloneRef(cell), nil
}

// SetVar assigns value into the innermost binding of name.
func (c *Context) SetVar(name string, value gc.Ref) error {
	cell, ok := c.lookup(name)
	if !ok {
		return &ContextError{Kind: NoVariable, Name: name}
	}
	if err := Assign(c.h, cell, value); err != nil {
		return &ContextError{Kind: InvalidBinding, Name: name, Err: err}
	}
	return nil
}

// Release pops every frame.
func (c *Context) Release(s *Stack) {
	for len(c.frames) > 0 {
		c.pop(s)
	}
}

// Format renders the frame stack innermost-first for diagnostics.
func (c *Context) Format() string {
	if len(c.frames) == 0 {
		return "no active frames\n"
	}
	var b strings.Builder
	for i := len(c.frames) - 1; i >= 0; i-- {
		f := c.frames[i]
		fmt.Fprintf(&b, "frame #%d %s", i, f.Kind)
		if f.Hidden {
			b.WriteString(" (hidden)")
		}
		if f.Kind == FrameFunction {
			fmt.Fprintf(&b, " return %04d", f.ReturnIP)
		}
		fmt.Fprintf(&b, " sp=%d\n", f.checkpoint)
		for _, name := range f.Names() {
			fmt.Fprintf(&b, "  %s = %s\n", name, safeRepr(c.h, c.h.Get(f.vars[name]).(*Wrapper).Target))
		}
	}
	return b.String()
}
