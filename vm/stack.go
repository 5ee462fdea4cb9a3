package vm

import (
	"fmt"
	"strings"

	"github.com/chazu/xlang/gc"
)

// StackEntry is one operand stack slot. A return point records where a
// call or boundary resumes; it holds the lambda being executed.
type StackEntry struct {
	Ref     gc.Ref
	Return  bool
	IP      int
	NewCode bool // the call pushed a code stack entry
}

// Stack is the operand stack of one executor together with its code stack.
// Every slot and every code entry owns one hold.
type Stack struct {
	h       *gc.Heap
	entries []StackEntry
	codes   []gc.Ref
}

// NewStack creates an empty stack over h.
func NewStack(h *gc.Heap) *Stack {
	return &Stack{h: h, entries: make([]StackEntry, 0, 32)}
}

// Len returns the number of slots.
func (s *Stack) Len() int { return len(s.entries) }

// Push pushes an owned handle.
func (s *Stack) Push(r gc.Ref) {
	s.entries = append(s.entries, StackEntry{Ref: r})
}

// PushReturn pushes a return point. lam is borrowed.
func (s *Stack) PushReturn(lam gc.Ref, ip int, newCode bool) {
	s.entries = append(s.entries, StackEntry{Ref: s.h.CloneRef(lam), Return: true, IP: ip, NewCode: newCode})
}

// Pop removes the top value and transfers its hold to the caller.
func (s *Stack) Pop() (gc.Ref, error) {
	if len(s.entries) == 0 {
		return gc.Nil, execError(EmptyStack, "pop from empty stack")
	}
	e := s.entries[len(s.entries)-1]
	if e.Return {
		return gc.Nil, execError(EmptyStack, "value expected, found return point")
	}
	s.entries = s.entries[:len(s.entries)-1]
	return e.Ref, nil
}

// PopReturn removes a return point from the top of the stack. The lambda's
// hold is released and, when the call pushed code, the code entry is popped.
func (s *Stack) PopReturn() (StackEntry, error) {
	if len(s.entries) == 0 {
		return StackEntry{}, execError(EmptyStack, "return point expected on empty stack")
	}
	e := s.entries[len(s.entries)-1]
	if !e.Return {
		return StackEntry{}, execError(EmptyStack, "return point expected, found value")
	}
	s.entries = s.entries[:len(s.entries)-1]
	s.releaseEntry(e)
	return e, nil
}

// Peek returns the value n slots below the top without taking a hold.
func (s *Stack) Peek(n int) (gc.Ref, error) {
	i := len(s.entries) - 1 - n
	if n < 0 || i < 0 {
		return gc.Nil, execError(EmptyStack, "stack has %d slots, wanted depth %d", len(s.entries), n)
	}
	if s.entries[i].Return {
		return gc.Nil, execError(EmptyStack, "value expected at depth %d, found return point", n)
	}
	return s.entries[i].Ref, nil
}

// Replace swaps the value n slots below the top for an owned handle,
// releasing the old one.
func (s *Stack) Replace(n int, r gc.Ref) error {
	old, err := s.Peek(n)
	if err != nil {
		return err
	}
	s.entries[len(s.entries)-1-n].Ref = r
	s.h.DropRef(old)
	return nil
}

// Swap exchanges the values at depths a and b.
func (s *Stack) Swap(a, b int) error {
	if _, err := s.Peek(a); err != nil {
		return err
	}
	if _, err := s.Peek(b); err != nil {
		return err
	}
	top := len(s.entries) - 1
	s.entries[top-a], s.entries[top-b] = s.entries[top-b], s.entries[top-a]
	return nil
}

// Truncate drops every slot at or above n.
func (s *Stack) Truncate(n int) {
	for len(s.entries) > n {
		e := s.entries[len(s.entries)-1]
		s.entries = s.entries[:len(s.entries)-1]
		s.releaseEntry(e)
	}
}

func (s *Stack) releaseEntry(e StackEntry) {
	s.h.DropRef(e.Ref)
	if e.Return && e.NewCode {
		s.PopCode()
	}
}

// ---------------------------------------------------------------------------
// Code stack
// ---------------------------------------------------------------------------

// PushCode pushes the code an entered lambda executes. r is borrowed.
func (s *Stack) PushCode(r gc.Ref) {
	s.codes = append(s.codes, s.h.CloneRef(r))
}

// PopCode pops the innermost code entry.
func (s *Stack) PopCode() {
	if len(s.codes) == 0 {
		return
	}
	r := s.codes[len(s.codes)-1]
	s.codes = s.codes[:len(s.codes)-1]
	s.h.DropRef(r)
}

// Code returns the innermost code entry, or Nil.
func (s *Stack) Code() gc.Ref {
	if len(s.codes) == 0 {
		return gc.Nil
	}
	return s.codes[len(s.codes)-1]
}

// CodeDepth returns the number of code entries.
func (s *Stack) CodeDepth() int { return len(s.codes) }

// Release drops every slot and code entry.
func (s *Stack) Release() {
	s.Truncate(0)
	for len(s.codes) > 0 {
		s.PopCode()
	}
}

// Format renders the stack top-first for diagnostics.
func (s *Stack) Format() string {
	var b strings.Builder
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.Return {
			fmt.Fprintf(&b, "  [%d] <return to %04d>\n", i, e.IP)
			continue
		}
		fmt.Fprintf(&b, "  [%d] %s\n", i, safeRepr(s.h, e.Ref))
	}
	return b.String()
}
