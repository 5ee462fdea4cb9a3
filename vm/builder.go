package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Builder: Helper for constructing packages
// ---------------------------------------------------------------------------

// Builder constructs a Package instruction by instruction. String and bytes
// constants are interned into the pools.
type Builder struct {
	code      []uint32
	strings   []string
	stringIdx map[string]int
	bytes     [][]byte
	bytesIdx  map[string]int
	functions map[string]int
	debug     map[int]DebugInfo
	pos       DebugInfo
	labels    []*Label
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		code:      make([]uint32, 0, 64),
		stringIdx: make(map[string]int),
		bytesIdx:  make(map[string]int),
		functions: make(map[string]int),
		debug:     make(map[int]DebugInfo),
	}
}

// Len returns the current code length in words.
func (b *Builder) Len() int {
	return len(b.code)
}

// String interns s and returns a string pool operand for it.
func (b *Builder) String(s string) Operand {
	idx, ok := b.stringIdx[s]
	if !ok {
		idx = len(b.strings)
		b.strings = append(b.strings, s)
		b.stringIdx[s] = idx
	}
	return StringOperand(idx)
}

// Bytes interns v and returns a bytes pool operand for it.
func (b *Builder) Bytes(v []byte) Operand {
	idx, ok := b.bytesIdx[string(v)]
	if !ok {
		idx = len(b.bytes)
		b.bytes = append(b.bytes, append([]byte(nil), v...))
		b.bytesIdx[string(v)] = idx
	}
	return BytesOperand(idx)
}

// Func registers a function entry at the current offset.
func (b *Builder) Func(name string) error {
	if _, dup := b.functions[name]; dup {
		return fmt.Errorf("vm: function %q defined twice", name)
	}
	b.functions[name] = len(b.code)
	return nil
}

// SetPosition records the source position attached to instructions emitted
// after this call.
func (b *Builder) SetPosition(line, column int) {
	b.pos = DebugInfo{Line: line, Column: column}
}

// Emit appends an instruction and returns its offset.
func (b *Builder) Emit(op Opcode, operands ...Operand) int {
	at := len(b.code)
	if b.pos.Line > 0 {
		b.debug[at] = b.pos
	}
	b.code = Encode(b.code, op, operands...)
	return at
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label is a code offset that may be referenced before it is marked.
type Label struct {
	Name     string
	resolved bool
	position int
	refs     []labelRef
}

type labelRef struct {
	at   int // index of the operand's low word
	base int // offset the value is relative to, or -1 for absolute
}

// relativeTarget reports whether op's label operand is an offset from the
// following instruction rather than an absolute position.
func relativeTarget(op Opcode) bool {
	switch op {
	case OpJump, OpJumpIfFalse, OpNextOrJump, OpNewBoundaryFrame:
		return true
	}
	return false
}

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel(name string) *Label {
	l := &Label{Name: name}
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves a label to the current offset and patches every earlier
// reference to it.
func (b *Builder) Mark(l *Label) error {
	if l.resolved {
		return fmt.Errorf("vm: label %q marked twice", l.Name)
	}
	l.resolved = true
	l.position = len(b.code)
	for _, ref := range l.refs {
		b.patch(ref, l.position)
	}
	l.refs = nil
	return nil
}

// EmitLabel appends op with operands, where the operand at slot is replaced
// by an Int64 naming l. Jumps get an offset relative to the following
// instruction; anything else gets the absolute position.
func (b *Builder) EmitLabel(op Opcode, operands []Operand, slot int, l *Label) int {
	ops := append([]Operand(nil), operands...)
	for len(ops) <= slot {
		ops = append(ops, Operand{})
	}
	ops[slot] = Int64Operand(0)

	at := b.Emit(op, ops...)
	word := at + 1
	for i := 0; i < slot; i++ {
		word += ops[i].words()
	}
	ref := labelRef{at: word, base: -1}
	if relativeTarget(op) {
		ref.base = len(b.code)
	}
	if l.resolved {
		b.patch(ref, l.position)
	} else {
		l.refs = append(l.refs, ref)
	}
	return at
}

// EmitJump emits a jump-style instruction whose only operand is l.
func (b *Builder) EmitJump(op Opcode, l *Label) int {
	return b.EmitLabel(op, nil, 0, l)
}

func (b *Builder) patch(ref labelRef, target int) {
	v := int64(target)
	if ref.base >= 0 {
		v = int64(target - ref.base)
	}
	b.code[ref.at] = uint32(uint64(v))
	b.code[ref.at+1] = uint32(uint64(v) >> 32)
}

// Package finishes the build. Unresolved labels are an error.
func (b *Builder) Package(source string) (*Package, error) {
	for _, l := range b.labels {
		if !l.resolved {
			return nil, fmt.Errorf("vm: label %q never marked", l.Name)
		}
	}
	pkg := &Package{
		Version:   PackageVersion,
		Functions: make(map[string]int, len(b.functions)),
		Code:      append([]uint32(nil), b.code...),
		Strings:   append([]string(nil), b.strings...),
		Bytes:     append([][]byte(nil), b.bytes...),
		Source:    source,
	}
	for name, ip := range b.functions {
		pkg.Functions[name] = ip
	}
	if len(b.debug) > 0 {
		pkg.Debug = make(map[int]DebugInfo, len(b.debug))
		for ip, d := range b.debug {
			pkg.Debug[ip] = d
		}
	}
	return pkg, nil
}
