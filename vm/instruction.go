package vm

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Instruction word layout
// ---------------------------------------------------------------------------

// Operand flag bits. Each instruction word carries one flag byte per operand
// slot: bits 16-23 for the first, 8-15 for the second, 0-7 for the third.
const (
	flagValid     = 1 << 0
	flagConstPool = 1 << 1
	flagArg64     = 1 << 2
	flagConstType = 1 << 3 // string pool or float; otherwise bytes pool or int
)

func kindFlags(k OperandKind) byte {
	switch k {
	case OperandInt32:
		return flagValid
	case OperandInt64:
		return flagValid | flagArg64
	case OperandFloat32:
		return flagValid | flagConstType
	case OperandFloat64:
		return flagValid | flagConstType | flagArg64
	case OperandString:
		return flagValid | flagConstPool | flagConstType
	case OperandBytes:
		return flagValid | flagConstPool
	}
	return 0
}

func flagsKind(f byte) OperandKind {
	if f&flagValid == 0 {
		return OperandNone
	}
	if f&flagConstPool != 0 {
		if f&flagConstType != 0 {
			return OperandString
		}
		return OperandBytes
	}
	if f&flagConstType != 0 {
		if f&flagArg64 != 0 {
			return OperandFloat64
		}
		return OperandFloat32
	}
	if f&flagArg64 != 0 {
		return OperandInt64
	}
	return OperandInt32
}

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

// Operand is one decoded instruction argument.
type Operand struct {
	Kind OperandKind
	bits uint64
	wide bool // pool index encoded in two words
}

func Int32Operand(v int32) Operand   { return Operand{Kind: OperandInt32, bits: uint64(uint32(v))} }
func Int64Operand(v int64) Operand   { return Operand{Kind: OperandInt64, bits: uint64(v)} }
func Float32Operand(v float32) Operand {
	return Operand{Kind: OperandFloat32, bits: uint64(math.Float32bits(v))}
}
func Float64Operand(v float64) Operand { return Operand{Kind: OperandFloat64, bits: math.Float64bits(v)} }
func StringOperand(idx int) Operand    { return poolOperand(OperandString, idx) }
func BytesOperand(idx int) Operand     { return poolOperand(OperandBytes, idx) }

func poolOperand(k OperandKind, idx int) Operand {
	return Operand{Kind: k, bits: uint64(idx), wide: uint64(idx) > math.MaxUint32}
}

// Int returns an integer operand's value.
func (o Operand) Int() int64 {
	if o.Kind == OperandInt32 {
		return int64(int32(uint32(o.bits)))
	}
	return int64(o.bits)
}

// Float returns a float operand's value.
func (o Operand) Float() float64 {
	if o.Kind == OperandFloat32 {
		return float64(math.Float32frombits(uint32(o.bits)))
	}
	return math.Float64frombits(o.bits)
}

// Index returns a pool operand's index.
func (o Operand) Index() int { return int(o.bits) }

func (o Operand) flags() byte {
	f := kindFlags(o.Kind)
	if o.wide {
		f |= flagArg64
	}
	return f
}

func (o Operand) words() int {
	switch {
	case o.Kind == OperandNone:
		return 0
	case o.flags()&flagArg64 != 0:
		return 2
	default:
		return 1
	}
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// Instruction is one decoded instruction.
type Instruction struct {
	Op       Opcode
	Operands [3]Operand
	IP       int // offset of the instruction word
	Next     int // offset of the following instruction
}

// Arg returns the i'th operand.
func (ins Instruction) Arg(i int) Operand { return ins.Operands[i] }

// Decode reads the instruction at ip. A stream that ends before all operand
// words are present yields ErrTruncated.
func Decode(code []uint32, ip int) (Instruction, error) {
	if ip < 0 || ip >= len(code) {
		return Instruction{}, fmt.Errorf("%w: ip %d outside code of %d words", ErrTruncated, ip, len(code))
	}
	word := code[ip]
	ins := Instruction{Op: Opcode(word >> 24), IP: ip}
	pos := ip + 1
	for i := 0; i < 3; i++ {
		f := byte(word >> (16 - 8*uint(i)))
		kind := flagsKind(f)
		if kind == OperandNone {
			continue
		}
		n := 1
		if f&flagArg64 != 0 {
			n = 2
		}
		if pos+n > len(code) {
			return Instruction{}, fmt.Errorf("%w: %s at %d needs %d more words", ErrTruncated, ins.Op, ip, pos+n-len(code))
		}
		bits := uint64(code[pos])
		if n == 2 {
			bits |= uint64(code[pos+1]) << 32
		}
		ins.Operands[i] = Operand{Kind: kind, bits: bits, wide: n == 2 && (kind == OperandString || kind == OperandBytes)}
		pos += n
	}
	ins.Next = pos
	return ins, nil
}

// Encode appends the words for op and its operands to code.
func Encode(code []uint32, op Opcode, operands ...Operand) []uint32 {
	if len(operands) > 3 {
		panic(fmt.Sprintf("vm: %s given %d operands", op, len(operands)))
	}
	word := uint32(op) << 24
	for i, o := range operands {
		word |= uint32(o.flags()) << (16 - 8*uint(i))
	}
	code = append(code, word)
	for _, o := range operands {
		switch o.words() {
		case 1:
			code = append(code, uint32(o.bits))
		case 2:
			code = append(code, uint32(o.bits), uint32(o.bits>>32))
		}
	}
	return code
}

// checkOperands verifies that decoded operands match the opcode's table
// entry.
func checkOperands(ins Instruction) error {
	info, ok := opcodeTable[ins.Op]
	if !ok {
		return fmt.Errorf("unknown opcode 0x%02x", byte(ins.Op))
	}
	for i := 0; i < 3; i++ {
		want := OperandNone
		if i < len(info.Operands) {
			want = info.Operands[i]
		}
		got := ins.Operands[i].Kind
		if want == OperandNone {
			if got != OperandNone {
				return fmt.Errorf("%s: unexpected operand %d (%s)", info.Name, i, got)
			}
			continue
		}
		if !want.accepts(got) {
			return fmt.Errorf("%s: operand %d is %s, want %s", info.Name, i, got, want)
		}
	}
	return nil
}
