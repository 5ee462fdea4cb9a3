package vm

import (
	"math"
	"math/bits"

	"github.com/chazu/xlang/gc"
)

// Binary applies a binary operator opcode to a and b. The result is an owned
// handle.
func Binary(h *gc.Heap, op Opcode, a, b gc.Ref) (gc.Ref, error) {
	a, b = Deref(h, a), Deref(h, b)
	switch op {
	case OpEq:
		return NewBool(h, Equal(h, a, b)), nil
	case OpNe:
		return NewBool(h, !Equal(h, a, b)), nil
	case OpIs:
		return NewBool(h, a == b), nil
	case OpIn:
		// a is the element, b the container.
		in, err := Contains(h, b, a)
		if err != nil {
			return gc.Nil, err
		}
		return NewBool(h, in), nil
	case OpLt, OpGt, OpLe, OpGe:
		return compare(h, op, a, b)
	}

	oa, ob := Get(h, a), Get(h, b)
	if ia, ok := oa.(*Int); ok {
		if ib, ok := ob.(*Int); ok {
			return intOp(h, op, ia.Value, ib.Value, a, b)
		}
	}
	if fa, ok := numeric(oa); ok {
		if fb, ok := numeric(ob); ok {
			return floatOp(h, op, fa, fb, a, b)
		}
	}

	switch x := oa.(type) {
	case *Bool:
		if y, ok := ob.(*Bool); ok {
			switch op {
			case OpBitAnd:
				return NewBool(h, x.Value && y.Value), nil
			case OpBitOr:
				return NewBool(h, x.Value || y.Value), nil
			case OpBitXor:
				return NewBool(h, x.Value != y.Value), nil
			}
		}
	case *String:
		if y, ok := ob.(*String); ok && op == OpAdd {
			return NewString(h, x.Value+y.Value), nil
		}
	case *Bytes:
		if y, ok := ob.(*Bytes); ok && op == OpAdd {
			out := make([]byte, 0, len(x.Value)+len(y.Value))
			return NewBytes(h, append(append(out, x.Value...), y.Value...)), nil
		}
	case *Tuple:
		if y, ok := ob.(*Tuple); ok && op == OpAdd {
			vals := make([]gc.Ref, 0, len(x.Values)+len(y.Values))
			vals = append(append(vals, x.Values...), y.Values...)
			return NewTuple(h, vals), nil
		}
	case *Range:
		if y, ok := ob.(*Int); ok {
			switch op {
			case OpAdd:
				return NewRange(h, x.Start+y.Value, x.End+y.Value), nil
			case OpSub:
				return NewRange(h, x.Start-y.Value, x.End-y.Value), nil
			}
		}
	}
	return gc.Nil, typeError(h, "unsupported operand types for "+op.Name(), a, b)
}

func intOp(h *gc.Heap, op Opcode, x, y int64, a, b gc.Ref) (gc.Ref, error) {
	switch op {
	case OpAdd:
		return NewInt(h, x+y), nil
	case OpSub:
		return NewInt(h, x-y), nil
	case OpMul:
		return NewInt(h, x*y), nil
	case OpDiv:
		if y == 0 {
			return gc.Nil, valueError(h, "division by zero", a, b)
		}
		return NewFloat(h, float64(x)/float64(y)), nil
	case OpMod:
		if y == 0 {
			return gc.Nil, valueError(h, "modulo by zero", a, b)
		}
		return NewInt(h, x%y), nil
	case OpPow:
		if y < 0 {
			return NewFloat(h, math.Pow(float64(x), float64(y))), nil
		}
		v, ok := checkedPow(x, y)
		if !ok {
			return gc.Nil, newVariableError(h, OverflowError, "integer power overflows", a, b)
		}
		return NewInt(h, v), nil
	case OpBitAnd:
		return NewInt(h, x&y), nil
	case OpBitOr:
		return NewInt(h, x|y), nil
	case OpBitXor:
		return NewInt(h, x^y), nil
	case OpShl, OpShr:
		if y < 0 || y > 63 {
			return gc.Nil, valueError(h, "shift count out of range", b)
		}
		if op == OpShl {
			return NewInt(h, x<<uint(y)), nil
		}
		return NewInt(h, x>>uint(y)), nil
	}
	return gc.Nil, typeError(h, "unsupported operand types for "+op.Name(), a, b)
}

func floatOp(h *gc.Heap, op Opcode, x, y float64, a, b gc.Ref) (gc.Ref, error) {
	switch op {
	case OpAdd:
		return NewFloat(h, x+y), nil
	case OpSub:
		return NewFloat(h, x-y), nil
	case OpMul:
		return NewFloat(h, x*y), nil
	case OpDiv:
		return NewFloat(h, x/y), nil
	case OpMod:
		return NewFloat(h, math.Mod(x, y)), nil
	case OpPow:
		return NewFloat(h, math.Pow(x, y)), nil
	}
	return gc.Nil, typeError(h, "unsupported operand types for "+op.Name(), a, b)
}

func checkedPow(base, exp int64) (int64, bool) {
	result := int64(1)
	for exp > 0 {
		if exp&1 == 1 {
			r, ok := checkedMul(result, base)
			if !ok {
				return 0, false
			}
			result = r
		}
		exp >>= 1
		if exp > 0 {
			b, ok := checkedMul(base, base)
			if !ok {
				return 0, false
			}
			base = b
		}
	}
	return result, true
}

func checkedMul(x, y int64) (int64, bool) {
	if x == 0 || y == 0 {
		return 0, true
	}
	neg := (x < 0) != (y < 0)
	hi, lo := bits.Mul64(absU(x), absU(y))
	if hi != 0 {
		return 0, false
	}
	if neg {
		if lo > 1<<63 {
			return 0, false
		}
		return -int64(lo), true
	}
	if lo > math.MaxInt64 {
		return 0, false
	}
	return int64(lo), true
}

func absU(x int64) uint64 {
	if x < 0 {
		return uint64(-x)
	}
	return uint64(x)
}

func compare(h *gc.Heap, op Opcode, a, b gc.Ref) (gc.Ref, error) {
	less, greater, ok := order(Get(h, a), Get(h, b))
	if !ok {
		return gc.Nil, typeError(h, "values are not ordered", a, b)
	}
	switch op {
	case OpLt:
		return NewBool(h, less), nil
	case OpGt:
		return NewBool(h, greater), nil
	case OpLe:
		return NewBool(h, !greater), nil
	default:
		return NewBool(h, !less), nil
	}
}

func order(oa, ob Object) (less, greater, ok bool) {
	if ia, isInt := oa.(*Int); isInt {
		if ib, isInt := ob.(*Int); isInt {
			return ia.Value < ib.Value, ia.Value > ib.Value, true
		}
	}
	if fa, isNum := numeric(oa); isNum {
		if fb, isNum := numeric(ob); isNum {
			return fa < fb, fa > fb, true
		}
	}
	if sa, isStr := oa.(*String); isStr {
		if sb, isStr := ob.(*String); isStr {
			return sa.Value < sb.Value, sa.Value > sb.Value, true
		}
	}
	return false, false, false
}

// Unary applies a unary operator opcode to a.
func Unary(h *gc.Heap, op Opcode, a gc.Ref) (gc.Ref, error) {
	a = Deref(h, a)
	switch o := Get(h, a).(type) {
	case *Int:
		switch op {
		case OpNeg:
			return NewInt(h, -o.Value), nil
		case OpAbs:
			if o.Value < 0 {
				return NewInt(h, -o.Value), nil
			}
			return NewInt(h, o.Value), nil
		case OpBitNot:
			return NewInt(h, ^o.Value), nil
		}
	case *Float:
		switch op {
		case OpNeg:
			return NewFloat(h, -o.Value), nil
		case OpAbs:
			return NewFloat(h, math.Abs(o.Value)), nil
		}
	case *Bool:
		if op == OpBitNot {
			return NewBool(h, !o.Value), nil
		}
	}
	return gc.Nil, typeError(h, "unsupported operand type for "+op.Name(), a)
}
