package vm

import (
	"fmt"

	"github.com/chazu/xlang/gc"
)

// Handlers peek their operands, compute, and only then pop, so a failing
// instruction leaves the stack as it found it.

func (e *Executor) dispatch(pkg *Package, ins Instruction) error {
	h := e.h
	switch op := ins.Op; op {
	case OpNop:

	// --- Literals ---
	case OpLoadNull:
		e.stack.Push(NewNull(h))
	case OpLoadInt32, OpLoadInt64:
		e.stack.Push(NewInt(h, ins.Arg(0).Int()))
	case OpLoadFloat32, OpLoadFloat64:
		e.stack.Push(NewFloat(h, ins.Arg(0).Float()))
	case OpLoadString:
		s, err := poolString(pkg, ins.Arg(0))
		if err != nil {
			return err
		}
		e.stack.Push(NewString(h, s))
	case OpLoadBytes:
		b, err := poolBytes(pkg, ins.Arg(0))
		if err != nil {
			return err
		}
		e.stack.Push(NewBytes(h, b))
	case OpLoadBool:
		e.stack.Push(NewBool(h, ins.Arg(0).Int() != 0))
	case OpLoadLambda:
		return e.loadLambda(pkg, ins)
	case OpPop:
		return e.discard(1)

	// --- Builders ---
	case OpBuildTuple:
		return e.buildTuple(ins.Arg(0).Int())
	case OpBuildKeyValue:
		return e.binaryWith(func(k, v gc.Ref) (gc.Ref, error) { return NewKeyVal(h, k, v), nil })
	case OpBuildNamed:
		return e.binaryWith(func(k, v gc.Ref) (gc.Ref, error) { return NewNamed(h, k, v), nil })
	case OpBuildRange:
		return e.binaryWith(func(start, end gc.Ref) (gc.Ref, error) {
			s, ok := As[*Int](h, Deref(h, start))
			if !ok {
				return gc.Nil, &ExecError{Kind: InvalidArgument, IP: -1, Message: "range start must be an int: " + safeRepr(h, start)}
			}
			en, ok := As[*Int](h, Deref(h, end))
			if !ok {
				return gc.Nil, &ExecError{Kind: InvalidArgument, IP: -1, Message: "range end must be an int: " + safeRepr(h, end)}
			}
			return NewRange(h, s.Value, en.Value), nil
		})
	case OpBuildSet:
		return e.binaryWith(func(collection, filter gc.Ref) (gc.Ref, error) {
			return NewSet(h, Deref(h, collection), Deref(h, filter))
		})

	// --- Operators ---
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow,
		OpBitAnd, OpBitOr, OpBitXor, OpShl, OpShr,
		OpEq, OpNe, OpGt, OpLt, OpGe, OpLe, OpIn, OpIs:
		return e.binaryWith(func(a, b gc.Ref) (gc.Ref, error) { return Binary(h, op, a, b) })
	case OpBitNot, OpAbs, OpNeg:
		return e.replaceTop(func(a gc.Ref) (gc.Ref, error) { return Unary(h, op, a) })

	// --- Variables and references ---
	case OpStoreVar:
		name, err := poolString(pkg, ins.Arg(0))
		if err != nil {
			return err
		}
		v, err := e.stack.Peek(0)
		if err != nil {
			return err
		}
		return e.ctx.LetVar(name, v)
	case OpLoadVar:
		name, err := poolString(pkg, ins.Arg(0))
		if err != nil {
			return err
		}
		v, err := e.ctx.GetVar(name)
		if err != nil {
			return err
		}
		e.stack.Push(v)
	case OpSetValue:
		return e.binaryWith(func(ref, v gc.Ref) (gc.Ref, error) {
			if err := Assign(h, ref, v); err != nil {
				return gc.Nil, err
			}
			return h.CloneRef(ref), nil
		})
	case OpWrapObj, OpMakeRef:
		return e.replaceTop(func(r gc.Ref) (gc.Ref, error) { return NewWrapper(h, r) })
	case OpDeref:
		return e.replaceTop(func(r gc.Ref) (gc.Ref, error) { return h.CloneRef(Deref(h, r)), nil })
	case OpGetAttr:
		return e.binaryWith(func(obj, key gc.Ref) (gc.Ref, error) { return GetAttr(h, obj, key) })
	case OpIndexOf:
		return e.binaryWith(func(obj, idx gc.Ref) (gc.Ref, error) { return Index(h, obj, idx) })
	case OpKeyOf:
		return e.replaceTop(func(r gc.Ref) (gc.Ref, error) { return KeyOf(h, r) })
	case OpValueOf:
		return e.replaceTop(func(r gc.Ref) (gc.Ref, error) { return ValueOf(h, r) })
	case OpSelfOf:
		return e.replaceTop(func(r gc.Ref) (gc.Ref, error) {
			l, ok := As[*Lambda](h, Deref(h, r))
			if !ok {
				return gc.Nil, typeError(h, "self of needs a lambda", r)
			}
			return e.orNull(l.Self), nil
		})
	case OpTypeOf:
		return e.replaceTop(func(r gc.Ref) (gc.Ref, error) { return NewString(h, TypeName(h, r)), nil })
	case OpDeepCopy:
		return e.replaceTop(func(r gc.Ref) (gc.Ref, error) { return DeepCopy(h, r) })
	case OpShallowCopy:
		return e.replaceTop(func(r gc.Ref) (gc.Ref, error) { return Copy(h, r) })
	case OpSwap:
		a, b := ins.Arg(0).Int(), ins.Arg(1).Int()
		if a < 0 || b < 0 {
			return &ExecError{Kind: InvalidInstruction, IP: -1, Message: fmt.Sprintf("swap %d, %d", a, b)}
		}
		return e.stack.Swap(int(a), int(b))
	case OpResetIter:
		top, err := e.stack.Peek(0)
		if err != nil {
			return err
		}
		return ResetIter(h, top)
	case OpNextOrJump:
		top, err := e.stack.Peek(0)
		if err != nil {
			return err
		}
		v, ok, err := Next(h, top)
		if err != nil {
			return err
		}
		if ok {
			e.stack.Push(v)
			return nil
		}
		return e.jump(pkg, ins.Arg(0).Int())
	case OpForkStackObjectRef:
		n := ins.Arg(0).Int()
		if n < 0 {
			return &ExecError{Kind: InvalidInstruction, IP: -1, Message: fmt.Sprintf("stack offset %d", n)}
		}
		r, err := e.stack.Peek(int(n))
		if err != nil {
			return err
		}
		e.stack.Push(h.CloneRef(r))
	case OpPushValueIntoTuple:
		return e.pushIntoTuple(ins.Arg(0).Int())
	case OpLengthOf:
		return e.replaceTop(func(r gc.Ref) (gc.Ref, error) {
			n, err := Len(h, r)
			if err != nil {
				return gc.Nil, err
			}
			return NewInt(h, n), nil
		})

	// --- Control flow ---
	case OpCall:
		lam, args, err := e.popCallOperands()
		if err != nil {
			return err
		}
		defer Drop(h, lam, args)
		return e.call(lam, args)
	case OpAsyncCall:
		lam, args, err := e.popCallOperands()
		if err != nil {
			return err
		}
		defer Drop(h, lam, args)
		target, err := e.asyncCall(lam, args)
		if err != nil {
			return err
		}
		e.stack.Push(target)
	case OpReturn:
		v, err := e.stack.Pop()
		if err != nil {
			return err
		}
		return e.doReturn(v)
	case OpRaise:
		v, err := e.stack.Pop()
		if err != nil {
			return err
		}
		return e.raise(v)
	case OpJump:
		return e.jump(pkg, ins.Arg(0).Int())
	case OpJumpIfFalse:
		top, err := e.stack.Peek(0)
		if err != nil {
			return err
		}
		cond, err := Truthy(h, top)
		if err != nil {
			return err
		}
		if err := e.discard(1); err != nil {
			return err
		}
		if !cond {
			return e.jump(pkg, ins.Arg(0).Int())
		}

	// --- Frames ---
	case OpNewFrame:
		e.ctx.NewFrame(e.stack, FrameNormal, 0, false)
	case OpNewBoundaryFrame:
		target := e.ip + int(ins.Arg(0).Int())
		if target < 0 || target > len(pkg.Code) {
			return &ExecError{Kind: InvalidInstruction, IP: -1, Message: fmt.Sprintf("boundary landing %d out of range", target)}
		}
		e.stack.PushReturn(e.entry, target, false)
		e.ctx.NewFrame(e.stack, FrameBoundary, target, false)
	case OpPopFrame:
		return e.popFrame(false)
	case OpPopBoundaryFrame:
		return e.popFrame(true)
	case OpResetStack:
		f := e.ctx.Top()
		if f == nil {
			return &ContextError{Kind: NoFrame, Frame: FrameNormal}
		}
		e.stack.Truncate(f.Checkpoint())

	// --- Modules ---
	case OpImport:
		return e.replaceTop(func(r gc.Ref) (gc.Ref, error) {
			path, ok := As[*String](h, Deref(h, r))
			if !ok {
				return gc.Nil, &ExecError{Kind: InvalidArgument, IP: -1, Message: "import needs a path string: " + safeRepr(h, r)}
			}
			p, err := ReadPackageFile(path.Value, e.opts.MaxPackageSize)
			if err != nil {
				return gc.Nil, err
			}
			e.log.Debugf("imported %s: %d words, %d functions", path.Value, len(p.Code), len(p.Functions))
			return NewInstructions(h, p), nil
		})

	// --- Special ---
	case OpFork:
		e.stack.Push(h.CloneRef(e.stack.Code()))
	case OpBindSelf:
		return e.replaceTop(func(r gc.Ref) (gc.Ref, error) { return BindSelf(h, Deref(h, r)) })
	case OpAssert:
		top, err := e.stack.Peek(0)
		if err != nil {
			return err
		}
		b, ok := As[*Bool](h, Deref(h, top))
		if !ok {
			return typeError(h, "assert needs a bool", top)
		}
		passed := b.Value
		if err := e.discard(1); err != nil {
			return err
		}
		if !passed {
			return &ExecError{Kind: AssertFailed, IP: -1}
		}
		e.stack.Push(NewBool(h, true))
	case OpEmit:
		top, err := e.stack.Peek(0)
		if err != nil {
			return err
		}
		SetResult(h, e.entry, top)
	case OpIsFinished:
		return e.replaceTop(func(r gc.Ref) (gc.Ref, error) {
			l, ok := As[*Lambda](h, Deref(h, r))
			if !ok {
				return gc.Nil, &ExecError{Kind: InvalidArgument, IP: -1, Message: "is finished needs a lambda: " + safeRepr(h, r)}
			}
			return NewBool(h, l.Status.Terminal()), nil
		})
	case OpAlias:
		name, err := poolString(pkg, ins.Arg(0))
		if err != nil {
			return err
		}
		return e.replaceTop(func(r gc.Ref) (gc.Ref, error) {
			c, err := Copy(h, r)
			if err != nil {
				return gc.Nil, err
			}
			o := Get(h, c)
			o.SetAliases(append(o.Aliases(), name))
			return c, nil
		})
	case OpWipeAlias:
		return e.replaceTop(func(r gc.Ref) (gc.Ref, error) {
			c, err := Copy(h, r)
			if err != nil {
				return gc.Nil, err
			}
			Get(h, c).SetAliases(nil)
			return c, nil
		})
	case OpAliasOf:
		return e.replaceTop(func(r gc.Ref) (gc.Ref, error) {
			aliases := Get(h, r).Aliases()
			vals := make([]gc.Ref, len(aliases))
			for i, a := range aliases {
				vals[i] = NewString(h, a)
			}
			return BuildTuple(h, vals...), nil
		})
	case OpCaptureOf:
		return e.replaceTop(func(r gc.Ref) (gc.Ref, error) {
			l, ok := As[*Lambda](h, Deref(h, r))
			if !ok {
				return gc.Nil, &ExecError{Kind: InvalidArgument, IP: -1, Message: "capture of needs a lambda: " + safeRepr(h, r)}
			}
			return e.orNull(l.Capture), nil
		})

	default:
		return &ExecError{Kind: InvalidInstruction, IP: -1, Message: "unhandled opcode"}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func poolString(pkg *Package, o Operand) (string, error) {
	i := o.Index()
	if o.Kind != OperandString || i < 0 || i >= len(pkg.Strings) {
		return "", &ExecError{Kind: InvalidInstruction, IP: -1, Message: fmt.Sprintf("string pool index %d out of range", i)}
	}
	return pkg.Strings[i], nil
}

func poolBytes(pkg *Package, o Operand) ([]byte, error) {
	i := o.Index()
	if o.Kind != OperandBytes || i < 0 || i >= len(pkg.Bytes) {
		return nil, &ExecError{Kind: InvalidInstruction, IP: -1, Message: fmt.Sprintf("bytes pool index %d out of range", i)}
	}
	return pkg.Bytes[i], nil
}

// discard pops and releases n values.
func (e *Executor) discard(n int) error {
	for i := 0; i < n; i++ {
		r, err := e.stack.Pop()
		if err != nil {
			return err
		}
		e.h.DropRef(r)
	}
	return nil
}

// replaceTop replaces the top value with fn's owned result.
func (e *Executor) replaceTop(fn func(gc.Ref) (gc.Ref, error)) error {
	top, err := e.stack.Peek(0)
	if err != nil {
		return err
	}
	r, err := fn(top)
	if err != nil {
		return err
	}
	return e.stack.Replace(0, r)
}

// binaryWith replaces the two top values (a below b) with fn's owned
// result.
func (e *Executor) binaryWith(fn func(a, b gc.Ref) (gc.Ref, error)) error {
	b, err := e.stack.Peek(0)
	if err != nil {
		return err
	}
	a, err := e.stack.Peek(1)
	if err != nil {
		return err
	}
	r, err := fn(a, b)
	if err != nil {
		return err
	}
	if err := e.discard(2); err != nil {
		e.h.DropRef(r)
		return err
	}
	e.stack.Push(r)
	return nil
}

func (e *Executor) orNull(r gc.Ref) gc.Ref {
	if r.IsNil() {
		return NewNull(e.h)
	}
	return e.h.CloneRef(r)
}

func (e *Executor) jump(pkg *Package, off int64) error {
	target := e.ip + int(off)
	if target < 0 || target > len(pkg.Code) {
		return &ExecError{Kind: InvalidInstruction, IP: -1, Message: fmt.Sprintf("jump target %d out of range", target)}
	}
	e.ip = target
	return nil
}

// popCallOperands pops the argument tuple and the lambda below it. The
// caller owns both handles.
func (e *Executor) popCallOperands() (lam, args gc.Ref, err error) {
	args, err = e.stack.Peek(0)
	if err != nil {
		return gc.Nil, gc.Nil, err
	}
	lam, err = e.stack.Peek(1)
	if err != nil {
		return gc.Nil, gc.Nil, err
	}
	if !Is(e.h, Deref(e.h, args), KindTuple) {
		return gc.Nil, gc.Nil, &ExecError{Kind: ArgumentNotTuple, IP: -1, Message: safeRepr(e.h, args)}
	}
	if !Is(e.h, Deref(e.h, lam), KindLambda) {
		return gc.Nil, gc.Nil, &ExecError{Kind: NotCallable, IP: -1, Message: safeRepr(e.h, lam)}
	}
	lam, args = e.h.CloneRef(lam), e.h.CloneRef(args)
	if err := e.discard(2); err != nil {
		Drop(e.h, lam, args)
		return gc.Nil, gc.Nil, err
	}
	return lam, args, nil
}

func (e *Executor) loadLambda(pkg *Package, ins Instruction) error {
	h := e.h
	sig, err := poolString(pkg, ins.Arg(0))
	if err != nil {
		return err
	}
	pos := ins.Arg(1).Int()
	flags := ins.Arg(2).Int()

	code, err := e.stack.Peek(0)
	if err != nil {
		return err
	}
	code = Deref(h, code)
	var body Body
	switch KindOf(h, code) {
	case KindInstructions:
		body = Body{Kind: BodyCode, Code: code}
	case KindForeign:
		body = Body{Kind: BodyForeign, Code: code}
	default:
		return &ExecError{Kind: InvalidArgument, IP: -1, Message: "lambda code must be instructions or a foreign library: " + safeRepr(h, code)}
	}

	n := 1
	capture := gc.Nil
	if flags&1 != 0 {
		if capture, err = e.stack.Peek(1); err != nil {
			return err
		}
		n = 2
	}
	defaults, err := e.stack.Peek(n)
	if err != nil {
		return err
	}
	defaults = Deref(h, defaults)
	if !Is(h, defaults, KindTuple) {
		return &ExecError{Kind: ArgumentNotTuple, IP: -1, Message: safeRepr(h, defaults)}
	}

	lam := NewLambda(h, LambdaSpec{
		Signature:     sig,
		CodePosition:  int(pos),
		Defaults:      defaults,
		Capture:       capture,
		Body:          body,
		DynamicParams: flags&2 != 0,
	})
	if err := e.discard(n + 1); err != nil {
		h.DropRef(lam)
		return err
	}
	e.stack.Push(lam)
	return nil
}

func (e *Executor) buildTuple(n int64) error {
	if n < 0 || int(n) > e.stack.Len() {
		return &ExecError{Kind: InvalidInstruction, IP: -1, Message: fmt.Sprintf("tuple of %d from %d slots", n, e.stack.Len())}
	}
	vals := make([]gc.Ref, n)
	for i := range vals {
		r, err := e.stack.Peek(int(n) - 1 - i)
		if err != nil {
			return err
		}
		vals[i] = r
	}
	t := NewTuple(e.h, vals)
	if err := e.discard(int(n)); err != nil {
		e.h.DropRef(t)
		return err
	}
	e.stack.Push(t)
	return nil
}

// pushIntoTuple appends the top value to the tuple at depth off and pops
// the value.
func (e *Executor) pushIntoTuple(off int64) error {
	if off <= 0 {
		return &ExecError{Kind: InvalidInstruction, IP: -1, Message: fmt.Sprintf("tuple offset %d", off)}
	}
	v, err := e.stack.Peek(0)
	if err != nil {
		return err
	}
	t, err := e.stack.Peek(int(off))
	if err != nil {
		return err
	}
	if err := Append(e.h, Deref(e.h, t), v); err != nil {
		return err
	}
	return e.discard(1)
}

// popFrame pops one frame while keeping the value on top of it. For a
// boundary frame the landing return point is consumed and execution
// continues at its offset.
func (e *Executor) popFrame(boundary bool) error {
	f := e.ctx.Top()
	if f == nil {
		return &ContextError{Kind: NoFrame, Frame: FrameNormal}
	}
	v := gc.Nil
	if e.stack.Len() > f.Checkpoint() {
		r, err := e.stack.Pop()
		if err != nil {
			return err
		}
		v = r
	} else {
		v = NewNull(e.h)
	}
	if err := e.ctx.PopFrame(e.stack, false); err != nil {
		e.h.DropRef(v)
		return err
	}
	if boundary {
		ret, err := e.stack.PopReturn()
		if err != nil {
			e.h.DropRef(v)
			return err
		}
		e.ip = ret.IP
	}
	e.stack.Push(v)
	return nil
}
