package vm

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/xlang/gc"
)

// ---------------------------------------------------------------------------
// Executor: one coroutine's execution state
// ---------------------------------------------------------------------------

// Spawn is a coroutine requested by ASYNC_CALL. Both handles are owned.
type Spawn struct {
	Lambda gc.Ref
	Args   gc.Ref
}

// Executor runs a single lambda as a coroutine. It owns a frame stack, an
// operand stack and a code stack over a heap it shares with other
// executors. Executors are driven from one goroutine.
type Executor struct {
	h     *gc.Heap
	opts  Options
	log   commonlog.Logger
	ctx   *Context
	stack *Stack

	entry gc.Ref // held until Release
	ip    int
	steps uint64

	waiting  bool // polling a generator that is not done
	done     bool
	released bool

	spawned []Spawn
}

// NewExecutor prepares lam to run as a coroutine with args. Both handles
// are borrowed. The lambda's status is left untouched; the caller moves it
// to Running.
func NewExecutor(h *gc.Heap, lam, args gc.Ref, opts Options) (*Executor, error) {
	opts = opts.withDefaults()
	lam = Deref(h, lam)
	l, ok := As[*Lambda](h, lam)
	if !ok {
		return nil, &ExecError{Kind: NotCallable, IP: -1, Message: safeRepr(h, lam)}
	}
	e := &Executor{
		h:     h,
		opts:  opts,
		log:   opts.Log,
		ctx:   NewContext(h),
		stack: NewStack(h),
		entry: h.CloneRef(lam),
		ip:    -1,
	}
	e.ctx.NewFrame(e.stack, FrameNormal, -1, true)
	if opts.Natives != nil {
		if err := opts.Natives.Install(h, e.ctx); err != nil {
			e.Release()
			return nil, err
		}
	}
	if err := e.start(l, args); err != nil {
		e.Release()
		return nil, err
	}
	return e, nil
}

func (e *Executor) start(l *Lambda, args gc.Ref) error {
	merged, err := e.mergeArgs(e.entry, l, args)
	if err != nil {
		return err
	}
	defer e.h.DropRef(merged)

	switch l.Body.Kind {
	case BodyCode:
		return e.enterLambda(e.entry, merged)
	case BodyGenerator:
		if err := l.Body.Generator.Init(e.h, merged); err != nil {
			return err
		}
		e.stack.PushCode(e.entry)
		return nil
	}
	return &ExecError{Kind: NotCallable, IP: -1,
		Message: fmt.Sprintf("%s body cannot run as a coroutine: %s", l.Body.Kind, l.Signature)}
}

// Lambda returns the entry lambda. The handle is valid until Release.
func (e *Executor) Lambda() gc.Ref { return e.entry }

// Status returns the entry lambda's coroutine status.
func (e *Executor) Status() Status { return e.lambda().Status }

func (e *Executor) lambda() *Lambda { return e.h.Get(e.entry).(*Lambda) }

// Done reports whether the code stack has been exhausted.
func (e *Executor) Done() bool { return e.done }

// Waiting reports whether the coroutine is polling an unfinished generator.
func (e *Executor) Waiting() bool { return e.waiting }

// IP returns the current instruction pointer.
func (e *Executor) IP() int { return e.ip }

// Steps returns the number of instructions executed.
func (e *Executor) Steps() uint64 { return e.steps }

// Context returns the frame stack.
func (e *Executor) Context() *Context { return e.ctx }

// Stack returns the operand stack.
func (e *Executor) Stack() *Stack { return e.stack }

// TakeSpawned returns and clears the coroutines requested since the last
// call. The caller owns the returned handles.
func (e *Executor) TakeSpawned() []Spawn {
	s := e.spawned
	e.spawned = nil
	return s
}

// Release drops every frame, stack slot, code entry and pending spawn, and
// the hold on the entry lambda. It is idempotent.
func (e *Executor) Release() {
	if e.released {
		return
	}
	e.released = true
	e.ctx.Release(e.stack)
	e.stack.Release()
	for _, s := range e.spawned {
		Drop(e.h, s.Lambda, s.Args)
	}
	e.spawned = nil
	e.h.DropRef(e.entry)
}

// ---------------------------------------------------------------------------
// Stepping
// ---------------------------------------------------------------------------

// Run executes up to budget instructions. It returns early when the code
// stack is exhausted, when the entry lambda leaves the Running state, or
// after one poll of an unfinished generator. A non-nil error means the
// coroutine cannot continue.
func (e *Executor) Run(budget int) error {
	for i := 0; i < budget && !e.done; i++ {
		if !e.runnable() {
			return nil
		}
		if err := e.Step(); err != nil {
			return err
		}
		if e.waiting {
			return nil
		}
	}
	return nil
}

func (e *Executor) runnable() bool {
	l := e.lambda()
	if l.Paused {
		return false
	}
	switch l.Status {
	case StatusRunning:
		return true
	case StatusPending:
		return e.waiting
	}
	return false
}

// Step executes one instruction, or polls the generator on top of the code
// stack once.
func (e *Executor) Step() error {
	if e.done || e.released {
		return nil
	}
	code := e.stack.Code()
	if code.IsNil() {
		e.finish()
		return nil
	}
	switch c := Get(e.h, code).(type) {
	case *Lambda:
		return e.poll(code, c)
	case *Instructions:
		return e.exec(c.Package)
	}
	return &ExecError{Kind: InvalidInstruction, IP: e.ip, Message: "code stack holds " + TypeName(e.h, code)}
}

func (e *Executor) exec(pkg *Package) error {
	if e.ip < 0 || e.ip >= len(pkg.Code) {
		return e.fallOff()
	}
	ins, err := Decode(pkg.Code, e.ip)
	if err != nil {
		return &ExecError{Kind: InvalidInstruction, IP: e.ip, Err: err}
	}
	if err := checkOperands(ins); err != nil {
		return &ExecError{Kind: InvalidInstruction, IP: e.ip, Op: ins.Op, Err: err}
	}
	e.ip = ins.Next
	e.steps++

	if err := e.dispatch(pkg, ins); err != nil {
		return e.fail(ins, err)
	}
	if e.stack.Len() > e.opts.MaxStack {
		return e.fail(ins, &ExecError{Kind: StackOverflow, IP: ins.IP, Op: ins.Op,
			Message: fmt.Sprintf("%d slots exceeds limit %d", e.stack.Len(), e.opts.MaxStack)})
	}
	return nil
}

// fallOff treats running past the end of the code as a return of the value
// above the innermost frame's checkpoint, or null.
func (e *Executor) fallOff() error {
	v := gc.Nil
	if f := e.ctx.Top(); f != nil && e.stack.Len() > f.Checkpoint() {
		if r, err := e.stack.Pop(); err == nil {
			v = r
		}
	}
	if v.IsNil() {
		v = NewNull(e.h)
	}
	if err := e.doReturn(v); err != nil {
		return &ExecError{Kind: InvalidInstruction, IP: e.ip, Message: "execution ran past the end of the code", Err: err}
	}
	return nil
}

// finish publishes the final value as the entry lambda's result. The owner
// releases the executor afterwards.
func (e *Executor) finish() {
	v := gc.Nil
	if e.stack.Len() > 0 {
		if r, err := e.stack.Pop(); err == nil {
			v = r
		}
	}
	if v.IsNil() {
		v = NewNull(e.h)
	}
	SetResult(e.h, e.entry, v)
	e.h.DropRef(v)

	e.done = true
	e.waiting = false
	if l := e.lambda(); !l.Status.Terminal() {
		l.Status = StatusFinished
	}
	e.log.Debugf("coroutine %s finished after %d steps", e.lambda().Signature, e.steps)
}

// ---------------------------------------------------------------------------
// Generators
// ---------------------------------------------------------------------------

func (e *Executor) poll(code gc.Ref, l *Lambda) error {
	g := l.Body.Generator
	if g == nil {
		e.stack.PopCode()
		return e.fail(e.here(), &ExecError{Kind: NotCallable, IP: e.ip, Message: "generator lambda without generator"})
	}
	v, err := g.Step(e.h)
	if err == nil && !v.IsNil() {
		SetResult(e.h, code, v)
		e.h.DropRef(v)
	}
	if err == nil && !g.Done() {
		e.setWaiting(true)
		return nil
	}
	e.setWaiting(false)

	var res gc.Ref
	if err == nil {
		res, err = g.Result(e.h)
	}
	if err != nil {
		// The generator's code entry has no return point to unwind it.
		e.stack.PopCode()
		return e.fail(e.here(), err)
	}
	SetResult(e.h, code, res)
	e.stack.PopCode()
	e.stack.Push(res)
	return nil
}

func (e *Executor) setWaiting(on bool) {
	e.waiting = on
	l := e.lambda()
	switch {
	case on && l.Status == StatusRunning:
		l.Status = StatusPending
	case !on && l.Status == StatusPending && !l.Paused:
		l.Status = StatusRunning
	}
}

func (e *Executor) here() Instruction {
	return Instruction{Op: OpCall, IP: e.ip, Next: e.ip}
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// mergeArgs merges args into the lambda's defaults and returns the owned
// argument tuple the body sees. Lambdas with dynamic parameters merge into
// their defaults in place.
func (e *Executor) mergeArgs(lam gc.Ref, l *Lambda, args gc.Ref) (gc.Ref, error) {
	if args.IsNil() {
		empty := NewTuple(e.h, nil)
		defer e.h.DropRef(empty)
		args = empty
	}
	if !Is(e.h, Deref(e.h, args), KindTuple) {
		return gc.Nil, &ExecError{Kind: ArgumentNotTuple, IP: -1, Message: safeRepr(e.h, args)}
	}
	if l.DynamicParams {
		if err := AssignMembers(e.h, l.Defaults, args); err != nil {
			return gc.Nil, err
		}
		return e.h.CloneRef(l.Defaults), nil
	}
	return CloneAndAssign(e.h, l.Defaults, args)
}

// enterLambda pushes a return point and a Function frame for a code
// lambda, binds its named arguments, self and this, and jumps to its entry.
// lam and args are borrowed.
func (e *Executor) enterLambda(lam, args gc.Ref) error {
	l := e.h.Get(lam).(*Lambda)
	newCode := e.stack.Code() != l.Body.Code
	e.stack.PushReturn(lam, e.ip, newCode)
	if newCode {
		e.stack.PushCode(l.Body.Code)
	}
	e.ctx.NewFrame(e.stack, FrameFunction, e.ip, false)

	for _, v := range e.h.Get(args).(*Tuple).Values {
		n, ok := As[*Named](e.h, v)
		if !ok {
			continue
		}
		name, ok := As[*String](e.h, n.Key)
		if !ok {
			return &ExecError{Kind: InvalidArgument, IP: -1,
				Message: "parameter name must be a string: " + safeRepr(e.h, n.Key)}
		}
		if err := e.ctx.LetVar(name.Value, n.Value); err != nil {
			return err
		}
	}
	if !l.Self.IsNil() {
		if err := e.ctx.LetVar("self", l.Self); err != nil {
			return err
		}
	}
	if err := e.ctx.LetVar("this", lam); err != nil {
		return err
	}

	pkg := e.h.Get(l.Body.Code).(*Instructions).Package
	if pos, ok := pkg.Entry(l.Signature); ok {
		e.ip = pos
	} else {
		e.ip = l.CodePosition
	}
	return nil
}

// call invokes lam with args. Both handles are borrowed.
func (e *Executor) call(lam, args gc.Ref) error {
	lam = Deref(e.h, lam)
	l, ok := As[*Lambda](e.h, lam)
	if !ok {
		return &ExecError{Kind: NotCallable, IP: -1, Message: safeRepr(e.h, lam)}
	}
	merged, err := e.mergeArgs(lam, l, args)
	if err != nil {
		return err
	}
	defer e.h.DropRef(merged)

	switch l.Body.Kind {
	case BodyNative:
		res, err := l.Body.Native(e.h, merged)
		if err != nil {
			return &ExecError{Kind: NativeFailed, IP: -1, Message: l.Signature, Err: err}
		}
		if res.IsNil() {
			res = NewNull(e.h)
		}
		SetResult(e.h, lam, res)
		e.stack.Push(res)
		return nil
	case BodyForeign:
		f, ok := As[*Foreign](e.h, l.Body.Code)
		if !ok {
			return &ExecError{Kind: NotCallable, IP: -1, Message: "foreign lambda without library: " + l.Signature}
		}
		sym := l.Signature
		if aliases := l.Aliases(); len(aliases) > 0 {
			sym = aliases[0]
		}
		fn, err := f.Func(sym)
		if err != nil {
			return &ExecError{Kind: NativeFailed, IP: -1, Message: l.Signature, Err: err}
		}
		res, err := fn(e.h, merged)
		if err != nil {
			return &ExecError{Kind: NativeFailed, IP: -1, Message: l.Signature, Err: err}
		}
		if res.IsNil() {
			res = NewNull(e.h)
		}
		SetResult(e.h, lam, res)
		e.stack.Push(res)
		return nil
	case BodyGenerator:
		fresh, err := Copy(e.h, lam)
		if err != nil {
			return err
		}
		defer e.h.DropRef(fresh)
		g := e.h.Get(fresh).(*Lambda).Body.Generator
		if g == nil {
			return &ExecError{Kind: NotCallable, IP: -1, Message: "generator lambda without generator: " + l.Signature}
		}
		if err := g.Init(e.h, merged); err != nil {
			return err
		}
		e.stack.PushCode(fresh)
		return nil
	}
	return e.enterLambda(lam, merged)
}

// asyncCall validates lam for use as a coroutine and records a spawn. It
// returns the lambda the new coroutine runs, which for generators is a
// fresh copy. The result is owned.
func (e *Executor) asyncCall(lam, args gc.Ref) (gc.Ref, error) {
	lam = Deref(e.h, lam)
	l, ok := As[*Lambda](e.h, lam)
	if !ok {
		return gc.Nil, &ExecError{Kind: NotCallable, IP: -1, Message: safeRepr(e.h, lam)}
	}
	var target gc.Ref
	switch l.Body.Kind {
	case BodyCode:
		target = e.h.CloneRef(lam)
	case BodyGenerator:
		c, err := Copy(e.h, lam)
		if err != nil {
			return gc.Nil, err
		}
		target = c
	default:
		return gc.Nil, &ExecError{Kind: NotCallable, IP: -1,
			Message: fmt.Sprintf("%s lambda cannot run asynchronously: %s", l.Body.Kind, l.Signature)}
	}
	argsCopy := e.h.CloneRef(Deref(e.h, args))
	e.spawned = append(e.spawned, Spawn{Lambda: e.h.CloneRef(target), Args: argsCopy})
	return target, nil
}

// ---------------------------------------------------------------------------
// Return, raise and runtime errors
// ---------------------------------------------------------------------------

// doReturn unwinds to the innermost Function frame and resumes at its
// return point with v (owned) on the stack.
func (e *Executor) doReturn(v gc.Ref) error {
	if err := e.ctx.PopFrame(e.stack, true); err != nil {
		e.h.DropRef(v)
		return err
	}
	ret, err := e.stack.PopReturn()
	if err != nil {
		e.h.DropRef(v)
		return err
	}
	// The returning lambda stays allocated until the next collection.
	SetResult(e.h, ret.Ref, v)
	e.ip = ret.IP
	e.stack.Push(v)
	return nil
}

// raise unwinds to the innermost Boundary frame and resumes at its landing
// offset with v (owned) on the stack.
func (e *Executor) raise(v gc.Ref) error {
	if err := e.ctx.PopBoundary(e.stack); err != nil {
		msg := safeRepr(e.h, v)
		e.h.DropRef(v)
		return &ExecError{Kind: Uncaught, IP: e.ip, Message: msg, Err: err}
	}
	ret, err := e.stack.PopReturn()
	if err != nil {
		e.h.DropRef(v)
		return err
	}
	e.ip = ret.IP
	e.stack.Push(v)
	return nil
}

// fail converts a runtime error raised by ins into an error value and
// raises it. The error is returned only when no boundary catches it.
func (e *Executor) fail(ins Instruction, err error) error {
	var xe *ExecError
	if errors.As(err, &xe) && xe.Kind == Uncaught {
		return xe
	}
	xe = positioned(ins, err)
	e.ip = ins.IP
	e.log.Debugf("raise at %04d %s: %v", ins.IP, ins.Op, xe)
	if rerr := e.raise(e.errorValue(xe)); rerr != nil {
		return &ExecError{Kind: Uncaught, IP: ins.IP, Op: ins.Op, Err: xe}
	}
	return nil
}

func positioned(ins Instruction, err error) *ExecError {
	var xe *ExecError
	if errors.As(err, &xe) {
		c := *xe
		if c.IP < 0 {
			c.IP = ins.IP
			c.Op = ins.Op
		}
		return &c
	}
	return &ExecError{Kind: RuntimeFailure, IP: ins.IP, Op: ins.Op, Err: err}
}

// errorValue builds the record raised for a runtime error:
// VMError::Err::(message: ..., kind: ..., ip: ...).
func (e *Executor) errorValue(xe *ExecError) gc.Ref {
	msg := NewString(e.h, xe.Error())
	kind := NewString(e.h, xe.Kind.String())
	ip := NewInt(e.h, int64(xe.IP))
	t := BuildTuple(e.h,
		NewStringKeyVal(e.h, "message", msg),
		NewStringKeyVal(e.h, "kind", kind),
		NewStringKeyVal(e.h, "ip", ip),
	)
	Drop(e.h, msg, kind, ip)
	Get(e.h, t).SetAliases([]string{"Err", "VMError"})
	return t
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// Format renders the executor state for debugging.
func (e *Executor) Format() string {
	l := e.lambda()
	return fmt.Sprintf("coroutine %s [%s] ip=%04d steps=%d\nframes:\n%sstack:\n%s",
		l.Signature, l.Status, e.ip, e.steps, e.ctx.Format(), e.stack.Format())
}
