package vm

import (
	"errors"
	"strings"
	"testing"

	"github.com/chazu/xlang/gc"
)

func TestRunArithmetic(t *testing.T) {
	b := NewBuilder()
	b.Emit(OpLoadInt64, Int64Operand(2))
	b.Emit(OpLoadInt64, Int64Operand(3))
	b.Emit(OpAdd)
	b.Emit(OpLoadInt32, Int32Operand(4))
	b.Emit(OpMul)
	b.Emit(OpReturn)

	got, err := runRepr(t, mustPackage(t, b))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if got != "20" {
		t.Errorf("result = %s, want 20", got)
	}
}

func TestRunFallsOffEnd(t *testing.T) {
	b := NewBuilder()
	b.Emit(OpLoadString, b.String("done"))

	got, err := runRepr(t, mustPackage(t, b))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if got != `"done"` {
		t.Errorf("result = %s, want \"done\"", got)
	}
}

func TestFrameVariableThenReturn(t *testing.T) {
	b := NewBuilder()
	if err := b.Func(EntryFunction); err != nil {
		t.Fatal(err)
	}
	b.Emit(OpNewFrame)
	b.Emit(OpLoadInt64, Int64Operand(5))
	b.Emit(OpStoreVar, b.String("x"))
	b.Emit(OpPop)
	b.Emit(OpLoadVar, b.String("x"))
	b.Emit(OpPopFrame)
	b.Emit(OpReturn)
	pkg := mustPackage(t, b)

	h := gc.New()
	lam := mainLambda(h, pkg)
	e, err := NewExecutor(h, lam, gc.Nil, testOptions())
	if err != nil {
		t.Fatalf("NewExecutor() error: %v", err)
	}
	if err := Resume(h, lam); err != nil {
		t.Fatal(err)
	}

	// Base frame and the entry function frame.
	if d := e.Context().Depth(); d != 2 {
		t.Errorf("depth before run = %d, want 2", d)
	}
	if err := e.Run(100); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !e.Done() {
		t.Fatal("executor should be done")
	}
	if s := e.Status(); s != StatusFinished {
		t.Errorf("status = %s, want finished", s)
	}
	if got := Repr(h, h.Get(lam).(*Lambda).Result); got != "5" {
		t.Errorf("result = %s, want 5", got)
	}
	if d := e.Context().Depth(); d != 1 {
		t.Errorf("depth after run = %d, want 1", d)
	}
	if n := e.Stack().Len(); n != 0 {
		t.Errorf("stack len after run = %d, want 0", n)
	}
	if n := e.Stack().CodeDepth(); n != 0 {
		t.Errorf("code depth after run = %d, want 0", n)
	}

	e.Release()
	if d := e.Context().Depth(); d != 0 {
		t.Errorf("depth after release = %d, want 0", d)
	}
	h.DropRef(lam)
	assertNoLeaks(t, h)
}

func TestCallCodeLambda(t *testing.T) {
	b := NewBuilder()
	double := b.NewLabel("double")

	// defaults (n => 0)
	b.Emit(OpLoadString, b.String("n"))
	b.Emit(OpLoadInt64, Int64Operand(0))
	b.Emit(OpBuildNamed)
	b.Emit(OpBuildTuple, Int64Operand(1))
	b.Emit(OpFork)
	b.EmitLabel(OpLoadLambda, []Operand{b.String("double"), {}, Int32Operand(0)}, 1, double)
	b.Emit(OpLoadInt64, Int64Operand(21))
	b.Emit(OpBuildTuple, Int64Operand(1))
	b.Emit(OpCall)
	b.Emit(OpReturn)

	if err := b.Mark(double); err != nil {
		t.Fatal(err)
	}
	b.Emit(OpLoadVar, b.String("n"))
	b.Emit(OpLoadInt64, Int64Operand(2))
	b.Emit(OpMul)
	b.Emit(OpReturn)

	got, err := runRepr(t, mustPackage(t, b))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if got != "42" {
		t.Errorf("result = %s, want 42", got)
	}
}

func TestCallNative(t *testing.T) {
	b := NewBuilder()
	b.Emit(OpLoadVar, b.String("len"))
	b.Emit(OpLoadString, b.String("héllo"))
	b.Emit(OpBuildTuple, Int64Operand(1))
	b.Emit(OpCall)
	b.Emit(OpReturn)

	got, err := runRepr(t, mustPackage(t, b))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if got != "5" {
		t.Errorf("result = %s, want 5", got)
	}
}

func TestBoundaryCatchesRaise(t *testing.T) {
	b := NewBuilder()
	catch := b.NewLabel("catch")
	b.EmitJump(OpNewBoundaryFrame, catch)
	b.Emit(OpLoadString, b.String("boom"))
	b.Emit(OpRaise)
	b.Emit(OpLoadInt64, Int64Operand(1))
	b.Emit(OpReturn)
	if err := b.Mark(catch); err != nil {
		t.Fatal(err)
	}
	b.Emit(OpReturn)

	got, err := runRepr(t, mustPackage(t, b))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if got != `"boom"` {
		t.Errorf("result = %s, want \"boom\"", got)
	}
}

func TestBoundaryNormalExit(t *testing.T) {
	b := NewBuilder()
	after := b.NewLabel("after")
	b.EmitJump(OpNewBoundaryFrame, after)
	b.Emit(OpLoadInt64, Int64Operand(7))
	b.Emit(OpPopBoundaryFrame)
	if err := b.Mark(after); err != nil {
		t.Fatal(err)
	}
	b.Emit(OpReturn)

	got, err := runRepr(t, mustPackage(t, b))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if got != "7" {
		t.Errorf("result = %s, want 7", got)
	}
}

func TestRuntimeErrorBecomesValue(t *testing.T) {
	b := NewBuilder()
	catch := b.NewLabel("catch")
	b.EmitJump(OpNewBoundaryFrame, catch)
	b.Emit(OpLoadInt64, Int64Operand(1))
	b.Emit(OpLoadInt64, Int64Operand(0))
	b.Emit(OpDiv)
	b.Emit(OpReturn)
	if err := b.Mark(catch); err != nil {
		t.Fatal(err)
	}
	b.Emit(OpAliasOf)
	b.Emit(OpReturn)

	got, err := runRepr(t, mustPackage(t, b))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if got != `("Err", "VMError")` {
		t.Errorf("aliases = %s, want (\"Err\", \"VMError\")", got)
	}
}

func TestRuntimeErrorFields(t *testing.T) {
	b := NewBuilder()
	catch := b.NewLabel("catch")
	b.EmitJump(OpNewBoundaryFrame, catch)
	b.Emit(OpLoadInt64, Int64Operand(1))
	b.Emit(OpLoadInt64, Int64Operand(0))
	b.Emit(OpMod)
	b.Emit(OpReturn)
	if err := b.Mark(catch); err != nil {
		t.Fatal(err)
	}
	b.Emit(OpLoadString, b.String("kind"))
	b.Emit(OpGetAttr)
	b.Emit(OpReturn)

	got, err := runRepr(t, mustPackage(t, b))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if got != `"runtime error"` {
		t.Errorf("kind = %s, want \"runtime error\"", got)
	}
}

func TestUncaughtRaiseCrashes(t *testing.T) {
	b := NewBuilder()
	b.Emit(OpLoadString, b.String("boom"))
	b.Emit(OpRaise)

	_, err := runRepr(t, mustPackage(t, b))
	var xe *ExecError
	if !errors.As(err, &xe) || xe.Kind != Uncaught {
		t.Fatalf("error = %v, want uncaught", err)
	}
	if !strings.Contains(err.Error(), `"boom"`) {
		t.Errorf("error %q does not mention the raised value", err)
	}
}

func TestUncaughtRuntimeErrorKeepsCause(t *testing.T) {
	b := NewBuilder()
	b.Emit(OpLoadInt64, Int64Operand(1))
	b.Emit(OpLoadString, b.String("x"))
	b.Emit(OpSub)

	_, err := runRepr(t, mustPackage(t, b))
	var ve *VariableError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want a wrapped VariableError", err)
	}
	if ve.Kind != TypeError {
		t.Errorf("kind = %s, want %s", ve.Kind, TypeError)
	}
}

func TestAssertFailureCaught(t *testing.T) {
	b := NewBuilder()
	catch := b.NewLabel("catch")
	b.EmitJump(OpNewBoundaryFrame, catch)
	b.Emit(OpLoadBool, Int32Operand(0))
	b.Emit(OpAssert)
	b.Emit(OpReturn)
	if err := b.Mark(catch); err != nil {
		t.Fatal(err)
	}
	b.Emit(OpLoadString, b.String("kind"))
	b.Emit(OpGetAttr)
	b.Emit(OpReturn)

	got, err := runRepr(t, mustPackage(t, b))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if got != `"assertion failed"` {
		t.Errorf("kind = %s, want \"assertion failed\"", got)
	}
}

func TestLoopOverRange(t *testing.T) {
	// sum = 0; for i in 0..5 { sum = sum + i }; return sum
	b := NewBuilder()
	loop := b.NewLabel("loop")
	done := b.NewLabel("done")
	b.Emit(OpLoadInt64, Int64Operand(0))
	b.Emit(OpStoreVar, b.String("sum"))
	b.Emit(OpPop)
	b.Emit(OpLoadInt64, Int64Operand(0))
	b.Emit(OpLoadInt64, Int64Operand(5))
	b.Emit(OpBuildRange)
	b.Emit(OpResetIter)
	if err := b.Mark(loop); err != nil {
		t.Fatal(err)
	}
	b.EmitJump(OpNextOrJump, done)
	b.Emit(OpLoadVar, b.String("sum"))
	b.Emit(OpAdd)
	b.Emit(OpStoreVar, b.String("sum"))
	b.Emit(OpPop)
	b.EmitJump(OpJump, loop)
	if err := b.Mark(done); err != nil {
		t.Fatal(err)
	}
	b.Emit(OpPop)
	b.Emit(OpLoadVar, b.String("sum"))
	b.Emit(OpReturn)

	got, err := runRepr(t, mustPackage(t, b))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if got != "10" {
		t.Errorf("sum = %s, want 10", got)
	}
}

func TestConditionalJump(t *testing.T) {
	tests := []struct {
		cond int32
		want string
	}{
		{1, `"yes"`},
		{0, `"no"`},
	}
	for _, tt := range tests {
		b := NewBuilder()
		no := b.NewLabel("no")
		b.Emit(OpLoadBool, Int32Operand(tt.cond))
		b.EmitJump(OpJumpIfFalse, no)
		b.Emit(OpLoadString, b.String("yes"))
		b.Emit(OpReturn)
		if err := b.Mark(no); err != nil {
			t.Fatal(err)
		}
		b.Emit(OpLoadString, b.String("no"))
		b.Emit(OpReturn)

		got, err := runRepr(t, mustPackage(t, b))
		if err != nil {
			t.Fatalf("run error: %v", err)
		}
		if got != tt.want {
			t.Errorf("cond %d: result = %s, want %s", tt.cond, got, tt.want)
		}
	}
}

func TestBuildersAndAccess(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder)
		want  string
	}{
		{"tuple", func(b *Builder) {
			b.Emit(OpLoadInt64, Int64Operand(1))
			b.Emit(OpLoadString, b.String("a"))
			b.Emit(OpLoadNull)
			b.Emit(OpBuildTuple, Int64Operand(3))
		}, `(1, "a", null)`},
		{"keyval", func(b *Builder) {
			b.Emit(OpLoadString, b.String("k"))
			b.Emit(OpLoadFloat64, Float64Operand(1.5))
			b.Emit(OpBuildKeyValue)
		}, `"k": 1.5`},
		{"index", func(b *Builder) {
			b.Emit(OpLoadInt64, Int64Operand(10))
			b.Emit(OpLoadInt64, Int64Operand(20))
			b.Emit(OpBuildTuple, Int64Operand(2))
			b.Emit(OpLoadInt64, Int64Operand(1))
			b.Emit(OpIndexOf)
		}, "20"},
		{"length", func(b *Builder) {
			b.Emit(OpLoadBytes, b.Bytes([]byte{1, 2, 3}))
			b.Emit(OpLengthOf)
		}, "3"},
		{"type", func(b *Builder) {
			b.Emit(OpLoadFloat32, Float32Operand(2))
			b.Emit(OpTypeOf)
		}, `"float"`},
		{"key of", func(b *Builder) {
			b.Emit(OpLoadString, b.String("k"))
			b.Emit(OpLoadInt64, Int64Operand(1))
			b.Emit(OpBuildKeyValue)
			b.Emit(OpKeyOf)
		}, `"k"`},
		{"in", func(b *Builder) {
			b.Emit(OpLoadInt64, Int64Operand(3))
			b.Emit(OpLoadInt64, Int64Operand(0))
			b.Emit(OpLoadInt64, Int64Operand(5))
			b.Emit(OpBuildRange)
			b.Emit(OpIn)
		}, "true"},
		{"negate", func(b *Builder) {
			b.Emit(OpLoadInt64, Int64Operand(4))
			b.Emit(OpNeg)
		}, "-4"},
		{"swap", func(b *Builder) {
			b.Emit(OpLoadInt64, Int64Operand(8))
			b.Emit(OpLoadInt64, Int64Operand(2))
			b.Emit(OpSwap, Int64Operand(0), Int64Operand(1))
			b.Emit(OpSub)
		}, "-6"},
		{"alias", func(b *Builder) {
			b.Emit(OpLoadInt64, Int64Operand(1))
			b.Emit(OpAlias, b.String("Point"))
		}, "Point::1"},
		{"wipe alias", func(b *Builder) {
			b.Emit(OpLoadInt64, Int64Operand(1))
			b.Emit(OpAlias, b.String("Point"))
			b.Emit(OpWipeAlias)
		}, "1"},
		{"push into tuple", func(b *Builder) {
			b.Emit(OpBuildTuple, Int64Operand(0))
			b.Emit(OpLoadInt64, Int64Operand(9))
			b.Emit(OpPushValueIntoTuple, Int64Operand(1))
		}, "(9,)"},
		{"set value", func(b *Builder) {
			b.Emit(OpLoadInt64, Int64Operand(1))
			b.Emit(OpWrapObj)
			b.Emit(OpLoadInt64, Int64Operand(2))
			b.Emit(OpSetValue)
			b.Emit(OpDeref)
		}, "2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder()
			tt.build(b)
			b.Emit(OpReturn)
			got, err := runRepr(t, mustPackage(t, b))
			if err != nil {
				t.Fatalf("run error: %v", err)
			}
			if got != tt.want {
				t.Errorf("result = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEmitPublishesResult(t *testing.T) {
	b := NewBuilder()
	b.Emit(OpLoadInt64, Int64Operand(3))
	b.Emit(OpEmit)
	b.Emit(OpLoadVar, b.String("pause"))
	b.Emit(OpLoadVar, b.String("this"))
	b.Emit(OpBuildTuple, Int64Operand(1))
	b.Emit(OpCall)
	b.Emit(OpReturn)
	pkg := mustPackage(t, b)

	h := gc.New()
	lam := mainLambda(h, pkg)
	e, err := NewExecutor(h, lam, gc.Nil, testOptions())
	if err != nil {
		t.Fatalf("NewExecutor() error: %v", err)
	}
	if err := Resume(h, lam); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(100); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if e.Done() {
		t.Fatal("paused executor should not be done")
	}
	if s := e.Status(); s != StatusPending {
		t.Errorf("status = %s, want pending", s)
	}
	if got := Repr(h, h.Get(lam).(*Lambda).Result); got != "3" {
		t.Errorf("emitted result = %s, want 3", got)
	}
	e.Release()
	h.DropRef(lam)
	assertNoLeaks(t, h)
}

func TestStackOverflowCrashes(t *testing.T) {
	b := NewBuilder()
	loop := b.NewLabel("loop")
	if err := b.Mark(loop); err != nil {
		t.Fatal(err)
	}
	b.Emit(OpLoadNull)
	b.EmitJump(OpJump, loop)
	pkg := mustPackage(t, b)

	h := gc.New()
	lam := mainLambda(h, pkg)
	opts := testOptions()
	opts.MaxStack = 16
	e, err := NewExecutor(h, lam, gc.Nil, opts)
	if err != nil {
		t.Fatalf("NewExecutor() error: %v", err)
	}
	if err := Resume(h, lam); err != nil {
		t.Fatal(err)
	}
	err = e.Run(1000)
	var xe *ExecError
	if !errors.As(err, &xe) {
		t.Fatalf("Run() error = %v, want an ExecError", err)
	}
	if !strings.Contains(err.Error(), "stack overflow") {
		t.Errorf("error %q does not report the overflow", err)
	}
	e.Release()
	h.DropRef(lam)
	assertNoLeaks(t, h)
}

func TestInvalidOpcodeCrashes(t *testing.T) {
	pkg := &Package{Version: PackageVersion, Code: []uint32{0x7f << 24}}

	h := gc.New()
	lam := mainLambda(h, pkg)
	e, err := NewExecutor(h, lam, gc.Nil, testOptions())
	if err != nil {
		t.Fatalf("NewExecutor() error: %v", err)
	}
	if err := Resume(h, lam); err != nil {
		t.Fatal(err)
	}
	err = e.Run(10)
	var xe *ExecError
	if !errors.As(err, &xe) || xe.Kind != InvalidInstruction {
		t.Errorf("Run() error = %v, want invalid instruction", err)
	}
	e.Release()
	h.DropRef(lam)
	assertNoLeaks(t, h)
}
