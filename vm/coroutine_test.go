package vm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chazu/xlang/gc"
)

func TestGeneratorCallWaits(t *testing.T) {
	b := NewBuilder()
	b.Emit(OpLoadVar, b.String("sleep"))
	b.Emit(OpLoadInt64, Int64Operand(2))
	b.Emit(OpBuildTuple, Int64Operand(1))
	b.Emit(OpCall)
	b.Emit(OpPop)
	b.Emit(OpLoadInt64, Int64Operand(9))
	b.Emit(OpReturn)

	got, err := runRepr(t, mustPackage(t, b))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if got != "9" {
		t.Errorf("result = %s, want 9", got)
	}
}

func TestAsyncCallSpawnsCoroutine(t *testing.T) {
	b := NewBuilder()
	b.Emit(OpLoadVar, b.String("sleep"))
	b.Emit(OpLoadInt64, Int64Operand(1))
	b.Emit(OpBuildTuple, Int64Operand(1))
	b.Emit(OpAsyncCall)
	b.Emit(OpIsFinished)
	b.Emit(OpReturn)
	pkg := mustPackage(t, b)

	h := gc.New()
	res, err := RunMain(context.Background(), h, pkg, testOptions())
	if err != nil {
		t.Fatalf("RunMain() error: %v", err)
	}
	if got := Repr(h, res.Result); got != "false" {
		t.Errorf("is finished right after spawn = %s, want false", got)
	}
	if res.Coroutines != 2 {
		t.Errorf("coroutines = %d, want 2", res.Coroutines)
	}
	h.DropRef(res.Result)
	assertNoLeaks(t, h)
}

func TestPoolTerminalIsStable(t *testing.T) {
	b := NewBuilder()
	b.Emit(OpLoadInt64, Int64Operand(1))
	b.Emit(OpReturn)
	pkg := mustPackage(t, b)

	h := gc.New()
	lam := mainLambda(h, pkg)
	pool := NewPool(h, testOptions())
	id, err := pool.Spawn(lam, gc.Nil)
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	if err := pool.RunUntilFinished(context.Background()); err != nil {
		t.Fatalf("RunUntilFinished() error: %v", err)
	}
	c, ok := pool.Get(id)
	if !ok {
		t.Fatal("coroutine missing after run")
	}
	if s := c.Status(); s != StatusFinished {
		t.Fatalf("status = %s, want finished", s)
	}

	checks := []struct {
		name string
		fn   func() error
	}{
		{"resume", func() error { return pool.Resume(id) }},
		{"pause", func() error { return pool.Pause(id) }},
		{"kill", func() error { return pool.Kill(id) }},
	}
	for _, tt := range checks {
		if err := tt.fn(); !errors.Is(err, ErrTerminated) {
			t.Errorf("%s on finished coroutine = %v, want ErrTerminated", tt.name, err)
		}
		if s := c.Status(); s != StatusFinished {
			t.Errorf("status after %s = %s, want finished", tt.name, s)
		}
	}
	if _, err := pool.Spawn(lam, gc.Nil); !errors.Is(err, ErrTerminated) {
		t.Errorf("respawning a finished lambda = %v, want ErrTerminated", err)
	}

	if n := pool.SweepFinished(); n != 1 {
		t.Errorf("SweepFinished() = %d, want 1", n)
	}
	if err := pool.Resume(id); !errors.Is(err, ErrNoCoroutine) {
		t.Errorf("resume after sweep = %v, want ErrNoCoroutine", err)
	}
	pool.Close()
	h.DropRef(lam)
	assertNoLeaks(t, h)
}

func TestPoolRejectsDuplicateLambda(t *testing.T) {
	b := NewBuilder()
	b.Emit(OpLoadNull)
	b.Emit(OpReturn)
	pkg := mustPackage(t, b)

	h := gc.New()
	lam := mainLambda(h, pkg)
	pool := NewPool(h, testOptions())
	if _, err := pool.Spawn(lam, gc.Nil); err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	if _, err := pool.Spawn(lam, gc.Nil); !errors.Is(err, ErrDuplicateCoroutine) {
		t.Errorf("second Spawn() = %v, want ErrDuplicateCoroutine", err)
	}
	pool.Close()
	h.DropRef(lam)
	assertNoLeaks(t, h)
}

func TestKillPendingGenerator(t *testing.T) {
	h := gc.New()
	op := NewAsyncOp(AsyncSleep)
	gen := NewGeneratorLambda(h, "sleep", op)
	args := BuildTuple(h, NewInt(h, int64(time.Minute/time.Millisecond)))

	pool := NewPool(h, testOptions())
	id, err := pool.Spawn(gen, args)
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	if err := pool.Tick(); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	c, _ := pool.Get(id)
	if s := c.Status(); s != StatusPending {
		t.Fatalf("status after first tick = %s, want pending", s)
	}

	if err := pool.Kill(id); err != nil {
		t.Fatalf("Kill() error: %v", err)
	}
	if s := c.Status(); s != StatusFinished {
		t.Errorf("status after kill = %s, want finished", s)
	}
	if n := pool.Active(); n != 0 {
		t.Errorf("active after kill = %d, want 0", n)
	}
	if err := pool.Kill(id); !errors.Is(err, ErrTerminated) {
		t.Errorf("second Kill() = %v, want ErrTerminated", err)
	}

	pool.Close()
	Drop(h, gen, args)
	assertNoLeaks(t, h)
	h.Close()
}

func TestPausedCoroutineStallsUntilResumed(t *testing.T) {
	b := NewBuilder()
	b.Emit(OpLoadVar, b.String("pause"))
	b.Emit(OpLoadVar, b.String("this"))
	b.Emit(OpBuildTuple, Int64Operand(1))
	b.Emit(OpCall)
	b.Emit(OpPop)
	b.Emit(OpLoadInt64, Int64Operand(3))
	b.Emit(OpReturn)
	pkg := mustPackage(t, b)

	h := gc.New()
	lam := mainLambda(h, pkg)
	pool := NewPool(h, testOptions())
	id, err := pool.Spawn(lam, gc.Nil)
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}

	err = pool.RunUntilFinished(context.Background())
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("RunUntilFinished() = %v, want ErrStalled", err)
	}
	if err := pool.Resume(id); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if err := pool.RunUntilFinished(context.Background()); err != nil {
		t.Fatalf("RunUntilFinished() after resume: %v", err)
	}
	c, _ := pool.Get(id)
	if got := Repr(h, c.Result()); got != "3" {
		t.Errorf("result = %s, want 3", got)
	}
	pool.Close()
	h.DropRef(lam)
	assertNoLeaks(t, h)
}

func TestPauseHoldsAcrossGeneratorCompletion(t *testing.T) {
	b := NewBuilder()
	b.Emit(OpLoadVar, b.String("sleep"))
	b.Emit(OpLoadInt64, Int64Operand(20))
	b.Emit(OpBuildTuple, Int64Operand(1))
	b.Emit(OpCall)
	b.Emit(OpPop)
	b.Emit(OpLoadInt64, Int64Operand(7))
	b.Emit(OpReturn)
	pkg := mustPackage(t, b)

	h := gc.New()
	lam := mainLambda(h, pkg)
	pool := NewPool(h, testOptions())
	id, err := pool.Spawn(lam, gc.Nil)
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	if err := pool.Tick(); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	c, _ := pool.Get(id)
	if c.Status() != StatusPending {
		t.Fatalf("status after first tick = %v, want pending", c.Status())
	}
	if err := pool.Pause(id); err != nil {
		t.Fatalf("Pause() error: %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	for i := 0; i < 5; i++ {
		if err := pool.Tick(); err != nil {
			t.Fatalf("Tick() error: %v", err)
		}
	}
	if c.Status() != StatusPending {
		t.Errorf("paused status after sleep elapsed = %v, want pending", c.Status())
	}
	err = pool.RunUntilFinished(context.Background())
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("RunUntilFinished() while paused = %v, want ErrStalled", err)
	}

	if err := pool.Resume(id); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if err := pool.RunUntilFinished(context.Background()); err != nil {
		t.Fatalf("RunUntilFinished() after resume: %v", err)
	}
	if got := Repr(h, c.Result()); got != "7" {
		t.Errorf("result = %s, want 7", got)
	}
	pool.Close()
	h.DropRef(lam)
	assertNoLeaks(t, h)
}

func TestCrashedCoroutineReported(t *testing.T) {
	b := NewBuilder()
	b.Emit(OpLoadVar, b.String("missing"))
	b.Emit(OpReturn)
	pkg := mustPackage(t, b)

	h := gc.New()
	lam := mainLambda(h, pkg)
	pool := NewPool(h, testOptions())
	id, err := pool.Spawn(lam, gc.Nil)
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	err = pool.RunUntilFinished(context.Background())
	var ce *ContextError
	if !errors.As(err, &ce) || ce.Kind != NoVariable {
		t.Errorf("RunUntilFinished() = %v, want a missing variable error", err)
	}
	c, _ := pool.Get(id)
	if s := c.Status(); s != StatusCrashed {
		t.Errorf("status = %s, want crashed", s)
	}
	if c.Err() == nil {
		t.Error("crashed coroutine should keep its error")
	}
	pool.Close()
	h.DropRef(lam)
	assertNoLeaks(t, h)
}

func TestRunUntilFinishedHonoursContext(t *testing.T) {
	h := gc.New()
	gen := NewGeneratorLambda(h, "sleep", NewAsyncOp(AsyncSleep))
	args := BuildTuple(h, NewInt(h, int64(time.Minute/time.Millisecond)))
	pool := NewPool(h, testOptions())
	if _, err := pool.Spawn(gen, args); err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.RunUntilFinished(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("RunUntilFinished() = %v, want deadline exceeded", err)
	}
	pool.Close()
	Drop(h, gen, args)
	assertNoLeaks(t, h)
}
