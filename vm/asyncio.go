package vm

import (
	"github.com/chazu/xlang/gc"
)

// Coroutine state transitions live on the entry lambda so that bytecode,
// natives and the pool all observe the same status.

// Resume moves an Idle or Pending coroutine to Running.
func Resume(h *gc.Heap, lam gc.Ref) error {
	l, err := coroutineLambda(h, lam)
	if err != nil {
		return err
	}
	if l.Status.Terminal() {
		return ErrTerminated
	}
	l.Paused = false
	l.Status = StatusRunning
	return nil
}

// Pause moves a non-terminal coroutine to Pending.
func Pause(h *gc.Heap, lam gc.Ref) error {
	l, err := coroutineLambda(h, lam)
	if err != nil {
		return err
	}
	if l.Status.Terminal() {
		return ErrTerminated
	}
	l.Paused = true
	l.Status = StatusPending
	return nil
}

// Kill forces a non-terminal coroutine to Finished.
func Kill(h *gc.Heap, lam gc.Ref) error {
	l, err := coroutineLambda(h, lam)
	if err != nil {
		return err
	}
	if l.Status.Terminal() {
		return ErrTerminated
	}
	l.Paused = false
	l.Status = StatusFinished
	return nil
}

func coroutineLambda(h *gc.Heap, lam gc.Ref) (*Lambda, error) {
	l, ok := As[*Lambda](h, Deref(h, lam))
	if !ok {
		return nil, typeError(h, "coroutine operations need a lambda", lam)
	}
	return l, nil
}

func registerAsyncio(r *NativeRegistry) {
	transition := func(name string, fn func(*gc.Heap, gc.Ref) error) {
		r.Register(name, func(h *gc.Heap, args gc.Ref) (gc.Ref, error) {
			v, err := singleArg(h, args, name)
			if err != nil {
				return gc.Nil, err
			}
			if err := fn(h, v); err != nil {
				return gc.Nil, err
			}
			return NewNull(h), nil
		})
	}
	transition("pause", Pause)
	transition("resume", Resume)
	transition("kill", Kill)

	status := func(name string, want func(Status) bool) {
		r.Register(name, func(h *gc.Heap, args gc.Ref) (gc.Ref, error) {
			v, err := singleArg(h, args, name)
			if err != nil {
				return gc.Nil, err
			}
			l, err := coroutineLambda(h, v)
			if err != nil {
				return gc.Nil, err
			}
			return NewBool(h, want(l.Status)), nil
		})
	}
	status("is_running", func(s Status) bool { return s == StatusRunning })
	status("is_pending", func(s Status) bool { return s == StatusPending })
	status("is_finished", Status.Terminal)
}
