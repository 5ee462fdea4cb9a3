package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/xlang/gc"
)

// idleWait is how long RunUntilFinished sleeps when every coroutine is
// waiting on a generator.
const idleWait = time.Millisecond

// ---------------------------------------------------------------------------
// Coroutine
// ---------------------------------------------------------------------------

// Coroutine is one lambda scheduled by a Pool. The record outlives its
// executor so that status and result stay observable until swept.
type Coroutine struct {
	ID uuid.UUID

	h    *gc.Heap
	lam  gc.Ref // held until swept
	exec *Executor
	err  error
}

// Lambda returns the entry lambda. The handle is borrowed.
func (c *Coroutine) Lambda() gc.Ref { return c.lam }

// Name returns the entry lambda's signature.
func (c *Coroutine) Name() string { return c.lambda().Signature }

// Status returns the entry lambda's status.
func (c *Coroutine) Status() Status { return c.lambda().Status }

// Err returns the error that crashed the coroutine, or nil.
func (c *Coroutine) Err() error { return c.err }

// Result returns the entry lambda's current result. The handle is
// borrowed.
func (c *Coroutine) Result() gc.Ref { return c.lambda().Result }

// Steps returns the number of instructions executed so far.
func (c *Coroutine) Steps() uint64 { return c.exec.Steps() }

func (c *Coroutine) lambda() *Lambda { return c.h.Get(c.lam).(*Lambda) }

func (c *Coroutine) live() bool { return c.exec != nil && !c.exec.released }

// abandon cancels any generator the coroutine is polling.
func (c *Coroutine) abandon() {
	if !c.live() {
		return
	}
	for _, code := range c.exec.stack.codes {
		l, ok := As[*Lambda](c.h, code)
		if !ok || l.Body.Kind != BodyGenerator {
			continue
		}
		if a, ok := l.Body.Generator.(Abandoner); ok {
			a.Abandon()
		}
	}
}

// ---------------------------------------------------------------------------
// Pool
// ---------------------------------------------------------------------------

// Pool schedules coroutines over one heap. Each tick advances every
// runnable coroutine by at most the tick budget. A Pool is driven from a
// single goroutine.
type Pool struct {
	h    *gc.Heap
	opts Options
	log  commonlog.Logger

	coroutines map[uuid.UUID]*Coroutine
	order      []uuid.UUID
	byLambda   map[gc.Ref]uuid.UUID

	ticks uint64
	steps uint64 // executed by released coroutines
}

// NewPool creates an empty pool.
func NewPool(h *gc.Heap, opts Options) *Pool {
	opts = opts.withDefaults()
	return &Pool{
		h:          h,
		opts:       opts,
		log:        opts.Log,
		coroutines: make(map[uuid.UUID]*Coroutine),
		byLambda:   make(map[gc.Ref]uuid.UUID),
	}
}

// Spawn schedules lam with args and returns the new coroutine's ID. Both
// handles are borrowed. A lambda can back at most one live coroutine.
func (p *Pool) Spawn(lam, args gc.Ref) (uuid.UUID, error) {
	lam = Deref(p.h, lam)
	l, ok := As[*Lambda](p.h, lam)
	if !ok {
		return uuid.Nil, &ExecError{Kind: NotCallable, IP: -1, Message: safeRepr(p.h, lam)}
	}
	if l.Status.Terminal() {
		return uuid.Nil, ErrTerminated
	}
	if id, ok := p.byLambda[lam]; ok && p.coroutines[id].live() {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrDuplicateCoroutine, l.Signature)
	}

	exec, err := NewExecutor(p.h, lam, args, p.opts)
	if err != nil {
		return uuid.Nil, err
	}
	c := &Coroutine{
		ID:   uuid.New(),
		h:    p.h,
		lam:  p.h.CloneRef(lam),
		exec: exec,
	}
	p.coroutines[c.ID] = c
	p.order = append(p.order, c.ID)
	p.byLambda[lam] = c.ID
	p.log.Debugf("spawned coroutine %s (%s)", c.ID, l.Signature)
	return c.ID, nil
}

// Get returns a coroutine by ID.
func (p *Pool) Get(id uuid.UUID) (*Coroutine, bool) {
	c, ok := p.coroutines[id]
	return c, ok
}

// Coroutines returns every tracked coroutine in spawn order.
func (p *Pool) Coroutines() []*Coroutine {
	cs := make([]*Coroutine, 0, len(p.order))
	for _, id := range p.order {
		cs = append(cs, p.coroutines[id])
	}
	return cs
}

// Count returns the number of tracked coroutines, terminal ones included.
func (p *Pool) Count() int { return len(p.order) }

// Active returns the number of coroutines that have not been released.
func (p *Pool) Active() int {
	n := 0
	for _, c := range p.coroutines {
		if c.live() {
			n++
		}
	}
	return n
}

// Ticks returns the number of completed ticks.
func (p *Pool) Ticks() uint64 { return p.ticks }

// Steps returns the number of instructions executed across all
// coroutines.
func (p *Pool) Steps() uint64 {
	n := p.steps
	for _, c := range p.coroutines {
		if c.live() {
			n += c.exec.Steps()
		}
	}
	return n
}

// --- State changes ---

// Resume moves a paused coroutine back to Running.
func (p *Pool) Resume(id uuid.UUID) error {
	return p.transition(id, Resume)
}

// Pause moves a coroutine to Pending until resumed.
func (p *Pool) Pause(id uuid.UUID) error {
	return p.transition(id, Pause)
}

// Kill finishes a coroutine and releases its state immediately.
func (p *Pool) Kill(id uuid.UUID) error {
	c, ok := p.coroutines[id]
	if !ok {
		return ErrNoCoroutine
	}
	if err := Kill(p.h, c.lam); err != nil {
		return err
	}
	p.release(c)
	return nil
}

func (p *Pool) transition(id uuid.UUID, fn func(*gc.Heap, gc.Ref) error) error {
	c, ok := p.coroutines[id]
	if !ok {
		return ErrNoCoroutine
	}
	return fn(p.h, c.lam)
}

// --- Scheduling ---

// Tick advances every runnable coroutine once. Idle coroutines start
// running. Coroutines that finish or crash are released; crash errors are
// joined into the result.
func (p *Pool) Tick() error {
	var errs []error
	for _, id := range append([]uuid.UUID(nil), p.order...) {
		c := p.coroutines[id]
		if !c.live() {
			continue
		}
		l := c.lambda()
		if l.Status == StatusIdle {
			l.Status = StatusRunning
		}
		if err := c.exec.Run(p.opts.TickBudget); err != nil {
			l = c.lambda()
			l.Status = StatusCrashed
			c.err = err
			p.log.Warningf("coroutine %s (%s) crashed: %s", c.ID, l.Signature, err)
			errs = append(errs, fmt.Errorf("coroutine %s: %w", l.Signature, err))
		}
		if err := p.adopt(c.exec); err != nil {
			errs = append(errs, err)
		}
		if c.exec.Done() || c.Status().Terminal() {
			p.release(c)
		}
	}
	p.ticks++
	return errors.Join(errs...)
}

// adopt spawns the coroutines exec requested through ASYNC_CALL.
func (p *Pool) adopt(exec *Executor) error {
	var errs []error
	for _, s := range exec.TakeSpawned() {
		if _, err := p.Spawn(s.Lambda, s.Args); err != nil {
			errs = append(errs, fmt.Errorf("async call: %w", err))
		}
		Drop(p.h, s.Lambda, s.Args)
	}
	return errors.Join(errs...)
}

// RunUntilFinished ticks until no coroutine is live, collecting between
// ticks. It stops with ErrStalled when every live coroutine is paused.
func (p *Pool) RunUntilFinished(ctx context.Context) error {
	var errs []error
	for p.Active() > 0 {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := p.Tick(); err != nil {
			errs = append(errs, err)
		}
		if st, ran := p.h.MaybeCollect(); ran {
			p.log.Debugf("collected %d objects after tick %d", st.Freed, p.ticks)
		}

		running, waiting := p.census()
		switch {
		case running > 0:
		case waiting > 0:
			select {
			case <-ctx.Done():
			case <-time.After(idleWait):
			}
		case p.Active() > 0:
			errs = append(errs, fmt.Errorf("%w: %d live", ErrStalled, p.Active()))
			return errors.Join(errs...)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) census() (running, waiting int) {
	for _, c := range p.coroutines {
		if !c.live() {
			continue
		}
		switch {
		case c.lambda().Paused:
		case c.exec.Waiting():
			waiting++
		case c.Status() == StatusRunning, c.Status() == StatusIdle:
			running++
		}
	}
	return running, waiting
}

// SweepFinished forgets terminal coroutines and releases their lambdas.
// Returns the number swept.
func (p *Pool) SweepFinished() int {
	swept := 0
	kept := p.order[:0]
	for _, id := range p.order {
		c := p.coroutines[id]
		if c.live() || !c.Status().Terminal() {
			kept = append(kept, id)
			continue
		}
		p.forget(c)
		swept++
	}
	p.order = kept
	return swept
}

// Close kills every live coroutine and releases everything the pool
// holds.
func (p *Pool) Close() {
	for _, id := range p.order {
		c := p.coroutines[id]
		if c.live() && !c.Status().Terminal() {
			c.lambda().Status = StatusFinished
		}
		p.release(c)
		p.forget(c)
	}
	p.order = nil
}

func (p *Pool) release(c *Coroutine) {
	if !c.live() {
		return
	}
	c.abandon()
	p.steps += c.exec.Steps()
	c.exec.Release()
}

func (p *Pool) forget(c *Coroutine) {
	delete(p.coroutines, c.ID)
	if p.byLambda[c.lam] == c.ID {
		delete(p.byLambda, c.lam)
	}
	p.h.DropRef(c.lam)
	c.lam = gc.Nil
}

// ---------------------------------------------------------------------------
// RunMain
// ---------------------------------------------------------------------------

// RunResult summarises a RunMain call.
type RunResult struct {
	Result     gc.Ref // owned
	Coroutines int
	Ticks      uint64
	Steps      uint64
}

// RunMain runs the package's __main__ function (or offset 0 when it has
// none) as a coroutine in a fresh pool until every coroutine it spawns has
// finished. The caller owns the result handle.
func RunMain(ctx context.Context, h *gc.Heap, pkg *Package, opts Options) (RunResult, error) {
	if err := pkg.Validate(); err != nil {
		return RunResult{}, err
	}
	code := NewInstructions(h, pkg)
	entry, _ := pkg.Entry(EntryFunction)
	lam := NewLambda(h, LambdaSpec{
		Signature:    EntryFunction,
		CodePosition: entry,
		Body:         Body{Kind: BodyCode, Code: code},
	})
	h.DropRef(code)
	defer h.DropRef(lam)
	args := NewTuple(h, nil)
	defer h.DropRef(args)

	pool := NewPool(h, opts)
	defer pool.Close()
	id, err := pool.Spawn(lam, args)
	if err != nil {
		return RunResult{}, err
	}
	runErr := pool.RunUntilFinished(ctx)

	main, _ := pool.Get(id)
	res := RunResult{
		Coroutines: pool.Count(),
		Ticks:      pool.Ticks(),
		Steps:      pool.Steps(),
	}
	if main.Status() == StatusCrashed {
		return res, main.Err()
	}
	if runErr != nil {
		return res, runErr
	}
	res.Result = h.CloneRef(main.Result())
	return res, nil
}
