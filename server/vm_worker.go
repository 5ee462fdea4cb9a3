package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/xlang/gc"
)

// ErrStopped is returned by Do once the worker has been stopped.
var ErrStopped = errors.New("server: vm worker stopped")

// vmRequest represents a unit of work to be executed on the VM goroutine.
type vmRequest struct {
	fn   func(*gc.Heap) (any, error)
	done chan vmResult
}

// vmResult holds the return value from a VM operation.
type vmResult struct {
	value any
	err   error
}

// VMWorker serializes all interpreter work through a single goroutine.
// Heaps are not safe for concurrent use, so every request gets a fresh heap
// that never leaves the worker.
type VMWorker struct {
	heapOpts []gc.Option
	requests chan vmRequest
	quit     chan struct{}
	stop     sync.Once
	log      commonlog.Logger

	jobs  atomic.Uint64
	leaks atomic.Uint64
}

// NewVMWorker creates a VMWorker and starts the processing goroutine.
func NewVMWorker(heapOpts ...gc.Option) *VMWorker {
	w := &VMWorker{
		heapOpts: heapOpts,
		requests: make(chan vmRequest),
		quit:     make(chan struct{}),
		log:      commonlog.GetLogger("xlang.server"),
	}
	go w.loop()
	return w
}

// loop processes VM requests sequentially on a dedicated goroutine.
func (w *VMWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn against a fresh heap, recovering from panics.
func (w *VMWorker) execute(fn func(*gc.Heap) (any, error)) (result vmResult) {
	n := w.jobs.Add(1)
	h := gc.New(w.heapOpts...)
	defer func() {
		if r := recover(); r != nil {
			w.log.Errorf("job %d panicked: %v", n, r)
			result = vmResult{err: fmt.Errorf("server: vm panic: %v", r)}
			return
		}
		if leaks := h.Leaks(); len(leaks) > 0 {
			w.leaks.Add(uint64(len(leaks)))
			w.log.Warningf("job %d left %d objects held", n, len(leaks))
		}
	}()
	result.value, result.err = fn(h)
	return result
}

// Do submits fn for execution on the VM goroutine and blocks until it
// completes. fn receives a heap owned by this call; it must release every
// hold it takes. Returns the result and any error (including panics).
func (w *VMWorker) Do(ctx context.Context, fn func(*gc.Heap) (any, error)) (any, error) {
	req := vmRequest{
		fn:   fn,
		done: make(chan vmResult, 1),
	}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, ErrStopped
	}
	result := <-req.done
	return result.value, result.err
}

// Jobs returns the number of requests executed so far.
func (w *VMWorker) Jobs() uint64 { return w.jobs.Load() }

// Leaks returns the number of objects requests left held on their heaps.
func (w *VMWorker) Leaks() uint64 { return w.leaks.Load() }

// Stop shuts down the worker goroutine. It is safe to call more than once.
func (w *VMWorker) Stop() {
	w.stop.Do(func() { close(w.quit) })
}
