package vm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/google/shlex"

	"github.com/chazu/xlang/gc"
)

// Generator is a cooperative state machine driving one asynchronous
// operation. Init starts it, Step is polled without blocking and may return
// an intermediate value (or Nil), Done reports completion and Result yields
// the final value once Done. Result before Done returns ErrGeneratorPending.
type Generator interface {
	Init(h *gc.Heap, args gc.Ref) error
	Step(h *gc.Heap) (gc.Ref, error)
	Done() bool
	Result(h *gc.Heap) (gc.Ref, error)
	Clone() Generator
}

// Abandoner is implemented by generators with background work to cancel
// when their lambda is collected before completion.
type Abandoner interface {
	Abandon()
}

// ---------------------------------------------------------------------------
// AsyncOp: built-in async operations
// ---------------------------------------------------------------------------

// AsyncKind selects a built-in async operation.
type AsyncKind uint8

const (
	AsyncSleep   AsyncKind = iota // sleep(ms)
	AsyncHTTPGet                  // http_get(url) -> (status, body) or (null, error)
	AsyncRun                      // run(cmd) -> (exit, stdout, stderr)
)

func (k AsyncKind) String() string {
	switch k {
	case AsyncSleep:
		return "sleep"
	case AsyncHTTPGet:
		return "http_get"
	case AsyncRun:
		return "run"
	}
	return "unknown"
}

// asyncResult is the state cell shared with the background goroutine.
type asyncResult struct {
	done   bool
	status int
	body   []byte
	stdout []byte
	stderr []byte
	exit   int
	err    error
}

// AsyncOp runs one built-in operation. Work happens on its own goroutine;
// the VM goroutine only reads the mutex-guarded result cell.
type AsyncOp struct {
	Kind   AsyncKind
	Client *http.Client

	mu       sync.Mutex
	res      asyncResult
	started  bool
	deadline time.Time
	cancel   context.CancelFunc
}

// NewAsyncOp creates an unstarted operation.
func NewAsyncOp(kind AsyncKind) *AsyncOp {
	return &AsyncOp{Kind: kind, Client: http.DefaultClient}
}

// Clone returns a fresh, unstarted operation of the same kind.
func (op *AsyncOp) Clone() Generator {
	return &AsyncOp{Kind: op.Kind, Client: op.Client}
}

// Init validates arguments and starts the operation.
func (op *AsyncOp) Init(h *gc.Heap, args gc.Ref) error {
	if op.started {
		return valueError(h, op.Kind.String()+" already started")
	}
	v, err := singleArg(h, args, op.Kind.String())
	if err != nil {
		return err
	}
	switch op.Kind {
	case AsyncSleep:
		var ms float64
		switch o := Get(h, v).(type) {
		case *Int:
			ms = float64(o.Value)
		case *Float:
			ms = o.Value
		default:
			return typeError(h, "sleep takes milliseconds", v)
		}
		op.deadline = time.Now().Add(time.Duration(ms * float64(time.Millisecond)))
	case AsyncHTTPGet:
		s, ok := As[*String](h, v)
		if !ok {
			return typeError(h, "http_get takes a url string", v)
		}
		ctx, cancel := context.WithCancel(context.Background())
		op.cancel = cancel
		go op.httpGet(ctx, s.Value)
	case AsyncRun:
		s, ok := As[*String](h, v)
		if !ok {
			return typeError(h, "run takes a command string", v)
		}
		argv, err := shlex.Split(s.Value)
		if err != nil || len(argv) == 0 {
			return valueError(h, "invalid command line", v)
		}
		ctx, cancel := context.WithCancel(context.Background())
		op.cancel = cancel
		go op.run(ctx, argv)
	}
	op.started = true
	return nil
}

func (op *AsyncOp) finish(r asyncResult) {
	r.done = true
	op.mu.Lock()
	op.res = r
	op.mu.Unlock()
}

func (op *AsyncOp) httpGet(ctx context.Context, url string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		op.finish(asyncResult{err: fmt.Errorf("http_get %s: %w", url, err)})
		return
	}
	resp, err := op.Client.Do(req)
	if err != nil {
		op.finish(asyncResult{err: fmt.Errorf("http_get %s: %w", url, err)})
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		op.finish(asyncResult{err: fmt.Errorf("http_get %s: read body: %w", url, err)})
		return
	}
	op.finish(asyncResult{status: resp.StatusCode, body: body})
}

func (op *AsyncOp) run(ctx context.Context, argv []string) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	r := asyncResult{stdout: stdout.Bytes(), stderr: stderr.Bytes()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		r.exit = exitErr.ExitCode()
	default:
		r.err = fmt.Errorf("run %s: %w", argv[0], err)
	}
	op.finish(r)
}

// Step never blocks and yields no intermediate value.
func (op *AsyncOp) Step(h *gc.Heap) (gc.Ref, error) {
	if !op.started {
		return gc.Nil, valueError(h, op.Kind.String()+" stepped before init")
	}
	return gc.Nil, nil
}

// Done reports whether the operation has completed.
func (op *AsyncOp) Done() bool {
	if !op.started {
		return false
	}
	if op.Kind == AsyncSleep {
		return !time.Now().Before(op.deadline)
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.res.done
}

// Result converts the completed operation into heap values.
func (op *AsyncOp) Result(h *gc.Heap) (gc.Ref, error) {
	if !op.Done() {
		return gc.Nil, ErrGeneratorPending
	}
	if op.Kind == AsyncSleep {
		return NewNull(h), nil
	}
	op.mu.Lock()
	r := op.res
	op.mu.Unlock()
	op.cancel()

	if r.err != nil {
		return BuildTuple(h, NewNull(h), NewString(h, r.err.Error())), nil
	}
	switch op.Kind {
	case AsyncHTTPGet:
		return BuildTuple(h, NewInt(h, int64(r.status)), NewBytes(h, r.body)), nil
	default:
		return BuildTuple(h, NewInt(h, int64(r.exit)), NewString(h, string(r.stdout)), NewString(h, string(r.stderr))), nil
	}
}

// Abandon cancels background work. A goroutine still running will finish
// into a cell nobody reads.
func (op *AsyncOp) Abandon() {
	if op.cancel != nil {
		op.cancel()
	}
}
