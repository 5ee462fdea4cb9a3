package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chazu/xlang/gc"
)

// ---------------------------------------------------------------------------
// Value errors
// ---------------------------------------------------------------------------

// ValueErrorKind classifies a failed value operation.
type ValueErrorKind int

const (
	TypeError ValueErrorKind = iota
	ValueError
	KeyNotFound
	IndexNotFound
	CopyError
	AssignError
	ReferenceError
	OverflowError
)

var valueErrorNames = map[ValueErrorKind]string{
	TypeError:      "TypeError",
	ValueError:     "ValueError",
	KeyNotFound:    "KeyNotFound",
	IndexNotFound:  "IndexNotFound",
	CopyError:      "CopyError",
	AssignError:    "AssignError",
	ReferenceError: "ReferenceError",
	OverflowError:  "OverflowError",
}

func (k ValueErrorKind) String() string { return valueErrorNames[k] }

// VariableError is raised by operations on values. Operands are rendered
// when the error is created since the handles may be freed before the error
// is reported.
type VariableError struct {
	Kind     ValueErrorKind
	Message  string
	Operands []string
}

func (e *VariableError) Error() string {
	if len(e.Operands) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, strings.Join(e.Operands, ", "))
}

func newVariableError(h *gc.Heap, kind ValueErrorKind, msg string, operands ...gc.Ref) *VariableError {
	e := &VariableError{Kind: kind, Message: msg}
	for _, r := range operands {
		e.Operands = append(e.Operands, safeRepr(h, r))
	}
	return e
}

func typeError(h *gc.Heap, msg string, operands ...gc.Ref) error {
	return newVariableError(h, TypeError, msg, operands...)
}

func valueError(h *gc.Heap, msg string, operands ...gc.Ref) error {
	return newVariableError(h, ValueError, msg, operands...)
}

func safeRepr(h *gc.Heap, r gc.Ref) string {
	if r.IsNil() || !h.IsAvailable(r) {
		return r.String()
	}
	return Repr(h, r)
}

// ---------------------------------------------------------------------------
// Context errors
// ---------------------------------------------------------------------------

// ContextErrorKind classifies a failed frame or binding operation.
type ContextErrorKind int

const (
	NoFrame ContextErrorKind = iota
	NoVariable
	ExistingVariable
	InvalidBinding
)

// ContextError is raised by Context operations.
type ContextError struct {
	Kind  ContextErrorKind
	Name  string
	Frame FrameKind
	Err   error
}

func (e *ContextError) Error() string {
	switch e.Kind {
	case NoFrame:
		return fmt.Sprintf("context: no %s frame", e.Frame)
	case NoVariable:
		return fmt.Sprintf("context: undefined variable %q", e.Name)
	case ExistingVariable:
		return fmt.Sprintf("context: variable %q already defined", e.Name)
	default:
		if e.Err != nil {
			return fmt.Sprintf("context: binding %q: %v", e.Name, e.Err)
		}
		return fmt.Sprintf("context: invalid binding %q", e.Name)
	}
}

func (e *ContextError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Executor errors
// ---------------------------------------------------------------------------

// ExecErrorKind classifies a failed instruction or scheduling operation.
type ExecErrorKind int

const (
	InvalidInstruction ExecErrorKind = iota
	EmptyStack
	NotCallable
	ArgumentNotTuple
	InvalidArgument
	AssertFailed
	FileError
	NativeFailed
	StackOverflow
	RuntimeFailure
	Uncaught
)

var execErrorNames = map[ExecErrorKind]string{
	InvalidInstruction: "invalid instruction",
	EmptyStack:         "empty stack",
	NotCallable:        "not callable",
	ArgumentNotTuple:   "argument is not a tuple",
	InvalidArgument:    "invalid argument",
	AssertFailed:       "assertion failed",
	FileError:          "file error",
	NativeFailed:       "native call failed",
	StackOverflow:      "stack overflow",
	RuntimeFailure:     "runtime error",
	Uncaught:           "uncaught error",
}

func (k ExecErrorKind) String() string { return execErrorNames[k] }

// ExecError is returned when executing an instruction fails.
type ExecError struct {
	Kind    ExecErrorKind
	IP      int
	Op      Opcode
	Message string
	Err     error
}

func (e *ExecError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "vm: %s", e.Kind)
	if e.IP >= 0 {
		fmt.Fprintf(&b, " at %04d %s", e.IP, e.Op)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ExecError) Unwrap() error { return e.Err }

func execError(kind ExecErrorKind, format string, args ...any) *ExecError {
	return &ExecError{Kind: kind, IP: -1, Message: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Sentinels
// ---------------------------------------------------------------------------

var (
	// ErrGeneratorPending is returned by Generator.Result before Done.
	ErrGeneratorPending = errors.New("vm: generator result requested before completion")

	// ErrTerminated is returned for state changes on a finished or crashed
	// coroutine.
	ErrTerminated = errors.New("vm: coroutine already terminated")

	// ErrDuplicateCoroutine is returned when a lambda is already running as
	// a coroutine.
	ErrDuplicateCoroutine = errors.New("vm: lambda already running as a coroutine")

	// ErrNoCoroutine is returned for an unknown coroutine ID.
	ErrNoCoroutine = errors.New("vm: no such coroutine")

	// ErrStalled is returned when every live coroutine is paused and none
	// is waiting on a generator.
	ErrStalled = errors.New("vm: all coroutines paused")

	// ErrTruncated is returned when an instruction runs past the end of the
	// code.
	ErrTruncated = errors.New("vm: truncated instruction")
)
