package vm

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chazu/xlang/gc"
)

// NativeFunc is a synchronous Go function callable from bytecode. args is
// always a Tuple; the result is an owned handle.
type NativeFunc func(h *gc.Heap, args gc.Ref) (gc.Ref, error)

// GeneratorFactory creates a fresh generator for each installed lambda.
type GeneratorFactory func() Generator

// ---------------------------------------------------------------------------
// NativeRegistry: Named natives and generators
// ---------------------------------------------------------------------------

// NativeRegistry maps names to natives and generator factories. It is safe
// for concurrent registration; installation happens on the VM goroutine.
type NativeRegistry struct {
	mu         sync.RWMutex
	funcs      map[string]NativeFunc
	generators map[string]GeneratorFactory
}

// NewNativeRegistry creates an empty registry.
func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{
		funcs:      make(map[string]NativeFunc),
		generators: make(map[string]GeneratorFactory),
	}
}

// Register adds or replaces a native.
func (r *NativeRegistry) Register(name string, fn NativeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.generators, name)
	r.funcs[name] = fn
}

// RegisterGenerator adds or replaces a generator factory.
func (r *NativeRegistry) RegisterGenerator(name string, f GeneratorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.funcs, name)
	r.generators[name] = f
}

// Lookup returns the native registered under name.
func (r *NativeRegistry) Lookup(name string) (NativeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns every registered name in sorted order.
func (r *NativeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs)+len(r.generators))
	for name := range r.funcs {
		names = append(names, name)
	}
	for name := range r.generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Install binds every registered name as a lambda in the innermost frame of
// ctx.
func (r *NativeRegistry) Install(h *gc.Heap, ctx *Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, fn := range r.funcs {
		lam := NewNativeLambda(h, name, fn)
		err := ctx.LetVar(name, lam)
		h.DropRef(lam)
		if err != nil {
			return err
		}
	}
	for name, f := range r.generators {
		lam := NewGeneratorLambda(h, name, f())
		err := ctx.LetVar(name, lam)
		h.DropRef(lam)
		if err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Builtins
// ---------------------------------------------------------------------------

// BuiltinOptions configures the default natives.
type BuiltinOptions struct {
	Stdout     io.Writer
	Stdin      io.Reader
	Foreign    *ForeignRegistry // nil disables load_clambda
	HTTP       bool
	Subprocess bool
}

// RegisterBuiltins installs the standard natives, the asyncio natives and
// the enabled async operations into r.
func RegisterBuiltins(r *NativeRegistry, opts BuiltinOptions) {
	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}
	in := opts.Stdin
	if in == nil {
		in = os.Stdin
	}
	reader := bufio.NewReader(in)

	r.Register("print", func(h *gc.Heap, args gc.Ref) (gc.Ref, error) {
		vals, err := tupleValues(h, args)
		if err != nil {
			return gc.Nil, err
		}
		parts := make([]string, len(vals))
		for i, v := range vals {
			parts[i] = ToString(h, v)
		}
		fmt.Fprintln(out, strings.Join(parts, " "))
		return NewNull(h), nil
	})
	r.Register("input", func(h *gc.Heap, args gc.Ref) (gc.Ref, error) {
		v, err := singleArg(h, args, "input")
		if err != nil {
			return gc.Nil, err
		}
		s, ok := As[*String](h, v)
		if !ok {
			return gc.Nil, typeError(h, "input prompt must be a string", v)
		}
		fmt.Fprintf(out, "%s ", s.Value)
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return gc.Nil, valueError(h, "read input: "+err.Error())
		}
		return NewString(h, strings.TrimSpace(line)), nil
	})
	r.Register("len", builtinLen)
	r.Register("int", builtinInt)
	r.Register("float", builtinFloat)
	r.Register("string", builtinString)
	r.Register("bool", builtinBool)
	r.Register("bytes", builtinBytes)
	r.Register("repr", func(h *gc.Heap, args gc.Ref) (gc.Ref, error) {
		v, err := singleArg(h, args, "repr")
		if err != nil {
			return gc.Nil, err
		}
		return NewString(h, Repr(h, v)), nil
	})
	r.Register("type", func(h *gc.Heap, args gc.Ref) (gc.Ref, error) {
		v, err := singleArg(h, args, "type")
		if err != nil {
			return gc.Nil, err
		}
		return NewString(h, TypeName(h, v)), nil
	})
	r.Register("timestamp", func(h *gc.Heap, args gc.Ref) (gc.Ref, error) {
		return NewFloat(h, float64(time.Now().UnixNano())/1e9), nil
	})
	r.Register("json_encode", builtinJSONEncode)
	r.Register("json_decode", builtinJSONDecode)
	if opts.Foreign != nil {
		reg := opts.Foreign
		r.Register("load_clambda", func(h *gc.Heap, args gc.Ref) (gc.Ref, error) {
			v, err := singleArg(h, args, "load_clambda")
			if err != nil {
				return gc.Nil, err
			}
			s, ok := As[*String](h, v)
			if !ok {
				return gc.Nil, typeError(h, "load_clambda needs a path string", v)
			}
			return reg.Load(h, s.Value)
		})
	}

	registerAsyncio(r)

	r.RegisterGenerator("sleep", func() Generator { return NewAsyncOp(AsyncSleep) })
	if opts.HTTP {
		r.RegisterGenerator("http_get", func() Generator { return NewAsyncOp(AsyncHTTPGet) })
	}
	if opts.Subprocess {
		r.RegisterGenerator("run", func() Generator { return NewAsyncOp(AsyncRun) })
	}
}

func tupleValues(h *gc.Heap, args gc.Ref) ([]gc.Ref, error) {
	t, ok := As[*Tuple](h, args)
	if !ok {
		return nil, &ExecError{Kind: ArgumentNotTuple, IP: -1, Message: safeRepr(h, args)}
	}
	vals := make([]gc.Ref, len(t.Values))
	for i, v := range t.Values {
		vals[i] = Deref(h, namedValue(h, v))
	}
	return vals, nil
}

// namedValue unwraps a Named argument to its value.
func namedValue(h *gc.Heap, r gc.Ref) gc.Ref {
	if n, ok := As[*Named](h, r); ok {
		return n.Value
	}
	return r
}

func singleArg(h *gc.Heap, args gc.Ref, name string) (gc.Ref, error) {
	vals, err := tupleValues(h, args)
	if err != nil {
		return gc.Nil, err
	}
	if len(vals) != 1 {
		return gc.Nil, typeError(h, name+" takes exactly one argument", args)
	}
	return vals[0], nil
}

func builtinLen(h *gc.Heap, args gc.Ref) (gc.Ref, error) {
	v, err := singleArg(h, args, "len")
	if err != nil {
		return gc.Nil, err
	}
	n, err := Len(h, v)
	if err != nil {
		return gc.Nil, err
	}
	return NewInt(h, n), nil
}

func builtinInt(h *gc.Heap, args gc.Ref) (gc.Ref, error) {
	v, err := singleArg(h, args, "int")
	if err != nil {
		return gc.Nil, err
	}
	switch o := Get(h, v).(type) {
	case *Int:
		return NewInt(h, o.Value), nil
	case *Float:
		if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
			return gc.Nil, valueError(h, "cannot convert non-finite float to int", v)
		}
		return NewInt(h, int64(o.Value)), nil
	case *Bool:
		if o.Value {
			return NewInt(h, 1), nil
		}
		return NewInt(h, 0), nil
	case *Null:
		return NewInt(h, 0), nil
	case *String:
		n, err := strconv.ParseInt(strings.TrimSpace(o.Value), 10, 64)
		if err != nil {
			return gc.Nil, valueError(h, "invalid int literal", v)
		}
		return NewInt(h, n), nil
	}
	return gc.Nil, typeError(h, "value cannot be converted to int", v)
}

func builtinFloat(h *gc.Heap, args gc.Ref) (gc.Ref, error) {
	v, err := singleArg(h, args, "float")
	if err != nil {
		return gc.Nil, err
	}
	switch o := Get(h, v).(type) {
	case *Int:
		return NewFloat(h, float64(o.Value)), nil
	case *Float:
		return NewFloat(h, o.Value), nil
	case *Bool:
		if o.Value {
			return NewFloat(h, 1), nil
		}
		return NewFloat(h, 0), nil
	case *Null:
		return NewFloat(h, 0), nil
	case *String:
		f, err := strconv.ParseFloat(strings.TrimSpace(o.Value), 64)
		if err != nil {
			return gc.Nil, valueError(h, "invalid float literal", v)
		}
		return NewFloat(h, f), nil
	}
	return gc.Nil, typeError(h, "value cannot be converted to float", v)
}

func builtinString(h *gc.Heap, args gc.Ref) (gc.Ref, error) {
	v, err := singleArg(h, args, "string")
	if err != nil {
		return gc.Nil, err
	}
	if b, ok := As[*Bytes](h, v); ok {
		return NewString(h, string(b.Value)), nil
	}
	return NewString(h, ToString(h, v)), nil
}

func builtinBool(h *gc.Heap, args gc.Ref) (gc.Ref, error) {
	v, err := singleArg(h, args, "bool")
	if err != nil {
		return gc.Nil, err
	}
	switch o := Get(h, v).(type) {
	case *Bool:
		return NewBool(h, o.Value), nil
	case *Int:
		return NewBool(h, o.Value != 0), nil
	case *Float:
		return NewBool(h, o.Value != 0), nil
	case *Null:
		return NewBool(h, false), nil
	case *String:
		return NewBool(h, o.Value != ""), nil
	}
	return gc.Nil, typeError(h, "value cannot be converted to bool", v)
}

func builtinBytes(h *gc.Heap, args gc.Ref) (gc.Ref, error) {
	v, err := singleArg(h, args, "bytes")
	if err != nil {
		return gc.Nil, err
	}
	switch o := Get(h, v).(type) {
	case *Bytes:
		return NewBytes(h, o.Value), nil
	case *String:
		return NewBytes(h, []byte(o.Value)), nil
	case *Int:
		if o.Value < 0 || o.Value > 255 {
			return gc.Nil, valueError(h, "byte value must be in 0..255", v)
		}
		return NewBytes(h, []byte{byte(o.Value)}), nil
	case *Tuple:
		out := make([]byte, 0, len(o.Values))
		for _, e := range o.Values {
			i, ok := As[*Int](h, Deref(h, e))
			if !ok || i.Value < 0 || i.Value > 255 {
				return gc.Nil, valueError(h, "tuple elements must be ints in 0..255", e)
			}
			out = append(out, byte(i.Value))
		}
		return NewBytes(h, out), nil
	}
	return gc.Nil, typeError(h, "value cannot be converted to bytes", v)
}
