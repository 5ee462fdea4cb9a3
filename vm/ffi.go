package vm

import (
	"fmt"
	"plugin"
	"sort"
	"sync"

	"github.com/chazu/xlang/gc"
)

// Exported symbols a foreign library provides.
const (
	ForeignEntrySymbol   = "XlangEntry"   // func(lookup func(string) any) error
	ForeignDestroySymbol = "XlangDestroy" // func(), optional
	ForeignFuncPrefix    = "Xlang_"       // Xlang_<sig> func(*gc.Heap, gc.Ref) (gc.Ref, error)
)

// Library is a loaded foreign code unit.
type Library interface {
	Lookup(symbol string) (any, error)
}

// LibraryOpener opens a library by path.
type LibraryOpener func(path string) (Library, error)

type pluginLibrary struct {
	p *plugin.Plugin
}

func (l pluginLibrary) Lookup(symbol string) (any, error) {
	sym, err := l.p.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	return sym, nil
}

// OpenPlugin opens a Go plugin as a Library.
func OpenPlugin(path string) (Library, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return pluginLibrary{p: p}, nil
}

// ---------------------------------------------------------------------------
// Foreign object
// ---------------------------------------------------------------------------

// Foreign is a loaded library. Lambdas with a foreign body hold an edge to
// it; its destroy hook runs when it is collected.
type Foreign struct {
	base
	Path    string
	lib     Library
	destroy func()
	funcs   map[string]NativeFunc
}

func (*Foreign) Kind() Kind { return KindForeign }

// Finalize calls the library's destroy hook once.
func (f *Foreign) Finalize() {
	if f.destroy != nil {
		d := f.destroy
		f.destroy = nil
		d()
	}
}

// Func resolves the function exported for sig.
func (f *Foreign) Func(sig string) (NativeFunc, error) {
	if fn, ok := f.funcs[sig]; ok {
		return fn, nil
	}
	sym, err := f.lib.Lookup(ForeignFuncPrefix + sig)
	if err != nil {
		return nil, fmt.Errorf("foreign %s: lookup %s%s: %w", f.Path, ForeignFuncPrefix, sig, err)
	}
	var fn NativeFunc
	switch s := sym.(type) {
	case func(*gc.Heap, gc.Ref) (gc.Ref, error):
		fn = s
	case *func(*gc.Heap, gc.Ref) (gc.Ref, error):
		fn = *s
	case NativeFunc:
		fn = s
	default:
		return nil, fmt.Errorf("foreign %s: %s%s has type %T", f.Path, ForeignFuncPrefix, sig, sym)
	}
	f.funcs[sig] = fn
	return fn, nil
}

// ---------------------------------------------------------------------------
// ForeignRegistry: helpers handed to libraries at load time
// ---------------------------------------------------------------------------

// ForeignRegistry holds the helper functions a library may resolve through
// the lookup callback passed to its entry symbol.
type ForeignRegistry struct {
	mu      sync.RWMutex
	helpers map[string]any
	open    LibraryOpener
}

// NewForeignRegistry creates a registry with the standard helpers. A nil
// opener loads Go plugins.
func NewForeignRegistry(open LibraryOpener) *ForeignRegistry {
	if open == nil {
		open = OpenPlugin
	}
	r := &ForeignRegistry{helpers: make(map[string]any), open: open}
	r.registerDefaults()
	return r
}

// Register adds or replaces a helper.
func (r *ForeignRegistry) Register(name string, fn any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.helpers[name] = fn
}

// Lookup resolves a helper by name, or nil.
func (r *ForeignRegistry) Lookup(name string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.helpers[name]
}

// Names returns the registered helper names in sorted order.
func (r *ForeignRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.helpers))
	for name := range r.helpers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load opens the library at path, runs its entry symbol and returns an
// owned Foreign object.
func (r *ForeignRegistry) Load(h *gc.Heap, path string) (gc.Ref, error) {
	lib, err := r.open(path)
	if err != nil {
		return gc.Nil, &ExecError{Kind: FileError, IP: -1, Message: path, Err: err}
	}
	sym, err := lib.Lookup(ForeignEntrySymbol)
	if err != nil {
		return gc.Nil, &ExecError{Kind: FileError, IP: -1, Message: path, Err: err}
	}
	var entry func(func(string) any) error
	switch s := sym.(type) {
	case func(func(string) any) error:
		entry = s
	case *func(func(string) any) error:
		entry = *s
	default:
		return gc.Nil, &ExecError{Kind: FileError, IP: -1,
			Message: fmt.Sprintf("%s: %s has type %T", path, ForeignEntrySymbol, sym)}
	}
	if err := entry(r.Lookup); err != nil {
		return gc.Nil, &ExecError{Kind: NativeFailed, IP: -1, Message: path, Err: err}
	}

	f := &Foreign{Path: path, lib: lib, funcs: make(map[string]NativeFunc)}
	if d, err := lib.Lookup(ForeignDestroySymbol); err == nil {
		switch s := d.(type) {
		case func():
			f.destroy = s
		case *func():
			f.destroy = *s
		}
	}
	return h.Alloc(f), nil
}

func (r *ForeignRegistry) registerDefaults() {
	r.helpers["new_int"] = NewInt
	r.helpers["new_float"] = NewFloat
	r.helpers["new_string"] = NewString
	r.helpers["new_bool"] = NewBool
	r.helpers["new_null"] = NewNull
	r.helpers["new_bytes"] = NewBytes
	r.helpers["new_tuple"] = NewTuple
	r.helpers["new_keyval"] = NewKeyVal
	r.helpers["new_named"] = NewNamed
	r.helpers["new_wrapper"] = NewWrapper

	is := func(k Kind) func(*gc.Heap, gc.Ref) bool {
		return func(h *gc.Heap, ref gc.Ref) bool { return Is(h, ref, k) }
	}
	r.helpers["is_int"] = is(KindInt)
	r.helpers["is_float"] = is(KindFloat)
	r.helpers["is_string"] = is(KindString)
	r.helpers["is_bool"] = is(KindBool)
	r.helpers["is_null"] = is(KindNull)
	r.helpers["is_bytes"] = is(KindBytes)
	r.helpers["is_tuple"] = is(KindTuple)
	r.helpers["is_keyval"] = is(KindKeyVal)
	r.helpers["is_named"] = is(KindNamed)
	r.helpers["is_wrapper"] = is(KindWrapper)

	r.helpers["get_int"] = func(h *gc.Heap, ref gc.Ref) (int64, bool) {
		v, ok := As[*Int](h, ref)
		if !ok {
			return 0, false
		}
		return v.Value, true
	}
	r.helpers["get_float"] = func(h *gc.Heap, ref gc.Ref) (float64, bool) {
		v, ok := As[*Float](h, ref)
		if !ok {
			return 0, false
		}
		return v.Value, true
	}
	r.helpers["get_string"] = func(h *gc.Heap, ref gc.Ref) (string, bool) {
		v, ok := As[*String](h, ref)
		if !ok {
			return "", false
		}
		return v.Value, true
	}
	r.helpers["get_bool"] = func(h *gc.Heap, ref gc.Ref) (bool, bool) {
		v, ok := As[*Bool](h, ref)
		if !ok {
			return false, false
		}
		return v.Value, true
	}

	r.helpers["tuple_append"] = Append
	r.helpers["tuple_get"] = func(h *gc.Heap, t gc.Ref, i int) (gc.Ref, bool) {
		tup, ok := As[*Tuple](h, t)
		if !ok || i < 0 || i >= len(tup.Values) {
			return gc.Nil, false
		}
		return tup.Values[i], true
	}
	r.helpers["get_key"] = KeyOf
	r.helpers["get_value"] = ValueOf
	r.helpers["set_value"] = Assign
	r.helpers["len"] = Len
	r.helpers["clone_ref"] = func(h *gc.Heap, ref gc.Ref) gc.Ref { return h.CloneRef(ref) }
	r.helpers["drop_ref"] = func(h *gc.Heap, ref gc.Ref) { h.DropRef(ref) }
}
