package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/chazu/xlang/gc"
)

type fakeLibrary map[string]any

func (l fakeLibrary) Lookup(symbol string) (any, error) {
	if sym, ok := l[symbol]; ok {
		return sym, nil
	}
	return nil, fmt.Errorf("symbol %s not found", symbol)
}

func fakeOpener(libs map[string]fakeLibrary) LibraryOpener {
	return func(path string) (Library, error) {
		if lib, ok := libs[path]; ok {
			return lib, nil
		}
		return nil, fmt.Errorf("open %s: no such library", path)
	}
}

func doublingLibrary(destroyed *int) fakeLibrary {
	return fakeLibrary{
		ForeignEntrySymbol: func(lookup func(string) any) error {
			if lookup("new_int") == nil {
				return errors.New("helper new_int missing")
			}
			return nil
		},
		ForeignDestroySymbol: func() { *destroyed++ },
		ForeignFuncPrefix + "double": func(h *gc.Heap, args gc.Ref) (gc.Ref, error) {
			vals, err := tupleValues(h, args)
			if err != nil {
				return gc.Nil, err
			}
			n, ok := As[*Int](h, vals[0])
			if !ok {
				return gc.Nil, errors.New("double needs an int")
			}
			return NewInt(h, n.Value*2), nil
		},
		ForeignFuncPrefix + "broken": "not a function",
	}
}

func TestForeignLambdaCall(t *testing.T) {
	destroyed := 0
	reg := NewForeignRegistry(fakeOpener(map[string]fakeLibrary{
		"libdouble.so": doublingLibrary(&destroyed),
	}))
	natives := NewNativeRegistry()
	RegisterBuiltins(natives, BuiltinOptions{Stdout: io.Discard, Foreign: reg})

	b := NewBuilder()
	b.Emit(OpBuildTuple, Int64Operand(0))
	b.Emit(OpLoadVar, b.String("load_clambda"))
	b.Emit(OpLoadString, b.String("libdouble.so"))
	b.Emit(OpBuildTuple, Int64Operand(1))
	b.Emit(OpCall)
	b.Emit(OpLoadLambda, b.String("double"), Int64Operand(0), Int32Operand(0))
	b.Emit(OpLoadInt64, Int64Operand(21))
	b.Emit(OpBuildTuple, Int64Operand(1))
	b.Emit(OpCall)
	b.Emit(OpReturn)
	pkg := mustPackage(t, b)

	h := gc.New()
	res, err := RunMain(context.Background(), h, pkg, Options{Natives: natives})
	if err != nil {
		t.Fatalf("RunMain() error: %v", err)
	}
	if got := Repr(h, res.Result); got != "42" {
		t.Errorf("result = %s, want 42", got)
	}
	h.DropRef(res.Result)
	assertNoLeaks(t, h)

	h.Collect()
	if destroyed != 1 {
		t.Errorf("destroy hook ran %d times, want 1", destroyed)
	}
}

func TestForeignLoadErrors(t *testing.T) {
	reg := NewForeignRegistry(fakeOpener(map[string]fakeLibrary{
		"noentry.so": {},
		"badentry.so": {
			ForeignEntrySymbol: 17,
		},
		"failing.so": {
			ForeignEntrySymbol: func(func(string) any) error { return errors.New("init failed") },
		},
	}))
	tests := []struct {
		path string
		kind ExecErrorKind
	}{
		{"missing.so", FileError},
		{"noentry.so", FileError},
		{"badentry.so", FileError},
		{"failing.so", NativeFailed},
	}
	for _, tt := range tests {
		h := gc.New()
		_, err := reg.Load(h, tt.path)
		var xe *ExecError
		if !errors.As(err, &xe) || xe.Kind != tt.kind {
			t.Errorf("Load(%s) = %v, want %s", tt.path, err, tt.kind)
		}
		assertNoLeaks(t, h)
	}
}

func TestForeignFuncResolution(t *testing.T) {
	destroyed := 0
	reg := NewForeignRegistry(fakeOpener(map[string]fakeLibrary{
		"libdouble.so": doublingLibrary(&destroyed),
	}))
	h := gc.New()
	lib, err := reg.Load(h, "libdouble.so")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	f := h.Get(lib).(*Foreign)
	if _, err := f.Func("double"); err != nil {
		t.Errorf("Func(double) error: %v", err)
	}
	if _, err := f.Func("missing"); err == nil {
		t.Error("Func(missing) should fail")
	}
	if _, err := f.Func("broken"); err == nil {
		t.Error("Func(broken) should reject a non-function symbol")
	}
	if got := Repr(h, lib); got != "Foreign(libdouble.so)" {
		t.Errorf("Repr() = %s", got)
	}

	h.DropRef(lib)
	h.Collect()
	if destroyed != 1 {
		t.Errorf("destroy hook ran %d times, want 1", destroyed)
	}
}

func TestForeignRegistryHelpers(t *testing.T) {
	reg := NewForeignRegistry(nil)
	for _, name := range []string{"new_int", "is_tuple", "get_string", "tuple_append", "drop_ref"} {
		if reg.Lookup(name) == nil {
			t.Errorf("helper %s missing", name)
		}
	}
	reg.Register("custom", func() int { return 1 })
	if reg.Lookup("custom") == nil {
		t.Error("registered helper not found")
	}
	getInt := reg.Lookup("get_int").(func(*gc.Heap, gc.Ref) (int64, bool))
	h := gc.New()
	r := NewInt(h, 5)
	if v, ok := getInt(h, r); !ok || v != 5 {
		t.Errorf("get_int = %d, %v", v, ok)
	}
	h.DropRef(r)
}
