package vm

import (
	"context"
	"io"
	"testing"

	"github.com/chazu/xlang/gc"
)

func testOptions() Options {
	natives := NewNativeRegistry()
	RegisterBuiltins(natives, BuiltinOptions{Stdout: io.Discard})
	return Options{Natives: natives}
}

func mustPackage(t *testing.T, b *Builder) *Package {
	t.Helper()
	pkg, err := b.Package("")
	if err != nil {
		t.Fatalf("Package() error: %v", err)
	}
	return pkg
}

// mainLambda wraps pkg's __main__ entry in an owned lambda.
func mainLambda(h *gc.Heap, pkg *Package) gc.Ref {
	code := NewInstructions(h, pkg)
	defer h.DropRef(code)
	return NewLambda(h, LambdaSpec{Signature: EntryFunction, Body: Body{Kind: BodyCode, Code: code}})
}

// runRepr runs pkg on a fresh heap and returns the repr of its result.
func runRepr(t *testing.T, pkg *Package) (string, error) {
	t.Helper()
	h := gc.New()
	res, err := RunMain(context.Background(), h, pkg, testOptions())
	if err != nil {
		assertNoLeaks(t, h)
		return "", err
	}
	s := Repr(h, res.Result)
	h.DropRef(res.Result)
	assertNoLeaks(t, h)
	return s, nil
}

func assertNoLeaks(t *testing.T, h *gc.Heap) {
	t.Helper()
	if leaks := h.Leaks(); len(leaks) > 0 {
		t.Errorf("%d objects still held after run", len(leaks))
	}
}
