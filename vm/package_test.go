package vm

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/inhies/go-bytesize"
)

func samplePackage(t *testing.T) *Package {
	t.Helper()
	b := NewBuilder()
	if err := b.Func(EntryFunction); err != nil {
		t.Fatal(err)
	}
	b.SetPosition(1, 1)
	b.Emit(OpLoadString, b.String("a"))
	b.Emit(OpLoadBytes, b.Bytes([]byte("raw")))
	b.Emit(OpPop)
	b.Emit(OpLoadFloat64, Float64Operand(1.5))
	b.Emit(OpAdd)
	b.Emit(OpReturn)
	pkg, err := b.Package("sample.xasm")
	if err != nil {
		t.Fatal(err)
	}
	return pkg
}

func TestPackageRoundTrip(t *testing.T) {
	pkg := samplePackage(t)
	data, err := MarshalPackage(pkg)
	if err != nil {
		t.Fatalf("MarshalPackage() error: %v", err)
	}
	got, err := UnmarshalPackage(data)
	if err != nil {
		t.Fatalf("UnmarshalPackage() error: %v", err)
	}
	if Disassemble(got) != Disassemble(pkg) {
		t.Errorf("disassembly changed across round trip:\n%s\nwant:\n%s", Disassemble(got), Disassemble(pkg))
	}
	if got.Source != "sample.xasm" {
		t.Errorf("source = %q, want sample.xasm", got.Source)
	}
	if d, ok := got.Position(0); !ok || d.Line != 1 {
		t.Errorf("position(0) = %+v, %v", d, ok)
	}

	again, err := MarshalPackage(got)
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != string(data) {
		t.Error("canonical encoding is not stable")
	}
}

func TestUnmarshalRejectsBadPackages(t *testing.T) {
	tests := []struct {
		name string
		pkg  *Package
	}{
		{"version", &Package{Version: 99}},
		{"truncated", &Package{Version: PackageVersion, Code: Encode(nil, OpLoadInt64, Int64Operand(1))[:2]}},
		{"string index", &Package{Version: PackageVersion, Code: Encode(nil, OpLoadString, StringOperand(4))}},
		{"bytes index", &Package{Version: PackageVersion, Code: Encode(nil, OpLoadBytes, BytesOperand(0))}},
		{"operand kind", &Package{Version: PackageVersion, Code: Encode(nil, OpJump)}},
		{"entry", &Package{
			Version:   PackageVersion,
			Code:      Encode(nil, OpLoadInt64, Int64Operand(1)),
			Functions: map[string]int{"f": 1},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := MarshalPackage(tt.pkg)
			if err != nil {
				t.Fatalf("MarshalPackage() error: %v", err)
			}
			if _, err := UnmarshalPackage(data); err == nil {
				t.Error("UnmarshalPackage() accepted an invalid package")
			}
		})
	}
	if _, err := UnmarshalPackage([]byte{0xff, 0x00}); err == nil {
		t.Error("UnmarshalPackage() accepted garbage")
	}
}

func TestPackageFileLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.xpkg")
	pkg := samplePackage(t)
	if err := WritePackageFile(path, pkg); err != nil {
		t.Fatalf("WritePackageFile() error: %v", err)
	}

	got, err := ReadPackageFile(path, 0)
	if err != nil {
		t.Fatalf("ReadPackageFile() error: %v", err)
	}
	if len(got.Code) != len(pkg.Code) {
		t.Errorf("code length = %d, want %d", len(got.Code), len(pkg.Code))
	}

	_, err = ReadPackageFile(path, 8*bytesize.B)
	var xe *ExecError
	if !errors.As(err, &xe) || xe.Kind != FileError {
		t.Fatalf("oversized read = %v, want a file error", err)
	}
	if !strings.Contains(xe.Message, "limit") {
		t.Errorf("message = %q, want it to mention the limit", xe.Message)
	}

	_, err = ReadPackageFile(filepath.Join(t.TempDir(), "missing.xpkg"), 0)
	if !errors.As(err, &xe) || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file = %v, want a wrapped not-exist error", err)
	}
}

func TestImportRunsLibraryFunction(t *testing.T) {
	lb := NewBuilder()
	lb.Emit(OpNop)
	if err := lb.Func("lib_fn"); err != nil {
		t.Fatal(err)
	}
	lb.Emit(OpLoadInt64, Int64Operand(99))
	lb.Emit(OpReturn)
	lib := mustPackage(t, lb)
	path := filepath.Join(t.TempDir(), "lib.xpkg")
	if err := WritePackageFile(path, lib); err != nil {
		t.Fatal(err)
	}
	entry, _ := lib.Entry("lib_fn")

	b := NewBuilder()
	b.Emit(OpBuildTuple, Int64Operand(0))
	b.Emit(OpLoadString, b.String(path))
	b.Emit(OpImport)
	b.Emit(OpLoadLambda, b.String("lib_fn"), Int64Operand(int64(entry)), Int32Operand(0))
	b.Emit(OpBuildTuple, Int64Operand(0))
	b.Emit(OpCall)
	b.Emit(OpReturn)

	got, err := runRepr(t, mustPackage(t, b))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if got != "99" {
		t.Errorf("result = %s, want 99", got)
	}
}

func TestImportMissingFileRaises(t *testing.T) {
	b := NewBuilder()
	b.Emit(OpLoadString, b.String(filepath.Join(t.TempDir(), "nope.xpkg")))
	b.Emit(OpImport)
	b.Emit(OpReturn)

	_, err := runRepr(t, mustPackage(t, b))
	var xe *ExecError
	if !errors.As(err, &xe) || xe.Kind != Uncaught {
		t.Fatalf("run error = %v, want uncaught", err)
	}
	var inner *ExecError
	if !errors.As(xe.Err, &inner) || inner.Kind != FileError {
		t.Errorf("cause = %v, want a file error", xe.Err)
	}
}
