package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v2"

	"github.com/chazu/xlang/asm"
	"github.com/chazu/xlang/manifest"
	"github.com/chazu/xlang/vm"
)

func TestParseArgsInterspersed(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	out := fs.String("o", "", "")
	verbose := fs.Bool("v", false, "")

	files := parseArgs(fs, []string{"-v", "main.xasm", "-o", "out.xpkg", "extra"})
	if len(files) != 2 || files[0] != "main.xasm" || files[1] != "extra" {
		t.Errorf("positional = %v, want [main.xasm extra]", files)
	}
	if *out != "out.xpkg" {
		t.Errorf("-o = %q, want %q", *out, "out.xpkg")
	}
	if !*verbose {
		t.Error("-v not set")
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadPackageBothFormats(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "main.xasm", ".func __main__\n    LOAD_INT64 3\n    RETURN\n")
	m := manifest.Default()

	fromSource, err := loadPackage(src, m)
	if err != nil {
		t.Fatalf("loadPackage(.xasm): %v", err)
	}
	bin := filepath.Join(dir, "main.xpkg")
	if err := vm.WritePackageFile(bin, fromSource); err != nil {
		t.Fatal(err)
	}
	fromBinary, err := loadPackage(bin, m)
	if err != nil {
		t.Fatalf("loadPackage(.xpkg): %v", err)
	}
	if got, want := vm.Disassemble(fromBinary), vm.Disassemble(fromSource); got != want {
		t.Errorf("disassembly differs:\n%s\nwant:\n%s", got, want)
	}
}

func TestRunLocalExitCode(t *testing.T) {
	pkg, err := asm.Assemble("main.xasm", ".func __main__\n    LOAD_INT64 7\n    RETURN\n")
	if err != nil {
		t.Fatal(err)
	}
	report, code := runLocal(context.Background(), "main.xasm", pkg, manifest.Default(), false)
	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
	if report.Result != "7" {
		t.Errorf("Result = %q, want %q", report.Result, "7")
	}
	if report.Coroutines != 1 {
		t.Errorf("Coroutines = %d, want 1", report.Coroutines)
	}
	if report.Heap == nil || report.Heap.Leaked != 0 {
		t.Errorf("Heap = %+v, want no leaks", report.Heap)
	}
}

func TestRunLocalError(t *testing.T) {
	pkg, err := asm.Assemble("main.xasm", ".func __main__\n    LOAD_STRING \"boom\"\n    RAISE\n")
	if err != nil {
		t.Fatal(err)
	}
	report, code := runLocal(context.Background(), "main.xasm", pkg, manifest.Default(), false)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if report.Error == "" {
		t.Error("report has no error")
	}
}

func TestWriteReport(t *testing.T) {
	pkg, err := asm.Assemble("main.xasm", ".func __main__\n    LOAD_STRING \"ok\"\n    RETURN\n")
	if err != nil {
		t.Fatal(err)
	}
	report, _ := runLocal(context.Background(), "main.xasm", pkg, manifest.Default(), false)

	path := filepath.Join(t.TempDir(), "report.yaml")
	if err := writeReport(path, report); err != nil {
		t.Fatalf("writeReport: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"file: main.xasm", "coroutines: 1", "heap:", "collections:"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("report missing %q:\n%s", want, data)
		}
	}

	var decoded map[string]any
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("report is not valid YAML: %v", err)
	}
	if decoded["result"] != `"ok"` {
		t.Errorf("result = %v, want %q", decoded["result"], `"ok"`)
	}
}
