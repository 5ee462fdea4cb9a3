package integration_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"testing"

	"github.com/chazu/xlang/asm"
	"github.com/chazu/xlang/gc"
	"github.com/chazu/xlang/manifest"
	"github.com/chazu/xlang/server"
	"github.com/chazu/xlang/vm"
)

// ---------------------------------------------------------------------------
// Integration test helpers
// ---------------------------------------------------------------------------

const examplesDir = "../../examples"

var examples = []struct {
	file       string
	output     string
	coroutines int
}{
	{"hello.xasm", "hello, xlang\n", 1},
	{"sum.xasm", "sum 4950\n", 1},
	{"double.xasm", "42\n", 1},
	{"async.xasm", "spawned\n", 2},
}

func loadManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Load(examplesDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m
}

func assemble(t *testing.T, file string) *vm.Package {
	t.Helper()
	pkg, err := asm.AssembleFile(filepath.Join(examplesDir, file))
	if err != nil {
		t.Fatalf("AssembleFile(%s): %v", file, err)
	}
	return pkg
}

// runLocal runs pkg with the manifest's settings, capturing printed output.
func runLocal(t *testing.T, m *manifest.Manifest, pkg *vm.Package) (string, vm.RunResult) {
	t.Helper()
	var out bytes.Buffer
	natives := vm.NewNativeRegistry()
	vm.RegisterBuiltins(natives, vm.BuiltinOptions{
		Stdout:     &out,
		HTTP:       m.Natives.HTTPEnabled(),
		Subprocess: m.Natives.SubprocessEnabled(),
	})
	opts := m.VMOptions()
	opts.Natives = natives

	h := gc.New(m.HeapOptions()...)
	res, err := vm.RunMain(context.Background(), h, pkg, opts)
	if err != nil {
		t.Fatalf("RunMain: %v", err)
	}
	h.DropRef(res.Result)
	h.Collect()
	if leaks := h.Leaks(); len(leaks) > 0 {
		t.Errorf("%d objects still held after run", len(leaks))
	}
	return out.String(), res
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestExamplesManifest(t *testing.T) {
	m := loadManifest(t)
	if m.Project.Name != "examples" {
		t.Errorf("Project.Name = %q, want %q", m.Project.Name, "examples")
	}
	if got, want := filepath.Base(m.EntryPath()), "hello.xasm"; got != want {
		t.Errorf("EntryPath base = %q, want %q", got, want)
	}
	if m.Natives.HTTPEnabled() || m.Natives.SubprocessEnabled() {
		t.Error("examples should run without http or subprocess natives")
	}
}

func TestIntegrationE2E_Local(t *testing.T) {
	m := loadManifest(t)
	for _, ex := range examples {
		t.Run(ex.file, func(t *testing.T) {
			out, res := runLocal(t, m, assemble(t, ex.file))
			if out != ex.output {
				t.Errorf("output = %q, want %q", out, ex.output)
			}
			if res.Coroutines != ex.coroutines {
				t.Errorf("coroutines = %d, want %d", res.Coroutines, ex.coroutines)
			}
		})
	}
}

func TestIntegrationE2E_DisassemblyRoundTrip(t *testing.T) {
	m := loadManifest(t)
	for _, ex := range examples {
		t.Run(ex.file, func(t *testing.T) {
			pkg := assemble(t, ex.file)
			listing := vm.Disassemble(pkg)

			again, err := asm.Assemble(ex.file, listing)
			if err != nil {
				t.Fatalf("reassembling disassembly: %v\n%s", err, listing)
			}
			if !slices.Equal(again.Code, pkg.Code) {
				t.Errorf("reassembled code differs:\n%s\nwant:\n%s", vm.Disassemble(again), listing)
			}
			out, _ := runLocal(t, m, again)
			if out != ex.output {
				t.Errorf("output = %q, want %q", out, ex.output)
			}
		})
	}
}

func TestIntegrationE2E_PackageFile(t *testing.T) {
	m := loadManifest(t)
	dir := t.TempDir()
	for _, ex := range examples {
		t.Run(ex.file, func(t *testing.T) {
			path := filepath.Join(dir, ex.file+".xpkg")
			if err := vm.WritePackageFile(path, assemble(t, ex.file)); err != nil {
				t.Fatalf("WritePackageFile: %v", err)
			}
			pkg, err := vm.ReadPackageFile(path, m.VM.PackageLimit())
			if err != nil {
				t.Fatalf("ReadPackageFile: %v", err)
			}
			out, _ := runLocal(t, m, pkg)
			if out != ex.output {
				t.Errorf("output = %q, want %q", out, ex.output)
			}
		})
	}
}

func TestIntegrationE2E_Server(t *testing.T) {
	m := loadManifest(t)
	srv := server.New(server.Config{
		VM:         m.VMOptions(),
		Heap:       m.HeapOptions(),
		HTTP:       m.Natives.HTTPEnabled(),
		Subprocess: m.Natives.SubprocessEnabled(),
	})
	defer srv.Stop()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := server.NewExecClient(http.DefaultClient, ts.URL)
	for _, ex := range examples {
		t.Run(ex.file, func(t *testing.T) {
			data, err := vm.MarshalPackage(assemble(t, ex.file))
			if err != nil {
				t.Fatalf("MarshalPackage: %v", err)
			}
			out, err := client.Run(context.Background(), data)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := out.Fields["output"].GetStringValue(); got != ex.output {
				t.Errorf("output = %q, want %q", got, ex.output)
			}
			if got := int(out.Fields["coroutines"].GetNumberValue()); got != ex.coroutines {
				t.Errorf("coroutines = %d, want %d", got, ex.coroutines)
			}
		})
	}
	if got := srv.Worker().Leaks(); got != 0 {
		t.Errorf("worker leaks = %d, want 0", got)
	}
}
