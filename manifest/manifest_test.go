package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/inhies/go-bytesize"

	"github.com/chazu/xlang/gc"
	"github.com/chazu/xlang/vm"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "test-app"
version = "0.1.0"
entry = "main.xasm"

[vm]
tick_budget = 50
max_stack = 128
max_package_size = "64KB"

[gc]
collect_threshold = 10
verify = true

[natives]
http = false

[server]
addr = ":9000"
grpc_addr = "-"

[log]
verbosity = 2
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "test-app" {
		t.Errorf("project name = %q, want test-app", m.Project.Name)
	}
	if m.Project.Version != "0.1.0" {
		t.Errorf("project version = %q, want 0.1.0", m.Project.Version)
	}
	if m.VM.TickBudget != 50 || m.VM.MaxStack != 128 {
		t.Errorf("vm = %+v, want tick_budget 50 and max_stack 128", m.VM)
	}
	if got := m.VM.PackageLimit(); got != 64*bytesize.KB {
		t.Errorf("package limit = %v, want 64KB", got)
	}
	if m.GC.CollectThreshold != 10 || !m.GC.Verify {
		t.Errorf("gc = %+v, want threshold 10 with verify", m.GC)
	}
	if m.Natives.HTTPEnabled() {
		t.Error("http natives enabled, want disabled")
	}
	if !m.Natives.SubprocessEnabled() {
		t.Error("subprocess natives disabled, want the default")
	}
	if m.Server.Addr != ":9000" || m.Server.GRPCAddr != "-" {
		t.Errorf("server = %+v", m.Server)
	}
	if m.Log.Verbosity != 2 {
		t.Errorf("log verbosity = %d, want 2", m.Log.Verbosity)
	}
	if want := filepath.Join(m.Dir, "main.xasm"); m.EntryPath() != want {
		t.Errorf("entry path = %q, want %q", m.EntryPath(), want)
	}

	opts := m.VMOptions()
	if opts.TickBudget != 50 || opts.MaxStack != 128 || opts.MaxPackageSize != 64*bytesize.KB {
		t.Errorf("VMOptions() = %+v", opts)
	}
	h := gc.New(m.HeapOptions()...)
	if h == nil {
		t.Error("heap options rejected")
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "minimal"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.VM.TickBudget != vm.DefaultTickBudget {
		t.Errorf("tick budget = %d, want %d", m.VM.TickBudget, vm.DefaultTickBudget)
	}
	if m.VM.MaxStack != vm.DefaultMaxStack {
		t.Errorf("max stack = %d, want %d", m.VM.MaxStack, vm.DefaultMaxStack)
	}
	if m.VM.PackageLimit() != vm.DefaultMaxPackageSize {
		t.Errorf("package limit = %v, want %v", m.VM.PackageLimit(), vm.DefaultMaxPackageSize)
	}
	if m.GC.CollectThreshold != gc.DefaultThreshold {
		t.Errorf("collect threshold = %d, want %d", m.GC.CollectThreshold, gc.DefaultThreshold)
	}
	if !m.Natives.HTTPEnabled() || !m.Natives.SubprocessEnabled() {
		t.Error("optional natives should default to enabled")
	}
	if m.Server.Addr != DefaultAddr || m.Server.GRPCAddr != DefaultGRPCAddr {
		t.Errorf("server = %+v, want defaults", m.Server)
	}
	if m.EntryPath() != "" {
		t.Errorf("entry path = %q, want empty", m.EntryPath())
	}
}

func TestDefaultMatchesEmptyManifest(t *testing.T) {
	parsed, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if parsed.VM != def.VM || parsed.GC != def.GC || parsed.Server != def.Server {
		t.Errorf("Parse(empty) = %+v, want %+v", parsed, def)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", "[vm\n", ""},
		{"unknown key", "[vm]\nturbo = true\n", "unknown key vm.turbo"},
		{"bad size", "[vm]\nmax_package_size = \"lots\"\n", "vm.max_package_size"},
		{"wrong type", "[gc]\nverify = \"yes\"\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if err == nil {
				t.Fatal("Parse() should fail")
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load() without a manifest should fail")
	}
}

func TestFindAndLoad(t *testing.T) {
	// Create nested directory structure
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, `[project]
name = "found-project"
`)

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found-project" {
		t.Errorf("project name = %q, want found-project", m.Project.Name)
	}
	if abs, _ := filepath.Abs(dir); m.Dir != abs {
		t.Errorf("manifest dir = %q, want %q", m.Dir, abs)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no xlang.toml exists")
	}
}
