// Package manifest handles xlang.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/inhies/go-bytesize"

	"github.com/chazu/xlang/gc"
	"github.com/chazu/xlang/vm"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "xlang.toml"

// Defaults applied to missing fields.
const (
	DefaultAddr     = "127.0.0.1:8650"
	DefaultGRPCAddr = "127.0.0.1:8651"
)

// Manifest represents an xlang.toml project configuration.
type Manifest struct {
	Project Project       `toml:"project"`
	VM      VMConfig      `toml:"vm"`
	GC      GCConfig      `toml:"gc"`
	Natives NativesConfig `toml:"natives"`
	Server  ServerConfig  `toml:"server"`
	Log     LogConfig     `toml:"log"`

	// Dir is the directory containing the xlang.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Entry   string `toml:"entry"` // program run by `xlang run` without arguments
}

// VMConfig configures the interpreter limits.
type VMConfig struct {
	TickBudget     int    `toml:"tick_budget"`
	MaxStack       int    `toml:"max_stack"`
	MaxPackageSize string `toml:"max_package_size"` // e.g. "16MB"

	maxPackageSize bytesize.ByteSize
}

// PackageLimit returns the parsed max_package_size.
func (c VMConfig) PackageLimit() bytesize.ByteSize {
	return c.maxPackageSize
}

// GCConfig configures the collector.
type GCConfig struct {
	CollectThreshold int  `toml:"collect_threshold"`
	Verify           bool `toml:"verify"`
}

// NativesConfig switches optional natives on or off. Both default to on.
type NativesConfig struct {
	HTTP       *bool `toml:"http"`
	Subprocess *bool `toml:"subprocess"`
}

// HTTPEnabled reports whether the http_get async op is installed.
func (c NativesConfig) HTTPEnabled() bool { return c.HTTP == nil || *c.HTTP }

// SubprocessEnabled reports whether the run async op is installed.
func (c NativesConfig) SubprocessEnabled() bool { return c.Subprocess == nil || *c.Subprocess }

// ServerConfig configures `xlang serve`.
type ServerConfig struct {
	Addr     string `toml:"addr"`      // Connect/HTTP listener
	GRPCAddr string `toml:"grpc_addr"` // native gRPC listener; "-" disables it
}

// LogConfig configures logging.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns a manifest with every default applied, for use when no
// xlang.toml exists.
func Default() *Manifest {
	m := &Manifest{}
	if err := m.applyDefaults(); err != nil {
		panic(err) // defaults always parse
	}
	return m
}

// Load parses an xlang.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes manifest text and applies defaults. Unknown keys are
// rejected.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %s", undecoded[0])
	}
	if err := m.applyDefaults(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() error {
	if m.VM.TickBudget <= 0 {
		m.VM.TickBudget = vm.DefaultTickBudget
	}
	if m.VM.MaxStack <= 0 {
		m.VM.MaxStack = vm.DefaultMaxStack
	}
	if m.VM.MaxPackageSize == "" {
		m.VM.maxPackageSize = vm.DefaultMaxPackageSize
		m.VM.MaxPackageSize = m.VM.maxPackageSize.String()
	} else {
		size, err := bytesize.Parse(m.VM.MaxPackageSize)
		if err != nil {
			return fmt.Errorf("vm.max_package_size: %w", err)
		}
		m.VM.maxPackageSize = size
	}
	if m.GC.CollectThreshold <= 0 {
		m.GC.CollectThreshold = gc.DefaultThreshold
	}
	if m.Server.Addr == "" {
		m.Server.Addr = DefaultAddr
	}
	if m.Server.GRPCAddr == "" {
		m.Server.GRPCAddr = DefaultGRPCAddr
	}
	return nil
}

// FindAndLoad walks up from startDir to find an xlang.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// EntryPath returns the absolute path of the project entry program, or ""
// if none is configured.
func (m *Manifest) EntryPath() string {
	if m.Project.Entry == "" {
		return ""
	}
	if filepath.IsAbs(m.Project.Entry) {
		return m.Project.Entry
	}
	return filepath.Join(m.Dir, m.Project.Entry)
}

// VMOptions converts the [vm] section into interpreter options. The
// natives registry is left for the caller to fill in.
func (m *Manifest) VMOptions() vm.Options {
	return vm.Options{
		TickBudget:     m.VM.TickBudget,
		MaxStack:       m.VM.MaxStack,
		MaxPackageSize: m.VM.maxPackageSize,
	}
}

// HeapOptions converts the [gc] section into heap options.
func (m *Manifest) HeapOptions() []gc.Option {
	return []gc.Option{
		gc.WithThreshold(m.GC.CollectThreshold),
		gc.WithVerify(m.GC.Verify),
	}
}
