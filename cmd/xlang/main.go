// xlang CLI - assembles, disassembles and runs xlang bytecode packages
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/xlang/asm"
	"github.com/chazu/xlang/manifest"
	"github.com/chazu/xlang/vm"

	_ "github.com/tliron/commonlog/simple"
)

const version = "0.1.0"

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "run":
		handleRunCommand(args)
	case "asm":
		handleAsmCommand(args)
	case "disasm":
		handleDisasmCommand(args)
	case "serve":
		handleServeCommand(args)
	case "lsp":
		handleLSPCommand(args)
	case "version":
		fmt.Println("xlang", version)
	case "help", "-h", "--help":
		flag.Usage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: xlang <command> [options] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run [FILE]              Run a .xasm or .xpkg program (default: project entry)\n")
	fmt.Fprintf(os.Stderr, "  asm FILE.xasm [-o OUT]  Assemble to a .xpkg package\n")
	fmt.Fprintf(os.Stderr, "  disasm FILE             Print the disassembly of a program\n")
	fmt.Fprintf(os.Stderr, "  serve                   Start the exec server (Connect HTTP + gRPC)\n")
	fmt.Fprintf(os.Stderr, "  lsp                     Start the language server on stdio\n")
	fmt.Fprintf(os.Stderr, "  version                 Print the version\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  xlang run main.xasm\n")
	fmt.Fprintf(os.Stderr, "  xlang run -tick-budget 50 -report heap.yaml main.xpkg\n")
	fmt.Fprintf(os.Stderr, "  xlang run -remote http://127.0.0.1:8650 main.xasm\n")
	fmt.Fprintf(os.Stderr, "  xlang asm main.xasm -o main.xpkg\n")
	fmt.Fprintf(os.Stderr, "\nConfiguration is read from the nearest %s; flags override it.\n", manifest.FileName)
}

// ---------------------------------------------------------------------------
// Shared option handling
// ---------------------------------------------------------------------------

// options are the flags shared by every subcommand.
type options struct {
	verbose    bool
	tickBudget int
	verifyGC   bool
}

func (o *options) register(fs *flag.FlagSet) {
	fs.BoolVar(&o.verbose, "v", false, "Verbose output")
	fs.IntVar(&o.tickBudget, "tick-budget", 0, "Instructions per coroutine tick (default from manifest)")
	fs.BoolVar(&o.verifyGC, "verify-gc", false, "Check heap invariants around every collection")
}

// parseArgs parses fs allowing flags after positional arguments, and
// returns the positional arguments.
func parseArgs(fs *flag.FlagSet, args []string) []string {
	var positional []string
	for {
		fs.Parse(args) // ExitOnError
		args = fs.Args()
		if len(args) == 0 {
			return positional
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

// loadConfig finds the project manifest, falling back to defaults, applies
// flag overrides and configures logging.
func loadConfig(o *options) *manifest.Manifest {
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		os.Exit(1)
	}
	if m == nil {
		m = manifest.Default()
	}

	if o.tickBudget > 0 {
		m.VM.TickBudget = o.tickBudget
	}
	if o.verifyGC {
		m.GC.Verify = true
	}

	verbosity := m.Log.Verbosity
	if o.verbose && verbosity < 2 {
		verbosity = 2
	}
	var path *string
	if m.Log.File != "" {
		path = &m.Log.File
	}
	commonlog.Configure(verbosity, path)

	if o.verbose && m.Dir != "" {
		fmt.Fprintf(os.Stderr, "Using %s\n", filepath.Join(m.Dir, manifest.FileName))
	}
	return m
}

// loadPackage assembles a .xasm file or reads an encoded package.
func loadPackage(path string, m *manifest.Manifest) (*vm.Package, error) {
	if strings.EqualFold(filepath.Ext(path), ".xasm") {
		return asm.AssembleFile(path)
	}
	return vm.ReadPackageFile(path, m.VM.PackageLimit())
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
