package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/chazu/xlang/gc"
	"github.com/chazu/xlang/manifest"
	"github.com/chazu/xlang/server"
	"github.com/chazu/xlang/vm"
)

// runReport is written by `xlang run -report`.
type runReport struct {
	File       string      `yaml:"file"`
	Result     string      `yaml:"result,omitempty"`
	Error      string      `yaml:"error,omitempty"`
	Coroutines int         `yaml:"coroutines"`
	Ticks      uint64      `yaml:"ticks"`
	Steps      uint64      `yaml:"steps"`
	Duration   string      `yaml:"duration"`
	Heap       *heapReport `yaml:"heap,omitempty"`
}

type heapReport struct {
	Allocated   uint64            `yaml:"allocated"`
	Freed       uint64            `yaml:"freed"`
	Collections uint64            `yaml:"collections"`
	Live        int               `yaml:"live"`
	Leaked      int               `yaml:"leaked"`
	Last        *collectionReport `yaml:"last_collection,omitempty"`
}

type collectionReport struct {
	Marked   int    `yaml:"marked"`
	Freed    int    `yaml:"freed"`
	Live     int    `yaml:"live"`
	Duration string `yaml:"duration"`
}

// handleRunCommand processes the `xlang run` subcommand.
// Usage:
//
//	xlang run                      # project entry from xlang.toml
//	xlang run main.xasm            # assemble and run
//	xlang run -remote URL main.xpkg
func handleRunCommand(args []string) {
	var o options
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	o.register(fs)
	reportPath := fs.String("report", "", "Write a YAML heap and coroutine report to this file")
	remote := fs.String("remote", "", "Run on an xlang server at this URL instead of locally")
	files := parseArgs(fs, args)
	m := loadConfig(&o)

	var path string
	switch {
	case len(files) == 1:
		path = files[0]
	case len(files) == 0 && m.EntryPath() != "":
		path = m.EntryPath()
	default:
		fatalf("run requires one program file or a [project] entry")
	}

	pkg, err := loadPackage(path, m)
	if err != nil {
		fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *remote != "" {
		runRemote(ctx, *remote, pkg, o.verbose)
		return
	}

	report, code := runLocal(ctx, path, pkg, m, o.verbose)
	if *reportPath != "" {
		if err := writeReport(*reportPath, report); err != nil {
			fatalf("%v", err)
		}
	}
	stop()
	os.Exit(code)
}

// runLocal runs pkg in-process and returns the report and exit code. A
// program returning an integer exits with it.
func runLocal(ctx context.Context, path string, pkg *vm.Package, m *manifest.Manifest, verbose bool) (*runReport, int) {
	natives := vm.NewNativeRegistry()
	vm.RegisterBuiltins(natives, vm.BuiltinOptions{
		Foreign:    vm.NewForeignRegistry(nil),
		HTTP:       m.Natives.HTTPEnabled(),
		Subprocess: m.Natives.SubprocessEnabled(),
	})
	opts := m.VMOptions()
	opts.Natives = natives

	h := gc.New(m.HeapOptions()...)
	start := time.Now()
	res, err := vm.RunMain(ctx, h, pkg, opts)
	report := &runReport{
		File:       path,
		Coroutines: res.Coroutines,
		Ticks:      res.Ticks,
		Steps:      res.Steps,
		Duration:   time.Since(start).String(),
	}

	code := 0
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		report.Error = err.Error()
		code = 1
	} else {
		report.Result = vm.Repr(h, res.Result)
		if verbose {
			fmt.Fprintf(os.Stderr, "=> %s\n", report.Result)
		}
		if i, ok := vm.As[*vm.Int](h, res.Result); ok {
			code = int(i.Value)
		}
		h.DropRef(res.Result)
	}

	h.Collect()
	report.Heap = describeHeap(h)
	if report.Heap.Leaked > 0 {
		fmt.Fprintf(os.Stderr, "Warning: %d objects still held after run\n", report.Heap.Leaked)
	}
	if verbose {
		fmt.Fprintf(os.Stderr, "%d coroutines, %d ticks, %d steps, %d objects collected\n",
			report.Coroutines, report.Ticks, report.Steps, report.Heap.Freed)
	}
	return report, code
}

func describeHeap(h *gc.Heap) *heapReport {
	totals := h.Totals()
	r := &heapReport{
		Allocated:   totals.Allocated,
		Freed:       totals.Freed,
		Collections: totals.Collections,
		Live:        h.Len(),
		Leaked:      len(h.Leaks()),
	}
	if last := h.LastStats(); last != nil {
		r.Last = &collectionReport{
			Marked:   last.Marked,
			Freed:    last.Freed,
			Live:     last.Live,
			Duration: last.Duration.String(),
		}
	}
	return r
}

func writeReport(path string, r *runReport) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// runRemote submits pkg to an exec server and prints what it returned.
func runRemote(ctx context.Context, url string, pkg *vm.Package, verbose bool) {
	data, err := vm.MarshalPackage(pkg)
	if err != nil {
		fatalf("%v", err)
	}
	client := server.NewExecClient(http.DefaultClient, url)
	out, err := client.Run(ctx, data)
	if err != nil {
		fatalf("%v", err)
	}

	fmt.Print(out.Fields["output"].GetStringValue())
	if verbose {
		fmt.Fprintf(os.Stderr, "=> %s\n", out.Fields["repr"].GetStringValue())
		fmt.Fprintf(os.Stderr, "run %s: %v coroutines, %v steps\n",
			out.Fields["run_id"].GetStringValue(),
			out.Fields["coroutines"].GetNumberValue(),
			out.Fields["steps"].GetNumberValue())
	}
}
