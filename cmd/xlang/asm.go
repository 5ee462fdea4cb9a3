package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/inhies/go-bytesize"

	"github.com/chazu/xlang/asm"
	"github.com/chazu/xlang/vm"
)

// handleAsmCommand processes the `xlang asm` subcommand.
// Usage:
//
//	xlang asm main.xasm              # ./main.xpkg
//	xlang asm main.xasm -o out.xpkg  # custom output
func handleAsmCommand(args []string) {
	var o options
	fs := flag.NewFlagSet("asm", flag.ExitOnError)
	o.register(fs)
	output := fs.String("o", "", "Output package path (default: input with .xpkg extension)")
	files := parseArgs(fs, args)
	loadConfig(&o)

	if len(files) != 1 {
		fatalf("asm requires exactly one .xasm file")
	}
	src := files[0]
	if *output == "" {
		*output = strings.TrimSuffix(src, filepath.Ext(src)) + ".xpkg"
	}

	pkg, err := asm.AssembleFile(src)
	if err != nil {
		fatalf("%v", err)
	}
	if err := vm.WritePackageFile(*output, pkg); err != nil {
		fatalf("%v", err)
	}

	if o.verbose {
		size := bytesize.ByteSize(0)
		if fi, err := os.Stat(*output); err == nil {
			size = bytesize.ByteSize(fi.Size())
		}
		fmt.Printf("Wrote %s (%d words, %d functions, %s)\n", *output, len(pkg.Code), len(pkg.Functions), size)
	}
}

// handleDisasmCommand processes the `xlang disasm` subcommand.
func handleDisasmCommand(args []string) {
	var o options
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	o.register(fs)
	files := parseArgs(fs, args)
	m := loadConfig(&o)

	if len(files) == 0 {
		fatalf("disasm requires a file")
	}
	for i, path := range files {
		pkg, err := loadPackage(path, m)
		if err != nil {
			fatalf("%v", err)
		}
		if len(files) > 1 {
			if i > 0 {
				fmt.Println()
			}
			fmt.Printf("; %s\n", path)
		}
		fmt.Print(vm.Disassemble(pkg))
	}
}
