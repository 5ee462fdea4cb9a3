package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/chazu/xlang/server"
)

// handleServeCommand processes the `xlang serve` subcommand.
func handleServeCommand(args []string) {
	var o options
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	o.register(fs)
	addr := fs.String("addr", "", "Connect HTTP listen address (default from manifest)")
	grpcAddr := fs.String("grpc-addr", "", "gRPC listen address, or - to disable (default from manifest)")
	parseArgs(fs, args)
	m := loadConfig(&o)

	if *addr == "" {
		*addr = m.Server.Addr
	}
	if *grpcAddr == "" {
		*grpcAddr = m.Server.GRPCAddr
	}

	srv := server.New(server.Config{
		VM:         m.VMOptions(),
		Heap:       m.HeapOptions(),
		HTTP:       m.Natives.HTTPEnabled(),
		Subprocess: m.Natives.SubprocessEnabled(),
	})
	defer srv.Stop()

	if *grpcAddr != "-" {
		lis, err := net.Listen("tcp", *grpcAddr)
		if err != nil {
			fatalf("%v", err)
		}
		go func() {
			if err := srv.ServeGRPC(lis); err != nil {
				fmt.Fprintf(os.Stderr, "gRPC server error: %v\n", err)
			}
		}()
	}

	if err := srv.ListenAndServe(*addr); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

// handleLSPCommand processes the `xlang lsp` subcommand. Logs go to stderr
// or the manifest's log file; stdout carries the protocol.
func handleLSPCommand(args []string) {
	var o options
	fs := flag.NewFlagSet("lsp", flag.ExitOnError)
	o.register(fs)
	parseArgs(fs, args)
	loadConfig(&o)

	if err := server.NewLSP(version).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "LSP error: %v\n", err)
		os.Exit(1)
	}
}
