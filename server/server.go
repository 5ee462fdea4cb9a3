package server

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/tliron/commonlog"
	"google.golang.org/grpc"

	"github.com/chazu/xlang/gc"
	"github.com/chazu/xlang/vm"
)

// Config configures a Server.
type Config struct {
	VM   vm.Options  // natives are replaced per run
	Heap []gc.Option // applied to every run's heap

	// Optional async ops available to submitted programs.
	HTTP       bool
	Subprocess bool

	// RunTTL is how long finished runs stay available to Result after
	// their last lookup. Zero means 30 minutes.
	RunTTL time.Duration
}

// XlangServer runs submitted packages. It serves Connect (HTTP/JSON and
// binary) on an HTTP listener and native gRPC on a second listener.
type XlangServer struct {
	worker *VMWorker
	runs   *RunStore
	exec   *ExecService
	mux    *http.ServeMux
	grpc   *grpc.Server
	log    commonlog.Logger

	stopSweeper func()
}

// New creates an XlangServer.
func New(cfg Config) *XlangServer {
	worker := NewVMWorker(cfg.Heap...)
	runs := NewRunStore()
	exec := NewExecService(worker, runs, cfg)

	s := &XlangServer{
		worker: worker,
		runs:   runs,
		exec:   exec,
		mux:    http.NewServeMux(),
		grpc:   grpc.NewServer(),
		log:    commonlog.GetLogger("xlang.server"),
	}

	path, handler := NewExecServiceHandler(exec)
	s.mux.Handle(path, handler)
	RegisterExecServer(s.grpc, exec)

	ttl := cfg.RunTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	s.stopSweeper = runs.StartSweeper(ttl/6, ttl)

	return s
}

// Handler returns the HTTP handler serving the Connect endpoints.
func (s *XlangServer) Handler() http.Handler {
	return s.mux
}

// Worker returns the VM worker shared by every endpoint.
func (s *XlangServer) Worker() *VMWorker {
	return s.worker
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *XlangServer) ListenAndServe(addr string) error {
	s.log.Noticef("listening on %s", addr)
	s.log.Noticef("  Connect (HTTP/JSON): http://%s%s", addr, ExecServiceRunProcedure)
	err := http.ListenAndServe(addr, s.mux)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeGRPC serves native gRPC on lis until Stop is called.
func (s *XlangServer) ServeGRPC(lis net.Listener) error {
	s.log.Noticef("gRPC listening on %s", lis.Addr())
	return s.grpc.Serve(lis)
}

// Stop shuts down the gRPC server and the worker.
func (s *XlangServer) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
		s.stopSweeper = nil
	}
	s.grpc.Stop()
	s.worker.Stop()
}
