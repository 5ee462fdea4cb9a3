package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/xlang/gc"
	"github.com/chazu/xlang/vm"
)

const (
	// ExecServiceName is the fully-qualified name of the Exec service.
	ExecServiceName = "xlang.v1.ExecService"

	// ExecServiceRunProcedure is the procedure path of ExecService.Run.
	ExecServiceRunProcedure = "/" + ExecServiceName + "/Run"

	// ExecServiceResultProcedure is the procedure path of ExecService.Result.
	ExecServiceResultProcedure = "/" + ExecServiceName + "/Result"

	// RunIDHeader carries the run identifier on Connect responses.
	RunIDHeader = "Xlang-Run-Id"
)

// ErrRunNotFound is returned when a run ID is unknown or has expired.
var ErrRunNotFound = errors.New("server: run not found")

// packageError marks a request whose package could not be decoded.
type packageError struct{ err error }

func (e *packageError) Error() string { return "invalid package: " + e.err.Error() }
func (e *packageError) Unwrap() error { return e.err }

// errorCode classifies an Execute error. Connect codes share gRPC's
// numbering, so the gRPC server converts with a plain cast.
func errorCode(err error) connect.Code {
	var pe *packageError
	switch {
	case errors.As(err, &pe):
		return connect.CodeInvalidArgument
	case errors.Is(err, context.Canceled):
		return connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return connect.CodeDeadlineExceeded
	case errors.Is(err, ErrStopped):
		return connect.CodeUnavailable
	case errors.Is(err, ErrRunNotFound):
		return connect.CodeNotFound
	}
	return connect.CodeAborted
}

// ExecService runs CBOR-encoded packages on the VM worker.
type ExecService struct {
	worker *VMWorker
	runs   *RunStore
	cfg    Config
	log    commonlog.Logger
}

// NewExecService creates an ExecService. Finished runs are recorded in
// runs when it is non-nil.
func NewExecService(worker *VMWorker, runs *RunStore, cfg Config) *ExecService {
	return &ExecService{
		worker: worker,
		runs:   runs,
		cfg:    cfg,
		log:    commonlog.GetLogger("xlang.server"),
	}
}

// Execute decodes data as a package, runs its __main__ function in a fresh
// heap and describes the outcome. The result fields are run_id, result (the
// value converted to JSON, or null), repr, output (everything printed),
// coroutines, ticks, steps and collected (objects freed by the run).
func (s *ExecService) Execute(ctx context.Context, data []byte) (*structpb.Struct, error) {
	if len(data) == 0 {
		return nil, &packageError{errors.New("empty request")}
	}
	pkg, err := vm.UnmarshalPackage(data)
	if err != nil {
		return nil, &packageError{err}
	}

	runID := uuid.New()
	var out bytes.Buffer
	natives := vm.NewNativeRegistry()
	vm.RegisterBuiltins(natives, vm.BuiltinOptions{
		Stdout:     &out,
		Stdin:      strings.NewReader(""),
		HTTP:       s.cfg.HTTP,
		Subprocess: s.cfg.Subprocess,
	})
	opts := s.cfg.VM
	opts.Natives = natives

	s.log.Infof("run %s: %d words", runID, len(pkg.Code))
	value, err := s.worker.Do(ctx, func(h *gc.Heap) (any, error) {
		res, err := vm.RunMain(ctx, h, pkg, opts)
		if err != nil {
			return nil, err
		}
		result, convErr := vm.ToValue(h, res.Result)
		if convErr != nil {
			result = structpb.NewNullValue()
		}
		repr := vm.Repr(h, res.Result)
		h.DropRef(res.Result)
		h.Collect()

		return &structpb.Struct{Fields: map[string]*structpb.Value{
			"run_id":     structpb.NewStringValue(runID.String()),
			"result":     result,
			"repr":       structpb.NewStringValue(repr),
			"coroutines": structpb.NewNumberValue(float64(res.Coroutines)),
			"ticks":      structpb.NewNumberValue(float64(res.Ticks)),
			"steps":      structpb.NewNumberValue(float64(res.Steps)),
			"collected":  structpb.NewNumberValue(float64(h.Totals().Freed)),
		}}, nil
	})
	if err != nil {
		s.log.Infof("run %s failed: %v", runID, err)
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	st := value.(*structpb.Struct)
	st.Fields["output"] = structpb.NewStringValue(out.String())
	if s.runs != nil {
		s.runs.Add(runID.String(), st)
	}
	return st, nil
}

// LookupRun returns the description of an earlier run.
func (s *ExecService) LookupRun(id string) (*structpb.Struct, error) {
	if s.runs == nil {
		return nil, ErrRunNotFound
	}
	desc, ok := s.runs.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRunNotFound, id)
	}
	return desc, nil
}

// Run implements the Connect unary handler.
func (s *ExecService) Run(
	ctx context.Context,
	req *connect.Request[wrapperspb.BytesValue],
) (*connect.Response[structpb.Struct], error) {
	out, err := s.Execute(ctx, req.Msg.GetValue())
	if err != nil {
		return nil, connect.NewError(errorCode(err), err)
	}
	res := connect.NewResponse(out)
	res.Header().Set(RunIDHeader, out.Fields["run_id"].GetStringValue())
	return res, nil
}

// Result implements the Connect unary handler for run lookups.
func (s *ExecService) Result(
	ctx context.Context,
	req *connect.Request[wrapperspb.StringValue],
) (*connect.Response[structpb.Struct], error) {
	desc, err := s.LookupRun(req.Msg.GetValue())
	if err != nil {
		return nil, connect.NewError(errorCode(err), err)
	}
	return connect.NewResponse(desc), nil
}

// NewExecServiceHandler builds an HTTP handler serving ExecService over the
// Connect, gRPC and gRPC-Web protocols. It returns the path to mount it on.
func NewExecServiceHandler(svc *ExecService, opts ...connect.HandlerOption) (string, http.Handler) {
	run := connect.NewUnaryHandler(ExecServiceRunProcedure, svc.Run, opts...)
	result := connect.NewUnaryHandler(ExecServiceResultProcedure, svc.Result, opts...)
	return "/" + ExecServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case ExecServiceRunProcedure:
			run.ServeHTTP(w, r)
		case ExecServiceResultProcedure:
			result.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// ExecClient calls a remote ExecService over Connect.
type ExecClient struct {
	run    *connect.Client[wrapperspb.BytesValue, structpb.Struct]
	result *connect.Client[wrapperspb.StringValue, structpb.Struct]
}

// NewExecClient creates a client for the service at baseURL
// (e.g. "http://127.0.0.1:8650").
func NewExecClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *ExecClient {
	baseURL = strings.TrimRight(baseURL, "/")
	return &ExecClient{
		run: connect.NewClient[wrapperspb.BytesValue, structpb.Struct](
			httpClient,
			baseURL+ExecServiceRunProcedure,
			opts...,
		),
		result: connect.NewClient[wrapperspb.StringValue, structpb.Struct](
			httpClient,
			baseURL+ExecServiceResultProcedure,
			opts...,
		),
	}
}

// Run sends an encoded package and returns the run description.
func (c *ExecClient) Run(ctx context.Context, pkg []byte) (*structpb.Struct, error) {
	res, err := c.run.CallUnary(ctx, connect.NewRequest(wrapperspb.Bytes(pkg)))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// Result fetches the description of an earlier run.
func (c *ExecClient) Result(ctx context.Context, runID string) (*structpb.Struct, error) {
	res, err := c.result.CallUnary(ctx, connect.NewRequest(wrapperspb.String(runID)))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}
