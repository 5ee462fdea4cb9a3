package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ExecServer is the server API for the Exec service over native gRPC.
type ExecServer interface {
	Run(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
	Result(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// ExecServiceDesc describes the Exec service for grpc.Server. The method
// path matches the Connect handler, so one client works against both.
var ExecServiceDesc = grpc.ServiceDesc{
	ServiceName: ExecServiceName,
	HandlerType: (*ExecServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Run",
			Handler:    execServiceRunHandler,
		},
		{
			MethodName: "Result",
			Handler:    execServiceResultHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "xlang/v1/exec.proto",
}

func execServiceRunHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ExecServiceRunProcedure,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExecServer).Run(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func execServiceResultHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecServer).Result(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ExecServiceResultProcedure,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExecServer).Result(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// grpcExec adapts ExecService to ExecServer.
type grpcExec struct {
	svc *ExecService
}

func (g grpcExec) Run(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	out, err := g.svc.Execute(ctx, in.GetValue())
	if err != nil {
		return nil, grpcError(err)
	}
	return out, nil
}

func (g grpcExec) Result(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	out, err := g.svc.LookupRun(in.GetValue())
	if err != nil {
		return nil, grpcError(err)
	}
	return out, nil
}

func grpcError(err error) error {
	return status.Error(codes.Code(errorCode(err)), err.Error())
}

// RegisterExecServer registers svc on a gRPC server.
func RegisterExecServer(s grpc.ServiceRegistrar, svc *ExecService) {
	s.RegisterService(&ExecServiceDesc, grpcExec{svc: svc})
}

// RunGRPC calls ExecService.Run over an established gRPC connection.
func RunGRPC(ctx context.Context, cc grpc.ClientConnInterface, pkg []byte, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, ExecServiceRunProcedure, wrapperspb.Bytes(pkg), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ResultGRPC calls ExecService.Result over an established gRPC connection.
func ResultGRPC(ctx context.Context, cc grpc.ClientConnInterface, runID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, ExecServiceResultProcedure, wrapperspb.String(runID), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
