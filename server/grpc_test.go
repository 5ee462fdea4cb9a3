package server

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/chazu/xlang/vm"
)

func newGRPCConn(t *testing.T) *grpc.ClientConn {
	t.Helper()
	srv := New(Config{VM: vm.DefaultOptions()})
	lis := bufconn.Listen(1 << 20)
	go srv.ServeGRPC(lis)
	t.Cleanup(srv.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { cc.Close() })
	return cc
}

func TestGRPCRunAndResult(t *testing.T) {
	cc := newGRPCConn(t)
	ctx := context.Background()

	out, err := RunGRPC(ctx, cc, encode(t, answerSrc))
	if err != nil {
		t.Fatalf("RunGRPC: %v", err)
	}
	if got := out.Fields["result"].GetNumberValue(); got != 42 {
		t.Errorf("result = %v, want 42", got)
	}

	id := out.Fields["run_id"].GetStringValue()
	desc, err := ResultGRPC(ctx, cc, id)
	if err != nil {
		t.Fatalf("ResultGRPC: %v", err)
	}
	if got := desc.Fields["repr"].GetStringValue(); got != "42" {
		t.Errorf("repr = %q, want %q", got, "42")
	}
}

func TestGRPCErrorCodes(t *testing.T) {
	cc := newGRPCConn(t)
	ctx := context.Background()

	_, err := RunGRPC(ctx, cc, nil)
	if got := status.Code(err); got != codes.InvalidArgument {
		t.Errorf("empty package code = %v, want %v", got, codes.InvalidArgument)
	}

	_, err = RunGRPC(ctx, cc, encode(t, raiseSrc))
	if got := status.Code(err); got != codes.Aborted {
		t.Errorf("raise code = %v, want %v", got, codes.Aborted)
	}

	_, err = ResultGRPC(ctx, cc, "missing")
	if got := status.Code(err); got != codes.NotFound {
		t.Errorf("unknown run code = %v, want %v", got, codes.NotFound)
	}
}
