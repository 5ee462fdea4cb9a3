package server

import (
	"testing"

	"github.com/chazu/xlang/asm"
	"github.com/chazu/xlang/vm"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
// ---------------------------------------------------------------------------

const (
	answerSrc = `.func __main__
    LOAD_INT64 40
    LOAD_INT64 2
    ADD
    RETURN
`
	printSrc = `.func __main__
    LOAD_VAR "print"
    LOAD_STRING "hello"
    LOAD_INT64 7
    BUILD_TUPLE 2
    CALL
    POP
    LOAD_STRING "done"
    RETURN
`
	raiseSrc = `.func __main__
    LOAD_STRING "boom"
    RAISE
`
)

// encode assembles src and returns the CBOR package bytes.
func encode(t *testing.T, src string) []byte {
	t.Helper()
	pkg, err := asm.Assemble("test.xasm", src)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	data, err := vm.MarshalPackage(pkg)
	if err != nil {
		t.Fatalf("MarshalPackage: %v", err)
	}
	return data
}

func newTestService(t *testing.T) *ExecService {
	t.Helper()
	worker := NewVMWorker()
	t.Cleanup(worker.Stop)
	return NewExecService(worker, NewRunStore(), Config{VM: vm.DefaultOptions()})
}
