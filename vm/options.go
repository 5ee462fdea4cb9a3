package vm

import (
	"github.com/inhies/go-bytesize"
	"github.com/tliron/commonlog"
)

// Defaults for executor limits.
const (
	DefaultTickBudget = 1000
	DefaultMaxStack   = 1 << 16
)

// Options configures executors and the coroutine pool.
type Options struct {
	// TickBudget is the number of instructions a coroutine runs per tick.
	TickBudget int

	// MaxStack bounds the operand stack; exceeding it raises a runtime
	// error inside the coroutine.
	MaxStack int

	// MaxPackageSize bounds package files loaded by IMPORT.
	MaxPackageSize bytesize.ByteSize

	// Natives are installed into the base frame of every coroutine. Nil
	// installs nothing.
	Natives *NativeRegistry

	Log commonlog.Logger
}

// DefaultOptions returns options with every limit at its default and the
// builtins registered.
func DefaultOptions() Options {
	natives := NewNativeRegistry()
	RegisterBuiltins(natives, BuiltinOptions{})
	return Options{
		TickBudget:     DefaultTickBudget,
		MaxStack:       DefaultMaxStack,
		MaxPackageSize: DefaultMaxPackageSize,
		Natives:        natives,
	}
}

func (o Options) withDefaults() Options {
	if o.TickBudget <= 0 {
		o.TickBudget = DefaultTickBudget
	}
	if o.MaxStack <= 0 {
		o.MaxStack = DefaultMaxStack
	}
	if o.MaxPackageSize <= 0 {
		o.MaxPackageSize = DefaultMaxPackageSize
	}
	if o.Log == nil {
		o.Log = commonlog.GetLogger("xlang.vm")
	}
	return o
}
