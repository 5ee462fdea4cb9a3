package vm

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is the instruction selector stored in bits 24-31 of an
// instruction word.
type Opcode byte

// Literals
const (
	OpLoadNull    Opcode = 0
	OpLoadInt32   Opcode = 1
	OpLoadInt64   Opcode = 2
	OpLoadFloat32 Opcode = 3
	OpLoadFloat64 Opcode = 4
	OpLoadString  Opcode = 5
	OpLoadBytes   Opcode = 6
	OpLoadBool    Opcode = 7
	OpLoadLambda  Opcode = 8
	OpPop         Opcode = 9
)

// Builders
const (
	OpBuildTuple    Opcode = 10
	OpBuildKeyValue Opcode = 11
	OpBuildNamed    Opcode = 12
	OpBuildRange    Opcode = 13
	OpBuildSet      Opcode = 14
)

// Binary operators
const (
	OpAdd    Opcode = 20
	OpSub    Opcode = 21
	OpMul    Opcode = 22
	OpDiv    Opcode = 23
	OpMod    Opcode = 24
	OpPow    Opcode = 25
	OpBitAnd Opcode = 26
	OpBitOr  Opcode = 27
	OpBitXor Opcode = 28
	OpShl    Opcode = 29
	OpShr    Opcode = 30
	OpEq     Opcode = 31
	OpNe     Opcode = 32
	OpGt     Opcode = 33
	OpLt     Opcode = 34
	OpGe     Opcode = 35
	OpLe     Opcode = 36
	OpIn     Opcode = 37
	OpIs     Opcode = 38
)

// Unary operators
const (
	OpBitNot Opcode = 40
	OpAbs    Opcode = 41
	OpNeg    Opcode = 42
)

// Variables and references
const (
	OpStoreVar           Opcode = 50
	OpLoadVar            Opcode = 51
	OpSetValue           Opcode = 52
	OpWrapObj            Opcode = 53
	OpGetAttr            Opcode = 54
	OpIndexOf            Opcode = 55
	OpKeyOf              Opcode = 56
	OpValueOf            Opcode = 57
	OpSelfOf             Opcode = 58
	OpTypeOf             Opcode = 59
	OpDeepCopy           Opcode = 60
	OpShallowCopy        Opcode = 61
	OpMakeRef            Opcode = 62
	OpDeref              Opcode = 63
	OpSwap               Opcode = 64
	OpResetIter          Opcode = 65
	OpNextOrJump         Opcode = 66
	OpForkStackObjectRef Opcode = 67
	OpPushValueIntoTuple Opcode = 68
	OpLengthOf           Opcode = 69
)

// Control flow
const (
	OpCall        Opcode = 70
	OpAsyncCall   Opcode = 71
	OpReturn      Opcode = 72
	OpRaise       Opcode = 73
	OpJump        Opcode = 74
	OpJumpIfFalse Opcode = 75
)

// Frames
const (
	OpNewFrame         Opcode = 80
	OpNewBoundaryFrame Opcode = 81
	OpPopFrame         Opcode = 82
	OpPopBoundaryFrame Opcode = 83
	OpResetStack       Opcode = 84
)

// Modules and special operations
const (
	OpImport     Opcode = 90
	OpFork       Opcode = 100
	OpBindSelf   Opcode = 101
	OpAssert     Opcode = 102
	OpEmit       Opcode = 103
	OpIsFinished Opcode = 104
	OpAlias      Opcode = 110
	OpWipeAlias  Opcode = 111
	OpAliasOf    Opcode = 112
	OpCaptureOf  Opcode = 120
	OpNop        Opcode = 255
)

// ---------------------------------------------------------------------------
// Operand kinds
// ---------------------------------------------------------------------------

// OperandKind is the static type of one instruction operand.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandInt32
	OperandInt64
	OperandFloat32
	OperandFloat64
	OperandString // string pool index
	OperandBytes  // bytes pool index
)

func (k OperandKind) String() string {
	switch k {
	case OperandNone:
		return "none"
	case OperandInt32:
		return "i32"
	case OperandInt64:
		return "i64"
	case OperandFloat32:
		return "f32"
	case OperandFloat64:
		return "f64"
	case OperandString:
		return "string"
	case OperandBytes:
		return "bytes"
	}
	return "unknown"
}

// accepts reports whether an operand decoded as got may stand in for want.
// Integer and float widths are interchangeable.
func (want OperandKind) accepts(got OperandKind) bool {
	switch want {
	case OperandInt32, OperandInt64:
		return got == OperandInt32 || got == OperandInt64
	case OperandFloat32, OperandFloat64:
		return got == OperandFloat32 || got == OperandFloat64
	}
	return want == got
}

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name        string        // assembler mnemonic
	Operands    []OperandKind // fixed operand list
	StackEffect int           // net effect on stack (VariableEffect = depends)
}

// VariableEffect marks opcodes whose stack effect depends on operands or
// control flow.
const VariableEffect = -99

func ops(kinds ...OperandKind) []OperandKind { return kinds }

var (
	i32 = OperandInt32
	i64 = OperandInt64
	f32 = OperandFloat32
	f64 = OperandFloat64
	str = OperandString
	byt = OperandBytes
)

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpLoadNull:    {"LOAD_NULL", nil, 1},
	OpLoadInt32:   {"LOAD_INT32", ops(i32), 1},
	OpLoadInt64:   {"LOAD_INT64", ops(i64), 1},
	OpLoadFloat32: {"LOAD_FLOAT32", ops(f32), 1},
	OpLoadFloat64: {"LOAD_FLOAT64", ops(f64), 1},
	OpLoadString:  {"LOAD_STRING", ops(str), 1},
	OpLoadBytes:   {"LOAD_BYTES", ops(byt), 1},
	OpLoadBool:    {"LOAD_BOOL", ops(i32), 1},
	OpLoadLambda:  {"LOAD_LAMBDA", ops(str, i64, i32), VariableEffect},
	OpPop:         {"POP", nil, -1},

	OpBuildTuple:    {"BUILD_TUPLE", ops(i64), VariableEffect},
	OpBuildKeyValue: {"BUILD_KEYVAL", nil, -1},
	OpBuildNamed:    {"BUILD_NAMED", nil, -1},
	OpBuildRange:    {"BUILD_RANGE", nil, -1},
	OpBuildSet:      {"BUILD_SET", nil, -1},

	OpAdd:    {"ADD", nil, -1},
	OpSub:    {"SUB", nil, -1},
	OpMul:    {"MUL", nil, -1},
	OpDiv:    {"DIV", nil, -1},
	OpMod:    {"MOD", nil, -1},
	OpPow:    {"POW", nil, -1},
	OpBitAnd: {"BIT_AND", nil, -1},
	OpBitOr:  {"BIT_OR", nil, -1},
	OpBitXor: {"BIT_XOR", nil, -1},
	OpShl:    {"SHL", nil, -1},
	OpShr:    {"SHR", nil, -1},
	OpEq:     {"EQ", nil, -1},
	OpNe:     {"NE", nil, -1},
	OpGt:     {"GT", nil, -1},
	OpLt:     {"LT", nil, -1},
	OpGe:     {"GE", nil, -1},
	OpLe:     {"LE", nil, -1},
	OpIn:     {"IN", nil, -1},
	OpIs:     {"IS", nil, -1},

	OpBitNot: {"BIT_NOT", nil, 0},
	OpAbs:    {"ABS", nil, 0},
	OpNeg:    {"NEG", nil, 0},

	OpStoreVar:           {"STORE_VAR", ops(str), 0},
	OpLoadVar:            {"LOAD_VAR", ops(str), 1},
	OpSetValue:           {"SET_VALUE", nil, -1},
	OpWrapObj:            {"WRAP", nil, 0},
	OpGetAttr:            {"GET_ATTR", nil, -1},
	OpIndexOf:            {"INDEX_OF", nil, -1},
	OpKeyOf:              {"KEY_OF", nil, 0},
	OpValueOf:            {"VALUE_OF", nil, 0},
	OpSelfOf:             {"SELF_OF", nil, 0},
	OpTypeOf:             {"TYPE_OF", nil, 0},
	OpDeepCopy:           {"DEEP_COPY", nil, 0},
	OpShallowCopy:        {"SHALLOW_COPY", nil, 0},
	OpMakeRef:            {"MAKE_REF", nil, 0},
	OpDeref:              {"DEREF", nil, 0},
	OpSwap:               {"SWAP", ops(i64, i64), 0},
	OpResetIter:          {"RESET_ITER", nil, 0},
	OpNextOrJump:         {"NEXT_OR_JUMP", ops(i64), VariableEffect},
	OpForkStackObjectRef: {"FORK_STACK_REF", ops(i64), 1},
	OpPushValueIntoTuple: {"PUSH_INTO_TUPLE", ops(i64), -1},
	OpLengthOf:           {"LENGTH_OF", nil, 0},

	OpCall:        {"CALL", nil, -1},
	OpAsyncCall:   {"ASYNC_CALL", nil, -1},
	OpReturn:      {"RETURN", nil, VariableEffect},
	OpRaise:       {"RAISE", nil, VariableEffect},
	OpJump:        {"JUMP", ops(i64), 0},
	OpJumpIfFalse: {"JUMP_IF_FALSE", ops(i64), -1},

	OpNewFrame:         {"NEW_FRAME", nil, 0},
	OpNewBoundaryFrame: {"NEW_BOUNDARY_FRAME", ops(i64), 0},
	OpPopFrame:         {"POP_FRAME", nil, VariableEffect},
	OpPopBoundaryFrame: {"POP_BOUNDARY_FRAME", nil, VariableEffect},
	OpResetStack:       {"RESET_STACK", nil, VariableEffect},

	OpImport:     {"IMPORT", nil, 0},
	OpFork:       {"FORK", nil, 1},
	OpBindSelf:   {"BIND_SELF", nil, 0},
	OpAssert:     {"ASSERT", nil, 0},
	OpEmit:       {"EMIT", nil, 0},
	OpIsFinished: {"IS_FINISHED", nil, 0},
	OpAlias:      {"ALIAS", ops(str), 0},
	OpWipeAlias:  {"WIPE_ALIAS", nil, 0},
	OpAliasOf:    {"ALIAS_OF", nil, 0},
	OpCaptureOf:  {"CAPTURE_OF", nil, 0},
	OpNop:        {"NOP", nil, 0},
}

var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeTable))
	for op, info := range opcodeTable {
		m[info.Name] = op
	}
	return m
}()

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the mnemonic for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// LookupOpcode finds an opcode by mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodeByName[name]
	return op, ok
}

// Mnemonics returns every opcode mnemonic in sorted order.
func Mnemonics() []string {
	names := make([]string, 0, len(opcodeByName))
	for name := range opcodeByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
