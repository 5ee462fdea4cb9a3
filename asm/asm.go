// Package asm assembles .xasm source text into vm packages.
//
// The syntax is one instruction per line:
//
//	.func __main__
//	    LOAD_INT64 1
//	loop:
//	    JUMP @loop      ; comment
//
// Operands are integers, floats, quoted strings, x"hex" byte strings and
// @label references. A leading integer on a line is treated as an address
// column and ignored, so disassembler output assembles back unchanged.
package asm

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/chazu/xlang/vm"
)

// Directives lists the assembler directives.
var Directives = []string{".func"}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// Error is an assembly error at a source position.
type Error struct {
	File   string
	Line   int
	Column int
	Msg    string
}

func (e *Error) Error() string {
	if e.File == "" {
		return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Msg)
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Msg)
}

// ErrorList is every error found in one source file, in source order.
type ErrorList []*Error

func (l ErrorList) Error() string {
	switch len(l) {
	case 0:
		return "no errors"
	case 1:
		return l[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", l[0], len(l)-1)
}

func (l ErrorList) sort() {
	sort.SliceStable(l, func(i, j int) bool {
		if l[i].Line != l[j].Line {
			return l[i].Line < l[j].Line
		}
		return l[i].Column < l[j].Column
	})
}

// ---------------------------------------------------------------------------
// Assembler
// ---------------------------------------------------------------------------

type label struct {
	target     *vm.Label
	defined    bool
	def        Position
	referenced bool
	ref        Position // first reference
}

type assembler struct {
	file   string
	lex    *Lexer
	tok    Token
	b      *vm.Builder
	labels map[string]*label
	errs   ErrorList
}

// Assemble assembles src into a package. name is used in error messages.
// On failure the error is an ErrorList.
func Assemble(name, src string) (*vm.Package, error) {
	a := &assembler{
		file:   name,
		lex:    NewLexer(src),
		b:      vm.NewBuilder(),
		labels: make(map[string]*label),
	}
	a.next()
	for a.tok.Type != TokenEOF {
		a.line()
	}
	a.checkLabels()

	if len(a.errs) > 0 {
		a.errs.sort()
		return nil, a.errs
	}
	pkg, err := a.b.Package(src)
	if err != nil {
		return nil, fmt.Errorf("asm: %s: %w", name, err)
	}
	return pkg, nil
}

// AssembleFile reads and assembles the file at path.
func AssembleFile(path string) (*vm.Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("asm: read %s: %w", path, err)
	}
	return Assemble(path, string(data))
}

func (a *assembler) next() {
	a.tok = a.lex.NextToken()
}

func (a *assembler) errorf(pos Position, format string, args ...any) {
	a.errs = append(a.errs, &Error{
		File:   a.file,
		Line:   pos.Line,
		Column: pos.Column,
		Msg:    fmt.Sprintf(format, args...),
	})
}

// tokenError reports tok, preferring the lexer's own message.
func (a *assembler) tokenError(tok Token, format string, args ...any) {
	if tok.Type == TokenError {
		a.errorf(tok.Pos, "%s", tok.Literal)
		return
	}
	a.errorf(tok.Pos, format, args...)
}

func (a *assembler) atLineEnd() bool {
	return a.tok.Type == TokenNewline || a.tok.Type == TokenEOF
}

func (a *assembler) skipLine() {
	for !a.atLineEnd() {
		a.next()
	}
}

func (a *assembler) line() {
	if a.tok.Type == TokenInteger {
		a.next()
	}
	for a.tok.Type == TokenLabelDef {
		a.define(a.tok.Literal, a.tok.Pos)
		a.next()
	}

	ok := true
	switch a.tok.Type {
	case TokenNewline, TokenEOF:
	case TokenDirective:
		ok = a.directive()
	case TokenIdent:
		ok = a.instruction()
	default:
		a.tokenError(a.tok, "expected instruction, got %s", a.tok)
		ok = false
	}

	if ok && !a.atLineEnd() {
		a.tokenError(a.tok, "unexpected %s at end of line", a.tok)
	}
	a.skipLine()
	if a.tok.Type == TokenNewline {
		a.next()
	}
}

func (a *assembler) directive() bool {
	dir := a.tok
	a.next()
	switch dir.Literal {
	case ".func":
		name := a.tok
		if name.Type != TokenIdent && name.Type != TokenString {
			a.tokenError(name, ".func needs a function name, got %s", name)
			return false
		}
		a.next()
		if err := a.b.Func(name.Literal); err != nil {
			a.errorf(name.Pos, "function %q defined twice", name.Literal)
			return false
		}
		a.define(name.Literal, name.Pos)
		return true
	}
	a.errorf(dir.Pos, "unknown directive %s", dir.Literal)
	return false
}

func (a *assembler) instruction() bool {
	mnemonic := a.tok
	op, ok := vm.LookupOpcode(strings.ToUpper(mnemonic.Literal))
	if !ok {
		a.errorf(mnemonic.Pos, "unknown instruction %s", mnemonic.Literal)
		return false
	}
	a.next()

	kinds := op.Info().Operands
	var operands []vm.Operand
	slot := -1
	var target *label

	for !a.atLineEnd() {
		if len(operands) > 0 {
			if a.tok.Type != TokenComma {
				a.tokenError(a.tok, "expected ',' between operands, got %s", a.tok)
				return false
			}
			a.next()
		}
		if len(operands) >= len(kinds) {
			a.errorf(a.tok.Pos, "%s takes %d operand(s)", op, len(kinds))
			return false
		}
		kind := kinds[len(operands)]

		if a.tok.Type == TokenLabelRef {
			if kind != vm.OperandInt64 {
				a.errorf(a.tok.Pos, "label @%s in a %s operand of %s", a.tok.Literal, kind, op)
				return false
			}
			if target != nil {
				a.errorf(a.tok.Pos, "%s references more than one label", op)
				return false
			}
			slot = len(operands)
			target = a.reference(a.tok.Literal, a.tok.Pos)
			operands = append(operands, vm.Operand{})
			a.next()
			continue
		}

		o, ok := a.operand(kind)
		if !ok {
			return false
		}
		operands = append(operands, o)
		a.next()
	}

	if len(operands) != len(kinds) {
		a.errorf(mnemonic.Pos, "%s takes %d operand(s), got %d", op, len(kinds), len(operands))
		return false
	}

	a.b.SetPosition(mnemonic.Pos.Line, mnemonic.Pos.Column)
	if target != nil {
		a.b.EmitLabel(op, operands, slot, target.target)
	} else {
		a.b.Emit(op, operands...)
	}
	return true
}

// operand converts the current token to an operand of the given kind.
func (a *assembler) operand(kind vm.OperandKind) (vm.Operand, bool) {
	tok := a.tok
	switch kind {
	case vm.OperandInt32, vm.OperandInt64:
		var n int64
		switch {
		case tok.Type == TokenInteger:
			v, err := parseInt(tok.Literal)
			if err != nil {
				a.errorf(tok.Pos, "invalid integer %s", tok.Literal)
				return vm.Operand{}, false
			}
			n = v
		case tok.Type == TokenIdent && tok.Literal == "true":
			n = 1
		case tok.Type == TokenIdent && tok.Literal == "false":
			n = 0
		default:
			a.tokenError(tok, "expected %s operand, got %s", kind, tok)
			return vm.Operand{}, false
		}
		if kind == vm.OperandInt64 {
			return vm.Int64Operand(n), true
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			a.errorf(tok.Pos, "%d overflows an i32 operand", n)
			return vm.Operand{}, false
		}
		return vm.Int32Operand(int32(n)), true

	case vm.OperandFloat32, vm.OperandFloat64:
		if tok.Type != TokenFloat && tok.Type != TokenInteger && tok.Type != TokenIdent {
			a.tokenError(tok, "expected %s operand, got %s", kind, tok)
			return vm.Operand{}, false
		}
		f, err := strconv.ParseFloat(tok.Literal, 64)
		if err != nil && tok.Type == TokenInteger {
			var n int64
			n, err = parseInt(tok.Literal)
			f = float64(n)
		}
		if err != nil {
			a.errorf(tok.Pos, "invalid float %s", tok.Literal)
			return vm.Operand{}, false
		}
		if kind == vm.OperandFloat32 {
			return vm.Float32Operand(float32(f)), true
		}
		return vm.Float64Operand(f), true

	case vm.OperandString:
		if tok.Type != TokenString {
			a.tokenError(tok, "expected string operand, got %s", tok)
			return vm.Operand{}, false
		}
		return a.b.String(tok.Literal), true

	case vm.OperandBytes:
		if tok.Type != TokenBytes && tok.Type != TokenString {
			a.tokenError(tok, "expected bytes operand, got %s", tok)
			return vm.Operand{}, false
		}
		return a.b.Bytes([]byte(tok.Literal)), true
	}
	a.errorf(tok.Pos, "unsupported operand kind %s", kind)
	return vm.Operand{}, false
}

func parseInt(lit string) (int64, error) {
	digits := strings.TrimLeft(lit, "+-")
	if strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X") {
		return strconv.ParseInt(lit, 0, 64)
	}
	return strconv.ParseInt(lit, 10, 64)
}

// ---------------------------------------------------------------------------
// Labels
// ---------------------------------------------------------------------------

func (a *assembler) label(name string) *label {
	l, ok := a.labels[name]
	if !ok {
		l = &label{target: a.b.NewLabel(name)}
		a.labels[name] = l
	}
	return l
}

func (a *assembler) define(name string, pos Position) {
	l := a.label(name)
	if l.defined {
		a.errorf(pos, "label %s already defined at line %d", name, l.def.Line)
		return
	}
	l.defined = true
	l.def = pos
	if err := a.b.Mark(l.target); err != nil {
		a.errorf(pos, "%v", err)
	}
}

func (a *assembler) reference(name string, pos Position) *label {
	l := a.label(name)
	if !l.referenced {
		l.referenced = true
		l.ref = pos
	}
	return l
}

func (a *assembler) checkLabels() {
	for name, l := range a.labels {
		if !l.defined {
			a.errorf(l.ref, "undefined label %s", name)
		}
	}
}

// ---------------------------------------------------------------------------
// Editor support
// ---------------------------------------------------------------------------

// Tokens lexes src completely, excluding the final EOF.
func Tokens(src string) []Token {
	lex := NewLexer(src)
	var toks []Token
	for {
		tok := lex.NextToken()
		if tok.Type == TokenEOF {
			return toks
		}
		toks = append(toks, tok)
	}
}

// WordAt returns the identifier, directive or label token covering the
// 1-based line and column.
func WordAt(src string, line, column int) (Token, bool) {
	for _, tok := range Tokens(src) {
		if tok.Pos.Line != line {
			if tok.Pos.Line > line {
				break
			}
			continue
		}
		var width int
		switch tok.Type {
		case TokenIdent, TokenDirective:
			width = len(tok.Literal)
		case TokenLabelDef, TokenLabelRef:
			width = len(tok.Literal) + 1
		default:
			continue
		}
		if column >= tok.Pos.Column && column < tok.Pos.Column+width {
			return tok, true
		}
	}
	return Token{}, false
}

// Definitions maps every label and function name in src to the position
// where it is defined.
func Definitions(src string) map[string]Position {
	defs := make(map[string]Position)
	toks := Tokens(src)
	for i, tok := range toks {
		switch {
		case tok.Type == TokenLabelDef:
			if _, dup := defs[tok.Literal]; !dup {
				defs[tok.Literal] = tok.Pos
			}
		case tok.Type == TokenDirective && tok.Literal == ".func" && i+1 < len(toks):
			name := toks[i+1]
			if name.Type == TokenIdent || name.Type == TokenString {
				if _, dup := defs[name.Literal]; !dup {
					defs[name.Literal] = name.Pos
				}
			}
		}
	}
	return defs
}
