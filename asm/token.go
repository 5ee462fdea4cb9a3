package asm

import "fmt"

// ---------------------------------------------------------------------------
// Token types for the assembler lexer
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenError
	TokenNewline

	TokenInteger   // 42, -7, 0x1f
	TokenFloat     // 3.14, 1e-3
	TokenString    // "hello\n"
	TokenBytes     // x"deadbeef"
	TokenIdent     // LOAD_INT64, true
	TokenLabelDef  // loop:
	TokenLabelRef  // @loop
	TokenDirective // .func
	TokenComma     // ,
)

var tokenNames = map[TokenType]string{
	TokenEOF:       "EOF",
	TokenError:     "ERROR",
	TokenNewline:   "NEWLINE",
	TokenInteger:   "INTEGER",
	TokenFloat:     "FLOAT",
	TokenString:    "STRING",
	TokenBytes:     "BYTES",
	TokenIdent:     "IDENT",
	TokenLabelDef:  "LABEL",
	TokenLabelRef:  "LABEL_REF",
	TokenDirective: "DIRECTIVE",
	TokenComma:     "COMMA",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TokenType(%d)", t)
}

// Position is a location in assembler source.
type Position struct {
	Offset int // byte offset
	Line   int // 1-based line number
	Column int // 1-based column number
}

// Token is a single lexical token.
type Token struct {
	Type    TokenType
	Literal string // decoded text; the label name without ':' or '@'
	Pos     Position
}

func (t Token) String() string {
	switch t.Type {
	case TokenEOF:
		return "EOF"
	case TokenNewline:
		return "end of line"
	}
	return fmt.Sprintf("%s(%q)", t.Type, t.Literal)
}
