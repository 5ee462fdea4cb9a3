package asm

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Lexer: line-oriented tokenizer for .xasm source
// ---------------------------------------------------------------------------

// Lexer tokenizes assembler source. Newlines are significant; ';' starts a
// comment that runs to the end of the line.
type Lexer struct {
	input     string
	pos       int  // current position in input
	readPos   int  // reading position (after current char)
	ch        rune // current character
	line      int  // current line (1-based)
	lineStart int  // offset of current line start
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input, line: 1}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
		l.lineStart = l.readPos
	}
	if l.readPos >= len(l.input) {
		l.ch = 0
		l.pos = l.readPos
		return
	}
	r, size := utf8.DecodeRuneInString(l.input[l.readPos:])
	l.ch = r
	l.pos = l.readPos
	l.readPos += size
}

func (l *Lexer) peekChar() rune {
	if l.readPos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.readPos:])
	return r
}

func (l *Lexer) position() Position {
	return Position{Offset: l.pos, Line: l.line, Column: l.pos - l.lineStart + 1}
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	l.skipBlanksAndComments()
	pos := l.position()

	switch {
	case l.ch == 0:
		return Token{Type: TokenEOF, Pos: pos}
	case l.ch == '\n':
		l.readChar()
		return Token{Type: TokenNewline, Literal: "\n", Pos: pos}
	case l.ch == ',':
		l.readChar()
		return Token{Type: TokenComma, Literal: ",", Pos: pos}
	case l.ch == '"':
		return l.readString(pos)
	case l.ch == 'x' && l.peekChar() == '"':
		l.readChar()
		return l.readBytes(pos)
	case l.ch == '@':
		l.readChar()
		name := l.readName()
		if name == "" {
			return Token{Type: TokenError, Literal: "expected label name after '@'", Pos: pos}
		}
		return Token{Type: TokenLabelRef, Literal: name, Pos: pos}
	case l.ch == '.' && isLetter(l.peekChar()):
		l.readChar()
		return Token{Type: TokenDirective, Literal: "." + l.readName(), Pos: pos}
	case isDigit(l.ch), (l.ch == '-' || l.ch == '+') && (isDigit(l.peekChar()) || l.peekChar() == '.'):
		return l.readNumber(pos)
	case (l.ch == '-' || l.ch == '+') && l.peekChar() == 'I':
		// signed infinity as printed by the disassembler
		sign := string(l.ch)
		l.readChar()
		return Token{Type: TokenFloat, Literal: sign + l.readName(), Pos: pos}
	case isLetter(l.ch):
		name := l.readName()
		if l.ch == ':' {
			l.readChar()
			return Token{Type: TokenLabelDef, Literal: name, Pos: pos}
		}
		return Token{Type: TokenIdent, Literal: name, Pos: pos}
	}
	ch := l.ch
	l.readChar()
	return Token{Type: TokenError, Literal: fmt.Sprintf("unexpected character %q", ch), Pos: pos}
}

func (l *Lexer) skipBlanksAndComments() {
	for {
		for l.ch == ' ' || l.ch == '\t' || l.ch == '\r' {
			l.readChar()
		}
		if l.ch != ';' {
			return
		}
		for l.ch != '\n' && l.ch != 0 {
			l.readChar()
		}
	}
}

func (l *Lexer) readName() string {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) {
		l.readChar()
	}
	return l.input[start:l.pos]
}

// readQuoted consumes a double-quoted literal and returns it with quotes.
func (l *Lexer) readQuoted() (string, bool) {
	start := l.pos
	l.readChar() // opening "
	for l.ch != '"' {
		if l.ch == 0 || l.ch == '\n' {
			return "", false
		}
		if l.ch == '\\' {
			l.readChar()
			if l.ch == 0 || l.ch == '\n' {
				return "", false
			}
		}
		l.readChar()
	}
	l.readChar() // closing "
	return l.input[start:l.pos], true
}

func (l *Lexer) readString(pos Position) Token {
	raw, ok := l.readQuoted()
	if !ok {
		return Token{Type: TokenError, Literal: "unterminated string", Pos: pos}
	}
	s, err := strconv.Unquote(raw)
	if err != nil {
		return Token{Type: TokenError, Literal: fmt.Sprintf("invalid string %s", raw), Pos: pos}
	}
	return Token{Type: TokenString, Literal: s, Pos: pos}
}

func (l *Lexer) readBytes(pos Position) Token {
	raw, ok := l.readQuoted()
	if !ok {
		return Token{Type: TokenError, Literal: "unterminated bytes literal", Pos: pos}
	}
	b, err := hex.DecodeString(raw[1 : len(raw)-1])
	if err != nil {
		return Token{Type: TokenError, Literal: fmt.Sprintf("invalid hex in bytes literal: %v", err), Pos: pos}
	}
	return Token{Type: TokenBytes, Literal: string(b), Pos: pos}
}

func (l *Lexer) readNumber(pos Position) Token {
	start := l.pos
	if l.ch == '-' || l.ch == '+' {
		l.readChar()
	}
	isFloat := false
	if l.ch == '0' && (l.peekChar() == 'x' || l.peekChar() == 'X') {
		l.readChar()
		l.readChar()
		for isHexDigit(l.ch) {
			l.readChar()
		}
		return Token{Type: TokenInteger, Literal: l.input[start:l.pos], Pos: pos}
	}
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' {
		isFloat = true
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if l.ch == 'e' || l.ch == 'E' {
		isFloat = true
		l.readChar()
		if l.ch == '+' || l.ch == '-' {
			l.readChar()
		}
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if isFloat {
		return Token{Type: TokenFloat, Literal: l.input[start:l.pos], Pos: pos}
	}
	return Token{Type: TokenInteger, Literal: l.input[start:l.pos], Pos: pos}
}

func isLetter(ch rune) bool { return ch == '_' || unicode.IsLetter(ch) }

func isDigit(ch rune) bool { return ch >= '0' && ch <= '9' }

func isHexDigit(ch rune) bool {
	return isDigit(ch) || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')
}
