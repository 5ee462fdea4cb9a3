package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/xlang/asm"
	"github.com/chazu/xlang/vm"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "xlang-lsp"

// LspServer provides editor features for .xasm files.
type LspServer struct {
	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
	log     commonlog.Logger
}

// NewLSP creates a new LSP server.
func NewLSP(version string) *LspServer {
	s := &LspServer{
		docs:    make(map[string]string),
		version: version,
		log:     commonlog.GetLogger("xlang.lsp"),
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	s.log.Info("initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{".", "@"},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			s.mu.Unlock()

			s.publishDiagnostics(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}
	return s.complete(text, prefix), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	return s.hover(text, params.Position), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	loc := s.definition(uri, text, params.Position)
	if loc == nil {
		return nil, nil
	}
	return []protocol.Location{*loc}, nil
}

func (s *LspServer) complete(text, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	add := func(label, detail string, kind protocol.CompletionItemKind) {
		insert := label
		items = append(items, protocol.CompletionItem{
			Label:      label,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &insert,
		})
	}

	switch {
	case strings.HasPrefix(prefix, "."):
		for _, d := range asm.Directives {
			if strings.HasPrefix(d, prefix) {
				add(d, "directive", protocol.CompletionItemKindKeyword)
			}
		}
	case strings.HasPrefix(prefix, "@"):
		defs := asm.Definitions(text)
		names := make([]string, 0, len(defs))
		for name := range defs {
			if strings.HasPrefix(name, prefix[1:]) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			add("@"+name, fmt.Sprintf("label (line %d)", defs[name].Line), protocol.CompletionItemKindReference)
		}
	default:
		upper := strings.ToUpper(prefix)
		for _, m := range vm.Mnemonics() {
			if strings.HasPrefix(m, upper) {
				op, _ := vm.LookupOpcode(m)
				add(m, operandSignature(op), protocol.CompletionItemKindFunction)
			}
		}
	}

	// Limit results
	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}
	return items
}

func (s *LspServer) hover(text string, pos protocol.Position) *protocol.Hover {
	tok, ok := asm.WordAt(text, int(pos.Line)+1, int(pos.Character)+1)
	if !ok {
		return nil
	}

	var b strings.Builder
	switch tok.Type {
	case asm.TokenIdent:
		op, ok := vm.LookupOpcode(strings.ToUpper(tok.Literal))
		if !ok {
			return s.labelHover(text, tok.Literal)
		}
		info := op.Info()
		fmt.Fprintf(&b, "**%s** `%s`\n\n", info.Name, operandSignature(op))
		fmt.Fprintf(&b, "Opcode 0x%02X. Stack effect: %s", byte(op), stackEffect(info.StackEffect))
	case asm.TokenDirective:
		if tok.Literal != ".func" {
			return nil
		}
		b.WriteString("**.func** `name`\n\nRegisters a function entry at the current offset.")
	case asm.TokenLabelDef, asm.TokenLabelRef:
		return s.labelHover(text, tok.Literal)
	default:
		return nil
	}

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

func (s *LspServer) labelHover(text, name string) *protocol.Hover {
	def, ok := asm.Definitions(text)[name]
	if !ok {
		return nil
	}
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: fmt.Sprintf("**%s** defined at line %d", name, def.Line),
		},
	}
}

func (s *LspServer) definition(uri protocol.DocumentUri, text string, pos protocol.Position) *protocol.Location {
	tok, ok := asm.WordAt(text, int(pos.Line)+1, int(pos.Character)+1)
	if !ok || tok.Type == asm.TokenDirective {
		return nil
	}
	def, ok := asm.Definitions(text)[tok.Literal]
	if !ok {
		return nil
	}
	start := protocol.Position{Line: uint32(def.Line - 1), Character: uint32(def.Column - 1)}
	end := start
	end.Character += uint32(len(tok.Literal))
	return &protocol.Location{URI: uri, Range: protocol.Range{Start: start, End: end}}
}

// --- Diagnostics ---

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	diagnostics := s.diagnostics(uri, text)
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

// diagnostics assembles text and converts every error into a diagnostic.
func (s *LspServer) diagnostics(uri protocol.DocumentUri, text string) []protocol.Diagnostic {
	diagnostics := []protocol.Diagnostic{}
	_, err := asm.Assemble(string(uri), text)
	if err == nil {
		return diagnostics
	}

	severity := protocol.DiagnosticSeverityError
	source := lspName
	var list asm.ErrorList
	if !errors.As(err, &list) {
		return append(diagnostics, protocol.Diagnostic{
			Severity: &severity,
			Source:   &source,
			Message:  err.Error(),
		})
	}
	for _, e := range list {
		start := protocol.Position{Line: uint32(e.Line - 1), Character: uint32(e.Column - 1)}
		end := start
		end.Character++
		if tok, ok := asm.WordAt(text, e.Line, e.Column); ok && tok.Pos.Column == e.Column {
			end.Character = start.Character + uint32(len(tok.Literal))
			if tok.Type == asm.TokenLabelRef || tok.Type == asm.TokenLabelDef {
				end.Character++
			}
		}
		diagnostics = append(diagnostics, protocol.Diagnostic{
			Range:    protocol.Range{Start: start, End: end},
			Severity: &severity,
			Source:   &source,
			Message:  e.Msg,
		})
	}
	return diagnostics
}

// --- Text extraction helpers ---

func operandSignature(op vm.Opcode) string {
	kinds := op.Info().Operands
	if len(kinds) == 0 {
		return "no operands"
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, ", ")
}

func stackEffect(n int) string {
	if n == vm.VariableEffect {
		return "variable"
	}
	return fmt.Sprintf("%+d", n)
}

// extractPrefix returns the word fragment before the cursor for completion,
// including a leading '.' or '@'.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Walk backwards from cursor to find the start of the identifier
	start := col
	for start > 0 {
		ch := rune(line[start-1])
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' {
			start--
		} else {
			break
		}
	}
	if start > 0 && (line[start-1] == '.' || line[start-1] == '@') {
		start--
	}

	if start == col {
		return ""
	}

	return line[start:col]
}

func boolPtr(b bool) *bool {
	return &b
}
