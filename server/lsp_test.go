package server

import (
	"strings"
	"testing"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

const lspSrc = `.func __main__
    JUMP @done
    LOAD_INT64 1
done:
    RETURN
`

// ---------------------------------------------------------------------------
// LSP text extraction helpers
// ---------------------------------------------------------------------------

func TestExtractPrefix(t *testing.T) {
	tests := []struct {
		text string
		line uint32
		char uint32
		want string
	}{
		{"    LOAD_I", 0, 10, "LOAD_I"},
		{"RET", 0, 3, "RET"},
		{"", 0, 0, ""},
		{"first\nsecond\n    ADD", 2, 7, "ADD"},
		{"    JUMP @do", 0, 12, "@do"},
		{".fu", 0, 3, ".fu"},
		{"    LOAD_INT64 ", 0, 15, ""},
		{"    POP", 0, 99, "POP"},
		{"x", 5, 0, ""},
	}
	for _, tt := range tests {
		pos := protocol.Position{Line: tt.line, Character: tt.char}
		if got := extractPrefix(tt.text, pos); got != tt.want {
			t.Errorf("extractPrefix(%q, %d:%d) = %q, want %q", tt.text, tt.line, tt.char, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Completion
// ---------------------------------------------------------------------------

func completionLabels(items []protocol.CompletionItem) []string {
	labels := make([]string, len(items))
	for i, item := range items {
		labels[i] = item.Label
	}
	return labels
}

func TestCompleteMnemonics(t *testing.T) {
	s := NewLSP("test")
	items := s.complete(lspSrc, "load_int")

	labels := completionLabels(items)
	if len(labels) != 2 {
		t.Fatalf("complete(load_int) = %v, want LOAD_INT32 and LOAD_INT64", labels)
	}
	for _, item := range items {
		want := "i32"
		if item.Label == "LOAD_INT64" {
			want = "i64"
		}
		if item.Detail == nil || *item.Detail != want {
			t.Errorf("%s detail = %v, want %q", item.Label, item.Detail, want)
		}
	}
}

func TestCompleteNoOperandDetail(t *testing.T) {
	s := NewLSP("test")
	items := s.complete(lspSrc, "RETU")
	if len(items) != 1 || items[0].Label != "RETURN" {
		t.Fatalf("complete(RETU) = %v, want [RETURN]", completionLabels(items))
	}
	if *items[0].Detail != "no operands" {
		t.Errorf("detail = %q, want %q", *items[0].Detail, "no operands")
	}
}

func TestCompleteDirectives(t *testing.T) {
	s := NewLSP("test")
	labels := completionLabels(s.complete(lspSrc, ".f"))
	if len(labels) != 1 || labels[0] != ".func" {
		t.Errorf("complete(.f) = %v, want [.func]", labels)
	}
	if labels := completionLabels(s.complete(lspSrc, ".x")); len(labels) != 0 {
		t.Errorf("complete(.x) = %v, want none", labels)
	}
}

func TestCompleteLabels(t *testing.T) {
	s := NewLSP("test")
	items := s.complete(lspSrc, "@")
	labels := completionLabels(items)
	if len(labels) != 2 || labels[0] != "@__main__" || labels[1] != "@done" {
		t.Fatalf("complete(@) = %v, want [@__main__ @done]", labels)
	}
	if *items[1].Detail != "label (line 4)" {
		t.Errorf("detail = %q, want %q", *items[1].Detail, "label (line 4)")
	}
}

// ---------------------------------------------------------------------------
// Hover and definition
// ---------------------------------------------------------------------------

func TestHover(t *testing.T) {
	s := NewLSP("test")
	tests := []struct {
		name string
		pos  protocol.Position
		want []string
	}{
		{"opcode", protocol.Position{Line: 1, Character: 5}, []string{"**JUMP** `i64`", "Stack effect: +0"}},
		{"variable effect", protocol.Position{Line: 4, Character: 4}, []string{"**RETURN**", "Stack effect: variable"}},
		{"directive", protocol.Position{Line: 0, Character: 2}, []string{"**.func**"}},
		{"label ref", protocol.Position{Line: 1, Character: 11}, []string{"**done** defined at line 4"}},
		{"label def", protocol.Position{Line: 3, Character: 0}, []string{"**done** defined at line 4"}},
		{"function name", protocol.Position{Line: 0, Character: 8}, []string{"**__main__** defined at line 1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := s.hover(lspSrc, tt.pos)
			if h == nil {
				t.Fatal("hover = nil")
			}
			value := h.Contents.(protocol.MarkupContent).Value
			for _, w := range tt.want {
				if !strings.Contains(value, w) {
					t.Errorf("hover = %q, want it to contain %q", value, w)
				}
			}
		})
	}
}

func TestHoverNothing(t *testing.T) {
	s := NewLSP("test")
	for _, pos := range []protocol.Position{
		{Line: 2, Character: 15}, // integer operand
		{Line: 2, Character: 0},  // indentation
		{Line: 9, Character: 0},  // past the end
	} {
		if h := s.hover(lspSrc, pos); h != nil {
			t.Errorf("hover(%d:%d) = %v, want nil", pos.Line, pos.Character, h.Contents)
		}
	}
}

func TestDefinition(t *testing.T) {
	s := NewLSP("test")
	uri := protocol.DocumentUri("file:///main.xasm")

	loc := s.definition(uri, lspSrc, protocol.Position{Line: 1, Character: 10})
	if loc == nil {
		t.Fatal("definition(@done) = nil")
	}
	if loc.URI != uri {
		t.Errorf("URI = %q, want %q", loc.URI, uri)
	}
	want := protocol.Range{
		Start: protocol.Position{Line: 3, Character: 0},
		End:   protocol.Position{Line: 3, Character: 4},
	}
	if loc.Range != want {
		t.Errorf("range = %+v, want %+v", loc.Range, want)
	}

	if loc := s.definition(uri, lspSrc, protocol.Position{Line: 0, Character: 1}); loc != nil {
		t.Errorf("definition(.func) = %+v, want nil", loc)
	}
	if loc := s.definition(uri, lspSrc, protocol.Position{Line: 4, Character: 5}); loc != nil {
		t.Errorf("definition(RETURN) = %+v, want nil", loc)
	}
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

func TestDiagnosticsClean(t *testing.T) {
	s := NewLSP("test")
	if diags := s.diagnostics("file:///ok.xasm", lspSrc); len(diags) != 0 {
		t.Errorf("diagnostics = %v, want none", diags)
	}
}

func TestDiagnostics(t *testing.T) {
	s := NewLSP("test")
	src := ".func __main__\n    FROB 1\n    JUMP @nowhere\n"
	diags := s.diagnostics("file:///bad.xasm", src)
	if len(diags) != 2 {
		t.Fatalf("got %d diagnostics, want 2: %v", len(diags), diags)
	}

	tests := []struct {
		msg   string
		start protocol.Position
		end   protocol.Position
	}{
		{"unknown instruction FROB", protocol.Position{Line: 1, Character: 4}, protocol.Position{Line: 1, Character: 8}},
		{"undefined label nowhere", protocol.Position{Line: 2, Character: 9}, protocol.Position{Line: 2, Character: 17}},
	}
	for i, tt := range tests {
		d := diags[i]
		if d.Message != tt.msg {
			t.Errorf("diag %d message = %q, want %q", i, d.Message, tt.msg)
		}
		if d.Range.Start != tt.start || d.Range.End != tt.end {
			t.Errorf("diag %d range = %+v, want %+v-%+v", i, d.Range, tt.start, tt.end)
		}
		if d.Severity == nil || *d.Severity != protocol.DiagnosticSeverityError {
			t.Errorf("diag %d severity = %v, want error", i, d.Severity)
		}
	}
}

// ---------------------------------------------------------------------------
// Document tracking
// ---------------------------------------------------------------------------

func TestDocumentTracking(t *testing.T) {
	s := NewLSP("test")
	uri := protocol.DocumentUri("file:///a.xasm")

	s.mu.Lock()
	s.docs[string(uri)] = lspSrc
	s.mu.Unlock()

	text, ok := s.document(uri)
	if !ok || text != lspSrc {
		t.Errorf("document = %q, %v", text, ok)
	}
	if _, ok := s.document("file:///missing.xasm"); ok {
		t.Error("document(missing) found")
	}
}
