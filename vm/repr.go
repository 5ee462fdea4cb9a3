package vm

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/xlang/gc"
)

// Repr renders r for diagnostics. Strings are quoted.
func Repr(h *gc.Heap, r gc.Ref) string {
	var b strings.Builder
	p := printer{h: h, seen: make(map[gc.Ref]bool)}
	p.write(&b, r)
	return b.String()
}

// ToString renders r the way print shows it: top-level strings unquoted.
func ToString(h *gc.Heap, r gc.Ref) string {
	if s, ok := As[*String](h, r); ok && len(s.Aliases()) == 0 {
		return s.Value
	}
	return Repr(h, r)
}

type printer struct {
	h    *gc.Heap
	seen map[gc.Ref]bool
}

func (p *printer) write(b *strings.Builder, r gc.Ref) {
	if p.seen[r] {
		b.WriteString("<Cycled>")
		return
	}
	obj := Get(p.h, r)
	if aliases := obj.Aliases(); len(aliases) > 0 {
		for i := len(aliases) - 1; i >= 0; i-- {
			b.WriteString(aliases[i])
			b.WriteString("::")
		}
	}

	switch o := obj.(type) {
	case *Null:
		b.WriteString("null")
	case *Bool:
		b.WriteString(strconv.FormatBool(o.Value))
	case *Int:
		b.WriteString(strconv.FormatInt(o.Value, 10))
	case *Float:
		b.WriteString(formatFloat(o.Value))
	case *String:
		b.WriteString(quoteString(o.Value))
	case *Bytes:
		b.WriteString(`$"`)
		b.WriteString(base64.StdEncoding.EncodeToString(o.Value))
		b.WriteString(`"`)
	case *Range:
		fmt.Fprintf(b, "%d..%d", o.Start, o.End)
	case *Instructions:
		b.WriteString("VMInstructions")
	case *Foreign:
		fmt.Fprintf(b, "Foreign(%s)", o.Path)
	default:
		p.seen[r] = true
		p.writeComposite(b, obj)
		delete(p.seen, r)
	}
}

func (p *printer) writeComposite(b *strings.Builder, obj Object) {
	switch o := obj.(type) {
	case *Tuple:
		b.WriteByte('(')
		for i, v := range o.Values {
			if i > 0 {
				b.WriteString(", ")
			}
			p.write(b, v)
		}
		if len(o.Values) == 1 {
			b.WriteByte(',')
		}
		b.WriteByte(')')
	case *KeyVal:
		p.write(b, o.Key)
		b.WriteString(": ")
		p.write(b, o.Value)
	case *Named:
		p.write(b, o.Key)
		b.WriteString(" => ")
		p.write(b, o.Value)
	case *Wrapper:
		b.WriteString("wrap(")
		p.write(b, o.Target)
		b.WriteByte(')')
	case *Lambda:
		b.WriteString(o.Signature)
		b.WriteString("::")
		p.write(b, o.Defaults)
		b.WriteString(" -> ")
		p.write(b, o.Result)
	case *Set:
		b.WriteByte('{')
		p.write(b, o.Collection)
		b.WriteString(" | ")
		p.write(b, o.Filter)
		b.WriteByte('}')
	default:
		fmt.Fprintf(b, "<%T>", obj)
	}
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEnI") {
		s += ".0"
	}
	return s
}

func quoteString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, c := range s {
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(&b, `\u%04x`, c)
			} else {
				b.WriteRune(c)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}
