package vm

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Disassemble renders a package as annotated text, one instruction per line.
func Disassemble(p *Package) string {
	var b strings.Builder

	entries := make(map[int][]string)
	for name, ip := range p.Functions {
		entries[ip] = append(entries[ip], name)
	}
	for _, names := range entries {
		sort.Strings(names)
	}

	for ip := 0; ip < len(p.Code); {
		for _, name := range entries[ip] {
			fmt.Fprintf(&b, ".func %s\n", name)
		}
		ins, err := Decode(p.Code, ip)
		if err != nil {
			fmt.Fprintf(&b, "%04d  <%v>\n", ip, err)
			break
		}
		fmt.Fprintf(&b, "%04d  %s", ip, ins.Op)
		for i, o := range ins.Operands {
			if o.Kind == OperandNone {
				continue
			}
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(" ")
			b.WriteString(formatOperand(p, o))
		}
		if relativeTarget(ins.Op) && ins.Operands[0].Kind != OperandNone {
			fmt.Fprintf(&b, "  ; -> %04d", ins.Next+int(ins.Operands[0].Int()))
		}
		if d, ok := p.Debug[ip]; ok {
			fmt.Fprintf(&b, "  ; line %d", d.Line)
		}
		b.WriteString("\n")
		ip = ins.Next
	}
	return b.String()
}

func formatOperand(p *Package, o Operand) string {
	switch o.Kind {
	case OperandInt32, OperandInt64:
		return strconv.FormatInt(o.Int(), 10)
	case OperandFloat32, OperandFloat64:
		return formatFloat(o.Float())
	case OperandString:
		if o.Index() < len(p.Strings) {
			return strconv.Quote(p.Strings[o.Index()])
		}
	case OperandBytes:
		if o.Index() < len(p.Bytes) {
			return `x"` + hex.EncodeToString(p.Bytes[o.Index()]) + `"`
		}
	}
	return fmt.Sprintf("<%s %d>", o.Kind, o.Index())
}
