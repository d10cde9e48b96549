package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the whole unit: one
// section per function with its flags, catch table and instructions.
func (u *Unit) Disassemble() string {
	var sb strings.Builder

	if len(u.consts) > 0 {
		sb.WriteString("; Constants:\n")
		for i, c := range u.consts {
			display := valueString(nil, c)
			if len(display) > 40 {
				display = display[:37] + "..."
			}
			display = strings.ReplaceAll(display, "\n", "\\n")
			display = strings.ReplaceAll(display, "\t", "\\t")
			fmt.Fprintf(&sb, ";   [%3d] %s\n", i, display)
		}
		sb.WriteString("\n")
	}

	for i := range u.funcs {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(u.DisassembleFunction(u.funcs[i].Name))
	}
	return sb.String()
}

// DisassembleFunction returns the listing of a single function, or an
// error comment when the name is unknown.
func (u *Unit) DisassembleFunction(name string) string {
	fn, ok := u.Function(name)
	if !ok {
		return fmt.Sprintf("; no function %q\n", name)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "; === %s ===\n", fn.Name)
	fmt.Fprintf(&sb, "; arity=%d locals=%d", fn.Arity, fn.Locals)
	if fn.Async {
		sb.WriteString(" [ASYNC]")
	}
	if fn.Generator {
		sb.WriteString(" [GENERATOR]")
	}
	sb.WriteString("\n")

	if len(fn.Catches) > 0 {
		sb.WriteString("; Catches:\n")
		for i, c := range fn.Catches {
			fmt.Fprintf(&sb, ";   [%3d] [%04X,%04X) -> %04X depth=%d\n",
				i, c.From, c.To, c.Handler, c.StackDepth)
		}
	}

	offset := fn.Offset
	for offset < fn.End {
		line, width := u.disassembleInstruction(offset)
		if srcLine := u.LineForOffset(offset); srcLine > 0 {
			fmt.Fprintf(&sb, "%04X  %-30s ; line %d\n", offset, line, srcLine)
		} else {
			fmt.Fprintf(&sb, "%04X  %s\n", offset, line)
		}
		offset += width
	}
	return sb.String()
}

// DisassembleInstruction returns a single instruction's rendering.
func (u *Unit) DisassembleInstruction(offset int) string {
	line, _ := u.disassembleInstruction(offset)
	return line
}

// disassembleInstruction renders the instruction at offset and reports its
// width in bytes.
func (u *Unit) disassembleInstruction(offset int) (string, int) {
	if offset >= len(u.code) {
		return "<end of code>", 0
	}

	op := Opcode(u.code[offset])
	info := op.Info()
	width := info.Width()

	switch op {
	case OpSmallInt:
		return fmt.Sprintf("SMALL_INT %d", int8(u.code[offset+1])), width

	case OpConst:
		idx := u.readU16At(offset + 1)
		note := ""
		if int(idx) < len(u.consts) {
			note = " ; " + truncated(valueString(nil, u.consts[idx]), 20)
		}
		return fmt.Sprintf("CONST %d%s", idx, note), width

	case OpLoadLocal:
		return fmt.Sprintf("LOAD_LOCAL %d", u.code[offset+1]), width
	case OpStoreLocal:
		return fmt.Sprintf("STORE_LOCAL %d", u.code[offset+1]), width

	case OpJump, OpJumpIf, OpJumpIfNot, OpIterNext:
		delta := int16(u.readU16At(offset + 1))
		target := offset + width + int(delta)
		return fmt.Sprintf("%s %+d (-> %04X)", info.Name, delta, target), width

	case OpCall:
		idx := u.readU16At(offset + 1)
		argc := u.code[offset+3]
		name := ""
		if int(idx) < len(u.funcs) {
			name = " (" + u.funcs[idx].Name + ")"
		}
		return fmt.Sprintf("CALL %d%s argc=%d", idx, name, argc), width

	case OpCallNative:
		hash := binary.LittleEndian.Uint32(u.code[offset+1:])
		argc := u.code[offset+5]
		return fmt.Sprintf("CALL_NATIVE %#08x argc=%d", hash, argc), width

	case OpCallValue:
		return fmt.Sprintf("CALL_VALUE argc=%d", u.code[offset+1]), width

	case OpClosure:
		idx := u.readU16At(offset + 1)
		ncaps := u.code[offset+3]
		name := ""
		if int(idx) < len(u.funcs) {
			name = " (" + u.funcs[idx].Name + ")"
		}
		return fmt.Sprintf("CLOSURE %d%s captures=%d", idx, name, ncaps), width

	case OpVec, OpMap:
		return fmt.Sprintf("%s %d", info.Name, u.readU16At(offset+1)), width
	case OpTuple:
		return fmt.Sprintf("TUPLE %d", u.code[offset+1]), width
	case OpRange:
		if u.code[offset+1] != 0 {
			return "RANGE inclusive", width
		}
		return "RANGE exclusive", width

	default:
		if len(info.Operands) == 0 {
			return info.Name, width
		}
		operands := make([]string, 0, width-1)
		for i := 1; i < width && offset+i < len(u.code); i++ {
			operands = append(operands, fmt.Sprintf("0x%02X", u.code[offset+i]))
		}
		return info.Name + " " + strings.Join(operands, " "), width
	}
}

func (u *Unit) readU16At(offset int) uint16 {
	if offset+1 >= len(u.code) {
		return 0
	}
	return binary.LittleEndian.Uint16(u.code[offset:])
}

func truncated(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
