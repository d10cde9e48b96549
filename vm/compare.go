package vm

import (
	"bytes"
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Structural equality and ordering for built-in values
// ---------------------------------------------------------------------------

// structuralEquals compares two built-in values structurally. Host and
// user types are not handled here; the engine routes those through
// protocol dispatch.
func structuralEquals(ctx *Context, a, b Value) (bool, *Error) {
	// Int/Float mixing is the one permitted numeric coercion.
	if (a.kind == KindInt && b.kind == KindFloat) || (a.kind == KindFloat && b.kind == KindInt) {
		fa, _ := coerceFloat(a)
		fb, _ := coerceFloat(b)
		return fa == fb, nil
	}
	if a.kind != b.kind {
		return false, nil
	}
	switch a.kind {
	case KindNil:
		return true, nil
	case KindBool, KindChar, KindByte, KindInt:
		return a.num == b.num, nil
	case KindFloat:
		return a.AsFloat() == b.AsFloat(), nil
	case KindString:
		return a.obj.str == b.obj.str, nil
	case KindBytes:
		return bytes.Equal(a.obj.bytes, b.obj.bytes), nil
	case KindVec, KindTuple:
		if a.obj == b.obj {
			return true, nil
		}
		ea, eb := a.obj.elems, b.obj.elems
		if len(ea) != len(eb) {
			return false, nil
		}
		for i := range ea {
			eq, err := structuralEquals(ctx, ea[i], eb[i])
			if err != nil {
				return false, err
			}
			if !eq {
				return false, nil
			}
		}
		return true, nil
	case KindMap:
		if a.obj == b.obj {
			return true, nil
		}
		if len(a.obj.entries) != len(b.obj.entries) {
			return false, nil
		}
		for k, ent := range a.obj.entries {
			other, ok := b.obj.entries[k]
			if !ok {
				return false, nil
			}
			eq, err := structuralEquals(ctx, ent.val, other.val)
			if err != nil {
				return false, err
			}
			if !eq {
				return false, nil
			}
		}
		return true, nil
	case KindRange:
		return a.obj.rng == b.obj.rng, nil
	case KindEnum:
		if a.obj.enum.typeID != b.obj.enum.typeID || a.obj.enum.variant != b.obj.enum.variant {
			return false, nil
		}
		fa, fb := a.obj.enum.fields, b.obj.enum.fields
		if len(fa) != len(fb) {
			return false, nil
		}
		for i := range fa {
			eq, err := structuralEquals(ctx, fa[i], fb[i])
			if err != nil {
				return false, err
			}
			if !eq {
				return false, nil
			}
		}
		return true, nil
	default:
		// Reference identity for functions, futures, generators, structs,
		// host objects unless a protocol says otherwise.
		if fn, ok := resolveProtocol(ctx, a.TypeID(), ProtocolEq); ok {
			out, err := fn(a, []Value{b})
			if err != nil {
				return false, asRuntimeError("Eq", err)
			}
			eq := out.Truthy()
			out.Drop()
			return eq, nil
		}
		return a.obj == b.obj, nil
	}
}

// structuralCompare orders two built-in values. Returns -1, 0 or 1.
// Operands of incomparable kinds produce TypeMismatch, as does a NaN
// operand: NaN is unordered under IEEE 754, and no -1/0/1 answer would
// make all four ordering operators come out false.
func structuralCompare(ctx *Context, a, b Value) (int, *Error) {
	if (a.kind == KindInt && b.kind == KindFloat) || (a.kind == KindFloat && b.kind == KindInt) {
		fa, _ := coerceFloat(a)
		fb, _ := coerceFloat(b)
		return cmpFloat(fa, fb)
	}
	if a.kind != b.kind {
		return 0, errTypeMismatch("cannot order %s against %s", a.kind, b.kind)
	}
	switch a.kind {
	case KindInt:
		return cmpInt(a.AsInt(), b.AsInt()), nil
	case KindFloat:
		return cmpFloat(a.AsFloat(), b.AsFloat())
	case KindByte:
		return cmpInt(int64(a.AsByte()), int64(b.AsByte())), nil
	case KindChar:
		return cmpInt(int64(a.AsChar()), int64(b.AsChar())), nil
	case KindBool:
		return cmpInt(int64(a.num), int64(b.num)), nil
	case KindString:
		return strings.Compare(a.obj.str, b.obj.str), nil
	case KindBytes:
		return bytes.Compare(a.obj.bytes, b.obj.bytes), nil
	case KindVec, KindTuple:
		ea, eb := a.obj.elems, b.obj.elems
		n := len(ea)
		if len(eb) < n {
			n = len(eb)
		}
		for i := 0; i < n; i++ {
			c, err := structuralCompare(ctx, ea[i], eb[i])
			if err != nil {
				return 0, err
			}
			if c != 0 {
				return c, nil
			}
		}
		return cmpInt(int64(len(ea)), int64(len(eb))), nil
	default:
		if fn, ok := resolveProtocol(ctx, a.TypeID(), ProtocolCmp); ok {
			out, err := fn(a, []Value{b})
			if err != nil {
				return 0, asRuntimeError("Cmp", err)
			}
			c := int(out.AsInt())
			out.Drop()
			return c, nil
		}
		return 0, errUnsupported(a.TypeID(), ProtocolCmp)
	}
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat(a, b float64) (int, *Error) {
	if math.IsNaN(a) || math.IsNaN(b) {
		return 0, errTypeMismatch("cannot order NaN")
	}
	switch {
	case a < b:
		return -1, nil
	case a > b:
		return 1, nil
	default:
		return 0, nil
	}
}

// ---------------------------------------------------------------------------
// Display rendering
// ---------------------------------------------------------------------------

// valueString renders a value for IntoString and diagnostics. Host types
// without an IntoString protocol render as their type name.
func valueString(ctx *Context, v Value) string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		return fmt.Sprintf("%t", v.AsBool())
	case KindChar:
		return string(v.AsChar())
	case KindByte:
		return fmt.Sprintf("%d", v.AsByte())
	case KindInt:
		return fmt.Sprintf("%d", v.AsInt())
	case KindFloat:
		return fmt.Sprintf("%g", v.AsFloat())
	case KindString:
		return v.obj.str
	case KindBytes:
		return fmt.Sprintf("Bytes(%d)", len(v.obj.bytes))
	case KindVec:
		return renderSeq(ctx, "[", "]", v.obj.elems)
	case KindTuple:
		return renderSeq(ctx, "(", ")", v.obj.elems)
	case KindMap:
		var b strings.Builder
		b.WriteString("{")
		first := true
		for _, ent := range v.obj.entries {
			if !first {
				b.WriteString(", ")
			}
			first = false
			b.WriteString(formatKey(ent.key))
			b.WriteString(": ")
			b.WriteString(valueString(ctx, ent.val))
		}
		b.WriteString("}")
		return b.String()
	case KindRange:
		op := ".."
		if v.obj.rng.inclusive {
			op = "..="
		}
		return fmt.Sprintf("%d%s%d", v.obj.rng.start, op, v.obj.rng.end)
	case KindFunction:
		return "fn " + v.obj.fn.name
	case KindStruct:
		return v.obj.strct.name
	case KindEnum:
		return v.obj.enum.name + "::" + v.obj.enum.variant
	default:
		if fn, ok := resolveProtocol(ctx, v.TypeID(), ProtocolIntoString); ok {
			out, err := fn(v, nil)
			if err == nil && out.kind == KindString {
				s := out.AsString()
				out.Drop()
				return s
			}
		}
		return v.TypeID().String()
	}
}

func renderSeq(ctx *Context, open, close string, elems []Value) string {
	var b strings.Builder
	b.WriteString(open)
	for i, e := range elems {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(valueString(ctx, e))
	}
	b.WriteString(close)
	return b.String()
}

// ---------------------------------------------------------------------------
// Error values (what a catch boundary receives)
// ---------------------------------------------------------------------------

// ErrorValue boxes a runtime error so catch handlers can inspect it as a
// first-class value.
func ErrorValue(e *Error) Value {
	return Any("Error", e)
}

// AsError unboxes an error value previously produced by ErrorValue.
func AsError(v Value) (*Error, bool) {
	if v.kind != KindAny || v.obj.any.typeID != TypeError {
		return nil, false
	}
	e, ok := v.obj.any.value.(*Error)
	return e, ok
}
