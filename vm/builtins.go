package vm

import "hash/fnv"

// ---------------------------------------------------------------------------
// Built-in protocol implementations
// ---------------------------------------------------------------------------
//
// Every built-in type's operator behavior lives in this table. The engine
// keeps inline fast paths for Int/Int and Float/Float arithmetic; everything
// else funnels through the same (TypeID, Protocol) lookup used for
// host-registered types, so built-in and host behavior are resolved
// identically.

var builtinProtocols = map[protocolKey]ProtocolFn{}

func registerBuiltin(t TypeID, p Protocol, fn ProtocolFn) {
	builtinProtocols[protocolKey{t, p}] = fn
}

func init() {
	// Int arithmetic, checked.
	registerBuiltin(TypeInt, ProtocolAdd, func(recv Value, args []Value) (Value, error) {
		return numericBinary(recv, args[0], "addition",
			addChecked,
			func(a, b float64) float64 { return a + b })
	})
	registerBuiltin(TypeInt, ProtocolSub, func(recv Value, args []Value) (Value, error) {
		return numericBinary(recv, args[0], "subtraction",
			subChecked,
			func(a, b float64) float64 { return a - b })
	})
	registerBuiltin(TypeInt, ProtocolMul, func(recv Value, args []Value) (Value, error) {
		return numericBinary(recv, args[0], "multiplication",
			mulChecked,
			func(a, b float64) float64 { return a * b })
	})
	registerBuiltin(TypeInt, ProtocolDiv, func(recv Value, args []Value) (Value, error) {
		if args[0].kind == KindInt {
			q, err := divChecked(recv.AsInt(), args[0].AsInt())
			if err != nil {
				return Nil, err
			}
			return Int(q), nil
		}
		if f, ok := coerceFloat(args[0]); ok {
			return Float(float64(recv.AsInt()) / f), nil
		}
		return Nil, errTypeMismatch("cannot divide Int by %s", args[0].kind)
	})
	registerBuiltin(TypeInt, ProtocolRem, func(recv Value, args []Value) (Value, error) {
		if args[0].kind != KindInt {
			return Nil, errTypeMismatch("remainder requires Int, got %s", args[0].kind)
		}
		r, err := remChecked(recv.AsInt(), args[0].AsInt())
		if err != nil {
			return Nil, err
		}
		return Int(r), nil
	})
	registerBuiltin(TypeInt, ProtocolNeg, func(recv Value, args []Value) (Value, error) {
		n, ok := negChecked(recv.AsInt())
		if !ok {
			return Nil, errOverflow("negation")
		}
		return Int(n), nil
	})

	// Float arithmetic follows IEEE-754: NaN and Inf propagate, no errors.
	registerBuiltin(TypeFloat, ProtocolAdd, floatBinary(func(a, b float64) float64 { return a + b }))
	registerBuiltin(TypeFloat, ProtocolSub, floatBinary(func(a, b float64) float64 { return a - b }))
	registerBuiltin(TypeFloat, ProtocolMul, floatBinary(func(a, b float64) float64 { return a * b }))
	registerBuiltin(TypeFloat, ProtocolDiv, floatBinary(func(a, b float64) float64 { return a / b }))
	registerBuiltin(TypeFloat, ProtocolNeg, func(recv Value, args []Value) (Value, error) {
		return Float(-recv.AsFloat()), nil
	})

	// String concatenation and repetition.
	registerBuiltin(TypeString, ProtocolAdd, func(recv Value, args []Value) (Value, error) {
		if args[0].kind != KindString {
			return Nil, errTypeMismatch("cannot concatenate String with %s", args[0].kind)
		}
		return String(recv.AsString() + args[0].AsString()), nil
	})

	// Bytes concatenation.
	registerBuiltin(TypeBytes, ProtocolAdd, func(recv Value, args []Value) (Value, error) {
		if args[0].kind != KindBytes {
			return Nil, errTypeMismatch("cannot concatenate Bytes with %s", args[0].kind)
		}
		a, b := recv.AsBytes(), args[0].AsBytes()
		out := make([]byte, 0, len(a)+len(b))
		out = append(out, a...)
		out = append(out, b...)
		return Bytes(out), nil
	})

	// Vec concatenation clones the elements of both operands.
	registerBuiltin(TypeVec, ProtocolAdd, func(recv Value, args []Value) (Value, error) {
		if args[0].kind != KindVec {
			return Nil, errTypeMismatch("cannot concatenate Vec with %s", args[0].kind)
		}
		out := make([]Value, 0, len(recv.Elems())+len(args[0].Elems()))
		for _, e := range recv.Elems() {
			out = append(out, e.Clone())
		}
		for _, e := range args[0].Elems() {
			out = append(out, e.Clone())
		}
		return Vec(out...), nil
	})

	// Indexing.
	registerBuiltin(TypeVec, ProtocolIndexGet, seqIndexGet)
	registerBuiltin(TypeTuple, ProtocolIndexGet, seqIndexGet)
	registerBuiltin(TypeVec, ProtocolIndexSet, func(recv Value, args []Value) (Value, error) {
		idx, err := seqIndex(args[0], int64(len(recv.Elems())))
		if err != nil {
			return Nil, err
		}
		old := recv.obj.elems[idx]
		recv.obj.elems[idx] = args[1].Clone()
		old.Drop()
		return Nil, nil
	})
	registerBuiltin(TypeBytes, ProtocolIndexGet, func(recv Value, args []Value) (Value, error) {
		idx, err := seqIndex(args[0], int64(len(recv.AsBytes())))
		if err != nil {
			return Nil, err
		}
		return ByteValue(recv.AsBytes()[idx]), nil
	})
	registerBuiltin(TypeBytes, ProtocolIndexSet, func(recv Value, args []Value) (Value, error) {
		idx, err := seqIndex(args[0], int64(len(recv.AsBytes())))
		if err != nil {
			return Nil, err
		}
		if args[1].kind != KindByte {
			return Nil, errTypeMismatch("Bytes elements must be Byte, got %s", args[1].kind)
		}
		recv.obj.bytes[idx] = args[1].AsByte()
		return Nil, nil
	})
	registerBuiltin(TypeString, ProtocolIndexGet, func(recv Value, args []Value) (Value, error) {
		runes := []rune(recv.AsString())
		idx, err := seqIndex(args[0], int64(len(runes)))
		if err != nil {
			return Nil, err
		}
		return Char(runes[idx]), nil
	})
	registerBuiltin(TypeMap, ProtocolIndexGet, func(recv Value, args []Value) (Value, error) {
		out, err := recv.MapGet(args[0])
		if err != nil {
			return Nil, err
		}
		return out, nil
	})
	registerBuiltin(TypeMap, ProtocolIndexSet, func(recv Value, args []Value) (Value, error) {
		if err := recv.MapSet(args[0].Clone(), args[1].Clone()); err != nil {
			return Nil, err
		}
		return Nil, nil
	})

	// Length.
	for _, t := range []TypeID{TypeString, TypeBytes, TypeVec, TypeTuple, TypeMap} {
		registerBuiltin(t, ProtocolLen, func(recv Value, args []Value) (Value, error) {
			return Int(int64(recv.Len())), nil
		})
	}

	// Hash for map-key-capable kinds.
	for _, t := range []TypeID{TypeNil, TypeBool, TypeChar, TypeByte, TypeInt, TypeFloat, TypeString} {
		registerBuiltin(t, ProtocolHash, func(recv Value, args []Value) (Value, error) {
			h := fnv.New64a()
			mk, err := toMapKey(recv)
			if err != nil {
				return Nil, err
			}
			h.Write([]byte{byte(mk.kind)})
			var buf [8]byte
			for i := 0; i < 8; i++ {
				buf[i] = byte(mk.num >> (8 * i))
			}
			h.Write(buf[:])
			h.Write([]byte(mk.str))
			return Int(int64(h.Sum64())), nil
		})
	}

	// IntoString for everything structural.
	for _, t := range []TypeID{
		TypeNil, TypeBool, TypeChar, TypeByte, TypeInt, TypeFloat,
		TypeString, TypeBytes, TypeVec, TypeTuple, TypeMap, TypeRange,
		TypeFunction,
	} {
		registerBuiltin(t, ProtocolIntoString, func(recv Value, args []Value) (Value, error) {
			return String(valueString(nil, recv)), nil
		})
	}

	// Error values render their message.
	registerBuiltin(TypeError, ProtocolIntoString, func(recv Value, args []Value) (Value, error) {
		e, _ := AsError(recv)
		return String(e.Error()), nil
	})
}

// numericBinary applies the checked integer op when both operands are Int,
// and the float op when the right-hand side requests coercion.
func numericBinary(a, b Value, opName string, intOp func(int64, int64) (int64, bool), floatOp func(float64, float64) float64) (Value, error) {
	if b.kind == KindInt {
		n, ok := intOp(a.AsInt(), b.AsInt())
		if !ok {
			return Nil, errOverflow(opName)
		}
		return Int(n), nil
	}
	if b.kind == KindFloat {
		return Float(floatOp(float64(a.AsInt()), b.AsFloat())), nil
	}
	return Nil, errTypeMismatch("cannot apply %s to Int and %s", opName, b.kind)
}

func floatBinary(op func(a, b float64) float64) ProtocolFn {
	return func(recv Value, args []Value) (Value, error) {
		f, ok := coerceFloat(args[0])
		if !ok {
			return Nil, errTypeMismatch("cannot apply float arithmetic to %s", args[0].kind)
		}
		return Float(op(recv.AsFloat(), f)), nil
	}
}

func seqIndexGet(recv Value, args []Value) (Value, error) {
	idx, err := seqIndex(args[0], int64(len(recv.Elems())))
	if err != nil {
		return Nil, err
	}
	return recv.Elems()[idx].Clone(), nil
}

// seqIndex validates an index operand against a sequence length.
func seqIndex(v Value, length int64) (int64, *Error) {
	if v.kind != KindInt {
		return 0, errTypeMismatch("index must be Int, got %s", v.kind)
	}
	idx := v.AsInt()
	if idx < 0 || idx >= length {
		return 0, errIndexOutOfBounds(idx, length)
	}
	return idx, nil
}
