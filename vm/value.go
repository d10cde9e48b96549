package vm

import (
	"fmt"
	"hash/fnv"
	"math"
)

// ---------------------------------------------------------------------------
// Value: the dynamic tagged value
// ---------------------------------------------------------------------------

// Kind identifies a value's variant. The union is closed: every Value is
// exactly one of these.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindChar
	KindByte
	KindInt
	KindFloat

	// Heap kinds follow. Values of these kinds hold a reference-counted
	// *Object shared by every holder.
	KindString
	KindBytes
	KindVec
	KindTuple
	KindMap
	KindRange
	KindFunction
	KindFuture
	KindGenerator
	KindIterator
	KindStruct
	KindEnum
	KindAny
)

// String returns the kind's canonical name.
func (k Kind) String() string {
	switch k {
	case KindNil:
		return "Nil"
	case KindBool:
		return "Bool"
	case KindChar:
		return "Char"
	case KindByte:
		return "Byte"
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindString:
		return "String"
	case KindBytes:
		return "Bytes"
	case KindVec:
		return "Vec"
	case KindTuple:
		return "Tuple"
	case KindMap:
		return "Map"
	case KindRange:
		return "Range"
	case KindFunction:
		return "Function"
	case KindFuture:
		return "Future"
	case KindGenerator:
		return "Generator"
	case KindIterator:
		return "Iterator"
	case KindStruct:
		return "Struct"
	case KindEnum:
		return "Enum"
	case KindAny:
		return "Any"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// IsHeap reports whether values of this kind are heap-allocated and
// reference counted.
func (k Kind) IsHeap() bool {
	return k >= KindString
}

// Value is the dynamic value manipulated by the engine. Immediate kinds
// (Nil through Float) are copied by value in the num field; heap kinds
// share a reference-counted *Object.
type Value struct {
	kind Kind
	num  uint64
	obj  *Object
}

// Nil is the absence value.
var Nil = Value{kind: KindNil}

// Kind returns the value's variant.
func (v Value) Kind() Kind {
	return v.kind
}

// ---------------------------------------------------------------------------
// Immediate constructors and accessors
// ---------------------------------------------------------------------------

// Bool constructs a boolean value.
func Bool(b bool) Value {
	var n uint64
	if b {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

// Char constructs a character value.
func Char(r rune) Value {
	return Value{kind: KindChar, num: uint64(uint32(r))}
}

// Byte constructs a byte value.
func ByteValue(b byte) Value {
	return Value{kind: KindByte, num: uint64(b)}
}

// Int constructs an integer value.
func Int(n int64) Value {
	return Value{kind: KindInt, num: uint64(n)}
}

// Float constructs a floating-point value.
func Float(f float64) Value {
	return Value{kind: KindFloat, num: math.Float64bits(f)}
}

// IsNil reports whether v is the absence value.
func (v Value) IsNil() bool {
	return v.kind == KindNil
}

// AsBool returns the boolean payload. Only valid for KindBool.
func (v Value) AsBool() bool {
	return v.num != 0
}

// AsChar returns the character payload. Only valid for KindChar.
func (v Value) AsChar() rune {
	return rune(uint32(v.num))
}

// AsByte returns the byte payload. Only valid for KindByte.
func (v Value) AsByte() byte {
	return byte(v.num)
}

// AsInt returns the integer payload. Only valid for KindInt.
func (v Value) AsInt() int64 {
	return int64(v.num)
}

// AsFloat returns the float payload. Only valid for KindFloat.
func (v Value) AsFloat() float64 {
	return math.Float64frombits(v.num)
}

// Truthy reports how the value behaves in a conditional: false and nil are
// falsy, everything else is truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNil:
		return false
	case KindBool:
		return v.num != 0
	default:
		return true
	}
}

// ---------------------------------------------------------------------------
// Type identity
// ---------------------------------------------------------------------------

// TypeID is the stable dispatch key derived from a value's variant, or
// registered explicitly for host types. It never changes across processes.
type TypeID uint64

// TypeIDOf derives a TypeID from a type name. Host types obtain their
// identity this way at registration time.
func TypeIDOf(name string) TypeID {
	h := fnv.New64a()
	h.Write([]byte(name))
	return TypeID(h.Sum64())
}

// Built-in type identities.
var (
	TypeNil       = TypeIDOf("Nil")
	TypeBool      = TypeIDOf("Bool")
	TypeChar      = TypeIDOf("Char")
	TypeByte      = TypeIDOf("Byte")
	TypeInt       = TypeIDOf("Int")
	TypeFloat     = TypeIDOf("Float")
	TypeString    = TypeIDOf("String")
	TypeBytes     = TypeIDOf("Bytes")
	TypeVec       = TypeIDOf("Vec")
	TypeTuple     = TypeIDOf("Tuple")
	TypeMap       = TypeIDOf("Map")
	TypeRange     = TypeIDOf("Range")
	TypeFunction  = TypeIDOf("Function")
	TypeFuture    = TypeIDOf("Future")
	TypeGenerator = TypeIDOf("Generator")
	TypeIterator  = TypeIDOf("Iterator")
	TypeError     = TypeIDOf("Error")
)

// String renders the TypeID's known name when it corresponds to a built-in,
// otherwise its numeric form.
func (t TypeID) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TypeID(%#x)", uint64(t))
}

var typeNames = map[TypeID]string{
	TypeNil:       "Nil",
	TypeBool:      "Bool",
	TypeChar:      "Char",
	TypeByte:      "Byte",
	TypeInt:       "Int",
	TypeFloat:     "Float",
	TypeString:    "String",
	TypeBytes:     "Bytes",
	TypeVec:       "Vec",
	TypeTuple:     "Tuple",
	TypeMap:       "Map",
	TypeRange:     "Range",
	TypeFunction:  "Function",
	TypeFuture:    "Future",
	TypeGenerator: "Generator",
	TypeIterator:  "Iterator",
	TypeError:     "Error",
}

// TypeID returns the value's runtime type identity, used as the dispatch
// key for protocol resolution.
func (v Value) TypeID() TypeID {
	switch v.kind {
	case KindNil:
		return TypeNil
	case KindBool:
		return TypeBool
	case KindChar:
		return TypeChar
	case KindByte:
		return TypeByte
	case KindInt:
		return TypeInt
	case KindFloat:
		return TypeFloat
	case KindString:
		return TypeString
	case KindBytes:
		return TypeBytes
	case KindVec:
		return TypeVec
	case KindTuple:
		return TypeTuple
	case KindMap:
		return TypeMap
	case KindRange:
		return TypeRange
	case KindFunction:
		return TypeFunction
	case KindFuture:
		return TypeFuture
	case KindGenerator:
		return TypeGenerator
	case KindIterator:
		return TypeIterator
	case KindStruct:
		return v.obj.strct.typeID
	case KindEnum:
		return v.obj.enum.typeID
	case KindAny:
		return v.obj.any.typeID
	default:
		return TypeNil
	}
}

// ---------------------------------------------------------------------------
// Clone and Drop: explicit shared ownership
// ---------------------------------------------------------------------------

// Clone returns a new owned handle to the value. For heap kinds this
// increments the reference count; immediates are copied. O(1) for all kinds.
func (v Value) Clone() Value {
	if v.obj != nil {
		v.obj.retain()
	}
	return v
}

// Drop releases the holder's reference. For heap kinds this decrements the
// reference count and, on the transition to zero, frees the payload and
// recursively drops contained values. The handle must not be used after
// Drop.
func (v Value) Drop() {
	if v.obj != nil {
		v.obj.release()
	}
}

// RefCount returns the current reference count for heap values and 0 for
// immediates. Intended for tests and diagnostics.
func (v Value) RefCount() int64 {
	if v.obj == nil {
		return 0
	}
	return v.obj.refCount()
}

// ---------------------------------------------------------------------------
// Coercion helpers
// ---------------------------------------------------------------------------

// coerceFloat converts Int to Float where an instruction explicitly mixes
// the two numeric kinds. No other implicit coercion exists.
func coerceFloat(v Value) (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.AsFloat(), true
	case KindInt:
		return float64(v.AsInt()), true
	default:
		return 0, false
	}
}

// ---------------------------------------------------------------------------
// Checked integer arithmetic
// ---------------------------------------------------------------------------

func addChecked(a, b int64) (int64, bool) {
	s := a + b
	if ((a ^ s) & (b ^ s)) < 0 {
		return 0, false
	}
	return s, true
}

func subChecked(a, b int64) (int64, bool) {
	d := a - b
	if ((a ^ b) & (a ^ d)) < 0 {
		return 0, false
	}
	return d, true
}

func mulChecked(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	if p/b != a {
		return 0, false
	}
	if a == -1 && b == math.MinInt64 || b == -1 && a == math.MinInt64 {
		return 0, false
	}
	return p, true
}

func divChecked(a, b int64) (int64, *Error) {
	if b == 0 {
		return 0, errDivisionByZero()
	}
	if a == math.MinInt64 && b == -1 {
		return 0, errOverflow("division")
	}
	return a / b, nil
}

func remChecked(a, b int64) (int64, *Error) {
	if b == 0 {
		return 0, errDivisionByZero()
	}
	if a == math.MinInt64 && b == -1 {
		return 0, nil
	}
	return a % b, nil
}

func negChecked(a int64) (int64, bool) {
	if a == math.MinInt64 {
		return 0, false
	}
	return -a, true
}
