package vm

import (
	"fmt"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Object: the reference-counted heap box behind every heap Value
// ---------------------------------------------------------------------------

// Object is the heap allocation shared by all holders of a heap Value:
// a kind tag, an atomic reference count, and a kind-specific payload.
// Reference counts are always atomic because values may be handed between
// Vm instances running on different goroutines.
//
// Reference cycles (a Vec containing itself through a shared back-reference)
// are possible and are not collected. This is a documented, accepted leak.
type Object struct {
	refs int64 // atomic
	kind Kind

	// borrowed guards interior-mutable payloads (future, generator) against
	// reentrant exclusive access. 0 = free, 1 = borrowed.
	borrowed int32 // atomic

	str     string
	bytes   []byte
	elems   []Value // Vec and Tuple
	entries map[mapKey]mapEntry
	rng     rangePayload
	fn      *funcPayload
	fut     *futurePayload
	gen     *generatorPayload
	iter    iterPayload
	strct   *structPayload
	enum    *enumPayload
	any     *anyPayload
}

type rangePayload struct {
	start     int64
	end       int64
	inclusive bool
}

type structPayload struct {
	typeID TypeID
	name   string
	fields map[string]Value
}

type enumPayload struct {
	typeID  TypeID
	name    string
	variant string
	fields  []Value
}

type anyPayload struct {
	typeID TypeID
	name   string
	value  any
}

func newObject(kind Kind) *Object {
	return &Object{refs: 1, kind: kind}
}

func (o *Object) retain() {
	if atomic.AddInt64(&o.refs, 1) <= 1 {
		panic(errInvariant("retain on dead object (%s)", o.kind))
	}
}

func (o *Object) release() {
	n := atomic.AddInt64(&o.refs, -1)
	if n < 0 {
		panic(errInvariant("reference count went negative (%s)", o.kind))
	}
	if n == 0 {
		o.dropContents()
	}
}

func (o *Object) refCount() int64 {
	return atomic.LoadInt64(&o.refs)
}

// dropContents recursively drops contained values and clears the payload.
// Runs exactly once, on the refcount transition to zero.
func (o *Object) dropContents() {
	switch o.kind {
	case KindVec, KindTuple:
		for _, e := range o.elems {
			e.Drop()
		}
		o.elems = nil
	case KindMap:
		for _, ent := range o.entries {
			ent.key.Drop()
			ent.val.Drop()
		}
		o.entries = nil
	case KindFunction:
		for _, c := range o.fn.captures {
			c.Drop()
		}
		o.fn = nil
	case KindFuture:
		o.fut.result.Drop()
		o.fut = nil
	case KindGenerator:
		if o.gen.exec != nil {
			o.gen.exec.Close()
		}
		o.gen = nil
	case KindIterator:
		if o.iter != nil {
			o.iter.drop()
			o.iter = nil
		}
	case KindStruct:
		for _, f := range o.strct.fields {
			f.Drop()
		}
		o.strct = nil
	case KindEnum:
		for _, f := range o.enum.fields {
			f.Drop()
		}
		o.enum = nil
	case KindAny:
		o.any = nil
	}
	o.bytes = nil
	o.str = ""
}

// beginBorrow takes the exclusive borrow on an interior-mutable payload.
func (o *Object) beginBorrow(what string) *Error {
	if !atomic.CompareAndSwapInt32(&o.borrowed, 0, 1) {
		return errBorrow(what)
	}
	return nil
}

// endBorrow releases the exclusive borrow.
func (o *Object) endBorrow() {
	atomic.StoreInt32(&o.borrowed, 0)
}

// ---------------------------------------------------------------------------
// Heap value constructors
// ---------------------------------------------------------------------------

// String constructs a string value.
func String(s string) Value {
	o := newObject(KindString)
	o.str = s
	return Value{kind: KindString, obj: o}
}

// Bytes constructs a byte-sequence value. The slice is owned by the value.
func Bytes(b []byte) Value {
	o := newObject(KindBytes)
	o.bytes = b
	return Value{kind: KindBytes, obj: o}
}

// Vec constructs an ordered sequence taking ownership of the given elements.
func Vec(elems ...Value) Value {
	o := newObject(KindVec)
	o.elems = elems
	return Value{kind: KindVec, obj: o}
}

// Tuple constructs a fixed-size tuple taking ownership of the given elements.
func Tuple(elems ...Value) Value {
	o := newObject(KindTuple)
	o.elems = elems
	return Value{kind: KindTuple, obj: o}
}

// Map constructs an empty key/value mapping.
func Map() Value {
	o := newObject(KindMap)
	o.entries = make(map[mapKey]mapEntry)
	return Value{kind: KindMap, obj: o}
}

// Range constructs a numeric range value.
func Range(start, end int64, inclusive bool) Value {
	o := newObject(KindRange)
	o.rng = rangePayload{start: start, end: end, inclusive: inclusive}
	return Value{kind: KindRange, obj: o}
}

// Struct constructs a user-defined struct instance, taking ownership of the
// field values.
func Struct(typeName string, fields map[string]Value) Value {
	o := newObject(KindStruct)
	o.strct = &structPayload{typeID: TypeIDOf(typeName), name: typeName, fields: fields}
	return Value{kind: KindStruct, obj: o}
}

// Enum constructs a user-defined enum variant instance, taking ownership of
// the field values.
func Enum(typeName, variant string, fields ...Value) Value {
	o := newObject(KindEnum)
	o.enum = &enumPayload{typeID: TypeIDOf(typeName), name: typeName, variant: variant, fields: fields}
	return Value{kind: KindEnum, obj: o}
}

// Any boxes an arbitrary host value under a registered type name. The engine
// never inspects the payload; behavior comes from protocols registered for
// the type in the Context.
func Any(typeName string, value any) Value {
	o := newObject(KindAny)
	o.any = &anyPayload{typeID: TypeIDOf(typeName), name: typeName, value: value}
	return Value{kind: KindAny, obj: o}
}

// ---------------------------------------------------------------------------
// Heap value accessors
// ---------------------------------------------------------------------------

// AsString returns the string payload. Only valid for KindString.
func (v Value) AsString() string {
	return v.obj.str
}

// AsBytes returns the byte-sequence payload. Only valid for KindBytes.
// The slice is shared, not copied.
func (v Value) AsBytes() []byte {
	return v.obj.bytes
}

// Elems returns the element slice of a Vec or Tuple. The slice is shared.
func (v Value) Elems() []Value {
	return v.obj.elems
}

// Len returns the element count for String, Bytes, Vec, Tuple and Map
// values, and -1 for everything else.
func (v Value) Len() int {
	switch v.kind {
	case KindString:
		return len(v.obj.str)
	case KindBytes:
		return len(v.obj.bytes)
	case KindVec, KindTuple:
		return len(v.obj.elems)
	case KindMap:
		return len(v.obj.entries)
	default:
		return -1
	}
}

// AsAny returns the boxed host payload of a KindAny value.
func (v Value) AsAny() any {
	return v.obj.any.value
}

// StructField returns a clone of the named field of a struct instance.
func (v Value) StructField(name string) (Value, *Error) {
	f, ok := v.obj.strct.fields[name]
	if !ok {
		return Nil, errKeyNotFound(name)
	}
	return f.Clone(), nil
}

// EnumVariant returns the variant name of an enum instance.
func (v Value) EnumVariant() string {
	return v.obj.enum.variant
}

// ---------------------------------------------------------------------------
// Map access
// ---------------------------------------------------------------------------

// mapKey is the hashable projection of a Value usable as a mapping key.
// Only immediates and strings can key a map.
type mapKey struct {
	kind Kind
	num  uint64
	str  string
}

type mapEntry struct {
	key Value
	val Value
}

func toMapKey(v Value) (mapKey, *Error) {
	switch v.kind {
	case KindNil, KindBool, KindChar, KindByte, KindInt, KindFloat:
		return mapKey{kind: v.kind, num: v.num}, nil
	case KindString:
		return mapKey{kind: KindString, str: v.obj.str}, nil
	default:
		return mapKey{}, errTypeMismatch("%s cannot be used as a map key", v.kind)
	}
}

// MapGet returns a clone of the value stored under key.
func (v Value) MapGet(key Value) (Value, *Error) {
	mk, err := toMapKey(key)
	if err != nil {
		return Nil, err
	}
	ent, ok := v.obj.entries[mk]
	if !ok {
		return Nil, errKeyNotFound(formatKey(key))
	}
	return ent.val.Clone(), nil
}

// MapSet stores val under key, taking ownership of both. A replaced value
// is dropped.
func (v Value) MapSet(key, val Value) *Error {
	mk, err := toMapKey(key)
	if err != nil {
		return err
	}
	if old, ok := v.obj.entries[mk]; ok {
		old.key.Drop()
		old.val.Drop()
	}
	v.obj.entries[mk] = mapEntry{key: key, val: val}
	return nil
}

// MapHas reports whether the mapping contains key.
func (v Value) MapHas(key Value) (bool, *Error) {
	mk, err := toMapKey(key)
	if err != nil {
		return false, err
	}
	_, ok := v.obj.entries[mk]
	return ok, nil
}

func formatKey(v Value) string {
	switch v.kind {
	case KindString:
		return fmt.Sprintf("%q", v.obj.str)
	case KindInt:
		return fmt.Sprintf("%d", v.AsInt())
	case KindFloat:
		return fmt.Sprintf("%g", v.AsFloat())
	case KindBool:
		return fmt.Sprintf("%t", v.AsBool())
	case KindChar:
		return fmt.Sprintf("%q", v.AsChar())
	case KindByte:
		return fmt.Sprintf("%d", v.AsByte())
	case KindNil:
		return "nil"
	default:
		return v.kind.String()
	}
}
