package vm

import (
	"math"
	"testing"
)

func dispatch(t *testing.T, p Protocol, recv Value, args ...Value) Value {
	t.Helper()
	out, err := dispatchProtocol(nil, p, recv, args...)
	if err != nil {
		t.Fatalf("%s on %s: %v", p, recv.Kind(), err)
	}
	return out
}

func TestBuiltinNumericMixing(t *testing.T) {
	out := dispatch(t, ProtocolAdd, Int(1), Float(0.5))
	if out.Kind() != KindFloat || out.AsFloat() != 1.5 {
		t.Errorf("1 + 0.5: got %s %v", out.Kind(), out)
	}
	out = dispatch(t, ProtocolMul, Float(2), Int(3))
	if out.AsFloat() != 6 {
		t.Errorf("2.0 * 3: got %v", out)
	}
	// No implicit coercion beyond Int/Float.
	s := String("x")
	defer s.Drop()
	if _, err := dispatchProtocol(nil, ProtocolAdd, Int(1), s); err == nil {
		t.Error("Int + String accepted")
	}
}

func TestBuiltinStringConcat(t *testing.T) {
	a := String("foo")
	b := String("bar")
	defer a.Drop()
	defer b.Drop()
	out := dispatch(t, ProtocolAdd, a, b)
	defer out.Drop()
	if out.AsString() != "foobar" {
		t.Errorf("concat: %q", out.AsString())
	}
}

func TestBuiltinVecConcatClonesElements(t *testing.T) {
	shared := String("s")
	a := Vec(shared.Clone())
	b := Vec(shared.Clone())
	out := dispatch(t, ProtocolAdd, a, b)
	if out.Len() != 2 {
		t.Fatalf("concat length: %d", out.Len())
	}
	// Operands stay valid; the result holds its own references.
	a.Drop()
	b.Drop()
	if out.Elems()[0].AsString() != "s" {
		t.Error("element lost after operand drop")
	}
	out.Drop()
	if got := shared.RefCount(); got != 1 {
		t.Errorf("shared refcount: %d, want 1", got)
	}
	shared.Drop()
}

func TestBuiltinIndexing(t *testing.T) {
	v := Vec(Int(10), Int(20), Int(30))
	defer v.Drop()

	out := dispatch(t, ProtocolIndexGet, v, Int(1))
	if out.AsInt() != 20 {
		t.Errorf("v[1]: got %v", out)
	}

	_, err := dispatchProtocol(nil, ProtocolIndexGet, v, Int(-1))
	if err == nil || err.Kind != IndexOutOfBounds {
		t.Errorf("v[-1]: got %v", err)
	}

	s := String("héllo")
	defer s.Drop()
	out = dispatch(t, ProtocolIndexGet, s, Int(1))
	if out.Kind() != KindChar || out.AsChar() != 'é' {
		t.Errorf("s[1]: got %s %v", out.Kind(), out)
	}
}

func TestBuiltinIndexSetMutatesInPlace(t *testing.T) {
	v := Vec(Int(1), Int(2))
	defer v.Drop()
	out := dispatch(t, ProtocolIndexSet, v, Int(0), Int(9))
	out.Drop()
	if v.Elems()[0].AsInt() != 9 {
		t.Errorf("v[0] after set: %v", v.Elems()[0])
	}
}

func TestBuiltinLen(t *testing.T) {
	cases := []struct {
		v    Value
		want int64
	}{
		{String("abc"), 3},
		{Vec(Int(1), Int(2)), 2},
		{Tuple(Int(1)), 1},
		{Bytes([]byte{1, 2, 3, 4}), 4},
	}
	for _, c := range cases {
		out := dispatch(t, ProtocolLen, c.v)
		if out.AsInt() != c.want {
			t.Errorf("len(%s): got %v, want %d", c.v.Kind(), out, c.want)
		}
		c.v.Drop()
	}
}

func TestStructuralEquality(t *testing.T) {
	a := Vec(Int(1), Tuple(String("x"), Int(2)))
	b := Vec(Int(1), Tuple(String("x"), Int(2)))
	defer a.Drop()
	defer b.Drop()

	eq, err := structuralEquals(nil, a, b)
	if err != nil || !eq {
		t.Errorf("deep equal vecs: eq=%v err=%v", eq, err)
	}

	eq, err = structuralEquals(nil, Int(2), Float(2))
	if err != nil || !eq {
		t.Errorf("2 == 2.0: eq=%v err=%v", eq, err)
	}

	eq, err = structuralEquals(nil, Int(1), Bool(true))
	if err != nil || eq {
		t.Errorf("1 == true: eq=%v err=%v", eq, err)
	}

	// Futures compare by identity.
	f1 := NewPendingFuture()
	f2 := NewPendingFuture()
	f3 := f1.Clone()
	defer f1.Drop()
	defer f2.Drop()
	defer f3.Drop()
	if eq, _ := structuralEquals(nil, f1, f2); eq {
		t.Error("distinct futures compare equal")
	}
	if eq, _ := structuralEquals(nil, f1, f3); !eq {
		t.Error("a future is not equal to itself")
	}
}

func TestStructuralOrdering(t *testing.T) {
	sa := String("a")
	sb := String("b")
	defer sa.Drop()
	defer sb.Drop()
	if c, err := structuralCompare(nil, sa, sb); err != nil || c != -1 {
		t.Errorf(`"a" < "b": c=%d err=%v`, c, err)
	}

	va := Vec(Int(1), Int(2))
	vb := Vec(Int(1), Int(3))
	defer va.Drop()
	defer vb.Drop()
	if c, err := structuralCompare(nil, va, vb); err != nil || c != -1 {
		t.Errorf("[1,2] < [1,3]: c=%d err=%v", c, err)
	}

	if _, err := structuralCompare(nil, Int(1), sa); err == nil || err.Kind != TypeMismatch {
		t.Errorf("mixed-kind ordering: %v", err)
	}
}

func TestValueStringRendering(t *testing.T) {
	v := Vec(Int(1), String("two"), Tuple(Bool(true), Nil))
	defer v.Drop()
	if got := valueString(nil, v); got != "[1, two, (true, nil)]" {
		t.Errorf("render: %q", got)
	}
	r := Range(0, 5, true)
	defer r.Drop()
	if got := valueString(nil, r); got != "0..=5" {
		t.Errorf("range render: %q", got)
	}
}

func TestErrorValueRoundTrip(t *testing.T) {
	src := errIndexOutOfBounds(5, 3)
	v := ErrorValue(src)
	defer v.Drop()
	got, ok := AsError(v)
	if !ok || got != src {
		t.Fatal("AsError did not recover the boxed error")
	}
	plain := Int(1)
	if _, ok := AsError(plain); ok {
		t.Error("AsError accepted a non-error value")
	}
}

func TestBuiltinHashAgreesWithEquality(t *testing.T) {
	h1 := dispatch(t, ProtocolHash, Int(42))
	h2 := dispatch(t, ProtocolHash, Int(42))
	if h1.AsInt() != h2.AsInt() {
		t.Error("equal ints hash differently")
	}
	s1 := String("k")
	s2 := String("k")
	defer s1.Drop()
	defer s2.Drop()
	g1 := dispatch(t, ProtocolHash, s1)
	g2 := dispatch(t, ProtocolHash, s2)
	if g1.AsInt() != g2.AsInt() {
		t.Error("equal strings hash differently")
	}
}

func TestOrderingRejectsNaN(t *testing.T) {
	nan := Float(math.NaN())
	if _, err := structuralCompare(nil, nan, Float(1)); err == nil || err.Kind != TypeMismatch {
		t.Errorf("NaN vs float: err=%v, want TypeMismatch", err)
	}
	if _, err := structuralCompare(nil, Int(1), nan); err == nil || err.Kind != TypeMismatch {
		t.Errorf("int vs NaN: err=%v, want TypeMismatch", err)
	}
	// Equality keeps IEEE semantics: NaN != NaN, no error.
	eq, err := structuralEquals(nil, nan, nan)
	if err != nil || eq {
		t.Errorf("NaN == NaN: eq=%v err=%v", eq, err)
	}
}
