package vm

import (
	"math"
	"testing"
)

func TestImmediateRoundTrips(t *testing.T) {
	if got := Int(-42).AsInt(); got != -42 {
		t.Errorf("Int round trip: got %d, want -42", got)
	}
	if got := Float(3.5).AsFloat(); got != 3.5 {
		t.Errorf("Float round trip: got %g, want 3.5", got)
	}
	if got := Char('ä').AsChar(); got != 'ä' {
		t.Errorf("Char round trip: got %q, want 'ä'", got)
	}
	if got := ByteValue(0xFF).AsByte(); got != 0xFF {
		t.Errorf("Byte round trip: got %d, want 255", got)
	}
	if !Bool(true).AsBool() || Bool(false).AsBool() {
		t.Error("Bool round trip failed")
	}
	if !Nil.IsNil() {
		t.Error("Nil is not nil")
	}
}

func TestTruthiness(t *testing.T) {
	falsy := []Value{Nil, Bool(false)}
	for _, v := range falsy {
		if v.Truthy() {
			t.Errorf("%s should be falsy", v.Kind())
		}
	}
	s := String("")
	defer s.Drop()
	truthy := []Value{Bool(true), Int(0), Float(0), Char(0), ByteValue(0), s}
	for _, v := range truthy {
		if !v.Truthy() {
			t.Errorf("%s should be truthy", v.Kind())
		}
	}
}

func TestTypeIDStability(t *testing.T) {
	if TypeIDOf("Int") != TypeInt {
		t.Error("TypeIDOf(Int) does not match TypeInt")
	}
	if TypeIDOf("Point") != TypeIDOf("Point") {
		t.Error("TypeIDOf is not deterministic")
	}
	if TypeIDOf("Point") == TypeIDOf("Line") {
		t.Error("distinct names collided")
	}
	if got := Int(1).TypeID(); got != TypeInt {
		t.Errorf("Int value reports TypeID %s", got)
	}
}

func TestCheckedArithmetic(t *testing.T) {
	if _, ok := addChecked(math.MaxInt64, 1); ok {
		t.Error("MaxInt64+1 should overflow")
	}
	if _, ok := subChecked(math.MinInt64, 1); ok {
		t.Error("MinInt64-1 should overflow")
	}
	if _, ok := mulChecked(math.MinInt64, -1); ok {
		t.Error("MinInt64*-1 should overflow")
	}
	if _, ok := negChecked(math.MinInt64); ok {
		t.Error("-MinInt64 should overflow")
	}
	if _, err := divChecked(1, 0); err == nil || err.Kind != DivisionByZero {
		t.Errorf("1/0: got %v, want DivisionByZero", err)
	}
	if _, err := divChecked(math.MinInt64, -1); err == nil || err.Kind != ArithmeticOverflow {
		t.Errorf("MinInt64/-1: got %v, want ArithmeticOverflow", err)
	}
	if n, err := remChecked(math.MinInt64, -1); err != nil || n != 0 {
		t.Errorf("MinInt64%%-1: got %d, %v, want 0", n, err)
	}
	if n, ok := addChecked(40, 2); !ok || n != 42 {
		t.Errorf("40+2: got %d", n)
	}
}

func TestErrorKindFatality(t *testing.T) {
	if !StackOverflow.Fatal() || !InvariantViolation.Fatal() {
		t.Error("StackOverflow and InvariantViolation must be fatal")
	}
	for _, k := range []ErrorKind{TypeMismatch, ArityMismatch, IndexOutOfBounds, KeyNotFound, DivisionByZero, ArithmeticOverflow, UnsupportedOperation, NativeError, BorrowError} {
		if k.Fatal() {
			t.Errorf("%s must be recoverable", k)
		}
	}
}
