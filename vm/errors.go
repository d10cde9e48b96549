package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Runtime error taxonomy
// ---------------------------------------------------------------------------

// ErrorKind classifies a runtime error. Recoverable kinds unwind toward an
// installed catch boundary; fatal kinds terminate the Vm immediately because
// stack and frame state can no longer be trusted.
type ErrorKind uint8

const (
	// TypeMismatch: an operand's type is unsupported for the operation.
	TypeMismatch ErrorKind = iota

	// ArityMismatch: a native or script call received the wrong number of
	// arguments. Detected before the callee body runs.
	ArityMismatch

	// IndexOutOfBounds: a sequence index outside [0, length).
	IndexOutOfBounds

	// KeyNotFound: a mapping lookup for an absent key.
	KeyNotFound

	// DivisionByZero: integer division or remainder by zero.
	DivisionByZero

	// ArithmeticOverflow: checked integer arithmetic overflowed.
	ArithmeticOverflow

	// UnsupportedOperation: no protocol implementation registered for the
	// (type, protocol) pair.
	UnsupportedOperation

	// NativeError: an opaque error returned by a host function. The engine
	// propagates it without interpretation.
	NativeError

	// BorrowError: reentrant exclusive access to an interior-mutable
	// payload (future or generator state).
	BorrowError

	// StackOverflow: call depth exceeded. Fatal.
	StackOverflow

	// InvariantViolation: internal consistency failure, a bug in the engine
	// or a malformed unit. Fatal.
	InvariantViolation
)

// String returns the kind's canonical name.
func (k ErrorKind) String() string {
	switch k {
	case TypeMismatch:
		return "TypeMismatch"
	case ArityMismatch:
		return "ArityMismatch"
	case IndexOutOfBounds:
		return "IndexOutOfBounds"
	case KeyNotFound:
		return "KeyNotFound"
	case DivisionByZero:
		return "DivisionByZero"
	case ArithmeticOverflow:
		return "ArithmeticOverflow"
	case UnsupportedOperation:
		return "UnsupportedOperation"
	case NativeError:
		return "NativeError"
	case BorrowError:
		return "BorrowError"
	case StackOverflow:
		return "StackOverflow"
	case InvariantViolation:
		return "InvariantViolation"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// Fatal reports whether errors of this kind bypass catch boundaries and
// terminate the Vm.
func (k ErrorKind) Fatal() bool {
	return k == StackOverflow || k == InvariantViolation
}

// FrameInfo is one entry of the frame chain captured when an error surfaces.
type FrameInfo struct {
	Function string // function name from the unit's function table
	Offset   int    // instruction offset at the point of failure
	Line     int    // source line from the debug table, 0 if unknown
}

// Error is a structured runtime error produced by the engine.
type Error struct {
	Kind ErrorKind
	msg  string

	// Index/Length are populated for IndexOutOfBounds.
	Index  int64
	Length int64

	// Key is populated for KeyNotFound.
	Key string

	// Offset is the instruction offset at the point of failure, -1 before
	// the engine annotates it.
	Offset int

	// Frames is the call chain at the point of failure, innermost first.
	Frames []FrameInfo

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.msg != "" {
		b.WriteString(": ")
		b.WriteString(e.msg)
	}
	if e.Offset >= 0 {
		fmt.Fprintf(&b, " (at offset %d)", e.Offset)
	}
	return b.String()
}

// Unwrap exposes the wrapped cause (the host error for NativeError).
func (e *Error) Unwrap() error {
	return e.cause
}

// Message returns the human-readable detail without kind or offset.
func (e *Error) Message() string {
	return e.msg
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), Offset: -1}
}

func errTypeMismatch(format string, args ...any) *Error {
	return newError(TypeMismatch, format, args...)
}

func errArity(want string, got int) *Error {
	return newError(ArityMismatch, "expected %s arguments, got %d", want, got)
}

func errIndexOutOfBounds(index, length int64) *Error {
	e := newError(IndexOutOfBounds, "index %d out of bounds for length %d", index, length)
	e.Index = index
	e.Length = length
	return e
}

func errKeyNotFound(key string) *Error {
	e := newError(KeyNotFound, "key %s not found", key)
	e.Key = key
	return e
}

func errDivisionByZero() *Error {
	return newError(DivisionByZero, "division by zero")
}

func errOverflow(op string) *Error {
	return newError(ArithmeticOverflow, "integer overflow in %s", op)
}

func errUnsupported(t TypeID, p Protocol) *Error {
	return newError(UnsupportedOperation, "type %s does not implement %s", t, p)
}

func errNative(name string, cause error) *Error {
	e := newError(NativeError, "%s: %v", name, cause)
	e.cause = cause
	return e
}

func errBorrow(what string) *Error {
	return newError(BorrowError, "%s is already borrowed", what)
}

func errStackOverflow(depth int) *Error {
	return newError(StackOverflow, "call depth limit %d exceeded", depth)
}

func errInvariant(format string, args ...any) *Error {
	return newError(InvariantViolation, format, args...)
}

// asRuntimeError normalizes an error returned by a native function or
// protocol implementation. A *Error passes through; anything else is wrapped
// as NativeError.
func asRuntimeError(name string, err error) *Error {
	if re, ok := err.(*Error); ok {
		return re
	}
	return errNative(name, err)
}
