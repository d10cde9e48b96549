package vm

import "fmt"

// ---------------------------------------------------------------------------
// Protocols: operator and capability identities
// ---------------------------------------------------------------------------

// Protocol is the stable identity of an operator or capability. Resolution
// of a dynamic operation is a pure lookup keyed by (TypeID, Protocol):
// built-in implementations first, then implementations registered in the
// Context. Protocol numbers are part of the dispatch key and never change.
type Protocol uint32

const (
	ProtocolAdd Protocol = iota + 1
	ProtocolSub
	ProtocolMul
	ProtocolDiv
	ProtocolRem
	ProtocolNeg
	ProtocolEq
	ProtocolCmp
	ProtocolIndexGet
	ProtocolIndexSet
	ProtocolLen
	ProtocolIntoIter
	ProtocolIntoString
	ProtocolHash
	ProtocolCall
)

// String returns the protocol's canonical name.
func (p Protocol) String() string {
	switch p {
	case ProtocolAdd:
		return "Add"
	case ProtocolSub:
		return "Sub"
	case ProtocolMul:
		return "Mul"
	case ProtocolDiv:
		return "Div"
	case ProtocolRem:
		return "Rem"
	case ProtocolNeg:
		return "Neg"
	case ProtocolEq:
		return "Eq"
	case ProtocolCmp:
		return "Cmp"
	case ProtocolIndexGet:
		return "IndexGet"
	case ProtocolIndexSet:
		return "IndexSet"
	case ProtocolLen:
		return "Len"
	case ProtocolIntoIter:
		return "IntoIter"
	case ProtocolIntoString:
		return "IntoString"
	case ProtocolHash:
		return "Hash"
	case ProtocolCall:
		return "Call"
	default:
		return fmt.Sprintf("Protocol(%d)", uint32(p))
	}
}

// ProtocolFn implements one protocol for one type. The receiver is the
// first operand; args carries the remaining operands (the right-hand side
// for binary operators, index and value for IndexSet, and so on).
//
// Implementations borrow their operands: they must Clone anything they
// retain and must not Drop what they were passed. The returned value is
// owned by the caller.
type ProtocolFn func(recv Value, args []Value) (Value, error)

// protocolKey is the dispatch-table key.
type protocolKey struct {
	typ  TypeID
	prot Protocol
}

// resolveProtocol finds the implementation for (t, p): built-ins first,
// then the context table. The bool is false when nothing is registered.
func resolveProtocol(ctx *Context, t TypeID, p Protocol) (ProtocolFn, bool) {
	if fn, ok := builtinProtocols[protocolKey{t, p}]; ok {
		return fn, true
	}
	if ctx != nil {
		if fn, ok := ctx.protocols[protocolKey{t, p}]; ok {
			return fn, true
		}
	}
	return nil, false
}

// dispatchProtocol resolves and invokes a protocol on recv.
func dispatchProtocol(ctx *Context, p Protocol, recv Value, args ...Value) (Value, *Error) {
	fn, ok := resolveProtocol(ctx, recv.TypeID(), p)
	if !ok {
		return Nil, errUnsupported(recv.TypeID(), p)
	}
	out, err := fn(recv, args)
	if err != nil {
		return Nil, asRuntimeError(p.String(), err)
	}
	return out, nil
}
