package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("sigil.vm")

// ---------------------------------------------------------------------------
// Vm: one execution instance of the stack machine
// ---------------------------------------------------------------------------

// State is the Vm's run state. Idle, Running and Suspended are transient;
// Completed and Faulted are terminal.
type State uint8

const (
	StateIdle State = iota
	StateRunning
	StateSuspended
	StateCompleted
	StateFaulted
)

// String returns the state's canonical name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateSuspended:
		return "Suspended"
	case StateCompleted:
		return "Completed"
	case StateFaulted:
		return "Faulted"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// SuspendReason distinguishes why a Vm is Suspended.
type SuspendReason uint8

const (
	// SuspendNone: the Vm is not suspended.
	SuspendNone SuspendReason = iota

	// SuspendAwait: an await point is waiting for a host-supplied value.
	SuspendAwait

	// SuspendYield: a generator yielded a value and waits for the next pull.
	SuspendYield

	// SuspendFuel: the instruction budget ran out mid-execution. Not an
	// error; Refuel and Resume to continue.
	SuspendFuel
)

// String returns the reason's canonical name.
func (r SuspendReason) String() string {
	switch r {
	case SuspendNone:
		return "None"
	case SuspendAwait:
		return "Await"
	case SuspendYield:
		return "Yield"
	case SuspendFuel:
		return "Fuel"
	default:
		return fmt.Sprintf("SuspendReason(%d)", uint8(r))
	}
}

// frame is the activation record of one in-progress call. Its local-slot
// window [base, base+locals) aliases the operand stack: hidden captures
// first, then arguments, then locals. Windows of live frames never overlap
// and frames pop in strict LIFO order.
type frame struct {
	fn     *FuncInfo
	retIP  int // return address; -1 for the entry frame
	base   int // stack index of the first window slot
	locals int // window size: captures + arity + locals
}

// Vm interprets one logical call tree of a Unit against a Context. A Vm is
// strictly single-threaded and owns all of its mutable state; any number
// of Vm instances may run concurrently sharing the same Unit and Context
// by reference.
type Vm struct {
	id   string
	unit *Unit
	ctx  *Context
	opts Options

	stack  []Value
	frames []frame
	ip     int // next instruction
	opIP   int // start of the instruction being executed

	state         State
	suspendReason SuspendReason
	awaited       Value // await descriptor, or the value a generator yielded

	// Generator pull propagation: when OpIterNext suspends because the
	// pulled generator awaited host work, the resumption value is routed
	// into the child on the next pull.
	childPending bool
	childHot     bool
	childResume  Value
	childErr     *Error

	result Value
	fault  *Error

	fuel        int64
	fuelLimited bool

	closed bool
}

// New constructs a Vm over the named entry function with default options.
// Ownership of args transfers to the Vm on success and stays with the
// caller on error.
func New(unit *Unit, ctx *Context, entry string, args []Value) (*Vm, error) {
	return NewWithOptions(unit, ctx, entry, args, DefaultOptions())
}

// NewWithOptions constructs a Vm with explicit options.
func NewWithOptions(unit *Unit, ctx *Context, entry string, args []Value, opts Options) (*Vm, error) {
	fn, ok := unit.Function(entry)
	if !ok {
		return nil, fmt.Errorf("no function %q in unit", entry)
	}
	if fn.Generator {
		return nil, fmt.Errorf("%q is a generator; construct it with NewGenerator", entry)
	}
	if len(args) != fn.Arity {
		return nil, fmt.Errorf("function %q expects %d arguments, got %d", entry, fn.Arity, len(args))
	}
	return newExecution(unit, ctx, fn, args, opts), nil
}

// newExecution prepares an Idle execution: args become the leading local
// slots, remaining locals start as nil.
func newExecution(unit *Unit, ctx *Context, fn *FuncInfo, args []Value, opts Options) *Vm {
	vm := &Vm{
		id:          uuid.New().String(),
		unit:        unit,
		ctx:         ctx,
		opts:        opts,
		stack:       make([]Value, 0, opts.StackReserve),
		frames:      make([]frame, 0, 8),
		ip:          fn.Offset,
		awaited:     Nil,
		childResume: Nil,
		result:      Nil,
		fuel:        opts.Fuel,
		fuelLimited: opts.Fuel > 0,
	}
	vm.stack = append(vm.stack, args...)
	for i := 0; i < fn.Locals; i++ {
		vm.stack = append(vm.stack, Nil)
	}
	vm.frames = append(vm.frames, frame{
		fn:     fn,
		retIP:  -1,
		base:   0,
		locals: len(args) + fn.Locals,
	})
	return vm
}

// Call runs a unit function to completion synchronously. It is a
// convenience for scripts that neither await nor yield; a suspension is
// reported as an error.
func Call(unit *Unit, ctx *Context, entry string, args []Value) (Value, error) {
	vm, err := New(unit, ctx, entry, args)
	if err != nil {
		return Nil, err
	}
	defer vm.Close()
	switch vm.run() {
	case StateCompleted:
		return vm.takeResult(), nil
	case StateFaulted:
		return Nil, vm.fault
	default:
		return Nil, fmt.Errorf("function %q suspended (%s); drive it with Run/Resume", entry, vm.suspendReason)
	}
}

// ---------------------------------------------------------------------------
// Driving API
// ---------------------------------------------------------------------------

// ID returns the Vm's instance identifier.
func (vm *Vm) ID() string {
	return vm.id
}

// State returns the current run state.
func (vm *Vm) State() State {
	return vm.state
}

// SuspendReason reports why a Suspended Vm stopped.
func (vm *Vm) SuspendReason() SuspendReason {
	if vm.state != StateSuspended {
		return SuspendNone
	}
	return vm.suspendReason
}

// Awaited returns the await descriptor of a Vm suspended at an await
// point, or the yielded value of a generator execution. The value is
// borrowed: it stays owned by the Vm and is valid until the Vm is resumed
// or closed.
func (vm *Vm) Awaited() Value {
	return vm.awaited
}

// Result returns the final value of a Completed Vm. Borrowed; released by
// Close.
func (vm *Vm) Result() (Value, error) {
	if vm.state != StateCompleted {
		return Nil, fmt.Errorf("vm is %s, not Completed", vm.state)
	}
	return vm.result, nil
}

// Fault returns the structured error of a Faulted Vm.
func (vm *Vm) Fault() *Error {
	return vm.fault
}

// Refuel adds to the instruction budget of a fuel-limited Vm.
func (vm *Vm) Refuel(n int64) {
	if n > 0 {
		vm.fuelLimited = true
		vm.fuel += n
	}
}

// FuelRemaining returns the remaining instruction budget, or -1 when the
// Vm is not fuel-limited.
func (vm *Vm) FuelRemaining() int64 {
	if !vm.fuelLimited {
		return -1
	}
	return vm.fuel
}

// Run drives the Vm until it completes, faults, or suspends. Valid from
// Idle or mid-flight after Step; use Resume from Suspended.
func (vm *Vm) Run() (State, error) {
	if vm.state != StateIdle && vm.state != StateRunning {
		return vm.state, fmt.Errorf("cannot Run a %s vm", vm.state)
	}
	return vm.run(), nil
}

// Step executes exactly one instruction and returns the resulting state.
func (vm *Vm) Step() (State, error) {
	if vm.state != StateIdle && vm.state != StateRunning {
		return vm.state, fmt.Errorf("cannot Step a %s vm", vm.state)
	}
	vm.state = StateRunning
	vm.guarded(vm.stepOne)
	return vm.state, nil
}

// Resume continues a Suspended Vm, supplying the value the suspension was
// waiting for: the awaited result for SuspendAwait, the value of the yield
// expression for SuspendYield. For SuspendFuel the value is ignored (pass
// Nil) and execution continues on the remaining budget. Ownership of v
// transfers to the Vm.
func (vm *Vm) Resume(v Value) (State, error) {
	if vm.state != StateSuspended {
		v.Drop()
		return vm.state, fmt.Errorf("cannot Resume a %s vm", vm.state)
	}
	return vm.resume(v, nil), nil
}

// ResumeErr continues a Suspended Vm by rethrowing err at the await point,
// exactly as if the awaited work had failed synchronously.
func (vm *Vm) ResumeErr(err error) (State, error) {
	if vm.state != StateSuspended {
		return vm.state, fmt.Errorf("cannot Resume a %s vm", vm.state)
	}
	if vm.suspendReason != SuspendAwait {
		return vm.state, fmt.Errorf("ResumeErr requires an await suspension, vm is suspended on %s", vm.suspendReason)
	}
	return vm.resume(Nil, asRuntimeError("await", err)), nil
}

// Close tears the Vm down, releasing every Value it owns. Closing a
// Suspended or Idle Vm is the cancellation path: no rollback of side
// effects already performed by native calls is attempted.
func (vm *Vm) Close() {
	if vm.closed {
		return
	}
	vm.closed = true
	for _, v := range vm.stack {
		v.Drop()
	}
	vm.stack = nil
	vm.frames = nil
	vm.awaited.Drop()
	vm.awaited = Nil
	vm.childResume.Drop()
	vm.childResume = Nil
	vm.childErr = nil
	vm.result.Drop()
	vm.result = Nil
}

// takeResult moves the final value out of a Completed Vm.
func (vm *Vm) takeResult() Value {
	r := vm.result
	vm.result = Nil
	return r
}

// takeAwaited moves the awaited/yielded value out of the Vm.
func (vm *Vm) takeAwaited() Value {
	v := vm.awaited
	vm.awaited = Nil
	return v
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// run drives the fetch-decode-execute cycle until the state changes.
func (vm *Vm) run() State {
	vm.state = StateRunning
	vm.guarded(func() {
		for vm.state == StateRunning {
			vm.stepOne()
		}
	})
	return vm.state
}

// resume re-enters the loop from a suspension. With e set, the error is
// rethrown at the suspension point instead of delivering a value.
func (vm *Vm) resume(v Value, e *Error) State {
	reason := vm.suspendReason
	vm.state = StateRunning
	vm.suspendReason = SuspendNone
	vm.awaited.Drop()
	vm.awaited = Nil

	if e != nil {
		v.Drop()
		if vm.childPending {
			// The suspension came from a generator pull; the error belongs
			// at the generator's await point, where its own catch boundaries
			// apply. Delivered on re-execution of the pull.
			vm.childPending = false
			vm.childHot = true
			vm.childErr = e
			return vm.runLoop()
		}
		vm.guarded(func() { vm.raise(e) })
		if vm.state != StateRunning {
			return vm.state
		}
		return vm.runLoop()
	}

	switch reason {
	case SuspendFuel:
		v.Drop()
	case SuspendAwait:
		if vm.childPending {
			// The value belongs to the generator the suspended OpIterNext
			// was pulling; it is delivered on re-execution.
			vm.childPending = false
			vm.childHot = true
			vm.childResume = v
		} else {
			vm.push(v)
		}
	case SuspendYield:
		// The resumption value becomes the result of the yield expression.
		vm.push(v)
	default:
		v.Drop()
	}
	return vm.runLoop()
}

func (vm *Vm) runLoop() State {
	vm.guarded(func() {
		for vm.state == StateRunning {
			vm.stepOne()
		}
	})
	return vm.state
}

// guarded converts engine invariant panics into a fatal fault instead of
// unwinding into the host.
func (vm *Vm) guarded(f func()) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*Error); ok && e.Kind == InvariantViolation {
				vm.fatal(e)
				return
			}
			panic(r)
		}
	}()
	f()
}

// suspend freezes the Vm, taking ownership of the descriptor.
func (vm *Vm) suspend(reason SuspendReason, desc Value) {
	vm.state = StateSuspended
	vm.suspendReason = reason
	vm.awaited = desc
	if vm.opts.Trace {
		log.Debugf("vm %s: suspended (%s) at offset %d", vm.id, reason, vm.opIP)
	}
}

// fatal terminates the Vm without running catch boundaries and releases
// the (no longer trustworthy) stacks.
func (vm *Vm) fatal(e *Error) {
	vm.annotate(e)
	for _, v := range vm.stack {
		v.Drop()
	}
	vm.stack = vm.stack[:0]
	vm.frames = vm.frames[:0]
	vm.fault = e
	vm.state = StateFaulted
	if vm.opts.Trace {
		log.Errorf("vm %s: fatal %s", vm.id, e)
	}
}

// raise propagates a runtime error: fatal kinds terminate immediately;
// recoverable kinds unwind frame by frame looking for a catch boundary
// compiled into the unit, and surface as the Faulted state when none is
// installed.
func (vm *Vm) raise(e *Error) {
	if e.Kind.Fatal() {
		vm.fatal(e)
		return
	}
	for i := len(vm.frames) - 1; i >= 0; i-- {
		f := &vm.frames[i]
		at := vm.opIP
		if i < len(vm.frames)-1 {
			// The frame above returns into this frame; the faulting call
			// site is the instruction just before the return address.
			at = vm.frames[i+1].retIP - 1
		}
		for _, c := range f.fn.Catches {
			if at >= c.From && at < c.To {
				vm.unwindTo(i, f.base+f.locals+c.StackDepth)
				vm.push(ErrorValue(e))
				vm.ip = c.Handler
				if vm.opts.Trace {
					log.Debugf("vm %s: caught %s in %s", vm.id, e.Kind, f.fn.Name)
				}
				return
			}
		}
	}
	vm.annotate(e)
	for _, v := range vm.stack {
		v.Drop()
	}
	vm.stack = vm.stack[:0]
	vm.frames = vm.frames[:0]
	vm.fault = e
	vm.state = StateFaulted
	if vm.opts.Trace {
		log.Debugf("vm %s: faulted with %s", vm.id, e)
	}
}

// unwindTo pops frames above index fi and truncates the operand stack to
// depth slots, dropping everything released on the way.
func (vm *Vm) unwindTo(fi, depth int) {
	vm.frames = vm.frames[:fi+1]
	for len(vm.stack) > depth {
		vm.pop().Drop()
	}
}

// annotate fills in the failure location and frame chain.
func (vm *Vm) annotate(e *Error) {
	if e.Offset >= 0 {
		return
	}
	e.Offset = vm.opIP
	at := vm.opIP
	for i := len(vm.frames) - 1; i >= 0; i-- {
		f := vm.frames[i]
		e.Frames = append(e.Frames, FrameInfo{
			Function: f.fn.Name,
			Offset:   at,
			Line:     vm.unit.LineForOffset(at),
		})
		if f.retIP > 0 {
			at = f.retIP - 1
		}
	}
}

// ---------------------------------------------------------------------------
// Stack primitives
// ---------------------------------------------------------------------------

func (vm *Vm) push(v Value) {
	vm.stack = append(vm.stack, v)
}

func (vm *Vm) pop() Value {
	n := len(vm.stack)
	if n == 0 {
		panic(errInvariant("operand stack underflow at offset %d", vm.opIP))
	}
	v := vm.stack[n-1]
	vm.stack = vm.stack[:n-1]
	return v
}

func (vm *Vm) top() Value {
	n := len(vm.stack)
	if n == 0 {
		panic(errInvariant("operand stack underflow at offset %d", vm.opIP))
	}
	return vm.stack[n-1]
}

// popN removes the top n values preserving push order.
func (vm *Vm) popN(n int) []Value {
	if len(vm.stack) < n {
		panic(errInvariant("operand stack underflow at offset %d", vm.opIP))
	}
	out := make([]Value, n)
	copy(out, vm.stack[len(vm.stack)-n:])
	vm.stack = vm.stack[:len(vm.stack)-n]
	return out
}

func (vm *Vm) currentFrame() *frame {
	if len(vm.frames) == 0 {
		panic(errInvariant("no active frame"))
	}
	return &vm.frames[len(vm.frames)-1]
}

// ---------------------------------------------------------------------------
// Operand decoding
// ---------------------------------------------------------------------------

func (vm *Vm) readU8() uint8 {
	v := vm.unit.code[vm.ip]
	vm.ip++
	return v
}

func (vm *Vm) readI8() int8 {
	return int8(vm.readU8())
}

func (vm *Vm) readU16() uint16 {
	v := binary.LittleEndian.Uint16(vm.unit.code[vm.ip:])
	vm.ip += 2
	return v
}

func (vm *Vm) readI16() int16 {
	return int16(vm.readU16())
}

func (vm *Vm) readU32() uint32 {
	v := binary.LittleEndian.Uint32(vm.unit.code[vm.ip:])
	vm.ip += 4
	return v
}

// ---------------------------------------------------------------------------
// One instruction
// ---------------------------------------------------------------------------

func (vm *Vm) stepOne() {
	if vm.fuelLimited {
		if vm.fuel <= 0 {
			vm.suspend(SuspendFuel, Nil)
			return
		}
		vm.fuel--
	}

	vm.opIP = vm.ip
	op := Opcode(vm.unit.code[vm.ip])
	vm.ip++

	switch op {
	case OpNop:

	case OpPop:
		vm.pop().Drop()

	case OpDup:
		vm.push(vm.top().Clone())

	case OpNil:
		vm.push(Nil)

	case OpTrue:
		vm.push(Bool(true))

	case OpFalse:
		vm.push(Bool(false))

	case OpSmallInt:
		vm.push(Int(int64(vm.readI8())))

	case OpConst:
		idx := vm.readU16()
		vm.push(vm.unit.consts[idx].Clone())

	case OpLoadLocal:
		slot := int(vm.readU8())
		f := vm.currentFrame()
		if slot >= f.locals {
			vm.raise(errInvariant("local slot %d outside window of %s", slot, f.fn.Name))
			return
		}
		vm.push(vm.stack[f.base+slot].Clone())

	case OpStoreLocal:
		slot := int(vm.readU8())
		f := vm.currentFrame()
		if slot >= f.locals {
			vm.raise(errInvariant("local slot %d outside window of %s", slot, f.fn.Name))
			return
		}
		v := vm.pop()
		old := vm.stack[f.base+slot]
		vm.stack[f.base+slot] = v
		old.Drop()

	case OpAdd:
		vm.binaryOp(ProtocolAdd)
	case OpSub:
		vm.binaryOp(ProtocolSub)
	case OpMul:
		vm.binaryOp(ProtocolMul)
	case OpDiv:
		vm.binaryOp(ProtocolDiv)
	case OpRem:
		vm.binaryOp(ProtocolRem)

	case OpNeg:
		v := vm.pop()
		if v.kind == KindInt {
			n, ok := negChecked(v.AsInt())
			if !ok {
				vm.raise(errOverflow("negation"))
				return
			}
			vm.push(Int(n))
			return
		}
		if v.kind == KindFloat {
			vm.push(Float(-v.AsFloat()))
			return
		}
		out, err := dispatchProtocol(vm.ctx, ProtocolNeg, v)
		v.Drop()
		if err != nil {
			vm.raise(err)
			return
		}
		vm.push(out)

	case OpEq, OpNe:
		b := vm.pop()
		a := vm.pop()
		eq, err := structuralEquals(vm.ctx, a, b)
		a.Drop()
		b.Drop()
		if err != nil {
			vm.raise(err)
			return
		}
		if op == OpNe {
			eq = !eq
		}
		vm.push(Bool(eq))

	case OpLt, OpLe, OpGt, OpGe:
		b := vm.pop()
		a := vm.pop()
		c, err := structuralCompare(vm.ctx, a, b)
		a.Drop()
		b.Drop()
		if err != nil {
			vm.raise(err)
			return
		}
		var r bool
		switch op {
		case OpLt:
			r = c < 0
		case OpLe:
			r = c <= 0
		case OpGt:
			r = c > 0
		case OpGe:
			r = c >= 0
		}
		vm.push(Bool(r))

	case OpNot:
		v := vm.pop()
		t := v.Truthy()
		v.Drop()
		vm.push(Bool(!t))

	case OpJump:
		delta := int(vm.readI16())
		vm.ip += delta

	case OpJumpIf:
		delta := int(vm.readI16())
		v := vm.pop()
		t := v.Truthy()
		v.Drop()
		if t {
			vm.ip += delta
		}

	case OpJumpIfNot:
		delta := int(vm.readI16())
		v := vm.pop()
		t := v.Truthy()
		v.Drop()
		if !t {
			vm.ip += delta
		}

	case OpCall:
		idx := int(vm.readU16())
		argc := int(vm.readU8())
		vm.callFunction(&vm.unit.funcs[idx], argc, nil)

	case OpCallNative:
		hash := vm.readU32()
		argc := int(vm.readU8())
		vm.callNative(hash, argc)

	case OpCallValue:
		argc := int(vm.readU8())
		vm.callValue(argc)

	case OpClosure:
		idx := int(vm.readU16())
		ncaps := int(vm.readU8())
		captures := vm.popN(ncaps)
		fn := &vm.unit.funcs[idx]
		vm.push(newScriptFunction(vm.unit, fn, captures))

	case OpReturn:
		vm.doReturn(vm.pop())

	case OpReturnNil:
		vm.doReturn(Nil)

	case OpVec:
		n := int(vm.readU16())
		vm.push(Vec(vm.popN(n)...))

	case OpTuple:
		n := int(vm.readU8())
		vm.push(Tuple(vm.popN(n)...))

	case OpMap:
		n := int(vm.readU16())
		pairs := vm.popN(2 * n)
		m := Map()
		for i := 0; i < len(pairs); i += 2 {
			if err := m.MapSet(pairs[i], pairs[i+1]); err != nil {
				for j := i; j < len(pairs); j++ {
					pairs[j].Drop()
				}
				m.Drop()
				vm.raise(err)
				return
			}
		}
		vm.push(m)

	case OpRange:
		inclusive := vm.readU8() != 0
		end := vm.pop()
		start := vm.pop()
		if start.kind != KindInt || end.kind != KindInt {
			k := start.kind
			if start.kind == KindInt {
				k = end.kind
			}
			start.Drop()
			end.Drop()
			vm.raise(errTypeMismatch("range bounds must be Int, got %s", k))
			return
		}
		vm.push(Range(start.AsInt(), end.AsInt(), inclusive))

	case OpIndexGet:
		idx := vm.pop()
		recv := vm.pop()
		out, err := dispatchProtocol(vm.ctx, ProtocolIndexGet, recv, idx)
		idx.Drop()
		recv.Drop()
		if err != nil {
			vm.raise(err)
			return
		}
		vm.push(out)

	case OpIndexSet:
		val := vm.pop()
		idx := vm.pop()
		recv := vm.pop()
		out, err := dispatchProtocol(vm.ctx, ProtocolIndexSet, recv, idx, val)
		val.Drop()
		idx.Drop()
		recv.Drop()
		if err != nil {
			vm.raise(err)
			return
		}
		out.Drop()

	case OpLen:
		recv := vm.pop()
		out, err := dispatchProtocol(vm.ctx, ProtocolLen, recv)
		recv.Drop()
		if err != nil {
			vm.raise(err)
			return
		}
		vm.push(out)

	case OpIterNew:
		src := vm.pop()
		it, err := intoIterator(vm.ctx, src)
		src.Drop()
		if err != nil {
			vm.raise(err)
			return
		}
		vm.push(it)

	case OpIterNext:
		vm.iterNext()

	case OpAwait:
		vm.await(vm.pop())

	case OpYield:
		f := vm.currentFrame()
		if !f.fn.Generator {
			vm.raise(errInvariant("yield outside a generator function (%s)", f.fn.Name))
			return
		}
		vm.suspend(SuspendYield, vm.pop())

	default:
		vm.raise(errInvariant("invalid opcode 0x%02x at offset %d", byte(op), vm.opIP))
	}
}

// binaryOp executes an arithmetic opcode: inline fast paths for matching
// numeric kinds, protocol dispatch for everything else.
func (vm *Vm) binaryOp(p Protocol) {
	b := vm.pop()
	a := vm.pop()

	if a.kind == KindInt && b.kind == KindInt {
		var (
			n   int64
			ok  bool
			err *Error
		)
		switch p {
		case ProtocolAdd:
			n, ok = addChecked(a.AsInt(), b.AsInt())
		case ProtocolSub:
			n, ok = subChecked(a.AsInt(), b.AsInt())
		case ProtocolMul:
			n, ok = mulChecked(a.AsInt(), b.AsInt())
		case ProtocolDiv:
			n, err = divChecked(a.AsInt(), b.AsInt())
			ok = err == nil
		case ProtocolRem:
			n, err = remChecked(a.AsInt(), b.AsInt())
			ok = err == nil
		}
		if !ok {
			if err == nil {
				err = errOverflow(p.String())
			}
			vm.raise(err)
			return
		}
		vm.push(Int(n))
		return
	}

	if a.kind == KindFloat && b.kind == KindFloat {
		x, y := a.AsFloat(), b.AsFloat()
		switch p {
		case ProtocolAdd:
			vm.push(Float(x + y))
		case ProtocolSub:
			vm.push(Float(x - y))
		case ProtocolMul:
			vm.push(Float(x * y))
		case ProtocolDiv:
			vm.push(Float(x / y))
		case ProtocolRem:
			vm.raise(errUnsupported(TypeFloat, ProtocolRem))
		}
		return
	}

	out, err := dispatchProtocol(vm.ctx, p, a, b)
	a.Drop()
	b.Drop()
	if err != nil {
		vm.raise(err)
		return
	}
	vm.push(out)
}

// ---------------------------------------------------------------------------
// Calls and returns
// ---------------------------------------------------------------------------

// callFunction pushes a frame for a unit function. For closures the
// captures are inserted as hidden leading locals ahead of the arguments
// already on the stack.
func (vm *Vm) callFunction(fn *FuncInfo, argc int, captures []Value) {
	if argc != fn.Arity {
		vm.dropTop(argc)
		for _, c := range captures {
			c.Drop()
		}
		vm.raise(errArity(fmt.Sprintf("%d", fn.Arity), argc))
		return
	}
	if fn.Generator {
		args := vm.popN(argc)
		all := append(captures, args...)
		exec := newGeneratorExecution(vm, fn, all)
		vm.push(newGeneratorValue(exec))
		return
	}
	if len(vm.frames) >= vm.opts.MaxCallDepth {
		vm.raise(errStackOverflow(vm.opts.MaxCallDepth))
		return
	}

	base := len(vm.stack) - argc
	if len(captures) > 0 {
		args := vm.popN(argc)
		base = len(vm.stack)
		vm.stack = append(vm.stack, captures...)
		vm.stack = append(vm.stack, args...)
	}
	for i := 0; i < fn.Locals; i++ {
		vm.push(Nil)
	}
	vm.frames = append(vm.frames, frame{
		fn:     fn,
		retIP:  vm.ip,
		base:   base,
		locals: len(captures) + argc + fn.Locals,
	})
	vm.ip = fn.Offset
	if vm.opts.Trace {
		log.Debugf("vm %s: call %s depth=%d", vm.id, fn.Name, len(vm.frames))
	}
}

// newGeneratorExecution builds the child execution behind a generator
// value: fresh stacks, shared unit and context, no fuel limit of its own
// (the pulling Vm meters overall progress).
func newGeneratorExecution(vm *Vm, fn *FuncInfo, window []Value) *Vm {
	opts := vm.opts
	opts.Fuel = 0
	return newExecution(vm.unit, vm.ctx, fn, window, opts)
}

// callNative invokes a registered host function. Arity is verified before
// the body runs. A pending future returned inside an async function turns
// the call site into an await point.
func (vm *Vm) callNative(hash uint32, argc int) {
	entry, ok := vm.ctx.natives[hash]
	if !ok {
		vm.dropTop(argc)
		vm.raise(newError(UnsupportedOperation, "no native function registered for hash %#x", hash))
		return
	}
	if !entry.variadic && argc != entry.arity {
		vm.dropTop(argc)
		vm.raise(errArity(fmt.Sprintf("%d", entry.arity), argc))
		return
	}

	args := vm.stack[len(vm.stack)-argc:]
	out, err := entry.fn(args)
	vm.dropTop(argc)
	if err != nil {
		vm.raise(asRuntimeError(entry.name, err))
		return
	}
	if out.kind == KindFuture && FutureIsPending(out) && vm.currentFrame().fn.Async {
		vm.await(out)
		return
	}
	vm.push(out)
}

// callValue calls the function value sitting under argc arguments.
func (vm *Vm) callValue(argc int) {
	fnVal := vm.stack[len(vm.stack)-argc-1]
	if fnVal.kind != KindFunction {
		// Host types may implement the Call protocol.
		args := vm.stack[len(vm.stack)-argc:]
		out, err := dispatchProtocol(vm.ctx, ProtocolCall, fnVal, args...)
		vm.dropTop(argc + 1)
		if err != nil {
			vm.raise(err)
			return
		}
		vm.push(out)
		return
	}
	p := fnVal.obj.fn

	if p.native != nil {
		if !p.native.variadic && argc != p.native.arity {
			vm.dropTop(argc + 1)
			vm.raise(errArity(fmt.Sprintf("%d", p.native.arity), argc))
			return
		}
		args := vm.stack[len(vm.stack)-argc:]
		out, err := p.native.fn(args)
		vm.dropTop(argc + 1)
		if err != nil {
			vm.raise(asRuntimeError(p.native.name, err))
			return
		}
		vm.push(out)
		return
	}

	if p.unit != vm.unit {
		vm.dropTop(argc + 1)
		vm.raise(errInvariant("closure belongs to a different unit"))
		return
	}

	// Clone the captured environment before the function value (and with
	// it, potentially the last reference to the captures) leaves the stack.
	captures := make([]Value, len(p.captures))
	for i, c := range p.captures {
		captures[i] = c.Clone()
	}
	fn := p.fn
	args := vm.popN(argc)
	vm.pop().Drop() // the function value
	vm.stack = append(vm.stack, args...)
	vm.callFunction(fn, argc, captures)
}

// doReturn collapses the current frame: every slot from the frame base up
// is released and the result takes the call's place on the stack.
func (vm *Vm) doReturn(result Value) {
	f := vm.frames[len(vm.frames)-1]
	for len(vm.stack) > f.base {
		vm.pop().Drop()
	}
	vm.frames = vm.frames[:len(vm.frames)-1]
	if len(vm.frames) == 0 {
		vm.result = result
		vm.state = StateCompleted
		if vm.opts.Trace {
			log.Debugf("vm %s: completed", vm.id)
		}
		return
	}
	vm.push(result)
	vm.ip = f.retIP
}

// dropTop drops the top n stack values.
func (vm *Vm) dropTop(n int) {
	for i := 0; i < n; i++ {
		vm.pop().Drop()
	}
}

// ---------------------------------------------------------------------------
// Suspension points
// ---------------------------------------------------------------------------

// await treats v as an awaitable, taking ownership. Completed futures
// deliver immediately (the confluence property: resuming later with the
// same value is indistinguishable); pending futures freeze the Vm with the
// future as its await descriptor.
func (vm *Vm) await(v Value) {
	f := vm.currentFrame()
	if !f.fn.Async {
		v.Drop()
		vm.raise(errInvariant("await inside non-async function %s", f.fn.Name))
		return
	}
	if v.kind != KindFuture {
		k := v.kind
		v.Drop()
		vm.raise(errTypeMismatch("cannot await %s", k))
		return
	}
	if err := v.obj.beginBorrow("future"); err != nil {
		v.Drop()
		vm.raise(err)
		return
	}
	p := v.obj.fut
	switch p.state {
	case futureCompleted:
		out := p.result.Clone()
		v.obj.endBorrow()
		v.Drop()
		vm.push(out)
	case futureFailed:
		e := p.err
		v.obj.endBorrow()
		v.Drop()
		vm.raise(e)
	default:
		v.obj.endBorrow()
		vm.suspend(SuspendAwait, v)
	}
}

// iterNext advances the iterator at the top of the stack: pushes the next
// element, or pops the exhausted iterator and takes the end jump.
// Generator-backed iterators are driven here so that a generator awaiting
// host work propagates the suspension to this Vm; the instruction pointer
// is rewound so the pull re-executes on resume.
func (vm *Vm) iterNext() {
	delta := int(vm.readI16())
	it := vm.top()
	if it.kind != KindIterator {
		vm.raise(errTypeMismatch("ITER_NEXT on %s", it.kind))
		return
	}

	if gi, ok := it.obj.iter.(*genIter); ok {
		resume := Nil
		var resumeErr *Error
		if vm.childHot {
			resume = vm.childResume
			vm.childResume = Nil
			resumeErr = vm.childErr
			vm.childErr = nil
			vm.childHot = false
		}
		v, more, suspended, err := pullGenerator(gi.gen, resume, resumeErr)
		if err != nil {
			vm.raise(err)
			return
		}
		if suspended {
			vm.ip = vm.opIP
			vm.childPending = true
			vm.suspend(SuspendAwait, gi.gen.gen.exec.awaited.Clone())
			return
		}
		if more {
			vm.push(v)
			return
		}
		vm.pop().Drop()
		vm.ip += delta
		return
	}

	v, more, err := it.obj.iter.next()
	if err != nil {
		vm.raise(err)
		return
	}
	if more {
		vm.push(v)
		return
	}
	vm.pop().Drop()
	vm.ip += delta
}

// ---------------------------------------------------------------------------
// Function values
// ---------------------------------------------------------------------------

// funcPayload backs a KindFunction object: either a script function (with
// its owned captured environment) or a native function.
type funcPayload struct {
	name     string
	unit     *Unit
	fn       *FuncInfo
	captures []Value
	native   *nativeEntry
}

func newScriptFunction(unit *Unit, fn *FuncInfo, captures []Value) Value {
	o := newObject(KindFunction)
	o.fn = &funcPayload{name: fn.Name, unit: unit, fn: fn, captures: captures}
	return Value{kind: KindFunction, obj: o}
}

// FuncValue wraps a unit function into a first-class value with no
// captured environment.
func FuncValue(unit *Unit, name string) (Value, error) {
	fn, ok := unit.Function(name)
	if !ok {
		return Nil, fmt.Errorf("no function %q in unit", name)
	}
	return newScriptFunction(unit, fn, nil), nil
}

// NativeFuncValue wraps a host function into a first-class callable value.
func NativeFuncValue(name string, arity int, fn NativeFn) Value {
	o := newObject(KindFunction)
	o.fn = &funcPayload{name: name, native: &nativeEntry{name: name, fn: fn, arity: arity}}
	return Value{kind: KindFunction, obj: o}
}
