package vm

// ---------------------------------------------------------------------------
// Futures and generators: the async/suspend bridge's heap objects
// ---------------------------------------------------------------------------

type futureState uint8

const (
	futurePending futureState = iota
	futureCompleted
	futureFailed
)

// futurePayload is interior-mutable: resolution races with an awaiting Vm
// are excluded by the object's borrow guard.
type futurePayload struct {
	state  futureState
	result Value
	err    *Error
}

// NewPendingFuture constructs a pending future. Awaiting it suspends the
// Vm with the future as the await descriptor; the host later supplies the
// result through Vm.Resume (or resolves the future directly with
// ResolveFuture before the await executes).
func NewPendingFuture() Value {
	o := newObject(KindFuture)
	o.fut = &futurePayload{state: futurePending, result: Nil}
	return Value{kind: KindFuture, obj: o}
}

// CompletedFuture constructs an already-resolved future, taking ownership
// of v. Awaiting it never suspends.
func CompletedFuture(v Value) Value {
	o := newObject(KindFuture)
	o.fut = &futurePayload{state: futureCompleted, result: v}
	return Value{kind: KindFuture, obj: o}
}

// FailedFuture constructs a future that rethrows err at the await point.
func FailedFuture(err error) Value {
	o := newObject(KindFuture)
	o.fut = &futurePayload{state: futureFailed, result: Nil, err: asRuntimeError("future", err)}
	return Value{kind: KindFuture, obj: o}
}

// ResolveFuture completes a pending future with v, taking ownership of v.
// Resolving a future that is not pending, or one currently under exclusive
// access, is an error.
func ResolveFuture(fut, v Value) error {
	if fut.kind != KindFuture {
		return errTypeMismatch("ResolveFuture on %s", fut.kind)
	}
	if err := fut.obj.beginBorrow("future"); err != nil {
		return err
	}
	defer fut.obj.endBorrow()
	p := fut.obj.fut
	if p.state != futurePending {
		return errInvariant("future resolved twice")
	}
	p.state = futureCompleted
	p.result = v
	return nil
}

// FailFuture fails a pending future with err.
func FailFuture(fut Value, err error) error {
	if fut.kind != KindFuture {
		return errTypeMismatch("FailFuture on %s", fut.kind)
	}
	if berr := fut.obj.beginBorrow("future"); berr != nil {
		return berr
	}
	defer fut.obj.endBorrow()
	p := fut.obj.fut
	if p.state != futurePending {
		return errInvariant("future resolved twice")
	}
	p.state = futureFailed
	p.err = asRuntimeError("future", err)
	return nil
}

// FutureIsPending reports whether the future has not yet resolved.
func FutureIsPending(fut Value) bool {
	return fut.kind == KindFuture && fut.obj.fut.state == futurePending
}

// ---------------------------------------------------------------------------
// Generators
// ---------------------------------------------------------------------------

// generatorPayload wraps the suspended execution that produces the
// generator's values. Interior-mutable, guarded by the object's borrow
// flag: a generator that resumes itself (directly or through a protocol)
// fails with BorrowError instead of corrupting state.
type generatorPayload struct {
	exec *Vm
	done bool
}

// newGeneratorValue wraps a prepared execution into a Generator value.
// The payload owns the execution and tears it down when the last reference
// is dropped.
func newGeneratorValue(exec *Vm) Value {
	o := newObject(KindGenerator)
	o.gen = &generatorPayload{exec: exec}
	return Value{kind: KindGenerator, obj: o}
}

// NewGenerator constructs a generator over the named unit function without
// running any of its code: the underlying execution stays Idle until the
// first pull. Ownership of args transfers to the generator.
func NewGenerator(unit *Unit, ctx *Context, fnName string, args []Value) (Value, error) {
	fn, ok := unit.Function(fnName)
	if !ok {
		return Nil, errInvariant("no function %q in unit", fnName)
	}
	if len(args) != fn.Arity {
		return Nil, errArity(itoa(fn.Arity), len(args))
	}
	exec := newExecution(unit, ctx, fn, args, DefaultOptions())
	return newGeneratorValue(exec), nil
}

func itoa(n int) string {
	return valueString(nil, Int(int64(n)))
}
