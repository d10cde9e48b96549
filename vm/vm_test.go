package vm

import (
	"errors"
	"math"
	"testing"
)

func TestRunSimpleArithmetic(t *testing.T) {
	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 0, 0)
		fb.Emit(OpSmallInt, 1)
		fb.Emit(OpSmallInt, 2)
		fb.Emit(OpAdd)
		fb.Emit(OpReturn)
	})
	got, err := Call(u, emptyContext(t), "main", nil)
	if err != nil {
		t.Fatalf("main: %v", err)
	}
	if got.Kind() != KindInt || got.AsInt() != 3 {
		t.Errorf("1+2: got %s %v", got.Kind(), got)
	}
}

func TestFunctionCallWindow(t *testing.T) {
	u := buildUnit(t, func(ub *UnitBuilder) {
		// add(a, b) with one scratch local.
		fb := ub.Function("add", 2, 1)
		fb.Emit(OpLoadLocal, 0)
		fb.Emit(OpLoadLocal, 1)
		fb.Emit(OpAdd)
		fb.Emit(OpStoreLocal, 2)
		fb.Emit(OpLoadLocal, 2)
		fb.Emit(OpReturn)

		mb := ub.Function("main", 0, 0)
		mb.Emit(OpSmallInt, 40)
		mb.Emit(OpSmallInt, 2)
		mb.Emit(OpCall, 0, 2)
		mb.Emit(OpReturn)
	})
	got, err := Call(u, emptyContext(t), "main", nil)
	if err != nil {
		t.Fatalf("main: %v", err)
	}
	if got.AsInt() != 42 {
		t.Errorf("add(40,2): got %d", got.AsInt())
	}
}

func TestArityMismatchFaults(t *testing.T) {
	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("one", 1, 0)
		fb.Emit(OpLoadLocal, 0)
		fb.Emit(OpReturn)
		mb := ub.Function("main", 0, 0)
		mb.Emit(OpCall, 0, 0)
		mb.Emit(OpReturn)
	})
	vm, err := New(u, emptyContext(t), "main", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer vm.Close()
	state, err := vm.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state != StateFaulted {
		t.Fatalf("state: %s, want Faulted", state)
	}
	if vm.Fault().Kind != ArityMismatch {
		t.Errorf("fault kind: %s, want ArityMismatch", vm.Fault().Kind)
	}
}

func TestNativeCall(t *testing.T) {
	b := NewContextBuilder()
	b.RegisterNative("sqrt", 1, func(args []Value) (Value, error) {
		f, ok := coerceFloat(args[0])
		if !ok {
			return Nil, errTypeMismatch("sqrt expects a number, got %s", args[0].Kind())
		}
		return Float(math.Sqrt(f)), nil
	})
	ctx, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 0, 0)
		fb.Emit(OpSmallInt, 9)
		fb.EmitCallNative("sqrt", 1)
		fb.Emit(OpReturn)
	})
	got, err := Call(u, ctx, "main", nil)
	if err != nil {
		t.Fatalf("main: %v", err)
	}
	if got.AsFloat() != 3 {
		t.Errorf("sqrt(9): got %g", got.AsFloat())
	}
}

func TestNativeErrorSurfacesAsFault(t *testing.T) {
	b := NewContextBuilder()
	hostErr := errors.New("disk on fire")
	b.RegisterNative("boom", 0, func(args []Value) (Value, error) {
		return Nil, hostErr
	})
	ctx, _ := b.Build()

	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 0, 0)
		fb.EmitCallNative("boom", 0)
		fb.Emit(OpReturn)
	})
	vm, _ := New(u, ctx, "main", nil)
	defer vm.Close()
	state, _ := vm.Run()
	if state != StateFaulted {
		t.Fatalf("state: %s", state)
	}
	fault := vm.Fault()
	if fault.Kind != NativeError {
		t.Errorf("fault kind: %s, want NativeError", fault.Kind)
	}
	if !errors.Is(fault, hostErr) {
		t.Error("host error not preserved through Unwrap")
	}
	if len(fault.Frames) == 0 || fault.Frames[0].Function != "main" {
		t.Errorf("frame chain: %+v", fault.Frames)
	}
}

func TestIndexOutOfBoundsDetail(t *testing.T) {
	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 0, 0)
		fb.Emit(OpSmallInt, 1)
		fb.Emit(OpSmallInt, 2)
		fb.Emit(OpSmallInt, 3)
		fb.Emit(OpVec, 3)
		fb.Emit(OpSmallInt, 5)
		fb.Emit(OpIndexGet)
		fb.Emit(OpReturn)
	})
	vm, _ := New(u, emptyContext(t), "main", nil)
	defer vm.Close()
	state, _ := vm.Run()
	if state != StateFaulted {
		t.Fatalf("state: %s", state)
	}
	fault := vm.Fault()
	if fault.Kind != IndexOutOfBounds {
		t.Fatalf("fault kind: %s", fault.Kind)
	}
	if fault.Index != 5 || fault.Length != 3 {
		t.Errorf("detail: index=%d length=%d, want 5 and 3", fault.Index, fault.Length)
	}
}

func TestCatchBoundaryRecovers(t *testing.T) {
	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 0, 0)
		from := fb.Offset()
		fb.Emit(OpSmallInt, 1)
		fb.Emit(OpSmallInt, 0)
		fb.Emit(OpDiv)
		fb.Emit(OpReturn)
		to := fb.Offset()
		handler := fb.Offset()
		fb.Emit(OpReturn) // returns the caught error value
		fb.Catch(from, to, handler, 0)
	})
	got, err := Call(u, emptyContext(t), "main", nil)
	if err != nil {
		t.Fatalf("main: %v", err)
	}
	defer got.Drop()
	caught, ok := AsError(got)
	if !ok {
		t.Fatalf("handler did not receive an error value, got %s", got.Kind())
	}
	if caught.Kind != DivisionByZero {
		t.Errorf("caught kind: %s", caught.Kind)
	}
}

func TestCatchUnwindsCalleeFrames(t *testing.T) {
	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("inner", 0, 0)
		fb.Emit(OpSmallInt, 1)
		fb.Emit(OpSmallInt, 0)
		fb.Emit(OpRem)
		fb.Emit(OpReturn)

		mb := ub.Function("main", 0, 0)
		from := mb.Offset()
		mb.Emit(OpCall, 0, 0)
		mb.Emit(OpReturn)
		to := mb.Offset()
		handler := mb.Offset()
		mb.Emit(OpSmallInt, -1)
		mb.Emit(OpReturn)
		mb.Catch(from, to, handler, 0)
	})
	got, err := Call(u, emptyContext(t), "main", nil)
	if err != nil {
		t.Fatalf("main: %v", err)
	}
	if got.AsInt() != -1 {
		t.Errorf("caller catch: got %v", got)
	}
}

func TestFatalErrorSkipsCatch(t *testing.T) {
	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("rec", 0, 0)
		from := fb.Offset()
		fb.Emit(OpCall, 0, 0)
		fb.Emit(OpReturn)
		to := fb.Offset()
		handler := fb.Offset()
		fb.Emit(OpReturnNil)
		fb.Catch(from, to, handler, 0)
	})
	opts := DefaultOptions()
	opts.MaxCallDepth = 16
	vm, err := NewWithOptions(u, emptyContext(t), "rec", nil, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer vm.Close()
	state, _ := vm.Run()
	if state != StateFaulted {
		t.Fatalf("state: %s, want Faulted", state)
	}
	if vm.Fault().Kind != StackOverflow {
		t.Errorf("fault kind: %s, want StackOverflow", vm.Fault().Kind)
	}
}

func TestClosureCapture(t *testing.T) {
	u := buildUnit(t, func(ub *UnitBuilder) {
		// addN: slot 0 = capture, slot 1 = argument.
		fb := ub.Function("addN", 1, 0)
		fb.Emit(OpLoadLocal, 0)
		fb.Emit(OpLoadLocal, 1)
		fb.Emit(OpAdd)
		fb.Emit(OpReturn)

		mb := ub.Function("main", 0, 0)
		mb.Emit(OpSmallInt, 10)
		mb.Emit(OpClosure, 0, 1)
		mb.Emit(OpSmallInt, 5)
		mb.Emit(OpCallValue, 1)
		mb.Emit(OpReturn)
	})
	got, err := Call(u, emptyContext(t), "main", nil)
	if err != nil {
		t.Fatalf("main: %v", err)
	}
	if got.AsInt() != 15 {
		t.Errorf("closure(5): got %d, want 15", got.AsInt())
	}
}

func TestClosureReusableAcrossCalls(t *testing.T) {
	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("addN", 1, 0)
		fb.Emit(OpLoadLocal, 0)
		fb.Emit(OpLoadLocal, 1)
		fb.Emit(OpAdd)
		fb.Emit(OpReturn)

		// Calls the same closure twice; captures must survive the first call.
		mb := ub.Function("main", 0, 1)
		mb.Emit(OpSmallInt, 100)
		mb.Emit(OpClosure, 0, 1)
		mb.Emit(OpStoreLocal, 0)
		mb.Emit(OpLoadLocal, 0)
		mb.Emit(OpSmallInt, 1)
		mb.Emit(OpCallValue, 1)
		mb.Emit(OpLoadLocal, 0)
		mb.Emit(OpSmallInt, 2)
		mb.Emit(OpCallValue, 1)
		mb.Emit(OpAdd)
		mb.Emit(OpReturn)
	})
	got, err := Call(u, emptyContext(t), "main", nil)
	if err != nil {
		t.Fatalf("main: %v", err)
	}
	if got.AsInt() != 203 {
		t.Errorf("got %d, want 203", got.AsInt())
	}
}

func TestCallValueOnNonFunction(t *testing.T) {
	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 0, 0)
		fb.Emit(OpSmallInt, 7)
		fb.Emit(OpCallValue, 0)
		fb.Emit(OpReturn)
	})
	vm, _ := New(u, emptyContext(t), "main", nil)
	defer vm.Close()
	state, _ := vm.Run()
	if state != StateFaulted || vm.Fault().Kind != UnsupportedOperation {
		t.Errorf("state=%s fault=%v", state, vm.Fault())
	}
}

func TestCallValueHostProtocol(t *testing.T) {
	b := NewContextBuilder()
	b.RegisterProtocol("Doubler", ProtocolCall, func(recv Value, args []Value) (Value, error) {
		return Int(args[0].AsInt() * 2), nil
	})
	ctx, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 1, 0)
		fb.Emit(OpLoadLocal, 0)
		fb.Emit(OpSmallInt, 21)
		fb.Emit(OpCallValue, 1)
		fb.Emit(OpReturn)
	})
	got, cerr := Call(u, ctx, "main", []Value{Any("Doubler", nil)})
	if cerr != nil {
		t.Fatalf("main: %v", cerr)
	}
	if got.AsInt() != 42 {
		t.Errorf("host call: got %v, want 42", got)
	}
}

// ---------------------------------------------------------------------------
// Await and resume
// ---------------------------------------------------------------------------

func TestAwaitPendingFutureSuspends(t *testing.T) {
	b := NewContextBuilder()
	b.RegisterNative("fetch", 0, func(args []Value) (Value, error) {
		return NewPendingFuture(), nil
	})
	ctx, _ := b.Build()

	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 0, 0).MarkAsync()
		fb.EmitCallNative("fetch", 0)
		fb.Emit(OpReturn)
	})
	vm, err := New(u, ctx, "main", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer vm.Close()

	state, err := vm.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state != StateSuspended {
		t.Fatalf("state: %s, want Suspended", state)
	}
	if vm.SuspendReason() != SuspendAwait {
		t.Fatalf("reason: %s, want Await", vm.SuspendReason())
	}
	if vm.Awaited().Kind() != KindFuture {
		t.Errorf("descriptor kind: %s, want Future", vm.Awaited().Kind())
	}

	state, err = vm.Resume(Int(42))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if state != StateCompleted {
		t.Fatalf("state after resume: %s", state)
	}
	result, err := vm.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result.AsInt() != 42 {
		t.Errorf("result: got %v, want 42", result)
	}
}

func TestAwaitCompletedFutureIsImmediate(t *testing.T) {
	b := NewContextBuilder()
	b.RegisterNative("ready", 0, func(args []Value) (Value, error) {
		return CompletedFuture(Int(7)), nil
	})
	ctx, _ := b.Build()

	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 0, 0).MarkAsync()
		fb.EmitCallNative("ready", 0)
		fb.Emit(OpAwait)
		fb.Emit(OpReturn)
	})
	got, err := Call(u, ctx, "main", nil)
	if err != nil {
		t.Fatalf("main: %v", err)
	}
	if got.AsInt() != 7 {
		t.Errorf("await completed: got %v", got)
	}
}

func TestResumeErrRethrowsAtAwaitPoint(t *testing.T) {
	b := NewContextBuilder()
	b.RegisterNative("fetch", 0, func(args []Value) (Value, error) {
		return NewPendingFuture(), nil
	})
	ctx, _ := b.Build()

	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 0, 0).MarkAsync()
		from := fb.Offset()
		fb.EmitCallNative("fetch", 0)
		fb.Emit(OpReturn)
		to := fb.Offset()
		handler := fb.Offset()
		fb.Emit(OpReturn)
		fb.Catch(from, to, handler, 0)
	})
	vm, _ := New(u, ctx, "main", nil)
	defer vm.Close()

	if state, _ := vm.Run(); state != StateSuspended {
		t.Fatalf("did not suspend: %s", state)
	}
	state, err := vm.ResumeErr(errors.New("timeout"))
	if err != nil {
		t.Fatalf("ResumeErr: %v", err)
	}
	if state != StateCompleted {
		t.Fatalf("state: %s, want Completed (caught)", state)
	}
	result, _ := vm.Result()
	caught, ok := AsError(result)
	if !ok || caught.Kind != NativeError {
		t.Errorf("caught: %v", result)
	}
}

func TestAwaitInSyncFunctionIsFatal(t *testing.T) {
	b := NewContextBuilder()
	b.RegisterNative("ready", 0, func(args []Value) (Value, error) {
		return CompletedFuture(Int(1)), nil
	})
	ctx, _ := b.Build()

	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 0, 0) // not marked async
		fb.EmitCallNative("ready", 0)
		fb.Emit(OpAwait)
		fb.Emit(OpReturn)
	})
	vm, _ := New(u, ctx, "main", nil)
	defer vm.Close()
	state, _ := vm.Run()
	if state != StateFaulted || vm.Fault().Kind != InvariantViolation {
		t.Errorf("state=%s fault=%v, want fatal InvariantViolation", state, vm.Fault())
	}
}

func TestResolveFutureBeforeAwait(t *testing.T) {
	fut := NewPendingFuture()
	share := fut.Clone()
	b := NewContextBuilder()
	b.RegisterNative("fetch", 0, func(args []Value) (Value, error) {
		return share.Clone(), nil
	})
	ctx, _ := b.Build()

	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 0, 0).MarkAsync()
		fb.EmitCallNative("fetch", 0)
		fb.Emit(OpAwait)
		fb.Emit(OpReturn)
	})

	if err := ResolveFuture(fut, Int(9)); err != nil {
		t.Fatalf("ResolveFuture: %v", err)
	}
	got, err := Call(u, ctx, "main", nil)
	if err != nil {
		t.Fatalf("main: %v", err)
	}
	if got.AsInt() != 9 {
		t.Errorf("got %v, want 9", got)
	}

	// A future resolves exactly once.
	if err := ResolveFuture(fut, Int(10)); err == nil {
		t.Error("double resolve accepted")
	}
	fut.Drop()
	share.Drop()
}

// ---------------------------------------------------------------------------
// Fuel
// ---------------------------------------------------------------------------

func TestFuelSuspension(t *testing.T) {
	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 0, 0)
		for i := 0; i < 10; i++ {
			fb.Emit(OpNop)
		}
		fb.Emit(OpSmallInt, 5)
		fb.Emit(OpReturn)
	})
	opts := DefaultOptions()
	opts.Fuel = 4
	vm, err := NewWithOptions(u, emptyContext(t), "main", nil, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer vm.Close()

	state, _ := vm.Run()
	if state != StateSuspended || vm.SuspendReason() != SuspendFuel {
		t.Fatalf("state=%s reason=%s, want Suspended/Fuel", state, vm.SuspendReason())
	}
	if vm.FuelRemaining() != 0 {
		t.Errorf("fuel remaining: %d", vm.FuelRemaining())
	}

	// Resuming without refueling suspends again immediately.
	state, _ = vm.Resume(Nil)
	if state != StateSuspended || vm.SuspendReason() != SuspendFuel {
		t.Fatalf("resume on empty tank: state=%s", state)
	}

	vm.Refuel(100)
	state, _ = vm.Resume(Nil)
	if state != StateCompleted {
		t.Fatalf("state after refuel: %s", state)
	}
	result, _ := vm.Result()
	if result.AsInt() != 5 {
		t.Errorf("result: %v", result)
	}
}

func TestFuelResumeDoesNotPushValue(t *testing.T) {
	// If Resume pushed a value after a fuel suspension the operand stack
	// would be corrupted and ADD would see the wrong operands.
	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 0, 0)
		fb.Emit(OpSmallInt, 1)
		fb.Emit(OpSmallInt, 2)
		fb.Emit(OpAdd)
		fb.Emit(OpReturn)
	})
	opts := DefaultOptions()
	opts.Fuel = 2
	vm, _ := NewWithOptions(u, emptyContext(t), "main", nil, opts)
	defer vm.Close()

	if state, _ := vm.Run(); state != StateSuspended {
		t.Fatal("did not suspend on fuel")
	}
	vm.Refuel(100)
	state, _ := vm.Resume(Int(999))
	if state != StateCompleted {
		t.Fatalf("state: %s", state)
	}
	result, _ := vm.Result()
	if result.AsInt() != 3 {
		t.Errorf("result: got %v, want 3", result)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestStepSingleInstruction(t *testing.T) {
	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 0, 0)
		fb.Emit(OpSmallInt, 1)
		fb.Emit(OpSmallInt, 2)
		fb.Emit(OpAdd)
		fb.Emit(OpReturn)
	})
	vm, _ := New(u, emptyContext(t), "main", nil)
	defer vm.Close()

	for i := 0; i < 3; i++ {
		if state, err := vm.Step(); err != nil || state != StateRunning {
			t.Fatalf("step %d: state=%s err=%v", i, state, err)
		}
	}
	state, err := vm.Step()
	if err != nil || state != StateCompleted {
		t.Fatalf("final step: state=%s err=%v", state, err)
	}
	result, _ := vm.Result()
	if result.AsInt() != 3 {
		t.Errorf("result: %v", result)
	}
}

func TestRunTwiceRejected(t *testing.T) {
	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 0, 0)
		fb.Emit(OpReturnNil)
	})
	vm, _ := New(u, emptyContext(t), "main", nil)
	defer vm.Close()
	if _, err := vm.Run(); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := vm.Run(); err == nil {
		t.Error("second Run accepted")
	}
	if _, err := vm.Resume(Nil); err == nil {
		t.Error("Resume of completed vm accepted")
	}
}

func TestCloseSuspendedVmReleasesDescriptor(t *testing.T) {
	b := NewContextBuilder()
	fut := NewPendingFuture()
	b.RegisterNative("fetch", 0, func(args []Value) (Value, error) {
		return fut.Clone(), nil
	})
	ctx, _ := b.Build()

	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 0, 0).MarkAsync()
		fb.EmitCallNative("fetch", 0)
		fb.Emit(OpReturn)
	})
	vm, _ := New(u, ctx, "main", nil)
	if state, _ := vm.Run(); state != StateSuspended {
		t.Fatal("did not suspend")
	}
	if got := fut.RefCount(); got != 2 {
		t.Fatalf("suspended refcount: %d, want 2", got)
	}
	vm.Close()
	if got := fut.RefCount(); got != 1 {
		t.Errorf("refcount after close: %d, want 1", got)
	}
	vm.Close() // idempotent
	fut.Drop()
}

func TestVmIDsAreUnique(t *testing.T) {
	u := buildUnit(t, func(ub *UnitBuilder) {
		ub.Function("main", 0, 0).Emit(OpReturnNil)
	})
	a, _ := New(u, emptyContext(t), "main", nil)
	bvm, _ := New(u, emptyContext(t), "main", nil)
	defer a.Close()
	defer bvm.Close()
	if a.ID() == bvm.ID() || a.ID() == "" {
		t.Errorf("ids: %q and %q", a.ID(), bvm.ID())
	}
}

func TestMultipleVmsShareUnitIndependently(t *testing.T) {
	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 1, 0)
		fb.Emit(OpLoadLocal, 0)
		fb.Emit(OpSmallInt, 1)
		fb.Emit(OpAdd)
		fb.Emit(OpReturn)
	})
	ctx := emptyContext(t)

	done := make(chan int64, 8)
	for i := int64(0); i < 8; i++ {
		go func(n int64) {
			v, err := Call(u, ctx, "main", []Value{Int(n)})
			if err != nil {
				done <- -1
				return
			}
			done <- v.AsInt()
		}(i)
	}
	seen := make(map[int64]bool)
	for i := 0; i < 8; i++ {
		seen[<-done] = true
	}
	for i := int64(1); i <= 8; i++ {
		if !seen[i] {
			t.Errorf("missing result %d: %v", i, seen)
		}
	}
}

func TestNativeArityCheckedBeforeBody(t *testing.T) {
	fired := false
	b := NewContextBuilder()
	b.RegisterNative("record", 2, func(args []Value) (Value, error) {
		fired = true
		return Nil, nil
	})
	ctx, _ := b.Build()

	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 0, 0)
		fb.Emit(OpSmallInt, 1)
		fb.EmitCallNative("record", 1)
		fb.Emit(OpReturn)
	})
	vm, err := New(u, ctx, "main", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer vm.Close()
	state, _ := vm.Run()
	if state != StateFaulted || vm.Fault().Kind != ArityMismatch {
		t.Fatalf("state=%s fault=%v, want ArityMismatch", state, vm.Fault())
	}
	if fired {
		t.Error("native body ran despite the arity mismatch")
	}
}

func TestVariadicNativeAcceptsAnyArity(t *testing.T) {
	b := NewContextBuilder()
	b.RegisterVariadic("pack", func(args []Value) (Value, error) {
		return Int(int64(len(args))), nil
	})
	ctx, _ := b.Build()

	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("three", 0, 0)
		fb.Emit(OpSmallInt, 1)
		fb.Emit(OpSmallInt, 2)
		fb.Emit(OpSmallInt, 3)
		fb.EmitCallNative("pack", 3)
		fb.Emit(OpReturn)

		fb = ub.Function("zero", 0, 0)
		fb.EmitCallNative("pack", 0)
		fb.Emit(OpReturn)
	})
	got, err := Call(u, ctx, "three", nil)
	if err != nil {
		t.Fatalf("three: %v", err)
	}
	if got.AsInt() != 3 {
		t.Errorf("pack(1,2,3): got %v, want 3", got)
	}
	got, err = Call(u, ctx, "zero", nil)
	if err != nil {
		t.Fatalf("zero: %v", err)
	}
	if got.AsInt() != 0 {
		t.Errorf("pack(): got %v, want 0", got)
	}
}

func TestStepThenRunToCompletion(t *testing.T) {
	u := buildUnit(t, func(ub *UnitBuilder) {
		fb := ub.Function("main", 0, 0)
		fb.Emit(OpSmallInt, 1)
		fb.Emit(OpSmallInt, 2)
		fb.Emit(OpAdd)
		fb.Emit(OpReturn)
	})
	vm, err := New(u, emptyContext(t), "main", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer vm.Close()

	if state, serr := vm.Step(); serr != nil || state != StateRunning {
		t.Fatalf("Step: state=%s err=%v", state, serr)
	}
	state, err := vm.Run()
	if err != nil {
		t.Fatalf("Run after Step: %v", err)
	}
	if state != StateCompleted {
		t.Fatalf("state: %s", state)
	}
	result, _ := vm.Result()
	if result.AsInt() != 3 {
		t.Errorf("result: got %v, want 3", result)
	}
}
