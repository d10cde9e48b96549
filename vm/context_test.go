package vm

import (
	"strings"
	"testing"
)

// emptyContext builds a Context with no registrations.
func emptyContext(t *testing.T) *Context {
	t.Helper()
	ctx, err := NewContextBuilder().Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return ctx
}

func TestNativeRegistration(t *testing.T) {
	b := NewContextBuilder()
	b.RegisterNative("double", 1, func(args []Value) (Value, error) {
		return Int(args[0].AsInt() * 2), nil
	})
	ctx, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	fn, ok := ctx.Native("double")
	if !ok {
		t.Fatal("double not found")
	}
	out, err := fn([]Value{Int(21)})
	if err != nil {
		t.Fatalf("double(21): %v", err)
	}
	if out.AsInt() != 42 {
		t.Errorf("double(21): got %d", out.AsInt())
	}
	if _, ok := ctx.Native("missing"); ok {
		t.Error("unregistered native found")
	}
	if names := ctx.NativeNames(); len(names) != 1 || names[0] != "double" {
		t.Errorf("NativeNames: %v", names)
	}
}

func TestNativeNameConflictFailsBuild(t *testing.T) {
	b := NewContextBuilder()
	nop := func(args []Value) (Value, error) { return Nil, nil }
	b.RegisterNative("f", 0, nop)
	b.RegisterNative("f", 1, nop)
	if _, err := b.Build(); err == nil {
		t.Fatal("conflicting natives accepted")
	} else if !strings.Contains(err.Error(), "conflict") {
		t.Errorf("error does not name the conflict: %v", err)
	}
}

func TestProtocolConflictFailsBuild(t *testing.T) {
	b := NewContextBuilder()
	fn := func(recv Value, args []Value) (Value, error) { return Nil, nil }
	b.RegisterProtocol("Point", ProtocolAdd, fn)
	b.RegisterProtocol("Point", ProtocolAdd, fn)
	if _, err := b.Build(); err == nil {
		t.Fatal("conflicting protocol registrations accepted")
	}
}

func TestBuilderIsSingleUse(t *testing.T) {
	b := NewContextBuilder()
	if _, err := b.Build(); err != nil {
		t.Fatalf("first Build: %v", err)
	}
	if _, err := b.Build(); err == nil {
		t.Fatal("second Build succeeded")
	}
}

func TestModuleInstall(t *testing.T) {
	mathMod := Module{
		Name: "math",
		Register: func(b *ContextBuilder) {
			b.RegisterNative("abs", 1, func(args []Value) (Value, error) {
				n := args[0].AsInt()
				if n < 0 {
					n = -n
				}
				return Int(n), nil
			})
		},
	}
	ctx, err := NewContextBuilder().Install(mathMod).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := ctx.Native("abs"); !ok {
		t.Error("module registration lost")
	}
}

func TestHostProtocolDispatch(t *testing.T) {
	b := NewContextBuilder()
	b.RegisterProtocol("Celsius", ProtocolAdd, func(recv Value, args []Value) (Value, error) {
		a := recv.AsAny().(float64)
		c := args[0].AsAny().(float64)
		return Any("Celsius", a+c), nil
	})
	ctx, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	x := Any("Celsius", 20.0)
	y := Any("Celsius", 1.5)
	defer x.Drop()
	defer y.Drop()

	if !ctx.HasProtocol(TypeIDOf("Celsius"), ProtocolAdd) {
		t.Fatal("HasProtocol is false for a registered pair")
	}
	out, derr := dispatchProtocol(ctx, ProtocolAdd, x, y)
	if derr != nil {
		t.Fatalf("dispatch: %v", derr)
	}
	defer out.Drop()
	if got := out.AsAny().(float64); got != 21.5 {
		t.Errorf("Celsius add: got %g", got)
	}

	// No registration for Sub: dispatch reports UnsupportedOperation.
	if _, derr := dispatchProtocol(ctx, ProtocolSub, x, y); derr == nil || derr.Kind != UnsupportedOperation {
		t.Errorf("unregistered pair: got %v, want UnsupportedOperation", derr)
	}
}

func TestBuiltinsNotOverridable(t *testing.T) {
	// Builtins resolve first; a host registration for (Int, Add) is shadowed,
	// never consulted.
	b := NewContextBuilder()
	b.RegisterProtocol("Int", ProtocolAdd, func(recv Value, args []Value) (Value, error) {
		return Int(999), nil
	})
	ctx, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	out, derr := dispatchProtocol(ctx, ProtocolAdd, Int(1), Int(2))
	if derr != nil {
		t.Fatalf("dispatch: %v", derr)
	}
	if out.AsInt() != 3 {
		t.Errorf("builtin Int add was overridden: got %d", out.AsInt())
	}
}
