package vm

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Context: the frozen registry of native functions and protocols
// ---------------------------------------------------------------------------

// NativeFn is the host-function ABI: a slice of borrowed argument values in,
// an owned result value or an error out. The engine verifies arity before
// the body runs, so implementations may index args freely up to their
// declared arity. A native function may return a pending Future value to
// request suspension at the call site.
type NativeFn func(args []Value) (Value, error)

// nativeEntry is a registered native function with its declared signature.
type nativeEntry struct {
	name     string
	fn       NativeFn
	arity    int
	variadic bool
}

// Context is the immutable registry consulted by the engine for native
// calls and protocol dispatch. It is assembled once at embedding time,
// frozen by ContextBuilder.Build, and safely shared by reference across
// any number of Vm instances and threads. No registration is possible
// after freezing.
type Context struct {
	natives   map[uint32]nativeEntry
	protocols map[protocolKey]ProtocolFn
}

// Native looks up a native function by name.
func (c *Context) Native(name string) (NativeFn, bool) {
	e, ok := c.natives[nameHash(name)]
	if !ok {
		return nil, false
	}
	return e.fn, true
}

// NativeNames returns the sorted names of all registered natives.
func (c *Context) NativeNames() []string {
	names := make([]string, 0, len(c.natives))
	for _, e := range c.natives {
		names = append(names, e.name)
	}
	sort.Strings(names)
	return names
}

// HasProtocol reports whether an implementation is registered (or built in)
// for the pair.
func (c *Context) HasProtocol(t TypeID, p Protocol) bool {
	_, ok := resolveProtocol(c, t, p)
	return ok
}

// ---------------------------------------------------------------------------
// ContextBuilder
// ---------------------------------------------------------------------------

// Module is a named registration set that can be installed into a builder,
// letting hosts assemble a Context from independent feature bundles.
type Module struct {
	Name     string
	Register func(b *ContextBuilder)
}

// ContextBuilder accumulates registrations and freezes them into a Context.
// Conflicts — two natives under one name, or two implementations for the
// same (type, protocol) pair — are collected and reported by Build; a
// failed Build leaves no partially mutated Context behind.
type ContextBuilder struct {
	natives   map[uint32]nativeEntry
	protocols map[protocolKey]ProtocolFn
	protoName map[protocolKey]string
	conflicts []string
	built     bool
}

// NewContextBuilder creates an empty builder.
func NewContextBuilder() *ContextBuilder {
	return &ContextBuilder{
		natives:   make(map[uint32]nativeEntry),
		protocols: make(map[protocolKey]ProtocolFn),
		protoName: make(map[protocolKey]string),
	}
}

// RegisterNative registers a fixed-arity native function under name.
func (b *ContextBuilder) RegisterNative(name string, arity int, fn NativeFn) *ContextBuilder {
	return b.registerNative(name, arity, false, fn)
}

// RegisterVariadic registers a variadic native function under name; arity
// checking is skipped at call sites.
func (b *ContextBuilder) RegisterVariadic(name string, fn NativeFn) *ContextBuilder {
	return b.registerNative(name, 0, true, fn)
}

func (b *ContextBuilder) registerNative(name string, arity int, variadic bool, fn NativeFn) *ContextBuilder {
	h := nameHash(name)
	if prev, dup := b.natives[h]; dup {
		b.conflicts = append(b.conflicts,
			fmt.Sprintf("native %q conflicts with %q", name, prev.name))
		return b
	}
	b.natives[h] = nativeEntry{name: name, fn: fn, arity: arity, variadic: variadic}
	return b
}

// RegisterProtocol registers an implementation for the (type, protocol)
// pair. A second registration for the same pair is a build error: there are
// no override or priority rules, dispatch stays a pure table lookup.
func (b *ContextBuilder) RegisterProtocol(typeName string, p Protocol, fn ProtocolFn) *ContextBuilder {
	key := protocolKey{TypeIDOf(typeName), p}
	if _, dup := b.protocols[key]; dup {
		b.conflicts = append(b.conflicts,
			fmt.Sprintf("protocol %s already registered for type %q (first by %s)",
				p, typeName, b.protoName[key]))
		return b
	}
	b.protocols[key] = fn
	b.protoName[key] = typeName
	return b
}

// Install merges a module's registrations. Conflict rules are identical to
// direct registration.
func (b *ContextBuilder) Install(m Module) *ContextBuilder {
	m.Register(b)
	return b
}

// Build freezes the registrations into an immutable Context. Any recorded
// conflict fails the build; the builder cannot be reused afterward either
// way.
func (b *ContextBuilder) Build() (*Context, error) {
	if b.built {
		return nil, fmt.Errorf("context builder already consumed")
	}
	b.built = true
	if len(b.conflicts) > 0 {
		return nil, fmt.Errorf("context build failed: %d conflict(s): %v", len(b.conflicts), b.conflicts)
	}
	return &Context{natives: b.natives, protocols: b.protocols}, nil
}
