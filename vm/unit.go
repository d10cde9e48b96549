package vm

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
)

// ---------------------------------------------------------------------------
// Unit: the immutable, fully linked compiled program
// ---------------------------------------------------------------------------

// CatchRange is a catch boundary compiled into a function: recoverable
// errors raised while the instruction pointer is inside [From, To) unwind
// to Handler with the operand stack truncated to StackDepth slots above the
// frame's local window, and the error pushed as a value.
type CatchRange struct {
	From       int
	To         int
	Handler    int
	StackDepth int
}

// FuncInfo describes one entry of the unit's function table.
type FuncInfo struct {
	Name      string
	Hash      uint32 // stable name hash, the call-by-hash key
	Offset    int    // entry offset into the unit's code
	End       int    // one past the function's last instruction
	Arity     int    // declared parameter count
	Locals    int    // local slots beyond the parameters
	Async     bool   // function may execute OpAwait
	Generator bool   // calling constructs a Generator instead of a frame
	Catches   []CatchRange
}

// DebugEntry maps an instruction offset to a source line. Entries are
// sorted by offset; a lookup resolves to the nearest entry at or before
// the offset.
type DebugEntry struct {
	Offset int
	Line   int
}

// Unit is an immutable compiled program: flat instruction code, constant
// pool, function table and debug table. A Unit is built once, validated at
// link time, and safely shared by any number of Vm instances and threads.
// The engine treats a built Unit as trusted input: jump and call targets
// are never re-checked during execution.
type Unit struct {
	code   []byte
	consts []Value
	funcs  []FuncInfo
	byHash map[uint32]int
	debug  []DebugEntry
}

// nameHash derives the stable 32-bit hash used to key function tables and
// native registries. Part of the wire format; never change.
func nameHash(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32()
}

// Function looks up a function table entry by name.
func (u *Unit) Function(name string) (*FuncInfo, bool) {
	idx, ok := u.byHash[nameHash(name)]
	if !ok {
		return nil, false
	}
	return &u.funcs[idx], true
}

// Functions returns the function table.
func (u *Unit) Functions() []FuncInfo {
	return u.funcs
}

// Constants returns the constant pool.
func (u *Unit) Constants() []Value {
	return u.consts
}

// CodeLen returns the length of the instruction stream.
func (u *Unit) CodeLen() int {
	return len(u.code)
}

// LineForOffset resolves an instruction offset to a source line via the
// debug table. Returns 0 when no mapping exists.
func (u *Unit) LineForOffset(offset int) int {
	i := sort.Search(len(u.debug), func(i int) bool {
		return u.debug[i].Offset > offset
	})
	if i == 0 {
		return 0
	}
	return u.debug[i-1].Line
}

// ---------------------------------------------------------------------------
// UnitBuilder: the one-time linking step
// ---------------------------------------------------------------------------

// UnitBuilder assembles a Unit. It is the target of the (out-of-scope)
// compiler's lowering: symbolic references become numeric indices and
// offsets here, and Build validates them once so the engine never has to.
type UnitBuilder struct {
	code   []byte
	consts []Value
	funcs  []FuncInfo
	debug  []DebugEntry
	open   *FunctionBuilder
}

// NewUnitBuilder creates an empty builder.
func NewUnitBuilder() *UnitBuilder {
	return &UnitBuilder{
		code: make([]byte, 0, 256),
	}
}

// Constant adds a value to the constant pool, deduplicating scalars and
// strings, and returns its index. Only immediates and strings may live in
// the pool; structural values are built by construction opcodes.
func (ub *UnitBuilder) Constant(v Value) uint16 {
	if v.kind.IsHeap() && v.kind != KindString {
		panic(fmt.Sprintf("Constant: %s values cannot live in the constant pool", v.kind))
	}
	for i, c := range ub.consts {
		if c.kind == v.kind && c.num == v.num &&
			(c.kind != KindString || c.obj.str == v.obj.str) {
			if v.kind == KindString {
				v.Drop()
			}
			return uint16(i)
		}
	}
	ub.consts = append(ub.consts, v)
	return uint16(len(ub.consts) - 1)
}

// FunctionBuilder emits the body of one function into the unit.
type FunctionBuilder struct {
	ub    *UnitBuilder
	index int
}

// Function opens a new function table entry. The previous function, if any,
// is closed at the current offset.
func (ub *UnitBuilder) Function(name string, arity, locals int) *FunctionBuilder {
	ub.closeOpen()
	ub.funcs = append(ub.funcs, FuncInfo{
		Name:   name,
		Hash:   nameHash(name),
		Offset: len(ub.code),
		Arity:  arity,
		Locals: locals,
	})
	fb := &FunctionBuilder{ub: ub, index: len(ub.funcs) - 1}
	ub.open = fb
	return fb
}

func (ub *UnitBuilder) closeOpen() {
	if ub.open != nil {
		ub.funcs[ub.open.index].End = len(ub.code)
		ub.open = nil
	}
}

// MarkAsync flags the function as async-capable: its body may execute
// OpAwait.
func (fb *FunctionBuilder) MarkAsync() *FunctionBuilder {
	fb.ub.funcs[fb.index].Async = true
	return fb
}

// MarkGenerator flags the function as a generator: calling it constructs a
// Generator value instead of pushing a frame. Generators are implicitly
// async-capable.
func (fb *FunctionBuilder) MarkGenerator() *FunctionBuilder {
	fb.ub.funcs[fb.index].Generator = true
	fb.ub.funcs[fb.index].Async = true
	return fb
}

// Offset returns the current emit offset relative to the function entry.
func (fb *FunctionBuilder) Offset() int {
	return len(fb.ub.code) - fb.ub.funcs[fb.index].Offset
}

// Emit appends an instruction. Operand values are encoded little-endian at
// the widths declared in the opcode metadata table; the count must match.
func (fb *FunctionBuilder) Emit(op Opcode, operands ...int64) {
	info := op.Info()
	if len(operands) != len(info.Operands) {
		panic(fmt.Sprintf("Emit %s: got %d operands, want %d", op, len(operands), len(info.Operands)))
	}
	fb.ub.code = append(fb.ub.code, byte(op))
	for i, o := range info.Operands {
		v := operands[i]
		switch o.width {
		case 1:
			fb.ub.code = append(fb.ub.code, byte(v))
		case 2:
			fb.ub.code = binary.LittleEndian.AppendUint16(fb.ub.code, uint16(v))
		case 4:
			fb.ub.code = binary.LittleEndian.AppendUint32(fb.ub.code, uint32(v))
		}
	}
}

// EmitCallNative emits a native call addressed by name hash.
func (fb *FunctionBuilder) EmitCallNative(name string, argc int) {
	fb.Emit(OpCallNative, int64(nameHash(name)), int64(argc))
}

// EmitJump emits a jump with a placeholder offset and returns a patch
// handle for PatchJump.
func (fb *FunctionBuilder) EmitJump(op Opcode) int {
	fb.Emit(op, 0)
	return len(fb.ub.code) - 2
}

// PatchJump points a previously emitted jump at the current offset.
func (fb *FunctionBuilder) PatchJump(at int) {
	delta := len(fb.ub.code) - (at + 2)
	binary.LittleEndian.PutUint16(fb.ub.code[at:], uint16(int16(delta)))
}

// EmitLoop emits a backward jump to a function-relative offset previously
// taken from Offset().
func (fb *FunctionBuilder) EmitLoop(target int) {
	abs := fb.ub.funcs[fb.index].Offset + target
	delta := abs - (len(fb.ub.code) + 3)
	fb.Emit(OpJump, int64(delta))
}

// Line records a debug table entry mapping the current offset to a source
// line.
func (fb *FunctionBuilder) Line(line int) {
	fb.ub.debug = append(fb.ub.debug, DebugEntry{Offset: len(fb.ub.code), Line: line})
}

// Catch installs a catch boundary over the function-relative range
// [from, to), unwinding to the function-relative handler offset with
// stackDepth operand slots preserved above the local window.
func (fb *FunctionBuilder) Catch(from, to, handler, stackDepth int) {
	base := fb.ub.funcs[fb.index].Offset
	fb.ub.funcs[fb.index].Catches = append(fb.ub.funcs[fb.index].Catches, CatchRange{
		From:       base + from,
		To:         base + to,
		Handler:    base + handler,
		StackDepth: stackDepth,
	})
}

// Build closes the unit, validates every jump and call target, and returns
// the immutable Unit. After a successful Build the engine trusts the unit
// completely; only stack and slot accesses that depend on runtime values
// are bounds-checked during execution.
func (ub *UnitBuilder) Build() (*Unit, error) {
	ub.closeOpen()

	u := &Unit{
		code:   ub.code,
		consts: ub.consts,
		funcs:  ub.funcs,
		byHash: make(map[uint32]int, len(ub.funcs)),
		debug:  ub.debug,
	}
	for i := range u.funcs {
		f := &u.funcs[i]
		if prev, dup := u.byHash[f.Hash]; dup {
			return nil, fmt.Errorf("duplicate function %q (conflicts with %q)", f.Name, u.funcs[prev].Name)
		}
		u.byHash[f.Hash] = i
	}
	if err := u.validate(); err != nil {
		return nil, err
	}
	sort.Slice(u.debug, func(i, j int) bool { return u.debug[i].Offset < u.debug[j].Offset })
	return u, nil
}

// validate checks every function body: well-formed instructions, in-range
// constant and function indices, and jump/handler targets that land on
// instruction boundaries within the same function.
func (u *Unit) validate() error {
	for fi := range u.funcs {
		f := &u.funcs[fi]
		if f.Offset > f.End || f.End > len(u.code) {
			return fmt.Errorf("function %q: body [%d,%d) outside code", f.Name, f.Offset, f.End)
		}

		starts := make(map[int]bool)
		type pendingJump struct {
			at     int // offset of the instruction
			target int
		}
		var jumps []pendingJump

		pos := f.Offset
		for pos < f.End {
			starts[pos] = true
			op := Opcode(u.code[pos])
			if !op.Valid() {
				return fmt.Errorf("function %q: invalid opcode 0x%02x at %d", f.Name, byte(op), pos)
			}
			info := op.Info()
			next := pos + info.Width()
			if next > f.End {
				return fmt.Errorf("function %q: truncated %s at %d", f.Name, op, pos)
			}

			switch op {
			case OpConst:
				idx := binary.LittleEndian.Uint16(u.code[pos+1:])
				if int(idx) >= len(u.consts) {
					return fmt.Errorf("function %q: constant index %d out of range at %d", f.Name, idx, pos)
				}
			case OpCall, OpClosure:
				idx := binary.LittleEndian.Uint16(u.code[pos+1:])
				if int(idx) >= len(u.funcs) {
					return fmt.Errorf("function %q: function index %d out of range at %d", f.Name, idx, pos)
				}
			}

			if op.IsJump() {
				delta := int(int16(binary.LittleEndian.Uint16(u.code[pos+1:])))
				jumps = append(jumps, pendingJump{at: pos, target: next + delta})
			}
			pos = next
		}

		for _, j := range jumps {
			// Targets must land on an instruction start inside the body;
			// one-past-end would fall through into the next function.
			if !starts[j.target] {
				return fmt.Errorf("function %q: jump at %d targets invalid offset %d", f.Name, j.at, j.target)
			}
		}
		for _, c := range f.Catches {
			if c.From < f.Offset || c.To > f.End || c.From > c.To {
				return fmt.Errorf("function %q: catch range [%d,%d) outside body", f.Name, c.From, c.To)
			}
			if !starts[c.Handler] {
				return fmt.Errorf("function %q: catch handler %d is not an instruction start", f.Name, c.Handler)
			}
		}
	}
	return nil
}
