package vm

import "fmt"

// Opcode is a bytecode instruction. Opcodes are grouped into ranges by
// category; operands are fixed-width and little-endian.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation (0x00-0x0F)
	// ========================================================================

	OpNop Opcode = 0x00 // No operation
	OpPop Opcode = 0x01 // Drop top of stack
	OpDup Opcode = 0x02 // Clone top of stack

	// ========================================================================
	// Constants (0x10-0x1F)
	// ========================================================================

	OpNil      Opcode = 0x10 // Push nil
	OpTrue     Opcode = 0x11 // Push true
	OpFalse    Opcode = 0x12 // Push false
	OpSmallInt Opcode = 0x13 // Push small integer: OpSmallInt <n:i8>
	OpConst    Opcode = 0x14 // Push clone of pool constant: OpConst <index:u16>

	// ========================================================================
	// Local variables (0x20-0x2F)
	// ========================================================================

	OpLoadLocal  Opcode = 0x20 // Push clone of local slot: OpLoadLocal <slot:u8>
	OpStoreLocal Opcode = 0x21 // Pop into local slot: OpStoreLocal <slot:u8>

	// ========================================================================
	// Arithmetic (0x30-0x3F)
	// ========================================================================

	OpAdd Opcode = 0x30 // Pop two, push sum
	OpSub Opcode = 0x31 // Pop two, push difference
	OpMul Opcode = 0x32 // Pop two, push product
	OpDiv Opcode = 0x33 // Pop two, push quotient
	OpRem Opcode = 0x34 // Pop two, push remainder
	OpNeg Opcode = 0x35 // Negate top of stack

	// ========================================================================
	// Comparison and logic (0x40-0x4F)
	// ========================================================================

	OpEq  Opcode = 0x40 // Pop two, push structural equality
	OpNe  Opcode = 0x41 // Pop two, push structural inequality
	OpLt  Opcode = 0x42 // Pop two, push a < b
	OpLe  Opcode = 0x43 // Pop two, push a <= b
	OpGt  Opcode = 0x44 // Pop two, push a > b
	OpGe  Opcode = 0x45 // Pop two, push a >= b
	OpNot Opcode = 0x46 // Pop one, push logical negation of truthiness

	// ========================================================================
	// Control flow (0x50-0x5F)
	// ========================================================================

	OpJump      Opcode = 0x50 // Relative jump: OpJump <offset:i16>
	OpJumpIf    Opcode = 0x51 // Pop; jump if truthy: OpJumpIf <offset:i16>
	OpJumpIfNot Opcode = 0x52 // Pop; jump if falsy: OpJumpIfNot <offset:i16>

	// ========================================================================
	// Calls and returns (0x60-0x6F)
	// ========================================================================

	OpCall       Opcode = 0x60 // Call unit function: OpCall <fn:u16> <argc:u8>
	OpCallNative Opcode = 0x61 // Call native by name hash: OpCallNative <hash:u32> <argc:u8>
	OpCallValue  Opcode = 0x62 // Call function value under args: OpCallValue <argc:u8>
	OpClosure    Opcode = 0x63 // Capture environment: OpClosure <fn:u16> <ncaps:u8>
	OpReturn     Opcode = 0x64 // Pop result, collapse frame
	OpReturnNil  Opcode = 0x65 // Collapse frame with nil result

	// ========================================================================
	// Construction (0x70-0x7F)
	// ========================================================================

	OpVec   Opcode = 0x70 // Pop n elements into a Vec: OpVec <n:u16>
	OpTuple Opcode = 0x71 // Pop n elements into a Tuple: OpTuple <n:u8>
	OpMap   Opcode = 0x72 // Pop n key/value pairs into a Map: OpMap <n:u16>
	OpRange Opcode = 0x73 // Pop end, start; push Range: OpRange <inclusive:u8>

	// ========================================================================
	// Indexing and iteration (0x80-0x8F)
	// ========================================================================

	OpIndexGet Opcode = 0x80 // Pop index, receiver; push element
	OpIndexSet Opcode = 0x81 // Pop value, index, receiver
	OpLen      Opcode = 0x82 // Pop receiver; push length
	OpIterNew  Opcode = 0x83 // Pop iterable; push iterator
	OpIterNext Opcode = 0x84 // Push next element, or pop iterator and jump: OpIterNext <end:i16>

	// ========================================================================
	// Suspension (0x90-0x9F)
	// ========================================================================

	OpAwait Opcode = 0x90 // Pop awaitable; suspend until resumed with a value
	OpYield Opcode = 0x91 // Pop value; suspend yielding it
)

// operand describes one fixed-width instruction operand.
type operand struct {
	width  int
	signed bool
}

// OpcodeInfo provides metadata about each opcode for the assembler, the
// link-time validator and the disassembler.
type OpcodeInfo struct {
	Name     string
	Operands []operand
}

// Width returns the total instruction length in bytes.
func (i OpcodeInfo) Width() int {
	w := 1
	for _, op := range i.Operands {
		w += op.width
	}
	return w
}

var (
	opNone = []operand(nil)
	opU8   = []operand{{width: 1}}
	opI8   = []operand{{width: 1, signed: true}}
	opU16  = []operand{{width: 2}}
	opI16  = []operand{{width: 2, signed: true}}
)

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpNop: {"NOP", opNone},
	OpPop: {"POP", opNone},
	OpDup: {"DUP", opNone},

	OpNil:      {"NIL", opNone},
	OpTrue:     {"TRUE", opNone},
	OpFalse:    {"FALSE", opNone},
	OpSmallInt: {"SMALL_INT", opI8},
	OpConst:    {"CONST", opU16},

	OpLoadLocal:  {"LOAD_LOCAL", opU8},
	OpStoreLocal: {"STORE_LOCAL", opU8},

	OpAdd: {"ADD", opNone},
	OpSub: {"SUB", opNone},
	OpMul: {"MUL", opNone},
	OpDiv: {"DIV", opNone},
	OpRem: {"REM", opNone},
	OpNeg: {"NEG", opNone},

	OpEq:  {"EQ", opNone},
	OpNe:  {"NE", opNone},
	OpLt:  {"LT", opNone},
	OpLe:  {"LE", opNone},
	OpGt:  {"GT", opNone},
	OpGe:  {"GE", opNone},
	OpNot: {"NOT", opNone},

	OpJump:      {"JUMP", opI16},
	OpJumpIf:    {"JUMP_IF", opI16},
	OpJumpIfNot: {"JUMP_IF_NOT", opI16},

	OpCall:       {"CALL", []operand{{width: 2}, {width: 1}}},
	OpCallNative: {"CALL_NATIVE", []operand{{width: 4}, {width: 1}}},
	OpCallValue:  {"CALL_VALUE", opU8},
	OpClosure:    {"CLOSURE", []operand{{width: 2}, {width: 1}}},
	OpReturn:     {"RETURN", opNone},
	OpReturnNil:  {"RETURN_NIL", opNone},

	OpVec:   {"VEC", opU16},
	OpTuple: {"TUPLE", opU8},
	OpMap:   {"MAP", opU16},
	OpRange: {"RANGE", opU8},

	OpIndexGet: {"INDEX_GET", opNone},
	OpIndexSet: {"INDEX_SET", opNone},
	OpLen:      {"LEN", opNone},
	OpIterNew:  {"ITER_NEW", opNone},
	OpIterNext: {"ITER_NEXT", opI16},

	OpAwait: {"AWAIT", opNone},
	OpYield: {"YIELD", opNone},
}

// Info returns metadata for an opcode. Unknown opcodes report a zero-operand
// placeholder.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// String returns the opcode's mnemonic.
func (op Opcode) String() string {
	return op.Info().Name
}

// Valid reports whether the opcode is defined.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// IsJump reports whether op redirects the instruction pointer with a
// relative offset operand.
func (op Opcode) IsJump() bool {
	return op == OpJump || op == OpJumpIf || op == OpJumpIfNot || op == OpIterNext
}
