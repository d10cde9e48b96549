package vm

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Unit wire format
// ---------------------------------------------------------------------------
//
// A serialized unit is a fixed header followed by a canonical CBOR body:
//
//	"SGBC" <version:u16 LE> <cbor body>
//
// Canonical encoding makes the byte form deterministic, so equal units
// always hash to the same content address.

var unitMagic = []byte("SGBC")

// WireVersion is the serialization format version. Decoding rejects any
// other version.
const WireVersion uint16 = 1

var (
	unitEncMode cbor.EncMode
	unitDecMode cbor.DecMode
)

func init() {
	var err error
	unitEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	unitDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

type wireUnit struct {
	_      struct{} `cbor:",toarray"`
	Code   []byte
	Consts []wireConst
	Funcs  []wireFunc
	Debug  []wireDebug
}

type wireConst struct {
	_    struct{} `cbor:",toarray"`
	Kind uint8
	Num  uint64
	Str  string
}

type wireFunc struct {
	_         struct{} `cbor:",toarray"`
	Name      string
	Offset    int
	End       int
	Arity     int
	Locals    int
	Async     bool
	Generator bool
	Catches   []wireCatch
}

type wireCatch struct {
	_          struct{} `cbor:",toarray"`
	From       int
	To         int
	Handler    int
	StackDepth int
}

type wireDebug struct {
	_      struct{} `cbor:",toarray"`
	Offset int
	Line   int
}

// EncodeUnit serializes the unit into its canonical wire form.
func EncodeUnit(u *Unit) ([]byte, error) {
	w := wireUnit{
		Code:   u.code,
		Consts: make([]wireConst, len(u.consts)),
		Funcs:  make([]wireFunc, len(u.funcs)),
		Debug:  make([]wireDebug, len(u.debug)),
	}
	for i, c := range u.consts {
		wc := wireConst{Kind: uint8(c.kind), Num: c.num}
		if c.kind == KindString {
			wc.Str = c.obj.str
		}
		w.Consts[i] = wc
	}
	for i, f := range u.funcs {
		wf := wireFunc{
			Name:      f.Name,
			Offset:    f.Offset,
			End:       f.End,
			Arity:     f.Arity,
			Locals:    f.Locals,
			Async:     f.Async,
			Generator: f.Generator,
			Catches:   make([]wireCatch, len(f.Catches)),
		}
		for j, c := range f.Catches {
			wf.Catches[j] = wireCatch{
				From:       c.From,
				To:         c.To,
				Handler:    c.Handler,
				StackDepth: c.StackDepth,
			}
		}
		w.Funcs[i] = wf
	}
	for i, d := range u.debug {
		w.Debug[i] = wireDebug{Offset: d.Offset, Line: d.Line}
	}

	body, err := unitEncMode.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("encode unit: %w", err)
	}
	out := make([]byte, 0, len(unitMagic)+2+len(body))
	out = append(out, unitMagic...)
	out = binary.LittleEndian.AppendUint16(out, WireVersion)
	out = append(out, body...)
	return out, nil
}

// DecodeUnit deserializes a unit, re-running the same validation Build
// performs: a decoded unit is exactly as trusted as a freshly built one,
// no matter where the bytes came from.
func DecodeUnit(data []byte) (*Unit, error) {
	if len(data) < len(unitMagic)+2 || !bytes.Equal(data[:len(unitMagic)], unitMagic) {
		return nil, fmt.Errorf("decode unit: bad magic")
	}
	version := binary.LittleEndian.Uint16(data[len(unitMagic):])
	if version != WireVersion {
		return nil, fmt.Errorf("decode unit: unsupported version %d (want %d)", version, WireVersion)
	}

	var w wireUnit
	if err := unitDecMode.Unmarshal(data[len(unitMagic)+2:], &w); err != nil {
		return nil, fmt.Errorf("decode unit: %w", err)
	}

	u := &Unit{
		code:   w.Code,
		consts: make([]Value, len(w.Consts)),
		funcs:  make([]FuncInfo, len(w.Funcs)),
		byHash: make(map[uint32]int, len(w.Funcs)),
		debug:  make([]DebugEntry, len(w.Debug)),
	}
	for i, wc := range w.Consts {
		k := Kind(wc.Kind)
		switch k {
		case KindNil, KindBool, KindChar, KindByte, KindInt, KindFloat:
			u.consts[i] = Value{kind: k, num: wc.Num}
		case KindString:
			u.consts[i] = String(wc.Str)
		default:
			return nil, fmt.Errorf("decode unit: constant %d has kind %s", i, k)
		}
	}
	for i, wf := range w.Funcs {
		f := FuncInfo{
			Name:      wf.Name,
			Hash:      nameHash(wf.Name),
			Offset:    wf.Offset,
			End:       wf.End,
			Arity:     wf.Arity,
			Locals:    wf.Locals,
			Async:     wf.Async,
			Generator: wf.Generator,
			Catches:   make([]CatchRange, len(wf.Catches)),
		}
		if f.Arity < 0 || f.Locals < 0 {
			return nil, fmt.Errorf("decode unit: function %q has negative arity or locals", f.Name)
		}
		for j, c := range wf.Catches {
			f.Catches[j] = CatchRange{
				From:       c.From,
				To:         c.To,
				Handler:    c.Handler,
				StackDepth: c.StackDepth,
			}
		}
		if prev, dup := u.byHash[f.Hash]; dup {
			return nil, fmt.Errorf("decode unit: duplicate function %q (conflicts with %q)", f.Name, u.funcs[prev].Name)
		}
		u.byHash[f.Hash] = i
		u.funcs[i] = f
	}
	for i, d := range w.Debug {
		u.debug[i] = DebugEntry{Offset: d.Offset, Line: d.Line}
	}

	if err := u.validate(); err != nil {
		return nil, fmt.Errorf("decode unit: %w", err)
	}
	sort.Slice(u.debug, func(i, j int) bool { return u.debug[i].Offset < u.debug[j].Offset })
	return u, nil
}

// ContentHash returns the hex-encoded SHA-256 digest of a serialized unit.
// Canonical encoding guarantees the digest addresses the unit's content.
func ContentHash(encoded []byte) string {
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// HashUnit serializes the unit and returns its content hash with the
// encoded form.
func HashUnit(u *Unit) (string, []byte, error) {
	encoded, err := EncodeUnit(u)
	if err != nil {
		return "", nil, err
	}
	return ContentHash(encoded), encoded, nil
}
