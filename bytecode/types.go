// Package bytecode holds the in-memory representation of a loaded program:
// globals, struct types with v-tables, and functions whose bodies are
// already in block-structured SSA form with explicit phi-nodes.
package bytecode

import "tlog.app/go/errors"

type (
	// BaseType is one of the closed set of primitive base types, or (for
	// codes >= FirstStruct) a struct-pointer type identified by its id.
	BaseType uint8

	// Type is a BaseType plus the isArray flag packed into bit 7 on the
	// wire, unpacked here into a struct for convenience.
	Type struct {
		Base    BaseType
		IsArray bool
	}

	// Field is a named, typed slot inside a struct or the globals
	// segment. Offset is computed by packing and is meaningless (and
	// defined to be an error to read) before that.
	Field struct {
		Base   BaseType
		Name   string
		offset int32
		sized  bool
	}

	// Local is a function parameter: its declared type and name.
	Local struct {
		Type Type
		Name string
	}

	// StructType is a struct definition: its id, name, fields in
	// declaration order, and its v-table (ordered function indices,
	// negative for unresolved/abstract slots).
	StructType struct {
		ID      uint8
		Name    string
		Fields  []Field
		VTable  []int32
		size    int32
		packed  bool
	}

	// Global is a field-like record describing one program-wide
	// variable; the globals segment is packed once at load time.
	Global struct {
		Base   BaseType
		Name   string
		offset int32
	}

	// Block is one basic block: how many instructions of the function's
	// flat instruction stream belong to it, and its CFG edges.
	// Predecessors are derived from Successors by a single linking pass.
	Block struct {
		InstrStart   int
		InstrCount   int
		Successors   []int
		Predecessors []int
	}

	// Function is a compiled unit: parameters, return type, blocks, a
	// flat instruction sequence, and the per-temporary type array filled
	// in by the static type-inference pass at load time.
	Function struct {
		Name       string
		Params     []Local
		ReturnType Type
		Blocks     []Block
		Instrs     []Instr

		NumTemps  int
		TempTypes []Type
	}

	// Program is the fully loaded unit: ordered globals, a keyed mapping
	// from struct id to StructType, and ordered functions.
	Program struct {
		Globals []Global
		Structs map[uint8]*StructType
		Funcs   []*Function

		globalsSize int32
		globalsSet  bool
	}
)

// Primitive base types. Values >= FirstStruct denote a struct-pointer
// type whose id is (code - FirstStruct); in the wire format and in
// StructType.ID the raw struct id is used directly, not offset.
const (
	VOID BaseType = iota
	BOOL
	INT8
	CHAR // unsigned 16-bit
	INT16
	INT32
	INT64
	FLP32
	FLP64

	FirstStruct BaseType = 9
)

// Size returns the machine size in bytes of the base type (arrays and
// struct pointers are always 8 bytes).
func (t Type) Size() int {
	if t.IsArray {
		return 8
	}

	return t.Base.size()
}

func (b BaseType) size() int {
	switch b {
	case VOID:
		return 0
	case BOOL, INT8:
		return 1
	case CHAR, INT16:
		return 2
	case INT32, FLP32:
		return 4
	case INT64, FLP64:
		return 8
	default:
		// struct pointer
		return 8
	}
}

// IsFloat reports whether values of this type live in the XMM bank.
func (t Type) IsFloat() bool {
	return !t.IsArray && (t.Base == FLP32 || t.Base == FLP64)
}

// IsStruct reports whether this is a struct-pointer type.
func (t Type) IsStruct() bool {
	return !t.IsArray && t.Base >= FirstStruct
}

// StructID returns the struct id for a struct-pointer type.
func (t Type) StructID() uint8 {
	return uint8(t.Base - FirstStruct)
}

// ErrNotPacked is returned by Offset/Size when the struct has not been
// packed yet.
var ErrNotPacked = errors.New("struct type not packed")

// Pack computes field offsets and the total size, prefixed by an 8-byte
// v-table pointer slot at offset 0. Fields are packed sequentially with
// no alignment padding. Pack is idempotent: calling it twice produces
// the same offsets and size.
func (s *StructType) Pack() {
	if s.packed {
		return
	}

	off := int32(8)

	for i := range s.Fields {
		f := &s.Fields[i]
		f.offset = off
		f.sized = true
		off += int32(f.Base.size())
	}

	s.size = off
	s.packed = true
}

// Offset returns the field's byte offset. It is an error to call this
// before the owning StructType has been packed.
func (f Field) Offset() (int32, error) {
	if !f.sized {
		return 0, ErrNotPacked
	}

	return f.offset, nil
}

// Size returns the struct's total size in bytes, including the 8-byte
// v-table slot. It is an error to call this before Pack.
func (s *StructType) Size() (int32, error) {
	if !s.packed {
		return 0, ErrNotPacked
	}

	return s.size, nil
}

// PackGlobals assigns offsets to the program's globals, once. Calling it
// twice is a no-op, matching StructType.Pack's idempotence.
func (p *Program) PackGlobals() {
	if p.globalsSet {
		return
	}

	var off int32

	for i := range p.Globals {
		p.Globals[i].offset = off
		off += int32(p.Globals[i].Base.size())
	}

	p.globalsSize = off
	p.globalsSet = true
}

// GlobalsSize returns the packed size of the globals segment.
func (p *Program) GlobalsSize() (int32, error) {
	if !p.globalsSet {
		return 0, ErrNotPacked
	}

	return p.globalsSize, nil
}

// Offset returns the global's byte offset within the globals segment.
func (g Global) Offset() int32 {
	return g.offset
}

// LinkPredecessors fills every block's Predecessors slice from the
// Successors of every other block. Idempotent: it resets the slices
// before recomputing.
func (f *Function) LinkPredecessors() {
	for i := range f.Blocks {
		f.Blocks[i].Predecessors = f.Blocks[i].Predecessors[:0]
	}

	for from := range f.Blocks {
		for _, to := range f.Blocks[from].Successors {
			f.Blocks[to].Predecessors = append(f.Blocks[to].Predecessors, from)
		}
	}
}

// BlockInstrs returns the slice of instructions belonging to block bi.
func (f *Function) BlockInstrs(bi int) []Instr {
	b := f.Blocks[bi]

	return f.Instrs[b.InstrStart : b.InstrStart+b.InstrCount]
}

// FindFunc returns the index of the function with the given name, or -1.
func (p *Program) FindFunc(name string) int {
	for i, f := range p.Funcs {
		if f.Name == name {
			return i
		}
	}

	return -1
}
