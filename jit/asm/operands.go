// Package asm is a byte-accurate encoder for the small subset of AMD64
// instructions the machine emitter needs: mov, arithmetic, idiv/cqo,
// jcc, sse scalar moves/adds, push/pop, call/ret. It exposes symbolic,
// operand-typed methods rather than raw byte sequences.
package asm

import "tlog.app/go/errors"

// Reg is one of the 16 general-purpose AMD64 registers, numbered in
// encoded order (the same order used by ModR/M and SIB reg/rm fields).
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	NoReg Reg = 0xff
)

// Extended reports whether encoding this register requires a REX
// extension bit (R8-R15).
func (r Reg) Extended() bool { return r >= R8 }

func (r Reg) low3() byte { return byte(r) & 7 }

// Xmm is one of the 15 XMM registers used for floating point values.
type Xmm uint8

const (
	XMM0 Xmm = iota
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14

	NoXmm Xmm = 0xff
)

func (x Xmm) Extended() bool { return x >= XMM8 }

func (x Xmm) low3() byte { return byte(x) & 7 }

// Size is an operand width in bytes.
type Size uint8

const (
	Byte  Size = 1
	Word  Size = 2
	Dword Size = 4
	Qword Size = 8
)

// Mem is a memory operand: base + index*scale + disp32. RSP may never
// be used as an index register (it has no encoding for it).
type Mem struct {
	Base  Reg
	Index Reg // NoReg if unused
	Scale uint8 // one of 1, 2, 4, 8
	Disp  int32
}

func NewMem(base Reg, disp int32) Mem {
	return Mem{Base: base, Index: NoReg, Scale: 1, Disp: disp}
}

func NewIndexedMem(base, index Reg, scale uint8, disp int32) (Mem, error) {
	if index == RSP {
		return Mem{}, errors.New("invalid index register RSP")
	}

	return Mem{Base: base, Index: index, Scale: scale, Disp: disp}, nil
}

func (m Mem) less(o Mem) bool {
	if m.Base != o.Base {
		return m.Base < o.Base
	}

	if m.Index != o.Index {
		return m.Index < o.Index
	}

	if m.Scale != o.Scale {
		return m.Scale < o.Scale
	}

	return m.Disp < o.Disp
}

// regMemKind tags which variant a RegMem currently holds.
type regMemKind uint8

const (
	kindReg regMemKind = iota
	kindXmm
	kindMem
)

// RegMem is a three-way operand variant over an integer register, an
// XMM register, or a memory operand, with a total order used by the
// emitter when sorting edge/spill moves for topological resolution.
type RegMem struct {
	kind regMemKind
	reg  Reg
	xmm  Xmm
	mem  Mem
}

func RM(r Reg) RegMem  { return RegMem{kind: kindReg, reg: r} }
func XM(x Xmm) RegMem  { return RegMem{kind: kindXmm, xmm: x} }
func MM(m Mem) RegMem  { return RegMem{kind: kindMem, mem: m} }

func (o RegMem) IsReg() bool { return o.kind == kindReg }
func (o RegMem) IsXmm() bool { return o.kind == kindXmm }
func (o RegMem) IsMem() bool { return o.kind == kindMem }

func (o RegMem) Reg() Reg { return o.reg }
func (o RegMem) Xmm() Xmm { return o.xmm }
func (o RegMem) Mem() Mem { return o.mem }

func (o RegMem) Equal(p RegMem) bool {
	switch {
	case o.IsReg():
		return p.IsReg() && o.reg == p.reg
	case o.IsXmm():
		return p.IsXmm() && o.xmm == p.xmm
	default:
		return p.IsMem() && o.mem == p.mem
	}
}

// Less gives RegMem a total order: registers sort before XMMs, which
// sort before memory operands.
func (o RegMem) Less(p RegMem) bool {
	switch {
	case o.IsReg() && !p.IsReg():
		return true
	case o.IsReg() && p.IsReg():
		return o.reg < p.reg
	case !o.IsReg() && p.IsReg():
		return false
	case o.IsXmm() && !p.IsXmm():
		return true
	case o.IsXmm() && p.IsXmm():
		return o.xmm < p.xmm
	case !o.IsXmm() && p.IsXmm():
		return false
	default:
		return o.mem.less(p.mem)
	}
}

// Cond is one of the six comparison flavours the emitter uses for SET
// and Jcc instructions.
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
)

func (c Cond) setccOpcode() byte {
	switch c {
	case CondEQ:
		return 0x94
	case CondNE:
		return 0x95
	case CondLT:
		return 0x9C
	case CondLE:
		return 0x9E
	case CondGT:
		return 0x9F
	case CondGE:
		return 0x9D
	default:
		panic(c)
	}
}
