// Package lir is the linear, three-address low-level IR that bytecode
// lowers into: virtual-register operands, explicit ABI fixups, and
// explicit per-use register-or-memory annotations.
package lir

import "github.com/dlaxar/cijvm/bytecode"

// VReg is a virtual register id. Three kinds exist: regular temporaries
// (allocated densely from 0), fixed VRs pre-bound to a physical
// register for ABI purposes, and stack-argument VRs bound to a
// caller-frame slot. Which kind a VReg is gets tracked alongside it in
// the function's VRegInfo table, not in the id itself.
type VReg int

// Op names the LIR operation a tagged Instr carries.
type Op uint8

const (
	OpMov Op = iota
	OpFmov
	OpMovI2F
	OpMovMem
	OpPhi
	OpCmp
	OpSet
	OpNot
	OpNeg
	OpTest
	OpJmp
	OpJnz
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpFadd
	OpAnd
	OpOr
	OpCqo
	OpRet
	OpCall
	OpCallIdxInReg
	OpAlloc
	OpNop
)

// MemDir distinguishes a MOV_MEM load from a store.
type MemDir uint8

const (
	MemLoad MemDir = iota
	MemStore
)

// Cond mirrors bytecode.Opcode's six comparison flavours, re-expressed
// at the LIR level where CMP/SET/JNZ operate on flags rather than SSA
// booleans.
type Cond = bytecode.Opcode

// PhiInput is one incoming edge of a LIR PHI: the source VR and the
// block it comes from.
type PhiInput struct {
	VR    VReg
	Block int
}

// Use annotates one operand read by an instruction: the VR and whether
// it must be resolved to a physical register (true) or may be left in
// memory (false, e.g. the source side of a CMP or the right-hand side
// of an arithmetic op).
type Use struct {
	VR          VReg
	MustHaveReg bool
}

// Instr is one LIR instruction. Every instruction carries a
// monotonically increasing Id, assigned by the lowering pass and used
// throughout lifetime analysis and emission.
type Instr struct {
	Id int
	Op Op

	Dst    VReg
	HasDst bool

	Uses []Use

	// Integer OpDiv: Uses are [dividend in fixed RAX, fixed RDX, divisor];
	// the divisor is Uses[2].
	Block int // target block for JMP/JNZ
	Cond  Cond

	Dir  MemDir
	Mem  MemOperand
	Size int // byte size of the access/operation

	// Imm carries an immediate operand for MOV/FMOV-from-constant. For
	// float constants this is the IEEE-754 bit pattern.
	Imm int64

	Phi []PhiInput

	// Call payload.
	FuncIdx      int  // >=0 user function table index, <0 special/runtime
	MemberIdxReg VReg // for CALL_IDX_IN_REG: the VR holding the resolved index
	ClearsSet    []VReg

	Dead bool // trivial dead-code tag: no remaining uses after lowering
}

// MemOperand is the LIR-level memory addressing mode: a VR base, an
// optional VR index with scale, and a constant displacement. The
// register allocator resolves VRs to physical registers or stack
// offsets before the emitter turns this into an asm.Mem.
type MemOperand struct {
	Base     VReg
	HasIndex bool
	Index    VReg
	Scale    uint8
	Disp     int32
}

// Defs returns the 0-or-1 VRs this instruction defines.
func (i Instr) Defs() (VReg, bool) {
	if !i.HasDst {
		return 0, false
	}

	return i.Dst, true
}

// Inputs returns the VRs read by this instruction, in stable order. For
// MOV_MEM this is [index?, base, value-if-storing].
func (i Instr) Inputs() []VReg {
	var vrs []VReg

	switch i.Op {
	case OpMovMem:
		if i.Mem.HasIndex {
			vrs = append(vrs, i.Mem.Index)
		}

		vrs = append(vrs, i.Mem.Base)

		if i.Dir == MemStore {
			for _, u := range i.Uses {
				vrs = append(vrs, u.VR)
			}
		}
	default:
		for _, u := range i.Uses {
			vrs = append(vrs, u.VR)
		}

		if i.Op == OpCallIdxInReg {
			vrs = append(vrs, i.MemberIdxReg)
		}
	}

	return vrs
}

// Clears is the set of VRs destroyed by this instruction. Populated
// only on CALL / CALL_IDX_IN_REG, to model caller-saved registers.
func (i Instr) Clears() []VReg {
	return i.ClearsSet
}

// IsPure reports whether this instruction's only effect is the value it
// defines, so it's safe to drop entirely when that value turns out to
// have no remaining uses. Calls, memory stores and allocation all have
// effects beyond their Dst; integer division can trap and must run
// even if its quotient is discarded.
func (i Instr) IsPure() bool {
	switch i.Op {
	case OpMov, OpFmov, OpMovI2F, OpSet, OpNot, OpNeg, OpAdd, OpSub, OpMul, OpFadd, OpAnd, OpOr:
		return true
	default:
		return false
	}
}

// Block is a LIR basic block: the instructions belonging to it and its
// first/last instruction ids (used by the lifetime analyzer to extend
// block-spanning ranges).
type Block struct {
	Code []Instr

	Phi []Instr // PHI instructions at block head

	Successors   []int
	Predecessors []int
}

func (b Block) FirstID() int {
	if len(b.Phi) > 0 {
		return b.Phi[0].Id
	}

	if len(b.Code) > 0 {
		return b.Code[0].Id
	}

	return -1
}

func (b Block) LastID() int {
	if len(b.Code) > 0 {
		return b.Code[len(b.Code)-1].Id
	}

	if len(b.Phi) > 0 {
		return b.Phi[len(b.Phi)-1].Id
	}

	return -1
}

// VRegInfo records everything about a VR the allocator needs besides
// its live interval: whether it's a regular, fixed, or stack-argument
// VR, its bytecode type, and (for fixed VRs) the physical location it's
// bound to.
type VRegInfo struct {
	Type bytecode.Type

	IsParam      bool
	ParamIndex   int
	IsFixedInt   bool
	FixedInt     int // asm.Reg value
	IsFixedFloat bool
	FixedFloat   int // asm.Xmm value
	IsStackArg   bool
	StackArgIdx  int
}

// Func is one function's LIR: its blocks and the table of VR metadata
// produced during lowering.
type Func struct {
	Blocks []Block
	VRegs  map[VReg]*VRegInfo

	HintSame []map[VReg]struct{} // groups of VRs that should share a register (phi hints)

	NumParams int
}
