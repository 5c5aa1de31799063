package back

import (
	"testing"

	"github.com/dlaxar/cijvm/bytecode"
	"github.com/dlaxar/cijvm/jit/lir"
)

// A def that's never read anywhere (not even across a block edge) gets
// tagged Dead.
func TestMarkDeadDefsTagsUnusedPureDef(t *testing.T) {
	fn := &lir.Func{
		VRegs: map[lir.VReg]*lir.VRegInfo{
			0: {Type: bytecode.Type{Base: bytecode.INT64}},
			1: {Type: bytecode.Type{Base: bytecode.INT64}},
		},
		Blocks: []lir.Block{
			{Code: []lir.Instr{
				{Id: 0, Op: lir.OpMov, Dst: 0, HasDst: true, Imm: 1},
				{Id: 1, Op: lir.OpMov, Dst: 1, HasDst: true, Uses: []lir.Use{{VR: 0, MustHaveReg: true}}},
				{Id: 2, Op: lir.OpRet},
			}},
		},
	}

	AnalyzeLifetimes(fn)

	if !fn.Blocks[0].Code[1].Dead {
		t.Fatal("expected the unused def at id 1 (vr 1, never read) to be tagged Dead")
	}

	if fn.Blocks[0].Code[0].Dead {
		t.Fatal("vr 0 is read by the MOV at id 1 and must not be marked dead")
	}
}

// A def consumed by a later instruction in the same block must not be
// tagged dead.
func TestMarkDeadDefsSparesUsedDef(t *testing.T) {
	fn := &lir.Func{
		VRegs: map[lir.VReg]*lir.VRegInfo{
			0: {Type: bytecode.Type{Base: bytecode.INT64}},
			1: {Type: bytecode.Type{Base: bytecode.INT64}},
		},
		Blocks: []lir.Block{
			{Code: []lir.Instr{
				{Id: 0, Op: lir.OpMov, Dst: 0, HasDst: true, Imm: 1},
				{Id: 1, Op: lir.OpAdd, Dst: 1, HasDst: true, Uses: []lir.Use{{VR: 1, MustHaveReg: true}, {VR: 0, MustHaveReg: false}}},
				{Id: 2, Op: lir.OpRet},
			}},
		},
	}

	AnalyzeLifetimes(fn)

	if fn.Blocks[0].Code[0].Dead {
		t.Fatal("vr 0 is read by the OpAdd at id 1 and must not be marked dead")
	}
}

// A def whose only reader is a φ in a successor block never appends to
// Uses, and here (the def ends its block) its live range does not grow
// past its own defining id either; being a φ input must be enough to
// spare it.
func TestMarkDeadDefsSparesPhiOnlyDef(t *testing.T) {
	fn := &lir.Func{
		VRegs: map[lir.VReg]*lir.VRegInfo{
			0: {Type: bytecode.Type{Base: bytecode.INT64}},
			1: {Type: bytecode.Type{Base: bytecode.INT64}},
		},
		Blocks: []lir.Block{
			{
				Code:       []lir.Instr{{Id: 0, Op: lir.OpMov, Dst: 0, HasDst: true, Imm: 1}},
				Successors: []int{1},
			},
			{
				Phi:  []lir.Instr{{Id: 1, Op: lir.OpPhi, Dst: 1, HasDst: true, Phi: []lir.PhiInput{{VR: 0, Block: 0}}}},
				Code: []lir.Instr{{Id: 2, Op: lir.OpRet}},
			},
		},
	}

	AnalyzeLifetimes(fn)

	if fn.Blocks[0].Code[0].Dead {
		t.Fatal("vr 0 feeds a phi in the successor block and must not be marked dead")
	}
}

// Calls, memory stores, and division are never tagged dead even with an
// unused Dst: they have effects besides the value they define (a call's
// side effects; a division's trap).
func TestMarkDeadDefsSparesImpureOps(t *testing.T) {
	fn := &lir.Func{
		VRegs: map[lir.VReg]*lir.VRegInfo{
			0: {Type: bytecode.Type{Base: bytecode.INT64}},
			1: {Type: bytecode.Type{Base: bytecode.INT64}},
		},
		Blocks: []lir.Block{
			{Code: []lir.Instr{
				{Id: 0, Op: lir.OpCall, Dst: 0, HasDst: true, FuncIdx: 0},
				{Id: 1, Op: lir.OpDiv, Dst: 1, HasDst: true, Uses: []lir.Use{{VR: 1, MustHaveReg: true}, {VR: 0, MustHaveReg: true}}},
				{Id: 2, Op: lir.OpRet},
			}},
		},
	}

	AnalyzeLifetimes(fn)

	if fn.Blocks[0].Code[0].Dead {
		t.Fatal("OpCall has effects beyond its Dst and must never be tagged Dead")
	}

	if fn.Blocks[0].Code[1].Dead {
		t.Fatal("OpDiv can trap and must never be tagged Dead")
	}
}

// Allocate must reserve every outgoing stack-argument slot before
// freezing the stack allocator, so FrameSize/ScratchOffset are stable
// for the rest of emission.
func TestAllocateReservesStackArgSlotsBeforeFreeze(t *testing.T) {
	fn := &lir.Func{
		VRegs: map[lir.VReg]*lir.VRegInfo{
			0: {Type: bytecode.Type{Base: bytecode.INT64}, IsStackArg: true, StackArgIdx: 0},
			1: {Type: bytecode.Type{Base: bytecode.INT64}, IsStackArg: true, StackArgIdx: 2},
		},
		Blocks: []lir.Block{
			{Code: []lir.Instr{
				{Id: 0, Op: lir.OpMov, Dst: 0, HasDst: true, Imm: 1},
				{Id: 1, Op: lir.OpMov, Dst: 1, HasDst: true, Imm: 2},
				{Id: 2, Op: lir.OpRet},
			}},
		},
	}

	ivs := AnalyzeLifetimes(fn)
	alloc := Allocate(fn, ivs)

	// StackArgIdx 2 means 3 slots (0..2) must be reserved, even though
	// only indices 0 and 2 ever appear in VRegs.
	if got := alloc.Stack.FrameSize(); got < 3*8 {
		t.Fatalf("frame size %d too small to hold 3 reserved stack-argument slots", got)
	}

	if (alloc.Stack.FrameSize()+8)%16 != 0 {
		t.Fatalf("frame size %d not 16-byte aligned", alloc.Stack.FrameSize())
	}
}
