package back

import (
	"tlog.app/go/errors"

	"github.com/dlaxar/cijvm/bytecode"
	"github.com/dlaxar/cijvm/jit/asm"
	"github.com/dlaxar/cijvm/jit/lir"
	"github.com/dlaxar/cijvm/runtime"
)

// Runtime special-function ids the lowering pass emits calls to
// directly. These share the same negative-FuncIdx/SpecialFunctions
// table a loaded program's own SPECIAL opcodes index into
// (runtime.Special*, jit/engine.go): allocation reuses the contract's
// ALLOCATE/ALLOC_ARRAY slots, while GetVTable has no analog a loaded
// program ever addresses itself and lives past the end of that
// contract.
const (
	specialAllocateObject = runtime.SpecialAllocate
	specialAllocateArray  = runtime.SpecialAllocArray
	specialGetVTable      = runtime.SpecialGetVTable
)

// argSource is one already-lowered call argument: the VR holding its
// value and whether it belongs in the float argument-register class.
type argSource struct {
	vr    lir.VReg
	float bool
}

func (lw *lowerer) argFromTemp(t bytecode.Temp) argSource {
	vr := lw.vrOf(t)

	return argSource{vr: vr, float: lw.vregs[vr].Type.IsFloat()}
}

func (lw *lowerer) argFromImm(b *lir.Block, imm int64) argSource {
	tmp := lw.alloc()
	lw.vregs[tmp] = &lir.VRegInfo{Type: bytecode.Type{Base: bytecode.INT64}}

	lw.emitID(b, false, lir.Instr{Op: lir.OpMov, Dst: tmp, HasDst: true, Size: 8, Imm: imm})

	return argSource{vr: tmp}
}

// setupCall expands args into the System-V calling convention: the
// first six integer args and first eight float args go to fixed
// argument-register VRs, the rest spill to stack-argument VRs. special
// calls additionally receive the engine pointer (loaded from
// [RBP-8]) as a hidden leading integer argument. It returns the Uses
// list for the eventual CALL instruction and the ClearsSet of every
// caller-saved register the call clobbers but doesn't consume as an
// argument.
func (lw *lowerer) setupCall(b *lir.Block, args []argSource, special bool) ([]lir.Use, []lir.VReg) {
	intIdx, fltIdx, overflowIdx := 0, 0, 0

	var uses []lir.Use

	consumedInt := map[asm.Reg]bool{}
	consumedFlt := map[asm.Xmm]bool{}

	if special {
		self := lw.alloc()
		lw.vregs[self] = &lir.VRegInfo{Type: bytecode.Type{Base: bytecode.INT64}}

		lw.emitID(b, false, lir.Instr{
			Op: lir.OpMovMem, Dst: self, HasDst: true, Dir: lir.MemLoad, Size: 8,
			Mem: lir.MemOperand{Base: lir.VReg(rbpPseudo), Disp: engineSelfSlot},
		})

		fixed := lw.fixedReg(intArgRegs[0])
		lw.emitID(b, false, lir.Instr{Op: lir.OpMov, Dst: fixed, HasDst: true, Uses: []lir.Use{mustUse(self, true)}, Size: 8})

		uses = append(uses, mustUse(fixed, true))
		consumedInt[intArgRegs[0]] = true
		intIdx = 1
	}

	for _, a := range args {
		switch {
		case a.float && fltIdx < len(fltArgRegs):
			fixed := lw.fixedXmm(fltArgRegs[fltIdx])
			lw.emitID(b, false, lir.Instr{Op: lir.OpFmov, Dst: fixed, HasDst: true, Uses: []lir.Use{mustUse(a.vr, true)}, Size: 8})
			uses = append(uses, mustUse(fixed, true))
			consumedFlt[fltArgRegs[fltIdx]] = true
			fltIdx++

		case !a.float && intIdx < len(intArgRegs):
			fixed := lw.fixedReg(intArgRegs[intIdx])
			lw.emitID(b, false, lir.Instr{Op: lir.OpMov, Dst: fixed, HasDst: true, Uses: []lir.Use{mustUse(a.vr, true)}, Size: 8})
			uses = append(uses, mustUse(fixed, true))
			consumedInt[intArgRegs[intIdx]] = true
			intIdx++

		default:
			stackVR := lw.alloc()
			lw.vregs[stackVR] = &lir.VRegInfo{Type: bytecode.Type{Base: bytecode.INT64}, IsStackArg: true, StackArgIdx: overflowIdx}

			mv := lir.OpMov
			if a.float {
				mv = lir.OpFmov
			}

			lw.emitID(b, false, lir.Instr{Op: mv, Dst: stackVR, HasDst: true, Uses: []lir.Use{mustUse(a.vr, true)}, Size: 8})
			uses = append(uses, mustUse(stackVR, false))
			overflowIdx++
		}
	}

	var clears []lir.VReg

	for _, r := range callerSaved {
		if consumedInt[r] {
			continue
		}

		clears = append(clears, lw.fixedReg(r))
	}

	for _, x := range allFltRegs {
		if consumedFlt[x] {
			continue
		}

		clears = append(clears, lw.fixedXmm(x))
	}

	return uses, clears
}

// emitSpecialCall lowers a call to a negative-indexed runtime special
// function with immediate arguments, returning the VR holding its
// result, typed as resultType.
func (lw *lowerer) emitSpecialCall(b *lir.Block, specialID int, argImms []int64, resultType bytecode.Type) lir.VReg {
	args := make([]argSource, len(argImms))
	for i, imm := range argImms {
		args[i] = lw.argFromImm(b, imm)
	}

	uses, clears := lw.setupCall(b, args, true)

	retFixed := lw.fixedReturn(resultType)
	lw.emitID(b, false, lir.Instr{
		Op: lir.OpCall, FuncIdx: -specialID - 1, Uses: uses, ClearsSet: clears,
		HasDst: true, Dst: retFixed,
	})

	dst := lw.alloc()
	lw.vregs[dst] = &lir.VRegInfo{Type: resultType}
	lw.emitID(b, false, lir.Instr{Op: lir.OpMov, Dst: dst, HasDst: true, Uses: []lir.Use{mustUse(retFixed, true)}, Size: 8})

	return dst
}

// vtableConstant resolves the runtime address of a struct's v-table
// array. The engine materializes one such array per struct at program
// load time (§4.5); lowering fetches its address through a runtime
// call rather than embedding a load-time-unknown pointer as a literal.
func (lw *lowerer) vtableConstant(b *lir.Block, s *bytecode.StructType) lir.VReg {
	return lw.emitSpecialCall(b, specialGetVTable, []int64{int64(s.ID)}, bytecode.Type{Base: bytecode.INT64})
}

// lowerCall lowers CALL/CALL_VOID (special=false) and SPECIAL/SPECIAL_VOID
// (special=true) into argument setup, a CALL, and (if the opcode has a
// result) a return-value copy into the destination temp.
func (lw *lowerer) lowerCall(b *lir.Block, ord bytecode.Temp, ins bytecode.Instr, special bool) error {
	args := make([]argSource, len(ins.Args))
	for i, t := range ins.Args {
		args[i] = lw.argFromTemp(t)
	}

	uses, clears := lw.setupCall(b, args, special)

	funcIdx := ins.FuncIdx
	hasResult := ins.Op == bytecode.OpCall || ins.Op == bytecode.OpSpecial

	var resultType bytecode.Type

	if special {
		funcIdx = -int(ins.SpecialID) - 1
		// the engine's SpecialFunctions table supplies the concrete
		// return type; INT64 is the widest common result slot.
		resultType = bytecode.Type{Base: bytecode.INT64}
	} else {
		if ins.FuncIdx < 0 || ins.FuncIdx >= len(lw.prog.Funcs) {
			return errors.New("lower: call to unknown func %d", ins.FuncIdx)
		}

		resultType = lw.prog.Funcs[ins.FuncIdx].ReturnType
	}

	call := lir.Instr{Op: lir.OpCall, FuncIdx: funcIdx, Uses: uses, ClearsSet: clears}

	if !hasResult {
		lw.emitID(b, false, call)

		return nil
	}

	retFixed := lw.fixedReturn(resultType)
	call.HasDst = true
	call.Dst = retFixed
	lw.emitID(b, false, call)

	dst := lw.define(ord, resultType)

	mv := lir.OpMov
	if resultType.IsFloat() {
		mv = lir.OpFmov
	}

	lw.emitID(b, false, lir.Instr{Op: mv, Dst: dst, HasDst: true, Uses: []lir.Use{mustUse(retFixed, true)}, Size: resultType.Size()})

	return nil
}

// lowerMemberCall lowers MEMBER_CALL/VOID_MEMBER_CALL: the v-table
// pointer is loaded from offset 0 of the receiver (ins.Args[0]), the
// target function index loaded (as a WORD) from vtable+2*methodIndex,
// then dispatched through CALL_IDX_IN_REG. The receiver is passed on as
// the callee's first ("this") argument.
func (lw *lowerer) lowerMemberCall(b *lir.Block, ord bytecode.Temp, ins bytecode.Instr) error {
	if len(ins.Args) == 0 {
		return errors.New("lower: member call with no receiver")
	}

	recv := lw.vrOf(ins.Args[0])

	vtablePtr := lw.alloc()
	lw.vregs[vtablePtr] = &lir.VRegInfo{Type: bytecode.Type{Base: bytecode.INT64}}
	lw.emitID(b, false, lir.Instr{
		Op: lir.OpMovMem, Dst: vtablePtr, HasDst: true, Dir: lir.MemLoad, Size: 8,
		Mem: lir.MemOperand{Base: recv, Disp: 0},
	})

	idxVR := lw.alloc()
	lw.vregs[idxVR] = &lir.VRegInfo{Type: bytecode.Type{Base: bytecode.INT64}}
	lw.emitID(b, false, lir.Instr{
		Op: lir.OpMovMem, Dst: idxVR, HasDst: true, Dir: lir.MemLoad, Size: 2,
		Mem: lir.MemOperand{Base: vtablePtr, Disp: int32(ins.MethodIdx) * 2},
	})

	args := make([]argSource, 0, len(ins.Args))
	args = append(args, argSource{vr: recv})

	for _, t := range ins.Args[1:] {
		args = append(args, lw.argFromTemp(t))
	}

	uses, clears := lw.setupCall(b, args, false)

	hasResult := ins.Op == bytecode.OpMemberCall

	call := lir.Instr{
		Op: lir.OpCallIdxInReg, MemberIdxReg: idxVR,
		Uses: uses, ClearsSet: clears,
	}

	if !hasResult {
		lw.emitID(b, false, call)

		return nil
	}

	// resolved dynamically; INT64 is the widest common result slot.
	resultType := bytecode.Type{Base: bytecode.INT64}

	retFixed := lw.fixedReturn(resultType)
	call.HasDst = true
	call.Dst = retFixed
	lw.emitID(b, false, call)

	dst := lw.define(ord, resultType)
	lw.emitID(b, false, lir.Instr{Op: lir.OpMov, Dst: dst, HasDst: true, Uses: []lir.Use{mustUse(retFixed, true)}, Size: 8})

	return nil
}
