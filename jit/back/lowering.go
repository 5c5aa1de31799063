package back

import (
	"math"

	"tlog.app/go/errors"

	"github.com/dlaxar/cijvm/bytecode"
	"github.com/dlaxar/cijvm/jit/asm"
	"github.com/dlaxar/cijvm/jit/lir"
)

// provisionalBase is the start of the high-numbered VR range lowering
// draws from when a φ-node references a bytecode temporary that hasn't
// been defined yet (a loop-carried value whose defining block is lowered
// later in program order). A fix-up pass at the end of Lower rewrites
// every provisional reference once the real VR is known.
const provisionalBase lir.VReg = 1 << 20

type lowerer struct {
	prog *bytecode.Program
	fn   *bytecode.Function

	vregs map[lir.VReg]*lir.VRegInfo
	next  lir.VReg

	nextProvisional lir.VReg
	real            map[bytecode.Temp]lir.VReg
	provisional     map[bytecode.Temp]lir.VReg
	fixup           map[lir.VReg]lir.VReg

	hintSame []map[lir.VReg]struct{}

	nextID int
}

// Lower translates one bytecode.Function into LIR, per spec §4.5.
func Lower(prog *bytecode.Program, fn *bytecode.Function) (*lir.Func, error) {
	lw := &lowerer{
		prog:            prog,
		fn:              fn,
		vregs:           map[lir.VReg]*lir.VRegInfo{},
		real:            map[bytecode.Temp]lir.VReg{},
		provisional:     map[bytecode.Temp]lir.VReg{},
		fixup:           map[lir.VReg]lir.VReg{},
		nextProvisional: provisionalBase,
	}

	for i, p := range fn.Params {
		vr := lw.alloc()
		lw.real[bytecode.Temp(i)] = vr
		lw.vregs[vr] = &lir.VRegInfo{Type: p.Type, IsParam: true, ParamIndex: i}
	}

	blocks := make([]lir.Block, len(fn.Blocks))

	for bi := range fn.Blocks {
		b, err := lw.lowerBlock(bi)
		if err != nil {
			return nil, errors.Wrap(err, "block %d", bi)
		}

		blocks[bi] = b
	}

	for bi := range blocks {
		blocks[bi].Successors = fn.Blocks[bi].Successors
		blocks[bi].Predecessors = fn.Blocks[bi].Predecessors
	}

	lw.fixupProvisional(blocks)

	return &lir.Func{
		Blocks:    blocks,
		VRegs:     lw.vregs,
		HintSame:  lw.hintSame,
		NumParams: len(fn.Params),
	}, nil
}

func (lw *lowerer) alloc() lir.VReg {
	vr := lw.next
	lw.next++

	return vr
}

// vrOf resolves a bytecode temp to its VR. Every non-φ operand is
// expected to have already been defined in program order; if one
// slips through (malformed input) we still cope via the provisional
// mechanism rather than panic.
func (lw *lowerer) vrOf(t bytecode.Temp) lir.VReg {
	if vr, ok := lw.real[t]; ok {
		return vr
	}

	return lw.vrOfProvisional(t)
}

func (lw *lowerer) vrOfProvisional(t bytecode.Temp) lir.VReg {
	if vr, ok := lw.provisional[t]; ok {
		return vr
	}

	vr := lw.nextProvisional
	lw.nextProvisional++
	lw.provisional[t] = vr

	return vr
}

// define records the real VR for a bytecode temp's definition, fixing
// up any provisional VR that was handed out for a forward φ reference.
func (lw *lowerer) define(t bytecode.Temp, typ bytecode.Type) lir.VReg {
	vr := lw.alloc()
	lw.real[t] = vr
	lw.vregs[vr] = &lir.VRegInfo{Type: typ}

	if pv, ok := lw.provisional[t]; ok {
		lw.fixup[pv] = vr
	}

	return vr
}

func (lw *lowerer) fixupProvisional(blocks []lir.Block) {
	rewrite := func(vr lir.VReg) lir.VReg {
		if real, ok := lw.fixup[vr]; ok {
			return real
		}

		return vr
	}

	for bi := range blocks {
		for pi := range blocks[bi].Phi {
			for ei := range blocks[bi].Phi[pi].Phi {
				blocks[bi].Phi[pi].Phi[ei].VR = rewrite(blocks[bi].Phi[pi].Phi[ei].VR)
			}
		}
	}

	for gi := range lw.hintSame {
		fixed := map[lir.VReg]struct{}{}

		for vr := range lw.hintSame[gi] {
			fixed[rewrite(vr)] = struct{}{}
		}

		lw.hintSame[gi] = fixed
	}
}

func (lw *lowerer) emitID(b *lir.Block, phi bool, i lir.Instr) {
	i.Id = lw.nextID
	lw.nextID++

	if phi {
		b.Phi = append(b.Phi, i)
	} else {
		b.Code = append(b.Code, i)
	}
}

func mustUse(vr lir.VReg, must bool) lir.Use { return lir.Use{VR: vr, MustHaveReg: must} }

func (lw *lowerer) lowerBlock(bi int) (lir.Block, error) {
	var b lir.Block

	instrs := lw.fn.BlockInstrs(bi)

	for _, ins := range instrs {
		if ins.Op != bytecode.OpPhi {
			continue
		}

		edges := make([]lir.PhiInput, len(ins.PhiEdges))

		for i, e := range ins.PhiEdges {
			edges[i] = lir.PhiInput{VR: lw.vrOfMaybeProvisional(e.Temp), Block: e.Block}
		}

		dst := lw.define(ins.Dst, lw.fn.TempTypes[ins.Dst])

		lw.emitID(&b, true, lir.Instr{Op: lir.OpPhi, Dst: dst, HasDst: true, Phi: edges})

		hint := map[lir.VReg]struct{}{dst: {}}

		for _, e := range edges {
			hint[e.VR] = struct{}{}
		}

		lw.hintSame = append(lw.hintSame, hint)
	}

	for _, ins := range instrs {
		if ins.Op == bytecode.OpPhi {
			continue
		}

		if err := lw.lowerInstr(&b, ins); err != nil {
			return b, err
		}
	}

	return b, nil
}

// vrOfMaybeProvisional is used specifically for φ-edge temps, which may
// reference a definition that hasn't been lowered yet.
func (lw *lowerer) vrOfMaybeProvisional(t bytecode.Temp) lir.VReg {
	if vr, ok := lw.real[t]; ok {
		return vr
	}

	return lw.vrOfProvisional(t)
}

func (lw *lowerer) lowerInstr(b *lir.Block, ins bytecode.Instr) error {
	ord := ins.Dst

	switch ins.Op {
	case bytecode.OpNop:
		lw.emitID(b, false, lir.Instr{Op: lir.OpNop})

	case bytecode.OpLoad:
		// LOAD is a pure SSA rename; no LIR instruction needed, alias
		// the destination temp directly to the source's VR.
		lw.real[ord] = lw.vrOf(ins.A)

	case bytecode.OpStore:
		// STORE writes into a mutable local slot modelled as LOAD's
		// alias target: record that the variable's current VR is the
		// source's VR.
		lw.real[ins.A] = lw.vrOf(ins.B)

	case bytecode.OpConst:
		dst := lw.define(ord, ins.Type)

		if ins.Type.IsFloat() {
			// float constants are materialized through the integer
			// bit pattern then MOV_I2F, matching the emitter's only
			// way of getting a literal into an XMM register.
			tmp := lw.alloc()
			lw.vregs[tmp] = &lir.VRegInfo{Type: bytecode.Type{Base: bytecode.INT64}}

			var bits int64
			if ins.Type.Base == bytecode.FLP32 {
				bits = int64(math.Float32bits(float32(ins.Const.F)))
			} else {
				bits = int64(math.Float64bits(ins.Const.F))
			}

			lw.emitID(b, false, lir.Instr{Op: lir.OpMov, Dst: tmp, HasDst: true, Size: 8, Imm: bits})
			lw.emitID(b, false, lir.Instr{Op: lir.OpMovI2F, Dst: dst, HasDst: true, Uses: []lir.Use{mustUse(tmp, true)}, Size: ins.Type.Size()})
		} else {
			lw.emitID(b, false, lir.Instr{Op: lir.OpMov, Dst: dst, HasDst: true, Size: ins.Type.Size(), Imm: ins.Const.I})
		}

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpAnd, bytecode.OpOr:
		typ := lw.fn.TempTypes[ord]
		dst := lw.define(ord, typ)
		l, r := lw.vrOf(ins.A), lw.vrOf(ins.B)

		op := map[bytecode.Opcode]lir.Op{
			bytecode.OpAdd: lir.OpAdd, bytecode.OpSub: lir.OpSub, bytecode.OpMul: lir.OpMul,
			bytecode.OpAnd: lir.OpAnd, bytecode.OpOr: lir.OpOr,
		}[ins.Op]

		if typ.IsFloat() && ins.Op == bytecode.OpAdd {
			op = lir.OpFadd
		}

		// dst = lhs OP rhs lowers non-destructively: MOV dst,lhs; OP dst,rhs.
		mv := lir.OpMov
		if typ.IsFloat() {
			mv = lir.OpFmov
		}

		lw.emitID(b, false, lir.Instr{Op: mv, Dst: dst, HasDst: true, Uses: []lir.Use{mustUse(l, true)}, Size: typ.Size()})
		lw.emitID(b, false, lir.Instr{Op: op, Dst: dst, HasDst: true, Uses: []lir.Use{mustUse(dst, true), mustUse(r, false)}, Size: typ.Size()})

	case bytecode.OpDiv, bytecode.OpMod:
		typ := lw.fn.TempTypes[ord]
		dst := lw.define(ord, typ)
		l, r := lw.vrOf(ins.A), lw.vrOf(ins.B)

		if typ.IsFloat() {
			lw.emitID(b, false, lir.Instr{Op: lir.OpFmov, Dst: dst, HasDst: true, Uses: []lir.Use{mustUse(l, true)}, Size: typ.Size()})
			lw.emitID(b, false, lir.Instr{Op: lir.OpDiv, Dst: dst, HasDst: true, Uses: []lir.Use{mustUse(dst, true), mustUse(r, true)}, Size: typ.Size()})

			break
		}

		raxVR, rdxVR := lw.fixedReg(asm.RAX), lw.fixedReg(asm.RDX)

		lw.emitID(b, false, lir.Instr{Op: lir.OpMov, Dst: raxVR, HasDst: true, Uses: []lir.Use{mustUse(l, true)}, Size: typ.Size()})
		lw.emitID(b, false, lir.Instr{Op: lir.OpCqo, Dst: rdxVR, HasDst: true, Uses: []lir.Use{mustUse(raxVR, true)}})
		lw.emitID(b, false, lir.Instr{
			Op: lir.OpDiv, Dst: raxVR, HasDst: true,
			Uses: []lir.Use{mustUse(raxVR, true), mustUse(rdxVR, true), mustUse(r, false)},
			Size: typ.Size(),
		})

		src := raxVR
		if ins.Op == bytecode.OpMod {
			src = rdxVR
		}

		lw.emitID(b, false, lir.Instr{Op: lir.OpMov, Dst: dst, HasDst: true, Uses: []lir.Use{mustUse(src, true)}, Size: typ.Size()})

	case bytecode.OpCmpEq, bytecode.OpCmpNe, bytecode.OpCmpLt, bytecode.OpCmpLe, bytecode.OpCmpGt, bytecode.OpCmpGe:
		dst := lw.define(ord, bytecode.Type{Base: bytecode.BOOL})
		l, r := lw.vrOf(ins.A), lw.vrOf(ins.B)

		lw.emitID(b, false, lir.Instr{Op: lir.OpCmp, Uses: []lir.Use{mustUse(l, true), mustUse(r, false)}})
		lw.emitID(b, false, lir.Instr{Op: lir.OpSet, Dst: dst, HasDst: true, Cond: ins.Op})

	case bytecode.OpNeg:
		typ := lw.fn.TempTypes[ord]
		dst := lw.define(ord, typ)
		x := lw.vrOf(ins.A)

		lw.emitID(b, false, lir.Instr{Op: lir.OpMov, Dst: dst, HasDst: true, Uses: []lir.Use{mustUse(x, true)}, Size: typ.Size()})
		lw.emitID(b, false, lir.Instr{Op: lir.OpNeg, Dst: dst, HasDst: true, Uses: []lir.Use{mustUse(dst, true)}, Size: typ.Size()})

	case bytecode.OpNot:
		dst := lw.define(ord, bytecode.Type{Base: bytecode.BOOL})
		x := lw.vrOf(ins.A)

		lw.emitID(b, false, lir.Instr{Op: lir.OpMov, Dst: dst, HasDst: true, Uses: []lir.Use{mustUse(x, true)}, Size: 1})
		lw.emitID(b, false, lir.Instr{Op: lir.OpNot, Dst: dst, HasDst: true, Uses: []lir.Use{mustUse(dst, true)}, Size: 1})

	case bytecode.OpGoto:
		lw.emitID(b, false, lir.Instr{Op: lir.OpJmp, Block: ins.Block})

	case bytecode.OpIfGoto:
		cond := lw.vrOf(ins.A)

		lw.emitID(b, false, lir.Instr{Op: lir.OpTest, Uses: []lir.Use{mustUse(cond, true)}})
		lw.emitID(b, false, lir.Instr{Op: lir.OpJnz, Block: ins.Block})

	case bytecode.OpLength:
		dst := lw.define(ord, bytecode.Type{Base: bytecode.INT32})
		arr := lw.vrOf(ins.A)

		// arrays are laid out with a length header at offset 0,
		// matching runtime.AllocateArray's first word.
		lw.emitID(b, false, lir.Instr{
			Op: lir.OpMovMem, Dst: dst, HasDst: true, Dir: lir.MemLoad, Size: 4,
			Mem: lir.MemOperand{Base: arr},
		})

	case bytecode.OpLoadIdx:
		typ := lw.fn.TempTypes[ord]
		dst := lw.define(ord, typ)
		arr, idx := lw.vrOf(ins.A), lw.vrOf(ins.B)

		lw.emitID(b, false, lir.Instr{
			Op: lir.OpMovMem, Dst: dst, HasDst: true, Dir: lir.MemLoad, Size: typ.Size(),
			Mem: lir.MemOperand{Base: arr, HasIndex: true, Index: idx, Scale: uint8(typ.Size()), Disp: 8},
		})

	case bytecode.OpStoreIdx:
		arr, idx, val := lw.vrOf(ins.A), lw.vrOf(ins.B), lw.vrOf(ins.Value)
		typ := lw.vregs[val].Type

		lw.emitID(b, false, lir.Instr{
			Op: lir.OpMovMem, Dir: lir.MemStore, Size: typ.Size(),
			Mem:  lir.MemOperand{Base: arr, HasIndex: true, Index: idx, Scale: uint8(typ.Size()), Disp: 8},
			Uses: []lir.Use{mustUse(val, false)},
		})

	case bytecode.OpObjLoad:
		s := lw.prog.Structs[ins.StructID]
		field := s.Fields[ins.FieldIdx]
		off, _ := field.Offset()

		dst := lw.define(ord, bytecode.Type{Base: field.Base})
		ptr := lw.vrOf(ins.A)

		lw.emitID(b, false, lir.Instr{
			Op: lir.OpMovMem, Dst: dst, HasDst: true, Dir: lir.MemLoad, Size: bytecode.Type{Base: field.Base}.Size(),
			Mem: lir.MemOperand{Base: ptr, Disp: off},
		})

	case bytecode.OpObjStore:
		s := lw.prog.Structs[ins.StructID]
		field := s.Fields[ins.FieldIdx]
		off, _ := field.Offset()

		ptr, val := lw.vrOf(ins.A), lw.vrOf(ins.Value)

		lw.emitID(b, false, lir.Instr{
			Op: lir.OpMovMem, Dir: lir.MemStore, Size: bytecode.Type{Base: field.Base}.Size(),
			Mem:  lir.MemOperand{Base: ptr, Disp: off},
			Uses: []lir.Use{mustUse(val, false)},
		})

	case bytecode.OpGlobLoad:
		g := lw.prog.Globals[ins.GlobalIdx]
		dst := lw.define(ord, bytecode.Type{Base: g.Base})

		base := lw.alloc()
		lw.vregs[base] = &lir.VRegInfo{Type: bytecode.Type{Base: bytecode.INT64}}

		lw.emitID(b, false, lir.Instr{
			Op: lir.OpMovMem, Dst: base, HasDst: true, Dir: lir.MemLoad, Size: 8,
			Mem: lir.MemOperand{Base: lir.VReg(rbpPseudo), Disp: engineGlobalsSlot},
		})
		lw.emitID(b, false, lir.Instr{
			Op: lir.OpMovMem, Dst: dst, HasDst: true, Dir: lir.MemLoad, Size: bytecode.Type{Base: g.Base}.Size(),
			Mem: lir.MemOperand{Base: base, Disp: g.Offset()},
		})

	case bytecode.OpGlobStore:
		g := lw.prog.Globals[ins.GlobalIdx]
		val := lw.vrOf(ins.Value)

		base := lw.alloc()
		lw.vregs[base] = &lir.VRegInfo{Type: bytecode.Type{Base: bytecode.INT64}}

		lw.emitID(b, false, lir.Instr{
			Op: lir.OpMovMem, Dst: base, HasDst: true, Dir: lir.MemLoad, Size: 8,
			Mem: lir.MemOperand{Base: lir.VReg(rbpPseudo), Disp: engineGlobalsSlot},
		})
		lw.emitID(b, false, lir.Instr{
			Op: lir.OpMovMem, Dir: lir.MemStore, Size: bytecode.Type{Base: g.Base}.Size(),
			Mem:  lir.MemOperand{Base: base, Disp: g.Offset()},
			Uses: []lir.Use{mustUse(val, false)},
		})

	case bytecode.OpNew:
		// array allocation: element size, element type tag and element
		// count go to the runtime allocator; no v-table is stored.
		elemType := bytecode.Type{Base: ins.Type.Base}
		resultType := bytecode.Type{Base: ins.Type.Base, IsArray: true}

		retVR := lw.emitSpecialCall(b, specialAllocateArray,
			[]int64{int64(elemType.Size()), int64(ins.Type.Base), int64(ins.Size)}, resultType)

		lw.real[ord] = retVR

	case bytecode.OpAllocate:
		s := lw.prog.Structs[ins.StructID]
		size, _ := s.Size()

		resultType := bytecode.Type{Base: bytecode.BaseType(ins.StructID) + bytecode.FirstStruct}

		retVR := lw.emitSpecialCall(b, specialAllocateObject, []int64{int64(size)}, resultType)
		vt := lw.vtableConstant(b, s)

		lw.emitID(b, false, lir.Instr{
			Op: lir.OpMovMem, Dir: lir.MemStore, Size: 8,
			Mem:  lir.MemOperand{Base: retVR, Disp: 0},
			Uses: []lir.Use{mustUse(vt, false)},
		})

		lw.real[ord] = retVR

	case bytecode.OpCall, bytecode.OpCallVoid:
		if err := lw.lowerCall(b, ord, ins, false); err != nil {
			return err
		}

	case bytecode.OpSpecial, bytecode.OpSpecialVoid:
		if err := lw.lowerCall(b, ord, ins, true); err != nil {
			return err
		}

	case bytecode.OpMemberCall, bytecode.OpVoidMemberCall:
		if err := lw.lowerMemberCall(b, ord, ins); err != nil {
			return err
		}

	case bytecode.OpRetVoid:
		lw.emitID(b, false, lir.Instr{Op: lir.OpRet})

	case bytecode.OpReturn:
		typ := lw.fn.ReturnType
		retVR := lw.fixedReturn(typ)
		val := lw.vrOf(ins.A)

		mv := lir.OpMov
		if typ.IsFloat() {
			mv = lir.OpFmov
		}

		lw.emitID(b, false, lir.Instr{Op: mv, Dst: retVR, HasDst: true, Uses: []lir.Use{mustUse(val, true)}, Size: typ.Size()})
		lw.emitID(b, false, lir.Instr{Op: lir.OpRet, Uses: []lir.Use{mustUse(retVR, true)}})

	default:
		return errors.New("lower: unhandled opcode %d", ins.Op)
	}

	return nil
}

// rbpPseudo is a sentinel VR value meaning "address relative to RBP
// directly", recognised by the emitter instead of going through the
// register allocator (RBP is the engine context pointer, never
// reassigned, so it needs no interval).
const rbpPseudo = -1

func (lw *lowerer) fixedReg(r asm.Reg) lir.VReg {
	vr := lw.alloc()
	lw.vregs[vr] = &lir.VRegInfo{Type: bytecode.Type{Base: bytecode.INT64}, IsFixedInt: true, FixedInt: int(r)}

	return vr
}

func (lw *lowerer) fixedXmm(x asm.Xmm) lir.VReg {
	vr := lw.alloc()
	lw.vregs[vr] = &lir.VRegInfo{Type: bytecode.Type{Base: bytecode.FLP64}, IsFixedFloat: true, FixedFloat: int(x)}

	return vr
}

func (lw *lowerer) fixedReturn(typ bytecode.Type) lir.VReg {
	if typ.IsFloat() {
		return lw.fixedXmm(asm.XMM0)
	}

	return lw.fixedReg(asm.RAX)
}
