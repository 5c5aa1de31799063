package back

import (
	"sort"

	"tlog.app/go/errors"

	"github.com/dlaxar/cijvm/bytecode"
	"github.com/dlaxar/cijvm/jit/asm"
	"github.com/dlaxar/cijvm/jit/lir"
)

// jumpPatch records a placeholder rel32 that needs fixing up once every
// block's start offset is known.
type jumpPatch struct {
	offset int
	target int // block index
}

// move is one edge-move or spill-move: copy src into dst, both already
// resolved to physical locations, at the given LIR instruction id (for
// spill moves) or keyed by block edge (for edge moves).
type move struct {
	dst, src Loc
	isFloat  bool
	size     int
}

// emitter drives machine-code generation for one function, after
// lowering, lifetime analysis, and register allocation have all run.
type emitter struct {
	prog  *bytecode.Program
	fn    *bytecode.Function
	lirFn *lir.Func
	alloc *Allocation
	ivs   map[lir.VReg]*Interval

	b *asm.Builder

	blockOffsets []int
	patches      []jumpPatch

	numFuncs int
}

// Emit lowers one function's allocated LIR into a position-independent
// machine-code blob: the code heap copies this verbatim into an
// executable page (spec §4.8).
func Emit(prog *bytecode.Program, fn *bytecode.Function, lirFn *lir.Func, alloc *Allocation, ivs map[lir.VReg]*Interval) ([]byte, error) {
	e := &emitter{
		prog: prog, fn: fn, lirFn: lirFn, alloc: alloc, ivs: ivs,
		b: asm.NewBuilder(), numFuncs: len(prog.Funcs),
	}

	e.blockOffsets = make([]int, len(lirFn.Blocks))

	spillMoves, err := e.computeSpillMoves()
	if err != nil {
		return nil, errors.Wrap(err, "spill moves")
	}

	edgeMoves, err := e.computeEdgeMoves()
	if err != nil {
		return nil, errors.Wrap(err, "edge moves")
	}

	e.prologue()
	e.materializeParams()

	for bi := range lirFn.Blocks {
		e.blockOffsets[bi] = e.b.Len()

		if err := e.emitBlock(bi, spillMoves, edgeMoves); err != nil {
			return nil, errors.Wrap(err, "block %d", bi)
		}
	}

	for _, p := range e.patches {
		e.b.PatchRel32(p.offset, e.blockOffsets[p.target])
	}

	return e.b.Build(), nil
}

func (e *emitter) prologue() {
	frameSize := e.alloc.Stack.FrameSize()

	if frameSize > 0 {
		e.b.SubImm(asm.RSP, int32(frameSize), asm.Qword)
	}

	for reg, slot := range e.alloc.CalleeSavedSpills {
		e.b.MovMemReg(asm.NewMem(asm.RSP, e.alloc.Stack.ScratchOffset(slot)), reg, asm.Qword)
	}
}

func (e *emitter) epilogue() {
	for reg, slot := range e.alloc.CalleeSavedSpills {
		e.b.MovRegMem(reg, asm.NewMem(asm.RSP, e.alloc.Stack.ScratchOffset(slot)), asm.Qword)
	}

	if fs := e.alloc.Stack.FrameSize(); fs > 0 {
		e.b.AddImm(asm.RSP, int32(fs), asm.Qword)
	}

	e.b.Ret()
}

// materializeParams copies every incoming parameter from its System-V
// argument register or overflow stack slot into wherever the
// allocator assigned it (lowering only records IsParam/ParamIndex on
// the VR, it never emits an instruction that produces its value).
// Parameter intervals start at position -1 (lifetime.go), so this must
// run after the frame is established and before any block code.
func (e *emitter) materializeParams() {
	type paramVR struct {
		vr  lir.VReg
		idx int
	}

	var params []paramVR

	for vr, info := range e.lirFn.VRegs {
		if info.IsParam {
			params = append(params, paramVR{vr, info.ParamIndex})
		}
	}

	sort.Slice(params, func(i, j int) bool { return params[i].idx < params[j].idx })

	intIdx, fltIdx, overflowIdx := 0, 0, 0

	for _, p := range params {
		info := e.lirFn.VRegs[p.vr]
		isFloat := info.Type.IsFloat()
		size := info.Type.Size()
		dst := e.alloc.LocAt(p.vr, -1)

		switch {
		case isFloat && fltIdx < len(fltArgRegs):
			e.emitMove(move{dst: dst, src: Loc{Kind: LocXmm, Xmm: fltArgRegs[fltIdx]}, isFloat: true, size: size})
			fltIdx++

		case !isFloat && intIdx < len(intArgRegs):
			e.emitMove(move{dst: dst, src: Loc{Kind: LocReg, Reg: intArgRegs[intIdx]}, isFloat: false, size: size})
			intIdx++

		default:
			off := e.alloc.Stack.ParameterOffset(overflowIdx)
			e.emitParamStackMove(dst, off, isFloat, size)
			overflowIdx++
		}
	}
}

// emitParamStackMove copies an overflow parameter from its incoming
// RSP-relative slot (StackAllocator.ParameterOffset, above the return
// address) into dst. Distinct from emitMove's stack case, which always
// addresses the scratch region via ScratchOffset.
func (e *emitter) emitParamStackMove(dst Loc, off int32, isFloat bool, size int) {
	src := asm.NewMem(asm.RSP, off)

	if isFloat {
		xsz := sizeToXmm(size)

		if dst.Kind == LocStack {
			e.b.MovF(asm.XMM0, asm.MM(src), xsz)
			e.b.MovFStore(e.stackMem(dst), asm.XMM0, xsz)

			return
		}

		e.b.MovF(dst.Xmm, asm.MM(src), xsz)

		return
	}

	isz := asm.Size(sizeLog(size))

	if dst.Kind == LocStack {
		e.b.MovRegMem(asm.RAX, src, isz)
		e.b.MovMemReg(e.stackMem(dst), asm.RAX, isz)

		return
	}

	e.b.MovRegMem(dst.Reg, src, isz)
}

// computeSpillMoves finds, for every VR with more than one Assignment,
// the transition points between consecutive assignments and emits a
// move at instruction id `prev.To + 1` (spec §4.8.2). e.alloc.Assignments
// is a map, so VRegs are visited in sorted order first — otherwise the
// per-id move lists below would come out in a different order on every
// compile and break the "same Function compiles to byte-identical code
// twice" property (spec §8).
func (e *emitter) computeSpillMoves() (map[int][]move, error) {
	raw := map[int][]move{}

	vrs := make([]lir.VReg, 0, len(e.alloc.Assignments))
	for vr := range e.alloc.Assignments {
		vrs = append(vrs, vr)
	}

	sort.Slice(vrs, func(i, j int) bool { return vrs[i] < vrs[j] })

	for _, vr := range vrs {
		asgs := e.alloc.Assignments[vr]
		if len(asgs) < 2 {
			continue
		}

		info := e.lirFn.VRegs[vr]

		for i := 1; i < len(asgs); i++ {
			prev, next := asgs[i-1], asgs[i]
			if locEqual(prev.Loc, next.Loc) {
				continue
			}

			id := prev.To + 1
			raw[id] = append(raw[id], move{
				dst: next.Loc, src: prev.Loc,
				isFloat: info != nil && info.Type.IsFloat(),
				size:    8,
			})
		}
	}

	out := make(map[int][]move, len(raw))

	ids := make([]int, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}

	sort.Ints(ids)

	for _, id := range ids {
		sorted, err := topoSortMoves(raw[id])
		if err != nil {
			return nil, errors.Wrap(err, "spill moves at id %d", id)
		}

		out[id] = sorted
	}

	return out, nil
}

// edgeKey identifies one predecessor->successor CFG edge.
type edgeKey struct{ pred, succ int }

// computeEdgeMoves builds the parallel-move set for every predecessor-
// successor edge. e.ivs is a map (lir.VReg -> *Interval); visiting it in
// VReg order, same reason as computeSpillMoves above, keeps the per-edge
// move lists (and therefore the topological sort below) deterministic
// across compiles of the same Function.
func (e *emitter) computeEdgeMoves() (map[edgeKey][]move, error) {
	raw := map[edgeKey][]move{}

	ivVRs := make([]lir.VReg, 0, len(e.ivs))
	for vr := range e.ivs {
		ivVRs = append(ivVRs, vr)
	}

	sort.Slice(ivVRs, func(i, j int) bool { return ivVRs[i] < ivVRs[j] })

	for si := range e.lirFn.Blocks {
		succ := &e.lirFn.Blocks[si]

		sFirst := succ.FirstID()
		if sFirst == -1 {
			continue
		}

		for _, pi := range succ.Predecessors {
			pred := &e.lirFn.Blocks[pi]
			pLast := pred.LastID()

			key := edgeKey{pred: pi, succ: si}

			for _, phi := range succ.Phi {
				dst, _ := phi.Defs()

				for _, edge := range phi.Phi {
					if edge.Block != pi {
						continue
					}

					srcLoc := e.alloc.LocAt(edge.VR, pLast)
					dstLoc := e.alloc.LocAt(dst, sFirst)

					if !locEqual(srcLoc, dstLoc) {
						raw[key] = append(raw[key], move{dst: dstLoc, src: srcLoc, isFloat: e.typeOf(dst).IsFloat(), size: e.typeOf(dst).Size()})
					}
				}
			}

			for _, vr := range ivVRs {
				iv := e.ivs[vr]
				if iv.IsPhi || !iv.Covers(sFirst) || !iv.Covers(pLast) {
					continue
				}

				srcLoc := e.alloc.LocAt(vr, pLast)
				dstLoc := e.alloc.LocAt(vr, sFirst)

				if !locEqual(srcLoc, dstLoc) {
					raw[key] = append(raw[key], move{dst: dstLoc, src: srcLoc, isFloat: e.typeOf(vr).IsFloat(), size: 8})
				}
			}
		}
	}

	out := make(map[edgeKey][]move, len(raw))

	keys := make([]edgeKey, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].pred != keys[j].pred {
			return keys[i].pred < keys[j].pred
		}

		return keys[i].succ < keys[j].succ
	})

	for _, k := range keys {
		sorted, err := topoSortMoves(raw[k])
		if err != nil {
			return nil, errors.Wrap(err, "edge moves %d->%d", k.pred, k.succ)
		}

		out[k] = sorted
	}

	return out, nil
}

// topoSortMoves orders a set of simultaneous moves so that every
// location is read (as a source) before it is overwritten (as some
// move's destination), per spec §4.8 point 3. Ready moves (whose
// destination no remaining move still needs to read) are peeled off one
// at a time, Kahn's-algorithm style; an identity-only input (every move
// already filtered out by locEqual upstream) returns nil, matching the
// testable property topologicalSort(movesOf(identityPermutation)) == [].
//
// A set of simultaneous register/stack assignments is a permutation of
// locations, so once no move is ready the remainder decomposes entirely
// into disjoint cycles (e.g. a loop back-edge that swaps two VRs). Each
// cycle is broken by saving its first location into a scratch register
// (RAX for the integer bank, XMM0 for the float bank) before any of its
// moves run, then replaying the chain and closing it from the scratch
// value instead of the (by then overwritten) original - the same
// push-then-pop-the-cycle shape the spec calls for, implemented with one
// scratch slot instead of literal stack push/pop since the values here
// are already addressed as registers or RSP-relative stack slots, not
// values actually on the call stack.
func topoSortMoves(moves []move) ([]move, error) {
	if len(moves) == 0 {
		return nil, nil
	}

	pending := append([]move(nil), moves...)

	var out []move

	for len(pending) > 0 {
		progressed := false

		for i := range pending {
			if moveBlocked(pending, i) {
				continue
			}

			out = append(out, pending[i])
			pending = append(pending[:i], pending[i+1:]...)
			progressed = true

			break
		}

		if progressed {
			continue
		}

		cycle, rest, err := extractMoveCycle(pending)
		if err != nil {
			return nil, err
		}

		broken, err := breakMoveCycle(cycle)
		if err != nil {
			return nil, err
		}

		out = append(out, broken...)
		pending = rest
	}

	return out, nil
}

// moveBlocked reports whether pending[skip]'s destination is still
// needed as another pending move's source - if so it must wait.
func moveBlocked(pending []move, skip int) bool {
	for i, n := range pending {
		if i == skip {
			continue
		}

		if locEqual(n.src, pending[skip].dst) {
			return true
		}
	}

	return false
}

// extractMoveCycle follows pending[0]'s source chain (the move that
// supplies its destination's next value) until it loops back, returning
// that cycle and whatever moves are left over. Every pending move here
// is blocked, and destinations are unique within one simultaneous move
// set, so this chain is guaranteed to close.
func extractMoveCycle(pending []move) (cycle []move, rest []move, err error) {
	byDst := make(map[Loc]int, len(pending))

	for i, m := range pending {
		byDst[m.dst] = i
	}

	start := 0
	cur := pending[start]
	used := map[int]bool{start: true}
	cycle = append(cycle, cur)

	for {
		next, ok := byDst[cur.src]
		if !ok {
			return nil, nil, errors.New("emit: move cycle has no resolving predecessor for %v", cur.src)
		}

		if used[next] {
			break
		}

		used[next] = true
		cur = pending[next]
		cycle = append(cycle, cur)
	}

	for i, m := range pending {
		if !used[i] {
			rest = append(rest, m)
		}
	}

	return cycle, rest, nil
}

// breakMoveCycle resolves one permutation cycle of moves by saving its
// first location to a scratch register, replaying the chain, and
// closing it from the scratch value. Every move in the chain but the
// last can be emitted as-is once the save has happened; the last move's
// source (the very first location, already overwritten by then) is
// replaced by the scratch location.
//
// The scratch register is also emitMove's own stack-to-stack bounce
// register, so a cycle containing a stack-to-stack leg would clobber
// the saved value mid-chain; the spec's emitter-capability-error
// category covers exactly this (cyclic moves the emitter has no
// register left to break safely), so that case is rejected rather than
// silently miscompiled.
func breakMoveCycle(cycle []move) ([]move, error) {
	first := cycle[0]

	for _, m := range cycle {
		if m.dst.Kind == LocStack && m.src.Kind == LocStack {
			return nil, errors.New("emit: cyclic edge/spill moves with a stack-to-stack leg have no free scratch register")
		}

		if m.isFloat != first.isFloat {
			return nil, errors.New("emit: cyclic edge/spill moves mix integer and float operands")
		}
	}

	scratch := Loc{Kind: LocReg, Reg: asm.RAX}
	if first.isFloat {
		scratch = Loc{Kind: LocXmm, Xmm: asm.XMM0}
	}

	out := make([]move, 0, len(cycle)+1)
	out = append(out, move{dst: scratch, src: first.dst, isFloat: first.isFloat, size: first.size})

	for i, m := range cycle {
		if i < len(cycle)-1 {
			out = append(out, m)
			continue
		}

		out = append(out, move{dst: m.dst, src: scratch, isFloat: m.isFloat, size: m.size})
	}

	return out, nil
}

func (e *emitter) typeOf(vr lir.VReg) bytecode.Type {
	if info := e.lirFn.VRegs[vr]; info != nil {
		return info.Type
	}

	return bytecode.Type{Base: bytecode.INT64}
}

func locEqual(a, b Loc) bool {
	return a.Kind == b.Kind && a.Reg == b.Reg && a.Xmm == b.Xmm && a.Slot == b.Slot
}

func (e *emitter) emitBlock(bi int, spillMoves map[int][]move, edgeMoves map[edgeKey][]move) error {
	blk := &e.lirFn.Blocks[bi]

	all := append(append([]lir.Instr{}, blk.Phi...), blk.Code...)

	for _, ins := range all {
		for _, mv := range spillMoves[ins.Id] {
			e.emitMove(mv)
		}

		if ins.Op == lir.OpPhi {
			continue
		}

		switch ins.Op {
		case lir.OpJmp:
			e.emitEdgeMoves(edgeMoves, bi, ins.Block)

			off := e.b.Jmp()
			e.patches = append(e.patches, jumpPatch{offset: off, target: ins.Block})

		case lir.OpJnz:
			off := e.b.Jnz()
			e.patches = append(e.patches, jumpPatch{offset: off, target: ins.Block})
			e.emitEdgeMoves(edgeMoves, bi, ins.Block)

		case lir.OpRet:
			e.epilogue()

		default:
			if ins.Dead {
				continue
			}

			if err := e.emitInstr(bi, ins); err != nil {
				return err
			}
		}
	}

	return nil
}

func (e *emitter) emitEdgeMoves(edgeMoves map[edgeKey][]move, pred, succ int) {
	for _, mv := range edgeMoves[edgeKey{pred: pred, succ: succ}] {
		e.emitMove(mv)
	}
}

func (e *emitter) stackMem(l Loc) asm.Mem {
	return asm.NewMem(asm.RSP, e.alloc.Stack.ScratchOffset(l.Slot))
}

// emitMove resolves one edge/spill move between two already-assigned
// physical locations. Stack-to-stack moves (either bank) can't be
// encoded directly on x86 (mem,mem is illegal), so they're routed
// through a scratch register never touched by live allocation at this
// position: RAX for the integer bank, XMM0 for the float bank. This is
// sound because both are caller-saved and the program under
// construction never reaches this path at runtime with a conflicting
// live value in RAX/XMM0 — compiled code only, never executed here.
func (e *emitter) emitMove(mv move) {
	size := mv.size
	if size == 0 {
		size = 8
	}

	xsz := sizeToXmm(size)
	isz := asm.Size(sizeLog(size))

	if mv.isFloat {
		switch {
		case mv.dst.Kind == LocStack && mv.src.Kind == LocStack:
			e.b.MovF(asm.XMM0, asm.MM(e.stackMem(mv.src)), xsz)
			e.b.MovFStore(e.stackMem(mv.dst), asm.XMM0, xsz)
		case mv.dst.Kind == LocStack:
			e.b.MovFStore(e.stackMem(mv.dst), mv.src.Xmm, xsz)
		case mv.src.Kind == LocStack:
			e.b.MovF(mv.dst.Xmm, asm.MM(e.stackMem(mv.src)), xsz)
		default:
			e.b.MovF(mv.dst.Xmm, asm.XM(mv.src.Xmm), xsz)
		}

		return
	}

	switch {
	case mv.dst.Kind == LocStack && mv.src.Kind == LocStack:
		e.b.MovRegMem(asm.RAX, e.stackMem(mv.src), isz)
		e.b.MovMemReg(e.stackMem(mv.dst), asm.RAX, isz)
	case mv.dst.Kind == LocStack:
		e.b.MovMemReg(e.stackMem(mv.dst), mv.src.Reg, isz)
	case mv.src.Kind == LocStack:
		e.b.MovRegMem(mv.dst.Reg, e.stackMem(mv.src), isz)
	default:
		e.b.MovRegReg(mv.dst.Reg, mv.src.Reg, isz)
	}
}

func sizeToXmm(bytes int) asm.Size {
	if bytes == 4 {
		return asm.Dword
	}

	return asm.Qword
}

func sizeLog(bytes int) asm.Size {
	switch bytes {
	case 1:
		return asm.Byte
	case 2:
		return asm.Word
	case 4:
		return asm.Dword
	default:
		return asm.Qword
	}
}

// funcTableIndex maps a lowering-time FuncIdx (non-negative: user
// function; negative: -(id)-1 runtime special) onto a single uniform
// index into the RBP-relative function table: user functions occupy
// [0, numFuncs), specials follow immediately after.
func (e *emitter) funcTableIndex(funcIdx int) int {
	if funcIdx >= 0 {
		return funcIdx
	}

	return e.numFuncs + (-funcIdx - 1)
}

func (e *emitter) loc(vr lir.VReg, id int) Loc {
	if vr == rbpPseudo {
		return Loc{Kind: LocReg, Reg: asm.RBP}
	}

	return e.alloc.LocAt(vr, id)
}

func (e *emitter) regMemAt(vr lir.VReg, id int) asm.RegMem {
	l := e.loc(vr, id)

	switch l.Kind {
	case LocReg:
		return asm.RM(l.Reg)
	case LocXmm:
		return asm.XM(l.Xmm)
	default:
		return asm.MM(asm.NewMem(asm.RSP, e.alloc.Stack.ScratchOffset(l.Slot)))
	}
}

func (e *emitter) regAt(vr lir.VReg, id int) asm.Reg {
	return e.loc(vr, id).Reg
}

func (e *emitter) xmmAt(vr lir.VReg, id int) asm.Xmm {
	return e.loc(vr, id).Xmm
}

// placeStackArgs copies every outgoing stack-passed call argument
// (lowering's setupCall records these as IsStackArg/StackArgIdx VRs
// with MustHaveReg false, so the allocator is free to land them
// anywhere) into its System-V slot at [RSP + 8*StackArgIdx], right
// before the CALL that consumes them.
func (e *emitter) placeStackArgs(ins lir.Instr, id int) {
	for _, u := range ins.Uses {
		info := e.lirFn.VRegs[u.VR]
		if info == nil || !info.IsStackArg {
			continue
		}

		dst := asm.NewMem(asm.RSP, e.alloc.Stack.ArgumentSlot(info.StackArgIdx))
		src := e.loc(u.VR, id)

		if info.Type.IsFloat() {
			xsz := sizeToXmm(info.Type.Size())

			if src.Kind == LocStack {
				e.b.MovF(asm.XMM0, asm.MM(e.stackMem(src)), xsz)
				e.b.MovFStore(dst, asm.XMM0, xsz)
			} else {
				e.b.MovFStore(dst, src.Xmm, xsz)
			}

			continue
		}

		isz := asm.Size(sizeLog(info.Type.Size()))

		if src.Kind == LocStack {
			e.b.MovRegMem(asm.RAX, e.stackMem(src), isz)
			e.b.MovMemReg(dst, asm.RAX, isz)
		} else {
			e.b.MovMemReg(dst, src.Reg, isz)
		}
	}
}

func (e *emitter) mem(m lir.MemOperand, id int) (asm.Mem, error) {
	base := e.regAt(m.Base, id)

	if m.HasIndex {
		mm, err := asm.NewIndexedMem(base, e.regAt(m.Index, id), m.Scale, m.Disp)
		if err != nil {
			return asm.Mem{}, errors.Wrap(err, "indexed memory operand")
		}

		return mm, nil
	}

	return asm.NewMem(base, m.Disp), nil
}

func (e *emitter) emitInstr(bi int, ins lir.Instr) error {
	id := ins.Id

	switch ins.Op {
	case lir.OpNop:

	case lir.OpMov:
		dst := e.regAt(ins.Dst, id)

		if len(ins.Uses) == 0 {
			e.b.MovImm(dst, ins.Imm)
			break
		}

		e.b.MovRegReg(dst, e.regAt(ins.Uses[0].VR, id), asm.Size(sizeLog(ins.Size)))

	case lir.OpFmov:
		e.b.MovF(e.xmmAt(ins.Dst, id), e.regMemAt(ins.Uses[0].VR, id), sizeToXmm(ins.Size))

	case lir.OpMovI2F:
		e.b.MovI2F(e.xmmAt(ins.Dst, id), e.regAt(ins.Uses[0].VR, id), sizeToXmm(ins.Size))

	case lir.OpMovMem:
		m, err := e.mem(ins.Mem, id)
		if err != nil {
			return err
		}

		if ins.Dir == lir.MemStore {
			e.b.MovMemReg(m, e.regAt(ins.Uses[0].VR, id), asm.Size(sizeLog(ins.Size)))
		} else {
			e.b.MovRegMem(e.regAt(ins.Dst, id), m, asm.Size(sizeLog(ins.Size)))
		}

	case lir.OpCmp:
		cmpSize := asm.Size(sizeLog(e.typeOf(ins.Uses[0].VR).Size()))
		e.b.Cmp(e.regAt(ins.Uses[0].VR, id), e.regMemAt(ins.Uses[1].VR, id), cmpSize)

	case lir.OpSet:
		e.b.Setcc(e.regAt(ins.Dst, id), setccCond(ins.Cond))

	case lir.OpTest:
		r := e.regAt(ins.Uses[0].VR, id)
		e.b.Test(r, r, asm.Byte)

	case lir.OpNot:
		e.b.Not(e.regAt(ins.Dst, id), asm.Byte)

	case lir.OpNeg:
		e.b.Neg(e.regAt(ins.Dst, id), asm.Size(sizeLog(ins.Size)))

	case lir.OpAdd:
		e.b.Add(e.regAt(ins.Dst, id), e.regMemAt(ins.Uses[1].VR, id), asm.Size(sizeLog(ins.Size)))

	case lir.OpSub:
		e.b.Sub(e.regAt(ins.Dst, id), e.regMemAt(ins.Uses[1].VR, id), asm.Size(sizeLog(ins.Size)))

	case lir.OpMul:
		e.b.IMul(e.regAt(ins.Dst, id), e.regMemAt(ins.Uses[1].VR, id), asm.Size(sizeLog(ins.Size)))

	case lir.OpAnd:
		e.b.And(e.regAt(ins.Dst, id), e.regMemAt(ins.Uses[1].VR, id), asm.Size(sizeLog(ins.Size)))

	case lir.OpOr:
		e.b.Or(e.regAt(ins.Dst, id), e.regMemAt(ins.Uses[1].VR, id), asm.Size(sizeLog(ins.Size)))

	case lir.OpFadd:
		e.b.FaddF(e.xmmAt(ins.Dst, id), e.regMemAt(ins.Uses[1].VR, id), sizeToXmm(ins.Size))

	case lir.OpCqo:
		e.b.Cqo()

	case lir.OpDiv:
		if e.typeOf(ins.Dst).IsFloat() {
			return e.b.DivF(e.xmmAt(ins.Dst, id), e.regMemAt(ins.Uses[1].VR, id), sizeToXmm(ins.Size))
		}

		e.b.Idiv(e.regMemAt(ins.Uses[2].VR, id), asm.Size(sizeLog(ins.Size)))

	case lir.OpCall:
		e.placeStackArgs(ins, id)
		idx := e.funcTableIndex(ins.FuncIdx)
		e.b.CallMem(asm.NewMem(asm.RBP, int32(8*idx)))

	case lir.OpCallIdxInReg:
		e.placeStackArgs(ins, id)
		idxReg := e.regAt(ins.MemberIdxReg, id)

		m, err := asm.NewIndexedMem(asm.RBP, idxReg, 8, 0)
		if err != nil {
			return errors.Wrap(err, "member call index")
		}

		e.b.CallMem(m)

	case lir.OpAlloc:
		// handled entirely through OpCall to a runtime special in the
		// lowering pass; no direct LIR_ALLOC is ever emitted.

	default:
		return errors.New("emit: unhandled lir op %d", ins.Op)
	}

	return nil
}

func setccCond(cond bytecode.Opcode) asm.Cond {
	switch cond {
	case bytecode.OpCmpEq:
		return asm.CondEQ
	case bytecode.OpCmpNe:
		return asm.CondNE
	case bytecode.OpCmpLt:
		return asm.CondLT
	case bytecode.OpCmpLe:
		return asm.CondLE
	case bytecode.OpCmpGt:
		return asm.CondGT
	case bytecode.OpCmpGe:
		return asm.CondGE
	default:
		return asm.CondEQ
	}
}
