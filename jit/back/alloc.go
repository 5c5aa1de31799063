package back

import (
	"sort"

	"github.com/dlaxar/cijvm/internal/set"
	"github.com/dlaxar/cijvm/jit/asm"
	"github.com/dlaxar/cijvm/jit/lir"
)

type locKind uint8

const (
	LocReg locKind = iota
	LocXmm
	LocStack
)

// Loc is a VR's resolved physical location at some instruction id: a
// general-purpose register, an XMM register, or a stack slot (in the
// scratch region, addressed via StackAllocator.ScratchOffset).
type Loc struct {
	Kind locKind
	Reg  asm.Reg
	Xmm  asm.Xmm
	Slot int
}

// Assignment is one physical location a VR occupies over [From, To] in
// LIR instruction-id space. Splitting produces several Assignments for
// the same VR, covering disjoint ranges.
type Assignment struct {
	From, To int
	Loc      Loc
}

// Allocation is the register allocator's output.
type Allocation struct {
	Assignments map[lir.VReg][]Assignment
	Stack       *StackAllocator

	// CalleeSavedSpills maps every callee-saved register the allocator
	// handed out to the scratch slot the emitter must save it to at the
	// prologue and restore it from before every RET.
	CalleeSavedSpills map[asm.Reg]int
}

// LocAt returns vr's physical location at instruction id pos, or the
// zero Loc if vr has no recorded assignment (dead / never materialized).
func (a *Allocation) LocAt(vr lir.VReg, pos int) Loc {
	asgs := a.Assignments[vr]

	for _, asg := range asgs {
		if pos >= asg.From && pos <= asg.To {
			return asg.Loc
		}
	}

	if len(asgs) > 0 {
		return asgs[0].Loc
	}

	return Loc{}
}

// genReg is a bank-agnostic physical register id: an index into
// whichever of allIntRegs/allFltRegs the current pass is working over.
type genReg int

// piece is one unit of work in the unhandled queue: either a whole
// interval or the tail produced by a split.
type piece struct {
	vr        lir.VReg
	from, to  int
	uses      []int
	isPhi     bool
	fixedAt   genReg
	isFixed   bool
	hintGroup int // index into hints, -1 if none
}

// Allocate runs the two-bank (integer, XMM) linear-scan allocator of
// spec §4.7 over fn's intervals.
func Allocate(fn *lir.Func, ivs map[lir.VReg]*Interval) *Allocation {
	sa := NewStackAllocator()

	hints := buildHintIndex(fn)

	intAssign, calleeSpills := allocateBank(fn, ivs, hints, sa, false)
	fltAssign, _ := allocateBank(fn, ivs, hints, sa, true)

	reserveStackArgSlots(fn, sa)
	sa.Freeze()

	assignments := map[lir.VReg][]Assignment{}

	for vr, asgs := range intAssign {
		assignments[vr] = finalizeInt(asgs)
	}

	for vr, asgs := range fltAssign {
		assignments[vr] = finalizeFlt(asgs)
	}

	return &Allocation{Assignments: assignments, Stack: sa, CalleeSavedSpills: calleeSpills}
}

// reserveStackArgSlots reserves every outgoing stack-passed call
// argument's slot before the allocator's StackAllocator is frozen, so
// frameSize/ScratchOffset already account for the widest overflow call
// in fn. emit.go's placeStackArgs only re-derives each slot's offset
// from the already-reserved count; it must never be the first caller
// to grow argSlots; see ArgumentSlot.
func reserveStackArgSlots(fn *lir.Func, sa *StackAllocator) {
	for _, info := range fn.VRegs {
		if info.IsStackArg {
			sa.ArgumentSlot(info.StackArgIdx)
		}
	}
}

func buildHintIndex(fn *lir.Func) map[lir.VReg]int {
	idx := map[lir.VReg]int{}

	for gi, group := range fn.HintSame {
		for vr := range group {
			idx[vr] = gi
		}
	}

	return idx
}

// rawAssignment mirrors Assignment but keeps the physical register as a
// bank-local genReg or a scratch-slot index, translated to a real
// asm.Reg/asm.Xmm only once the bank pass is done.
type rawAssignment struct {
	from, to int
	spilled  bool
	reg      genReg
	slot     int
}

func allocateBank(fn *lir.Func, ivs map[lir.VReg]*Interval, hints map[lir.VReg]int, sa *StackAllocator, isFloat bool) (map[lir.VReg][]rawAssignment, map[asm.Reg]int) {
	numRegs := len(allIntRegs)
	if isFloat {
		numRegs = len(allFltRegs)
	}

	var unhandled []piece

	for vr, iv := range ivs {
		info := fn.VRegs[vr]
		if info == nil {
			continue
		}

		if info.Type.IsFloat() != isFloat {
			continue
		}

		if len(iv.Ranges) == 0 {
			continue
		}

		p := piece{vr: vr, from: iv.Start(), to: iv.End(), uses: iv.Uses, isPhi: iv.IsPhi, hintGroup: -1}

		if g, ok := hints[vr]; ok {
			p.hintGroup = g
		}

		if !isFloat && info.IsFixedInt {
			p.isFixed, p.fixedAt = true, genRegOf(info.FixedInt, allIntRegs)
		}

		if isFloat && info.IsFixedFloat {
			p.isFixed, p.fixedAt = true, genRegOf(info.FixedFloat, allFltRegs)
		}

		unhandled = append(unhandled, p)
	}

	sort.SliceStable(unhandled, func(i, j int) bool { return pieceLess(unhandled[i], unhandled[j]) })

	type active struct {
		piece piece
		reg   genReg
	}

	var activeList, inactiveList []active

	assignments := map[lir.VReg][]rawAssignment{}
	calleeSavedUsed := set.MakeBits(genReg(0))

	record := func(p piece, reg genReg, spilled bool, slot int) {
		assignments[p.vr] = append(assignments[p.vr], rawAssignment{from: p.from, to: p.to, reg: reg, spilled: spilled, slot: slot})
	}

	push := func(p piece) {
		unhandled = append(unhandled, p)
		sort.SliceStable(unhandled, func(i, j int) bool { return pieceLess(unhandled[i], unhandled[j]) })
	}

	for len(unhandled) > 0 {
		cur := unhandled[0]
		unhandled = unhandled[1:]

		pos := cur.from

		var nextActive, nextInactive []active

		for _, a := range activeList {
			switch {
			case a.piece.to < pos:
				// handled, drop
			case !coversPiece(a.piece, pos):
				nextInactive = append(nextInactive, a)
			default:
				nextActive = append(nextActive, a)
			}
		}

		for _, a := range inactiveList {
			switch {
			case a.piece.to < pos:
				// handled, drop
			case coversPiece(a.piece, pos):
				nextActive = append(nextActive, a)
			default:
				nextInactive = append(nextInactive, a)
			}
		}

		activeList, inactiveList = nextActive, nextInactive

		if cur.isFixed {
			for i, a := range activeList {
				if a.reg == cur.fixedAt {
					tail := splitAt(a.piece, pos)
					if tail.from <= tail.to {
						push(tail)
					}

					record(piece{vr: a.piece.vr, from: a.piece.from, to: pos - 1}, a.reg, false, 0)
					activeList = append(activeList[:i], activeList[i+1:]...)

					break
				}
			}

			if !isFloat && isCalleeSaved(allIntRegs[cur.fixedAt]) {
				calleeSavedUsed.Set(cur.fixedAt)
			}

			activeList = append(activeList, active{piece: cur, reg: cur.fixedAt})

			continue
		}

		freeUntil := make([]int, numRegs)
		for i := range freeUntil {
			freeUntil[i] = 1 << 30
		}

		for _, a := range activeList {
			freeUntil[a.reg] = 0
		}

		for _, a := range inactiveList {
			if x := firstIntersectPiece(cur, a.piece); x != -1 && x < freeUntil[a.reg] {
				freeUntil[a.reg] = x
			}
		}

		chosen := genReg(-1)
		best := -1

		if cur.hintGroup != -1 {
			for _, a := range append(activeList, inactiveList...) {
				if a.piece.hintGroup == cur.hintGroup && freeUntil[a.reg] > 0 {
					if best == -1 || freeUntil[a.reg] > best {
						best, chosen = freeUntil[a.reg], a.reg
					}
				}
			}
		}

		if chosen == -1 {
			for r := 0; r < numRegs; r++ {
				if best == -1 || freeUntil[r] > best {
					best, chosen = freeUntil[r], genReg(r)
				}
			}
		}

		if best == 0 {
			// allocateBlockedRegister
			nextUse := make([]int, numRegs)
			blocked := make([]bool, numRegs)

			for r := range nextUse {
				nextUse[r] = 1 << 30
			}

			for _, a := range activeList {
				if u := a.piece.firstUseAfter(pos); u != -1 && u < nextUse[a.reg] {
					nextUse[a.reg] = u
				}

				if a.piece.isFixed {
					blocked[a.reg] = true
				}
			}

			bestR, bestU := -1, -1

			for r := 0; r < numRegs; r++ {
				if blocked[r] {
					continue
				}

				if bestR == -1 || nextUse[r] > bestU {
					bestR, bestU = r, nextUse[r]
				}
			}

			curFirstUse := cur.firstUseAfter(pos)

			if bestR == -1 || (curFirstUse != -1 && curFirstUse > bestU) {
				// spill cur itself
				slot := sa.NewScratchSlot()

				if curFirstUse != -1 && curFirstUse < cur.to {
					record(piece{vr: cur.vr, from: cur.from, to: curFirstUse}, 0, true, slot)

					tail := cur
					tail.from = curFirstUse + 1

					if tail.from <= tail.to {
						push(tail)
					}
				} else {
					record(cur, 0, true, slot)
				}

				continue
			}

			// evict bestR's occupant
			for i, a := range activeList {
				if a.reg == genReg(bestR) {
					tailFrom := pos
					record(piece{vr: a.piece.vr, from: a.piece.from, to: tailFrom - 1}, a.reg, false, 0)

					tail := a.piece
					tail.from = tailFrom

					if tail.from <= tail.to {
						push(tail)
					}

					activeList = append(activeList[:i], activeList[i+1:]...)

					break
				}
			}

			chosen = genReg(bestR)
			best = 1 << 30
		}

		if cur.to < best {
			record(cur, chosen, false, 0)
		} else {
			tail := cur
			tail.from = best

			record(piece{vr: cur.vr, from: cur.from, to: best - 1}, chosen, false, 0)

			if tail.from <= tail.to {
				push(tail)
			}
		}

		if !isFloat && isCalleeSaved(allIntRegs[chosen]) {
			calleeSavedUsed.Set(chosen)
		}

		activeList = append(activeList, active{piece: cur, reg: chosen})
	}

	calleeSpills := map[asm.Reg]int{}

	if !isFloat {
		calleeSavedUsed.Range(func(g genReg) bool {
			calleeSpills[allIntRegs[g]] = sa.NewScratchSlot()

			return true
		})
	}

	return assignments, calleeSpills
}

func (p piece) firstUseAfter(pos int) int {
	best := -1

	for _, u := range p.uses {
		if u >= pos && (best == -1 || u < best) {
			best = u
		}
	}

	return best
}

func coversPiece(p piece, pos int) bool {
	return pos >= p.from && pos <= p.to
}

func firstIntersectPiece(a, b piece) int {
	lo, hi := a.from, a.to
	if b.from > lo {
		lo = b.from
	}

	if b.to < hi {
		hi = b.to
	}

	if lo > hi {
		return -1
	}

	return lo
}

func splitAt(p piece, pos int) piece {
	tail := p
	tail.from = pos

	return tail
}

// pieceLess orders the unhandled queue: earlier start first; ties:
// fixed before volatile; no-use before has-use; earlier first use wins.
func pieceLess(a, b piece) bool {
	if a.from != b.from {
		return a.from < b.from
	}

	if a.isFixed != b.isFixed {
		return a.isFixed
	}

	au, bu := len(a.uses) > 0, len(b.uses) > 0
	if au != bu {
		return !au
	}

	return a.firstUseAfter(a.from) < b.firstUseAfter(b.from)
}

func genRegOf(v int, table interface{}) genReg {
	switch t := table.(type) {
	case []asm.Reg:
		for i, r := range t {
			if int(r) == v {
				return genReg(i)
			}
		}
	case []asm.Xmm:
		for i, x := range t {
			if int(x) == v {
				return genReg(i)
			}
		}
	}

	return 0
}

func finalizeInt(raws []rawAssignment) []Assignment {
	out := make([]Assignment, len(raws))

	for i, r := range raws {
		if r.spilled {
			out[i] = Assignment{From: r.from, To: r.to, Loc: Loc{Kind: LocStack, Slot: r.slot}}
			continue
		}

		out[i] = Assignment{From: r.from, To: r.to, Loc: Loc{Kind: LocReg, Reg: allIntRegs[r.reg]}}
	}

	return out
}

func finalizeFlt(raws []rawAssignment) []Assignment {
	out := make([]Assignment, len(raws))

	for i, r := range raws {
		if r.spilled {
			out[i] = Assignment{From: r.from, To: r.to, Loc: Loc{Kind: LocStack, Slot: r.slot}}
			continue
		}

		out[i] = Assignment{From: r.from, To: r.to, Loc: Loc{Kind: LocXmm, Xmm: allFltRegs[r.reg]}}
	}

	return out
}
