package back

import "github.com/dlaxar/cijvm/jit/lir"

// Range is a half-open-on-construction, closed live range [From, To] in
// LIR instruction-id space. from == -1 models "live on entry",
// preceding any real instruction id (used for parameters).
type Range struct {
	From, To int
}

// Interval is one VR's live range: a sorted, non-overlapping list of
// Ranges (reverse-construction order: newest range is appended at the
// front during the walk, so Ranges end up sorted ascending by From once
// the walk finishes front-to-back). IsPhi marks an interval defined by
// a φ rather than an ordinary instruction, which the allocator and
// emitter both need to know when resolving edge moves.
type Interval struct {
	VR    lir.VReg
	Uses  []int // instruction ids where this VR is used with MustHaveReg
	Ranges []Range
	IsPhi bool
}

// Covers reports whether pos falls inside any of the interval's ranges.
func (iv *Interval) Covers(pos int) bool {
	for _, r := range iv.Ranges {
		if pos >= r.From && pos <= r.To {
			return true
		}
	}

	return false
}

// Start is the first instruction id the interval is live from.
func (iv *Interval) Start() int {
	if len(iv.Ranges) == 0 {
		return -1
	}

	return iv.Ranges[0].From
}

// End is the last instruction id the interval is live through.
func (iv *Interval) End() int {
	if len(iv.Ranges) == 0 {
		return -1
	}

	return iv.Ranges[len(iv.Ranges)-1].To
}

// NextUseAfter returns the first recorded use at or after pos, or -1.
func (iv *Interval) NextUseAfter(pos int) int {
	best := -1

	for _, u := range iv.Uses {
		if u >= pos && (best == -1 || u < best) {
			best = u
		}
	}

	return best
}

// FirstIntersection returns the lowest instruction id at which iv and
// other both cover, or -1 if they never intersect.
func (iv *Interval) FirstIntersection(other *Interval) int {
	best := -1

	for _, a := range iv.Ranges {
		for _, b := range other.Ranges {
			lo, hi := a.From, a.To
			if b.From > lo {
				lo = b.From
			}

			if b.To < hi {
				hi = b.To
			}

			if lo <= hi && (best == -1 || lo < best) {
				best = lo
			}
		}
	}

	return best
}

// addRange merges r into iv.Ranges, which must be extended only at the
// front (construction walks instructions in reverse). Overlapping or
// adjacent ranges are merged transitively.
func addRange(iv *Interval, r Range) {
	if len(iv.Ranges) > 0 {
		head := &iv.Ranges[0]
		if r.To+1 >= head.From && r.From <= head.To+1 {
			if r.From < head.From {
				head.From = r.From
			}

			if r.To > head.To {
				head.To = r.To
			}

			for len(iv.Ranges) > 1 && iv.Ranges[1].From <= head.To+1 {
				if iv.Ranges[1].To > head.To {
					head.To = iv.Ranges[1].To
				}

				iv.Ranges = append(iv.Ranges[:1], iv.Ranges[2:]...)
			}

			return
		}
	}

	iv.Ranges = append([]Range{r}, iv.Ranges...)
}

func interval(ivs map[lir.VReg]*Interval, vr lir.VReg) *Interval {
	iv, ok := ivs[vr]
	if !ok {
		iv = &Interval{VR: vr}
		ivs[vr] = iv
	}

	return iv
}

// AnalyzeLifetimes runs the reverse-walk lifetime analyzer of spec §4.6
// over fn, returning one Interval per VR that is live at some point.
func AnalyzeLifetimes(fn *lir.Func) map[lir.VReg]*Interval {
	ivs := map[lir.VReg]*Interval{}
	liveIn := make([]map[lir.VReg]struct{}, len(fn.Blocks))

	// loopHeaderEnd[b] is the maximum last-id of any block that has b as
	// a successor and appears at or after b in block order (a back
	// edge); computed once up front so the main reverse walk can just
	// look it up.
	loopHeaderEnd := make([]int, len(fn.Blocks))
	for i := range loopHeaderEnd {
		loopHeaderEnd[i] = -1
	}

	for bi := range fn.Blocks {
		for _, succ := range fn.Blocks[bi].Successors {
			if succ <= bi {
				last := fn.Blocks[bi].LastID()
				if last > loopHeaderEnd[succ] {
					loopHeaderEnd[succ] = last
				}
			}
		}
	}

	for bi := len(fn.Blocks) - 1; bi >= 0; bi-- {
		blk := &fn.Blocks[bi]

		live := map[lir.VReg]struct{}{}

		for _, succ := range blk.Successors {
			for vr := range liveIn[succ] {
				live[vr] = struct{}{}
			}

			for _, phi := range fn.Blocks[succ].Phi {
				for _, e := range phi.Phi {
					if e.Block == bi {
						live[e.VR] = struct{}{}
					}
				}
			}
		}

		first, last := blk.FirstID(), blk.LastID()
		if first == -1 {
			first = last
		}

		if first != -1 {
			for vr := range live {
				addRange(interval(ivs, vr), Range{From: first, To: last})
			}
		}

		for ci := len(blk.Code) - 1; ci >= 0; ci-- {
			ins := blk.Code[ci]

			if dst, ok := ins.Defs(); ok {
				iv := interval(ivs, dst)

				if len(iv.Ranges) == 0 {
					addRange(iv, Range{From: ins.Id, To: ins.Id})
				} else {
					iv.Ranges[0].From = ins.Id
				}

				delete(live, dst)
			}

			for _, vr := range ins.Inputs() {
				iv := interval(ivs, vr)
				addRange(iv, Range{From: first, To: ins.Id})
				iv.Uses = append(iv.Uses, ins.Id)
				live[vr] = struct{}{}
			}

			for _, vr := range ins.Clears() {
				addRange(interval(ivs, vr), Range{From: ins.Id, To: ins.Id})
			}
		}

		for _, phi := range blk.Phi {
			if dst, ok := phi.Defs(); ok {
				iv := interval(ivs, dst)
				iv.IsPhi = true
				delete(live, dst)
			}
		}

		if end := loopHeaderEnd[bi]; end != -1 && first != -1 {
			for vr := range live {
				addRange(interval(ivs, vr), Range{From: first, To: end})
			}
		}

		liveIn[bi] = live
	}

	for vr, info := range fn.VRegs {
		if info.IsParam {
			iv, ok := ivs[vr]
			if ok && len(iv.Ranges) > 0 {
				iv.Ranges[0].From = -1
			}
		}
	}

	markDeadDefs(fn, ivs)

	return ivs
}

// markDeadDefs tags every pure instruction whose Dst never turns out to
// have a recorded use (spec §1's "trivial dead-code tagging"; this is
// the pass original_source/source/jit/optimizations/Optimizer.cpp left
// disabled with a "todo this won't work for loops" note — implemented
// here instead of carried over disabled). A def with no Uses entries
// and a live range that never grew past its own defining id was never
// read. A φ input never appends to Uses, and its range does not grow
// when its def is the last instruction of the predecessor block, so
// every VR that feeds a φ is spared explicitly.
func markDeadDefs(fn *lir.Func, ivs map[lir.VReg]*Interval) {
	phiInputs := map[lir.VReg]struct{}{}

	for bi := range fn.Blocks {
		for _, phi := range fn.Blocks[bi].Phi {
			for _, e := range phi.Phi {
				phiInputs[e.VR] = struct{}{}
			}
		}
	}

	for bi := range fn.Blocks {
		code := fn.Blocks[bi].Code

		for ci := range code {
			ins := &code[ci]

			dst, ok := ins.Defs()
			if !ok || !ins.IsPure() {
				continue
			}

			if _, ok := phiInputs[dst]; ok {
				continue
			}

			iv := ivs[dst]
			if iv == nil || len(iv.Uses) != 0 || len(iv.Ranges) != 1 {
				continue
			}

			if r := iv.Ranges[0]; r.From == ins.Id && r.To == ins.Id {
				ins.Dead = true
			}
		}
	}
}
