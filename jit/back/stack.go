package back

// StackAllocator tracks the three stack regions a compiled function's
// frame is built from (spec §4.7): outgoing call arguments, incoming
// (overflow) parameters, and scratch (spills/temporaries). Every slot
// is quadword-granular; a slot's declared size is only a hint to the
// emitter about how many bytes of the quadword actually matter.
type StackAllocator struct {
	argSlots     int
	scratchSlots int
	frozen       bool
	frameSize    int32
}

func NewStackAllocator() *StackAllocator {
	return &StackAllocator{}
}

// ArgumentSlot reserves (if not already reserved) outgoing-argument
// slot i and returns its offset from RSP: the spec's `[RSP + 8*i]`.
func (sa *StackAllocator) ArgumentSlot(i int) int32 {
	if i+1 > sa.argSlots {
		sa.argSlots = i + 1
	}

	return int32(8 * i)
}

// NewScratchSlot allocates a fresh scratch slot (for a spill or a
// callee-saved save) and returns its index, stable for the lifetime of
// this allocator.
func (sa *StackAllocator) NewScratchSlot() int {
	s := sa.scratchSlots
	sa.scratchSlots++

	return s
}

// Freeze computes the final frame size, padding so that RSP is 16-byte
// aligned at function entry once the CALL instruction has pushed an
// 8-byte return address (i.e. frameSize ≡ 8 mod 16).
func (sa *StackAllocator) Freeze() {
	if sa.frozen {
		return
	}

	size := int32(8*sa.argSlots + 8*sa.scratchSlots)

	for (size+8)%16 != 0 {
		size += 8
	}

	sa.frameSize = size
	sa.frozen = true
}

// FrameSize returns the frozen frame size; only meaningful after Freeze.
func (sa *StackAllocator) FrameSize() int32 {
	return sa.frameSize
}

// ScratchOffset returns the scratch slot's offset from RSP: scratch
// slots sit directly above the outgoing-argument region, and the
// alignment padding Freeze adds lies above the last scratch slot. Only
// meaningful once the argument-region size is final, i.e. after Freeze.
func (sa *StackAllocator) ScratchOffset(slot int) int32 {
	return int32(8*sa.argSlots) + int32(8*slot)
}

// ParameterOffset returns an overflow parameter's offset from RSP: the
// spec's `[RSP + frameSize + 8 + 8*i]`, past the pushed return address.
func (sa *StackAllocator) ParameterOffset(i int) int32 {
	return sa.frameSize + 8 + int32(8*i)
}
