package back

import "testing"

func TestStackAllocatorFrameSizeAligned(t *testing.T) {
	sa := NewStackAllocator()

	sa.ArgumentSlot(0)
	sa.ArgumentSlot(2) // reserves slots 0..2
	sa.NewScratchSlot()
	sa.NewScratchSlot()
	sa.NewScratchSlot()

	sa.Freeze()

	if (sa.FrameSize()+8)%16 != 0 {
		t.Fatalf("frame size %d not 16-byte aligned after the call's return address push", sa.FrameSize())
	}
}

func TestStackAllocatorScratchOffsetsDistinct(t *testing.T) {
	sa := NewStackAllocator()

	a := sa.NewScratchSlot()
	b := sa.NewScratchSlot()

	sa.Freeze()

	if sa.ScratchOffset(a) == sa.ScratchOffset(b) {
		t.Fatalf("distinct scratch slots %d and %d got the same offset", a, b)
	}
}

func TestStackAllocatorDeterministic(t *testing.T) {
	build := func() int32 {
		sa := NewStackAllocator()

		sa.ArgumentSlot(1)
		sa.NewScratchSlot()
		sa.NewScratchSlot()
		sa.Freeze()

		return sa.FrameSize()
	}

	first := build()
	second := build()

	if first != second {
		t.Fatalf("stack allocation isn't deterministic: %d != %d", first, second)
	}
}
