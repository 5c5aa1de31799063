package back

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlaxar/cijvm/jit/asm"
)

func reg(r asm.Reg) Loc { return Loc{Kind: LocReg, Reg: r} }
func stk(slot int) Loc  { return Loc{Kind: LocStack, Slot: slot} }

// topologicalSort(movesOf(identityPermutation)) == []: a move set with
// no actual transfers (every src already filtered against its dst by
// the caller) sorts to nothing.
func TestTopoSortMovesEmpty(t *testing.T) {
	out, err := topoSortMoves(nil)

	require.NoError(t, err)
	assert.Nil(t, out)
}

// A simple chain (no cycle) comes back in dependency order regardless
// of the order it was given in.
func TestTopoSortMovesChain(t *testing.T) {
	// RDX <- RCX, RCX <- RAX: RCX must be read (into RDX) before it's
	// overwritten by RAX, so the RCX<-RAX move must come last.
	moves := []move{
		{dst: reg(asm.RCX), src: reg(asm.RAX)},
		{dst: reg(asm.RDX), src: reg(asm.RCX)},
	}

	out, err := topoSortMoves(moves)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, reg(asm.RDX), out[0].dst)
	assert.Equal(t, reg(asm.RCX), out[1].dst)
}

// A genuine 2-cycle (a swap) can't be linearized directly; it must be
// broken through the bank's scratch register and come back as three
// moves: save, then the two original moves with the closing one
// rewritten to read from scratch instead of the now-clobbered original.
func TestTopoSortMovesBreaksCycle(t *testing.T) {
	moves := []move{
		{dst: reg(asm.RAX), src: reg(asm.RCX)},
		{dst: reg(asm.RCX), src: reg(asm.RAX)},
	}

	out, err := topoSortMoves(moves)
	require.NoError(t, err)
	require.Len(t, out, 3)

	// first move must save one of the two locations into the int
	// scratch register before anything else touches it
	assert.Equal(t, reg(asm.RAX), out[0].dst)
	assert.NotEqual(t, reg(asm.RAX), out[0].src)

	// the last move must read back from the same scratch register it
	// was saved into
	assert.Equal(t, out[0].dst, out[2].src)
}

// A cycle with a stack-to-stack leg has nowhere safe to stash the
// saved value (the scratch register is also emitMove's own bounce
// register for that leg), so it must surface as an error rather than
// silently miscompile.
func TestTopoSortMovesCycleWithStackLegErrors(t *testing.T) {
	moves := []move{
		{dst: stk(0), src: stk(1)},
		{dst: stk(1), src: stk(0)},
	}

	_, err := topoSortMoves(moves)
	assert.Error(t, err)
}

func TestLocEqual(t *testing.T) {
	assert.True(t, locEqual(reg(asm.RAX), reg(asm.RAX)))
	assert.False(t, locEqual(reg(asm.RAX), reg(asm.RCX)))
	assert.False(t, locEqual(reg(asm.RAX), stk(0)))
	assert.True(t, locEqual(stk(3), stk(3)))
}
