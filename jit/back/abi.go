package back

import "github.com/dlaxar/cijvm/jit/asm"

// System-V AMD64 calling convention the emitter assumes for every
// compiled function and every runtime helper call.
var (
	intArgRegs = []asm.Reg{asm.RDI, asm.RSI, asm.RDX, asm.RCX, asm.R8, asm.R9}
	fltArgRegs = []asm.Xmm{asm.XMM0, asm.XMM1, asm.XMM2, asm.XMM3, asm.XMM4, asm.XMM5, asm.XMM6, asm.XMM7}

	intReturnReg = asm.RAX
	fltReturnReg = asm.XMM0

	// calleeSaved registers the emitter must preserve across calls it
	// makes, and that the allocator must spill/restore at the prologue
	// and every return if it assigns them to a live interval.
	calleeSaved = []asm.Reg{asm.RBX, asm.R12, asm.R13, asm.R14, asm.R15}

	// callerSaved are clobbered by any call; they are added to a call's
	// Clears set unless consumed as an argument or the member-call
	// index register.
	callerSaved = []asm.Reg{asm.RAX, asm.RCX, asm.RDX, asm.RSI, asm.RDI, asm.R8, asm.R9, asm.R10, asm.R11}

	allIntRegs = []asm.Reg{
		asm.RAX, asm.RCX, asm.RDX, asm.RBX, asm.RSI, asm.RDI,
		asm.R8, asm.R9, asm.R10, asm.R11, asm.R12, asm.R13, asm.R14, asm.R15,
	}

	allFltRegs = []asm.Xmm{
		asm.XMM0, asm.XMM1, asm.XMM2, asm.XMM3, asm.XMM4, asm.XMM5, asm.XMM6,
		asm.XMM7, asm.XMM8, asm.XMM9, asm.XMM10, asm.XMM11, asm.XMM12, asm.XMM13, asm.XMM14,
	}
)

// engineGlobalsSlot and engineSelfSlot are the conventional stack slots
// (relative to RBP) the runtime populates before main, as described in
// spec §4.5/§9: the globals-segment base pointer and the engine
// pointer, used by GLOB_LOAD/STORE and by calls to negative-indexed
// special functions respectively.
const (
	engineGlobalsSlot = -16
	engineSelfSlot    = -8
)

func isCalleeSaved(r asm.Reg) bool {
	for _, c := range calleeSaved {
		if c == r {
			return true
		}
	}

	return false
}
