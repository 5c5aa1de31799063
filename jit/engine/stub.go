package engine

import "github.com/dlaxar/cijvm/jit/asm"

// buildStub assembles one function table slot's lazy-compile dispatch
// stub: load idx into R10 (never a System-V argument register, so this
// can't clobber anything the eventually-compiled function's caller
// passed) and tail-jump to commonTrampoline. R11 is likewise never an
// argument register, used here only to hold the jump target.
func buildStub(idx uint32, trampoline uintptr) []byte {
	b := asm.NewBuilder()

	b.MovImm(asm.R10, int64(idx))
	b.MovImm(asm.R11, int64(trampoline))
	b.JmpReg(asm.R11)

	return b.Build()
}
