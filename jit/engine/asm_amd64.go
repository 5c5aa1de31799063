package engine

import (
	"unsafe"

	"github.com/dlaxar/cijvm/runtime"
)

// invoke enters the function table at fptableBase (RBP's value for
// the whole lifetime of the call tree rooted here) through slot idx,
// implemented in trampoline_amd64.s: `CALL [fptableBase + 8*idx]` with
// BP pre-set to fptableBase, returning whatever ends up in RAX.
//
//go:noescape
func invoke(fptableBase uintptr, idx uint64) int64

// commonTrampolineAddr and the *ShimAddr functions return the address
// of their respective TEXT symbol in trampoline_amd64.s, so Go code
// can install them directly into the function table without needing
// reflect/unsafe tricks to take a function value's code pointer.
func commonTrampolineAddr() uintptr
func allocateShimAddr() uintptr
func benchBeginShimAddr() uintptr
func benchEndShimAddr() uintptr
func printFloatShimAddr() uintptr
func allocArrayShimAddr() uintptr
func printArrayIntShimAddr() uintptr
func printDoubleShimAddr() uintptr
func exitShimAddr() uintptr
func getVTableShimAddr() uintptr

// engineCompileAndPatch is commonTrampoline's Go-side callback: it is
// the only thing every per-function dispatch stub eventually reaches.
func engineCompileAndPatch(enginePtr uintptr, idx uint64) uintptr {
	e := (*Engine)(unsafe.Pointer(enginePtr))

	addr, err := e.compileAndPatch(int(idx))
	if err != nil {
		panic(err)
	}

	return addr
}

// engine* below are the Go-side bodies the SpecialFunctions shims call.
// Each takes the hidden engine-pointer argument every special receives
// as its first argument (jit/back/calls.go's setupCall), whether or
// not the operation itself needs the engine.

func engineAllocate(enginePtr uintptr, size int64) int64 {
	return (*Engine)(unsafe.Pointer(enginePtr)).allocate(size)
}

func engineAllocArray(enginePtr uintptr, elemSize, base, count int64) int64 {
	return (*Engine)(unsafe.Pointer(enginePtr)).allocArray(elemSize, base, count)
}

func engineGetVTable(enginePtr uintptr, structID int64) int64 {
	return (*Engine)(unsafe.Pointer(enginePtr)).getVTable(structID)
}

func enginePrintFloat(enginePtr uintptr, bits int64) {
	runtime.PrintFloat(bits)
}

func enginePrintDouble(enginePtr uintptr, bits int64) {
	runtime.PrintDouble(bits)
}

func enginePrintArrayInt(enginePtr uintptr, ptr int64) {
	runtime.PrintArrayInt(uintptr(ptr))
}

func engineExit(enginePtr uintptr, code int64) {
	runtime.Exit(code)
}

func engineBenchBegin(enginePtr uintptr) {
	runtime.BenchBegin()
}

func engineBenchEnd(enginePtr uintptr) {
	runtime.BenchEnd()
}
