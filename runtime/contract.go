package runtime

// Special function ids: the fixed negative-FuncIdx contract a loaded
// bytecode program's SPECIAL/SPECIAL_VOID opcode addresses (spec's "Special
// /runtime functions live at negative indices"), and the same ids
// jit/back's compiler-internal special calls (object/array allocation,
// v-table lookup) use. 0-7 mirror the original implementation's
// SpecialFunctions table 1:1 (SPECIAL_F_IDX_ALLOCATE..SPECIAL_F_IDX_EXIT);
// GetVTable has no analog there and is appended past the end of that
// table so a loaded program's own SpecialID (always 0-7 on the wire)
// can never collide with it.
const (
	SpecialAllocate      = 0
	SpecialBenchBegin    = 1
	SpecialBenchEnd      = 2
	SpecialPrintFloat    = 3
	SpecialAllocArray    = 4
	SpecialPrintArrayInt = 5
	SpecialPrintDouble   = 6
	SpecialExit          = 7
	SpecialGetVTable     = 8

	NumSpecials = 9
)
