package interp

import "unsafe"

// ptrAt turns a raw heap address into an unsafe.Pointer. Every address
// the interpreter dereferences (object fields, array elements, globals,
// v-tables) comes from runtime.Heap or the globals segment, never from
// the Go heap, so there is nothing here for the GC to track.
func ptrAt(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr) //nolint:govet // raw heap address, not a Go pointer
}
