// Package runtime implements the handful of functions compiled code
// calls directly (spec §4.5, §4.9): object and array allocation,
// print routines, and the benchmarking clock pair. Every entry point
// here is invoked through an assembly shim in jit/engine that adapts
// the System-V call it receives into a plain Go call (jit/engine's
// SpecialFunctions table), so signatures below take their arguments
// and return their result exactly as that ABI contract delivers them:
// every argument and the return value is an int64-sized slot.
package runtime

import (
	"unsafe"

	"tlog.app/go/errors"

	"github.com/dlaxar/cijvm/bytecode"
	"github.com/dlaxar/cijvm/jit/mem"
)

// heapSize is the arena reserved for every object and array a compiled
// program allocates, in one shot, at engine startup (spec §4.5: "no
// GC" — this is a pure bump allocator with no Non-goals-violating
// collector).
const heapSize = 64 << 20

// Heap is a bump-allocated region outside the Go heap. Raw machine code
// only ever holds uintptrs into it, never a Go pointer, so the garbage
// collector never has to understand a JIT frame's live set.
type Heap struct {
	region []byte
	off    int
}

func NewHeap() (*Heap, error) {
	var pm mem.PageManager

	region, err := pm.Reserve(heapSize)
	if err != nil {
		return nil, errors.Wrap(err, "reserve object heap")
	}

	if err := pm.ChangeAccess(region, mem.AccessRW); err != nil {
		return nil, errors.Wrap(err, "commit object heap")
	}

	return &Heap{region: region}, nil
}

func (h *Heap) Close() error {
	var pm mem.PageManager

	return pm.Free(h.region)
}

func (h *Heap) alloc(size int) (uintptr, error) {
	size = (size + 7) &^ 7

	if h.off+size > len(h.region) {
		return 0, errors.New("runtime: object heap exhausted (%d requested, %d remaining)", size, len(h.region)-h.off)
	}

	addr := uintptr(unsafe.Pointer(&h.region[h.off]))
	h.off += size

	return addr, nil
}

// AllocateObject allocates a zeroed size-byte struct instance. The
// caller (jit/back's OpAllocate lowering) stores the v-table pointer
// into the first eight bytes itself; this only hands back raw memory.
func (h *Heap) AllocateObject(size int64) (uintptr, error) {
	addr, err := h.alloc(int(size))
	if err != nil {
		return 0, err
	}

	return addr, nil
}

// AllocateArray allocates an 8-byte length header followed by
// elemSize*count bytes of element storage, zero-initialized according
// to base (the array's element BaseType). The returned pointer is the
// header itself, matching the layout jit/back/lowering.go's
// OpLength/OpLoadIdx/OpStoreIdx expect: a 4-byte count at Disp 0 (the
// header word is quadword-sized so element data starts Disp 8-aligned)
// and elements starting at Disp 8.
func (h *Heap) AllocateArray(elemSize, base, count int64) (uintptr, error) {
	body := elemSize * count

	addr, err := h.alloc(8 + int(body))
	if err != nil {
		return 0, err
	}

	*(*int32)(unsafe.Pointer(addr)) = int32(count)

	data := addr + 8

	switch bytecode.BaseType(base) {
	case bytecode.BOOL, bytecode.INT8:
		p := (*[1 << 30]byte)(unsafe.Pointer(data))
		for i := int64(0); i < count; i++ {
			p[i] = 0
		}
	case bytecode.CHAR, bytecode.INT16:
		p := (*[1 << 29]uint16)(unsafe.Pointer(data))
		for i := int64(0); i < count; i++ {
			p[i] = 0
		}
	case bytecode.INT32, bytecode.FLP32:
		p := (*[1 << 28]uint32)(unsafe.Pointer(data))
		for i := int64(0); i < count; i++ {
			p[i] = 0
		}
	default:
		p := (*[1 << 27]uint64)(unsafe.Pointer(data))
		for i := int64(0); i < count; i++ {
			p[i] = 0
		}
	}

	return addr, nil
}
