// Package interp executes a loaded bytecode.Program directly, block by
// block, without compiling it: the engine's oracle (spec §4's end-to-end
// scenarios compare jit/engine's result against this package's) and the
// implementation behind `cijvm interpreter`. It shares runtime's object
// heap and the SpecialFunctions contract with jit/engine, so a struct or
// array built by one backend has exactly the layout the other expects.
//
// Grounded on original_source/source/interpreter/InterpretEngine.cpp's
// computed-goto dispatch loop, rendered as a plain Go switch over
// bytecode.Opcode and a typed value slot per temporary (interp/value.go)
// in place of the original's Value union.
package interp

import (
	"unsafe"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/dlaxar/cijvm/bytecode"
	"github.com/dlaxar/cijvm/runtime"
)

// Interp holds one loaded program's interpretation state: the packed
// globals segment and the object heap every ALLOCATE/NEW opcode draws
// from, shared with jit/engine's own runtime.Heap so JIT-built and
// interpreter-built objects are interchangeable.
type Interp struct {
	prog *bytecode.Program

	globals []byte
	objs    *runtime.Heap

	vtables map[uint8][]uint16
}

// New prepares prog for interpretation: packs its globals and
// materializes one v-table array per struct type (engine.buildVTables's
// sibling, same layout).
func New(prog *bytecode.Program) (*Interp, error) {
	prog.PackGlobals()

	size, err := prog.GlobalsSize()
	if err != nil {
		return nil, errors.Wrap(err, "globals size")
	}

	objs, err := runtime.NewHeap()
	if err != nil {
		return nil, errors.Wrap(err, "new object heap")
	}

	in := &Interp{
		prog:    prog,
		globals: make([]byte, size),
		objs:    objs,
	}

	if err := in.buildVTables(); err != nil {
		objs.Close()

		return nil, errors.Wrap(err, "build v-tables")
	}

	return in, nil
}

func (in *Interp) Close() error {
	return in.objs.Close()
}

func (in *Interp) buildVTables() error {
	in.vtables = make(map[uint8][]uint16, len(in.prog.Structs))

	for id, s := range in.prog.Structs {
		vt := make([]uint16, len(s.VTable))

		for i, fidx := range s.VTable {
			if fidx < 0 || int(fidx) >= len(in.prog.Funcs) {
				return errors.New("struct %d: v-table entry %d out of range (%d)", id, i, fidx)
			}

			vt[i] = uint16(fidx)
		}

		in.vtables[id] = vt
	}

	return nil
}

// vtableAddr returns the raw address of a struct's v-table array, the
// same value an ALLOCATE opcode stores at the new object's offset 0 —
// a member call later dereferences it the same way regardless of which
// backend built the object.
func (in *Interp) vtableAddr(structID uint8) uintptr {
	vt := in.vtables[structID]
	if len(vt) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(&vt[0]))
}

// Run finds "main" and interprets it to completion, returning the raw
// bits of its return value (0 for a void main).
func (in *Interp) Run() (int64, error) {
	idx := in.prog.FindFunc("main")
	if idx < 0 {
		return 0, errors.New("interp: no main function")
	}

	tr := tlog.Root().Spawn("interp_run")
	defer tr.Finish()

	ret, err := in.call(idx, nil)
	if err != nil {
		return 0, err
	}

	return ret.i64(), nil
}
