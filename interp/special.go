package interp

import (
	"tlog.app/go/errors"

	"github.com/dlaxar/cijvm/runtime"
)

// specialCall dispatches a SPECIAL/SPECIAL_VOID instruction's raw
// SpecialID (the wire-level 0..7 a loaded program addresses) to the
// runtime package function it names, exactly the functions jit/engine
// wires its trampoline table to. GetVTable has no entry here: it is a
// jit/back compiler-internal detail (v-table address resolution at
// lowering time, not something an interpreted program's own SPECIAL
// instruction can address since SpecialID never exceeds 7 on the wire).
func (in *Interp) specialCall(id uint8, args []value) (value, error) {
	switch int(id) {
	case runtime.SpecialAllocate:
		if len(args) < 1 {
			return 0, errors.New("interp: special allocate: missing size arg")
		}

		addr, err := in.objs.AllocateObject(args[0].i64())
		if err != nil {
			return 0, errors.Wrap(err, "special allocate")
		}

		return ptrValue(addr), nil

	case runtime.SpecialBenchBegin:
		runtime.BenchBegin()

		return 0, nil

	case runtime.SpecialBenchEnd:
		runtime.BenchEnd()

		return 0, nil

	case runtime.SpecialPrintFloat:
		if len(args) < 1 {
			return 0, errors.New("interp: special print_float: missing arg")
		}

		runtime.PrintFloat(args[0].i64())

		return 0, nil

	case runtime.SpecialAllocArray:
		if len(args) < 3 {
			return 0, errors.New("interp: special alloc_array: missing args")
		}

		addr, err := in.objs.AllocateArray(args[0].i64(), args[1].i64(), args[2].i64())
		if err != nil {
			return 0, errors.Wrap(err, "special alloc_array")
		}

		return ptrValue(addr), nil

	case runtime.SpecialPrintArrayInt:
		if len(args) < 1 {
			return 0, errors.New("interp: special printa_int: missing arg")
		}

		runtime.PrintArrayInt(args[0].ptr())

		return 0, nil

	case runtime.SpecialPrintDouble:
		if len(args) < 1 {
			return 0, errors.New("interp: special print_double: missing arg")
		}

		runtime.PrintDouble(args[0].i64())

		return 0, nil

	case runtime.SpecialExit:
		code := int64(0)
		if len(args) > 0 {
			code = args[0].i64()
		}

		runtime.Exit(code)

		return 0, nil

	default:
		return 0, errors.New("interp: unknown special function %d", id)
	}
}
