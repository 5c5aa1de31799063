package interp

import (
	"math"

	"github.com/dlaxar/cijvm/bytecode"
)

// value is one SSA temporary's slot in a frame: every bytecode value,
// whatever its declared type, lives in the low N bytes of a uint64,
// exactly like the single integer/XMM register jit/back would assign
// it. Decoding is always driven by the temporary's static TempTypes
// entry, mirroring the original interpreter's tagged union.
type value uint64

func boolValue(b bool) value {
	if b {
		return 1
	}

	return 0
}

func (v value) bool() bool { return v != 0 }

func (v value) i8() int8   { return int8(v) }
func (v value) i16() int16 { return int16(v) }
func (v value) i32() int32 { return int32(v) }
func (v value) i64() int64 { return int64(v) }

func (v value) f32() float32 { return math.Float32frombits(uint32(v)) }
func (v value) f64() float64 { return math.Float64frombits(uint64(v)) }

func (v value) ptr() uintptr { return uintptr(v) }

func i8Value(x int8) value   { return value(uint8(x)) }
func i16Value(x int16) value { return value(uint16(x)) }
func i32Value(x int32) value { return value(uint32(x)) }
func i64Value(x int64) value { return value(x) }

func f32Value(f float32) value { return value(math.Float32bits(f)) }
func f64Value(f float64) value { return value(math.Float64bits(f)) }

func ptrValue(p uintptr) value { return value(p) }

// constValue widens a loaded CONST payload to its runtime slot,
// matching bytecode.Const's already-widened I/F fields.
func constValue(c bytecode.Const) value {
	switch c.Type.Base {
	case bytecode.BOOL:
		return boolValue(c.I != 0)
	case bytecode.INT8:
		return i8Value(int8(c.I))
	case bytecode.CHAR, bytecode.INT16:
		return i16Value(int16(c.I))
	case bytecode.INT32:
		return i32Value(int32(c.I))
	case bytecode.INT64:
		return i64Value(c.I)
	case bytecode.FLP32:
		return f32Value(float32(c.F))
	case bytecode.FLP64:
		return f64Value(c.F)
	default:
		return 0 // null struct-pointer/array reference
	}
}

// readMem/writeMem access typ-sized values at an arbitrary heap
// address: used for object fields, globals, and array elements, all
// of which are addressed by raw offset rather than by temporary.
func readMem(addr uintptr, typ bytecode.Type) value {
	if typ.IsArray || typ.IsStruct() {
		return ptrValue(*(*uintptr)(ptrAt(addr)))
	}

	switch typ.Base {
	case bytecode.BOOL:
		return boolValue(*(*byte)(ptrAt(addr)) != 0)
	case bytecode.INT8:
		return i8Value(*(*int8)(ptrAt(addr)))
	case bytecode.CHAR, bytecode.INT16:
		return i16Value(*(*int16)(ptrAt(addr)))
	case bytecode.INT32:
		return i32Value(*(*int32)(ptrAt(addr)))
	case bytecode.INT64:
		return i64Value(*(*int64)(ptrAt(addr)))
	case bytecode.FLP32:
		return f32Value(*(*float32)(ptrAt(addr)))
	case bytecode.FLP64:
		return f64Value(*(*float64)(ptrAt(addr)))
	default:
		return ptrValue(*(*uintptr)(ptrAt(addr)))
	}
}

func writeMem(addr uintptr, typ bytecode.Type, v value) {
	if typ.IsArray || typ.IsStruct() {
		*(*uintptr)(ptrAt(addr)) = v.ptr()

		return
	}

	switch typ.Base {
	case bytecode.BOOL:
		b := byte(0)
		if v.bool() {
			b = 1
		}

		*(*byte)(ptrAt(addr)) = b
	case bytecode.INT8:
		*(*int8)(ptrAt(addr)) = v.i8()
	case bytecode.CHAR, bytecode.INT16:
		*(*int16)(ptrAt(addr)) = v.i16()
	case bytecode.INT32:
		*(*int32)(ptrAt(addr)) = v.i32()
	case bytecode.INT64:
		*(*int64)(ptrAt(addr)) = v.i64()
	case bytecode.FLP32:
		*(*float32)(ptrAt(addr)) = v.f32()
	case bytecode.FLP64:
		*(*float64)(ptrAt(addr)) = v.f64()
	default:
		*(*uintptr)(ptrAt(addr)) = v.ptr()
	}
}
