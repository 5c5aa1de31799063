package interp

import (
	"tlog.app/go/errors"

	"github.com/dlaxar/cijvm/bytecode"
)

// asInt64 widens a slot to a signed int64 according to its declared
// type, so integer arithmetic always happens at full width regardless
// of the operand's narrower storage.
func asInt64(typ bytecode.Type, v value) int64 {
	switch typ.Base {
	case bytecode.INT8:
		return int64(v.i8())
	case bytecode.CHAR, bytecode.INT16:
		return int64(v.i16())
	case bytecode.INT32:
		return int64(v.i32())
	default:
		return v.i64()
	}
}

// packInt64 narrows an int64 result back down to typ's slot width.
func packInt64(typ bytecode.Type, x int64) value {
	switch typ.Base {
	case bytecode.BOOL:
		return boolValue(x != 0)
	case bytecode.INT8:
		return i8Value(int8(x))
	case bytecode.CHAR, bytecode.INT16:
		return i16Value(int16(x))
	case bytecode.INT32:
		return i32Value(int32(x))
	default:
		return i64Value(x)
	}
}

// binaryArith evaluates ADD/SUB/MUL/DIV/MOD/AND/OR, the opcodes
// typeinfer.go requires both operands (and the result) to share typ
// for. Floats route through binaryFloat; MOD/AND/OR only ever carry
// integer or boolean operands, matching the original's BINARYINT
// macro, which is narrower than its float-capable BINARY macro.
func binaryArith(op bytecode.Opcode, typ bytecode.Type, a, b value) (value, error) {
	if typ.IsFloat() {
		return binaryFloat(op, typ, a, b)
	}

	x, y := asInt64(typ, a), asInt64(typ, b)

	switch op {
	case bytecode.OpAdd:
		return packInt64(typ, x+y), nil
	case bytecode.OpSub:
		return packInt64(typ, x-y), nil
	case bytecode.OpMul:
		return packInt64(typ, x*y), nil
	case bytecode.OpDiv:
		if y == 0 {
			return 0, errors.New("interp: division by zero")
		}

		return packInt64(typ, x/y), nil
	case bytecode.OpMod:
		if y == 0 {
			return 0, errors.New("interp: modulo by zero")
		}

		return packInt64(typ, x%y), nil
	case bytecode.OpAnd:
		return packInt64(typ, x&y), nil
	case bytecode.OpOr:
		return packInt64(typ, x|y), nil
	default:
		return 0, errors.New("interp: unhandled binary op %d", op)
	}
}

func binaryFloat(op bytecode.Opcode, typ bytecode.Type, a, b value) (value, error) {
	if typ.Base == bytecode.FLP32 {
		x, y := a.f32(), b.f32()

		switch op {
		case bytecode.OpAdd:
			return f32Value(x + y), nil
		case bytecode.OpSub:
			return f32Value(x - y), nil
		case bytecode.OpMul:
			return f32Value(x * y), nil
		case bytecode.OpDiv:
			return f32Value(x / y), nil
		default:
			return 0, errors.New("interp: unhandled float op %d", op)
		}
	}

	x, y := a.f64(), b.f64()

	switch op {
	case bytecode.OpAdd:
		return f64Value(x + y), nil
	case bytecode.OpSub:
		return f64Value(x - y), nil
	case bytecode.OpMul:
		return f64Value(x * y), nil
	case bytecode.OpDiv:
		return f64Value(x / y), nil
	default:
		return 0, errors.New("interp: unhandled float op %d", op)
	}
}

// negValue evaluates NEG; typeinfer.go already rejects array operands,
// struct-pointer ones are equally nonsensical to negate.
func negValue(typ bytecode.Type, x value) (value, error) {
	if typ.IsStruct() {
		return 0, errors.New("interp: neg on struct reference")
	}

	if typ.IsFloat() {
		if typ.Base == bytecode.FLP32 {
			return f32Value(-x.f32()), nil
		}

		return f64Value(-x.f64()), nil
	}

	return packInt64(typ, -asInt64(typ, x)), nil
}

type ordered interface {
	~int64 | ~uint64 | ~float32 | ~float64
}

func compareOrdered[T ordered](op bytecode.Opcode, a, b T) bool {
	switch op {
	case bytecode.OpCmpEq:
		return a == b
	case bytecode.OpCmpNe:
		return a != b
	case bytecode.OpCmpLt:
		return a < b
	case bytecode.OpCmpLe:
		return a <= b
	case bytecode.OpCmpGt:
		return a > b
	case bytecode.OpCmpGe:
		return a >= b
	default:
		return false
	}
}

// compareValues evaluates CMP_EQ..CMP_GE; typeinfer.go already requires
// both operands to share typ. Struct/array references and BOOL compare
// as raw bit patterns, floats as IEEE values, everything else as a
// sign-extended integer.
func compareValues(op bytecode.Opcode, typ bytecode.Type, a, b value) bool {
	switch {
	case typ.IsArray || typ.IsStruct() || typ.Base == bytecode.BOOL:
		return compareOrdered(op, uint64(a), uint64(b))
	case typ.Base == bytecode.FLP32:
		return compareOrdered(op, a.f32(), b.f32())
	case typ.Base == bytecode.FLP64:
		return compareOrdered(op, a.f64(), b.f64())
	default:
		return compareOrdered(op, asInt64(typ, a), asInt64(typ, b))
	}
}
