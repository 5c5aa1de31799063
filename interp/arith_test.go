package interp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlaxar/cijvm/bytecode"
)

func TestBinaryArithInt(t *testing.T) {
	typ := bytecode.Type{Base: bytecode.INT64}

	v, err := binaryArith(bytecode.OpAdd, typ, i64Value(3), i64Value(4))
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.i64())

	v, err = binaryArith(bytecode.OpSub, typ, i64Value(10), i64Value(3))
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.i64())

	v, err = binaryArith(bytecode.OpMul, typ, i64Value(6), i64Value(7))
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.i64())
}

func TestBinaryArithDivModByZero(t *testing.T) {
	typ := bytecode.Type{Base: bytecode.INT32}

	_, err := binaryArith(bytecode.OpDiv, typ, i32Value(1), i32Value(0))
	assert.Error(t, err)

	_, err = binaryArith(bytecode.OpMod, typ, i32Value(1), i32Value(0))
	assert.Error(t, err)
}

func TestBinaryArithNarrowsToDeclaredWidth(t *testing.T) {
	typ := bytecode.Type{Base: bytecode.INT8}

	v, err := binaryArith(bytecode.OpAdd, typ, i8Value(120), i8Value(10))
	require.NoError(t, err)

	// 130 overflows an int8 and must wrap, not widen
	assert.Equal(t, int8(-126), v.i8())
}

func TestBinaryFloatOps(t *testing.T) {
	typ := bytecode.Type{Base: bytecode.FLP64}

	v, err := binaryArith(bytecode.OpDiv, typ, f64Value(9), f64Value(2))
	require.NoError(t, err)
	assert.InDelta(t, 4.5, v.f64(), 1e-9)
}

func TestCompareOrderedInt(t *testing.T) {
	assert.True(t, compareOrdered(bytecode.OpCmpLt, int64(1), int64(2)))
	assert.False(t, compareOrdered(bytecode.OpCmpLt, int64(2), int64(1)))
	assert.True(t, compareOrdered(bytecode.OpCmpEq, int64(5), int64(5)))
	assert.True(t, compareOrdered(bytecode.OpCmpGe, int64(5), int64(5)))
}

func TestCompareValuesFloat(t *testing.T) {
	typ := bytecode.Type{Base: bytecode.FLP32}

	assert.True(t, compareValues(bytecode.OpCmpLt, typ, f32Value(1.0), f32Value(2.0)))
	assert.False(t, compareValues(bytecode.OpCmpGt, typ, f32Value(1.0), f32Value(2.0)))
}

func TestNegValue(t *testing.T) {
	typ := bytecode.Type{Base: bytecode.INT64}

	v, err := negValue(typ, i64Value(5))
	require.NoError(t, err)
	assert.Equal(t, int64(-5), v.i64())
}
