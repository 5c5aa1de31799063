package bytecode

import "testing"

func TestTypeSize(t *testing.T) {
	cases := []struct {
		typ  Type
		want int
	}{
		{Type{Base: BOOL}, 1},
		{Type{Base: INT8}, 1},
		{Type{Base: CHAR}, 2},
		{Type{Base: INT16}, 2},
		{Type{Base: INT32}, 4},
		{Type{Base: FLP32}, 4},
		{Type{Base: INT64}, 8},
		{Type{Base: FLP64}, 8},
		{Type{Base: INT8, IsArray: true}, 8}, // arrays are always a pointer
	}

	for _, c := range cases {
		if got := c.typ.Size(); got != c.want {
			t.Errorf("Type{Base: %d, IsArray: %v}.Size() = %d, want %d", c.typ.Base, c.typ.IsArray, got, c.want)
		}
	}
}

func TestTypeIsFloat(t *testing.T) {
	if !(Type{Base: FLP32}).IsFloat() {
		t.Error("FLP32 should be float")
	}

	if !(Type{Base: FLP64}).IsFloat() {
		t.Error("FLP64 should be float")
	}

	if (Type{Base: INT64}).IsFloat() {
		t.Error("INT64 should not be float")
	}

	if (Type{Base: FLP64, IsArray: true}).IsFloat() {
		t.Error("an array of floats is a pointer, not a float value")
	}
}

func TestTypeIsStruct(t *testing.T) {
	if (Type{Base: INT64}).IsStruct() {
		t.Error("INT64 should not be a struct pointer")
	}

	if !(Type{Base: FirstStruct}).IsStruct() {
		t.Error("FirstStruct should be a struct pointer")
	}

	if (Type{Base: FirstStruct, IsArray: true}).IsStruct() {
		t.Error("an array of structs is a plain array, not a struct pointer")
	}
}

func TestOpcodeIsCompare(t *testing.T) {
	for op := OpCmpEq; op <= OpCmpGe; op++ {
		if !op.IsCompare() {
			t.Errorf("opcode %d should report IsCompare", op)
		}
	}

	if OpAdd.IsCompare() {
		t.Error("OpAdd should not report IsCompare")
	}
}

func TestOpcodeIsBinary(t *testing.T) {
	for _, op := range []Opcode{OpAdd, OpSub, OpMul, OpDiv, OpMod, OpCmpEq, OpCmpGe, OpAnd, OpOr} {
		if !op.IsBinary() {
			t.Errorf("opcode %d should report IsBinary", op)
		}
	}

	if OpNeg.IsBinary() {
		t.Error("OpNeg is unary, should not report IsBinary")
	}
}
