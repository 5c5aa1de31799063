package bytecode

import "tlog.app/go/errors"

// InferTypes runs the static type-inference pass over every function in
// p, filling TempTypes and NumTemps. It is also where the
// static-analysis error class is raised: type mismatch in comparison or
// binary ops, `not` on a non-boolean, `neg` on an array, `loadIdx` /
// `length` on a non-array, `const` with isArray (already rejected by the
// loader), and unresolved temporaries.
func InferTypes(p *Program) error {
	for _, f := range p.Funcs {
		if err := inferFunc(p, f); err != nil {
			return errors.Wrap(err, "func %s", f.Name)
		}
	}

	return nil
}

func inferFunc(p *Program, f *Function) error {
	n := len(f.Params)

	for _, i := range f.Instrs {
		if _, ok := i.Defines(); ok {
			n++
		}
	}

	f.NumTemps = n
	f.TempTypes = make([]Type, n)

	for i, param := range f.Params {
		f.TempTypes[i] = param.Type
	}

	typeOf := func(t Temp) (Type, error) {
		if int(t) >= len(f.TempTypes) {
			return Type{}, newStaticError(f.Name, "unresolved temporary %d", t)
		}

		return f.TempTypes[t], nil
	}

	ordinal := len(f.Params)

	for idx, ins := range f.Instrs {
		dst, defines := ins.Defines()

		var t Type

		switch ins.Op {
		case OpNop, OpStore, OpGoto, OpRetVoid, OpObjStore, OpGlobStore, OpStoreIdx, OpVoidMemberCall:
			// no result type

		case OpLoad:
			lt, err := typeOf(ins.A)
			if err != nil {
				return errors.Wrap(err, "instr %d load", idx)
			}

			t = lt

		case OpConst:
			if ins.Type.IsArray {
				return newStaticError(f.Name, "instr %d: const with isArray", idx)
			}

			t = ins.Type

		case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpAnd, OpOr:
			lt, err := typeOf(ins.A)
			if err != nil {
				return err
			}

			rt, err := typeOf(ins.B)
			if err != nil {
				return err
			}

			if lt.IsArray || rt.IsArray || lt.Base != rt.Base {
				return newStaticError(f.Name, "instr %d: binary op type mismatch %v/%v", idx, lt, rt)
			}

			t = lt

		case OpCmpEq, OpCmpNe, OpCmpLt, OpCmpLe, OpCmpGt, OpCmpGe:
			lt, err := typeOf(ins.A)
			if err != nil {
				return err
			}

			rt, err := typeOf(ins.B)
			if err != nil {
				return err
			}

			if lt.IsArray || rt.IsArray || lt.Base != rt.Base {
				return newStaticError(f.Name, "instr %d: comparison type mismatch %v/%v", idx, lt, rt)
			}

			t = Type{Base: BOOL}

		case OpNeg:
			xt, err := typeOf(ins.A)
			if err != nil {
				return err
			}

			if xt.IsArray {
				return newStaticError(f.Name, "instr %d: neg on array", idx)
			}

			t = xt

		case OpNot:
			xt, err := typeOf(ins.A)
			if err != nil {
				return err
			}

			if xt.IsArray || xt.Base != BOOL {
				return newStaticError(f.Name, "instr %d: not on non-boolean %v", idx, xt)
			}

			t = Type{Base: BOOL}

		case OpNew:
			t = Type{Base: ins.Type.Base, IsArray: true}

		case OpIfGoto:
			xt, err := typeOf(ins.A)
			if err != nil {
				return err
			}

			if xt.IsArray || xt.Base != BOOL {
				return newStaticError(f.Name, "instr %d: if_goto on non-boolean %v", idx, xt)
			}

		case OpLength:
			xt, err := typeOf(ins.A)
			if err != nil {
				return err
			}

			if !xt.IsArray {
				return newStaticError(f.Name, "instr %d: length on non-array %v", idx, xt)
			}

			t = Type{Base: INT32}

		case OpLoadIdx:
			xt, err := typeOf(ins.A)
			if err != nil {
				return err
			}

			if !xt.IsArray {
				return newStaticError(f.Name, "instr %d: loadIdx on non-array %v", idx, xt)
			}

			t = Type{Base: xt.Base}

		case OpPhi:
			if len(ins.PhiEdges) > 0 {
				pt, err := typeOf(ins.PhiEdges[0].Temp)
				if err != nil {
					return err
				}

				t = pt
			}

		case OpCall, OpCallVoid:
			if ins.FuncIdx < 0 || ins.FuncIdx >= len(p.Funcs) {
				return newStaticError(f.Name, "instr %d: call to unknown func %d", idx, ins.FuncIdx)
			}

			t = p.Funcs[ins.FuncIdx].ReturnType

		case OpSpecial, OpSpecialVoid:
			// special function return types are not statically known
			// here; the engine's SpecialFunctions table supplies them.

		case OpAllocate:
			t = Type{Base: BaseType(ins.StructID) + FirstStruct}

		case OpObjLoad:
			s, ok := p.Structs[ins.StructID]
			if !ok || int(ins.FieldIdx) >= len(s.Fields) {
				return newStaticError(f.Name, "instr %d: bad field access", idx)
			}

			t = Type{Base: s.Fields[ins.FieldIdx].Base}

		case OpGlobLoad:
			if int(ins.GlobalIdx) >= len(p.Globals) {
				return newStaticError(f.Name, "instr %d: bad global %d", idx, ins.GlobalIdx)
			}

			t = Type{Base: p.Globals[ins.GlobalIdx].Base}

		case OpMemberCall:
			t = Type{Base: INT64} // resolved dynamically; widest common return slot

		case OpReturn:
			// return type checked against f.ReturnType by the caller

		default:
			return newStaticError(f.Name, "instr %d: unhandled opcode %d", idx, ins.Op)
		}

		if defines {
			if int(dst) != ordinal {
				return newStaticError(f.Name, "instr %d: dst %d != expected ordinal %d", idx, dst, ordinal)
			}

			f.TempTypes[ordinal] = t
			ordinal++
		}
	}

	if ordinal != n {
		return newStaticError(f.Name, "temp type count mismatch: got %d, want %d", ordinal, n)
	}

	return nil
}
