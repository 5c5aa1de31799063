package interp

import (
	"unsafe"

	"tlog.app/go/errors"

	"github.com/dlaxar/cijvm/bytecode"
)

// frame is one activation record: the function being executed and one
// value slot per SSA temporary (bytecode.Function.NumTemps), indexed
// exactly as bytecode.Instr.Defines reports — params occupy the first
// len(Params) slots, matching jit/back's VR numbering 1:1.
type frame struct {
	fn    *bytecode.Function
	temps []value
}

type ctrlKind int

const (
	ctrlNext ctrlKind = iota
	ctrlJump
	ctrlReturn
	ctrlRetVoid
)

type ctrl struct {
	kind   ctrlKind
	target int
	val    value
}

// call executes fn by index with args already evaluated (one value per
// parameter), returning its result (zero for a void function). Every
// CALL/MEMBER_CALL instruction recurses through here, same as the
// original's executeFunction.
func (in *Interp) call(idx int, args []value) (value, error) {
	if idx < 0 || idx >= len(in.prog.Funcs) {
		return 0, errors.New("interp: call to unknown func %d", idx)
	}

	fn := in.prog.Funcs[idx]

	fr := &frame{fn: fn, temps: make([]value, fn.NumTemps)}
	copy(fr.temps, args)

	ret, err := in.execFrame(fr)
	if err != nil {
		return 0, errors.Wrap(err, "func %s", fn.Name)
	}

	return ret, nil
}

// execFrame walks fr's blocks one at a time: every φ in the block is
// resolved first against prevBlock (the block control arrived from,
// mirroring jit/back/lowering.go's lowerBlock, which likewise resolves
// all of a block's φs before any of its other instructions), then the
// rest of the block executes in program order. A block with no
// GOTO/IF_GOTO/RETURN falls through to the next block in storage
// order, exactly as the flat instruction stream the compiler emits
// implies.
func (in *Interp) execFrame(fr *frame) (value, error) {
	block := 0
	prevBlock := -1

	for {
		instrs := fr.fn.BlockInstrs(block)

		for _, ins := range instrs {
			if ins.Op == bytecode.OpPhi {
				execPhi(fr, ins, prevBlock)
			}
		}

		next := -1

		for _, ins := range instrs {
			if ins.Op == bytecode.OpPhi {
				continue
			}

			c, err := in.execInstr(fr, ins)
			if err != nil {
				return 0, errors.Wrap(err, "block %d", block)
			}

			switch c.kind {
			case ctrlReturn:
				return c.val, nil
			case ctrlRetVoid:
				return 0, nil
			case ctrlJump:
				next = c.target
			}

			if next >= 0 {
				break
			}
		}

		if next < 0 {
			next = block + 1
		}

		prevBlock = block
		block = next
	}
}

// execPhi resolves one PHI instruction's value from whichever edge
// names prevBlock.
func execPhi(fr *frame, ins bytecode.Instr, prevBlock int) {
	for _, e := range ins.PhiEdges {
		if e.Block == prevBlock {
			fr.temps[ins.Dst] = fr.temps[e.Temp]

			return
		}
	}
}

// execInstr executes every non-PHI opcode.
func (in *Interp) execInstr(fr *frame, ins bytecode.Instr) (ctrl, error) {
	switch ins.Op {
	case bytecode.OpNop:

	case bytecode.OpLoad:
		fr.temps[ins.Dst] = fr.temps[ins.A]

	case bytecode.OpStore:
		fr.temps[ins.A] = fr.temps[ins.B]

	case bytecode.OpConst:
		fr.temps[ins.Dst] = constValue(ins.Const)

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
		bytecode.OpAnd, bytecode.OpOr:
		typ := fr.fn.TempTypes[ins.Dst]

		r, err := binaryArith(ins.Op, typ, fr.temps[ins.A], fr.temps[ins.B])
		if err != nil {
			return ctrl{}, err
		}

		fr.temps[ins.Dst] = r

	case bytecode.OpCmpEq, bytecode.OpCmpNe, bytecode.OpCmpLt, bytecode.OpCmpLe,
		bytecode.OpCmpGt, bytecode.OpCmpGe:
		typ := fr.fn.TempTypes[ins.A]
		fr.temps[ins.Dst] = boolValue(compareValues(ins.Op, typ, fr.temps[ins.A], fr.temps[ins.B]))

	case bytecode.OpNeg:
		typ := fr.fn.TempTypes[ins.Dst]

		r, err := negValue(typ, fr.temps[ins.A])
		if err != nil {
			return ctrl{}, err
		}

		fr.temps[ins.Dst] = r

	case bytecode.OpNot:
		fr.temps[ins.Dst] = boolValue(!fr.temps[ins.A].bool())

	case bytecode.OpNew:
		elemType := bytecode.Type{Base: ins.Type.Base}

		addr, err := in.objs.AllocateArray(int64(elemType.Size()), int64(ins.Type.Base), int64(ins.Size))
		if err != nil {
			return ctrl{}, errors.Wrap(err, "new array")
		}

		fr.temps[ins.Dst] = ptrValue(addr)

	case bytecode.OpGoto:
		return ctrl{kind: ctrlJump, target: ins.Block}, nil

	case bytecode.OpIfGoto:
		if fr.temps[ins.A].bool() {
			return ctrl{kind: ctrlJump, target: ins.Block}, nil
		}

	case bytecode.OpLength:
		n := *(*int32)(ptrAt(fr.temps[ins.A].ptr()))
		fr.temps[ins.Dst] = i32Value(n)

	case bytecode.OpLoadIdx:
		elemType := fr.fn.TempTypes[ins.Dst]
		idx := asInt64(fr.fn.TempTypes[ins.B], fr.temps[ins.B])
		addr := fr.temps[ins.A].ptr() + 8 + uintptr(idx)*uintptr(elemType.Size())
		fr.temps[ins.Dst] = readMem(addr, elemType)

	case bytecode.OpStoreIdx:
		valType := fr.fn.TempTypes[ins.Value]
		idx := asInt64(fr.fn.TempTypes[ins.B], fr.temps[ins.B])
		addr := fr.temps[ins.A].ptr() + 8 + uintptr(idx)*uintptr(valType.Size())
		writeMem(addr, valType, fr.temps[ins.Value])

	case bytecode.OpCall, bytecode.OpCallVoid:
		args := in.evalArgs(fr, ins.Args)

		ret, err := in.call(ins.FuncIdx, args)
		if err != nil {
			return ctrl{}, err
		}

		if ins.Op == bytecode.OpCall {
			fr.temps[ins.Dst] = ret
		}

	case bytecode.OpSpecial, bytecode.OpSpecialVoid:
		args := in.evalArgs(fr, ins.Args)

		ret, err := in.specialCall(ins.SpecialID, args)
		if err != nil {
			return ctrl{}, err
		}

		if ins.Op == bytecode.OpSpecial {
			fr.temps[ins.Dst] = ret
		}

	case bytecode.OpMemberCall, bytecode.OpVoidMemberCall:
		if len(ins.Args) == 0 {
			return ctrl{}, errors.New("interp: member call with no receiver")
		}

		recv := fr.temps[ins.Args[0]]
		vtable := *(*uintptr)(ptrAt(recv.ptr()))
		funcIdx := int(*(*uint16)(unsafe.Add(ptrAt(vtable), int(ins.MethodIdx)*2)))

		args := make([]value, len(ins.Args))
		args[0] = recv

		for i, t := range ins.Args[1:] {
			args[i+1] = fr.temps[t]
		}

		ret, err := in.call(funcIdx, args)
		if err != nil {
			return ctrl{}, err
		}

		if ins.Op == bytecode.OpMemberCall {
			fr.temps[ins.Dst] = ret
		}

	case bytecode.OpRetVoid:
		return ctrl{kind: ctrlRetVoid}, nil

	case bytecode.OpReturn:
		return ctrl{kind: ctrlReturn, val: fr.temps[ins.A]}, nil

	case bytecode.OpAllocate:
		s, ok := in.prog.Structs[ins.StructID]
		if !ok {
			return ctrl{}, errors.New("interp: allocate of unknown struct %d", ins.StructID)
		}

		size, err := s.Size()
		if err != nil {
			return ctrl{}, errors.Wrap(err, "allocate")
		}

		addr, err := in.objs.AllocateObject(int64(size))
		if err != nil {
			return ctrl{}, errors.Wrap(err, "allocate")
		}

		*(*uintptr)(ptrAt(addr)) = in.vtableAddr(ins.StructID)
		fr.temps[ins.Dst] = ptrValue(addr)

	case bytecode.OpObjLoad:
		s := in.prog.Structs[ins.StructID]
		field := s.Fields[ins.FieldIdx]

		off, err := field.Offset()
		if err != nil {
			return ctrl{}, errors.Wrap(err, "obj load")
		}

		fr.temps[ins.Dst] = readMem(fr.temps[ins.A].ptr()+uintptr(off), bytecode.Type{Base: field.Base})

	case bytecode.OpObjStore:
		s := in.prog.Structs[ins.StructID]
		field := s.Fields[ins.FieldIdx]

		off, err := field.Offset()
		if err != nil {
			return ctrl{}, errors.Wrap(err, "obj store")
		}

		writeMem(fr.temps[ins.A].ptr()+uintptr(off), bytecode.Type{Base: field.Base}, fr.temps[ins.Value])

	case bytecode.OpGlobLoad:
		g := in.prog.Globals[ins.GlobalIdx]
		addr := uintptr(unsafe.Pointer(&in.globals[g.Offset()]))
		fr.temps[ins.Dst] = readMem(addr, bytecode.Type{Base: g.Base})

	case bytecode.OpGlobStore:
		g := in.prog.Globals[ins.GlobalIdx]
		addr := uintptr(unsafe.Pointer(&in.globals[g.Offset()]))
		writeMem(addr, bytecode.Type{Base: g.Base}, fr.temps[ins.Value])

	default:
		return ctrl{}, errors.New("interp: unhandled opcode %d", ins.Op)
	}

	return ctrl{}, nil
}

func (in *Interp) evalArgs(fr *frame, args []bytecode.Temp) []value {
	vs := make([]value, len(args))

	for i, t := range args {
		vs[i] = fr.temps[t]
	}

	return vs
}
