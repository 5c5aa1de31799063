package bytecode

import (
	"encoding/binary"
	"math"

	"tlog.app/go/errors"
)

// Magic is the two-byte little-endian magic number every bytecode file
// starts with (after an optional "#!" shebang line).
const Magic = 0x06AA

type cursor struct {
	b   []byte
	off int
}

func (c *cursor) u8() (uint8, error) {
	if c.off+1 > len(c.b) {
		return 0, newLoadError(c.off, "u8", errors.New("truncated"))
	}

	v := c.b[c.off]
	c.off++

	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if c.off+2 > len(c.b) {
		return 0, newLoadError(c.off, "u16", errors.New("truncated"))
	}

	v := binary.LittleEndian.Uint16(c.b[c.off:])
	c.off += 2

	return v, nil
}

func (c *cursor) i32() (int32, error) {
	if c.off+4 > len(c.b) {
		return 0, newLoadError(c.off, "i32", errors.New("truncated"))
	}

	v := int32(binary.LittleEndian.Uint32(c.b[c.off:]))
	c.off += 4

	return v, nil
}

func (c *cursor) bytes(n int) ([]byte, error) {
	if c.off+n > len(c.b) {
		return nil, newLoadError(c.off, "bytes", errors.New("truncated"))
	}

	v := c.b[c.off : c.off+n]
	c.off += n

	return v, nil
}

func (c *cursor) str() (string, error) {
	n, err := c.u16()
	if err != nil {
		return "", errors.Wrap(err, "string length")
	}

	b, err := c.bytes(int(n))
	if err != nil {
		return "", errors.Wrap(err, "string bytes")
	}

	return string(b), nil
}

func (c *cursor) typ() (Type, error) {
	raw, err := c.u8()
	if err != nil {
		return Type{}, err
	}

	return Type{Base: BaseType(raw & 0x7f), IsArray: raw&0x80 != 0}, nil
}

func decodeImmediate(c *cursor, t Type) (Const, error) {
	if t.IsArray {
		return Const{}, newLoadError(c.off, "const", errors.New("const with isArray"))
	}

	switch t.Base {
	case VOID:
		return Const{Type: t}, nil
	case BOOL, INT8:
		v, err := c.u8()
		if err != nil {
			return Const{}, err
		}

		return Const{Type: t, I: int64(v)}, nil
	case CHAR, INT16:
		v, err := c.u16()
		if err != nil {
			return Const{}, err
		}

		return Const{Type: t, I: int64(v)}, nil
	case INT32:
		v, err := c.i32()
		if err != nil {
			return Const{}, err
		}

		return Const{Type: t, I: int64(v)}, nil
	case FLP32:
		v, err := c.i32()
		if err != nil {
			return Const{}, err
		}

		return Const{Type: t, F: float64(math.Float32frombits(uint32(v)))}, nil
	case INT64:
		b, err := c.bytes(8)
		if err != nil {
			return Const{}, err
		}

		return Const{Type: t, I: int64(binary.LittleEndian.Uint64(b))}, nil
	case FLP64:
		b, err := c.bytes(8)
		if err != nil {
			return Const{}, err
		}

		bits := binary.LittleEndian.Uint64(b)

		return Const{Type: t, F: math.Float64frombits(bits)}, nil
	default:
		return Const{}, newLoadError(c.off, "const", errors.New("unsupported const type %v", t.Base))
	}
}

// Load decodes a Program from a complete bytecode file image, including
// an optional leading "#!" shebang line. It reports a *LoadError (via
// errors.As) on any malformed input, and fails if trailing bytes remain
// after the last function's body.
func Load(data []byte) (*Program, error) {
	c := &cursor{b: data}

	if len(data) >= 2 && data[0] == '#' && data[1] == '!' {
		i := 2
		for i < len(data) && data[i] != '\n' {
			i++
		}

		if i < len(data) {
			i++
		}

		c.off = i
	}

	magic, err := c.u16()
	if err != nil {
		return nil, errors.Wrap(err, "magic")
	}

	if magic != Magic {
		return nil, newLoadError(c.off-2, "magic", errors.New("bad magic %#x, want %#x", magic, Magic))
	}

	p := &Program{Structs: map[uint8]*StructType{}}

	if err := loadGlobals(c, p); err != nil {
		return nil, errors.Wrap(err, "globals")
	}

	if err := loadStructs(c, p); err != nil {
		return nil, errors.Wrap(err, "structs")
	}

	if err := loadFuncs(c, p); err != nil {
		return nil, errors.Wrap(err, "functions")
	}

	if c.off != len(c.b) {
		return nil, newLoadError(c.off, "eof", errors.New("%d trailing bytes", len(c.b)-c.off))
	}

	p.PackGlobals()

	for _, s := range p.Structs {
		s.Pack()
	}

	for _, f := range p.Funcs {
		f.LinkPredecessors()
	}

	if err := InferTypes(p); err != nil {
		return nil, errors.Wrap(err, "type inference")
	}

	return p, nil
}

func loadGlobals(c *cursor, p *Program) error {
	n, err := c.u16()
	if err != nil {
		return err
	}

	p.Globals = make([]Global, n)

	for i := range p.Globals {
		base, err := c.u8()
		if err != nil {
			return errors.Wrap(err, "global %d type", i)
		}

		name, err := c.str()
		if err != nil {
			return errors.Wrap(err, "global %d name", i)
		}

		p.Globals[i] = Global{Base: BaseType(base), Name: name}
	}

	return nil
}

func loadStructs(c *cursor, p *Program) error {
	n, err := c.u16()
	if err != nil {
		return err
	}

	for i := 0; i < int(n); i++ {
		id, err := c.u8()
		if err != nil {
			return errors.Wrap(err, "struct %d id", i)
		}

		name, err := c.str()
		if err != nil {
			return errors.Wrap(err, "struct %d name", i)
		}

		nf, err := c.u16()
		if err != nil {
			return errors.Wrap(err, "struct %d field count", i)
		}

		fields := make([]Field, nf)

		for j := range fields {
			base, err := c.u8()
			if err != nil {
				return errors.Wrap(err, "struct %d field %d type", i, j)
			}

			fname, err := c.str()
			if err != nil {
				return errors.Wrap(err, "struct %d field %d name", i, j)
			}

			fields[j] = Field{Base: BaseType(base), Name: fname}
		}

		nv, err := c.u16()
		if err != nil {
			return errors.Wrap(err, "struct %d vtable count", i)
		}

		vtable := make([]int32, nv)

		for j := range vtable {
			v, err := c.u16()
			if err != nil {
				return errors.Wrap(err, "struct %d vtable %d", i, j)
			}

			vtable[j] = int32(v)
		}

		p.Structs[id] = &StructType{ID: id, Name: name, Fields: fields, VTable: vtable}
	}

	return nil
}

func loadFuncs(c *cursor, p *Program) error {
	n, err := c.u16()
	if err != nil {
		return err
	}

	p.Funcs = make([]*Function, n)

	for i := range p.Funcs {
		f, err := loadFunc(c)
		if err != nil {
			return errors.Wrap(err, "func %d", i)
		}

		p.Funcs[i] = f
	}

	return nil
}

func loadFunc(c *cursor) (*Function, error) {
	name, err := c.str()
	if err != nil {
		return nil, errors.Wrap(err, "name")
	}

	np, err := c.u16()
	if err != nil {
		return nil, errors.Wrap(err, "param count")
	}

	params := make([]Local, np)

	for i := range params {
		typ, err := c.typ()
		if err != nil {
			return nil, errors.Wrap(err, "param %d type", i)
		}

		pname, err := c.str()
		if err != nil {
			return nil, errors.Wrap(err, "param %d name", i)
		}

		params[i] = Local{Type: typ, Name: pname}
	}

	rawRet, err := c.u8()
	if err != nil {
		return nil, errors.Wrap(err, "return type")
	}

	retType := Type{Base: BaseType(rawRet & 0x7f), IsArray: rawRet&0x80 != 0}

	nb, err := c.u16()
	if err != nil {
		return nil, errors.Wrap(err, "block count")
	}

	blocks := make([]Block, nb)

	for i := range blocks {
		ic, err := c.u16()
		if err != nil {
			return nil, errors.Wrap(err, "block %d instr count", i)
		}

		ns, err := c.u16()
		if err != nil {
			return nil, errors.Wrap(err, "block %d successor count", i)
		}

		succ := make([]int, ns)

		for j := range succ {
			v, err := c.u16()
			if err != nil {
				return nil, errors.Wrap(err, "block %d successor %d", i, j)
			}

			succ[j] = int(v)
		}

		blocks[i] = Block{InstrCount: int(ic), Successors: succ}
	}

	ni, err := c.u16()
	if err != nil {
		return nil, errors.Wrap(err, "instr count")
	}

	instrs := make([]Instr, 0, ni)

	for i := 0; i < int(ni); i++ {
		ins, err := loadInstr(c)
		if err != nil {
			return nil, errors.Wrap(err, "instr %d", i)
		}

		instrs = append(instrs, ins)
	}

	if len(instrs) != int(ni) {
		return nil, newLoadError(c.off, "instr", errors.New("expected %d instructions, decoded %d", ni, len(instrs)))
	}

	start := 0

	for i := range blocks {
		blocks[i].InstrStart = start
		start += blocks[i].InstrCount
	}

	if start != len(instrs) {
		return nil, newLoadError(c.off, "blocks", errors.New("block instruction counts (%d) don't cover instruction stream (%d)", start, len(instrs)))
	}

	dst := Temp(np)

	for i := range instrs {
		if _, ok := instrs[i].Defines(); ok {
			instrs[i].Dst = dst
			dst++
		}
	}

	return &Function{
		Name:       name,
		Params:     params,
		ReturnType: retType,
		Blocks:     blocks,
		Instrs:     instrs,
	}, nil
}

func loadInstr(c *cursor) (Instr, error) {
	rawOp, err := c.u8()
	if err != nil {
		return Instr{}, err
	}

	op := Opcode(rawOp)
	ins := Instr{Op: op}

	switch {
	case op == OpNop:
		// no payload

	case op == OpLoad:
		src, err := c.u16()
		if err != nil {
			return ins, err
		}

		ins.A = src

	case op == OpStore:
		v, err := c.u16()
		if err != nil {
			return ins, err
		}

		src, err := c.u16()
		if err != nil {
			return ins, err
		}

		ins.A, ins.B = v, src

	case op == OpConst:
		typ, err := c.typ()
		if err != nil {
			return ins, err
		}

		val, err := decodeImmediate(c, typ)
		if err != nil {
			return ins, err
		}

		ins.Type = typ
		ins.Const = val

	case op.IsBinary():
		l, err := c.u16()
		if err != nil {
			return ins, err
		}

		r, err := c.u16()
		if err != nil {
			return ins, err
		}

		ins.A, ins.B = l, r

	case op == OpNeg || op == OpNot:
		src, err := c.u16()
		if err != nil {
			return ins, err
		}

		ins.A = src

	case op == OpNew:
		typ, err := c.typ()
		if err != nil {
			return ins, err
		}

		size, err := c.u16()
		if err != nil {
			return ins, err
		}

		ins.Type = typ
		ins.Size = size

	case op == OpGoto:
		blk, err := c.u16()
		if err != nil {
			return ins, err
		}

		ins.Block = int(blk)

	case op == OpIfGoto:
		cond, err := c.u16()
		if err != nil {
			return ins, err
		}

		blk, err := c.u16()
		if err != nil {
			return ins, err
		}

		ins.A = cond
		ins.Block = int(blk)

	case op == OpLength:
		arr, err := c.u16()
		if err != nil {
			return ins, err
		}

		ins.A = arr

	case op == OpPhi:
		n, err := c.u16()
		if err != nil {
			return ins, err
		}

		edges := make([]PhiEdge, n)

		for i := range edges {
			t, err := c.u16()
			if err != nil {
				return ins, err
			}

			b, err := c.u16()
			if err != nil {
				return ins, err
			}

			edges[i] = PhiEdge{Temp: t, Block: int(b)}
		}

		ins.PhiEdges = edges

	case op == OpCall || op == OpCallVoid:
		idx, err := c.u16()
		if err != nil {
			return ins, err
		}

		args, err := loadArgs(c)
		if err != nil {
			return ins, err
		}

		ins.FuncIdx = int(idx)
		ins.Args = args

	case op == OpSpecial || op == OpSpecialVoid:
		idx, err := c.u8()
		if err != nil {
			return ins, err
		}

		args, err := loadArgs(c)
		if err != nil {
			return ins, err
		}

		ins.SpecialID = idx
		ins.Args = args

	case op == OpRetVoid:
		// no payload

	case op == OpReturn:
		src, err := c.u16()
		if err != nil {
			return ins, err
		}

		ins.A = src

	case op == OpLoadIdx:
		arr, err := c.u16()
		if err != nil {
			return ins, err
		}

		idx, err := c.u16()
		if err != nil {
			return ins, err
		}

		ins.A, ins.B = arr, idx

	case op == OpStoreIdx:
		arr, err := c.u16()
		if err != nil {
			return ins, err
		}

		idx, err := c.u16()
		if err != nil {
			return ins, err
		}

		val, err := c.u16()
		if err != nil {
			return ins, err
		}

		ins.A, ins.B = arr, idx
		ins.Value = val

	case op == OpAllocate:
		id, err := c.u8()
		if err != nil {
			return ins, err
		}

		ins.StructID = id

	case op == OpObjLoad:
		ptr, err := c.u16()
		if err != nil {
			return ins, err
		}

		sid, err := c.u8()
		if err != nil {
			return ins, err
		}

		fidx, err := c.u8()
		if err != nil {
			return ins, err
		}

		ins.A = ptr
		ins.StructID = sid
		ins.FieldIdx = fidx

	case op == OpObjStore:
		ptr, err := c.u16()
		if err != nil {
			return ins, err
		}

		sid, err := c.u8()
		if err != nil {
			return ins, err
		}

		fidx, err := c.u8()
		if err != nil {
			return ins, err
		}

		val, err := c.u16()
		if err != nil {
			return ins, err
		}

		ins.A = ptr
		ins.StructID = sid
		ins.FieldIdx = fidx
		ins.Value = val

	case op == OpGlobLoad:
		idx, err := c.u16()
		if err != nil {
			return ins, err
		}

		ins.GlobalIdx = idx

	case op == OpGlobStore:
		idx, err := c.u16()
		if err != nil {
			return ins, err
		}

		val, err := c.u16()
		if err != nil {
			return ins, err
		}

		ins.GlobalIdx = idx
		ins.Value = val

	case op == OpVoidMemberCall || op == OpMemberCall:
		midx, err := c.u8()
		if err != nil {
			return ins, err
		}

		args, err := loadArgs(c)
		if err != nil {
			return ins, err
		}

		ins.MethodIdx = midx
		ins.Args = args

	default:
		return ins, newLoadError(c.off-1, "opcode", errors.New("unknown opcode %d", rawOp))
	}

	return ins, nil
}

func loadArgs(c *cursor) ([]Temp, error) {
	n, err := c.u16()
	if err != nil {
		return nil, err
	}

	args := make([]Temp, n)

	for i := range args {
		v, err := c.u16()
		if err != nil {
			return nil, err
		}

		args[i] = v
	}

	return args, nil
}
