package asm

import (
	"encoding/binary"

	"tlog.app/go/errors"
)

// Builder is a code buffer: an append-only byte slice plus the methods
// to encode the AMD64 instruction subset the machine emitter needs.
// Build() terminates the buffer with a trap so a fall-off-the-end path
// crashes deterministically.
type Builder struct {
	b []byte
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Len() int { return len(b.b) }

// Build finalizes the buffer: appends ud2 and returns the bytes.
func (b *Builder) Build() []byte {
	b.b = append(b.b, 0x0F, 0x0B) // ud2

	return b.b
}

func (b *Builder) emit(bs ...byte) { b.b = append(b.b, bs...) }

// needsByteRexEscape reports whether a byte-sized access to r needs a
// forced empty REX prefix so that SIL/DIL/BPL/SPL are selected instead
// of AH/CH/DH/BH.
func needsByteRexEscape(r Reg) bool {
	return r == RSI || r == RDI || r == RBP || r == RSP
}

// encodeModRM appends ModR/M (+ SIB + disp) bytes for `reg op rm`
// (reg is the /reg field, rm is the r/m operand) and reports whether
// REX.X / REX.B must be set.
func encodeModRM(out []byte, regField int, rm RegMem) (res []byte, rexX, rexB bool) {
	regLow := byte(regField & 7)

	switch {
	case rm.IsReg():
		rmLow := rm.Reg().low3()
		rexB = rm.Reg().Extended()
		out = append(out, 0xC0|regLow<<3|rmLow)

	case rm.IsXmm():
		rmLow := rm.Xmm().low3()
		rexB = rm.Xmm().Extended()
		out = append(out, 0xC0|regLow<<3|rmLow)

	default:
		m := rm.Mem()
		baseLow := m.Base.low3()
		rexB = m.Base.Extended()

		hasIndex := m.Index != NoReg
		needSIB := hasIndex || baseLow == 4 // RSP/R12 family forces SIB

		var sib byte
		haveSIB := false

		if needSIB {
			haveSIB = true

			idx := byte(4) // no index
			var scaleBits byte

			if hasIndex {
				idx = m.Index.low3()
				rexX = m.Index.Extended()

				switch m.Scale {
				case 1:
					scaleBits = 0
				case 2:
					scaleBits = 1
				case 4:
					scaleBits = 2
				case 8:
					scaleBits = 3
				default:
					panic("invalid scale")
				}
			}

			sib = scaleBits<<6 | idx<<3 | baseLow
		}

		baseIsBPFamily := baseLow == 5

		var mod byte
		var disp []byte

		switch {
		case m.Disp == 0 && !baseIsBPFamily:
			mod = 0x00
		case m.Disp >= -128 && m.Disp <= 127:
			mod = 0x01
			disp = []byte{byte(int8(m.Disp))}
		default:
			mod = 0x02
			disp = make([]byte, 4)
			binary.LittleEndian.PutUint32(disp, uint32(m.Disp))
		}

		var rmField byte
		if haveSIB {
			rmField = 4
		} else {
			rmField = baseLow
		}

		out = append(out, mod<<6|regLow<<3|rmField)

		if haveSIB {
			out = append(out, sib)
		}

		out = append(out, disp...)
	}

	return out, rexX, rexB
}

// rex appends a REX prefix if w/r/x/b or force require one.
func (b *Builder) rex(w, r, x, bb, force bool) {
	if !w && !r && !x && !bb && !force {
		return
	}

	var rex byte = 0x40

	if w {
		rex |= 1 << 3
	}
	if r {
		rex |= 1 << 2
	}
	if x {
		rex |= 1 << 1
	}
	if bb {
		rex |= 1 << 0
	}

	b.emit(rex)
}

// opRegRM appends REX + opcode + ModR/M(+SIB+disp) for `reg op rm`,
// where regField is a full (possibly extended) register number used
// purely as the ModR/M reg field (not necessarily a GP register — the
// caller may pass an opcode extension digit instead).
func (b *Builder) opRegRM(w bool, opcode []byte, regField int, regExt bool, rm RegMem, size Size) {
	body, rexX, rexB := encodeModRM(nil, regField, rm)

	forceEmptyRex := size == Byte && ((rm.IsReg() && needsByteRexEscape(rm.Reg()) && !rm.Reg().Extended()) ||
		(regField < 16 && needsByteRexEscape(Reg(regField)) && !regExt))

	b.rex(w, regExt, rexX, rexB, forceEmptyRex)
	b.emit(opcode...)
	b.emit(body...)
}

// --- data movement ---

// MovRegReg moves src into dst at the given size.
func (b *Builder) MovRegReg(dst, src Reg, size Size) {
	if size == Word {
		b.emit(0x66)
	}

	op := byte(0x89) // mov r/m, r

	if size == Byte {
		op = 0x88
	}

	b.opRegRM(size == Qword, []byte{op}, int(src), src.Extended(), RM(dst), size)
}

// MovRegMem loads from memory into dst, at the given size. Integer
// loads below qword are always sign-extended (see the JIT's
// MOV_MEM → machine mapping; this mirrors declared-signedness-blind
// behaviour inherited from the reference implementation).
func (b *Builder) MovRegMem(dst Reg, src Mem, size Size) {
	switch size {
	case Byte:
		b.opRegRM(false, []byte{0x0F, 0xBE}, int(dst), dst.Extended(), MM(src), Qword)
	case Word:
		b.opRegRM(false, []byte{0x0F, 0xBF}, int(dst), dst.Extended(), MM(src), Qword)
	case Dword:
		b.opRegRM(true, []byte{0x63}, int(dst), dst.Extended(), MM(src), Qword) // movsxd
	case Qword:
		b.opRegRM(true, []byte{0x8B}, int(dst), dst.Extended(), MM(src), Qword)
	}
}

// MovMemReg stores src to memory at the given size.
func (b *Builder) MovMemReg(dst Mem, src Reg, size Size) {
	if size == Word {
		b.emit(0x66)
	}

	op := byte(0x89)
	if size == Byte {
		op = 0x88
	}

	b.opRegRM(size == Qword, []byte{op}, int(src), src.Extended(), MM(dst), size)
}

// MovImm materializes an immediate into dst. Value 0 emits xor reg,reg;
// a value that fits in signed int32 emits `mov r/m64, imm32` (7 bytes);
// anything wider emits the full `mov r64, imm64` form (10 bytes).
func (b *Builder) MovImm(dst Reg, v int64) {
	switch {
	case v == 0:
		b.Xor(dst, dst)
	case v >= -(1<<31) && v < (1<<31):
		b.opRegRM(true, []byte{0xC7}, 0, false, RM(dst), Qword)

		var imm [4]byte
		binary.LittleEndian.PutUint32(imm[:], uint32(int32(v)))
		b.emit(imm[:]...)
	default:
		b.rex(true, false, false, dst.Extended(), false)
		b.emit(0xB8 + dst.low3())

		var imm [8]byte
		binary.LittleEndian.PutUint64(imm[:], uint64(v))
		b.emit(imm[:]...)
	}
}

// Xor computes dst ^= src (used for the zero-register idiom).
func (b *Builder) Xor(dst, src Reg) {
	b.opRegRM(true, []byte{0x31}, int(src), src.Extended(), RM(dst), Qword)
}

// --- arithmetic ---

func (b *Builder) arith(opReg, opDigit byte, dst RegMem, src RegMem, size Size) {
	switch {
	case dst.IsReg() && !src.IsMem():
		b.opRegRM(size == Qword, []byte{opReg | 0x02}, int(dst.Reg()), dst.Reg().Extended(), src, size) // r, r/m form
	case dst.IsReg() && src.IsMem():
		b.opRegRM(size == Qword, []byte{opReg | 0x02}, int(dst.Reg()), dst.Reg().Extended(), src, size) // r, r/m form
	default:
		_ = opDigit
		panic("arith: unsupported operand combination")
	}
}

func (b *Builder) Add(dst Reg, src RegMem, size Size) { b.arith(0x01, 0, RM(dst), src, size) }
func (b *Builder) Sub(dst Reg, src RegMem, size Size) { b.arith(0x29, 5, RM(dst), src, size) }
func (b *Builder) And(dst Reg, src RegMem, size Size) { b.arith(0x21, 4, RM(dst), src, size) }
func (b *Builder) Or(dst Reg, src RegMem, size Size)  { b.arith(0x09, 1, RM(dst), src, size) }

// Mul computes RDX:RAX = RAX * src (single-operand imul form used for
// both signed multiplication results the lowering needs).
func (b *Builder) Mul(src RegMem, size Size) {
	b.opRegRM(size == Qword, []byte{0xF7}, 5, false, src, size)
}

// IMul computes dst *= src, the two-operand signed-multiply form the
// non-destructive `MOV dst,lhs; OP dst,rhs` arithmetic lowering uses.
func (b *Builder) IMul(dst Reg, src RegMem, size Size) {
	b.opRegRM(size == Qword, []byte{0x0F, 0xAF}, int(dst), dst.Extended(), src, size)
}

// addSubImm appends the `81 /digit` form: dst OP= imm32 (sign-extended).
func (b *Builder) addSubImm(digit byte, dst Reg, imm int32, size Size) {
	b.opRegRM(size == Qword, []byte{0x81}, int(digit), false, RM(dst), size)

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(imm))
	b.emit(buf[:]...)
}

// AddImm computes dst += imm.
func (b *Builder) AddImm(dst Reg, imm int32, size Size) { b.addSubImm(0, dst, imm, size) }

// SubImm computes dst -= imm.
func (b *Builder) SubImm(dst Reg, imm int32, size Size) { b.addSubImm(5, dst, imm, size) }

// Cqo sign-extends RAX into RDX:RAX ahead of a 64-bit idiv.
func (b *Builder) Cqo() {
	b.rex(true, false, false, false, false)
	b.emit(0x99)
}

// Idiv divides RDX:RAX by src, leaving quotient in RAX and remainder in
// RDX.
func (b *Builder) Idiv(src RegMem, size Size) {
	b.opRegRM(size == Qword, []byte{0xF7}, 7, false, src, size)
}

// Cmp compares lhs with rhs, setting flags for a following Setcc/Jnz.
func (b *Builder) Cmp(lhs Reg, rhs RegMem, size Size) {
	b.opRegRM(size == Qword, []byte{0x3B}, int(lhs), lhs.Extended(), rhs, size)
}

// Test computes lhs & rhs and sets flags, without storing a result.
func (b *Builder) Test(lhs Reg, rhs Reg, size Size) {
	b.opRegRM(size == Qword, []byte{0x85}, int(rhs), rhs.Extended(), RM(lhs), size)
}

// Setcc stores the named condition flag (0/1) into an 8-bit register.
func (b *Builder) Setcc(dst Reg, cond Cond) {
	b.opRegRM(false, []byte{0x0F, cond.setccOpcode()}, 0, false, RM(dst), Byte)
}

// Neg negates dst in place.
func (b *Builder) Neg(dst Reg, size Size) {
	b.opRegRM(size == Qword, []byte{0xF7}, 3, false, RM(dst), size)
}

// Not performs a bitwise not of dst in place.
func (b *Builder) Not(dst Reg, size Size) {
	b.opRegRM(size == Qword, []byte{0xF7}, 2, false, RM(dst), size)
}

// --- control flow ---

// Jmp appends an unconditional rel32 jump with a placeholder
// displacement and returns the byte offset of the 4-byte placeholder,
// to be patched later with PatchRel32.
func (b *Builder) Jmp() (patchOffset int) {
	b.emit(0xE9)
	patchOffset = len(b.b)
	b.emit(0, 0, 0, 0)

	return patchOffset
}

// Jnz appends a conditional (not-zero) rel32 jump and returns the
// placeholder's offset.
func (b *Builder) Jnz() (patchOffset int) {
	b.emit(0x0F, 0x85)
	patchOffset = len(b.b)
	b.emit(0, 0, 0, 0)

	return patchOffset
}

// PatchRel32 backpatches a 4-byte placeholder at offset with
// target - (offset+4), little-endian two's complement.
func (b *Builder) PatchRel32(offset int, target int) {
	rel := int32(target - (offset + 4))
	binary.LittleEndian.PutUint32(b.b[offset:offset+4], uint32(rel))
}

// Push pushes a 64-bit register.
func (b *Builder) Push(r Reg) {
	b.rex(false, false, false, r.Extended(), false)
	b.emit(0x50 + r.low3())
}

// Pop pops into a 64-bit register.
func (b *Builder) Pop(r Reg) {
	b.rex(false, false, false, r.Extended(), false)
	b.emit(0x58 + r.low3())
}

// CallMem performs an indirect call through a memory operand (used for
// the function-table and v-table call sites).
func (b *Builder) CallMem(target Mem) {
	b.opRegRM(false, []byte{0xFF}, 2, false, MM(target), Qword)
}

// CallReg performs an indirect call through a register.
func (b *Builder) CallReg(target Reg) {
	b.opRegRM(false, []byte{0xFF}, 2, false, RM(target), Qword)
}

// JmpReg performs an unconditional indirect jump through a register,
// the tail-call form the lazy-compile dispatch stubs use to hand off
// to commonTrampoline.
func (b *Builder) JmpReg(target Reg) {
	b.opRegRM(false, []byte{0xFF}, 4, false, RM(target), Qword)
}

// Ret emits a near return.
func (b *Builder) Ret() { b.emit(0xC3) }

// --- SSE scalar float ---

func ssePrefix(size Size) byte {
	if size == Dword {
		return 0xF3 // single
	}

	return 0xF2 // double
}

// MovF moves a scalar float between an XMM register and a RegMem
// (xmm or mem), at the given size (Dword = single, Qword = double).
func (b *Builder) MovF(dst Xmm, src RegMem, size Size) {
	b.emit(ssePrefix(size))
	b.opRegRM(false, []byte{0x0F, 0x10}, int(dst), dst.Extended(), src, Qword)
}

// MovFStore stores an XMM register to memory.
func (b *Builder) MovFStore(dst Mem, src Xmm, size Size) {
	b.emit(ssePrefix(size))
	b.opRegRM(false, []byte{0x0F, 0x11}, int(src), src.Extended(), MM(dst), Qword)
}

// FaddF adds src into dst (scalar, single or double per size).
func (b *Builder) FaddF(dst Xmm, src RegMem, size Size) {
	b.emit(ssePrefix(size))
	b.opRegRM(false, []byte{0x0F, 0x58}, int(dst), dst.Extended(), src, Qword)
}

// DivF divides dst by src (scalar, single or double per size). A
// memory second source is not supported: the emitter must load it into
// an XMM register first (spec §7, emitter capability error).
func (b *Builder) DivF(dst Xmm, src RegMem, size Size) error {
	if src.IsMem() {
		return errors.New("divf: memory second source not implemented")
	}

	b.emit(ssePrefix(size))
	b.opRegRM(false, []byte{0x0F, 0x5E}, int(dst), dst.Extended(), src, Qword)

	return nil
}

// MovI2F reinterprets an integer register's bits into an XMM register
// (movd for 32-bit, movq for 64-bit).
func (b *Builder) MovI2F(dst Xmm, src Reg, size Size) {
	b.emit(0x66)
	b.opRegRM(size == Qword, []byte{0x0F, 0x6E}, int(dst), dst.Extended(), RM(src), Qword)
}
