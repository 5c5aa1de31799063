// Package engine ties the compiler (jit/back), the code heap
// (jit/mem), and the runtime (runtime) together into a running
// program (spec §4.9): a single unified function table addressed
// through RBP, lazy compile-on-first-call through a hand-written
// trampoline, and the fixed SpecialFunctions contract every compiled
// call to a negative FuncIdx resolves through.
package engine

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/google/uuid"
	"github.com/nikandfor/hacked/hfmt"
	"github.com/pierrec/lz4/v4"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/dlaxar/cijvm/bytecode"
	"github.com/dlaxar/cijvm/jit/back"
	"github.com/dlaxar/cijvm/jit/mem"
	"github.com/dlaxar/cijvm/runtime"
)

// Special function ids: re-exported from runtime.Special* (the
// canonical numbering both backends share) for callers that only ever
// touch the engine's table, not runtime directly.
const (
	SpecialAllocate      = runtime.SpecialAllocate
	SpecialBenchBegin    = runtime.SpecialBenchBegin
	SpecialBenchEnd      = runtime.SpecialBenchEnd
	SpecialPrintFloat    = runtime.SpecialPrintFloat
	SpecialAllocArray    = runtime.SpecialAllocArray
	SpecialPrintArrayInt = runtime.SpecialPrintArrayInt
	SpecialPrintDouble   = runtime.SpecialPrintDouble
	SpecialExit          = runtime.SpecialExit
	SpecialGetVTable     = runtime.SpecialGetVTable

	numSpecials = runtime.NumSpecials
)

// tableBase is the number of uintptr-sized slots reserved below the
// function table for the engine context: globals base pointer at
// table[0] ([RBP-16]) and the engine self pointer at table[1] ([RBP-8]).
const tableBase = 2

// Engine owns one loaded program's compiled state: the unified
// function table every CALL addresses through RBP, the code heap
// backing every compiled function, and the runtime's object heap.
type Engine struct {
	prog *bytecode.Program

	code *mem.CodeHeap
	objs *runtime.Heap

	globals []byte
	table   []uintptr
	segs    []*mem.CodeSegment // indexed like table[tableBase:], nil until compiled

	vtables map[uint8][]uint16

	numFuncs int

	opts Options

	// runID disambiguates dump filenames across engine runs against the
	// same program (spec §6's "-d"): without it, two back-to-back runs
	// of the same bytecode file would overwrite each other's dumps.
	runID string
}

// Options controls the engine's optional diagnostics (spec §6's "-d"
// persisted-state flag and its compression variant).
type Options struct {
	// Dump persists every compiled function's raw machine code to
	// function_<name>_<runID>.dump (plus a .dump.txt hex listing) as it
	// compiles.
	Dump bool

	// CompressDumps, when Dump is also set, lz4-compresses the .dump
	// file instead of writing raw bytes.
	CompressDumps bool
}

// New builds an Engine for prog: packs its globals, materializes one
// v-table array per struct, and pre-fills the function table with
// lazy-compile stubs.
func New(prog *bytecode.Program, opts Options) (*Engine, error) {
	prog.PackGlobals()

	size, err := prog.GlobalsSize()
	if err != nil {
		return nil, errors.Wrap(err, "globals size")
	}

	code, err := mem.NewCodeHeap()
	if err != nil {
		return nil, errors.Wrap(err, "new code heap")
	}

	objs, err := runtime.NewHeap()
	if err != nil {
		return nil, errors.Wrap(err, "new object heap")
	}

	e := &Engine{
		prog:     prog,
		code:     code,
		objs:     objs,
		globals:  make([]byte, size),
		numFuncs: len(prog.Funcs),
		opts:     opts,
		runID:    uuid.New().String(),
	}

	e.table = make([]uintptr, tableBase+e.numFuncs+numSpecials)
	e.segs = make([]*mem.CodeSegment, e.numFuncs)

	e.table[0] = uintptr(unsafe.Pointer(&e.globals[0]))
	e.table[1] = uintptr(unsafe.Pointer(e))

	if err := e.buildVTables(); err != nil {
		return nil, errors.Wrap(err, "build v-tables")
	}

	if err := e.installStubs(); err != nil {
		return nil, errors.Wrap(err, "install lazy-compile stubs")
	}

	e.installSpecials()

	return e, nil
}

// fptableBase is the address invoke/commonTrampoline index with *8:
// &e.table[tableBase], exactly what compiled code addresses as RBP.
func (e *Engine) fptableBase() uintptr {
	return uintptr(unsafe.Pointer(&e.table[tableBase]))
}

// buildVTables materializes one []uint16 method table per struct,
// translating bytecode.StructType.VTable's []int32 function indices
// (direct, positive user-function indices: the same unified table a
// compiled MEMBER_CALL indexes into) into the two-byte-element layout
// lowerMemberCall's OpMovMem(Size: 2) expects. The slices are kept
// alive for the Engine's lifetime in e.vtables so the GC never
// reclaims memory raw machine code still points into.
func (e *Engine) buildVTables() error {
	e.vtables = make(map[uint8][]uint16, len(e.prog.Structs))

	for id, s := range e.prog.Structs {
		vt := make([]uint16, len(s.VTable))

		for i, fidx := range s.VTable {
			if fidx < 0 || int(fidx) >= e.numFuncs {
				return errors.New("struct %d: v-table entry %d out of range (%d)", id, i, fidx)
			}

			vt[i] = uint16(fidx)
		}

		e.vtables[id] = vt
	}

	return nil
}

// installStubs writes one tiny per-function dispatch stub per user
// function into the code heap and points that function's table slot
// at it. Each stub is a handful of bytes: load the function's table
// index into R10 (a register never used for System-V arguments).
// commonTrampoline re-derives everything else from R10 and RBP.
func (e *Engine) installStubs() error {
	trampoline := commonTrampolineAddr()

	for i := range e.prog.Funcs {
		code := buildStub(uint32(i), trampoline)

		seg, err := e.code.Alloc(len(code))
		if err != nil {
			return errors.Wrap(err, "alloc stub for func %d", i)
		}

		if err := seg.Write(code); err != nil {
			return errors.Wrap(err, "write stub for func %d", i)
		}

		if err := seg.Flip(); err != nil {
			return errors.Wrap(err, "flip stub for func %d", i)
		}

		e.table[tableBase+i] = seg.Addr()
	}

	return nil
}

// installSpecials points every SpecialFunctions slot directly at its
// asm shim (jit/engine's trampoline_amd64.s): these never go through the
// lazy-compile path, they're ready the moment the engine exists.
func (e *Engine) installSpecials() {
	base := tableBase + e.numFuncs

	e.table[base+SpecialAllocate] = allocateShimAddr()
	e.table[base+SpecialBenchBegin] = benchBeginShimAddr()
	e.table[base+SpecialBenchEnd] = benchEndShimAddr()
	e.table[base+SpecialPrintFloat] = printFloatShimAddr()
	e.table[base+SpecialAllocArray] = allocArrayShimAddr()
	e.table[base+SpecialPrintArrayInt] = printArrayIntShimAddr()
	e.table[base+SpecialPrintDouble] = printDoubleShimAddr()
	e.table[base+SpecialExit] = exitShimAddr()
	e.table[base+SpecialGetVTable] = getVTableShimAddr()
}

// Run finds "main", invokes it through the same lazy function table
// every other call uses (no special-casing: main's slot starts out
// holding the same per-function stub as everything else), and returns
// its result.
func (e *Engine) Run() (int64, error) {
	idx := e.prog.FindFunc("main")
	if idx < 0 {
		return 0, errors.New("engine: no main function")
	}

	tr := tlog.Root().Spawn("run")
	defer tr.Finish()

	tr.Printw("invoking main", "func_idx", idx)

	return invoke(e.fptableBase(), uint64(idx)), nil
}

// Close releases the code heap and object heap. Once called, any
// compiled function still reachable through a stale table pointer is
// undefined to invoke.
func (e *Engine) Close() error {
	free, total := e.code.Stats()
	tlog.Printw("code heap stats", "free_pages", free, "total_pages", total)

	e.code.Close()

	return e.objs.Close()
}

// compileAndPatch is called by commonTrampoline (via engineCompileAndPatch)
// the first time function idx is reached through its table slot: it runs
// the full jit/back pipeline and patches the table with the result.
func (e *Engine) compileAndPatch(idx int) (uintptr, error) {
	if idx < 0 || idx >= e.numFuncs {
		return 0, errors.New("engine: compile request for out-of-range func %d", idx)
	}

	fn := e.prog.Funcs[idx]

	tr := tlog.Root().Spawn("compile")
	defer tr.Finish()

	tr.Printw("compiling", "func_idx", idx, "name", fn.Name)

	lirFn, err := back.Lower(e.prog, fn)
	if err != nil {
		return 0, errors.Wrap(err, "lower func %d", idx)
	}

	ivs := back.AnalyzeLifetimes(lirFn)
	alloc := back.Allocate(lirFn, ivs)

	code, err := back.Emit(e.prog, fn, lirFn, alloc, ivs)
	if err != nil {
		return 0, errors.Wrap(err, "emit func %d", idx)
	}

	if e.opts.Dump {
		if err := e.dumpFunc(fn.Name, code); err != nil {
			tr.Printw("dump failed", "func_idx", idx, "name", fn.Name, "err", err)
		}
	}

	seg, err := e.code.Alloc(len(code))
	if err != nil {
		return 0, errors.Wrap(err, "alloc code for func %d", idx)
	}

	if err := seg.Write(code); err != nil {
		return 0, errors.Wrap(err, "write code for func %d", idx)
	}

	if err := seg.Flip(); err != nil {
		return 0, errors.Wrap(err, "flip code for func %d", idx)
	}

	addr := seg.Addr()

	e.segs[idx] = seg
	e.table[tableBase+idx] = addr

	return addr, nil
}

// dumpFunc persists one function's compiled machine code (spec §6): the
// raw bytes that get copied into the code heap's executable page,
// tagged with this Engine's runID so repeated runs over the same
// program don't clobber each other's dumps. A plain-hex .dump.txt
// listing is always written alongside the binary dump for humans; the
// binary dump itself is lz4-compressed when opts.CompressDumps asks
// for it.
func (e *Engine) dumpFunc(name string, code []byte) error {
	base := fmt.Sprintf("function_%s_%s", name, e.runID)

	if err := e.writeHexListing(base+".dump.txt", code); err != nil {
		return errors.Wrap(err, "write hex listing")
	}

	if e.opts.CompressDumps {
		return e.writeCompressedDump(base+".dump", code)
	}

	if err := os.WriteFile(base+".dump", code, 0o644); err != nil {
		return errors.Wrap(err, "write %v", base+".dump")
	}

	return nil
}

// writeCompressedDump lz4-streams code into path, rather than writing
// it raw - useful once a hot program accumulates enough compiled
// functions that -d's own dumps start to matter as disk usage.
func (e *Engine) writeCompressedDump(path string, code []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create %v", path)
	}

	zw := lz4.NewWriter(f)

	_, werr := zw.Write(code)
	cerr := zw.Close()
	ferr := f.Close()

	if werr != nil {
		return errors.Wrap(werr, "lz4 write %v", path)
	}

	if cerr != nil {
		return errors.Wrap(cerr, "lz4 close %v", path)
	}

	return errors.Wrap(ferr, "close %v", path)
}

// writeHexListing renders code as "offset: hex bytes" lines through
// hfmt.Appendf, the same []byte-accumulator formatting style
// slowlang-slow's own compiler/format package uses to build its
// disassembly text.
func (e *Engine) writeHexListing(path string, code []byte) error {
	var b []byte

	for off := 0; off < len(code); off += 16 {
		end := off + 16
		if end > len(code) {
			end = len(code)
		}

		b = hfmt.Appendf(b, "%06x: ", off)

		for _, c := range code[off:end] {
			b = hfmt.Appendf(b, "%02x ", c)
		}

		b = hfmt.Appendf(b, "\n")
	}

	return errors.Wrap(os.WriteFile(path, b, 0o644), "write %v", path)
}

// runtime callback bodies invoked through the SpecialFunctions shims.
// Each receives the hidden engine-pointer argument jit/back/calls.go's
// setupCall always loads first; none of them need it beyond routing to
// this Engine's own runtime.Heap, so it's accepted and ignored except
// where noted.

func (e *Engine) allocate(size int64) int64 {
	addr, err := e.objs.AllocateObject(size)
	if err != nil {
		tlog.Printw("allocate failed", "err", err)

		return 0
	}

	return int64(addr)
}

func (e *Engine) allocArray(elemSize, base, count int64) int64 {
	addr, err := e.objs.AllocateArray(elemSize, base, count)
	if err != nil {
		tlog.Printw("allocate array failed", "err", err)

		return 0
	}

	return int64(addr)
}

func (e *Engine) getVTable(structID int64) int64 {
	vt, ok := e.vtables[uint8(structID)]
	if !ok || len(vt) == 0 {
		return 0
	}

	return int64(uintptr(unsafe.Pointer(&vt[0])))
}
