package runtime

import (
	"fmt"
	"math"
	"os"
	"time"

	"tlog.app/go/tlog"
	"unsafe"
)

// PrintFloat and PrintDouble print a single IEEE-754 value, called
// through the PRINT_FLOAT/PRINT_DOUBLE special-function slots. Compiled
// code passes the value in XMM0 and jit/engine's shim moves its bit
// pattern into an integer argument; the interpreter passes its slot's
// raw bits. So both take the pattern and decode it.
func PrintFloat(bits int64) {
	fmt.Printf("%v\n", math.Float32frombits(uint32(bits)))
}

func PrintDouble(bits int64) {
	fmt.Printf("%v\n", math.Float64frombits(uint64(bits)))
}

// PrintArrayInt prints a bracketed, comma-separated dump of a 32-bit
// int array, reading its length header at ptr+0 and elements starting
// at ptr+8 (Heap.AllocateArray's layout, matching what
// jit/back/lowering.go's OpLength/OpLoadIdx emit).
func PrintArrayInt(ptr uintptr) {
	n := *(*int32)(unsafe.Pointer(ptr))

	data := (*[1 << 28]int32)(unsafe.Pointer(ptr + 8))

	fmt.Print("[")

	for i := int32(0); i < n; i++ {
		if i > 0 {
			fmt.Print(", ")
		}

		fmt.Print(data[i])
	}

	fmt.Println("]")
}

// Exit flushes and terminates the process with code, mirroring the
// original runtime's exit special (it logs the code through tlog
// before exiting).
func Exit(code int64) {
	tlog.Printw("program exit", "code", code)
	os.Exit(int(code))
}

// benchClock is the stopwatch's time source; it is time.Now.
var benchClock = time.Now

// BenchBegin/BenchEnd implement the START/END special functions: a
// wall-clock stopwatch a compiled program can straddle around a region
// it wants timed. Only one stopwatch runs at a time, matching the
// original's single pair of static clocks.
var benchStart time.Time

func BenchBegin() {
	benchStart = benchClock()
}

func BenchEnd() {
	tlog.Printw("bench", "elapsed", benchClock().Sub(benchStart))
}
