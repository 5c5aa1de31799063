package set

import "math/bits"

// Key is the integer id type a Bits set is keyed by.
type Key interface {
	~int | ~int64
}

// Bits is a generic word-sliced bitset keyed by any small integer type,
// offset by a base so a key range that doesn't start near zero (e.g.
// genReg ids) doesn't waste its low words. jit/back's register
// allocator uses one (Bits[genReg]) to track which callee-saved
// registers got handed out; only the operations that call site needs
// are kept here — Copy/Merge/Intersect/Substract/Size/IsSet/Clear/
// SetAll/TlogAppend/Reset/Strip have no exercised call site in this
// project and were trimmed, the same way internal/set/bitmap.go was
// trimmed to CodeHeap's actual usage.
type Bits[K Key] struct {
	base K
	b    []uint64
	b0   [2]uint64
}

func MakeBits[K Key](base K) Bits[K] {
	s := Bits[K]{base: base}
	s.b = s.b0[:]

	return s
}

func (s *Bits[K]) Set(k K) {
	i, j := s.ij(k)

	s.grow(i)

	s.b[i] |= 1 << j
}

// Range visits every set key in increasing order.
func (s Bits[K]) Range(f func(k K) bool) {
	for i, x := range s.b {
		if x == 0 {
			continue
		}

		for j := bits.TrailingZeros64(x); j < bits.Len64(x); j++ {
			if x&(1<<j) == 0 {
				continue
			}

			if !f(s.base + K(i*64+j)) {
				return
			}
		}
	}
}

func (s *Bits[K]) ij(k K) (i int, j int) {
	p := int(k - s.base)

	return p / 64, p % 64
}

func (s *Bits[K]) grow(i int) {
	if s.b == nil {
		s.b = s.b0[:]
	}

	for i >= cap(s.b) {
		s.b = append(s.b[:cap(s.b)], 0)
	}

	s.b = s.b[:cap(s.b)]
}
