package set

import "testing"

type vreg int

func TestBitsSetAndRange(t *testing.T) {
	s := MakeBits[vreg](0)

	s.Set(5)
	s.Set(64)

	var seen []vreg

	s.Range(func(v vreg) bool {
		seen = append(seen, v)

		return true
	})

	if len(seen) != 2 || seen[0] != 5 || seen[1] != 64 {
		t.Fatalf("expected Range to visit {5, 64} in order, got %v", seen)
	}
}

func TestBitsBaseOffset(t *testing.T) {
	// VReg-like ids in this project can start well above zero; Bits'
	// base lets the backing words start at the first id actually used
	// instead of wasting space below it.
	s := MakeBits[vreg](1000)

	s.Set(1000)
	s.Set(1001)

	var seen []vreg

	s.Range(func(v vreg) bool {
		seen = append(seen, v)

		return true
	})

	if len(seen) != 2 || seen[0] != 1000 || seen[1] != 1001 {
		t.Fatalf("expected ids 1000 and 1001 relative to base, got %v", seen)
	}
}

func TestBitsRangeStopsEarly(t *testing.T) {
	s := MakeBits[vreg](0)
	s.Set(1)
	s.Set(2)
	s.Set(3)

	var seen []vreg

	s.Range(func(v vreg) bool {
		seen = append(seen, v)

		return v != 2
	})

	if len(seen) != 2 {
		t.Fatalf("expected Range to stop once f returns false, visited %v", seen)
	}
}

func TestBitsGrowsAcrossWords(t *testing.T) {
	s := MakeBits[vreg](0)
	s.Set(200)

	found := false

	s.Range(func(v vreg) bool {
		if v == 200 {
			found = true
		}

		return true
	})

	if !found {
		t.Fatal("expected Set to grow the backing words past the initial inline size")
	}
}
