package mem

import (
	"unsafe"

	"tlog.app/go/errors"
)

// CodeSegment is a page-aligned region of the code heap, currently
// either writable (RW, while the emitter is copying bytes in) or
// executable (RX, once flipped for invocation).
type CodeSegment struct {
	heap   *CodeHeap
	page   int
	region []byte
	access Access
	size   int
}

// Write copies code into the segment. Only valid while RW.
func (s *CodeSegment) Write(code []byte) error {
	if s.access != AccessRW {
		return errors.New("code segment: write while not RW")
	}

	if len(code) > len(s.region) {
		return errors.New("code segment: code (%d bytes) exceeds segment size (%d)", len(code), len(s.region))
	}

	copy(s.region, code)
	s.size = len(code)

	return nil
}

// Flip toggles the segment's protection between RW and RX.
func (s *CodeSegment) Flip() error {
	var pm PageManager

	next := AccessRX
	if s.access == AccessRX {
		next = AccessRW
	}

	if err := pm.ChangeAccess(s.region, next); err != nil {
		return errors.Wrap(err, "flip code segment")
	}

	s.access = next

	return nil
}

// Addr returns the entry address of the segment. Only meaningful once
// the segment holds real code (after Write).
func (s *CodeSegment) Addr() uintptr {
	return uintptr(unsafe.Pointer(&s.region[0]))
}

// Release returns the segment's page to the heap.
func (s *CodeSegment) Release() error {
	return s.heap.free_(s.page)
}
