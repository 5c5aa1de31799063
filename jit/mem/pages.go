// Package mem abstracts the host OS's virtual memory primitives:
// reserve/commit/protect/free over page-granular regions, and a code
// heap built on top that hands out one-page executable segments.
package mem

import (
	"tlog.app/go/errors"
	"golang.org/x/sys/unix"
)

const PageSize = 4096

// Access is the protection level of a mapped region.
type Access int

const (
	AccessNone Access = iota
	AccessRW
	AccessRX
)

func (a Access) prot() int {
	switch a {
	case AccessNone:
		return unix.PROT_NONE
	case AccessRW:
		return unix.PROT_READ | unix.PROT_WRITE
	case AccessRX:
		return unix.PROT_READ | unix.PROT_EXEC
	default:
		panic(a)
	}
}

// PageManager wraps the raw mmap/mprotect/munmap syscalls with the
// reserve/commit/protect/free vocabulary the code heap needs.
type PageManager struct{}

// Reserve reserves size bytes of address space with no access,
// returning the backing slice (whose address is the region's base).
func (PageManager) Reserve(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(err, "mmap reserve")
	}

	return b, nil
}

// ChangeAccess changes the protection of an already-mapped region.
func (PageManager) ChangeAccess(region []byte, access Access) error {
	if err := unix.Mprotect(region, access.prot()); err != nil {
		return errors.Wrap(err, "mprotect")
	}

	return nil
}

// Free releases a previously reserved region back to the OS.
func (PageManager) Free(region []byte) error {
	if err := unix.Munmap(region); err != nil {
		return errors.Wrap(err, "munmap")
	}

	return nil
}
