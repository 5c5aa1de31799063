package mem

import (
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
	"golang.org/x/sys/unix"

	"github.com/dlaxar/cijvm/internal/set"
)

// reservedSize is the size of the address-space region the code heap
// reserves up front: two gibibytes.
const reservedSize = 2 << 30

// CodeHeap reserves a large region of address space once, and hands
// out page-granular CodeSegments. It keeps a page bitmap of free pages;
// requests for more than one page fail.
type CodeHeap struct {
	region []byte
	free   set.Bitmap
	npages int
}

func NewCodeHeap() (*CodeHeap, error) {
	var pm PageManager

	region, err := pm.Reserve(reservedSize)
	if err != nil {
		return nil, errors.Wrap(err, "reserve code heap")
	}

	npages := reservedSize / PageSize

	h := &CodeHeap{
		region: region,
		free:   set.MakeBitmap(npages),
		npages: npages,
	}

	h.free.FillSet(0, npages)

	return h, nil
}

// Alloc hands out one page-aligned code segment. It fails if more than
// one page is requested.
func (h *CodeHeap) Alloc(size int) (*CodeSegment, error) {
	if size > PageSize {
		return nil, errors.New("code heap: cannot allocate more than one page (%d > %d)", size, PageSize)
	}

	page := h.free.First()
	if page < 0 {
		return nil, errors.New("code heap: out of pages")
	}

	h.free.Clear(page)

	base := h.region[page*PageSize : (page+1)*PageSize]

	var pm PageManager

	if err := pm.ChangeAccess(base, AccessRW); err != nil {
		return nil, errors.Wrap(err, "commit page %d", page)
	}

	tlog.Printw("code heap alloc", "page", page, "size", size)

	return &CodeSegment{
		heap:   h,
		page:   page,
		region: base,
		access: AccessRW,
		size:   size,
	}, nil
}

// free_ returns a page to the free list, decommitting it.
func (h *CodeHeap) free_(page int) error {
	base := h.region[page*PageSize : (page+1)*PageSize]

	var pm PageManager

	if err := pm.ChangeAccess(base, AccessNone); err != nil {
		return errors.Wrap(err, "decommit page %d", page)
	}

	if err := unix.Madvise(base, unix.MADV_DONTNEED); err != nil {
		return errors.Wrap(err, "madvise dontneed page %d", page)
	}

	h.free.Set(page)

	return nil
}

// Stats reports how many of the heap's pages are still free, for
// --log diagnostics at process exit.
func (h *CodeHeap) Stats() (free, total int) {
	return h.free.Size(), h.npages
}

// Close releases the entire reserved region back to the OS. Errors
// during teardown are diagnostics only, never propagated from a defer.
func (h *CodeHeap) Close() {
	var pm PageManager

	if err := pm.Free(h.region); err != nil {
		tlog.Printw("code heap close failed", "err", err)
	}
}
