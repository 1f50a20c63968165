package vmm

import (
	"hermitgo/kernel"
	"hermitgo/kernel/mm"
)

// Allocate reserves a virtual address range, backs every page in it with a
// freshly allocated physical frame and tags the range with domain's
// protection key. executeDisable additionally marks the range non-executable.
// It returns the virtual address of the start of the range.
func Allocate(size uintptr, domain Domain, executeDisable bool) (uintptr, *kernel.Error) {
	key, domFlags, err := keyAndFlags(domain)
	if err != nil {
		return 0, err
	}

	size = (size + pageSizeMinus1) &^ pageSizeMinus1
	virtAddr, err := VirtAlloc(size)
	if err != nil {
		return 0, err
	}

	flags := FlagPresent | FlagRW | domFlags
	if executeDisable {
		flags |= FlagNoExecute
	}

	pageCount := size >> mm.PageShift
	startPage := mm.PageFromAddress(virtAddr)
	for i := uintptr(0); i < pageCount; i++ {
		frame, ferr := mm.AllocFrame()
		if ferr != nil {
			return 0, ferr
		}
		if _, err := Map[Base](startPage+mm.Page(i), frame, flags, false); err != nil {
			return 0, err
		}
	}

	if err := SetKeyOnRange(startPage, pageCount, key); err != nil {
		return 0, err
	}

	return virtAddr, nil
}

// Deallocate releases every physical frame backing [virtAddr, virtAddr+size)
// and returns the virtual range to the free list.
func Deallocate(virtAddr uintptr, size uintptr) *kernel.Error {
	size = (size + pageSizeMinus1) &^ pageSizeMinus1
	pageCount := size >> mm.PageShift
	startPage := mm.PageFromAddress(virtAddr)

	for i := uintptr(0); i < pageCount; i++ {
		page := startPage + mm.Page(i)

		// Resolve the backing frame and withdraw the mapping under one
		// lock acquisition so a concurrent fault cannot observe the
		// half-released page.
		acquireMMULockFn()
		pte, _, err := pteForAddress(page.Address())
		if err != nil {
			releaseMMULockFn()
			return err
		}
		frame := pte.Frame()
		err = unmapBaseLocked(page)
		releaseMMULockFn()

		if err != nil {
			return err
		}
		if err := mm.FreeFrame(frame); err != nil {
			return err
		}
	}

	return VirtFree(virtAddr, size)
}

// ReserveHeap reserves a virtual address range for a task heap without
// backing it with physical memory. Each page is left non-present, flagged
// FlagLazyHeap and tagged with domain's protection key; the page fault
// handler installed by Init backs a page with a freshly zeroed frame the
// first time it is touched, keeping the key recorded at reservation.
func ReserveHeap(size uintptr, domain Domain, executeDisable bool) (uintptr, *kernel.Error) {
	key, domFlags, err := keyAndFlags(domain)
	if err != nil {
		return 0, err
	}

	size = (size + pageSizeMinus1) &^ pageSizeMinus1
	virtAddr, err := VirtAlloc(size)
	if err != nil {
		return 0, err
	}

	flags := FlagLazyHeap | domFlags
	if executeDisable {
		flags |= FlagNoExecute
	}

	pageCount := size >> mm.PageShift
	startPage := mm.PageFromAddress(virtAddr)
	for i := uintptr(0); i < pageCount; i++ {
		if err := reserveLazy(startPage+mm.Page(i), flags, key); err != nil {
			return 0, err
		}
	}

	return virtAddr, nil
}
