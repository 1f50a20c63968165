package vmm

import (
	"hermitgo/kernel"
	"hermitgo/kernel/mm"
)

// PageInit is the single entry point external callers (the boot trampoline,
// the scheduler) use to bring up virtual memory management. It mirrors
// Init, named to match the external page_init/PageInit naming used by the
// rest of the address-space API below.
func PageInit(kernelPageOffset, heapStart, heapEnd uintptr) *kernel.Error {
	return Init(kernelPageOffset, heapStart, heapEnd)
}

// PageMap installs npages contiguous Base-page mappings starting at
// virtAddr/physAddr with the given flags, rounding both addresses down to
// their containing page. It is the byte-address, range-oriented counterpart
// of Map[Base] for callers that do not already deal in mm.Page/mm.Frame
// values. doIPI is consulted only when a page in the range replaces an
// already-present mapping: set it to request a cross-CPU TLB shootdown for
// the replaced entries, or leave it false when the caller knows no other
// CPU can have cached a stale translation. PageMap reports whether any page
// in the range replaced a pre-existing mapping.
func PageMap(virtAddr, physAddr uintptr, npages uintptr, flags PageTableEntryFlag, doIPI bool) (bool, *kernel.Error) {
	var replacedAny bool

	startPage := mm.PageFromAddress(virtAddr)
	startFrame := mm.FrameFromAddress(physAddr)
	for i := uintptr(0); i < npages; i++ {
		replaced, err := Map[Base](startPage+mm.Page(i), startFrame+mm.Frame(i), flags, doIPI)
		if err != nil {
			return replacedAny, err
		}
		replacedAny = replacedAny || replaced
	}

	return replacedAny, nil
}

// PageUnmap removes the npages contiguous Base-page mappings starting at
// virtAddr.
func PageUnmap(virtAddr uintptr, npages uintptr) *kernel.Error {
	startPage := mm.PageFromAddress(virtAddr)
	for i := uintptr(0); i < npages; i++ {
		if err := Unmap[Base](startPage + mm.Page(i)); err != nil {
			return err
		}
	}
	return nil
}

// VirtToPhys resolves the physical address currently backing virtAddr. It
// is a byte-address wrapper around Translate and inherits Translate's panic
// when virtAddr is not mapped.
func VirtToPhys(virtAddr uintptr) uintptr {
	return Translate(virtAddr)
}

// GetPageSize returns the size, in bytes, of a Base page. Size-specific
// variants are available as Large{}.Bytes() and Huge{}.Bytes().
func GetPageSize() uintptr {
	return mm.PageSize
}
