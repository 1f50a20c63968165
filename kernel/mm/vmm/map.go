package vmm

import (
	"hermitgo/kernel"
	"hermitgo/kernel/cpu"
	"hermitgo/kernel/kfmt"
	"hermitgo/kernel/mm"
	"hermitgo/kernel/sync"
	"unsafe"
)

var (
	// mmuLock serializes every access to the active page table hierarchy.
	// It masks interrupts while held: the page fault handler acquires the
	// same lock, and a fault raised while another task on this CPU is
	// mid-update would otherwise deadlock against it.
	mmuLock sync.IRQSpinlock

	// acquireMMULockFn/releaseMMULockFn are used by tests to observe or
	// bypass hierarchy locking without the interrupt-masking primitives
	// only the real kernel provides.
	acquireMMULockFn = mmuLock.Acquire
	releaseMMULockFn = mmuLock.Release

	// nextAddrFn is used by used by tests to override the nextTableAddr
	// calculations used by Map. When compiling the kernel this function
	// will be automatically inlined.
	nextAddrFn = func(entryAddr uintptr) uintptr {
		return entryAddr
	}

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	vspaceReserveFn = VirtAlloc

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errNotCanonical      = &kernel.Error{Module: "vmm", Message: "virtual address is not canonical"}
	errOneGibUnsupported = &kernel.Error{Module: "vmm", Message: "CPU does not support 1GiB pages"}

	errUnalignedPhysAddr = &kernel.Error{Module: "vmm", Message: "physical address is not aligned to the entry's native page size"}
	errPhysAddrTooWide   = &kernel.Error{Module: "vmm", Message: "physical address exceeds the CPU's physical address width"}
	errRecursiveWindow   = &kernel.Error{Module: "vmm", Message: "virtual address falls inside the recursive page-table window"}

	// oneGibSupportedFn is used by tests to override cpu.SupportsOneGibPages.
	oneGibSupportedFn = cpu.SupportsOneGibPages

	// physAddrBitsFn is used by tests to override cpu.PhysicalAddressBits.
	physAddrBitsFn = cpu.PhysicalAddressBits

	// panicFn is used by tests to observe assertion failures without
	// actually halting the test binary.
	panicFn = kfmt.Panic
)

// assertValidLeafFrame panics unless frame can legally back a leaf of size
// sz: it must be aligned to the entry's native page size (the 2 MiB floor
// for Large/Huge, since a huge entry does not yet distinguish 2 MiB from
// 1 GiB at creation time) and fit within the CPU's physical address width.
// Both are programmer-bug classes that are unreachable in a correct
// caller, so they panic rather than returning an error.
func assertValidLeafFrame(frame mm.Frame, sz Size) {
	addr := frame.Address()

	alignMask := mm.PageSize - 1
	if sz.extraFlag()&FlagHugePage != 0 {
		alignMask = mm.LargePageSize - 1
	}
	if addr&alignMask != 0 {
		panicFn(errUnalignedPhysAddr)
	}

	if bits := physAddrBitsFn(); bits < 64 && addr>>bits != 0 {
		panicFn(errPhysAddrTooWide)
	}
}

// IsCanonicalAddress returns true if virtAddr is a valid amd64 virtual
// address, i.e. bits 48-63 replicate bit 47.
func IsCanonicalAddress(virtAddr uintptr) bool {
	return virtAddr < canonicalHoleStart || virtAddr >= canonicalHoleEnd
}

// inRecursiveWindow returns true if virtAddr is translated through the last
// entry of the top-level table. That entry implements the recursive
// self-mapping walk() depends on; installing or removing a mapping there
// would corrupt the hierarchy itself, so Map and Unmap reject the entire
// window it shadows.
func inRecursiveWindow(virtAddr uintptr) bool {
	topIndexMask := uintptr(1)<<pageLevelBits[0] - 1
	return (virtAddr>>pageLevelShifts[0])&topIndexMask == topIndexMask
}

// Map establishes a mapping between a virtual page and a physical memory
// frame of size S using the currently active page directory table. Calls to
// Map will use the currently registered physical frame allocator to
// initialize missing intermediate page tables.
//
// Map reports whether it replaced a pre-existing present mapping at page.
// The local TLB entry for page is always flushed when a replacement occurs;
// doIPI additionally requests a cross-CPU shootdown in that case, so that
// bulk boot-time mapping of never-before-present ranges can pass false and
// skip the IPI cost entirely.
//
// Mapping a non-canonical address or requesting a 1GiB page on a CPU that
// cannot map one indicates a caller bug and panics, like the frame
// alignment/width assertions in assertValidLeafFrame. panicFn never returns
// in the kernel; the error returns after it only serve tests that
// substitute it.
func Map[S Size](page mm.Page, frame mm.Frame, flags PageTableEntryFlag, doIPI bool) (replaced bool, err *kernel.Error) {
	if !IsCanonicalAddress(page.Address()) {
		panicFn(errNotCanonical)
		return false, errNotCanonical
	}
	if inRecursiveWindow(page.Address()) {
		return false, errRecursiveWindow
	}

	var sz S
	if _, isHuge := any(sz).(Huge); isHuge && !oneGibSupportedFn() {
		panicFn(errOneGibUnsupported)
		return false, errOneGibUnsupported
	}

	acquireMMULockFn()
	replaced, err = mapLocked[S](page, frame, flags, doIPI)
	releaseMMULockFn()
	return replaced, err
}

// mapLocked implements Map for callers that already hold the hierarchy
// lock, e.g. the page fault handler, which runs to completion with the lock
// held and installs mappings of its own while servicing a recoverable fault.
func mapLocked[S Size](page mm.Page, frame mm.Frame, flags PageTableEntryFlag, doIPI bool) (replaced bool, err *kernel.Error) {
	var sz S
	leaf := sz.leafLevel()

	walkTo(page.Address(), leaf, func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the leaf level all we need to do is to map the
		// frame in place, flag it as present and flush its TLB entry.
		if pteLevel == leaf {
			assertValidLeafFrame(frame, sz)
			replaced = pte.HasFlags(FlagPresent)
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | sz.extraFlag() | FlagAccessed | FlagDirty)
			flushTLBEntryFn(page.Address())
			if replaced && doIPI {
				sendShootdownFn()
			}
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it, map it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			newTableFrame, err = mm.AllocFrame()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			// The next pte entry becomes available but we need to
			// make sure that the new page is properly cleared.
			nextTableAddr := uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1]
			kernel.Memset(nextAddrFn(nextTableAddr), 0, mm.PageSize)
		}

		return true
	})

	return replaced, err
}

// Unmap removes a mapping of size S previously installed via Map. Unlike
// Map, Unmap always performs a full shootdown: invalidating a single CPU's
// TLB is never sufficient once a mapping has been withdrawn, since any
// other CPU may still be holding a stale translation for it.
func Unmap[S Size](page mm.Page) *kernel.Error {
	if inRecursiveWindow(page.Address()) {
		return errRecursiveWindow
	}

	acquireMMULockFn()
	err := unmapLocked[S](page, ShootdownTLB)
	releaseMMULockFn()
	return err
}

// unmapLocal removes a mapping of size S and invalidates only the local
// TLB, skipping the cross-CPU shootdown Unmap performs, so it suits only
// mappings that no other CPU can have cached. The per-CPU temporary mapping
// slot is torn down by unmapTemporaryLocked instead, which runs with the
// hierarchy lock already held.
func unmapLocal[S Size](page mm.Page) *kernel.Error {
	acquireMMULockFn()
	err := unmapLocked[S](page, flushTLBEntryFn)
	releaseMMULockFn()
	return err
}

// unmapBaseLocked removes a Base-page mapping with a full shootdown for
// callers that already hold the hierarchy lock.
func unmapBaseLocked(page mm.Page) *kernel.Error {
	return unmapLocked[Base](page, ShootdownTLB)
}

func unmapLocked[S Size](page mm.Page, invalidate func(uintptr)) *kernel.Error {
	var (
		sz   S
		leaf = sz.leafLevel()
		err  *kernel.Error
	)

	walkTo(page.Address(), leaf, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == leaf {
			pte.ClearFlags(FlagPresent)
			invalidate(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// MapRegion reserves the next available region of virtual address space big
// enough to hold size bytes, maps it to the physical memory region starting
// at frame using Base pages and returns the Page that corresponds to the
// region start. size is rounded up to the nearest page boundary. The range
// is freshly reserved virtual space, so no replacement is expected; doIPI is
// forwarded to Map in case a caller races a deallocation of the same range.
func MapRegion(frame mm.Frame, size uintptr, flags PageTableEntryFlag, doIPI bool) (mm.Page, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) &^ (mm.PageSize - 1)
	startAddr, err := vspaceReserveFn(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mm.PageShift
	for page := mm.PageFromAddress(startAddr); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if _, err := Map[Base](page, frame, flags, doIPI); err != nil {
			return 0, err
		}
	}

	return mm.PageFromAddress(startAddr), nil
}

// IdentityMapRegion establishes a Base-page identity mapping to the
// physical memory region which starts at the given frame and ends at
// frame + pages(size). The size argument is always rounded up to the
// nearest page boundary. It never requests an IPI: it is used exclusively
// for one-shot boot-time bulk mapping of ranges with no pre-existing
// mapping to replace, so there is never a stale translation on another CPU
// to invalidate.
func IdentityMapRegion(startFrame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	return IdentityMapRegionSize[Base](startFrame, size, flags)
}

// IdentityMapRegionSize is the size-S counterpart of IdentityMapRegion,
// used for boot-time ranges that must be identity mapped with Large or
// Huge pages rather than Base pages (see setupBootMappings).
func IdentityMapRegionSize[S Size](startFrame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	var sz S
	pageBytes := sz.Bytes()

	startAddr := startFrame.Address()
	endAddr := startAddr + ((size + (pageBytes - 1)) &^ (pageBytes - 1))

	for addr := startAddr; addr < endAddr; addr += pageBytes {
		if _, err := Map[S](mm.PageFromAddress(addr), mm.FrameFromAddress(addr), flags, false); err != nil {
			return 0, err
		}
	}

	return mm.PageFromAddress(startAddr), nil
}

// MapTemporary establishes a temporary RW mapping of a physical memory frame
// to a fixed virtual address, overwriting any previous mapping. The
// temporary mapping mechanism is used by the kernel to access and
// initialize inactive page tables. The temporary slot is never observed by
// another CPU, so no IPI is requested even though it is frequently
// replaced.
func MapTemporary(frame mm.Frame) (mm.Page, *kernel.Error) {
	acquireMMULockFn()
	page, err := mapTemporaryLocked(frame)
	releaseMMULockFn()
	return page, err
}

// mapTemporaryLocked implements MapTemporary for callers that already hold
// the hierarchy lock.
func mapTemporaryLocked(frame mm.Frame) (mm.Page, *kernel.Error) {
	if _, err := mapLocked[Base](mm.PageFromAddress(tempMappingAddr), frame, FlagPresent|FlagRW, false); err != nil {
		return 0, err
	}

	return mm.PageFromAddress(tempMappingAddr), nil
}

// unmapTemporaryLocked tears down a temporary mapping installed by
// mapTemporaryLocked. Only the local TLB is invalidated: the temporary slot
// is per-CPU scratch space that no other core can have cached.
func unmapTemporaryLocked(page mm.Page) *kernel.Error {
	return unmapLocked[Base](page, flushTLBEntryFn)
}

// pteForAddress returns the page table entry that corresponds to a
// particular virtual address together with the level at which it was
// found. A huge/large page entry encountered at an intermediate level is
// treated as the leaf. It returns ErrInvalidMapping if the page is not
// present.
func pteForAddress(virtAddr uintptr) (*pageTableEntry, uint8, *kernel.Error) {
	var (
		err   = ErrInvalidMapping
		entry *pageTableEntry
		level uint8
	)

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry, err = nil, ErrInvalidMapping
			return false
		}

		entry, level, err = pte, pteLevel, nil
		return !pte.HasFlags(FlagHugePage)
	})

	return entry, level, err
}

// translateFault is filled in with the offending address right before
// Translate panics; preallocated so the dying path performs no allocation.
var translateFault = kernel.AddrError{Err: ErrInvalidMapping}

// Translate returns the physical address that corresponds to the supplied
// virtual address. Translating an address that is not backed by a mapped
// physical page indicates a kernel bug and panics with the offending
// address attached.
func Translate(virtAddr uintptr) uintptr {
	acquireMMULockFn()
	pte, level, err := pteForAddress(virtAddr)
	var frameAddr uintptr
	if err == nil {
		frameAddr = pte.Frame().Address()
	}
	releaseMMULockFn()

	if err != nil {
		translateFault.Addr = virtAddr
		panicFn(&translateFault)
		return 0
	}

	offset := virtAddr & ((1 << pageLevelShifts[level]) - 1)
	return frameAddr + offset
}

// PageOffset returns the offset within a base page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1)
}
