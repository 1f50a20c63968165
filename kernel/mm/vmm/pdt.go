package vmm

import (
	"hermitgo/kernel"
	"hermitgo/kernel/cpu"
	"hermitgo/kernel/mm"
	"unsafe"
)

var (
	// activePDTFn is used by tests to override calls to cpu.ActivePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to cpu.SwitchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// mapTemporaryFn, mapBaseFn and unmapBaseFn are used by tests to stub
	// out the Base-page mapping calls made by Init/Map/Unmap without
	// requiring a full page table walk. They point at the lock-free
	// internals: every caller below acquires the hierarchy lock itself so
	// it stays held across the recursive-slot splice and restore.
	mapTemporaryFn = mapTemporaryLocked
	mapBaseFn      = mapLocked[Base]
	unmapBaseFn    = unmapBaseLocked

	// unmapTempFn tears down the scratch mapping Init uses to bootstrap a
	// freshly allocated PDT. It invalidates only the local TLB: the
	// temporary mapping slot is per-CPU scratch space, never observed by
	// another core, so broadcasting a shootdown for it would be wasted
	// work.
	unmapTempFn = unmapTemporaryLocked
)

// PageDirectoryTable describes the top-most table in the 4-level paging
// hierarchy (PML4). Each task owns exactly one PageDirectoryTable; its
// Activate method installs it as the CPU's active address space.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
}

// Init sets up the page table directory starting at the supplied physical
// address. If the supplied frame does not match the currently active PDT,
// Init assumes this is a new page table directory that needs bootstrapping:
// a temporary mapping is established so Init can clear the frame and set up
// the recursive mapping for the last PML4 entry.
func (pdt *PageDirectoryTable) Init(pdtFrame mm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	activePdtAddr := activePDTFn()
	if pdtFrame.Address() == activePdtAddr {
		return nil
	}

	acquireMMULockFn()
	pdtPage, err := mapTemporaryFn(pdtFrame)
	if err != nil {
		releaseMMULockFn()
		return err
	}

	kernel.Memset(pdtPage.Address(), 0, mm.PageSize)
	lastPdtEntry := (*pageTableEntry)(unsafe.Pointer(pdtPage.Address() + (((1 << pageLevelBits[0]) - 1) << mm.PointerShift)))
	*lastPdtEntry = 0
	lastPdtEntry.SetFlags(FlagPresent | FlagRW)
	lastPdtEntry.SetFrame(pdtFrame)

	err = unmapTempFn(pdtPage)
	releaseMMULockFn()
	return err
}

// Map establishes a mapping between a virtual page and a physical memory
// frame using this PDT, even when it is not the currently active one: an
// inactive PDT is temporarily spliced into the last entry of the active PDT
// so the recursive-mapping trick used by walk() keeps working.
func (pdt PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, doIPI bool) (bool, *kernel.Error) {
	acquireMMULockFn()
	restore := pdt.borrowRecursiveSlot()
	replaced, err := mapBaseFn(page, frame, flags, doIPI)
	restore()
	releaseMMULockFn()
	return replaced, err
}

// Unmap removes a mapping previously installed via a call to Map on this PDT.
func (pdt PageDirectoryTable) Unmap(page mm.Page) *kernel.Error {
	acquireMMULockFn()
	restore := pdt.borrowRecursiveSlot()
	err := unmapBaseFn(page)
	restore()
	releaseMMULockFn()
	return err
}

// borrowRecursiveSlot temporarily splices pdt into the last entry of the
// currently active PDT so that walk()'s recursive-mapping address scheme can
// be used to reach an inactive table. It returns a function that restores
// the previous mapping.
func (pdt PageDirectoryTable) borrowRecursiveSlot() func() {
	activePdtFrame := mm.Frame(activePDTFn() >> mm.PageShift)
	if activePdtFrame == pdt.pdtFrame {
		return func() {}
	}

	lastPdtEntryAddr := activePdtFrame.Address() + (((1 << pageLevelBits[0]) - 1) << mm.PointerShift)
	lastPdtEntry := (*pageTableEntry)(unsafe.Pointer(lastPdtEntryAddr))
	lastPdtEntry.SetFrame(pdt.pdtFrame)
	flushTLBEntryFn(lastPdtEntryAddr)

	return func() {
		lastPdtEntry.SetFrame(activePdtFrame)
		flushTLBEntryFn(lastPdtEntryAddr)
	}
}

// Activate enables this page directory table and flushes the TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}
