package vmm

import (
	"hermitgo/kernel"
	"hermitgo/kernel/cpu"
	"hermitgo/kernel/gate"
	"hermitgo/kernel/kfmt"
	"hermitgo/kernel/mm"
	"unsafe"
)

var (
	// readCR2Fn is used by tests to override calls to cpu.ReadCR2.
	readCR2Fn = cpu.ReadCR2

	// coreIDFn is used by tests to override calls to cpu.CoreID.
	coreIDFn = cpu.CoreID

	// handleInterruptFn is used by tests.
	handleInterruptFn = gate.HandleInterrupt

	// zeroPageHintFn optionally supplies an already-zeroed frame for newly
	// backed heap pages instead of allocating and clearing one, mirroring
	// the "return zeroed pages" fast path some managed runtimes rely on.
	zeroPageHintFn func() (mm.Frame, *kernel.Error)

	// currentTaskFn reports the task running on this core. It is nil until
	// the scheduler registers itself via SetCurrentTaskProvider; before
	// that point no fault can be attributed to a task heap.
	currentTaskFn func() Task

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// Task describes the slice of scheduler state the fault handler consumes:
// the identity of the task running on this core and the bounds of its heap.
// A task with HeapStart == HeapEnd has no heap.
type Task struct {
	ID        uint64
	HeapStart uintptr
	HeapEnd   uintptr
}

// SetZeroPageHint registers a function that can supply pre-zeroed physical
// frames for lazily-backed heap pages. When unset, the fault handler
// allocates a frame and clears it itself.
func SetZeroPageHint(fn func() (mm.Frame, *kernel.Error)) {
	zeroPageHintFn = fn
}

// SetCurrentTaskProvider registers the scheduler callback the fault handler
// uses to locate the heap of the task running on the faulting core.
func SetCurrentTaskProvider(fn func() Task) {
	currentTaskFn = fn
}

func installFaultHandlers() {
	handleInterruptFn(gate.PageFaultException, 0, pageFaultHandler)
	handleInterruptFn(gate.GPFException, 0, generalProtectionFaultHandler)
}

// reserveLazy installs a non-present leaf entry flagged with flags (which
// must include FlagLazyHeap) and tagged with key, creating any missing
// intermediate tables along the way. It is the non-present counterpart to
// Map[Base].
func reserveLazy(page mm.Page, flags PageTableEntryFlag, key uint8) *kernel.Error {
	const leaf = pageLevels - 1

	var err *kernel.Error

	acquireMMULockFn()
	walkTo(page.Address(), leaf, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == leaf {
			*pte = 0
			pte.SetFlags(flags)
			pte.SetKey(key)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			newTableFrame, err = mm.AllocFrame()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			nextTableAddr := uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1]
			kernel.Memset(nextAddrFn(nextTableAddr), 0, mm.PageSize)
		}

		return true
	})
	releaseMMULockFn()

	return err
}

// allocZeroedFrame obtains a physical frame whose contents are guaranteed to
// be zero, either from the registered zero-page hint or by allocating a
// frame and clearing it through the temporary mapping slot. The caller must
// hold the hierarchy lock.
func allocZeroedFrame() (mm.Frame, *kernel.Error) {
	if zeroPageHintFn != nil {
		return zeroPageHintFn()
	}

	frame, err := mm.AllocFrame()
	if err != nil {
		return 0, err
	}

	tmpPage, err := mapTemporaryFn(frame)
	if err != nil {
		return 0, err
	}
	kernel.Memset(tmpPage.Address(), 0, mm.PageSize)
	_ = unmapTempFn(tmpPage)

	return frame, nil
}

// faultInCurrentHeap returns true if faultAddress falls within the heap of
// the task running on this core.
func faultInCurrentHeap(faultAddress uintptr) bool {
	if currentTaskFn == nil {
		return false
	}
	task := currentTaskFn()
	return task.HeapStart < task.HeapEnd &&
		faultAddress >= task.HeapStart && faultAddress < task.HeapEnd
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when
// a privilege/RW protection check fails. Two classes of fault are
// recoverable: an access to a page reserved by ReserveHeap, and an access to
// an unbacked page inside the current task's heap. Both are serviced by
// backing the page with a freshly zeroed physical frame. Every other fault
// is unrecoverable. The handler runs to completion with the hierarchy lock
// held.
func pageFaultHandler(regs *gate.Registers) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = mm.PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	acquireMMULockFn()

	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 {
			pageEntry = pte
		}

		return nextIsPresent
	})

	entryPresent := pageEntry != nil && pageEntry.HasFlags(FlagPresent)

	switch {
	case pageEntry != nil && !entryPresent && pageEntry.HasFlags(FlagLazyHeap):
		// A page reserved by ReserveHeap; back it while preserving the
		// protection key the reservation tagged it with.
		frame, err := allocZeroedFrame()
		if err != nil {
			nonRecoverablePageFault(faultAddress, regs, err)
			return
		}

		key := pageEntry.Key()
		pageEntry.ClearFlags(FlagLazyHeap)
		pageEntry.SetFlags(FlagPresent | FlagRW)
		pageEntry.SetFrame(frame)
		pageEntry.SetKey(key)
		flushTLBEntryFn(faultPage.Address())

		// Fault recovered; the faulting instruction is retried.
		releaseMMULockFn()
		return

	case !entryPresent && faultInCurrentHeap(faultAddress):
		// An unbacked page inside the current task's heap; install a
		// fresh writable, non-executable mapping for it, creating any
		// missing intermediate tables on the way down.
		frame, err := allocZeroedFrame()
		if err != nil {
			nonRecoverablePageFault(faultAddress, regs, err)
			return
		}

		if _, err = mapLocked[Base](faultPage, frame, FlagPresent|FlagRW|FlagNoExecute, false); err != nil {
			nonRecoverablePageFault(faultAddress, regs, err)
			return
		}

		releaseMMULockFn()
		return
	}

	nonRecoverablePageFault(faultAddress, regs, errUnrecoverableFault)
}

// generalProtectionFaultHandler is invoked for reasons that include:
// segment privilege/type/limit violations and executing privileged
// instructions outside ring 0. Protection-key violations arrive as page
// faults instead (see nonRecoverablePageFault).
func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, regs *gate.Registers, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch regs.Info {
	case 0:
		kfmt.Printf("read from non-present page")
	case 1:
		kfmt.Printf("page protection violation (read)")
	case 2:
		kfmt.Printf("write to non-present page")
	case 3:
		kfmt.Printf("page protection violation (write)")
	case 4:
		kfmt.Printf("page-fault in user-mode")
	case 8:
		kfmt.Printf("page table has reserved bit set")
	case 16:
		kfmt.Printf("instruction fetch")
	case 32:
		kfmt.Printf("protection-key violation")
	default:
		kfmt.Printf("unknown")
	}

	if currentTaskFn != nil {
		task := currentTaskFn()
		kfmt.Printf("\nCPU: %d, task: %d, heap: [0x%x, 0x%x)", coreIDFn(), task.ID, task.HeapStart, task.HeapEnd)
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(err)
}
