package vmm

import (
	"hermitgo/kernel"
	"hermitgo/kernel/mm"
)

// kernelPDT is the page directory table backing the kernel's own address
// space, established by Init.
var kernelPDT PageDirectoryTable

// physMapOffset is the virtual address the bootloader maps the start of
// physical memory to, as supplied to Init. PhysToVirt uses it to translate
// a physical address into the direct-mapped virtual alias a CPU can
// dereference without walking the recursive page tables.
var physMapOffset uintptr

// Init sets up the page directory table for the currently active address
// space, reserves the region of virtual address space available for heap
// and region allocations, installs the page-fault/GPF/TLB-shootdown
// handlers and establishes the fixed low-memory identity mappings every
// task's address space shares.
//
// kernelPageOffset is the virtual address the bootloader maps the start of
// physical memory to; heapStart/heapEnd bound the portion of the virtual
// address space VirtAlloc is allowed to hand out.
func Init(kernelPageOffset, heapStart, heapEnd uintptr) *kernel.Error {
	physMapOffset = kernelPageOffset

	kernelPDTFrame := mm.Frame(activePDTFn() >> mm.PageShift)
	if err := kernelPDT.Init(kernelPDTFrame); err != nil {
		return err
	}

	VSpaceInit(heapStart, heapEnd)

	installFaultHandlers()
	installShootdownHandler()

	return setupBootMappings()
}

// PhysToVirt returns the direct-mapped virtual address that corresponds to
// physAddr, as established by the physical memory offset passed to Init.
func PhysToVirt(physAddr uintptr) uintptr {
	return physAddr + physMapOffset
}
