package vmm

import (
	"hermitgo/kernel/mm"
	"unsafe"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to override the generated page table entry pointers so
	// walk() can be properly tested. When compiling the kernel this function
	// will be automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a full, 4-level page table walk for the given virtual
// address, invoking walkFn once for every level.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	walkTo(virtAddr, pageLevels-1, walkFn)
}

// walkTo performs a page table walk for the given virtual address stopping
// after the entry at leafLevel has been visited. This allows Map/Unmap to
// terminate early when installing large/huge pages, which are mapped at an
// intermediate table level rather than at the last one.
func walkTo(virtAddr uintptr, leafLevel uint8, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
		ok                               bool
	)

	// tableAddr is initially set to the recursively mapped virtual address for the
	// last entry in the top-most page table. Dereferencing a pointer to this address
	// will allow us to access it.
	for level, tableAddr = uint8(0), pdtVirtualAddr; level <= leafLevel; level, tableAddr = level+1, entryAddr {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)

		// The entry lives entryIndex entries past the start of the table, so
		// its virtual address is the table address plus the index scaled by
		// the entry size
		entryAddr = tableAddr + (entryIndex << mm.PointerShift)

		if ok = walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr))); !ok {
			return
		}

		// Shift left by the number of bits for this paging level to get
		// the virtual address of the table pointed to by entryAddr
		entryAddr <<= pageLevelBits[level]
	}
}
