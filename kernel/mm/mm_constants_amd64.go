package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(BasePageSize). This constant is used when
	// we need to convert a physical address to a base-page-sized frame
	// number (shift right by PageShift) and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's base page size in bytes (4 KiB).
	PageSize = uintptr(1 << PageShift)

	// LargePageShift is equal to log2(LargePageSize).
	LargePageShift = uintptr(21)

	// LargePageSize defines the size in bytes of a large (2 MiB) page.
	LargePageSize = uintptr(1 << LargePageShift)

	// HugePageShift is equal to log2(HugePageSize).
	HugePageShift = uintptr(30)

	// HugePageSize defines the size in bytes of a huge (1 GiB) page.
	HugePageSize = uintptr(1 << HugePageShift)
)
