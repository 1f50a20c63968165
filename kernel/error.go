// Package kernel contains the small set of primitives (error types,
// low-level memory helpers) that every other kernel package depends on.
package kernel

// Error describes an error condition detected by one of the kernel's
// subsystems. Every Error is declared once as a package-level sentinel and
// passed around by pointer: this code runs below the allocator, so errors
// cannot be composed with errors.New or fmt.Errorf at the point of failure.
type Error struct {
	// Module is the short name of the subsystem that detected the
	// condition, e.g. "vmm" or "pmm".
	Module string

	// Message is a fixed description of the condition.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// AddrError couples a sentinel Error with the virtual address that
// triggered it. Paths that must halt with a specific offending address
// attached (translation of an unmapped address) fill in a preallocated
// AddrError on the way into the panic machinery instead of formatting a
// message, which would allocate; kfmt renders the address when the panic
// banner is printed.
type AddrError struct {
	Err  *Error
	Addr uintptr
}

// Error implements the error interface. The address is deliberately not
// interpolated here: string formatting allocates. Callers that report an
// AddrError print the Addr field through kfmt instead.
func (e *AddrError) Error() string {
	return e.Err.Message
}
