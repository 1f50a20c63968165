package vmm

import (
	"hermitgo/kernel/cpu"
	"hermitgo/kernel/gate"
)

var (
	// sendShootdownFn is used by tests to override calls to
	// cpu.SendTLBShootdownIPI.
	sendShootdownFn = cpu.SendTLBShootdownIPI

	// invalidateLocalFn is used by tests to override the full local TLB
	// flush performed when this CPU receives a shootdown request.
	invalidateLocalFn = cpu.FlushTLB

	// handleShootdownFn is used by tests to stub out gate.HandleInterrupt.
	handleShootdownFn = gate.HandleInterrupt
)

// installShootdownHandler registers the handler invoked when this CPU
// receives a TLB shootdown IPI from another core. The handler flushes the
// entire local TLB rather than a single entry, since the IPI does not carry
// the specific address that changed.
func installShootdownHandler() {
	handleShootdownFn(gate.TLBShootdownVector, 0, func(_ *gate.Registers) {
		invalidateLocalFn()
	})
}

// ShootdownTLB flushes virtAddr from this CPU's TLB and asks every other CPU
// to do the same. Call this instead of relying on flushTLBEntryFn directly
// whenever a mapping change must be observed by all cores, e.g. after
// changing the permissions of a page shared across tasks.
func ShootdownTLB(virtAddr uintptr) {
	flushTLBEntryFn(virtAddr)
	sendShootdownFn()
}
