package vmm

import (
	"hermitgo/kernel/gate"
	"testing"
)

func TestShootdownTLB(t *testing.T) {
	defer func(origFlush func(uintptr), origSend func()) {
		flushTLBEntryFn = origFlush
		sendShootdownFn = origSend
	}(flushTLBEntryFn, sendShootdownFn)

	var flushedAddr uintptr
	flushTLBEntryFn = func(addr uintptr) { flushedAddr = addr }

	sendCount := 0
	sendShootdownFn = func() { sendCount++ }

	ShootdownTLB(0xdeadb000)

	if flushedAddr != 0xdeadb000 {
		t.Fatalf("expected local flush of 0x%x; got 0x%x", uintptr(0xdeadb000), flushedAddr)
	}
	if sendCount != 1 {
		t.Fatalf("expected shootdown IPI to be sent once; sent %d times", sendCount)
	}
}

func TestInstallShootdownHandler(t *testing.T) {
	defer func(origHandle func(gate.InterruptNumber, uint8, func(*gate.Registers)), origInvalidate func()) {
		handleShootdownFn = origHandle
		invalidateLocalFn = origInvalidate
	}(handleShootdownFn, invalidateLocalFn)

	var registeredVector gate.InterruptNumber
	var registeredHandler func(*gate.Registers)
	handleShootdownFn = func(vec gate.InterruptNumber, _ uint8, handler func(*gate.Registers)) {
		registeredVector = vec
		registeredHandler = handler
	}

	installShootdownHandler()

	if registeredVector != gate.TLBShootdownVector {
		t.Fatalf("expected handler to be installed for vector %v; got %v", gate.TLBShootdownVector, registeredVector)
	}

	invalidateCount := 0
	invalidateLocalFn = func() { invalidateCount++ }
	registeredHandler(nil)

	if invalidateCount != 1 {
		t.Fatalf("expected shootdown handler to flush the local TLB once; flushed %d times", invalidateCount)
	}
}
