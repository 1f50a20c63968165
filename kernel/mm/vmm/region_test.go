package vmm

import (
	"hermitgo/kernel"
	"hermitgo/kernel/mm"
	"testing"
	"unsafe"
)

// fakeFrameTable wires mm's frame allocator to hand out sequential frames
// from a backing byte slice large enough to satisfy every Allocate/Deallocate
// test below without touching real physical memory.
func fakeFrameTable(t *testing.T, frames int) {
	t.Helper()

	backing := make([]byte, (frames+1)*mm.PageSize)
	base := mm.FrameFromAddress(uintptr(unsafe.Pointer(&backing[0]))) + 1

	next := base
	mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
		f := next
		next++
		return f, nil
	})
	mm.SetFrameDeallocator(func(mm.Frame) *kernel.Error { return nil })

	t.Cleanup(func() {
		mm.SetFrameAllocator(nil)
		mm.SetFrameDeallocator(nil)
	})
}

func TestAllocateUnknownDomain(t *testing.T) {
	if _, err := Allocate(mm.PageSize, Domain(0xff), true); err == nil {
		t.Fatal("expected an error for an unknown domain")
	}
}

func TestAllocateAndDeallocate(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer, origFlush func(uintptr), origSend func(), origNextAddr func(uintptr) uintptr, origVspaceReserve func(uintptr) (uintptr, *kernel.Error), origPhysBits func() uint8) {
		ptePtrFn = origPtePtr
		flushTLBEntryFn = origFlush
		sendShootdownFn = origSend
		nextAddrFn = origNextAddr
		vspaceReserveFn = origVspaceReserve
		physAddrBitsFn = origPhysBits
	}(ptePtrFn, flushTLBEntryFn, sendShootdownFn, nextAddrFn, vspaceReserveFn, physAddrBitsFn)

	physAddrBitsFn = func() uint8 { return 52 }
	VSpaceInit(0x10000000, 0x10000000+64*mm.PageSize)
	fakeFrameTable(t, 16)

	var tableMem [64]pageTableEntry
	for i := range tableMem {
		tableMem[i].SetFlags(FlagPresent | FlagRW)
	}
	tableIdx := 0
	ptePtrFn = func(_ uintptr) unsafe.Pointer {
		e := &tableMem[tableIdx%len(tableMem)]
		tableIdx++
		return unsafe.Pointer(e)
	}
	flushTLBEntryFn = func(_ uintptr) {}
	sendShootdownFn = func() {}

	virtAddr, err := Allocate(2*mm.PageSize, DomainSafe, true)
	if err != nil {
		t.Fatal(err)
	}
	if virtAddr != 0x10000000 {
		t.Fatalf("expected allocation to start at 0x10000000; got 0x%x", virtAddr)
	}

	if err := Deallocate(virtAddr, 2*mm.PageSize); err != nil {
		t.Fatal(err)
	}
}

func TestReserveHeap(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer, origNextAddr func(uintptr) uintptr) {
		ptePtrFn = origPtePtr
		nextAddrFn = origNextAddr
	}(ptePtrFn, nextAddrFn)

	VSpaceInit(0x20000000, 0x20000000+64*mm.PageSize)
	fakeFrameTable(t, 16)

	var tableMem [64]pageTableEntry
	for i := range tableMem {
		tableMem[i].SetFlags(FlagPresent | FlagRW)
	}
	tableIdx := 0
	ptePtrFn = func(_ uintptr) unsafe.Pointer {
		e := &tableMem[tableIdx%len(tableMem)]
		tableIdx++
		return unsafe.Pointer(e)
	}

	virtAddr, err := ReserveHeap(mm.PageSize, DomainUnsafe, false)
	if err != nil {
		t.Fatal(err)
	}
	if virtAddr != 0x20000000 {
		t.Fatalf("expected reservation to start at 0x20000000; got 0x%x", virtAddr)
	}
}
