package vmm

import (
	"hermitgo/kernel/mm"
	"testing"
)

func resetVSpace(start, end uintptr) {
	VSpaceInit(start, end)
}

func TestVirtAllocRoundsUpAndShrinksRange(t *testing.T) {
	resetVSpace(0x1000, 0x1000+4*mm.PageSize)

	addr, err := VirtAlloc(1)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x1000 {
		t.Fatalf("expected first allocation at 0x1000; got 0x%x", addr)
	}

	if exp, got := uintptr(0x1000+mm.PageSize), vspaceRanges[0].start; got != exp {
		t.Fatalf("expected remaining range to start at 0x%x; got 0x%x", exp, got)
	}
}

func TestVirtAllocExhaustsRange(t *testing.T) {
	resetVSpace(0x2000, 0x2000+mm.PageSize)

	if _, err := VirtAlloc(mm.PageSize); err != nil {
		t.Fatal(err)
	}

	if vspaceCount != 0 {
		t.Fatalf("expected the exhausted range to be removed; count = %d", vspaceCount)
	}

	if _, err := VirtAlloc(mm.PageSize); err != errVSpaceNoSpace {
		t.Fatalf("expected errVSpaceNoSpace; got %v", err)
	}
}

func TestVirtFreeCoalescesWithNeighbours(t *testing.T) {
	resetVSpace(0x3000, 0x3000+3*mm.PageSize)

	a, _ := VirtAlloc(mm.PageSize)
	b, _ := VirtAlloc(mm.PageSize)
	c, _ := VirtAlloc(mm.PageSize)

	if err := VirtFree(a, mm.PageSize); err != nil {
		t.Fatal(err)
	}
	if err := VirtFree(c, mm.PageSize); err != nil {
		t.Fatal(err)
	}
	if err := VirtFree(b, mm.PageSize); err != nil {
		t.Fatal(err)
	}

	if vspaceCount != 1 {
		t.Fatalf("expected all three frees to coalesce into one range; count = %d", vspaceCount)
	}
	if vspaceRanges[0].start != 0x3000 || vspaceRanges[0].end != 0x3000+3*mm.PageSize {
		t.Fatalf("expected merged range to span the whole pool; got %+v", vspaceRanges[0])
	}
}

func TestVirtAllocZeroSize(t *testing.T) {
	resetVSpace(0x4000, 0x4000+mm.PageSize)

	if _, err := VirtAlloc(0); err != errVSpaceTooSmall {
		t.Fatalf("expected errVSpaceTooSmall; got %v", err)
	}
}
