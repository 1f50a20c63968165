package vmm

import (
	"hermitgo/kernel/mm"
	"testing"
)

func TestPageTableEntryFlags(t *testing.T) {
	var pte pageTableEntry

	if pte.HasFlags(FlagPresent) {
		t.Fatal("expected zero-value entry to have no flags set")
	}

	pte.SetFlags(FlagPresent | FlagRW)
	if !pte.HasFlags(FlagPresent | FlagRW) {
		t.Fatal("expected FlagPresent|FlagRW to be set")
	}
	if pte.HasFlags(FlagPresent | FlagUserAccessible) {
		t.Fatal("did not expect FlagUserAccessible to be set")
	}
	if !pte.HasAnyFlag(FlagPresent | FlagUserAccessible) {
		t.Fatal("expected HasAnyFlag to report a match against FlagPresent")
	}

	pte.ClearFlags(FlagRW)
	if pte.HasFlags(FlagRW) {
		t.Fatal("expected FlagRW to be cleared")
	}
	if !pte.HasFlags(FlagPresent) {
		t.Fatal("expected FlagPresent to remain set after clearing FlagRW")
	}
}

func TestPageTableEntryFrame(t *testing.T) {
	var pte pageTableEntry

	frame := mm.Frame(1234)
	pte.SetFrame(frame)
	if got := pte.Frame(); got != frame {
		t.Fatalf("expected frame %d; got %d", frame, got)
	}

	pte.SetFlags(FlagPresent | FlagRW)
	if got := pte.Frame(); got != frame {
		t.Fatalf("expected frame to survive flag updates; got %d", got)
	}
}

func TestPageTableEntryKey(t *testing.T) {
	var pte pageTableEntry

	pte.SetFrame(mm.Frame(0xdeadbe))
	pte.SetFlags(FlagPresent | FlagRW)

	for key := uint8(0); key < 16; key++ {
		pte.SetKey(key)
		if got := pte.Key(); got != key {
			t.Fatalf("expected key %d; got %d", key, got)
		}
		if !pte.HasFlags(FlagPresent | FlagRW) {
			t.Fatal("expected flags to survive SetKey")
		}
		if got := pte.Frame(); got != mm.Frame(0xdeadbe) {
			t.Fatalf("expected frame to survive SetKey; got %d", got)
		}
	}

	// Only the low 4 bits of the argument are used.
	pte.SetKey(0xff)
	if got := pte.Key(); got != 0xf {
		t.Fatalf("expected SetKey to mask to 4 bits; got %d", got)
	}
}
