package vmm

import "hermitgo/kernel/mm"

// Size identifies one of the page sizes supported by the MMU and the page
// table level at which a mapping of that size terminates. Base, Large and
// Huge implement this interface; Map and Unmap are instantiated once per
// size via Go generics so that the walking logic is written only once while
// still producing a leaf-level check the compiler can inline for each size.
type Size interface {
	// Bytes returns the size in bytes of a page of this size.
	Bytes() uintptr

	// leafLevel returns the index into pageLevelShifts/pageLevelBits at
	// which a mapping of this size terminates (0 is the top-most level).
	leafLevel() uint8

	// extraFlag returns the flag that must be set on the leaf entry in
	// addition to the caller-supplied flags (FlagHugePage for
	// Large/Huge, none for Base).
	extraFlag() PageTableEntryFlag
}

// Base identifies a 4KiB page, mapped at the last page table level (PGT).
type Base struct{}

// Bytes implements Size.
func (Base) Bytes() uintptr { return mm.PageSize }

func (Base) leafLevel() uint8 { return pageLevels - 1 }

func (Base) extraFlag() PageTableEntryFlag { return 0 }

// Large identifies a 2MiB page, mapped directly in a page directory table
// (PDT) entry.
type Large struct{}

// Bytes implements Size.
func (Large) Bytes() uintptr { return mm.LargePageSize }

func (Large) leafLevel() uint8 { return pageLevels - 2 }

func (Large) extraFlag() PageTableEntryFlag { return FlagHugePage }

// Huge identifies a 1GiB page, mapped directly in a page directory pointer
// table (PDPT) entry. Mapping a Huge page requires the CPU to advertise
// support for it (see cpu.SupportsOneGibPages).
type Huge struct{}

// Bytes implements Size.
func (Huge) Bytes() uintptr { return mm.HugePageSize }

func (Huge) leafLevel() uint8 { return pageLevels - 3 }

func (Huge) extraFlag() PageTableEntryFlag { return FlagHugePage }
