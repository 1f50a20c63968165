package vmm

import (
	"hermitgo/kernel"
	"hermitgo/kernel/cpu"
	"hermitgo/kernel/mm"
)

// Permission describes the access rights granted to a protection-key
// domain via the PKRU register.
type Permission uint8

// Each key occupies a 2-bit field in PKRU: access-disable in the low bit,
// write-disable in the high bit (see cpu.ReadPKRU). The Permission values
// below are the raw field encodings.
const (
	// PermRW grants both read and write access to pages tagged with the domain.
	PermRW Permission = 0

	// PermRO sets only the write-disable bit: reads stay allowed, writes
	// raise a protection-key fault.
	PermRO Permission = 2

	// PermNone sets both the access-disable and write-disable bits,
	// denying all data access regardless of the page's own RW bit.
	PermNone Permission = 3
)

// Domain names one of the protection-key partitions of the address space
// recognised by the rest of the kernel.
type Domain uint8

const (
	// DomainIO is used for device/MMIO mappings. It shares key 0 with
	// DomainUser but is distinguished at the page-table level by the
	// no-execute flag rather than by its own key.
	DomainIO Domain = iota

	// DomainSafe covers ordinary kernel-owned memory subject to normal
	// bounds and type checking by the caller.
	DomainSafe

	// DomainUnsafe covers memory reached through raw pointers or foreign
	// function boundaries, isolated from DomainSafe so a stray write
	// through an unsafe pointer cannot corrupt safe-domain state.
	DomainUnsafe

	// DomainShared covers memory intentionally shared between tasks.
	DomainShared

	// DomainUser covers user-mode accessible memory; it shares key 0 with
	// DomainIO but is distinguished by the user-accessible flag.
	DomainUser
)

var (
	errUnknownDomain = &kernel.Error{Module: "vmm", Message: "unknown protection-key domain"}

	// pkru mirrors the value last written to the PKRU register so that
	// SetKeyPermission can perform a read-modify-write without trapping
	// into the hardware to read it back.
	pkru uint32

	writePKRUFn = cpu.WritePKRU
	readPKRUFn  = cpu.ReadPKRU
)

// keyAndFlags returns the protection key and any additional page table
// flags that must be set on every page belonging to domain.
func keyAndFlags(domain Domain) (key uint8, flags PageTableEntryFlag, err *kernel.Error) {
	switch domain {
	case DomainIO:
		return 0, FlagNoExecute, nil
	case DomainUser:
		return 0, FlagUserAccessible, nil
	case DomainSafe:
		return 1, 0, nil
	case DomainUnsafe:
		return 2, 0, nil
	case DomainShared:
		return 3, 0, nil
	default:
		return 0, 0, errUnknownDomain
	}
}

// SetKeyPermission updates the access rights this CPU's MMU enforces for
// key. The change is not propagated to other CPUs: per cpu.WritePKRU, PKRU
// is a per-CPU register and the scheduler is responsible for reapplying a
// task's key permissions whenever it migrates to a different core.
func SetKeyPermission(key uint8, perm Permission) {
	shift := uint(key&0xf) * 2
	pkru = (pkru &^ (0x3 << shift)) | (uint32(perm&0x3) << shift)
	writePKRUFn(pkru)
}

// KeyPermission returns the access rights currently in effect for key on
// this CPU.
func KeyPermission(key uint8) Permission {
	shift := uint(key&0xf) * 2
	return Permission((pkru >> shift) & 0x3)
}

// SyncPKRUFromHardware reloads the software PKRU mirror from the register
// itself. It exists for the scheduler to call after restoring a task's
// saved PKRU value directly (bypassing SetKeyPermission), so that later
// calls to KeyPermission/SetKeyPermission keep observing a consistent
// mirror instead of a stale one.
func SyncPKRUFromHardware() {
	pkru = readPKRUFn()
}

// SetKeyOnRange tags every page in [start, start+pageCount) with key,
// leaving every other page table entry flag untouched, and flushes the
// affected TLB entries on this CPU.
func SetKeyOnRange(start mm.Page, pageCount uintptr, key uint8) *kernel.Error {
	acquireMMULockFn()
	page := start
	for ; pageCount > 0; pageCount, page = pageCount-1, page+1 {
		pte, _, err := pteForAddress(page.Address())
		if err != nil {
			releaseMMULockFn()
			return err
		}
		pte.SetKey(key)
		flushTLBEntryFn(page.Address())
	}
	releaseMMULockFn()
	return nil
}
