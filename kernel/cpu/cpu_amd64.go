package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// FlushTLB flushes every non-global entry from this CPU's TLB by reloading
// the CR3 register with its current value.
func FlushTLB()

// ReadRFlags returns the current contents of the RFLAGS register.
func ReadRFlags() uint64

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ReadPKRU returns the contents of the PKRU register, which holds a 2-bit
// access-rights field (bits 2k, 2k+1) for each of the 16 protection-key
// domains understood by the MMU.
func ReadPKRU() uint32

// WritePKRU loads the PKRU register on the current CPU with the given
// value. The write is not globally coherent: PKRU is a per-CPU register and
// the caller is responsible for re-issuing the write on every CPU a task
// migrates to.
func WritePKRU(value uint32)

// CoreID returns a small integer identifying the CPU this call executes on.
// It is used only for diagnostics; no part of this package treats it as
// anything more than an opaque label.
func CoreID() uint32

// SendTLBShootdownIPI broadcasts an inter-processor interrupt that asks
// every other CPU to flush its TLB. The call returns once the interrupt has
// been sent; it does not wait for the remote CPUs to finish servicing it.
func SendTLBShootdownIPI()

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// SupportsOneGibPages returns true if the CPU can map 1 GiB pages. It is
// implemented via CPUID leaf 0x80000001, bit 26 of EDX.
func SupportsOneGibPages() bool {
	_, _, _, edx := cpuidFn(0x80000001)
	return edx&(1<<26) != 0
}

// PhysicalAddressBits returns the number of bits implemented by the CPU's
// physical address bus, read from CPUID leaf 0x80000008 EAX[7:0]. The vmm
// package's assertValidLeafFrame uses it to reject physical addresses the
// hardware cannot represent.
func PhysicalAddressBits() uint8 {
	eax, _, _, _ := cpuidFn(0x80000008)
	return uint8(eax & 0xff)
}

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
