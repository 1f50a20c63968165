package sync

import "hermitgo/kernel/cpu"

// rflagsIF is the interrupt-enable bit in the RFLAGS register.
const rflagsIF = 1 << 9

var (
	// readRFlagsFn, disableInterruptsFn and enableInterruptsFn are used by
	// tests to override the interrupt-masking primitives used by
	// IRQSpinlock.
	readRFlagsFn        = cpu.ReadRFlags
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// IRQSpinlock couples a Spinlock with local interrupt masking so that the
// same lock can be acquired from both task context and interrupt context.
// Without the masking, a task holding the plain Spinlock could be
// interrupted by a handler that tries to acquire the same lock on the same
// CPU, which can never succeed.
type IRQSpinlock struct {
	lock Spinlock

	// restoreIF records whether interrupts were enabled when the lock was
	// acquired. Release re-enables them only in that case so that a holder
	// already running with interrupts masked (e.g. an exception handler)
	// keeps them masked after releasing the lock.
	restoreIF bool
}

// Acquire disables interrupts on the local CPU and blocks until the lock
// becomes available. Any attempt to re-acquire a lock already held by the
// current task will cause a deadlock.
func (l *IRQSpinlock) Acquire() {
	wasEnabled := readRFlagsFn()&rflagsIF != 0
	disableInterruptsFn()
	l.lock.Acquire()
	l.restoreIF = wasEnabled
}

// Release relinquishes a held lock and re-enables interrupts on the local
// CPU if they were enabled at the time of the matching Acquire call.
func (l *IRQSpinlock) Release() {
	restore := l.restoreIF
	l.lock.Release()
	if restore {
		enableInterruptsFn()
	}
}
