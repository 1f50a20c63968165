// Package pmm implements the kernel's physical frame allocator.
package pmm

import (
	"hermitgo/kernel"
	"hermitgo/kernel/kfmt"
	"hermitgo/kernel/mm"
	"hermitgo/kernel/sync"
)

// maxPoolFrames bounds the amount of physical memory the allocator can track
// (4 GiB worth of 4 KiB frames) so that the free bitmap can be backed by a
// statically sized array instead of requiring a working virtual-memory
// subsystem to bootstrap its own storage.
const maxPoolFrames = 1 << 20

var (
	bitmapStorage [maxPoolFrames / 64]uint64

	allocator BitmapAllocator

	// allocatorLock serializes the frame requests that reach the
	// registered allocator. It masks interrupts while held: frames are
	// requested both by tasks and by CPUs lazily backing heap pages from
	// inside the page fault handler.
	allocatorLock sync.IRQSpinlock

	// lockAllocatorFn/unlockAllocatorFn are used by tests to bypass the
	// interrupt-masking lock primitives.
	lockAllocatorFn   = allocatorLock.Acquire
	unlockAllocatorFn = allocatorLock.Release

	errOutOfMemory  = &kernel.Error{Module: "pmm", Message: "out of physical memory"}
	errInvalidFrame = &kernel.Error{Module: "pmm", Message: "frame out of range"}
	errPoolTooLarge = &kernel.Error{Module: "pmm", Message: "pool exceeds maximum supported frame count"}
)

// BitmapAllocator tracks the free/reserved status of every frame in a single
// contiguous physical memory pool using a bitmap.
type BitmapAllocator struct {
	startFrame mm.Frame
	frameCount uint32
	freeCount  uint32
	nextScan   uint32
	freeBitmap []uint64
}

// init configures the allocator to manage the frame range
// [startFrame, startFrame+frameCount) and marks every frame as free.
func (alloc *BitmapAllocator) init(startFrame mm.Frame, frameCount uint32, bitmapBacking []uint64) *kernel.Error {
	if frameCount > maxPoolFrames {
		return errPoolTooLarge
	}

	alloc.startFrame = startFrame
	alloc.frameCount = frameCount
	alloc.freeCount = frameCount
	alloc.nextScan = 0

	words := (int(frameCount) + 63) >> 6
	alloc.freeBitmap = bitmapBacking[:words]
	for i := range alloc.freeBitmap {
		alloc.freeBitmap[i] = 0
	}

	return nil
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to frame. The bitmap uses a big-endian bit ordering: within
// word i, bit (63-b) corresponds to relative frame (i*64 + b).
func (alloc *BitmapAllocator) markFrame(frame mm.Frame, reserved bool) {
	rel := uint32(frame - alloc.startFrame)
	word := rel >> 6
	mask := uint64(1) << (63 - (rel & 63))

	wasReserved := alloc.freeBitmap[word]&mask != 0
	if reserved == wasReserved {
		return
	}

	if reserved {
		alloc.freeBitmap[word] |= mask
		alloc.freeCount--
	} else {
		alloc.freeBitmap[word] &^= mask
		alloc.freeCount++
	}
}

// contains returns true if frame belongs to the pool managed by alloc.
func (alloc *BitmapAllocator) contains(frame mm.Frame) bool {
	return frame >= alloc.startFrame && frame < alloc.startFrame+mm.Frame(alloc.frameCount)
}

// reserveRange marks every frame in [from, to] (inclusive) as reserved. Out
// of range frames are silently clamped to the pool boundary, mirroring the
// kernel-image reservation performed during Init.
func (alloc *BitmapAllocator) reserveRange(from, to mm.Frame) {
	if from < alloc.startFrame {
		from = alloc.startFrame
	}
	last := alloc.startFrame + mm.Frame(alloc.frameCount) - 1
	if to > last {
		to = last
	}
	for f := from; f <= to; f++ {
		alloc.markFrame(f, true)
	}
}

// AllocFrame reserves and returns the next available physical frame.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if alloc.freeCount == 0 {
		return mm.InvalidFrame, errOutOfMemory
	}

	for scanned := uint32(0); scanned < alloc.frameCount; scanned++ {
		rel := (alloc.nextScan + scanned) % alloc.frameCount
		word := rel >> 6
		mask := uint64(1) << (63 - (rel & 63))
		if alloc.freeBitmap[word]&mask == 0 {
			alloc.freeBitmap[word] |= mask
			alloc.freeCount--
			alloc.nextScan = (rel + 1) % alloc.frameCount
			return alloc.startFrame + mm.Frame(rel), nil
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// FreeFrame releases a frame previously returned by AllocFrame back to the
// pool.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	if !alloc.contains(frame) {
		return errInvalidFrame
	}

	alloc.markFrame(frame, false)
	return nil
}

// Init configures the physical frame allocator to manage the pool of
// physical memory described by [poolBase, poolBase+poolSize) and reserves
// the frames occupied by the kernel image itself, then registers the
// allocator with the mm package so that vmm can request and release frames.
func Init(poolBase, poolSize, kernelStart, kernelEnd uintptr) *kernel.Error {
	startFrame := mm.FrameFromAddress(poolBase)
	endFrame := mm.FrameFromAddress(poolBase + poolSize - 1)
	frameCount := uint32(endFrame-startFrame) + 1

	if err := allocator.init(startFrame, frameCount, bitmapStorage[:]); err != nil {
		return err
	}

	allocator.reserveRange(mm.FrameFromAddress(kernelStart), mm.FrameFromAddress(kernelEnd))

	mm.SetFrameAllocator(allocFrame)
	mm.SetFrameDeallocator(freeFrame)

	printStats()
	return nil
}

func allocFrame() (mm.Frame, *kernel.Error) {
	lockAllocatorFn()
	frame, err := allocator.AllocFrame()
	unlockAllocatorFn()
	return frame, err
}

func freeFrame(f mm.Frame) *kernel.Error {
	lockAllocatorFn()
	err := allocator.FreeFrame(f)
	unlockAllocatorFn()
	return err
}

func printStats() {
	kfmt.Printf(
		"[pmm] pool [0x%16x - 0x%16x]: %d/%d frames free\n",
		uint64(allocator.startFrame.Address()),
		uint64(allocator.startFrame.Address())+uint64(allocator.frameCount)*uint64(mm.PageSize),
		allocator.freeCount,
		allocator.frameCount,
	)
}
