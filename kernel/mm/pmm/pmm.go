// Package pmm implements the physical frame allocator. Frames are tracked by
// a bitmap covering a fixed managed region; allocation scans the bitmap from
// a rotating cursor so that bursts of requests return roughly sequential
// frames without rescanning the low frames every time.
package pmm

import (
	"kos/kernel"
	"kos/kernel/mm"
)

const (
	// managedBase is the physical address of the first frame managed by
	// the allocator. The first 2M are left alone: they contain the BIOS
	// areas, the boot page tables and the low identity-mapped region the
	// early boot code depends on.
	managedBase = uintptr(0x200000)

	// managedSize is the size of the managed physical region.
	managedSize = uintptr(126 * 1024 * 1024)

	// frameCount is the number of frames tracked by the bitmap.
	frameCount = managedSize >> mm.PageShift
)

var (
	// FrameAllocator is the allocator instance that serves all physical
	// frame reservations for this boot.
	FrameAllocator BitmapAllocator

	// ErrFrameExhausted is returned when no free frame remains. Callers
	// must propagate this as a failure of the higher-level operation.
	ErrFrameExhausted = &kernel.Error{Module: "pmm", Message: "out of physical frames"}

	// ErrFrameOutOfRange is returned when releasing a frame that is not
	// part of the managed region.
	ErrFrameOutOfRange = &kernel.Error{Module: "pmm", Message: "frame address outside managed region"}

	// ErrFrameNotAllocated is returned when releasing a frame that is not
	// currently marked as reserved. This indicates a double release or a
	// corrupted owner and is reported rather than silently ignored.
	ErrFrameNotAllocated = &kernel.Error{Module: "pmm", Message: "frame is not marked as reserved"}
)

// BitmapAllocator tracks frame reservations for the managed physical region
// using one bit per frame.
type BitmapAllocator struct {
	// startFrame is the frame number of the first managed frame; bitmap
	// bit i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// bitmap tracks used (set) and free (cleared) frames.
	bitmap [(frameCount + 63) / 64]uint64

	// cursor is the bit index where the next allocation scan begins. It
	// rotates forward past each successful allocation and wraps at
	// frameCount.
	cursor uint32

	// reservedCount tracks the number of reserved frames.
	reservedCount uint32
}

// Init resets the allocator state and reserves the frames overlapping the
// kernel image so they can never be handed out.
func (alloc *BitmapAllocator) Init(kernelStart, kernelEnd uintptr) {
	alloc.startFrame = mm.FrameFromAddress(managedBase)
	alloc.cursor = 0
	alloc.reservedCount = 0
	for i := range alloc.bitmap {
		alloc.bitmap[i] = 0
	}

	// Round the kernel image out to whole frames and mark any overlap
	// with the managed region as reserved.
	for frame := mm.FrameFromAddress(kernelStart); frame.Address() < kernelEnd; frame++ {
		if bit, ok := alloc.bitFor(frame); ok {
			alloc.markReserved(bit)
		}
	}
}

// AllocFrame reserves and returns the next available frame. The scan starts
// at the rotating cursor and wraps around once; if no free bit is found the
// allocator is exhausted and ErrFrameExhausted is returned.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for scanned := uint32(0); scanned < uint32(frameCount); scanned++ {
		bit := alloc.cursor
		alloc.cursor++
		if alloc.cursor == uint32(frameCount) {
			alloc.cursor = 0
		}

		if alloc.bitmap[bit>>6]&(1<<(bit&63)) == 0 {
			alloc.markReserved(bit)
			return alloc.startFrame + mm.Frame(bit), nil
		}
	}

	return mm.InvalidFrame, ErrFrameExhausted
}

// FreeFrame releases a frame previously returned by AllocFrame. Releasing a
// frame outside the managed region or a frame that is not currently reserved
// is an invariant violation and yields an error.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	bit, ok := alloc.bitFor(frame)
	if !ok {
		return ErrFrameOutOfRange
	}

	if alloc.bitmap[bit>>6]&(1<<(bit&63)) == 0 {
		return ErrFrameNotAllocated
	}

	alloc.bitmap[bit>>6] &^= 1 << (bit & 63)
	alloc.reservedCount--
	return nil
}

// TotalFrames returns the number of frames in the managed region.
func (alloc *BitmapAllocator) TotalFrames() uint32 { return uint32(frameCount) }

// FreeFrames returns the number of frames currently available.
func (alloc *BitmapAllocator) FreeFrames() uint32 {
	return uint32(frameCount) - alloc.reservedCount
}

// ReservedFrames returns the number of frames currently reserved.
func (alloc *BitmapAllocator) ReservedFrames() uint32 { return alloc.reservedCount }

func (alloc *BitmapAllocator) bitFor(frame mm.Frame) (uint32, bool) {
	if frame < alloc.startFrame || frame >= alloc.startFrame+mm.Frame(frameCount) {
		return 0, false
	}
	return uint32(frame - alloc.startFrame), true
}

func (alloc *BitmapAllocator) markReserved(bit uint32) {
	alloc.bitmap[bit>>6] |= 1 << (bit & 63)
	alloc.reservedCount++
}

// allocFrame delegates to the package allocator instance.
func allocFrame() (mm.Frame, *kernel.Error) {
	return FrameAllocator.AllocFrame()
}

// Init sets up the kernel physical memory allocation sub-system and
// registers it as the frame source for the paging code.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	FrameAllocator.Init(kernelStart, kernelEnd)
	mm.SetFrameAllocator(allocFrame)
	return nil
}
