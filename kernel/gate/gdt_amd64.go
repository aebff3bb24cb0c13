// Package gate manages the privilege boundary between the kernel and user
// programs: the descriptor tables that define the two rings, the one-way
// transition into ring 3 and the syscall path back into ring 0. Nothing
// outside this package manipulates selectors or privilege levels.
package gate

import (
	"unsafe"

	"kos/kernel/cpu"
)

// Selectors for the descriptors in the gdt table. SYSRET derives both user
// selectors from a single base stored in the STAR register (base+8 for SS,
// base+16 for CS) which pins the descriptor order: user data must sit
// immediately before user code.
const (
	SelectorKernelCode = uint16(0x08)
	SelectorKernelData = uint16(0x10)
	SelectorUserData   = uint16(0x18 | 3)
	SelectorUserCode   = uint16(0x20 | 3)
	selectorTSS        = uint16(0x28)

	// null + 4 segment descriptors + 2 slots for the 16-byte TSS descriptor
	gdtEntryCount = 7
)

type segmentDescriptor uint64

const (
	descWritable   segmentDescriptor = 1 << 41
	descCode       segmentDescriptor = 1 << 43
	descCodeOrData segmentDescriptor = 1 << 44
	descPresent    segmentDescriptor = 1 << 47
	descLongCode   segmentDescriptor = 1 << 53
)

// codeSegment returns a 64-bit code segment descriptor for the supplied
// privilege level. Base and limit are ignored by the CPU in long mode.
func codeSegment(dpl uint8) segmentDescriptor {
	return descPresent | descCodeOrData | descCode | descWritable | descLongCode |
		segmentDescriptor(dpl&3)<<45
}

// dataSegment returns a data segment descriptor for the supplied privilege
// level.
func dataSegment(dpl uint8) segmentDescriptor {
	return descPresent | descCodeOrData | descWritable |
		segmentDescriptor(dpl&3)<<45
}

// tssDescriptor packs the 16-byte 64-bit TSS descriptor into the two GDT
// slots it occupies.
func tssDescriptor(base uintptr, limit uint32) (lo, hi uint64) {
	lo = uint64(limit&0xffff) |
		uint64(base&0xffffff)<<16 |
		uint64(0x89)<<40 | // present, available 64-bit TSS
		uint64(limit&0xf0000)<<32 |
		uint64(base>>24&0xff)<<56
	hi = uint64(base >> 32)
	return lo, hi
}

// taskStateSegment is the 64-bit TSS. The hardware layout is packed and its
// 64-bit fields straddle 4-byte boundaries, so they are declared as lo/hi
// halves to keep Go from inserting padding.
type taskStateSegment struct {
	_              uint32
	rsp0Lo, rsp0Hi uint32
	rsp1Lo, rsp1Hi uint32
	rsp2Lo, rsp2Hi uint32
	_, _           uint32
	ist            [14]uint32
	_, _           uint32
	_              uint16
	ioMapBase      uint16
}

var (
	gdt [gdtEntryCount]uint64
	tss taskStateSegment

	// gdtPtr is the 10-byte LGDT operand: a 16-bit limit followed by the
	// 64-bit table base, assembled by hand since a Go struct would pad it.
	gdtPtr [10]byte

	// kernelStack is the static stack for ring-0 execution after a
	// privilege switch. The TSS and the syscall entry stub both point at
	// its top.
	kernelStack [16 * 1024]byte

	loadGDTFn          = cpu.LoadGDT
	loadTaskRegisterFn = cpu.LoadTaskRegister
)

// kernelStackTop returns the 16-byte aligned top of the static kernel stack.
func kernelStackTop() uintptr {
	top := uintptr(unsafe.Pointer(&kernelStack[0])) + uintptr(len(kernelStack))
	return top &^ 15
}

// setKernelStack points TSS.RSP0 at the supplied stack top. The CPU loads it
// whenever an interrupt or exception lowers the privilege level to ring 0.
func setKernelStack(stackTop uintptr) {
	tss.rsp0Lo = uint32(stackTop)
	tss.rsp0Hi = uint32(stackTop >> 32)
}

// Install populates the descriptor table, points the TSS at the kernel call
// stack and loads GDTR and the task register.
func Install() {
	gdt[0] = 0
	gdt[SelectorKernelCode>>3] = uint64(codeSegment(0))
	gdt[SelectorKernelData>>3] = uint64(dataSegment(0))
	gdt[SelectorUserData>>3] = uint64(dataSegment(3))
	gdt[SelectorUserCode>>3] = uint64(codeSegment(3))

	setKernelStack(kernelStackTop())
	tss.ioMapBase = uint16(unsafe.Sizeof(tss)) // no I/O permission bitmap
	lo, hi := tssDescriptor(uintptr(unsafe.Pointer(&tss)), uint32(unsafe.Sizeof(tss))-1)
	gdt[selectorTSS>>3] = lo
	gdt[selectorTSS>>3+1] = hi

	limit := uint16(gdtEntryCount*8 - 1)
	base := uintptr(unsafe.Pointer(&gdt[0]))
	gdtPtr[0] = byte(limit)
	gdtPtr[1] = byte(limit >> 8)
	for i := uint(0); i < 8; i++ {
		gdtPtr[2+i] = byte(base >> (8 * i))
	}

	loadGDTFn(uintptr(unsafe.Pointer(&gdtPtr[0])))
	loadTaskRegisterFn(selectorTSS)
}

// EnterUserMode transfers control to ring 3 at the supplied entry point with
// the supplied stack. The IRETQ frame is built from register operands so no
// stack memory outlives the transition. It never returns; the only ways back
// into the kernel are a syscall or a fault.
func EnterUserMode(entry, stackTop uintptr)
