package gate

import (
	"io"
	"unsafe"

	"kos/kernel/cpu"
	"kos/kernel/kfmt"
	"kos/kernel/mm"
	"kos/kernel/mm/kheap"
	"kos/kernel/mm/vmm"
)

const (
	msrEFER   = uint32(0xc0000080)
	msrSTAR   = uint32(0xc0000081)
	msrLSTAR  = uint32(0xc0000082)
	msrSFMASK = uint32(0xc0000084)

	eferSyscallEnable = uint64(1)

	rflagIF = uint64(0x200)

	sysWrite    = uintptr(1)
	sysMmap     = uintptr(9)
	sysMprotect = uintptr(10)
	sysMunmap   = uintptr(11)
	sysExit     = uintptr(60)

	// errResult is the value returned to user code for any rejected or
	// failed syscall.
	errResult = ^uintptr(0)

	// maxMmapLength caps a single anonymous mapping request.
	maxMmapLength = uintptr(1 * 1024 * 1024)
)

var (
	// syscallStackTop and userStackSlot are read and written by the
	// syscall entry stub in entry_amd64.s: the stub parks the user RSP in
	// userStackSlot and pivots to syscallStackTop before touching Go code.
	syscallStackTop uintptr
	userStackSlot   uintptr

	// consoleSink receives the bytes of write syscalls.
	consoleSink io.Writer

	readMSRFn  = cpu.ReadMSR
	writeMSRFn = cpu.WriteMSR
	parkFn     = cpu.Halt

	heapAllocFn         = kheap.Alloc
	heapFreeFn          = kheap.Free
	setUserAccessibleFn = vmm.SetUserAccessible
	translateFn         = vmm.Translate

	// validUserBufferFn reports whether [addr, addr+count) lies entirely
	// inside the user window. Tests override it so buffers can live in
	// regular memory.
	validUserBufferFn = func(addr, count uintptr) bool {
		return addr >= mm.UserBase && addr+count <= mm.UserCeiling && addr+count >= addr
	}
)

// syscallEntry is the assembly entry stub installed in LSTAR.
func syscallEntry()

// syscallEntryAddr returns the address of syscallEntry.
func syscallEntryAddr() uintptr

// SetConsoleSink routes write syscall output to w.
func SetConsoleSink(w io.Writer) {
	consoleSink = w
}

// Configure enables the SYSCALL/SYSRET instruction pair and programs its
// MSRs: the entry stub address in LSTAR, the selector bases in STAR and the
// RFLAGS clear-mask in SFMASK, which masks interrupts until the entry stub
// has moved off the user stack.
//
// SYSRET loads SS from STAR[63:48]+8 and CS from STAR[63:48]+16, both with
// RPL forced to 3, so the base stored there is the user data selector minus 8.
func Configure() {
	syscallStackTop = kernelStackTop()

	writeMSRFn(msrEFER, readMSRFn(msrEFER)|eferSyscallEnable)
	writeMSRFn(msrLSTAR, uint64(syscallEntryAddr()))
	writeMSRFn(msrSTAR, uint64(SelectorKernelCode)<<32|uint64(SelectorUserData-8)<<48)
	writeMSRFn(msrSFMASK, rflagIF)
}

// dispatchSyscall routes a syscall to its handler. It is called by the entry
// stub on the kernel call stack with interrupts masked; the returned value
// travels back to the user program in RAX.
func dispatchSyscall(num, arg1, arg2, arg3 uintptr) uintptr {
	switch num {
	case sysWrite:
		return sysWriteHandler(arg1, arg2, arg3)
	case sysMmap:
		return sysMmapHandler(arg2)
	case sysMprotect:
		return sysMprotectHandler(arg1, arg2)
	case sysMunmap:
		return sysMunmapHandler(arg1)
	case sysExit:
		sysExitHandler(arg1) // parks the CPU and never comes back
	default:
		kfmt.Printf("gate: rejected unknown syscall %d\n", num)
	}

	return errResult
}

// sysWriteHandler copies count bytes from the user buffer at buf to the
// console sink. Only the console file descriptors are honored and the buffer
// must lie entirely inside the user window; anything else is rejected with no
// bytes written.
func sysWriteHandler(fd, buf, count uintptr) uintptr {
	if fd != 1 && fd != 2 {
		return errResult
	}
	if !validUserBufferFn(buf, count) {
		return errResult
	}
	if count == 0 {
		return 0
	}
	if consoleSink == nil {
		return errResult
	}

	n, err := consoleSink.Write(unsafe.Slice((*byte)(unsafe.Pointer(buf)), count))
	if err != nil {
		return errResult
	}
	return uintptr(n)
}

// sysMmapHandler serves anonymous mappings from the kernel heap: the backing
// block is reserved there and its pages are opened up to ring 3. The address
// hint is ignored.
func sysMmapHandler(length uintptr) uintptr {
	if length == 0 || length > maxMmapLength {
		return errResult
	}

	addr, err := heapAllocFn(length)
	if err != nil {
		return errResult
	}

	// Protection is page-granular: the first and last page of the block
	// may carry bytes of neighbouring heap blocks, and those bytes become
	// user visible along with it.
	if err = setUserAccessibleFn(addr, length); err != nil {
		heapFreeFn(addr)
		return errResult
	}
	return addr
}

// sysMprotectHandler validates that the range is mapped and lies inside the
// user window. Per-page protection switching is not implemented; a valid
// request succeeds without changing anything.
func sysMprotectHandler(addr, length uintptr) uintptr {
	if length == 0 || !validUserBufferFn(addr, length) {
		return errResult
	}
	if _, err := translateFn(addr); err != nil {
		return errResult
	}
	return 0
}

// sysMunmapHandler releases a mapping created by sysMmapHandler. The heap
// rejects addresses it does not own, so a hostile argument cannot release
// kernel state.
func sysMunmapHandler(addr uintptr) uintptr {
	if err := heapFreeFn(addr); err != nil {
		return errResult
	}
	return 0
}

// sysExitHandler terminates the user program. There is no scheduler to hand
// the CPU back to, so the CPU parks; this handler must not return, as the
// stub behind it would SYSRET into a program that no longer exists.
func sysExitHandler(status uintptr) {
	kfmt.Printf("gate: user program exited with status %d\n", status)
	for {
		parkFn()
	}
}
