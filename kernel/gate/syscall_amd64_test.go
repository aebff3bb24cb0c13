package gate

import (
	"bytes"
	"runtime"
	"testing"
	"unsafe"

	"kos/kernel"
	"kos/kernel/mm"
	"kos/kernel/mm/kheap"
)

func TestConfigure(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origRead func(uint32) uint64, origWrite func(uint32, uint64)) {
		readMSRFn = origRead
		writeMSRFn = origWrite
	}(readMSRFn, writeMSRFn)

	msrs := make(map[uint32]uint64)
	readMSRFn = func(msr uint32) uint64 { return msrs[msr] }
	writeMSRFn = func(msr uint32, value uint64) { msrs[msr] = value }

	Configure()

	if msrs[msrEFER]&eferSyscallEnable == 0 {
		t.Error("expected EFER.SCE to be set")
	}
	if exp := uint64(syscallEntryAddr()); msrs[msrLSTAR] != exp {
		t.Errorf("expected LSTAR to hold the entry stub address %x; got %x", exp, msrs[msrLSTAR])
	}
	if msrs[msrSFMASK]&rflagIF == 0 {
		t.Error("expected SFMASK to clear IF on syscall entry")
	}

	// SYSRET derives SS as base+8|3 and CS as base+16|3; both must land on
	// the user selectors.
	star := msrs[msrSTAR]
	sysretBase := uint16(star >> 48)
	if got := sysretBase + 8 | 3; got != SelectorUserData {
		t.Errorf("expected SYSRET to derive SS %x; got %x", SelectorUserData, got)
	}
	if got := sysretBase + 16 | 3; got != SelectorUserCode {
		t.Errorf("expected SYSRET to derive CS %x; got %x", SelectorUserCode, got)
	}
	if got := uint16(star >> 32); got != SelectorKernelCode {
		t.Errorf("expected SYSCALL to load the kernel code selector; got %x", got)
	}

	if syscallStackTop != kernelStackTop() {
		t.Error("expected the entry stub stack to be the kernel call stack")
	}
}

func TestWriteSyscall(t *testing.T) {
	defer func(origValid func(uintptr, uintptr) bool) {
		validUserBufferFn = origValid
		consoleSink = nil
	}(validUserBufferFn)

	var sink bytes.Buffer
	SetConsoleSink(&sink)

	t.Run("writes to the console sink", func(t *testing.T) {
		sink.Reset()
		validUserBufferFn = func(uintptr, uintptr) bool { return true }

		data := []byte("hello ring 3")
		ret := dispatchSyscall(sysWrite, 1, uintptr(unsafe.Pointer(&data[0])), uintptr(len(data)))
		runtime.KeepAlive(data)

		if ret != uintptr(len(data)) {
			t.Fatalf("expected %d bytes to be reported written; got %d", len(data), ret)
		}
		if sink.String() != "hello ring 3" {
			t.Fatalf("unexpected console output %q", sink.String())
		}
	})

	t.Run("rejects unknown file descriptors", func(t *testing.T) {
		sink.Reset()
		validUserBufferFn = func(uintptr, uintptr) bool { return true }

		data := []byte("x")
		if ret := dispatchSyscall(sysWrite, 3, uintptr(unsafe.Pointer(&data[0])), 1); ret != errResult {
			t.Fatalf("expected the error value; got %x", ret)
		}
		if sink.Len() != 0 {
			t.Fatal("expected no bytes to reach the console")
		}
	})

	t.Run("rejects buffers outside the user window", func(t *testing.T) {
		sink.Reset()
		validUserBufferFn = func(addr, count uintptr) bool {
			return addr >= mm.UserBase && addr+count <= mm.UserCeiling && addr+count >= addr
		}

		cases := []struct{ addr, count uintptr }{
			{0, 16},                      // inside the null guard
			{mm.UserCeiling - 8, 16},     // straddles the ceiling
			{mm.UserCeiling + 0x1000, 8}, // kernel memory
			{^uintptr(0) - 8, 64},        // wraps around
		}
		for i, tc := range cases {
			if ret := dispatchSyscall(sysWrite, 1, tc.addr, tc.count); ret != errResult {
				t.Errorf("[case %d] expected the error value; got %x", i, ret)
			}
		}
		if sink.Len() != 0 {
			t.Fatal("expected no bytes to reach the console")
		}
	})

	t.Run("zero length writes nothing", func(t *testing.T) {
		sink.Reset()
		validUserBufferFn = func(uintptr, uintptr) bool { return true }

		if ret := dispatchSyscall(sysWrite, 1, mm.UserBase, 0); ret != 0 {
			t.Fatalf("expected 0 bytes written; got %x", ret)
		}
	})
}

func TestMmapSyscall(t *testing.T) {
	defer func(origAlloc func(uintptr) (uintptr, *kernel.Error), origFree func(uintptr) *kernel.Error, origSetUser func(uintptr, uintptr) *kernel.Error) {
		heapAllocFn = origAlloc
		heapFreeFn = origFree
		setUserAccessibleFn = origSetUser
	}(heapAllocFn, heapFreeFn, setUserAccessibleFn)

	t.Run("success", func(t *testing.T) {
		var userStart, userLen uintptr
		heapAllocFn = func(size uintptr) (uintptr, *kernel.Error) { return 0x5000, nil }
		setUserAccessibleFn = func(start, size uintptr) *kernel.Error {
			userStart, userLen = start, size
			return nil
		}

		if ret := dispatchSyscall(sysMmap, 0, 4096, 0); ret != 0x5000 {
			t.Fatalf("expected the mapped address; got %x", ret)
		}
		if userStart != 0x5000 || userLen != 4096 {
			t.Fatalf("expected the whole mapping to be opened to ring 3; got %x+%d", userStart, userLen)
		}
	})

	t.Run("rejects zero and oversized lengths", func(t *testing.T) {
		heapAllocFn = func(uintptr) (uintptr, *kernel.Error) {
			t.Fatal("no allocation must happen for a rejected request")
			return 0, nil
		}

		if ret := dispatchSyscall(sysMmap, 0, 0, 0); ret != errResult {
			t.Fatalf("expected the error value for length 0; got %x", ret)
		}
		if ret := dispatchSyscall(sysMmap, 0, maxMmapLength+1, 0); ret != errResult {
			t.Fatalf("expected the error value for an oversized length; got %x", ret)
		}
	})

	t.Run("releases the block when the user bit cannot be set", func(t *testing.T) {
		freed := uintptr(0)
		heapAllocFn = func(uintptr) (uintptr, *kernel.Error) { return 0x6000, nil }
		heapFreeFn = func(addr uintptr) *kernel.Error { freed = addr; return nil }
		expErr := &kernel.Error{Module: "test", Message: "unmapped"}
		setUserAccessibleFn = func(uintptr, uintptr) *kernel.Error { return expErr }

		if ret := dispatchSyscall(sysMmap, 0, 4096, 0); ret != errResult {
			t.Fatalf("expected the error value; got %x", ret)
		}
		if freed != 0x6000 {
			t.Fatal("expected the backing block to be released")
		}
	})
}

func TestMunmapSyscall(t *testing.T) {
	defer func(origFree func(uintptr) *kernel.Error) { heapFreeFn = origFree }(heapFreeFn)

	heapFreeFn = func(uintptr) *kernel.Error { return nil }
	if ret := dispatchSyscall(sysMunmap, 0x5000, 0, 0); ret != 0 {
		t.Fatalf("expected success; got %x", ret)
	}

	heapFreeFn = func(uintptr) *kernel.Error { return kheap.ErrBadFree }
	if ret := dispatchSyscall(sysMunmap, 0xbad, 0, 0); ret != errResult {
		t.Fatalf("expected the error value for an unowned address; got %x", ret)
	}
}

func TestMprotectSyscall(t *testing.T) {
	defer func(origTranslate func(uintptr) (uintptr, *kernel.Error), origValid func(uintptr, uintptr) bool) {
		translateFn = origTranslate
		validUserBufferFn = origValid
	}(translateFn, validUserBufferFn)

	validUserBufferFn = func(addr, count uintptr) bool { return addr >= mm.UserBase }

	translateFn = func(uintptr) (uintptr, *kernel.Error) { return 0x1000, nil }
	if ret := dispatchSyscall(sysMprotect, mm.UserBase, 4096, 0); ret != 0 {
		t.Fatalf("expected success; got %x", ret)
	}

	expErr := &kernel.Error{Module: "test", Message: "hole"}
	translateFn = func(uintptr) (uintptr, *kernel.Error) { return 0, expErr }
	if ret := dispatchSyscall(sysMprotect, mm.UserBase, 4096, 0); ret != errResult {
		t.Fatalf("expected the error value for an unmapped range; got %x", ret)
	}

	if ret := dispatchSyscall(sysMprotect, 0, 4096, 0); ret != errResult {
		t.Fatalf("expected the error value for a range outside the user window; got %x", ret)
	}
}

func TestExitSyscallNeverReturns(t *testing.T) {
	defer func(origPark func()) { parkFn = origPark }(parkFn)

	type parkSentinel struct{}
	parkCalls := 0
	parkFn = func() {
		parkCalls++
		panic(parkSentinel{})
	}

	returned := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(parkSentinel); !ok {
					panic(r)
				}
			}
		}()
		dispatchSyscall(sysExit, 42, 0, 0)
		returned = true
	}()

	if returned {
		t.Fatal("expected the exit path to park the CPU instead of returning to the stub")
	}
	if parkCalls != 1 {
		t.Fatalf("expected the CPU to be parked; park was called %d times", parkCalls)
	}
}

func TestUnknownSyscall(t *testing.T) {
	if ret := dispatchSyscall(1234, 0, 0, 0); ret != errResult {
		t.Fatalf("expected the error value for an unknown syscall number; got %x", ret)
	}
}
