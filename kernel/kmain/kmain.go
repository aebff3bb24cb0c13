// Package kmain contains the high-level kernel entry point that runs once the
// early assembly bootstrap has switched to long mode and built the boot page
// tables.
package kmain

import (
	"kos/device/tty"
	"kos/kernel/cpu"
	"kos/kernel/gate"
	"kos/kernel/kfmt"
	"kos/kernel/loader"
	"kos/kernel/mm/kheap"
	"kos/kernel/mm/pmm"
)

const (
	// The kernel heap lives well above the identity-mapped boot region.
	kernelHeapBase = uintptr(0x10000000)
	kernelHeapSize = uintptr(4 * 1024 * 1024)
)

// Kmain initializes the kernel subsystems in dependency order and hands the
// CPU to the init program. kernelStart and kernelEnd frame the physical extent
// of the loaded kernel image so its frames are never handed out.
//
// Kmain does not return: it either drops to ring 3, parks on a missing init
// program, or panics on an initialization failure.
func Kmain(kernelStart, kernelEnd uintptr, fs loader.FileReader, initPath string) {
	console := tty.New()
	console.Clear()
	kfmt.SetOutputSink(console)
	gate.SetConsoleSink(console)

	if err := pmm.Init(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}
	kfmt.Printf("pmm: managing %d frames, %d reserved\n",
		pmm.FrameAllocator.TotalFrames(), pmm.FrameAllocator.ReservedFrames())

	if err := kheap.Init(kernelHeapBase, kernelHeapSize); err != nil {
		kfmt.Panic(err)
	}
	kfmt.Printf("kheap: %d bytes at %16x\n", kernelHeapSize, kernelHeapBase)

	gate.Install()
	gate.Configure()
	loader.SetExecHandoff(gate.EnterUserMode)

	if fs == nil {
		kfmt.Printf("kmain: no file system; parking\n")
		park()
	}

	if err := loader.LoadAndRun(fs, initPath, loader.HardwareMemory()); err != nil {
		kfmt.Panic(err)
	}
	park()
}

func park() {
	for {
		cpu.Halt()
	}
}
