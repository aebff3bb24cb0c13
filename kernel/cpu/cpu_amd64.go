// Package cpu provides thin wrappers around the amd64 instructions that the
// kernel needs but Go cannot express. Each wrapper is implemented in
// cpu_amd64.s; packages that call them in code paths covered by tests do so
// through package-level function variables so the hardware access can be
// mocked out.
package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes the TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadMSR returns the contents of the model-specific register msr.
func ReadMSR(msr uint32) uint64

// WriteMSR stores value to the model-specific register msr.
func WriteMSR(msr uint32, value uint64)

// LoadGDT loads the GDT register from the 10-byte descriptor-table pointer
// at addr (16-bit limit followed by the 64-bit table base).
func LoadGDT(addr uintptr)

// LoadTaskRegister loads the task register with the supplied TSS selector.
func LoadTaskRegister(selector uint16)

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8
