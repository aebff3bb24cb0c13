// Package kheap implements the kernel byte-granularity allocator on top of the
// paging code. The heap region is carved into an address-ordered sequence of
// blocks described purely by arithmetic: each block header records its own size
// and the size of the block immediately before it, so the successor lives at
// addr+size and the predecessor at addr-prevSize. No pointers are stored inside
// the heap, which keeps a single corrupted field from derailing a traversal
// into unrelated memory.
package kheap

import (
	"unsafe"

	"kos/kernel"
	"kos/kernel/kfmt"
	"kos/kernel/mm"
	"kos/kernel/mm/vmm"
)

const (
	// blockAlign is the alignment of block payloads. Block sizes are always
	// multiples of blockAlign so every payload in the heap stays aligned.
	blockAlign = uintptr(16)

	// minPayload is the smallest payload worth tracking; free fragments
	// smaller than headerSize+minPayload are left attached to their block.
	minPayload = blockAlign

	headerMagic = uintptr(0x1badb10c)

	blockFree = uintptr(0x1)
	blockUsed = uintptr(0x2)
)

var (
	// ErrOutOfMemory is returned when no free block can satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "kheap", Message: "out of heap memory"}

	// ErrCorruptedHeap is returned by Validate and by allocation requests
	// that trip over a block header whose guard or geometry no longer
	// checks out.
	ErrCorruptedHeap = &kernel.Error{Module: "kheap", Message: "heap block header is corrupted"}

	// ErrBadFree is returned when releasing an address the heap does not
	// recognize as the payload of a live block. The release is rejected,
	// counted and reported; the heap itself stays intact.
	ErrBadFree = &kernel.Error{Module: "kheap", Message: "free of an address not owned by the heap"}

	// mapRangeFn maps the heap backing pages; tests stub it out and back
	// the heap with a plain byte slice instead.
	mapRangeFn = vmm.MapRange

	// kernelHeap is the allocator instance serving the kernel.
	kernelHeap Allocator
)

// blockHeader sits immediately before every payload. The guard couples the
// header to its own address and size so that both a stray write into the
// header and a stale pointer to a block that was since coalesced away are
// caught on the next access.
type blockHeader struct {
	size     uintptr // total block size, header included
	prevSize uintptr // size of the block immediately before; 0 for the first block
	state    uintptr
	guard    uintptr
}

const headerSize = unsafe.Sizeof(blockHeader{})

func headerAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

func (hdr *blockHeader) addr() uintptr {
	return uintptr(unsafe.Pointer(hdr))
}

func (hdr *blockHeader) payload() uintptr {
	return hdr.addr() + headerSize
}

// seal recomputes the guard. It must be called after every size change.
func (hdr *blockHeader) seal() {
	hdr.guard = headerMagic ^ hdr.addr() ^ hdr.size
}

func (hdr *blockHeader) sealed() bool {
	return hdr.guard == headerMagic^hdr.addr()^hdr.size
}

func align(n uintptr) uintptr {
	return (n + blockAlign - 1) &^ (blockAlign - 1)
}

// Stats describes the heap occupancy at the time of a Stats call.
type Stats struct {
	TotalBytes   uintptr
	FreeBytes    uintptr
	LargestFree  uintptr
	UsedBlocks   uint32
	FreeBlocks   uint32
	AllocCount   uint64
	FreeCount    uint64
	BadFreeCount uint64
}

// Allocator manages a contiguous heap region.
type Allocator struct {
	start    uintptr
	size     uintptr
	allocs   uint64
	frees    uint64
	badFrees uint64
}

// Init maps size bytes of physical memory at the supplied page-aligned virtual
// address and formats the region as a single free block. size is rounded up to
// a whole number of pages.
func (h *Allocator) Init(start, size uintptr) *kernel.Error {
	pageCount := (size + mm.PageSize - 1) >> mm.PageShift
	size = pageCount << mm.PageShift

	if err := mapRangeFn(mm.PageFromAddress(start), pageCount, vmm.FlagRW|vmm.FlagNoExecute); err != nil {
		return err
	}

	h.start, h.size = start, size
	h.allocs, h.frees, h.badFrees = 0, 0, 0

	hdr := headerAt(start)
	hdr.size = size
	hdr.prevSize = 0
	hdr.state = blockFree
	hdr.seal()
	return nil
}

func (h *Allocator) end() uintptr {
	return h.start + h.size
}

// checkHeader verifies that a header reached by block arithmetic is still
// trustworthy before any of its fields are used to take the next step.
func (h *Allocator) checkHeader(hdr *blockHeader) *kernel.Error {
	if !hdr.sealed() ||
		hdr.size < headerSize+minPayload ||
		hdr.size%blockAlign != 0 ||
		hdr.addr()+hdr.size > h.end() {
		return ErrCorruptedHeap
	}
	return nil
}

// Alloc reserves size bytes and returns the address of the payload. Requests
// for zero bytes reserve nothing and return address 0.
func (h *Allocator) Alloc(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, nil
	}

	need := headerSize + align(size)
	for addr := h.start; addr < h.end(); {
		hdr := headerAt(addr)
		if err := h.checkHeader(hdr); err != nil {
			return 0, err
		}

		if hdr.state == blockFree && hdr.size >= need {
			h.carve(hdr, need)
			hdr.state = blockUsed
			h.allocs++
			return hdr.payload(), nil
		}

		addr += hdr.size
	}

	return 0, ErrOutOfMemory
}

// AllocZeroed behaves like Alloc but clears the payload before returning it.
func (h *Allocator) AllocZeroed(size uintptr) (uintptr, *kernel.Error) {
	addr, err := h.Alloc(size)
	if err == nil && addr != 0 {
		kernel.Memset(addr, 0, size)
	}
	return addr, err
}

// carve splits the tail of a block off into a new free block if the remainder
// is large enough to stand on its own.
func (h *Allocator) carve(hdr *blockHeader, need uintptr) {
	if hdr.size-need < headerSize+minPayload {
		return
	}

	rest := headerAt(hdr.addr() + need)
	rest.size = hdr.size - need
	rest.prevSize = need
	rest.state = blockFree
	rest.seal()

	if nextAddr := hdr.addr() + hdr.size; nextAddr < h.end() {
		headerAt(nextAddr).prevSize = rest.size
	}

	hdr.size = need
	hdr.seal()
}

// Free releases a payload address previously returned by Alloc. An address the
// heap does not recognize is rejected with ErrBadFree; the failure is counted
// and reported but never brings the kernel down.
func (h *Allocator) Free(addr uintptr) *kernel.Error {
	if addr == 0 {
		return nil
	}

	if addr < h.start+headerSize || addr >= h.end() || (addr-h.start)%blockAlign != 0 {
		return h.badFree(addr, "address outside heap blocks")
	}

	hdr := headerAt(addr - headerSize)
	if !hdr.sealed() {
		return h.badFree(addr, "no live block at address")
	}
	if hdr.state != blockUsed {
		return h.badFree(addr, "block is not allocated")
	}

	hdr.state = blockFree
	h.frees++
	h.coalesce(hdr)
	return nil
}

func (h *Allocator) badFree(addr uintptr, reason string) *kernel.Error {
	h.badFrees++
	kfmt.Printf("kheap: rejected free of %16x: %s\n", addr, reason)
	return ErrBadFree
}

// coalesce merges a freshly freed block with free neighbours on either side.
// Absorbed headers get their guard cleared so stale pointers into them are
// rejected by later frees.
func (h *Allocator) coalesce(hdr *blockHeader) {
	if nextAddr := hdr.addr() + hdr.size; nextAddr < h.end() {
		next := headerAt(nextAddr)
		if next.state == blockFree {
			hdr.size += next.size
			next.guard = 0
			hdr.seal()
		}
	}

	if hdr.prevSize != 0 {
		prev := headerAt(hdr.addr() - hdr.prevSize)
		if prev.state == blockFree {
			prev.size += hdr.size
			hdr.guard = 0
			prev.seal()
			hdr = prev
		}
	}

	if nextAddr := hdr.addr() + hdr.size; nextAddr < h.end() {
		headerAt(nextAddr).prevSize = hdr.size
	}
}

// Realloc resizes the payload at addr to size bytes, preserving the payload
// prefix that fits in both the old and the new block. Realloc(0, size) behaves
// like Alloc(size) and Realloc(addr, 0) like Free(addr). The block is resized
// in place when the room is there; otherwise the payload moves and the old
// address becomes invalid.
func (h *Allocator) Realloc(addr, size uintptr) (uintptr, *kernel.Error) {
	if addr == 0 {
		return h.Alloc(size)
	}
	if size == 0 {
		return 0, h.Free(addr)
	}

	if addr < h.start+headerSize || addr >= h.end() || (addr-h.start)%blockAlign != 0 {
		return 0, h.badFree(addr, "address outside heap blocks")
	}
	hdr := headerAt(addr - headerSize)
	if !hdr.sealed() || hdr.state != blockUsed {
		return 0, h.badFree(addr, "no live block at address")
	}

	need := headerSize + align(size)

	// Shrink in place, handing the cut-off tail back to the free list
	if need <= hdr.size {
		if hdr.size-need >= headerSize+minPayload {
			h.carve(hdr, need)
			rest := headerAt(hdr.addr() + need)
			h.coalesce(rest)
		}
		return addr, nil
	}

	// Grow in place by absorbing a free successor
	if nextAddr := hdr.addr() + hdr.size; nextAddr < h.end() {
		next := headerAt(nextAddr)
		if next.state == blockFree && hdr.size+next.size >= need {
			hdr.size += next.size
			next.guard = 0
			hdr.seal()
			if followAddr := hdr.addr() + hdr.size; followAddr < h.end() {
				headerAt(followAddr).prevSize = hdr.size
			}
			h.carve(hdr, need)
			return addr, nil
		}
	}

	// Relocate
	oldPayload := hdr.size - headerSize
	newAddr, err := h.Alloc(size)
	if err != nil {
		return 0, err
	}

	copyLen := oldPayload
	if size < copyLen {
		copyLen = size
	}
	kernel.Memcopy(addr, newAddr, copyLen)
	h.Free(addr)
	return newAddr, nil
}

// Validate walks the whole heap and verifies every structural invariant: each
// guard is intact, each back-link matches the size of the block before it, and
// the block sizes sum to exactly the region size.
func (h *Allocator) Validate() *kernel.Error {
	var (
		sum      uintptr
		prevSize uintptr
	)

	for addr := h.start; addr < h.end(); {
		hdr := headerAt(addr)
		if err := h.checkHeader(hdr); err != nil {
			return err
		}
		if hdr.prevSize != prevSize {
			return ErrCorruptedHeap
		}
		if hdr.state != blockFree && hdr.state != blockUsed {
			return ErrCorruptedHeap
		}

		sum += hdr.size
		prevSize = hdr.size
		addr += hdr.size
	}

	if sum != h.size {
		return ErrCorruptedHeap
	}
	return nil
}

// Stats tallies the current heap occupancy.
func (h *Allocator) Stats() Stats {
	stats := Stats{
		TotalBytes:   h.size,
		AllocCount:   h.allocs,
		FreeCount:    h.frees,
		BadFreeCount: h.badFrees,
	}

	for addr := h.start; addr < h.end(); {
		hdr := headerAt(addr)
		if h.checkHeader(hdr) != nil {
			break
		}
		if hdr.state == blockFree {
			stats.FreeBlocks++
			free := hdr.size - headerSize
			stats.FreeBytes += free
			if free > stats.LargestFree {
				stats.LargestFree = free
			}
		} else {
			stats.UsedBlocks++
		}
		addr += hdr.size
	}

	return stats
}

// Init sets up the kernel heap over the supplied virtual address range.
func Init(start, size uintptr) *kernel.Error {
	return kernelHeap.Init(start, size)
}

// Alloc reserves size bytes from the kernel heap.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	return kernelHeap.Alloc(size)
}

// AllocZeroed reserves size zeroed bytes from the kernel heap.
func AllocZeroed(size uintptr) (uintptr, *kernel.Error) {
	return kernelHeap.AllocZeroed(size)
}

// Realloc resizes a kernel heap allocation.
func Realloc(addr, size uintptr) (uintptr, *kernel.Error) {
	return kernelHeap.Realloc(addr, size)
}

// Free releases a kernel heap allocation.
func Free(addr uintptr) *kernel.Error {
	return kernelHeap.Free(addr)
}

// Validate checks the structural invariants of the kernel heap.
func Validate() *kernel.Error {
	return kernelHeap.Validate()
}

// HeapStats reports the kernel heap occupancy.
func HeapStats() Stats {
	return kernelHeap.Stats()
}
