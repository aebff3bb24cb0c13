package vmm

import (
	"unsafe"

	"kos/kernel"
	"kos/kernel/cpu"
	"kos/kernel/mm"
)

var (
	// nextAddrFn returns the virtual address of the page table pointed to
	// by a page table entry. It is exposed as a variable so tests can
	// redirect table accesses to mock page table arrays.
	nextAddrFn = func(entryAddr uintptr) uintptr {
		return entryAddr
	}

	// flushTLBEntryFn flushes a TLB entry. Tests override it to count
	// invalidations without touching the CPU.
	flushTLBEntryFn = cpu.FlushTLBEntry

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// Map establishes a mapping between a virtual page and a physical memory frame
// using the currently active page directory table. Calls to Map will use the
// supplied physical frame allocator to initialize missing page tables at each
// paging level supported by the MMU.
//
// If the mapping carries FlagUserAccessible, the same flag is applied to every
// intermediate table entry on the translation path. The MMU performs the
// user/supervisor check at each level; a leaf-only bit would still fault.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			if newTableFrame, err = mm.AllocFrame(); err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			// The next-level table becomes addressable via the
			// recursive mapping the moment the entry above points
			// to it. Calculate its virtual address from the entry
			// address and clear its 512 entries.
			pteAddr := uintptr(unsafe.Pointer(pte))
			tableAddr := (pteAddr << pageLevelBits[pteLevel]) &^ (uintptr(mm.PageSize) - 1)
			kernel.Memset(nextAddrFn(tableAddr), 0, mm.PageSize)
		}

		if flags&FlagUserAccessible != 0 {
			pte.SetFlags(FlagUserAccessible)
		}

		return true
	})

	return err
}

// MapRange maps pageCount consecutive virtual pages starting at startPage,
// backing each one with a freshly reserved physical frame. If any page fails
// to map, the error is returned and the pages mapped so far remain in place.
func MapRange(startPage mm.Page, pageCount uintptr, flags PageTableEntryFlag) *kernel.Error {
	for page := startPage; page < startPage+mm.Page(pageCount); page++ {
		frame, err := mm.AllocFrame()
		if err != nil {
			return err
		}

		if err = mapFn(page, frame, flags); err != nil {
			return err
		}
	}

	return nil
}

// mapFn allows tests of callers in this package to intercept Map calls.
var mapFn = Map

// Unmap removes the leaf mapping for the given virtual page and invalidates
// its TLB entry. The intermediate page tables on the translation path are left
// in place; the backing frame is not released and remains owned by the caller.
func Unmap(page mm.Page) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to unset
		// the present flag and flush the TLB entry
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		return true
	})

	return err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame the
	// entry points to and appending the offset bits of the virtual address
	physAddr := pte.Frame().Address() + (virtAddr & (uintptr(mm.PageSize) - 1))
	return physAddr, nil
}

// SetUserAccessible marks the virtual address range [start, start+size) as
// reachable from user mode. For each page in the range the user bit is set on
// the page table entry at every level of the translation path and the TLB
// entry is invalidated. The whole range must already be mapped; a hole yields
// ErrInvalidMapping and the pages processed so far keep their updated flags.
func SetUserAccessible(start, size uintptr) *kernel.Error {
	var err *kernel.Error

	if size == 0 {
		return nil
	}

	firstPage := mm.PageFromAddress(start)
	lastPage := mm.PageFromAddress(start + size - 1)
	for page := firstPage; page <= lastPage; page++ {
		walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
			if !pte.HasFlags(FlagPresent) {
				err = ErrInvalidMapping
				return false
			}

			pte.SetFlags(FlagUserAccessible)
			return true
		})

		if err != nil {
			return err
		}

		flushTLBEntryFn(page.Address())
	}

	return nil
}
