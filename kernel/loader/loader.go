// Package loader places ELF64 user programs into the user address window and
// hands them off to ring 3. Images are validated up front: no physical frame
// is acquired until every header and segment of the image has been checked.
package loader

import (
	"unsafe"

	"kos/kernel"
	"kos/kernel/kfmt"
	"kos/kernel/mm"
	"kos/kernel/mm/kheap"
	"kos/kernel/mm/vmm"
)

// Memory is the loader's window onto the user address space. Map ensures the
// range is backed by frames with kernel rights; MakeUserAccessible opens a
// range to ring 3 once its contents are in place.
type Memory interface {
	Map(start, size uintptr) *kernel.Error
	Copy(dst uintptr, src []byte) *kernel.Error
	Zero(start, size uintptr) *kernel.Error
	Poke64(addr uintptr, value uint64) *kernel.Error
	MakeUserAccessible(start, size uintptr) *kernel.Error
}

// hwMemory implements Memory on the real MMU through the paging code.
type hwMemory struct{}

// HardwareMemory returns the Memory implementation backed by the MMU.
func HardwareMemory() Memory { return hwMemory{} }

func (hwMemory) Map(start, size uintptr) *kernel.Error {
	firstPage := mm.PageFromAddress(start)
	lastPage := mm.PageFromAddress(start + size - 1)
	for page := firstPage; page <= lastPage; page++ {
		// Adjacent segments may share a page that is already backed
		if _, err := vmm.Translate(page.Address()); err == nil {
			continue
		}

		frame, err := mm.AllocFrame()
		if err != nil {
			return err
		}
		if err = vmm.Map(page, frame, vmm.FlagRW); err != nil {
			return err
		}
	}
	return nil
}

func (hwMemory) Copy(dst uintptr, src []byte) *kernel.Error {
	kernel.Memcopy(uintptr(unsafe.Pointer(&src[0])), dst, uintptr(len(src)))
	return nil
}

func (hwMemory) Zero(start, size uintptr) *kernel.Error {
	kernel.Memset(start, 0, size)
	return nil
}

func (hwMemory) Poke64(addr uintptr, value uint64) *kernel.Error {
	*(*uint64)(unsafe.Pointer(addr)) = value
	return nil
}

func (hwMemory) MakeUserAccessible(start, size uintptr) *kernel.Error {
	return vmm.SetUserAccessible(start, size)
}

// Region describes a range of the user window populated by Load.
type Region struct {
	Start uintptr
	Size  uintptr
}

// Image describes a successfully loaded program.
type Image struct {
	// Entry is the biased entry point.
	Entry uintptr

	// Bias is the load bias applied to every virtual address of the image:
	// zero for fixed-position executables, dynBias for position
	// independent ones.
	Bias uintptr

	// StackTop is the initial user stack pointer.
	StackTop uintptr

	// Regions lists the loaded segment ranges and the stack window.
	Regions []Region
}

// contains reports whether [addr, addr+size) lies inside a populated region.
func (img *Image) contains(addr, size uintptr) bool {
	for _, region := range img.Regions {
		if addr >= region.Start && addr+size <= region.Start+region.Size {
			return true
		}
	}
	return false
}

// Load validates the ELF image, copies its loadable segments into userMem,
// applies base-relative relocations, prepares the user stack window and opens
// everything it populated to ring 3.
func Load(image []byte, userMem Memory) (*Image, *kernel.Error) {
	hdr, err := parseFileHeader(image)
	if err != nil {
		return nil, err
	}

	var bias uintptr
	if hdr.elfType == typeDyn {
		bias = dynBias
	}

	stackBase := mm.UserStackTop - mm.UserStackPages*mm.PageSize

	// Validate every loadable segment before acquiring a single frame
	for i := uint16(0); i < hdr.phNum; i++ {
		seg := progHeaderAt(image, hdr, i)
		if seg.progType != progTypeLoad {
			continue
		}

		// seg.offset is attacker-controlled; compare against the bytes
		// remaining past it so the sum cannot wrap
		if seg.fileSz > seg.memSz || seg.offset > uint64(len(image)) ||
			seg.fileSz > uint64(len(image))-seg.offset {
			return nil, ErrBadSegment
		}

		dst := bias + uintptr(seg.vaddr)
		end := dst + uintptr(seg.memSz)
		if dst < mm.UserBase || end > mm.UserCeiling || end < dst {
			return nil, ErrBadSegment
		}
		if dst < mm.UserStackTop && end > stackBase {
			return nil, ErrStackOverlap
		}
	}

	if bias != 0 {
		if err = validateRelaSections(image, hdr); err != nil {
			return nil, err
		}
	}

	img := &Image{
		Entry:    bias + uintptr(hdr.entry),
		Bias:     bias,
		StackTop: mm.UserStackTop - 16,
	}

	for i := uint16(0); i < hdr.phNum; i++ {
		seg := progHeaderAt(image, hdr, i)
		if seg.progType != progTypeLoad || seg.memSz == 0 {
			continue
		}

		dst := bias + uintptr(seg.vaddr)
		if err = userMem.Map(dst, uintptr(seg.memSz)); err != nil {
			return nil, err
		}
		if seg.fileSz != 0 {
			if err = userMem.Copy(dst, image[seg.offset:seg.offset+seg.fileSz]); err != nil {
				return nil, err
			}
		}
		// The segment tail past the file contents is zero-initialized
		if seg.memSz > seg.fileSz {
			if err = userMem.Zero(dst+uintptr(seg.fileSz), uintptr(seg.memSz-seg.fileSz)); err != nil {
				return nil, err
			}
		}

		img.Regions = append(img.Regions, Region{Start: dst, Size: uintptr(seg.memSz)})
	}

	if bias != 0 {
		var relocErr *kernel.Error
		forEachRelativeReloc(image, hdr, func(offset uint64, addend int64) {
			if relocErr != nil {
				return
			}
			// Only words inside a loaded segment may be patched
			target := bias + uintptr(offset)
			if !img.contains(target, 8) {
				relocErr = ErrBadSegment
				return
			}
			relocErr = userMem.Poke64(target, uint64(bias)+uint64(addend))
		})
		if relocErr != nil {
			return nil, relocErr
		}
	}

	stackSize := mm.UserStackPages * mm.PageSize
	if err = userMem.Map(stackBase, stackSize); err != nil {
		return nil, err
	}
	if err = userMem.Zero(stackBase, stackSize); err != nil {
		return nil, err
	}
	img.Regions = append(img.Regions, Region{Start: stackBase, Size: stackSize})

	for _, region := range img.Regions {
		if err = userMem.MakeUserAccessible(region.Start, region.Size); err != nil {
			return nil, err
		}
	}

	return img, nil
}

// FileReader is the byte-stream interface the loader pulls program images
// through. It is satisfied by the file-system collaborator.
type FileReader interface {
	Stat(path string) (uintptr, *kernel.Error)
	Open(path string) (uintptr, *kernel.Error)
	Read(handle uintptr, buf []byte) (int, *kernel.Error)
	Close(handle uintptr)
}

var (
	// ErrShortRead is returned when a program image ends before its
	// advertised size.
	ErrShortRead = &kernel.Error{Module: "loader", Message: "program image truncated while reading"}

	// errNoExecHandoff trips when LoadAndRun runs before the boot code has
	// wired the ring-3 transition.
	errNoExecHandoff = &kernel.Error{Module: "loader", Message: "no user mode handoff registered"}

	// enterUserModeFn performs the ring-3 transition; the boot code wires
	// it to the privilege gate.
	enterUserModeFn func(entry, stackTop uintptr)

	allocBufFn = func(size uintptr) ([]byte, *kernel.Error) {
		addr, err := kheap.Alloc(size)
		if err != nil {
			return nil, err
		}
		return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
	}

	freeBufFn = func(buf []byte) {
		// A zero-length image never got a backing allocation
		if len(buf) == 0 {
			return
		}
		kheap.Free(uintptr(unsafe.Pointer(&buf[0])))
	}
)

// SetExecHandoff registers the function that moves the CPU to ring 3.
func SetExecHandoff(fn func(entry, stackTop uintptr)) {
	enterUserModeFn = fn
}

// LoadAndRun reads the program image at path, loads it into userMem and jumps
// to its entry point in ring 3. On success it never returns. On any failure
// the scratch buffer holding the image is released and the error is returned
// with a diagnostic on the console.
func LoadAndRun(fs FileReader, path string, userMem Memory) *kernel.Error {
	if enterUserModeFn == nil {
		return errNoExecHandoff
	}

	size, err := fs.Stat(path)
	if err != nil {
		kfmt.Printf("loader: %s: %s\n", path, err.Message)
		return err
	}
	if size < fileHeaderSize {
		kfmt.Printf("loader: %s: %s\n", path, ErrBadImage.Message)
		return ErrBadImage
	}

	buf, err := allocBufFn(size)
	if err != nil {
		return err
	}

	handle, err := fs.Open(path)
	if err != nil {
		freeBufFn(buf)
		kfmt.Printf("loader: %s: %s\n", path, err.Message)
		return err
	}

	for got := 0; got < len(buf); {
		n, readErr := fs.Read(handle, buf[got:])
		if readErr != nil || n == 0 {
			fs.Close(handle)
			freeBufFn(buf)
			kfmt.Printf("loader: %s: truncated image\n", path)
			return ErrShortRead
		}
		got += n
	}
	fs.Close(handle)

	img, err := Load(buf, userMem)
	freeBufFn(buf)
	if err != nil {
		kfmt.Printf("loader: %s: %s\n", path, err.Message)
		return err
	}

	kfmt.Printf("loader: %s: entry %16x, stack %16x\n", path, img.Entry, img.StackTop)
	enterUserModeFn(img.Entry, img.StackTop)
	return nil
}
