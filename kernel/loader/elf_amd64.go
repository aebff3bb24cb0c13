package loader

import (
	"encoding/binary"

	"kos/kernel"
)

const (
	fileHeaderSize = 64
	progHeaderSize = 56
	sectHeaderSize = 64
	relaEntrySize  = 24

	elfClass64    = 1
	elfData2LSB   = 1
	typeExec      = 2
	typeDyn       = 3
	machineX86_64 = 62

	progTypeLoad = 1
	sectTypeRela = 4

	// relocRelative is the only relocation kind emitted for the
	// position-independent images this loader accepts: add the load bias
	// to the 64-bit word at the target.
	relocRelative = 8

	// dynBias is the fixed load bias applied to ET_DYN images.
	dynBias = uintptr(0x400000)
)

var (
	// ErrBadImage is returned when the image is not a well-formed
	// little-endian ELF64 executable for this machine. Nothing past the
	// fixed 64-byte header is touched until the header checks out.
	ErrBadImage = &kernel.Error{Module: "loader", Message: "not a valid 64-bit x86 executable"}

	// ErrBadSegment is returned when a loadable segment is truncated or
	// falls outside the user address window.
	ErrBadSegment = &kernel.Error{Module: "loader", Message: "segment outside the user address window"}

	// ErrStackOverlap is returned when a loadable segment overlaps the
	// reserved user stack window.
	ErrStackOverlap = &kernel.Error{Module: "loader", Message: "segment overlaps the user stack window"}
)

// fileHeader holds the fields of the fixed ELF64 file header that the loader
// acts on.
type fileHeader struct {
	elfType uint16
	entry   uint64
	phOff   uint64
	phNum   uint16
	shOff   uint64
	shNum   uint16
}

// progHeader describes one program header table entry.
type progHeader struct {
	progType uint32
	offset   uint64
	vaddr    uint64
	fileSz   uint64
	memSz    uint64
}

// parseFileHeader validates the fixed 64-byte header and extracts the fields
// the loader needs. Every identification field is checked before any
// variable-length structure is trusted.
func parseFileHeader(image []byte) (fileHeader, *kernel.Error) {
	var hdr fileHeader

	if len(image) < fileHeaderSize {
		return hdr, ErrBadImage
	}
	if image[0] != 0x7f || image[1] != 'E' || image[2] != 'L' || image[3] != 'F' {
		return hdr, ErrBadImage
	}
	if image[4] != elfClass64 || image[5] != elfData2LSB {
		return hdr, ErrBadImage
	}

	hdr.elfType = binary.LittleEndian.Uint16(image[16:])
	if hdr.elfType != typeExec && hdr.elfType != typeDyn {
		return hdr, ErrBadImage
	}
	if binary.LittleEndian.Uint16(image[18:]) != machineX86_64 {
		return hdr, ErrBadImage
	}

	hdr.entry = binary.LittleEndian.Uint64(image[24:])
	hdr.phOff = binary.LittleEndian.Uint64(image[32:])
	hdr.shOff = binary.LittleEndian.Uint64(image[40:])
	hdr.phNum = binary.LittleEndian.Uint16(image[56:])
	hdr.shNum = binary.LittleEndian.Uint16(image[60:])

	// The tables the header points at must lie inside the image. The
	// offsets are attacker-controlled 64-bit values; compare against the
	// bytes remaining past the offset so the sums cannot wrap.
	if hdr.phOff > uint64(len(image)) ||
		uint64(hdr.phNum)*progHeaderSize > uint64(len(image))-hdr.phOff {
		return hdr, ErrBadImage
	}
	if hdr.shNum != 0 && (hdr.shOff > uint64(len(image)) ||
		uint64(hdr.shNum)*sectHeaderSize > uint64(len(image))-hdr.shOff) {
		return hdr, ErrBadImage
	}

	return hdr, nil
}

// progHeaderAt decodes the program header table entry at the given index.
func progHeaderAt(image []byte, hdr fileHeader, index uint16) progHeader {
	raw := image[hdr.phOff+uint64(index)*progHeaderSize:]
	return progHeader{
		progType: binary.LittleEndian.Uint32(raw),
		offset:   binary.LittleEndian.Uint64(raw[8:]),
		vaddr:    binary.LittleEndian.Uint64(raw[16:]),
		fileSz:   binary.LittleEndian.Uint64(raw[32:]),
		memSz:    binary.LittleEndian.Uint64(raw[40:]),
	}
}

// validateRelaSections verifies that every SHT_RELA section lies fully inside
// the image. A relocation table outside the file is a format error: skipping
// it would hand control to a program with unrelocated pointers.
func validateRelaSections(image []byte, hdr fileHeader) *kernel.Error {
	for i := uint16(0); i < hdr.shNum; i++ {
		raw := image[hdr.shOff+uint64(i)*sectHeaderSize:]
		if binary.LittleEndian.Uint32(raw[4:]) != sectTypeRela {
			continue
		}

		secOff := binary.LittleEndian.Uint64(raw[24:])
		secSize := binary.LittleEndian.Uint64(raw[32:])
		if secOff > uint64(len(image)) || secSize > uint64(len(image))-secOff {
			return ErrBadImage
		}
	}
	return nil
}

// forEachRelativeReloc decodes the SHT_RELA sections of the image and calls
// visit for every base-relative relocation entry. Other relocation kinds are
// skipped; a user program needing them was not linked for this loader. The
// sections must have passed validateRelaSections.
func forEachRelativeReloc(image []byte, hdr fileHeader, visit func(offset uint64, addend int64)) {
	for i := uint16(0); i < hdr.shNum; i++ {
		raw := image[hdr.shOff+uint64(i)*sectHeaderSize:]
		if binary.LittleEndian.Uint32(raw[4:]) != sectTypeRela {
			continue
		}

		secOff := binary.LittleEndian.Uint64(raw[24:])
		secSize := binary.LittleEndian.Uint64(raw[32:])

		for entry := uint64(0); entry+relaEntrySize <= secSize; entry += relaEntrySize {
			rela := image[secOff+entry:]
			info := binary.LittleEndian.Uint64(rela[8:])
			if uint32(info) != relocRelative {
				continue
			}
			visit(binary.LittleEndian.Uint64(rela),
				int64(binary.LittleEndian.Uint64(rela[16:])))
		}
	}
}
