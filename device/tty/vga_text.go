// Package tty implements the VGA text-mode console. It satisfies io.Writer so
// it can serve as the output sink for kernel diagnostics and for the write
// syscall.
package tty

import (
	"unsafe"

	"kos/kernel/cpu"
)

const (
	frameBufferAddr = uintptr(0xb8000)

	// VGA CRT controller ports driving the hardware cursor.
	crtcAddrPort = uint16(0x3d4)
	crtcDataPort = uint16(0x3d5)

	// Geometry of the standard 80x25 text mode.
	rows = 25
	cols = 80

	// Light grey on black.
	defaultAttr = byte(0x07)
)

var portWriteFn = cpu.PortWriteByte

// Console renders characters into the VGA text frame buffer. Each cell is a
// character byte followed by an attribute byte.
type Console struct {
	fb   []byte
	x, y uint8
	attr byte
}

// New returns a console attached to the VGA frame buffer.
func New() *Console {
	return &Console{
		fb:   unsafe.Slice((*byte)(unsafe.Pointer(frameBufferAddr)), rows*cols*2),
		attr: defaultAttr,
	}
}

// Clear erases the screen and homes the cursor.
func (c *Console) Clear() {
	for i := 0; i < len(c.fb); i += 2 {
		c.fb[i] = ' '
		c.fb[i+1] = c.attr
	}
	c.x, c.y = 0, 0
	c.updateCursor()
}

// Write renders p to the frame buffer, interpreting newline, carriage return,
// tab and backspace. It never fails; the returned error is always nil.
func (c *Console) Write(p []byte) (int, error) {
	for _, b := range p {
		switch b {
		case '\n':
			c.x = 0
			c.y++
		case '\r':
			c.x = 0
		case '\b':
			if c.x > 0 {
				c.x--
			}
		case '\t':
			c.x = (c.x &^ 7) + 8
			if c.x >= cols {
				c.x = 0
				c.y++
			}
		default:
			offset := (uint16(c.y)*cols + uint16(c.x)) * 2
			c.fb[offset] = b
			c.fb[offset+1] = c.attr
			if c.x++; c.x == cols {
				c.x = 0
				c.y++
			}
		}

		if c.y == rows {
			c.scroll()
			c.y = rows - 1
		}
	}

	c.updateCursor()
	return len(p), nil
}

// updateCursor moves the hardware cursor to the current write position.
func (c *Console) updateCursor() {
	pos := uint16(c.y)*cols + uint16(c.x)
	portWriteFn(crtcAddrPort, 0x0f)
	portWriteFn(crtcDataPort, uint8(pos))
	portWriteFn(crtcAddrPort, 0x0e)
	portWriteFn(crtcDataPort, uint8(pos>>8))
}

// scroll shifts all rows up by one and blanks the bottom row.
func (c *Console) scroll() {
	copy(c.fb, c.fb[cols*2:])
	for i := (rows - 1) * cols * 2; i < len(c.fb); i += 2 {
		c.fb[i] = ' '
		c.fb[i+1] = c.attr
	}
}
