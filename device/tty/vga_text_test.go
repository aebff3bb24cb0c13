package tty

import "testing"

func newTestConsole() *Console {
	portWriteFn = func(uint16, uint8) {}
	c := &Console{
		fb:   make([]byte, rows*cols*2),
		attr: defaultAttr,
	}
	c.Clear()
	return c
}

func (c *Console) cellAt(row, col int) (byte, byte) {
	offset := (row*cols + col) * 2
	return c.fb[offset], c.fb[offset+1]
}

func TestWriteRendersCells(t *testing.T) {
	c := newTestConsole()

	n, err := c.Write([]byte("hi"))
	if n != 2 || err != nil {
		t.Fatalf("unexpected write result: %d, %v", n, err)
	}

	for i, exp := range []byte("hi") {
		ch, attr := c.cellAt(0, i)
		if ch != exp || attr != defaultAttr {
			t.Fatalf("[cell %d] expected %c with attr %x; got %c with attr %x", i, exp, defaultAttr, ch, attr)
		}
	}
}

func TestControlCharacters(t *testing.T) {
	c := newTestConsole()

	c.Write([]byte("ab\ncd"))
	if ch, _ := c.cellAt(1, 0); ch != 'c' {
		t.Errorf("expected newline to move to the next row; got %c", ch)
	}

	c.Write([]byte("\rX"))
	if ch, _ := c.cellAt(1, 0); ch != 'X' {
		t.Errorf("expected carriage return to rewind the column; got %c", ch)
	}

	c.Write([]byte("\bY"))
	if ch, _ := c.cellAt(1, 0); ch != 'Y' {
		t.Errorf("expected backspace to step back one cell; got %c", ch)
	}

	c = newTestConsole()
	c.Write([]byte("a\tb"))
	if ch, _ := c.cellAt(0, 8); ch != 'b' {
		t.Errorf("expected tab to advance to the next tab stop; got %c", ch)
	}
}

func TestLineWrapAndScroll(t *testing.T) {
	c := newTestConsole()

	// Fill one full line; the next character must wrap
	line := make([]byte, cols)
	for i := range line {
		line[i] = 'x'
	}
	c.Write(line)
	c.Write([]byte("y"))
	if ch, _ := c.cellAt(1, 0); ch != 'y' {
		t.Fatalf("expected wrap to row 1; got %c", ch)
	}

	// Drive the cursor past the last row and verify the top line scrolled
	// out while the marker moved up
	c = newTestConsole()
	c.Write([]byte("first\n"))
	for i := 1; i < rows; i++ {
		c.Write([]byte("filler\n"))
	}

	// 25 newlines on a 25-row screen force exactly one scroll, so a
	// filler line tops the screen ('e' in column 4 tells it apart from
	// "first").
	if ch, _ := c.cellAt(0, 4); ch != 'e' {
		t.Fatalf("expected a filler line at the top after scrolling; got %c", ch)
	}

	// The bottom row is blank after the final scroll
	if ch, _ := c.cellAt(rows-1, 0); ch != ' ' {
		t.Fatalf("expected a blank bottom row after scrolling; got %c", ch)
	}
}

func TestHardwareCursorFollowsWrites(t *testing.T) {
	c := newTestConsole()

	regs := make(map[uint8]uint8)
	var addr uint8
	portWriteFn = func(port uint16, val uint8) {
		if port == crtcAddrPort {
			addr = val
			return
		}
		regs[addr] = val
	}

	c.Write([]byte("hello"))

	pos := uint16(regs[0x0e])<<8 | uint16(regs[0x0f])
	if pos != 5 {
		t.Fatalf("expected the hardware cursor at cell 5; got %d", pos)
	}
}
