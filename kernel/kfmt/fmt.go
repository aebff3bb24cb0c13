// Package kfmt provides a minimal, allocation-free Printf implementation
// that is safe to use at any point of the kernel's lifetime, including the
// early boot stages where the Go allocator is not yet available.
package kfmt

import "io"

var (
	errMissingArg   = []byte("%!(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// numFmtBuf is a shared buffer for formatting numbers; it is large
	// enough for a 64-bit value in base 8.
	numFmtBuf [24]byte

	// singleByte is used as a shared buffer for passing single characters
	// to doWrite.
	singleByte = []byte(" ")

	// earlyPrintBuffer stores Printf output emitted before a console sink
	// has been registered.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. If nil,
	// output is redirected to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and drains any data
// accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf formats its arguments to the active output sink. The supported verb
// subset is %s, %d, %x, %o and %t; an optional decimal width left-pads
// strings and base-10 values with spaces and base-16 values with zeroes.
// No memory is allocated by this call.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but writes the formatted output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		fmtLen   = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		if format[i] != '%' {
			singleByte[0] = format[i]
			doWrite(w, singleByte)
			continue
		}

		// Scan the optional width and then the verb
		i++
		padLen := 0
		for ; i < fmtLen && format[i] >= '0' && format[i] <= '9'; i++ {
			padLen = padLen*10 + int(format[i]-'0')
		}

		if i >= fmtLen {
			doWrite(w, errNoVerb)
			return
		}

		switch verb := format[i]; verb {
		case '%':
			singleByte[0] = '%'
			doWrite(w, singleByte)
		case 'd', 'x', 'o', 's', 't':
			if argIndex >= len(args) {
				doWrite(w, errMissingArg)
				continue
			}

			switch verb {
			case 'd':
				fmtInt(w, args[argIndex], 10, padLen)
			case 'x':
				fmtInt(w, args[argIndex], 16, padLen)
			case 'o':
				fmtInt(w, args[argIndex], 8, padLen)
			case 's':
				fmtString(w, args[argIndex], padLen)
			case 't':
				fmtBool(w, args[argIndex])
			}
			argIndex++
		default:
			doWrite(w, errNoVerb)
		}
	}
}

// fmtBool formats a boolean argument.
func fmtBool(w io.Writer, arg interface{}) {
	switch v := arg.(type) {
	case bool:
		if v {
			doWrite(w, trueValue)
		} else {
			doWrite(w, falseValue)
		}
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtString formats a string argument, left-padding with spaces up to padLen.
func fmtString(w io.Writer, arg interface{}, padLen int) {
	switch v := arg.(type) {
	case string:
		padWrite(w, padLen-len(v), ' ')
		// Writing the string via a sub-slice expression would allocate;
		// emit it one byte at a time instead.
		for i := 0; i < len(v); i++ {
			singleByte[0] = v[i]
			doWrite(w, singleByte)
		}
	case []byte:
		padWrite(w, padLen-len(v), ' ')
		doWrite(w, v)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtInt formats an integer argument in the requested base. Base-16 output is
// left-padded with zeroes, all other bases with spaces.
func fmtInt(w io.Writer, arg interface{}, base, padLen int) {
	var (
		v        uint64
		negative bool
	)

	switch raw := arg.(type) {
	case uint8:
		v = uint64(raw)
	case uint16:
		v = uint64(raw)
	case uint32:
		v = uint64(raw)
	case uint64:
		v = raw
	case uintptr:
		v = uint64(raw)
	case uint:
		v = uint64(raw)
	case int8:
		negative = raw < 0
		v = abs(int64(raw))
	case int16:
		negative = raw < 0
		v = abs(int64(raw))
	case int32:
		negative = raw < 0
		v = abs(int64(raw))
	case int64:
		negative = raw < 0
		v = abs(raw)
	case int:
		negative = raw < 0
		v = abs(int64(raw))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	const digits = "0123456789abcdef"
	index := len(numFmtBuf)
	for {
		index--
		numFmtBuf[index] = digits[v%uint64(base)]
		if v /= uint64(base); v == 0 {
			break
		}
	}

	if negative {
		index--
		numFmtBuf[index] = '-'
	}

	padByte := byte(' ')
	if base == 16 {
		padByte = '0'
	}
	padWrite(w, padLen-(len(numFmtBuf)-index), padByte)
	doWrite(w, numFmtBuf[index:])
}

func abs(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

func padWrite(w io.Writer, count int, b byte) {
	for ; count > 0; count-- {
		singleByte[0] = b
		doWrite(w, singleByte)
	}
}

// doWrite writes p to w, redirecting to the early print buffer when no sink
// has been registered yet.
func doWrite(w io.Writer, p []byte) {
	if w == nil {
		w = &earlyPrintBuffer
	}
	w.Write(p)
}
