// Package kfmt provides a minimal formatted output implementation that can be
// safely used from any point of the kernel lifecycle, including code running
// before the Go runtime has been bootstrapped. None of the calls in this
// package allocate any memory.
package kfmt

import (
	"io"
)

// maxNumBufSize defines the buffer size for formatting numbers. It is large
// enough to hold a 64-bit value formatted in base 8.
const maxNumBufSize = 24

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	padSpace        = []byte(" ")
	padZero         = []byte("0")
	minusSign       = []byte("-")

	numFmtBuf = []byte("012345678901234567890123")

	// singleByte is used as a shared buffer for passing single characters
	// to doWrite.
	singleByte = []byte(" ")

	// earlyPrintBuffer is a ring buffer that stores Printf output emitted
	// before a diagnostic sink has been attached.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. If nil,
	// output is redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and replays any data
// accumulated in the early print buffer to it. The kernel treats w as an
// opaque byte sink; the boot stage normally attaches the serial console here.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently attached output sink.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf works like Fprintf with the currently attached output sink as its
// target. If no sink has been attached yet, the output is buffered in a ring
// buffer and replayed by the next SetOutputSink call.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf writes a formatted string to w without performing any memory
// allocations. It supports a subset of the fmt.Fprintf verbs:
//
//	%s  the uninterpreted bytes of a string or byte slice
//	%o  base 8 integer
//	%d  base 10 integer
//	%x  base 16 integer, lower-case letters for a-f
//	%t  "true" or "false"
//
// An optional decimal width may precede the verb. Strings and base-10 values
// shorter than the width are left-padded with spaces; base-16 values are
// left-padded with zeroes.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		nextArg int
		padLen  int
		fmtLen  = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		ch := format[i]
		if ch != '%' {
			singleByte[0] = ch
			doWrite(w, singleByte)
			continue
		}

		// Scan the optional width and the verb
		padLen = 0
		i++
		for ; i < fmtLen && format[i] >= '0' && format[i] <= '9'; i++ {
			padLen = padLen*10 + int(format[i]-'0')
		}

		if i >= fmtLen {
			doWrite(w, errNoVerb)
			return
		}

		switch format[i] {
		case '%':
			singleByte[0] = '%'
			doWrite(w, singleByte)
			continue
		case 's':
			if nextArg >= len(args) {
				doWrite(w, errMissingArg)
				continue
			}
			fmtString(w, args[nextArg], padLen)
			nextArg++
		case 'o':
			if nextArg >= len(args) {
				doWrite(w, errMissingArg)
				continue
			}
			fmtInt(w, args[nextArg], 8, padLen)
			nextArg++
		case 'd':
			if nextArg >= len(args) {
				doWrite(w, errMissingArg)
				continue
			}
			fmtInt(w, args[nextArg], 10, padLen)
			nextArg++
		case 'x':
			if nextArg >= len(args) {
				doWrite(w, errMissingArg)
				continue
			}
			fmtInt(w, args[nextArg], 16, padLen)
			nextArg++
		case 't':
			if nextArg >= len(args) {
				doWrite(w, errMissingArg)
				continue
			}
			fmtBool(w, args[nextArg])
			nextArg++
		default:
			doWrite(w, errNoVerb)
			// The unknown verb still consumes its argument so the
			// remaining verbs keep their pairing.
			if nextArg < len(args) {
				nextArg++
			}
		}
	}

	if nextArg < len(args) {
		doWrite(w, errExtraArg)
	}
}

// fmtBool writes the string representation of a boolean value to w.
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

// fmtString writes a padded string value to w.
func fmtString(w io.Writer, arg interface{}, padLen int) {
	switch v := arg.(type) {
	case string:
		for pad := padLen - len(v); pad > 0; pad-- {
			doWrite(w, padSpace)
		}
		for i := 0; i < len(v); i++ {
			singleByte[0] = v[i]
			doWrite(w, singleByte)
		}
	case []byte:
		for pad := padLen - len(v); pad > 0; pad-- {
			doWrite(w, padSpace)
		}
		for i := 0; i < len(v); i++ {
			singleByte[0] = v[i]
			doWrite(w, singleByte)
		}
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtInt writes a padded integer value to w. Base-16 values are padded with
// zeroes and all other bases with spaces.
func fmtInt(w io.Writer, arg interface{}, base, padLen int) {
	var (
		sval     int64
		uval     uint64
		negative bool
	)

	switch v := arg.(type) {
	case uint8:
		uval = uint64(v)
	case uint16:
		uval = uint64(v)
	case uint32:
		uval = uint64(v)
	case uint64:
		uval = v
	case uint:
		uval = uint64(v)
	case uintptr:
		uval = uint64(v)
	case int8:
		sval, negative = int64(v), v < 0
	case int16:
		sval, negative = int64(v), v < 0
	case int32:
		sval, negative = int64(v), v < 0
	case int64:
		sval, negative = v, v < 0
	case int:
		sval, negative = int64(v), v < 0
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if negative {
		uval = uint64(-sval)
	} else if sval != 0 {
		uval = uint64(sval)
	}

	// Format the number into numFmtBuf starting at its end
	index := maxNumBufSize
	for {
		index--
		digit := byte(uval % uint64(base))
		if digit < 10 {
			numFmtBuf[index] = '0' + digit
		} else {
			numFmtBuf[index] = 'a' + digit - 10
		}

		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}

	pad := padSpace
	if base == 16 {
		pad = padZero
	}

	digits := maxNumBufSize - index
	if negative {
		digits++
	}
	for ; digits < padLen; digits++ {
		doWrite(w, pad)
	}

	if negative {
		doWrite(w, minusSign)
	}

	for ; index < maxNumBufSize; index++ {
		singleByte[0] = numFmtBuf[index]
		doWrite(w, singleByte)
	}
}

// doWrite writes p to w, redirecting to the early print buffer while no sink
// has been attached.
func doWrite(w io.Writer, p []byte) {
	if w == nil {
		earlyPrintBuffer.Write(p)
		return
	}
	w.Write(p)
}
