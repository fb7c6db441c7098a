// Package marshal encodes the Ruby Marshal 4.8 structures that gem clients
// read from a repository: specs index lists, quick specs and dependency API
// replies.
package marshal

import (
	"bytes"
	"fmt"
	"math"

	"github.com/git-pkgs/gemserver/internal/core"
)

const (
	majorVersion = 4
	minorVersion = 8
)

// Type tags of the Marshal format.
const (
	tagNil         = '0'
	tagTrue        = 'T'
	tagFalse       = 'F'
	tagFixnum      = 'i'
	tagString      = '"'
	tagSymbol      = ':'
	tagSymlink     = ';'
	tagArray       = '['
	tagHash        = '{'
	tagObject      = 'o'
	tagIVar        = 'I'
	tagUserDef     = 'u'
	tagUserMarshal = 'U'
	tagLink        = '@'
)

// Fixnums outside this range are Bignums in Ruby and never appear in the
// structures we write.
const (
	maxFixnum = 1<<30 - 1
	minFixnum = -(1 << 30)
)

type encoder struct {
	buf     bytes.Buffer
	symbols map[string]int
	err     error
}

func newEncoder() *encoder {
	e := &encoder{symbols: make(map[string]int)}
	e.buf.WriteByte(majorVersion)
	e.buf.WriteByte(minorVersion)
	return e
}

func (e *encoder) bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf.Bytes(), nil
}

func (e *encoder) fail(format string, args ...any) {
	if e.err == nil {
		e.err = fmt.Errorf("%w: %s", core.ErrEncoding, fmt.Sprintf(format, args...))
	}
}

func (e *encoder) writeNil() {
	e.buf.WriteByte(tagNil)
}

func (e *encoder) writeBool(v bool) {
	if v {
		e.buf.WriteByte(tagTrue)
	} else {
		e.buf.WriteByte(tagFalse)
	}
}

func (e *encoder) writeFixnum(n int) {
	e.buf.WriteByte(tagFixnum)
	e.writeLong(n)
}

// writeLong writes Ruby's packed integer: small values in one byte,
// otherwise a signed length byte followed by little-endian bytes.
func (e *encoder) writeLong(n int) {
	if n < minFixnum || n > maxFixnum {
		e.fail("integer %d out of fixnum range", n)
		return
	}
	switch {
	case n == 0:
		e.buf.WriteByte(0)
		return
	case n > 0 && n < 123:
		e.buf.WriteByte(byte(n + 5))
		return
	case n < 0 && n > -124:
		e.buf.WriteByte(byte(int8(n - 5)))
		return
	}

	var tmp [4]byte
	x := int32(n)
	for i := 1; i <= 4; i++ {
		tmp[i-1] = byte(x)
		x >>= 8
		if x == 0 {
			e.buf.WriteByte(byte(i))
			e.buf.Write(tmp[:i])
			return
		}
		if x == -1 {
			e.buf.WriteByte(byte(int8(-i)))
			e.buf.Write(tmp[:i])
			return
		}
	}
	e.fail("integer %d does not fit in 4 bytes", n)
}

func (e *encoder) writeLength(n int) {
	if n < 0 || n > math.MaxInt32 {
		e.fail("invalid length %d", n)
		return
	}
	e.writeLong(n)
}

func (e *encoder) writeRawBytes(b []byte) {
	e.writeLength(len(b))
	e.buf.Write(b)
}

func (e *encoder) writeSymbol(name string) {
	if idx, ok := e.symbols[name]; ok {
		e.buf.WriteByte(tagSymlink)
		e.writeLong(idx)
		return
	}
	e.symbols[name] = len(e.symbols)
	e.buf.WriteByte(tagSymbol)
	e.writeRawBytes([]byte(name))
}

// writeString writes a UTF-8 String, which Marshal wraps with an :E ivar.
func (e *encoder) writeString(s string) {
	e.buf.WriteByte(tagIVar)
	e.buf.WriteByte(tagString)
	e.writeRawBytes([]byte(s))
	e.writeLong(1)
	e.writeSymbol("E")
	e.writeBool(true)
}

// writeASCIIString writes a US-ASCII String (:E false).
func (e *encoder) writeASCIIString(s string) {
	e.buf.WriteByte(tagIVar)
	e.buf.WriteByte(tagString)
	e.writeRawBytes([]byte(s))
	e.writeLong(1)
	e.writeSymbol("E")
	e.writeBool(false)
}

func (e *encoder) writeOptionalString(s string) {
	if s == "" {
		e.writeNil()
		return
	}
	e.writeString(s)
}

func (e *encoder) writeStrings(ss []string) {
	e.writeArrayHeader(len(ss))
	for _, s := range ss {
		e.writeString(s)
	}
}

func (e *encoder) writeArrayHeader(n int) {
	e.buf.WriteByte(tagArray)
	e.writeLength(n)
}

func (e *encoder) writeHashHeader(n int) {
	e.buf.WriteByte(tagHash)
	e.writeLength(n)
}

func (e *encoder) writeObjectHeader(class string, ivars int) {
	e.buf.WriteByte(tagObject)
	e.writeSymbol(class)
	e.writeLength(ivars)
}

// writeUserMarshalHeader starts an object serialized through marshal_dump;
// the dumped value must follow.
func (e *encoder) writeUserMarshalHeader(class string) {
	e.buf.WriteByte(tagUserMarshal)
	e.writeSymbol(class)
}

// writeUserDefined writes an object serialized through _dump.
func (e *encoder) writeUserDefined(class string, data []byte) {
	e.buf.WriteByte(tagUserDef)
	e.writeSymbol(class)
	e.writeRawBytes(data)
}
