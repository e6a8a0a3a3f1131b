// Package wire holds the byte buffer shared by the patch codec, the
// reflection manifest and the frame protocol.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxStringLen bounds length prefixed strings and byte blocks read from the wire.
const MaxStringLen = 1 << 20

var (
	ErrInvalidVarint = errors.New("invalid uvarint encoding")
	ErrTooLong       = errors.New("length prefix exceeds limit")
)

// Buffer is an append-only writer and a cursor based reader over one byte slice.
type Buffer struct {
	buf []byte
	pos int
}

func NewBuffer() *Buffer {
	return &Buffer{buf: make([]byte, 0, 256)}
}

func NewBufferFrom(data []byte) *Buffer {
	return &Buffer{buf: data}
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer[pos=%d len=%d cap=%d]", b.pos, len(b.buf), cap(b.buf))
}

func (b *Buffer) Bytes() []byte {
	return b.buf
}

func (b *Buffer) Len() int {
	return len(b.buf)
}

func (b *Buffer) Remaining() int {
	return len(b.buf) - b.pos
}

func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.pos = 0
}

// ==============================================
// Write
// ==============================================

func (b *Buffer) WriteByte(v byte) error {
	b.buf = append(b.buf, v)
	return nil
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *Buffer) WriteBool(v bool) {
	if v {
		b.buf = append(b.buf, 1)
	} else {
		b.buf = append(b.buf, 0)
	}
}

func (b *Buffer) WriteUvarint(x uint64) {
	b.buf = binary.AppendUvarint(b.buf, x)
}

func (b *Buffer) WriteUint16(x uint16) {
	b.buf = binary.LittleEndian.AppendUint16(b.buf, x)
}

func (b *Buffer) WriteUint32(x uint32) {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, x)
}

func (b *Buffer) WriteUint64(x uint64) {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, x)
}

func (b *Buffer) WriteFloat32(x float32) {
	b.WriteUint32(math.Float32bits(x))
}

func (b *Buffer) WriteFloat64(x float64) {
	b.WriteUint64(math.Float64bits(x))
}

// WriteBlock writes a uvarint length followed by p.
func (b *Buffer) WriteBlock(p []byte) {
	b.WriteUvarint(uint64(len(p)))
	b.buf = append(b.buf, p...)
}

func (b *Buffer) WriteString(s string) {
	b.WriteUvarint(uint64(len(s)))
	b.buf = append(b.buf, s...)
}

// ==============================================
// Read
// ==============================================

func (b *Buffer) ReadByte() (byte, error) {
	if b.pos >= len(b.buf) {
		return 0, io.EOF
	}
	v := b.buf[b.pos]
	b.pos++
	return v, nil
}

func (b *Buffer) ReadBool() (bool, error) {
	v, err := b.ReadByte()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (b *Buffer) ReadUvarint() (uint64, error) {
	if b.pos >= len(b.buf) {
		return 0, io.EOF
	}
	val, n := binary.Uvarint(b.buf[b.pos:])
	if n == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if n < 0 {
		return 0, ErrInvalidVarint
	}
	b.pos += n
	return val, nil
}

func (b *Buffer) next(n int) ([]byte, error) {
	remaining := len(b.buf) - b.pos
	if remaining == 0 && n > 0 {
		return nil, io.EOF
	}
	if remaining < n {
		return nil, io.ErrUnexpectedEOF
	}
	p := b.buf[b.pos : b.pos+n]
	b.pos += n
	return p, nil
}

func (b *Buffer) ReadUint16() (uint16, error) {
	p, err := b.next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(p), nil
}

func (b *Buffer) ReadUint32() (uint32, error) {
	p, err := b.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

func (b *Buffer) ReadUint64() (uint64, error) {
	p, err := b.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

func (b *Buffer) ReadFloat32() (float32, error) {
	v, err := b.ReadUint32()
	return math.Float32frombits(v), err
}

func (b *Buffer) ReadFloat64() (float64, error) {
	v, err := b.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadBlock reads a uvarint length prefixed byte block. The result aliases
// the buffer's memory.
func (b *Buffer) ReadBlock() ([]byte, error) {
	n, err := b.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if n > MaxStringLen {
		return nil, ErrTooLong
	}
	if n == 0 {
		return []byte{}, nil
	}
	return b.next(int(n))
}

func (b *Buffer) ReadString() (string, error) {
	p, err := b.ReadBlock()
	if err != nil {
		return "", err
	}
	return string(p), nil
}
