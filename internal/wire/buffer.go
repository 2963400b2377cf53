package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrShortBuffer is returned when a read runs past the end of the buffer.
	ErrShortBuffer = errors.New("read past end of buffer")

	// ErrNotAligned is returned when a payload is not a multiple of 4 bytes.
	ErrNotAligned = errors.New("payload not 32-bit aligned")

	// ErrBadConstructor is returned when an expected TL code does not match.
	ErrBadConstructor = errors.New("unexpected TL constructor")

	// ErrStringTooLong is returned for TL strings above the 3-byte length limit.
	ErrStringTooLong = errors.New("TL string too long")
)

// Builder assembles a TL payload. All integers are little-endian and the
// finished payload is always a multiple of 4 bytes.
type Builder struct {
	buf []byte
}

// NewBuilder creates a Builder with a small initial capacity.
func NewBuilder() *Builder {
	return &Builder{buf: make([]byte, 0, 256)}
}

// Reset discards the accumulated payload.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
}

// Len returns the current payload length in bytes.
func (b *Builder) Len() int {
	return len(b.buf)
}

// Bytes returns the accumulated payload. The slice aliases the builder's
// storage and is invalidated by further writes.
func (b *Builder) Bytes() []byte {
	return b.buf
}

// PutUint32 appends a 32-bit word.
func (b *Builder) PutUint32(v uint32) {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
}

// PutInt appends a signed 32-bit word.
func (b *Builder) PutInt(v int32) {
	b.PutUint32(uint32(v))
}

// PutLong appends a signed 64-bit value.
func (b *Builder) PutLong(v int64) {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, uint64(v))
}

// PutInt128 appends a 16-byte value verbatim.
func (b *Builder) PutInt128(v [16]byte) {
	b.buf = append(b.buf, v[:]...)
}

// PutInt256 appends a 32-byte value verbatim.
func (b *Builder) PutInt256(v [32]byte) {
	b.buf = append(b.buf, v[:]...)
}

// PutRaw appends bytes verbatim. The caller is responsible for alignment.
func (b *Builder) PutRaw(p []byte) {
	b.buf = append(b.buf, p...)
}

// PutString appends a TL string: one length byte for lengths below 254,
// otherwise 0xFE followed by a 3-byte little-endian length, then the bytes,
// zero-padded to a 4-byte boundary.
func (b *Builder) PutString(p []byte) error {
	n := len(p)
	if n >= 1<<24 {
		return ErrStringTooLong
	}
	if n < 254 {
		b.buf = append(b.buf, byte(n))
	} else {
		b.buf = append(b.buf, 0xfe, byte(n), byte(n>>8), byte(n>>16))
	}
	b.buf = append(b.buf, p...)
	for len(b.buf)%4 != 0 {
		b.buf = append(b.buf, 0)
	}
	return nil
}

// PutBigInt appends a big integer as a TL string of its big-endian bytes.
func (b *Builder) PutBigInt(v *big.Int) error {
	return b.PutString(v.Bytes())
}

// Reader walks a TL payload with a word cursor.
type Reader struct {
	buf []byte
	off int
}

// NewReader creates a Reader over the given payload.
func NewReader(p []byte) *Reader {
	return &Reader{buf: p}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Rest returns the unread tail without advancing the cursor.
func (r *Reader) Rest() []byte {
	return r.buf[r.off:]
}

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n int) error {
	if r.Remaining() < n {
		return ErrShortBuffer
	}
	r.off += n
	return nil
}

// ReadUint32 consumes a 32-bit word.
func (r *Reader) ReadUint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// ReadInt consumes a signed 32-bit word.
func (r *Reader) ReadInt() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadLong consumes a signed 64-bit value.
func (r *Reader) ReadLong() (int64, error) {
	if r.Remaining() < 8 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return int64(v), nil
}

// ReadInt128 consumes a 16-byte value.
func (r *Reader) ReadInt128() ([16]byte, error) {
	var v [16]byte
	if r.Remaining() < 16 {
		return v, ErrShortBuffer
	}
	copy(v[:], r.buf[r.off:])
	r.off += 16
	return v, nil
}

// ReadInt256 consumes a 32-byte value.
func (r *Reader) ReadInt256() ([32]byte, error) {
	var v [32]byte
	if r.Remaining() < 32 {
		return v, ErrShortBuffer
	}
	copy(v[:], r.buf[r.off:])
	r.off += 32
	return v, nil
}

// PeekUint32 returns the next 32-bit word without advancing the cursor.
func (r *Reader) PeekUint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrShortBuffer
	}
	return binary.LittleEndian.Uint32(r.buf[r.off:]), nil
}

// Expect consumes a 32-bit word and verifies it equals the given code.
func (r *Reader) Expect(code uint32) error {
	v, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if v != code {
		return fmt.Errorf("%w: want %s (0x%08x), got 0x%08x",
			ErrBadConstructor, CodeName(code), code, v)
	}
	return nil
}

// ReadString consumes a TL string and returns a copy of its bytes.
func (r *Reader) ReadString() ([]byte, error) {
	if r.Remaining() < 1 {
		return nil, ErrShortBuffer
	}
	n := int(r.buf[r.off])
	hdr := 1
	if n == 0xfe {
		if r.Remaining() < 4 {
			return nil, ErrShortBuffer
		}
		n = int(r.buf[r.off+1]) | int(r.buf[r.off+2])<<8 | int(r.buf[r.off+3])<<16
		hdr = 4
	} else if n == 0xff {
		return nil, fmt.Errorf("%w: invalid length byte 0xff", ErrShortBuffer)
	}
	total := hdr + n
	if pad := total % 4; pad != 0 {
		total += 4 - pad
	}
	if r.Remaining() < total {
		return nil, ErrShortBuffer
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off+hdr:])
	r.off += total
	return out, nil
}

// ReadBigInt consumes a TL string and interprets it as a big-endian integer.
func (r *Reader) ReadBigInt() (*big.Int, error) {
	p, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(p), nil
}
