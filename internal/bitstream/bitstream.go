// Package bitstream implements the bit-level cursor used by the change-path
// codec. Bits are packed MSB-first; byte reads after Align are plain byte
// copies, unaligned byte reads are shifted through the bit cursor.
package bitstream

import (
	"errors"
	"fmt"
)

var (
	ErrExhausted  = errors.New("bitstream: stream exhausted")
	ErrFieldWidth = errors.New("bitstream: invalid field width")
)

// MaxFieldBits is the widest unsigned field ReadBits/WriteBits handle.
const MaxFieldBits = 32

// Reader is a read cursor over a byte slice.
type Reader struct {
	buf []byte
	pos int // bit offset
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// RemainingBits reports unread bits, including alignment padding.
func (r *Reader) RemainingBits() int {
	return len(r.buf)*8 - r.pos
}

// RemainingBytes reports whole unread bytes.
func (r *Reader) RemainingBytes() int {
	return r.RemainingBits() / 8
}

func (r *Reader) BitPos() int {
	return r.pos
}

func (r *Reader) Aligned() bool {
	return r.pos%8 == 0
}

// Align skips to the next byte boundary.
func (r *Reader) Align() {
	if rem := r.pos % 8; rem != 0 {
		r.pos += 8 - rem
	}
	if r.pos > len(r.buf)*8 {
		r.pos = len(r.buf) * 8
	}
}

func (r *Reader) ReadBit() (bool, error) {
	v, err := r.ReadBits(1)
	return v == 1, err
}

// ReadBits reads an n-bit unsigned field. n == 0 reads nothing and returns 0.
func (r *Reader) ReadBits(n int) (uint32, error) {
	if n < 0 || n > MaxFieldBits {
		return 0, fmt.Errorf("%w: %d", ErrFieldWidth, n)
	}
	if n > r.RemainingBits() {
		return 0, fmt.Errorf("%w: want %d bits, have %d", ErrExhausted, n, r.RemainingBits())
	}
	var out uint32
	for n > 0 {
		byteIdx := r.pos / 8
		bitOff := r.pos % 8
		avail := 8 - bitOff
		take := avail
		if take > n {
			take = n
		}
		shift := avail - take
		chunk := (uint32(r.buf[byteIdx]) >> uint(shift)) & ((1 << uint(take)) - 1)
		out = out<<uint(take) | chunk
		r.pos += take
		n -= take
	}
	return out, nil
}

// ReadBytes reads n bytes from the current bit position.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrFieldWidth, n)
	}
	if n*8 > r.RemainingBits() {
		return nil, fmt.Errorf("%w: want %d bytes, have %d bits", ErrExhausted, n, r.RemainingBits())
	}
	out := make([]byte, n)
	if r.Aligned() {
		start := r.pos / 8
		copy(out, r.buf[start:start+n])
		r.pos += n * 8
		return out, nil
	}
	for i := range out {
		v, err := r.ReadBits(8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

func (r *Reader) ReadByte() (byte, error) {
	v, err := r.ReadBits(8)
	return byte(v), err
}

// Writer appends bits MSB-first to a growing buffer.
type Writer struct {
	buf   []byte
	nbits int
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) BitLen() int {
	return w.nbits
}

func (w *Writer) WriteBit(v bool) {
	if v {
		_ = w.WriteBits(1, 1)
		return
	}
	_ = w.WriteBits(0, 1)
}

// WriteBits writes the low n bits of v. Bits above n must be zero.
func (w *Writer) WriteBits(v uint32, n int) error {
	if n < 0 || n > MaxFieldBits {
		return fmt.Errorf("%w: %d", ErrFieldWidth, n)
	}
	if n < MaxFieldBits && v>>uint(n) != 0 {
		return fmt.Errorf("%w: value %d does not fit in %d bits", ErrFieldWidth, v, n)
	}
	for n > 0 {
		bitOff := w.nbits % 8
		if bitOff == 0 {
			w.buf = append(w.buf, 0)
		}
		avail := 8 - bitOff
		take := avail
		if take > n {
			take = n
		}
		chunk := (v >> uint(n-take)) & ((1 << uint(take)) - 1)
		w.buf[len(w.buf)-1] |= byte(chunk << uint(avail-take))
		w.nbits += take
		n -= take
	}
	return nil
}

// Align pads with zero bits to the next byte boundary.
func (w *Writer) Align() {
	if rem := w.nbits % 8; rem != 0 {
		w.nbits += 8 - rem
	}
}

func (w *Writer) WriteBytes(b []byte) {
	if w.nbits%8 == 0 {
		w.buf = append(w.buf, b...)
		w.nbits += len(b) * 8
		return
	}
	for _, c := range b {
		_ = w.WriteBits(uint32(c), 8)
	}
}

// Bytes returns the written buffer; a trailing partial byte is zero padded.
func (w *Writer) Bytes() []byte {
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	return out
}
