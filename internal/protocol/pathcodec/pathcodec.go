// Package pathcodec encodes change paths: a chain of "more path" flag bits,
// each followed by a child index sized to the local fan-out, and for slice
// edits a trailing pair of old-slice bounds. The caller supplies the fan-out
// at every level because decoding interleaves with tree traversal.
package pathcodec

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/danmuck/cellmesh/internal/bitstream"
)

var (
	ErrPathFinished = errors.New("pathcodec: path already finished")
	ErrPathOpen     = errors.New("pathcodec: path not finished")
	ErrPathTooDeep  = errors.New("pathcodec: path exceeds max depth")
	ErrIndexRange   = errors.New("pathcodec: child index out of range")
	ErrSliceRange   = errors.New("pathcodec: slice bounds out of range")
)

// NoIndex is returned by ReadNextIndex when the path terminates.
const NoIndex = -1

// ChangeKind discriminates whole-value overwrites from sequence slice edits.
type ChangeKind uint8

const (
	KindSingle ChangeKind = iota + 1
	KindSlice
)

func (k ChangeKind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindSlice:
		return "slice"
	default:
		return fmt.Sprintf("change_kind(%d)", uint8(k))
	}
}

// Slice is a half-open range [First, Second).
type Slice struct {
	First  int
	Second int
}

func (s Slice) Len() int {
	return s.Second - s.First
}

// BitsRequired is ceil(log2(n)), 0 when n <= 1.
func BitsRequired(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// Reader decodes a path from a bit cursor.
type Reader struct {
	bits     *bitstream.Reader
	path     []int
	finished bool
	maxDepth int
}

// NewReader decodes from r. maxDepth <= 0 disables the depth bound.
func NewReader(r *bitstream.Reader, maxDepth int) *Reader {
	return &Reader{bits: r, maxDepth: maxDepth}
}

// ReadNextIndex reads the next flag bit and, when the path continues, a child
// index for a node with numChildren children.
func (r *Reader) ReadNextIndex(numChildren int) (int, error) {
	if r.finished {
		return NoIndex, ErrPathFinished
	}
	more, err := r.bits.ReadBit()
	if err != nil {
		return NoIndex, fmt.Errorf("path flag: %w", err)
	}
	if !more {
		r.finished = true
		return NoIndex, nil
	}
	if r.maxDepth > 0 && len(r.path) >= r.maxDepth {
		return NoIndex, fmt.Errorf("%w: depth=%d", ErrPathTooDeep, r.maxDepth)
	}
	idx, err := r.bits.ReadBits(BitsRequired(numChildren))
	if err != nil {
		return NoIndex, fmt.Errorf("path index: %w", err)
	}
	if int(idx) >= numChildren {
		return NoIndex, fmt.Errorf("%w: index=%d children=%d", ErrIndexRange, idx, numChildren)
	}
	r.path = append(r.path, int(idx))
	return int(idx), nil
}

func (r *Reader) IsFinished() bool {
	return r.finished
}

// Path returns the indices decoded so far.
func (r *Reader) Path() []int {
	out := make([]int, len(r.path))
	copy(out, r.path)
	return out
}

// ReadOldSlice reads the erased range of a slice edit on a sequence that
// currently holds numChildren elements. Each bound is one wider than an index
// so that numChildren itself is expressible.
func (r *Reader) ReadOldSlice(numChildren int) (Slice, error) {
	if !r.finished {
		return Slice{}, ErrPathOpen
	}
	width := BitsRequired(numChildren + 1)
	first, err := r.bits.ReadBits(width)
	if err != nil {
		return Slice{}, fmt.Errorf("slice first: %w", err)
	}
	second, err := r.bits.ReadBits(width)
	if err != nil {
		return Slice{}, fmt.Errorf("slice second: %w", err)
	}
	s := Slice{First: int(first), Second: int(second)}
	if s.First > s.Second || s.Second > numChildren {
		return Slice{}, fmt.Errorf("%w: [%d,%d) len=%d", ErrSliceRange, s.First, s.Second, numChildren)
	}
	return s, nil
}

// Payload skips the bit section padding and returns the cursor positioned at
// the first value byte.
func (r *Reader) Payload() *bitstream.Reader {
	r.bits.Align()
	return r.bits
}

// Writer encodes a path.
type Writer struct {
	bits  *bitstream.Writer
	depth int
}

func NewWriter() *Writer {
	return &Writer{bits: bitstream.NewWriter()}
}

// WriteNextIndex writes a set flag bit and idx for a node with numChildren children.
func (w *Writer) WriteNextIndex(idx, numChildren int) error {
	if idx < 0 || idx >= numChildren {
		return fmt.Errorf("%w: index=%d children=%d", ErrIndexRange, idx, numChildren)
	}
	w.bits.WriteBit(true)
	w.depth++
	return w.bits.WriteBits(uint32(idx), BitsRequired(numChildren))
}

// Finish writes the terminating flag bit.
func (w *Writer) Finish() {
	w.bits.WriteBit(false)
}

func (w *Writer) WriteOldSlice(s Slice, numChildren int) error {
	if s.First < 0 || s.First > s.Second || s.Second > numChildren {
		return fmt.Errorf("%w: [%d,%d) len=%d", ErrSliceRange, s.First, s.Second, numChildren)
	}
	width := BitsRequired(numChildren + 1)
	if err := w.bits.WriteBits(uint32(s.First), width); err != nil {
		return err
	}
	return w.bits.WriteBits(uint32(s.Second), width)
}

func (w *Writer) Depth() int {
	return w.depth
}

// Bytes pads the bit section to a byte boundary and appends the value bytes.
func (w *Writer) Bytes(payload []byte) []byte {
	w.bits.Align()
	w.bits.WriteBytes(payload)
	return w.bits.Bytes()
}
