// Package frame delimits replication messages on a byte stream. The change
// record payload carries no length of its own, so a stream transport needs
// the explicit payload length here to find record boundaries.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic   uint32 = 0xCE11AE5E
	Version uint8  = 1

	HeaderLen = 36
)

const (
	FlagFinal  uint16 = 0x01
	FlagResync uint16 = 0x02
)

var (
	ErrShortHeader        = errors.New("frame: short header")
	ErrBadMagic           = errors.New("frame: bad magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrShortPayload       = errors.New("frame: short payload")
)

// Header is the fixed wire header. Session identifies the sending stream and
// Sequence numbers frames within it.
type Header struct {
	Version    uint8
	Type       uint8
	Flags      uint16
	Session    [16]byte
	Sequence   uint64
	PayloadLen uint32
}

type Frame struct {
	Header  Header
	Payload []byte
}

type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 1 << 20}
}

// ReadFrame reads exactly one frame. A clean EOF before any header byte is
// returned as io.EOF so readers can stop without treating it as corruption.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(hb[:])
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLen, limits.MaxPayloadBytes)
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortPayload
		}
		return Frame{}, err
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame fills in Version and PayloadLen and writes header and payload.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Payload), limits.MaxPayloadBytes)
	}
	h := f.Header
	h.Version = Version
	h.PayloadLen = uint32(len(f.Payload))
	buf := AppendHeader(make([]byte, 0, HeaderLen+len(f.Payload)), h)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func AppendHeader(dst []byte, h Header) []byte {
	dst = binary.BigEndian.AppendUint32(dst, Magic)
	dst = append(dst, h.Version, h.Type)
	dst = binary.BigEndian.AppendUint16(dst, h.Flags)
	dst = append(dst, h.Session[:]...)
	dst = binary.BigEndian.AppendUint64(dst, h.Sequence)
	return binary.BigEndian.AppendUint32(dst, h.PayloadLen)
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	if m := binary.BigEndian.Uint32(b[0:4]); m != Magic {
		return Header{}, fmt.Errorf("%w: %08x", ErrBadMagic, m)
	}
	h := Header{
		Version:    b[4],
		Type:       b[5],
		Flags:      binary.BigEndian.Uint16(b[6:8]),
		Sequence:   binary.BigEndian.Uint64(b[24:32]),
		PayloadLen: binary.BigEndian.Uint32(b[32:36]),
	}
	copy(h.Session[:], b[8:24])
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	return h, nil
}
