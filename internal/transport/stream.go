package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/danmuck/cellmesh/internal/delta"
	"github.com/danmuck/cellmesh/internal/ghost"
	"github.com/danmuck/cellmesh/internal/protocol/frame"
	"github.com/danmuck/cellmesh/internal/protocol/schema"
	"github.com/danmuck/cellmesh/internal/witness"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrQueueFull = errors.New("transport: send queue full")
	ErrClosed    = errors.New("transport: stream closed")
)

// Stream sends frames over one connection. Enqueue never blocks: frames wait
// in a bounded queue until Run writes them, and a full queue is reported to
// the caller, which keeps the records pending.
type Stream struct {
	id     uuid.UUID
	cell   string
	kind   uint8
	limits frame.Limits

	mu     sync.Mutex
	seq    uint64
	closed bool
	queue  chan frame.Frame
}

// NewStream builds a stream whose batches are sent as kind
// (schema.MsgWitnessBatch or schema.MsgGhostBatch).
func NewStream(cell string, kind uint8, depth int) *Stream {
	if depth <= 0 {
		depth = 64
	}
	return &Stream{
		id:     uuid.Must(uuid.NewV7()),
		cell:   cell,
		kind:   kind,
		limits: frame.DefaultLimits(),
		queue:  make(chan frame.Frame, depth),
	}
}

func (s *Stream) ID() uuid.UUID {
	return s.id
}

// Enqueue implements witness.Channel and ghost.Channel.
func (s *Stream) Enqueue(b delta.Batch) error {
	return s.push(s.kind, encodeBatch(s.kind, s.cell, b))
}

// SendInit queues a ghost Init, or a handoff when handoff is set.
func (s *Stream) SendInit(init ghost.Init, handoff bool) error {
	kind := schema.MsgGhostInit
	if handoff {
		kind = schema.MsgHandoff
	}
	return s.push(kind, encodeInit(s.cell, init))
}

// SendDrop tells a witness client that pending changes were discarded.
func (s *Stream) SendDrop(ev witness.DropEvent) error {
	return s.push(schema.MsgDrop, encodeDrop(ev))
}

func (s *Stream) push(kind uint8, payload []byte) error {
	if uint64(len(payload)) > uint64(s.limits.MaxPayloadBytes) {
		return fmt.Errorf("%w: %d bytes", frame.ErrPayloadTooLarge, len(payload))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	f := frame.Frame{
		Header:  frame.Header{Type: kind, Session: s.id, Sequence: s.seq + 1},
		Payload: payload,
	}
	select {
	case s.queue <- f:
		s.seq++
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting frames. Run writes what is queued and returns.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

// Run writes queued frames to w until the stream is closed or ctx is done.
// Writes are buffered and flushed whenever the queue runs dry.
func (s *Stream) Run(ctx context.Context, w io.Writer) error {
	bw := bufio.NewWriter(w)
	for {
		select {
		case <-ctx.Done():
			return bw.Flush()
		case f, ok := <-s.queue:
			if !ok {
				return bw.Flush()
			}
			if err := frame.WriteFrame(bw, f, s.limits); err != nil {
				return fmt.Errorf("transport: write frame %d: %w", f.Header.Sequence, err)
			}
			if len(s.queue) == 0 {
				if err := bw.Flush(); err != nil {
					return err
				}
			}
		}
	}
}

// Handler receives decoded messages in stream order.
type Handler func(msg Message) error

// Receive reads frames from r until EOF or ctx is done. Frames that fail
// schema validation are logged and skipped; a framing error ends the stream
// since boundaries can no longer be trusted.
func Receive(ctx context.Context, r io.Reader, h Handler) error {
	br := bufio.NewReader(r)
	limits := frame.DefaultLimits()
	var last uint64
	for ctx.Err() == nil {
		f, err := frame.ReadFrame(br, limits)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("transport: read frame: %w", err)
		}
		if last != 0 && f.Header.Sequence != last+1 {
			log.Warn().
				Str("session", uuid.UUID(f.Header.Session).String()).
				Uint64("want", last+1).
				Uint64("got", f.Header.Sequence).
				Msg("frame sequence gap")
		}
		last = f.Header.Sequence
		msg, err := Decode(f)
		if err != nil {
			log.Warn().
				Str("session", uuid.UUID(f.Header.Session).String()).
				Uint8("type", f.Header.Type).
				Err(err).
				Msg("dropping malformed frame")
			continue
		}
		if err := h(msg); err != nil {
			return err
		}
	}
	return ctx.Err()
}
