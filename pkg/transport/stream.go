package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/docwire/pkg/protocol"
)

// Stream frames messages over a byte stream as [length: uvarint][message].
type Stream struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader

	writeMu sync.Mutex
	readMu  sync.Mutex
	closed  atomic.Bool
}

// deadliner is implemented by net.Conn and *os.File.
type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// NewStream wraps rwc. The Stream owns rwc and closes it on Close.
func NewStream(rwc io.ReadWriteCloser) *Stream {
	return &Stream{rwc: rwc, r: bufio.NewReader(rwc)}
}

// Send writes one length-prefixed message. Context deadlines are applied as
// write deadlines when the underlying stream supports them.
func (s *Stream) Send(ctx context.Context, msg []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(msg) > protocol.MaxFrameSize {
		return protocol.ErrFrameTooLarge
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := make([]byte, protocol.MaxVarintLen, protocol.MaxVarintLen+len(msg))
	buf = append(buf[:protocol.EncodeUvarint(buf, uint64(len(msg)))], msg...)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if d, ok := s.rwc.(deadliner); ok {
		if dl, has := ctx.Deadline(); has {
			_ = d.SetWriteDeadline(dl)
			defer d.SetWriteDeadline(time.Time{})
		}
	}
	if _, err := s.rwc.Write(buf); err != nil {
		return s.wrap(err)
	}
	return nil
}

// Receive reads one length-prefixed message. Cancelling ctx interrupts the
// read only when the underlying stream supports read deadlines.
func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	if d, ok := s.rwc.(deadliner); ok {
		stop := context.AfterFunc(ctx, func() {
			_ = d.SetReadDeadline(time.Now())
		})
		defer func() {
			if !stop() {
				_ = d.SetReadDeadline(time.Time{})
			}
		}()
	}

	n, err := binary.ReadUvarint(s.r)
	if err != nil {
		return nil, s.readErr(ctx, err)
	}
	if n > protocol.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", protocol.ErrFrameTooLarge, n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(s.r, msg); err != nil {
		return nil, s.readErr(ctx, err)
	}
	return msg, nil
}

// Close closes the underlying stream.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.rwc.Close()
}

func (s *Stream) readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return s.wrap(err)
}

func (s *Stream) wrap(err error) error {
	if s.closed.Load() || IsClosed(err) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
