package transport

import (
	"context"
	"sync"
)

// pipeBuffer is the number of messages that may be in flight in each
// direction before Send blocks.
const pipeBuffer = 256

// PipeEnd is one end of an in-memory Pipe.
type PipeEnd struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected transports. Closing either end closes both.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &PipeEnd{in: ba, out: ab, done: done, once: once}
	b := &PipeEnd{in: ab, out: ba, done: done, once: once}
	return a, b
}

// Send copies msg to the other end.
func (p *PipeEnd) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	buf := make([]byte, len(msg))
	copy(buf, msg)
	select {
	case p.out <- buf:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next message sent by the other end. Messages already
// queued are drained before ErrClosed is reported.
func (p *PipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes both ends of the pipe.
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
