// Package transport carries opaque frames between the two ends of a
// document channel.
//
// A Transport delivers whole messages: one Send on one end yields exactly one
// Receive on the other, in order. Framing, encoding and correlation are the
// concern of the layers above.
//
// Three implementations are provided:
//
//   - Pipe: a connected in-memory pair, for tests and embedding
//   - Stream: uvarint length-prefixed frames over any io.ReadWriteCloser
//   - WebSocket: one binary WebSocket message per frame (gorilla/websocket)
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
)

// ErrClosed is returned by Send and Receive once the transport is closed,
// locally or by the peer.
var ErrClosed = errors.New("transport: closed")

// Transport is a bidirectional, message-oriented byte channel.
//
// Send may be called from multiple goroutines. Receive is called from a
// single goroutine. Close unblocks both.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// IsClosed reports whether err means the underlying connection is gone.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var syscallErr *os.SyscallError
	return errors.As(err, &syscallErr)
}
