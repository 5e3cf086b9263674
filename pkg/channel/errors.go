package channel

import (
	"errors"
	"fmt"

	"github.com/vango-dev/docwire/pkg/protocol"
)

// Dispatcher errors.
var (
	// ErrAlreadyRunning is returned by a second concurrent call to Run.
	ErrAlreadyRunning = errors.New("channel: dispatcher already running")

	// ErrAlreadyReplied is returned when a Replier is used twice.
	ErrAlreadyReplied = errors.New("channel: call already answered")
)

// TransportError reports that the channel failed underneath a call: the
// transport was closed or a send failed. Only the affected calls see it.
type TransportError struct {
	Op  string // "send", "receive" or "close"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("channel: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ArgumentError reports a missing or ill-typed argument in an inbound call.
// It matches protocol.ErrMalformed.
type ArgumentError struct {
	Method string
	Arg    string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("channel: %s: argument %q %s", e.Method, e.Arg, e.Reason)
}

func (e *ArgumentError) Unwrap() error {
	return protocol.ErrMalformed
}
