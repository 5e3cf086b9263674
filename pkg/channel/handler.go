package channel

import (
	"context"

	"github.com/vango-dev/docwire/pkg/protocol"
)

// Handler serves calls initiated by the remote end.
//
// ServeCall runs on the dispatcher's receive loop: no other inbound frame is
// processed until it returns. Work that waits on further replies from the
// remote must move to its own goroutine and answer through r later.
type Handler interface {
	ServeCall(ctx context.Context, call *protocol.MethodCall, r Replier)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *protocol.MethodCall, r Replier)

// ServeCall calls f(ctx, call, r).
func (f HandlerFunc) ServeCall(ctx context.Context, call *protocol.MethodCall, r Replier) {
	f(ctx, call, r)
}

// Replier answers one inbound call. At most one of Reply or Fail takes
// effect. Notifications get a Replier that discards both.
type Replier interface {
	// Reply sends a success reply carrying result.
	Reply(result any) error

	// Fail sends an error reply. Errors that are not a *protocol.RemoteError
	// are mapped with protocol.AsRemoteError.
	Fail(err error) error

	// ExpectsReply reports whether the caller is waiting for an answer.
	ExpectsReply() bool
}

type discardReplier struct{}

func (discardReplier) Reply(any) error    { return nil }
func (discardReplier) Fail(error) error   { return nil }
func (discardReplier) ExpectsReply() bool { return false }
