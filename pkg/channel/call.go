package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/docwire/pkg/protocol"
)

// Call is an outbound call awaiting its reply.
type Call struct {
	ID     uint64
	Method string

	d     *Dispatcher
	hook  func(result any) error
	start time.Time
	span  trace.Span

	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

// CallOption configures a single outbound call.
type CallOption func(*Call)

// WithReplyHook runs fn with the successful result on the receive loop,
// before the call resolves and before the next inbound frame is processed.
// An error from fn becomes the call's error.
func WithReplyHook(fn func(result any) error) CallOption {
	return func(c *Call) {
		c.hook = fn
	}
}

// Done is closed when the call has resolved.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the reply arrives or ctx is done. When ctx ends first
// the call is abandoned: a late reply is discarded and its hook never runs.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
	}
	if c.d != nil {
		c.d.forget(c.ID)
	}
	c.resolve(nil, ctx.Err())
	<-c.done
	return c.result, c.err
}

// Result returns the outcome of a resolved call. It must only be called
// after Done is closed.
func (c *Call) Result() (any, error) {
	return c.result, c.err
}

func (c *Call) resolve(result any, err error) {
	c.once.Do(func() {
		c.result, c.err = result, err

		status := "ok"
		var re *protocol.RemoteError
		switch {
		case err == nil:
		case errors.As(err, &re):
			status = re.Code
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status = "abandoned"
		default:
			status = "error"
		}

		if c.span != nil {
			c.span.SetAttributes(attribute.String("docwire.status", status))
			if err != nil {
				c.span.RecordError(err)
				c.span.SetStatus(codes.Error, err.Error())
			} else {
				c.span.SetStatus(codes.Ok, "")
			}
			c.span.End()
		}
		if c.d != nil && c.ID != 0 {
			c.d.metrics.CallFinished(c.Method, status, time.Since(c.start))
		}
		close(c.done)
	})
}

func failedCall(method string, err error) *Call {
	c := &Call{Method: method, done: make(chan struct{})}
	c.resolve(nil, err)
	return c
}
