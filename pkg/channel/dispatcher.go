// Package channel multiplexes method calls over one transport.
//
// The Dispatcher owns the transport. Outbound calls get a correlation ID and
// wait in a pending table for their reply; inbound calls and notifications
// are decoded and handed to a Handler. Run is the only goroutine that reads
// from the transport, so inbound frames are processed one at a time in
// arrival order.
//
// Decode failures, handler failures and handler panics affect only the frame
// that caused them. The receive loop stops only when the transport fails or
// its context ends, and then every pending call fails with a *TransportError.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/docwire/pkg/metrics"
	"github.com/vango-dev/docwire/pkg/protocol"
	"github.com/vango-dev/docwire/pkg/transport"
)

const tracerName = "github.com/vango-dev/docwire/pkg/channel"

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics sink. Default: none.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTracer sets the tracer for outbound calls. Default: the global
// OpenTelemetry provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// WithCodec sets the value codec. Default: a codec without a path resolver.
func WithCodec(codec *protocol.Codec) Option {
	return func(d *Dispatcher) {
		d.codec = codec
	}
}

// Dispatcher is the single ingress and egress point of a transport.
type Dispatcher struct {
	t       transport.Transport
	handler Handler
	codec   *protocol.Codec
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]*Call
	closed   bool
	closeErr *TransportError

	running atomic.Bool
	done    chan struct{}
}

// New creates a dispatcher over t. Inbound calls go to h; a nil h answers
// every call with "unimplemented".
func New(t transport.Transport, h Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		t:       t,
		handler: h,
		pending: make(map[uint64]*Call),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "channel")
	if d.codec == nil {
		d.codec = protocol.NewCodec(nil)
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	return d
}

// Codec returns the codec used for all envelopes.
func (d *Dispatcher) Codec() *protocol.Codec {
	return d.codec
}

// Done is closed when Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Pending returns the number of outbound calls awaiting a reply.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run reads and dispatches frames until the transport closes or ctx ends.
// It returns nil when the transport was closed, ctx.Err() when ctx ended,
// and a *TransportError for any other receive failure.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(d.done)

	d.logger.Debug("dispatcher started")
	for {
		msg, err := d.t.Receive(ctx)
		if err != nil {
			terr := &TransportError{Op: "receive", Err: err}
			d.shutdown(terr)
			d.logger.Debug("dispatcher stopped", "error", err)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if transport.IsClosed(err) {
				return nil
			}
			return terr
		}
		d.handleMessage(ctx, msg)
	}
}

// Close closes the transport and fails every pending call.
func (d *Dispatcher) Close() error {
	d.shutdown(&TransportError{Op: "close", Err: transport.ErrClosed})
	return d.t.Close()
}

// Invoke sends a call and returns without waiting for the reply.
// Transport failures are reported through the returned Call.
func (d *Dispatcher) Invoke(ctx context.Context, method string, args any, opts ...CallOption) *Call {
	payload, err := d.codec.EncodeMethodCall(&protocol.MethodCall{Method: method, Arguments: args})
	if err != nil {
		return failedCall(method, fmt.Errorf("channel: encode %s: %w", method, err))
	}

	c := &Call{Method: method, d: d, done: make(chan struct{}), start: time.Now()}
	for _, opt := range opts {
		opt(c)
	}

	_, c.span = d.tracer.Start(ctx, "docwire.call "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("docwire.method", method)),
	)

	d.mu.Lock()
	if d.closed {
		terr := d.closeErr
		d.mu.Unlock()
		c.resolve(nil, terr)
		return c
	}
	d.nextID++
	c.ID = d.nextID
	d.pending[c.ID] = c
	d.metrics.CallStarted()
	d.mu.Unlock()
	c.span.SetAttributes(attribute.Int64("docwire.call_id", int64(c.ID)))

	frame := protocol.NewCallFrame(c.ID, payload)
	if err := d.t.Send(ctx, frame.Encode()); err != nil {
		d.forget(c.ID)
		c.resolve(nil, &TransportError{Op: "send", Err: err})
		return c
	}
	d.metrics.FrameSent(protocol.FrameCall.String())

	d.logger.Debug("call sent", "id", c.ID, "method", method, "bytes", len(payload))
	return c
}

// Call sends a call and waits for its reply.
func (d *Dispatcher) Call(ctx context.Context, method string, args any, opts ...CallOption) (any, error) {
	return d.Invoke(ctx, method, args, opts...).Wait(ctx)
}

// Notify sends a call that expects no reply.
func (d *Dispatcher) Notify(ctx context.Context, method string, args any) error {
	payload, err := d.codec.EncodeMethodCall(&protocol.MethodCall{Method: method, Arguments: args})
	if err != nil {
		return fmt.Errorf("channel: encode %s: %w", method, err)
	}
	if err := d.send(ctx, protocol.NewNotifyFrame(payload)); err != nil {
		return err
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, f *protocol.Frame) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return &TransportError{Op: "send", Err: transport.ErrClosed}
	}
	if err := d.t.Send(ctx, f.Encode()); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	d.metrics.FrameSent(f.Type.String())
	return nil
}

func (d *Dispatcher) forget(id uint64) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

func (d *Dispatcher) shutdown(terr *TransportError) {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.closeErr = terr
	}
	pending := d.pending
	d.pending = make(map[uint64]*Call)
	d.mu.Unlock()

	for _, c := range pending {
		c.resolve(nil, terr)
	}
	if len(pending) > 0 {
		d.logger.Debug("failed pending calls", "count", len(pending), "error", terr)
	}
}

// =============================================================================
// Inbound
// =============================================================================

func (d *Dispatcher) handleMessage(ctx context.Context, msg []byte) {
	f, err := protocol.DecodeFrame(msg)
	if err != nil {
		d.metrics.DecodeError("frame")
		d.logger.Warn("dropping undecodable frame", "error", err, "bytes", len(msg))
		return
	}
	d.metrics.FrameReceived(f.Type.String())

	switch f.Type {
	case protocol.FrameReply:
		d.handleReply(f)
	case protocol.FrameCall, protocol.FrameNotify:
		d.handleInbound(ctx, f)
	}
}

func (d *Dispatcher) handleReply(f *protocol.Frame) {
	d.mu.Lock()
	c := d.pending[f.ID]
	delete(d.pending, f.ID)
	d.mu.Unlock()

	if c == nil {
		d.logger.Debug("reply for unknown call", "id", f.ID)
		return
	}

	result, err := d.codec.DecodeReply(f.Payload)
	if err != nil {
		if _, remote := err.(*protocol.RemoteError); !remote {
			d.metrics.DecodeError("reply")
			d.logger.Warn("undecodable reply", "id", f.ID, "method", c.Method, "error", err)
		}
		c.resolve(nil, err)
		return
	}

	if c.hook != nil {
		if err := d.runHook(c, result); err != nil {
			c.resolve(nil, err)
			return
		}
	}
	c.resolve(result, nil)
}

func (d *Dispatcher) runHook(c *Call, result any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("reply hook panicked", "method", c.Method, "panic", p)
			err = fmt.Errorf("channel: reply hook for %s panicked: %v", c.Method, p)
		}
	}()
	return c.hook(result)
}

func (d *Dispatcher) handleInbound(ctx context.Context, f *protocol.Frame) {
	var r Replier = discardReplier{}
	if f.Type == protocol.FrameCall {
		r = &frameReplier{d: d, ctx: ctx, id: f.ID}
	}

	mc, err := d.codec.DecodeMethodCall(f.Payload)
	if err != nil {
		d.metrics.DecodeError("call")
		d.logger.Warn("undecodable inbound call", "id", f.ID, "error", err)
		_ = r.Fail(err)
		return
	}
	if fr, ok := r.(*frameReplier); ok {
		fr.method = mc.Method
	}

	if d.handler == nil {
		_ = r.Fail(protocol.NewRemoteError(protocol.CodeUnimplemented, mc.Method))
		return
	}
	d.serve(ctx, mc, r)
}

func (d *Dispatcher) serve(ctx context.Context, mc *protocol.MethodCall, r Replier) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("handler panicked", "method", mc.Method, "panic", p)
			_ = r.Fail(protocol.NewRemoteError(protocol.CodeInternal, fmt.Sprintf("panic serving %s: %v", mc.Method, p)))
		}
	}()
	d.handler.ServeCall(ctx, mc, r)
}

// frameReplier answers one inbound FrameCall.
type frameReplier struct {
	d      *Dispatcher
	ctx    context.Context
	id     uint64
	method string

	answered atomic.Bool
}

func (r *frameReplier) ExpectsReply() bool { return true }

func (r *frameReplier) Reply(result any) error {
	if !r.answered.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	payload, err := r.d.codec.EncodeSuccess(result)
	if err != nil {
		r.d.logger.Error("cannot encode reply", "method", r.method, "error", err)
		r.d.metrics.InboundCall(r.method, protocol.CodeInternal)
		return r.d.send(r.ctx, protocol.NewReplyFrame(r.id,
			r.d.codec.EncodeError(protocol.NewRemoteError(protocol.CodeInternal, err.Error()))))
	}
	r.d.metrics.InboundCall(r.method, "ok")
	return r.d.send(r.ctx, protocol.NewReplyFrame(r.id, payload))
}

func (r *frameReplier) Fail(err error) error {
	if !r.answered.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	re := protocol.AsRemoteError(err)
	r.d.metrics.InboundCall(r.method, re.Code)
	return r.d.send(r.ctx, protocol.NewReplyFrame(r.id, r.d.codec.EncodeError(re)))
}
