// Package session wires one connection to a remote document store.
//
// A Session owns the channel dispatcher for its transport, the registry of
// live listeners and the table of running transactions. It serves the calls
// the store initiates (snapshots and transaction steps) and exposes the
// calls the local side initiates (listen, cancel, reads, writes and
// transactions).
//
//	s := session.New(t, session.WithLogger(logger))
//	go s.Run(ctx)
//
//	sink, err := s.ListenQuery(ctx, "rooms/lobby/messages")
//	for snap := range sink.C() {
//	    qs := snap.(*stream.QuerySnapshot)
//	    ...
//	}
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/docwire/pkg/channel"
	"github.com/vango-dev/docwire/pkg/metrics"
	"github.com/vango-dev/docwire/pkg/protocol"
	"github.com/vango-dev/docwire/pkg/stream"
	"github.com/vango-dev/docwire/pkg/transport"
	"github.com/vango-dev/docwire/pkg/txn"
)

var errAbandoned = errors.New("session: listen abandoned")

// Option configures a Session.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	resolver    protocol.PathResolver
	maxAttempts int
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics sink shared by every component.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracer sets the tracer for calls and transaction steps.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithResolver sets how decoded document references are materialized.
func WithResolver(r protocol.PathResolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithMaxAttempts bounds how often one transaction handler may run.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		o.maxAttempts = n
	}
}

// Session is one connection to a remote store.
type Session struct {
	id      uuid.UUID
	d       *channel.Dispatcher
	streams *stream.Registry
	txns    *txn.Coordinator
	logger  *slog.Logger
}

// New creates a session over t. Call Run to start processing frames.
func New(t transport.Transport, opts ...Option) *Session {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{id: uuid.New()}
	s.logger = o.logger.With("session_id", s.id.String())

	dopts := []channel.Option{
		channel.WithLogger(s.logger),
		channel.WithMetrics(o.metrics),
		channel.WithCodec(protocol.NewCodec(o.resolver)),
	}
	topts := []txn.Option{
		txn.WithLogger(s.logger),
		txn.WithMetrics(o.metrics),
		txn.WithMaxAttempts(o.maxAttempts),
	}
	if o.tracer != nil {
		dopts = append(dopts, channel.WithTracer(o.tracer))
		topts = append(topts, txn.WithTracer(o.tracer))
	}

	s.d = channel.New(t, s, dopts...)
	s.streams = stream.NewRegistry(stream.WithLogger(s.logger), stream.WithMetrics(o.metrics))
	s.txns = txn.NewCoordinator(s.d, topts...)
	s.logger = s.logger.With("component", "session")
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Streams returns the listener registry.
func (s *Session) Streams() *stream.Registry {
	return s.streams
}

// Transactions returns the transaction coordinator.
func (s *Session) Transactions() *txn.Coordinator {
	return s.txns
}

// Dispatcher returns the underlying channel dispatcher.
func (s *Session) Dispatcher() *channel.Dispatcher {
	return s.d
}

// Run processes frames until the transport closes or ctx ends, then ends
// every stream and drops every transaction. See channel.Dispatcher.Run for
// the returned error.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("session started")
	err := s.d.Run(ctx)
	s.txns.Close()
	s.streams.Close()
	s.logger.Info("session ended", "error", err)
	return err
}

// Close closes the transport. Pending calls fail and Run returns.
func (s *Session) Close() error {
	err := s.d.Close()
	s.txns.Close()
	s.streams.Close()
	return err
}

// =============================================================================
// Inbound
// =============================================================================

// ServeCall handles a call initiated by the remote store.
func (s *Session) ServeCall(ctx context.Context, mc *protocol.MethodCall, r channel.Replier) {
	in, err := channel.ParseInbound(mc)
	if err != nil {
		s.logger.Warn("rejecting inbound call", "method", mc.Method, "error", err)
		_ = r.Fail(err)
		return
	}

	switch c := in.(type) {
	case channel.QuerySnapshotCall:
		snap, err := stream.DecodeQuerySnapshot(c.Handle, c.Data)
		if err != nil {
			s.logger.Warn("undecodable query snapshot", "handle", c.Handle, "error", err)
			_ = r.Fail(err)
			return
		}
		s.streams.Deliver(c.Handle, snap)
		_ = r.Reply(nil)

	case channel.DocumentSnapshotCall:
		s.streams.Deliver(c.Handle, stream.NewDocumentSnapshot(c.Path, c.Data))
		_ = r.Reply(nil)

	case channel.DoTransactionCall:
		// Steps call back into the store, so they cannot run on the receive loop.
		go s.doTransaction(ctx, c.TransactionID, r)

	case channel.UnknownCall:
		if !r.ExpectsReply() {
			s.logger.Debug("ignoring unknown notification", "method", c.Method)
			return
		}
		_ = r.Fail(protocol.NewRemoteError(protocol.CodeUnimplemented, c.Method))
	}
}

func (s *Session) doTransaction(ctx context.Context, id int64, r channel.Replier) {
	// This runs off the receive loop, beyond the dispatcher's own recover.
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("transaction step panicked", "transaction_id", id, "panic", p)
			_ = r.Fail(protocol.NewRemoteError(protocol.CodeInternal, fmt.Sprintf("panic in transaction %d: %v", id, p)))
		}
	}()

	result, err := s.txns.RunStep(ctx, id)
	if err != nil {
		_ = r.Fail(stepError(err))
		return
	}
	if err := r.Reply(result); err != nil {
		s.logger.Debug("cannot answer transaction step", "transaction_id", id, "error", err)
	}
}

func stepError(err error) error {
	var re *protocol.RemoteError
	switch {
	case errors.As(err, &re):
		return re
	case errors.Is(err, txn.ErrUnknownTransaction):
		return protocol.NewRemoteError(protocol.CodeNotFound, err.Error())
	case errors.Is(err, txn.ErrTooManyAttempts):
		return protocol.NewRemoteError(protocol.CodeAborted, err.Error())
	default:
		return protocol.NewRemoteError(protocol.CodeInternal, err.Error())
	}
}

// =============================================================================
// Listeners
// =============================================================================

// ListenQuery starts a live query on the collection at path. The sink
// receives *stream.QuerySnapshot values until Cancel or session end.
func (s *Session) ListenQuery(ctx context.Context, path string) (*stream.Sink, error) {
	return s.listen(ctx, channel.MethodQueryListen, path)
}

// ListenDocument starts a live listener on the document at path. The sink
// receives *stream.DocumentSnapshot values until Cancel or session end.
func (s *Session) ListenDocument(ctx context.Context, path string) (*stream.Sink, error) {
	return s.listen(ctx, channel.MethodDocumentListen, path)
}

// listen registers the sink from the reply hook, so the handle is known
// before the store's first snapshot for it is dispatched.
func (s *Session) listen(ctx context.Context, method, path string) (*stream.Sink, error) {
	var (
		mu        sync.Mutex
		abandoned bool
		sink      *stream.Sink
	)
	hook := func(result any) error {
		handle, err := handleFromReply(result)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			go s.release(handle)
			return errAbandoned
		}
		sink, err = s.streams.Register(handle)
		return err
	}

	_, err := s.d.Call(ctx, method, map[string]any{channel.ArgPath: path}, channel.WithReplyHook(hook))
	if err != nil {
		mu.Lock()
		abandoned = true
		registered := sink
		mu.Unlock()
		if registered != nil {
			s.streams.Unregister(registered.Handle())
			go s.release(registered.Handle())
		}
		return nil, fmt.Errorf("session: listen %s: %w", path, err)
	}

	s.logger.Debug("listening", "method", method, "path", path, "handle", sink.Handle())
	return sink, nil
}

// release tells the store to drop a listener nobody is waiting for.
func (s *Session) release(handle int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.d.Notify(ctx, channel.MethodRemoveListener, map[string]any{channel.ArgHandle: handle}); err != nil {
		s.logger.Debug("cannot release listener", "handle", handle, "error", err)
	}
}

// Cancel ends the listener at handle. Its sink stops immediately; the store
// is then asked to remove the listener.
func (s *Session) Cancel(ctx context.Context, handle int64) error {
	if !s.streams.Unregister(handle) {
		return fmt.Errorf("session: cancel: no listener with handle %d", handle)
	}
	if _, err := s.d.Call(ctx, channel.MethodRemoveListener, map[string]any{channel.ArgHandle: handle}); err != nil {
		return fmt.Errorf("session: cancel %d: %w", handle, err)
	}
	return nil
}

func handleFromReply(result any) (int64, error) {
	switch v := result.(type) {
	case int64:
		return v, nil
	case map[string]any:
		if h, ok := v[channel.ArgHandle].(int64); ok {
			return h, nil
		}
	}
	return 0, fmt.Errorf("%w: listen reply %T carries no handle", protocol.ErrMalformed, result)
}

// =============================================================================
// Reads and writes
// =============================================================================

// GetDocument reads the document at path once. A missing document yields a
// snapshot with Exists unset.
func (s *Session) GetDocument(ctx context.Context, path string) (*stream.DocumentSnapshot, error) {
	reply, err := s.d.Call(ctx, channel.MethodDocumentGet, map[string]any{channel.ArgPath: path})
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", path, err)
	}
	if reply == nil {
		return stream.NewDocumentSnapshot(path, nil), nil
	}
	return stream.DecodeDocument(reply)
}

// GetQuery reads the collection at path once.
func (s *Session) GetQuery(ctx context.Context, path string) (*stream.QuerySnapshot, error) {
	reply, err := s.d.Call(ctx, channel.MethodQueryGet, map[string]any{channel.ArgPath: path})
	if err != nil {
		return nil, fmt.Errorf("session: query %s: %w", path, err)
	}
	data, ok := reply.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: query reply is %T", protocol.ErrMalformed, reply)
	}
	return stream.DecodeQuerySnapshot(0, data)
}

// SetDocument replaces the document at path.
func (s *Session) SetDocument(ctx context.Context, path string, data map[string]any) error {
	return s.write(ctx, channel.MethodDocumentSet, path, data)
}

// UpdateDocument merges data into the existing document at path.
func (s *Session) UpdateDocument(ctx context.Context, path string, data map[string]any) error {
	return s.write(ctx, channel.MethodDocumentUpdate, path, data)
}

// DeleteDocument deletes the document at path.
func (s *Session) DeleteDocument(ctx context.Context, path string) error {
	return s.write(ctx, channel.MethodDocumentDelete, path, nil)
}

func (s *Session) write(ctx context.Context, method, path string, data map[string]any) error {
	args := map[string]any{channel.ArgPath: path}
	if data != nil {
		args[channel.ArgData] = data
	}
	if _, err := s.d.Call(ctx, method, args); err != nil {
		return fmt.Errorf("session: %s %s: %w", method, path, err)
	}
	return nil
}

// =============================================================================
// Transactions
// =============================================================================

// RunTransaction runs h as a store-driven transaction that the store may
// retry until timeout. A timeout that is not positive fails with
// txn.ErrInvalidTimeout before anything is sent; pass txn.DefaultTimeout for
// the usual five seconds.
func (s *Session) RunTransaction(ctx context.Context, h txn.Handler, timeout time.Duration) (map[string]any, error) {
	return s.txns.Run(ctx, h, timeout)
}
