// Package stream routes live snapshots to their subscribers.
//
// The remote store names each live query or document listener by an integer
// handle. The Registry maps handles to sinks: the dispatcher delivers
// decoded snapshots by handle, and the subscriber reads them from its Sink.
// Delivery to a handle that is not registered is a silent no-op, since a
// snapshot may race with the cancellation of its subscription.
package stream

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/vango-dev/docwire/pkg/metrics"
)

// Registry errors.
var (
	// ErrDuplicateHandle is returned when a handle is already registered.
	ErrDuplicateHandle = errors.New("stream: duplicate handle")

	// ErrRegistryClosed is returned by Register after Close.
	ErrRegistryClosed = errors.New("stream: registry closed")
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics sink. Default: none.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Registry maps handles to sinks. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	sinks  map[int64]*Sink
	closed bool

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{sinks: make(map[int64]*Sink)}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "stream")
	return r
}

// Register creates the sink for handle.
func (r *Registry) Register(handle int64) (*Sink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if _, ok := r.sinks[handle]; ok {
		return nil, ErrDuplicateHandle
	}
	s := newSink(handle)
	r.sinks[handle] = s
	r.metrics.StreamRegistered()

	r.logger.Debug("stream registered", "handle", handle)
	return s, nil
}

// Deliver queues snap on the sink registered at handle and reports whether
// one was registered.
func (r *Registry) Deliver(handle int64, snap Snapshot) bool {
	r.mu.RLock()
	s := r.sinks[handle]
	r.mu.RUnlock()

	if s == nil || !s.push(snap) {
		r.metrics.Snapshot("dropped")
		r.logger.Debug("snapshot for unregistered handle", "handle", handle)
		return false
	}
	r.metrics.Snapshot("delivered")
	return true
}

// Unregister removes handle and ends its stream. It reports whether the
// handle was registered; unregistering twice is harmless.
func (r *Registry) Unregister(handle int64) bool {
	r.mu.Lock()
	s := r.sinks[handle]
	delete(r.sinks, handle)
	r.mu.Unlock()

	if s == nil {
		return false
	}
	s.close()
	r.metrics.StreamUnregistered()

	r.logger.Debug("stream unregistered", "handle", handle)
	return true
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// Close unregisters every handle. Later Register calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sinks := r.sinks
	r.sinks = make(map[int64]*Sink)
	r.mu.Unlock()

	for _, s := range sinks {
		s.close()
		r.metrics.StreamUnregistered()
	}
}
