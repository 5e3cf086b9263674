// Package txn runs server-driven transactions.
//
// The local side registers a Handler under a fresh transaction ID and asks
// the remote store to run the transaction. The store then calls back with
// DoTransaction once per attempt; each attempt runs the handler against a
// fresh Transaction whose reads and writes travel back over the channel.
// The store decides when to retry and when the configured timeout has
// elapsed; this package only counts attempts and stops after MaxAttempts.
//
// Handlers may run more than once for the same transaction and must be safe
// to re-run: every attempt must derive its writes from its own reads, and
// must not carry state over from a previous attempt.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/docwire/pkg/channel"
	"github.com/vango-dev/docwire/pkg/metrics"
	"github.com/vango-dev/docwire/pkg/protocol"
)

const (
	// DefaultTimeout is the transaction timeout passed to the remote store
	// when the caller does not choose one.
	DefaultTimeout = 5 * time.Second

	// MaxAttempts bounds how many times one transaction's handler runs.
	MaxAttempts = 5
)

const tracerName = "github.com/vango-dev/docwire/pkg/txn"

// Coordinator errors.
var (
	ErrUnknownTransaction = errors.New("txn: unknown transaction")
	ErrInvalidTimeout     = errors.New("txn: timeout must be positive")
	ErrTooManyAttempts    = errors.New("txn: too many attempts")
)

// Handler is the body of a transaction. It returns the result mapping for
// this attempt; a nil mapping is sent as an empty one.
type Handler func(ctx context.Context, tx *Transaction) (map[string]any, error)

// Invoker sends a call and waits for its reply. *channel.Dispatcher
// implements it.
type Invoker interface {
	Call(ctx context.Context, method string, args any, opts ...channel.CallOption) (any, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink. Default: none.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithTracer sets the tracer for transaction steps. Default: the global
// OpenTelemetry provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = tracer
	}
}

// WithMaxAttempts overrides MaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

type entry struct {
	handler  Handler
	attempts int
	last     map[string]any
}

// Coordinator owns the table of transaction ID to handler.
type Coordinator struct {
	inv Invoker

	mu      sync.Mutex
	nextID  int64
	entries map[int64]*entry
	closed  bool

	maxAttempts int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

// NewCoordinator creates a coordinator whose transactions talk through inv.
func NewCoordinator(inv Invoker, opts ...Option) *Coordinator {
	c := &Coordinator{
		inv:         inv,
		entries:     make(map[int64]*entry),
		maxAttempts: MaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "txn")
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	return c
}

// Begin stores h under the next transaction ID and returns the ID. IDs start
// at zero and are never reused.
func (c *Coordinator) Begin(h Handler) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	if c.closed {
		return id
	}
	c.entries[id] = &entry{handler: h}
	c.metrics.TransactionBegun()

	c.logger.Debug("transaction begun", "transaction_id", id)
	return id
}

// RunStep runs one attempt of transaction id and returns its result mapping.
func (c *Coordinator) RunStep(ctx context.Context, id int64) (map[string]any, error) {
	c.mu.Lock()
	e := c.entries[id]
	if e == nil {
		c.mu.Unlock()
		c.metrics.TransactionStep("unknown")
		return nil, fmt.Errorf("%w: %d", ErrUnknownTransaction, id)
	}
	e.attempts++
	attempt := e.attempts
	h := e.handler
	c.mu.Unlock()

	if attempt > c.maxAttempts {
		c.metrics.TransactionStep("exhausted")
		return nil, fmt.Errorf("%w: transaction %d, attempt %d of %d", ErrTooManyAttempts, id, attempt, c.maxAttempts)
	}

	ctx, span := c.tracer.Start(ctx, "docwire.transaction.step",
		trace.WithAttributes(
			attribute.Int64("docwire.transaction_id", id),
			attribute.Int("docwire.attempt", attempt),
		),
	)
	defer span.End()

	result, err := c.runHandler(ctx, h, &Transaction{id: id, inv: c.inv})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.TransactionStep("error")
		c.logger.Debug("transaction step failed", "transaction_id", id, "attempt", attempt, "error", err)
		return nil, err
	}
	if result == nil {
		result = map[string]any{}
	}

	c.mu.Lock()
	if cur := c.entries[id]; cur == e {
		e.last = result
	}
	c.mu.Unlock()

	c.metrics.TransactionStep("ok")
	c.logger.Debug("transaction step done", "transaction_id", id, "attempt", attempt)
	return result, nil
}

func (c *Coordinator) runHandler(ctx context.Context, h Handler, tx *Transaction) (result map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("transaction handler panicked", "transaction_id", tx.id, "panic", p)
			err = fmt.Errorf("txn: handler for transaction %d panicked: %v", tx.id, p)
		}
	}()
	return h(ctx, tx)
}

// LastResult returns the result of the most recent successful step.
func (c *Coordinator) LastResult(id int64) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[id]
	if e == nil || e.last == nil {
		return nil, false
	}
	return e.last, true
}

// Attempts returns how many steps have been requested for id.
func (c *Coordinator) Attempts(id int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[id]; e != nil {
		return e.attempts
	}
	return 0
}

// Finish drops transaction id. Later steps for it fail with
// ErrUnknownTransaction.
func (c *Coordinator) Finish(id int64) {
	c.mu.Lock()
	_, ok := c.entries[id]
	delete(c.entries, id)
	c.mu.Unlock()

	if ok {
		c.metrics.TransactionFinished()
	}
}

// Len returns the number of registered transactions.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close drops every transaction. Later steps fail with ErrUnknownTransaction.
func (c *Coordinator) Close() {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[int64]*entry)
	c.closed = true
	c.mu.Unlock()

	for i := 0; i < n; i++ {
		c.metrics.TransactionFinished()
	}
}

// Run executes a transaction end to end: it registers h, asks the remote
// store to run it with the given timeout, and waits for the outcome. The
// result is the store's reply, or the last step's result when the reply
// carries none.
func (c *Coordinator) Run(ctx context.Context, h Handler, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimeout, timeout)
	}

	id := c.Begin(h)
	defer c.Finish(id)

	reply, err := c.inv.Call(ctx, channel.MethodRunTransaction, map[string]any{
		channel.ArgTransactionID:      id,
		channel.ArgTransactionTimeout: timeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("txn: transaction %d: %w", id, err)
	}

	switch r := reply.(type) {
	case nil:
		if last, ok := c.LastResult(id); ok {
			return last, nil
		}
		return map[string]any{}, nil
	case map[string]any:
		return r, nil
	default:
		return nil, fmt.Errorf("%w: runTransaction reply is %T", protocol.ErrMalformed, reply)
	}
}
