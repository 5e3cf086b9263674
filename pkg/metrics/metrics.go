// Package metrics defines the Prometheus collectors shared by the channel,
// stream and transaction layers.
//
// A nil *Metrics is valid and records nothing, so library code can call the
// recording methods unconditionally.
//
// Metrics collected (namespace "docwire" by default):
//   - frames_sent_total, frames_received_total: frames by type
//   - decode_errors_total: undecodable inbound data by stage
//   - pending_calls: outbound calls awaiting a reply
//   - call_duration_seconds: outbound call latency by method and status
//   - inbound_calls_total: inbound calls by method and outcome
//   - active_streams: registered snapshot streams
//   - snapshots_total: snapshots by outcome (delivered, dropped)
//   - active_transactions: transactions begun and not finished
//   - transaction_steps_total: transaction steps by outcome
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "docwire").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for call duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "docwire",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the collectors. Create one per registry.
type Metrics struct {
	framesSent         *prometheus.CounterVec
	framesReceived     *prometheus.CounterVec
	decodeErrors       *prometheus.CounterVec
	pendingCalls       prometheus.Gauge
	callDuration       *prometheus.HistogramVec
	inboundCalls       *prometheus.CounterVec
	activeStreams      prometheus.Gauge
	snapshots          *prometheus.CounterVec
	activeTransactions prometheus.Gauge
	transactionSteps   *prometheus.CounterVec
}

// New registers the collectors with the configured registry.
// Registering twice against the same registry panics, as promauto does.
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	return &Metrics{
		framesSent:     counterVec("frames_sent_total", "Total number of frames sent by type", "type"),
		framesReceived: counterVec("frames_received_total", "Total number of frames received by type", "type"),
		decodeErrors:   counterVec("decode_errors_total", "Total number of undecodable inbound messages by stage", "stage"),
		pendingCalls:   gauge("pending_calls", "Number of outbound calls awaiting a reply"),
		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "call_duration_seconds",
			Help:        "Outbound call latency in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"method", "status"}),
		inboundCalls:       counterVec("inbound_calls_total", "Total number of inbound calls by method and outcome", "method", "outcome"),
		activeStreams:      gauge("active_streams", "Number of registered snapshot streams"),
		snapshots:          counterVec("snapshots_total", "Total number of snapshots by outcome", "outcome"),
		activeTransactions: gauge("active_transactions", "Number of transactions begun and not yet finished"),
		transactionSteps:   counterVec("transaction_steps_total", "Total number of transaction steps by outcome", "outcome"),
	}
}

// FrameSent records an outbound frame.
func (m *Metrics) FrameSent(frameType string) {
	if m != nil {
		m.framesSent.WithLabelValues(frameType).Inc()
	}
}

// FrameReceived records an inbound frame.
func (m *Metrics) FrameReceived(frameType string) {
	if m != nil {
		m.framesReceived.WithLabelValues(frameType).Inc()
	}
}

// DecodeError records an inbound message that could not be decoded.
func (m *Metrics) DecodeError(stage string) {
	if m != nil {
		m.decodeErrors.WithLabelValues(stage).Inc()
	}
}

// CallStarted records an outbound call entering the pending table.
func (m *Metrics) CallStarted() {
	if m != nil {
		m.pendingCalls.Inc()
	}
}

// CallFinished records an outbound call leaving the pending table.
func (m *Metrics) CallFinished(method, status string, d time.Duration) {
	if m != nil {
		m.pendingCalls.Dec()
		m.callDuration.WithLabelValues(method, status).Observe(d.Seconds())
	}
}

// InboundCall records an inbound call and how it was answered.
func (m *Metrics) InboundCall(method, outcome string) {
	if m != nil {
		m.inboundCalls.WithLabelValues(method, outcome).Inc()
	}
}

// StreamRegistered records a new snapshot stream.
func (m *Metrics) StreamRegistered() {
	if m != nil {
		m.activeStreams.Inc()
	}
}

// StreamUnregistered records a removed snapshot stream.
func (m *Metrics) StreamUnregistered() {
	if m != nil {
		m.activeStreams.Dec()
	}
}

// Snapshot records a snapshot routed by the registry.
func (m *Metrics) Snapshot(outcome string) {
	if m != nil {
		m.snapshots.WithLabelValues(outcome).Inc()
	}
}

// TransactionBegun records a new transaction.
func (m *Metrics) TransactionBegun() {
	if m != nil {
		m.activeTransactions.Inc()
	}
}

// TransactionFinished records a finished transaction.
func (m *Metrics) TransactionFinished() {
	if m != nil {
		m.activeTransactions.Dec()
	}
}

// TransactionStep records one transaction step.
func (m *Metrics) TransactionStep(outcome string) {
	if m != nil {
		m.transactionSteps.WithLabelValues(outcome).Inc()
	}
}
