// Package metrics exposes optional Prometheus instrumentation for the
// client. A nil *Metrics is valid and records nothing, so the engine can
// call through unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the Prometheus metrics.
type Config struct {
	// Namespace is the metrics namespace (default: "noex").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the metrics.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics holds the Prometheus metrics for one client.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestsInFlight  prometheus.Gauge
	pushUpdatesTotal  prometheus.Counter
	reconnectAttempts prometheus.Counter
	connectedSessions prometheus.Gauge
}

// Request outcome label values.
const (
	OutcomeOK           = "ok"
	OutcomeServerError  = "server_error"
	OutcomeTimeout      = "timeout"
	OutcomeDisconnected = "disconnected"
)

// New registers and returns the client metrics.
func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "noex",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	factory := promauto.With(cfg.Registry)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "client",
			Name:        "requests_total",
			Help:        "Completed RPC requests by outcome.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"outcome"}),
		requestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "client",
			Name:        "requests_in_flight",
			Help:        "RPC requests awaiting a response.",
			ConstLabels: cfg.ConstLabels,
		}),
		pushUpdatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "client",
			Name:        "push_updates_total",
			Help:        "Push updates delivered to subscription callbacks.",
			ConstLabels: cfg.ConstLabels,
		}),
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "client",
			Name:        "reconnect_attempts_total",
			Help:        "Reconnection attempts made after unexpected disconnects.",
			ConstLabels: cfg.ConstLabels,
		}),
		connectedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "client",
			Name:        "connected",
			Help:        "1 while the logical session has a usable physical connection.",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.requestsInFlight.Inc()
}

func (m *Metrics) RequestFinished(outcome string) {
	if m == nil {
		return
	}
	m.requestsInFlight.Dec()
	m.requestsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PushDelivered() {
	if m == nil {
		return
	}
	m.pushUpdatesTotal.Inc()
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connectedSessions.Set(1)
	} else {
		m.connectedSessions.Set(0)
	}
}
