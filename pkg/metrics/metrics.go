// Package metrics exports session outcomes to Prometheus. A Collector plugs
// into a session through session.WithRecorder.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mtmanager/pkg/core"
)

// Config configures a Collector.
type Config struct {
	// Namespace is the metrics namespace (default: "mt5").
	Namespace string
	// Subsystem is the metrics subsystem (default: "manager").
	Subsystem string
	// ConstLabels are added to all metrics.
	ConstLabels prometheus.Labels
	// Buckets are the histogram buckets for durations.
	Buckets []float64
	// Registry defaults to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// Option configures a Collector.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels, such as the server name.
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

// WithRegistry sets the registry the metrics are registered with.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "mt5",
		Subsystem: "manager",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collector records connect attempts and command exchanges.
type Collector struct {
	connects        *prometheus.CounterVec
	connectDuration prometheus.Histogram
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
}

// New registers the metrics and returns a Collector. Registering twice with
// the same registry panics.
func New(opts ...Option) *Collector {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Collector{
		connects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connects_total",
			Help:        "Connect and handshake attempts by result code",
			ConstLabels: config.ConstLabels,
		}, []string{"code", "result"}),

		connectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connect_duration_seconds",
			Help:        "Time to connect and authenticate in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),

		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "commands_total",
			Help:        "Commands sent by command and result code",
			ConstLabels: config.ConstLabels,
		}, []string{"command", "code", "result"}),

		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "command_duration_seconds",
			Help:        "Request/response exchange duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"command"}),
	}
}

// ObserveConnect records one connect attempt.
func (c *Collector) ObserveConnect(code core.RetCode, elapsed time.Duration) {
	c.connects.WithLabelValues(strconv.Itoa(int(code)), result(code)).Inc()
	c.connectDuration.Observe(elapsed.Seconds())
}

// ObserveCommand records one command exchange.
func (c *Collector) ObserveCommand(command string, code core.RetCode, elapsed time.Duration) {
	c.commands.WithLabelValues(command, strconv.Itoa(int(code)), result(code)).Inc()
	c.commandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

// result groups codes into ok, rejected (answered by the server) and error.
func result(code core.RetCode) string {
	switch {
	case code.IsOK():
		return "ok"
	case code.IsClient(), code.IsConnection():
		return "error"
	default:
		return "rejected"
	}
}
