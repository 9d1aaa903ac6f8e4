package mqttmesh

import (
	"time"
)

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics defines the interface for collecting metrics.
type Metrics interface {
	// Counter returns a counter metric.
	Counter(name string, labels MetricLabels) Counter

	// Gauge returns a gauge metric.
	Gauge(name string, labels MetricLabels) Gauge

	// Histogram returns a histogram metric.
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter is a monotonically increasing counter.
type Counter interface {
	// Inc increments the counter by 1.
	Inc()

	// Add adds the given value to the counter.
	Add(delta float64)

	// Value returns the current value.
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	// Set sets the gauge to the given value.
	Set(value float64)

	// Inc increments the gauge by 1.
	Inc()

	// Dec decrements the gauge by 1.
	Dec()

	// Add adds the given value to the gauge.
	Add(delta float64)

	// Sub subtracts the given value from the gauge.
	Sub(delta float64)

	// Value returns the current value.
	Value() float64
}

// Histogram tracks the distribution of values.
type Histogram interface {
	// Observe records a value.
	Observe(value float64)

	// ObserveDuration records a duration in seconds.
	ObserveDuration(d time.Duration)

	// Count returns the number of observations.
	Count() uint64

	// Sum returns the sum of all observations.
	Sum() float64
}

// NoOpMetrics is a no-op implementation of Metrics.
type NoOpMetrics struct{}

// Counter returns a no-op counter.
func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter {
	return &noOpCounter{}
}

// Gauge returns a no-op gauge.
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge {
	return &noOpGauge{}
}

// Histogram returns a no-op histogram.
func (n *NoOpMetrics) Histogram(_ string, _ MetricLabels) Histogram {
	return &noOpHistogram{}
}

type noOpCounter struct{}

func (n *noOpCounter) Inc()           {}
func (n *noOpCounter) Add(_ float64)  {}
func (n *noOpCounter) Value() float64 { return 0 }

type noOpGauge struct{}

func (n *noOpGauge) Set(_ float64)  {}
func (n *noOpGauge) Inc()           {}
func (n *noOpGauge) Dec()           {}
func (n *noOpGauge) Add(_ float64)  {}
func (n *noOpGauge) Sub(_ float64)  {}
func (n *noOpGauge) Value() float64 { return 0 }

type noOpHistogram struct{}

func (n *noOpHistogram) Observe(_ float64)               {}
func (n *noOpHistogram) ObserveDuration(_ time.Duration) {}
func (n *noOpHistogram) Count() uint64                   { return 0 }
func (n *noOpHistogram) Sum() float64                    { return 0 }

// Standard metric names for the mesh router.
const (
	// MetricClientConnects is the total number of local client connects.
	MetricClientConnects = "mesh_client_connects_total"

	// MetricClientDisconnects is the total number of local client
	// disconnects.
	MetricClientDisconnects = "mesh_client_disconnects_total"

	// MetricPresenceFailures is the total number of swallowed presence
	// notification failures.
	MetricPresenceFailures = "mesh_presence_failures_total"

	// MetricDirectDelivered is the total number of targeted envelopes
	// delivered to a local client.
	MetricDirectDelivered = "mesh_direct_delivered_total"

	// MetricDirectDropped is the total number of targeted envelopes
	// dropped.
	MetricDirectDropped = "mesh_direct_dropped_total"

	// MetricBroadcastFanouts is the total number of broadcast fan-out
	// rounds performed.
	MetricBroadcastFanouts = "mesh_broadcast_fanouts_total"

	// MetricFanoutFailures is the total number of per-session publish
	// failures during broadcast fan-out.
	MetricFanoutFailures = "mesh_fanout_publish_failures_total"

	// MetricFanoutDuration is the broadcast fan-out duration.
	MetricFanoutDuration = "mesh_broadcast_fanout_seconds"
)

// Standard metric labels.
const (
	// LabelNodeID is the node identity label.
	LabelNodeID = "node_id"

	// LabelChannel is the channel key label.
	LabelChannel = "channel"
)
