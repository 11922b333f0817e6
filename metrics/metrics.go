// Package metrics exports endpoint metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/cfx-go/contracts"
	"github.com/glimte/cfx-go/messaging"
)

const namespace = "cfx"

// Collector implements messaging.MetricsCollector on Prometheus metrics.
// A nil *Collector records nothing.
type Collector struct {
	published       *prometheus.CounterVec
	received        *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
	pending         prometheus.Gauge
	openChannels    *prometheus.GaugeVec
}

var _ messaging.MetricsCollector = (*Collector)(nil)

// NewCollector creates the endpoint metrics and registers them with reg.
// A nil registerer disables metrics and returns nil.
func NewCollector(reg prometheus.Registerer, handle string) (*Collector, error) {
	if reg == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"handle": handle}
	c := &Collector{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "endpoint",
			Name:        "published_total",
			Help:        "Messages sent on publish channels",
			ConstLabels: labels,
		}, []string{"address", "result"}),

		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "endpoint",
			Name:        "received_total",
			Help:        "Envelopes received by role",
			ConstLabels: labels,
		}, []string{"role", "message_name"}),

		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "endpoint",
			Name:        "dropped_total",
			Help:        "Inbound envelopes intentionally dropped",
			ConstLabels: labels,
		}, []string{"reason"}),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "endpoint",
			Name:        "requests_total",
			Help:        "Finished requests by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),

		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "endpoint",
			Name:        "request_duration_seconds",
			Help:        "Time from sending a request to its outcome",
			ConstLabels: labels,
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "endpoint",
			Name:        "pending_requests",
			Help:        "Requests waiting for a response",
			ConstLabels: labels,
		}),

		openChannels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "endpoint",
			Name:        "open_channels",
			Help:        "Registered channels by direction",
			ConstLabels: labels,
		}, []string{"direction"}),
	}

	for _, collector := range []prometheus.Collector{
		c.published,
		c.received,
		c.dropped,
		c.requests,
		c.requestDuration,
		c.pending,
		c.openChannels,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// RecordPublish implements messaging.MetricsCollector
func (c *Collector) RecordPublish(address string, success bool) {
	if c == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	c.published.WithLabelValues(address, result).Inc()
}

// RecordReceived implements messaging.MetricsCollector
func (c *Collector) RecordReceived(role contracts.Role, messageName string) {
	if c == nil {
		return
	}
	c.received.WithLabelValues(string(role), messageName).Inc()
}

// RecordDropped implements messaging.MetricsCollector
func (c *Collector) RecordDropped(reason string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(reason).Inc()
}

// RecordRequest implements messaging.MetricsCollector
func (c *Collector) RecordRequest(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(outcome).Inc()
	if duration > 0 {
		c.requestDuration.Observe(duration.Seconds())
	}
}

// SetPendingRequests implements messaging.MetricsCollector
func (c *Collector) SetPendingRequests(n int) {
	if c == nil {
		return
	}
	c.pending.Set(float64(n))
}

// SetOpenChannels implements messaging.MetricsCollector
func (c *Collector) SetOpenChannels(direction messaging.Direction, n int) {
	if c == nil {
		return
	}
	c.openChannels.WithLabelValues(string(direction)).Set(float64(n))
}
