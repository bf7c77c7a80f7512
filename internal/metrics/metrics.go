// Package metrics exposes pipeline counters and gauges as Prometheus
// collectors.
//
// A nil *Metrics is valid and records nothing, so components take it as an
// optional dependency.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "camhal"

// Request outcomes recorded by ObserveRequest.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Stream event kinds recorded by IncStreamEvent.
const (
	EventCompleted       = "completed"
	EventDequeueTimeout  = "dequeue_timeout"
	EventIdleTimeout     = "idle_timeout"
	EventMismatch        = "mismatch"
	EventPostProcessFail = "postprocess_failed"
	EventFenceTimeout    = "fence_timeout"
	EventDropped         = "dropped"
	EventDeviceRetry     = "device_retry"
)

// Metrics groups every collector of one pipeline.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	admissionWait  prometheus.Histogram
	inFlight       prometheus.Gauge
	maxInFlight    prometheus.Gauge
	flushes        *prometheus.CounterVec
	streamEvents   *prometheus.CounterVec
	dequeueLatency *prometheus.HistogramVec
	poolBusy       *prometheus.GaugeVec
	poolCapacity   *prometheus.GaugeVec
	shutters       prometheus.Counter
	results        *prometheus.CounterVec
	framesDone     prometheus.Counter
	aggregatorDrop *prometheus.CounterVec
	pendingFrames  prometheus.Gauge
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors. constLabels are attached to every series.
func New(constLabels prometheus.Labels) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "admission", Name: "requests_total",
			Help: "Capture requests by outcome.", ConstLabels: constLabels,
		}, []string{"outcome"}),
		admissionWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "admission", Name: "wait_seconds",
			Help:        "Time spent waiting for a free in-flight slot.",
			Buckets:     []float64{.0001, .001, .005, .01, .05, .1, .5, 1, 2, 5},
			ConstLabels: constLabels,
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "admission", Name: "in_flight",
			Help: "Requests submitted and not yet completed.", ConstLabels: constLabels,
		}),
		maxInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "admission", Name: "max_in_flight",
			Help: "Effective in-flight capacity of the current configuration.", ConstLabels: constLabels,
		}),
		flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "admission", Name: "flushes_total",
			Help: "Flush calls by result.", ConstLabels: constLabels,
		}, []string{"result"}),
		streamEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "events_total",
			Help: "Stream worker events by kind.", ConstLabels: constLabels,
		}, []string{"stream", "event"}),
		dequeueLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "stream", Name: "completion_latency_seconds",
			Help:        "Time from enqueue to event emission per record.",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 12),
			ConstLabels: constLabels,
		}, []string{"stream"}),
		poolBusy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bufpool", Name: "busy",
			Help: "Scratch blobs in use.", ConstLabels: constLabels,
		}, []string{"pool"}),
		poolCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bufpool", Name: "capacity",
			Help: "Scratch blobs allocated.", ConstLabels: constLabels,
		}, []string{"pool"}),
		shutters: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "result", Name: "shutters_total",
			Help: "Shutter notifications delivered.", ConstLabels: constLabels,
		}),
		results: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "result", Name: "buffers_total",
			Help: "Capture results delivered by buffer status.", ConstLabels: constLabels,
		}, []string{"status"}),
		framesDone: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "result", Name: "frames_completed_total",
			Help: "Frames fully completed and returned.", ConstLabels: constLabels,
		}),
		aggregatorDrop: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "result", Name: "dropped_events_total",
			Help: "Events dropped by the aggregator.", ConstLabels: constLabels,
		}, []string{"reason"}),
		pendingFrames: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "result", Name: "pending_frames",
			Help: "Registered frames awaiting completion.", ConstLabels: constLabels,
		}),
	}
}

// Registry returns the underlying registry (nil for a nil Metrics).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest counts a request by outcome.
func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

// ObserveAdmissionWait records how long a request waited for a slot.
func (m *Metrics) ObserveAdmissionWait(d time.Duration) {
	if m == nil {
		return
	}
	m.admissionWait.Observe(d.Seconds())
}

// SetInFlight sets the in-flight gauge.
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

// SetMaxInFlight sets the capacity gauge.
func (m *Metrics) SetMaxInFlight(n int) {
	if m == nil {
		return
	}
	m.maxInFlight.Set(float64(n))
}

// ObserveFlush counts a flush, drained or timed out.
func (m *Metrics) ObserveFlush(drained bool) {
	if m == nil {
		return
	}
	result := "drained"
	if !drained {
		result = "timeout"
	}
	m.flushes.WithLabelValues(result).Inc()
}

// IncStreamEvent counts a worker event.
func (m *Metrics) IncStreamEvent(stream int, event string) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(strconv.Itoa(stream), event).Inc()
}

// ObserveCompletionLatency records enqueue-to-emit latency of a record.
func (m *Metrics) ObserveCompletionLatency(stream int, d time.Duration) {
	if m == nil {
		return
	}
	m.dequeueLatency.WithLabelValues(strconv.Itoa(stream)).Observe(d.Seconds())
}

// SetPool publishes the occupancy of a scratch pool.
func (m *Metrics) SetPool(pool string, busy, capacity int) {
	if m == nil {
		return
	}
	m.poolBusy.WithLabelValues(pool).Set(float64(busy))
	m.poolCapacity.WithLabelValues(pool).Set(float64(capacity))
}

// DeletePool removes the series of a destroyed pool.
func (m *Metrics) DeletePool(pool string) {
	if m == nil {
		return
	}
	m.poolBusy.DeleteLabelValues(pool)
	m.poolCapacity.DeleteLabelValues(pool)
}

// IncShutter counts a delivered shutter notification.
func (m *Metrics) IncShutter() {
	if m == nil {
		return
	}
	m.shutters.Inc()
}

// IncResult counts a delivered capture result by buffer status.
func (m *Metrics) IncResult(status string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(status).Inc()
}

// IncFrameCompleted counts a fully returned frame.
func (m *Metrics) IncFrameCompleted() {
	if m == nil {
		return
	}
	m.framesDone.Inc()
}

// IncAggregatorDrop counts an event the aggregator could not match.
func (m *Metrics) IncAggregatorDrop(reason string) {
	if m == nil {
		return
	}
	m.aggregatorDrop.WithLabelValues(reason).Inc()
}

// SetPendingFrames sets the registered-frames gauge.
func (m *Metrics) SetPendingFrames(n int) {
	if m == nil {
		return
	}
	m.pendingFrames.Set(float64(n))
}
