// Package metrics exposes Prometheus collectors for device lifecycle and
// request activity. The registry feeds the lifecycle counters through the
// hardware.Recorder interface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements hardware.Recorder on Prometheus counters.
type Recorder struct {
	opens  *prometheus.CounterVec
	closes *prometheus.CounterVec
	errors *prometheus.CounterVec

	requestDuration *prometheus.HistogramVec
}

// NewRecorder registers the collectors with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		opens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "frog_device_opens_total",
			Help: "Number of devices opened, by base type.",
		}, []string{"base_type"}),
		closes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "frog_device_closes_total",
			Help: "Number of devices closed, by base type.",
		}, []string{"base_type"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "frog_device_errors_total",
			Help: "Number of device errors, by base type.",
		}, []string{"base_type"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "frog_request_duration_seconds",
			Help:    "Duration of device requests issued through the API.",
			Buckets: prometheus.DefBuckets,
		}, []string{"device"}),
	}
}

func (r *Recorder) DeviceOpened(baseType string) { r.opens.WithLabelValues(baseType).Inc() }
func (r *Recorder) DeviceClosed(baseType string) { r.closes.WithLabelValues(baseType).Inc() }
func (r *Recorder) DeviceError(baseType string)  { r.errors.WithLabelValues(baseType).Inc() }

// ObserveRequest records the duration of one device request.
func (r *Recorder) ObserveRequest(device string, d time.Duration) {
	r.requestDuration.WithLabelValues(device).Observe(d.Seconds())
}

// TimeRequest returns a function that records the elapsed time when called.
func (r *Recorder) TimeRequest(device string) func() {
	start := time.Now()
	return func() { r.ObserveRequest(device, time.Since(start)) }
}
