package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// CaptionRequestsTotal counts caption requests by backend and outcome kind ("success" or an error kind).
	CaptionRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "caption",
		Subsystem: "service",
		Name:      "requests_total",
		Help:      "Total number of caption requests, labeled by backend and result.",
	}, []string{"backend", "result"})

	// BackendDurationSeconds is the time spent inside the captioning backend per request.
	BackendDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "caption",
		Subsystem: "backend",
		Name:      "duration_seconds",
		Help:      "Time spent waiting for the captioning backend, labeled by backend and result.",
		// Local inference on CPU can take well over a minute.
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"backend", "result"})

	// BackendInFlight is the number of backend calls currently running or waiting for a slot.
	BackendInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "caption",
		Subsystem: "backend",
		Name:      "in_flight",
		Help:      "Current number of captioning backend calls in progress.",
	}, []string{"backend"})

	// ImageBytes is the size distribution of uploaded images.
	ImageBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "caption",
		Subsystem: "service",
		Name:      "image_bytes",
		Help:      "Size of uploaded images in bytes.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
	})
)

// Register registers caption metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			CaptionRequestsTotal,
			BackendDurationSeconds,
			BackendInFlight,
			ImageBytes,
		)
	})
}
