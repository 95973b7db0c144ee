// Package metrics exposes Prometheus metrics for maskcreator.
//
// Features:
//   - Counters for segmentation requests, saved masks, watched images
//   - Histograms for request duration and candidate counts
//   - Gauge for layers in the current session
//   - Optional HTTP endpoint for scraping
//
// A nil *Metrics is valid and records nothing, so callers never need to
// check whether metrics are enabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "maskcreator"

// Outcome labels for request counters.
const (
	OutcomeOK         = "ok"
	OutcomeEmpty      = "empty"
	OutcomeValidation = "validation"
	OutcomeError      = "error"
)

// Metrics holds all maskcreator metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	RequestsTotal      *prometheus.CounterVec
	SavedMasksTotal    *prometheus.CounterVec
	WatchedImagesTotal prometheus.Counter

	// Gauges
	SessionLayers prometheus.Gauge

	// Histograms
	RequestDuration *prometheus.HistogramVec
	CandidateCount  *prometheus.HistogramVec
}

// New creates and registers all maskcreator metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "requests_total",
			Help:      "Segmentation requests by operation, transport and outcome",
		}, []string{"op", "transport", "outcome"}),

		SavedMasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workspace",
			Name:      "saved_masks_total",
			Help:      "Composite mask save attempts by outcome",
		}, []string{"outcome"}),

		WatchedImagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "images_total",
			Help:      "Base images picked up by watch mode",
		}),

		SessionLayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "layers",
			Help:      "Layers in the current editing session",
		}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "request_duration_seconds",
			Help:      "Segmentation round-trip latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"op", "transport"}),

		CandidateCount: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "candidates",
			Help:      "Number of masks or box layers returned per request",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 20, 50},
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.SavedMasksTotal,
		m.WatchedImagesTotal,
		m.SessionLayers,
		m.RequestDuration,
		m.CandidateCount,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequest records one segmentation round trip.
func (m *Metrics) RecordRequest(op, transport, outcome string, d time.Duration, candidates int) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(op, transport, outcome).Inc()
	m.RequestDuration.WithLabelValues(op, transport).Observe(d.Seconds())
	if outcome == OutcomeOK || outcome == OutcomeEmpty {
		m.CandidateCount.WithLabelValues(op).Observe(float64(candidates))
	}
}

// RecordSave records a composite save attempt.
func (m *Metrics) RecordSave(outcome string) {
	if m == nil {
		return
	}
	m.SavedMasksTotal.WithLabelValues(outcome).Inc()
}

// RecordWatchedImage counts an image picked up by watch mode.
func (m *Metrics) RecordWatchedImage() {
	if m == nil {
		return
	}
	m.WatchedImagesTotal.Inc()
}

// SetSessionLayers sets the layer gauge.
func (m *Metrics) SetSessionLayers(n int) {
	if m == nil {
		return
	}
	m.SessionLayers.Set(float64(n))
}

// HTTPHandler returns an HTTP handler serving the registry.
func (m *Metrics) HTTPHandler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
