// Package metrics exposes Prometheus instruments for the OCR pipeline and
// its HTTP surface. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Page outcomes.
const (
	PagePrimary     = "primary"
	PageFallback    = "fallback"
	PagePlaceholder = "placeholder"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	pages            *prometheus.CounterVec
	pageDuration     prometheus.Histogram
	dependency       *prometheus.HistogramVec
	ocrConfidence    prometheus.Histogram
	sessions         *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	checkpointWrites *prometheus.CounterVec
	gcHints          prometheus.Counter
	corrections      *prometheus.CounterVec
	sweepRemoved     *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New registers every instrument with reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		pages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ocr_pages_total",
			Help: "Pages written to session output, labelled by how their text was obtained.",
		}, []string{"outcome"}),
		pageDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ocr_page_duration_seconds",
			Help:    "Wall time to rasterize, recognize and write one page.",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 30, 60},
		}),
		dependency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ocr_dependency_latency_seconds",
			Help:    "Latency of external tool calls.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		}, []string{"tool"}),
		ocrConfidence: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ocr_page_confidence",
			Help:    "Mean word confidence (0-100) of recognized pages, when the engine reports one.",
			Buckets: []float64{10, 30, 50, 60, 70, 80, 90, 95},
		}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ocr_sessions_total",
			Help: "Finished session runs, labelled by result.",
		}, []string{"result"}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "ocr_active_sessions",
			Help: "Sessions currently being processed.",
		}),
		checkpointWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ocr_checkpoint_writes_total",
			Help: "Checkpoint saves, labelled by result.",
		}, []string{"result"}),
		gcHints: f.NewCounter(prometheus.CounterOpts{
			Name: "ocr_gc_hints_total",
			Help: "Garbage collections requested because heap use crossed the threshold.",
		}),
		corrections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "text_corrections_total",
			Help: "Corrections applied by the text cleaner, labelled by category.",
		}, []string{"category"}),
		sweepRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "retention_removed_total",
			Help: "Expired artifacts removed by the retention sweep.",
		}, []string{"kind"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of requests labelled by route and status",
		}, []string{"route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Time spent serving HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// OCRConfidence records a page's mean word confidence. Negative values
// mean the engine had none and are ignored.
func (m *Metrics) OCRConfidence(c float64) {
	if m == nil || c < 0 {
		return
	}
	m.ocrConfidence.Observe(c)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) PageDone(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.pages.WithLabelValues(outcome).Inc()
	m.pageDuration.Observe(d.Seconds())
}

func (m *Metrics) Dependency(tool string, d time.Duration) {
	if m == nil {
		return
	}
	m.dependency.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionFinished(result string) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.sessions.WithLabelValues(result).Inc()
}

func (m *Metrics) CheckpointWrite(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.checkpointWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) GCHint() {
	if m == nil {
		return
	}
	m.gcHints.Inc()
}

func (m *Metrics) Corrections(category string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.corrections.WithLabelValues(category).Add(float64(n))
}

func (m *Metrics) SweepRemoved(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepRemoved.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) HTTPRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
