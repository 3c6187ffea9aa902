// Package metrics exposes Prometheus collectors for the analysis pipeline and the
// explanation service.
package metrics

import (
	"time"

	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements pipeline.Recorder and explain.Recorder.
type Collector struct {
	stageDuration *prometheus.HistogramVec
	analyses      *prometheus.CounterVec
	tempFiles     prometheus.Counter
	cacheLookups  *prometheus.CounterVec
	explanations  *prometheus.CounterVec
	semaphoreWait prometheus.Histogram
	activeStreams prometheus.Gauge
	httpRequests  *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deepscan_stage_duration_seconds",
			Help:    "Time spent in each analysis stage",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		analyses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deepscan_analyses_total",
			Help: "Finished video analyses by outcome and verdict",
		}, []string{"outcome", "verdict"}),
		tempFiles: f.NewCounter(prometheus.CounterOpts{
			Name: "deepscan_temp_files_removed_total",
			Help: "Local media files removed after analysis",
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deepscan_cache_lookups_total",
			Help: "Result cache lookups by result",
		}, []string{"result"}),
		explanations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deepscan_explanation_attempts_total",
			Help: "Explanation service attempts by provider and outcome",
		}, []string{"provider", "outcome"}),
		semaphoreWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "deepscan_explanation_semaphore_wait_seconds",
			Help:    "Time spent waiting for an explanation slot",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30},
		}),
		activeStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "deepscan_active_streams",
			Help: "Analysis streams currently open",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deepscan_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
	}
}

func (c *Collector) StageDuration(stage types.Stage, d time.Duration) {
	c.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

func (c *Collector) AnalysisFinished(outcome, verdict string) {
	if verdict == "" {
		verdict = "none"
	}
	c.analyses.WithLabelValues(outcome, verdict).Inc()
}

func (c *Collector) TempFilesRemoved(n int) {
	if n > 0 {
		c.tempFiles.Add(float64(n))
	}
}

func (c *Collector) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

func (c *Collector) ExplanationAttempt(provider, outcome string) {
	c.explanations.WithLabelValues(provider, outcome).Inc()
}

func (c *Collector) SemaphoreWait(d time.Duration) {
	c.semaphoreWait.Observe(d.Seconds())
}

// StreamOpened and StreamClosed track open SSE streams.
func (c *Collector) StreamOpened() { c.activeStreams.Inc() }
func (c *Collector) StreamClosed() { c.activeStreams.Dec() }

// HTTPRequest counts a served request.
func (c *Collector) HTTPRequest(route string, code int) {
	c.httpRequests.WithLabelValues(route, httpCode(code)).Inc()
}

func httpCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
