// Package metrics exposes Prometheus instrumentation for the render and mesh
// pipelines and the HTTP surface in front of them.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "archivision"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Recorder owns a private registry and the collectors registered on it. A nil
// *Recorder is valid and records nothing, which is how metrics are disabled.
type Recorder struct {
	registry *prometheus.Registry

	renderBatches  *prometheus.CounterVec
	renderImages   prometheus.Counter
	renderDuration prometheus.Histogram
	meshBuilds     *prometheus.CounterVec
	meshDuration   prometheus.Histogram
	conversions    *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
}

// NewRecorder creates a recorder with Go runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		renderBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_batches_total",
			Help:      "Render batches by outcome.",
		}, []string{"outcome"}),
		renderImages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_images_total",
			Help:      "Images written by successful render batches.",
		}),
		renderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_batch_duration_seconds",
			Help:      "Wall time of render batches.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		meshBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mesh_builds_total",
			Help:      "Mesh reconstructions by outcome.",
		}, []string{"outcome"}),
		meshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mesh_build_duration_seconds",
			Help:      "Wall time of mesh reconstructions.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mesh_conversions_total",
			Help:      "GLB conversion attempts by status.",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.renderBatches,
		r.renderImages,
		r.renderDuration,
		r.meshBuilds,
		r.meshDuration,
		r.conversions,
		r.httpRequests,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRender records a finished render batch.
func (r *Recorder) ObserveRender(err error, images int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.renderBatches.WithLabelValues(outcome(err)).Inc()
	r.renderDuration.Observe(elapsed.Seconds())
	if err == nil {
		r.renderImages.Add(float64(images))
	}
}

// ObserveMesh records a finished mesh reconstruction.
func (r *Recorder) ObserveMesh(err error, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.meshBuilds.WithLabelValues(outcome(err)).Inc()
	r.meshDuration.Observe(elapsed.Seconds())
}

// ObserveConversion records a GLB conversion outcome.
func (r *Recorder) ObserveConversion(status string) {
	if r == nil {
		return
	}
	r.conversions.WithLabelValues(status).Inc()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(statusCode int) {
	sr.statusCode = statusCode
	sr.ResponseWriter.WriteHeader(statusCode)
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// Instrument counts requests served by next under the given route label.
func (r *Recorder) Instrument(route string, next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sr, req)
		r.httpRequests.WithLabelValues(route, strconv.Itoa(sr.statusCode)).Inc()
	})
}
