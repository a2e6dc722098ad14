package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"podscribe/transcriber/internal/pipeline"
)

const namespace = "transcriber"

// Recorder collects pipeline, worker and HTTP metrics on its own registry.
// It implements pipeline.Observer.
type Recorder struct {
	registry *prometheus.Registry

	stageDuration       *prometheus.HistogramVec
	stageFailures       *prometheus.CounterVec
	jobsTotal           *prometheus.CounterVec
	diarizationOutcomes *prometheus.CounterVec
	jobAttempts         prometheus.Histogram
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewRecorder creates a Recorder with Go runtime and process collectors registered.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of each pipeline stage in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16),
			},
			[]string{"stage"},
		),
		stageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "Total number of failed pipeline stages",
			},
			[]string{"stage"},
		),
		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of job runs by outcome",
			},
			[]string{"outcome"},
		),
		diarizationOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "diarization_outcomes_total",
				Help:      "Diarization outcomes (attempted, skipped, failed)",
			},
			[]string{"result"},
		),
		jobAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_attempts",
				Help:      "Number of attempts a job needed before its final outcome",
				Buckets:   []float64{1, 2, 3},
			},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveStage records a stage duration and, when err is non-nil, a failure.
func (r *Recorder) ObserveStage(stage string, elapsed time.Duration, err error) {
	r.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	if err != nil {
		r.stageFailures.WithLabelValues(stage).Inc()
	}
}

// ObserveDiarization counts a diarization outcome.
func (r *Recorder) ObserveDiarization(result pipeline.DiarizationResult) {
	r.diarizationOutcomes.WithLabelValues(result.String()).Inc()
}

// ObserveJob counts a finished job run.
func (r *Recorder) ObserveJob(outcome string) {
	r.jobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAttempts records how many attempts the invoking layer used for a job.
func (r *Recorder) ObserveAttempts(attempts int) {
	r.jobAttempts.Observe(float64(attempts))
}

// ObserveHTTP records one served request.
func (r *Recorder) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	r.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.httpRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// RegisterQueueDepth exposes the current queue depth through fn.
func (r *Recorder) RegisterQueueDepth(fn func() int) {
	promauto.With(r.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of jobs waiting for a worker",
		},
		func() float64 { return float64(fn()) },
	)
}
