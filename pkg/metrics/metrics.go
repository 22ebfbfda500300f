// Package metrics exposes pipeline counters for the optional
// diagnostics endpoint. Every method is nil-safe so callers can run
// without a collector.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/fitpipe/pkg/models"
)

// Collector holds the pipeline's Prometheus metrics on a private
// registry, so constructing a second collector never collides
type Collector struct {
	registry *prometheus.Registry

	jobsSubmitted    *prometheus.CounterVec
	jobTransitions   *prometheus.CounterVec
	activeJobs       prometheus.Gauge
	queueLength      prometheus.Gauge
	framesProcessed  *prometheus.CounterVec
	chunkDuration    prometheus.Histogram
	poolAcquisitions *prometheus.CounterVec
	gateDenials      *prometheus.CounterVec
}

// NewCollector creates and registers the pipeline metrics
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_jobs_submitted_total",
				Help: "Jobs accepted by the scheduler",
			},
			[]string{"type", "priority"},
		),
		jobTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_job_transitions_total",
				Help: "Job state transitions by target state",
			},
			[]string{"to"},
		),
		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_active_jobs",
				Help: "Jobs currently processing",
			},
		),
		queueLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_queue_length",
				Help: "Jobs waiting in the queue",
			},
		),
		framesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_frames_total",
				Help: "Frames processed by result",
			},
			[]string{"result"},
		),
		chunkDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_chunk_duration_seconds",
				Help:    "Wall time per processed chunk",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		poolAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_pool_acquisitions_total",
				Help: "Frame buffer acquisitions by source",
			},
			[]string{"source"}, // "pool", "transient"
		),
		gateDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_gate_denials_total",
				Help: "Admission denials by reason",
			},
			[]string{"reason"}, // stable codes: "battery", "network", "charging", "idle", "condition", "memory"
		),
	}

	c.registry.MustRegister(c.jobsSubmitted)
	c.registry.MustRegister(c.jobTransitions)
	c.registry.MustRegister(c.activeJobs)
	c.registry.MustRegister(c.queueLength)
	c.registry.MustRegister(c.framesProcessed)
	c.registry.MustRegister(c.chunkDuration)
	c.registry.MustRegister(c.poolAcquisitions)
	c.registry.MustRegister(c.gateDenials)

	return c
}

// Handler returns the HTTP handler serving this collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// JobSubmitted records an accepted submission
func (c *Collector) JobSubmitted(jobType models.JobType, priority models.Priority) {
	if c == nil {
		return
	}
	c.jobsSubmitted.WithLabelValues(string(jobType), priority.String()).Inc()
}

// JobTransition records a state transition
func (c *Collector) JobTransition(to models.JobStatus) {
	if c == nil {
		return
	}
	c.jobTransitions.WithLabelValues(string(to)).Inc()
}

// SetActiveJobs updates the active job gauge
func (c *Collector) SetActiveJobs(n int) {
	if c == nil {
		return
	}
	c.activeJobs.Set(float64(n))
}

// SetQueueLength updates the queue length gauge
func (c *Collector) SetQueueLength(n int) {
	if c == nil {
		return
	}
	c.queueLength.Set(float64(n))
}

// FrameProcessed records one frame outcome
func (c *Collector) FrameProcessed(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.framesProcessed.WithLabelValues(result).Inc()
}

// ChunkProcessed records one chunk's wall time
func (c *Collector) ChunkProcessed(d time.Duration) {
	if c == nil {
		return
	}
	c.chunkDuration.Observe(d.Seconds())
}

// AddPoolAcquisitions records a run's buffer acquisitions by source
func (c *Collector) AddPoolAcquisitions(hits, transient int64) {
	if c == nil {
		return
	}
	if hits > 0 {
		c.poolAcquisitions.WithLabelValues("pool").Add(float64(hits))
	}
	if transient > 0 {
		c.poolAcquisitions.WithLabelValues("transient").Add(float64(transient))
	}
}

// GateDenied records an admission denial under its stable code
func (c *Collector) GateDenied(code string) {
	if c == nil {
		return
	}
	c.gateDenials.WithLabelValues(code).Inc()
}
