package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/psantana5/fitpipe/pkg/models"
)

func TestCollectorServesMetrics(t *testing.T) {
	c := NewCollector()

	c.JobSubmitted(models.JobTypePoseAnalysis, models.PriorityHigh)
	c.JobTransition(models.JobStatusProcessing)
	c.SetActiveJobs(2)
	c.SetQueueLength(5)
	c.FrameProcessed(true)
	c.FrameProcessed(false)
	c.ChunkProcessed(250 * time.Millisecond)
	c.AddPoolAcquisitions(3, 1)
	c.GateDenied("battery")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"pipeline_jobs_submitted_total",
		"pipeline_active_jobs 2",
		"pipeline_queue_length 5",
		`pipeline_frames_total{result="failed"} 1`,
		`pipeline_pool_acquisitions_total{source="pool"} 3`,
		`pipeline_pool_acquisitions_total{source="transient"} 1`,
		`pipeline_gate_denials_total{reason="battery"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestCollectorIndependentRegistries(t *testing.T) {
	// Two collectors must not collide on registration.
	a := NewCollector()
	b := NewCollector()

	a.SetQueueLength(1)
	b.SetQueueLength(7)

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "pipeline_queue_length 7") {
		t.Error("second collector did not report its own gauge value")
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.JobSubmitted(models.JobTypePoseAnalysis, models.PriorityNormal)
	c.JobTransition(models.JobStatusCompleted)
	c.SetActiveJobs(1)
	c.SetQueueLength(1)
	c.FrameProcessed(true)
	c.ChunkProcessed(time.Second)
	c.AddPoolAcquisitions(1, 0)
	c.GateDenied("any")
}
