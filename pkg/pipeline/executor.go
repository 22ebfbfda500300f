package pipeline

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/fitpipe/pkg/device"
	"github.com/psantana5/fitpipe/pkg/extract"
	"github.com/psantana5/fitpipe/pkg/logging"
	"github.com/psantana5/fitpipe/pkg/metrics"
	"github.com/psantana5/fitpipe/pkg/models"
	"github.com/psantana5/fitpipe/pkg/monitor"
	"github.com/psantana5/fitpipe/pkg/process"
	"github.com/psantana5/fitpipe/pkg/scratch"
	"github.com/psantana5/fitpipe/pkg/tracing"
)

const (
	// jobDeadline is the hard per-attempt ceiling, well above every
	// tier's alert threshold so the monitor warns before this trips.
	jobDeadline = 3 * time.Minute

	// extractionShare is the slice of overall progress assigned to the
	// extraction phase; processing fills the rest.
	extractionShare = 0.10
)

// AnalysisExecutor runs one admitted job end to end: profile the device,
// extract frames, process them in chunks, and score the session.
type AnalysisExecutor struct {
	profiler  *device.Profiler
	extractor extract.Extractor
	processor *process.Processor
	monitor   *monitor.Monitor
	scratch   scratch.Scratch
	metrics   *metrics.Collector
	tracer    *tracing.Provider
	log       *logging.Logger
}

// NewAnalysisExecutor wires the per-job components together. sc may be
// nil when frame payloads are synthesized instead of staged.
func NewAnalysisExecutor(profiler *device.Profiler, extractor extract.Extractor, processor *process.Processor, mon *monitor.Monitor, sc scratch.Scratch, collector *metrics.Collector, logger *logging.Logger) *AnalysisExecutor {
	return &AnalysisExecutor{
		profiler:  profiler,
		extractor: extractor,
		processor: processor,
		monitor:   mon,
		scratch:   sc,
		metrics:   collector,
		log:       logger,
	}
}

// WithTracing attaches a tracing provider. A nil provider keeps spans
// disabled.
func (e *AnalysisExecutor) WithTracing(tp *tracing.Provider) *AnalysisExecutor {
	e.tracer = tp
	return e
}

// Execute runs the job. It returns a performance report whenever a
// session ran, even for attempts that failed processing, so callers can
// persist partial diagnostics alongside the error.
func (e *AnalysisExecutor) Execute(ctx context.Context, job *models.Job, onProgress func(models.Progress)) (*models.PerformanceReport, error) {
	log := e.log.WithJob(job.ID)

	ctx, span := e.tracer.StartSpan(ctx, "pipeline.execute", tracing.JobAttrs(job)...)
	defer span.End()

	profile, err := e.profiler.Profile()
	if err != nil {
		span.RecordError(err)
		return nil, models.NewJobError("device profiling failed", err)
	}
	params := profile.Params
	span.SetAttributes(attribute.String("device.tier", string(profile.Tier)))

	ctx, cancel := context.WithTimeout(ctx, jobDeadline)
	defer cancel()

	video := job.Payload.Video
	if e.scratch != nil {
		defer func() {
			if err := e.scratch.PurgeVideo(video.ID); err != nil {
				log.Warn("Could not purge frame scratch", map[string]interface{}{
					"video_id": video.ID,
					"error":    err.Error(),
				})
			}
		}()
	}

	session := e.monitor.StartSession(job.ID, profile)
	ended := false
	endSession := func() *models.PerformanceReport {
		if ended {
			return nil
		}
		ended = true
		return session.EndSession()
	}
	defer endSession()

	unwatch := session.OnWarning(func(w monitor.Warning) {
		log.Warn("Performance warning", map[string]interface{}{
			"kind":    string(w.Kind),
			"message": w.Message,
		})
	})
	defer unwatch()

	log.Info("Starting analysis", map[string]interface{}{
		"video_id": video.ID,
		"duration": video.DurationSeconds,
		"tier":     string(profile.Tier),
		"attempt":  job.RetryCount + 1,
	})

	extractCtx, extractSpan := e.tracer.StartSpan(ctx, "pipeline.extract")
	frames, err := e.extractor.Extract(extractCtx, video, video.DurationSeconds, params, func(discovered, target int) {
		if target <= 0 {
			return
		}
		onProgress(models.Progress{
			Percent: extractionShare * 100 * float64(discovered) / float64(target),
		})
	})
	if err != nil {
		extractSpan.RecordError(err)
		extractSpan.End()
		if models.IsCancelled(err) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, models.NewJobError("extraction deadline exceeded", err)
		}
		return nil, err
	}
	extractSpan.SetAttributes(attribute.Int("frames.extracted", len(frames)))
	extractSpan.End()

	session.StartProcessing(len(frames))

	procCtx, procSpan := e.tracer.StartSpan(ctx, "pipeline.process")
	result, procErr := e.processor.Process(procCtx, job.ID, frames, params, process.Callbacks{
		OnFrame: func(index int, latency time.Duration, ok bool) {
			session.RecordFrame(index, latency, ok)
			e.metrics.FrameProcessed(ok)
		},
		OnProgress: func(processed, total int) {
			pct := extractionShare*100 + (100-extractionShare*100)*float64(processed)/float64(total)
			onProgress(models.Progress{Current: processed, Total: total, Percent: pct})
		},
		OnChunk: func(chunk int, d time.Duration) {
			e.metrics.ChunkProcessed(d)
		},
	})
	if result != nil {
		e.metrics.AddPoolAcquisitions(result.PoolStats.PoolHits, result.PoolStats.TransientAllocs)
		procSpan.SetAttributes(
			attribute.Int("frames.processed", result.Processed),
			attribute.Float64("frames.success_rate", result.SuccessRate),
		)
	}
	if procErr != nil {
		procSpan.RecordError(procErr)
	}
	procSpan.End()

	report := endSession()
	if procErr != nil {
		span.RecordError(procErr)
		return report, procErr
	}

	span.SetAttributes(attribute.Int("report.score", report.Score))
	log.Info("Analysis finished", map[string]interface{}{
		"video_id":     video.ID,
		"frames":       result.Total,
		"success_rate": result.SuccessRate,
		"score":        report.Score,
	})
	return report, nil
}
