// Package process runs the extracted frame sequence through the
// analysis function in tier-sized chunks, with bounded parallelism,
// pooled buffers, per-chunk timeouts and a yield between chunks so the
// device never saturates.
package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/psantana5/fitpipe/pkg/logging"
	"github.com/psantana5/fitpipe/pkg/models"
	"github.com/psantana5/fitpipe/pkg/pool"
	"github.com/psantana5/fitpipe/pkg/scratch"
	"github.com/psantana5/fitpipe/pkg/signals"
)

const (
	// MinSuccessRate is the frame success rate a job must reach.
	// Isolated frame failures degrade quality without failing the job.
	MinSuccessRate = 0.9

	// MaxCleanupRetries bounds emergency cleanups per job before the
	// job fails with a resource error
	MaxCleanupRetries = 3

	// poolSlotsPerWorker sizes the buffer pool relative to parallelism
	// so late stragglers from a timed-out chunk don't starve the next one
	poolSlotsPerWorker = 2
)

// FrameAnalyzer is the pluggable analysis function. The pose-detection
// subsystem provides the real one.
type FrameAnalyzer interface {
	AnalyzeFrame(ctx context.Context, ref *models.FrameRef, data []byte) error
}

// AnalyzeFunc adapts a plain function to FrameAnalyzer
type AnalyzeFunc func(ctx context.Context, ref *models.FrameRef, data []byte) error

// AnalyzeFrame implements FrameAnalyzer
func (f AnalyzeFunc) AnalyzeFrame(ctx context.Context, ref *models.FrameRef, data []byte) error {
	return f(ctx, ref, data)
}

// Callbacks are the per-frame and per-chunk hooks a caller can attach.
// Any of them may be nil.
type Callbacks struct {
	OnFrame    func(index int, latency time.Duration, ok bool)
	OnProgress func(processed, total int)
	OnChunk    func(chunk int, duration time.Duration)
}

// Result aggregates one processing run
type Result struct {
	Total        int        `json:"total"`
	Processed    int        `json:"processed"`
	Failed       int        `json:"failed"`
	SuccessRate  float64    `json:"success_rate"`
	Chunks       int        `json:"chunks"`
	ShrinkEvents int        `json:"shrink_events"`
	PoolStats    pool.Stats `json:"pool_stats"`
}

// outcome is what a worker reports back for one frame. Workers never
// mutate the shared frame refs; the chunk owner applies outcomes.
type outcome struct {
	pos int
	dur time.Duration
	err error
}

// Processor drives chunked frame processing
type Processor struct {
	analyzer FrameAnalyzer
	provider signals.Provider
	scratch  scratch.Scratch
	log      *logging.Logger
}

// New creates a processor. sc may be nil when frames are synthesized
// rather than staged.
func New(analyzer FrameAnalyzer, provider signals.Provider, sc scratch.Scratch, logger *logging.Logger) *Processor {
	return &Processor{analyzer: analyzer, provider: provider, scratch: sc, log: logger}
}

// Process runs every frame through the analyzer in chunks. It returns
// the aggregate result; the error is non-nil when the job as a whole
// failed (cancelled, resource exhaustion, success rate below threshold).
func (p *Processor) Process(ctx context.Context, jobID string, frames []*models.FrameRef, params models.TierParams, cb Callbacks) (*Result, error) {
	res := &Result{Total: len(frames)}
	if len(frames) == 0 {
		res.SuccessRate = 1.0
		return res, nil
	}

	log := p.log.WithJob(jobID)

	bufBytes := params.TargetWidth * params.TargetHeight * 3
	pl := pool.New(params.ParallelWorkers*poolSlotsPerWorker, bufBytes)

	// The limiter grants one chunk per yield interval, so waiting on it
	// at each boundary is the thermal throttle
	limiter := rate.NewLimiter(rate.Every(params.InterChunkYield), 1)

	chunkSize := params.ChunkSize
	if chunkSize < 1 {
		chunkSize = 1
	}
	cleanups := 0

	for start := 0; start < len(frames); {
		// Cooperative cancellation, checked only between chunks
		if err := ctx.Err(); err != nil {
			p.finish(res, pl)
			return res, p.ctxError(ctx, jobID)
		}

		// Coarse memory check. Critical pressure triggers emergency
		// cleanup: drop free pooled buffers and halve the chunk size.
		if snap := p.provider.Snapshot(); snap.Pressure == signals.PressureCritical {
			cleanups++
			res.ShrinkEvents++
			dropped := pl.Shrink()
			if chunkSize > 1 {
				chunkSize /= 2
			}
			log.Warn("Emergency cleanup under memory pressure", map[string]interface{}{
				"dropped_buffers": dropped,
				"chunk_size":      chunkSize,
				"attempt":         cleanups,
			})
			if cleanups > MaxCleanupRetries {
				p.finish(res, pl)
				return res, models.NewResourceError(fmt.Sprintf("memory pressure persisted after %d cleanups", MaxCleanupRetries), nil)
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			p.finish(res, pl)
			return res, p.ctxError(ctx, jobID)
		}

		end := start + chunkSize
		if end > len(frames) {
			end = len(frames)
		}
		chunk := frames[start:end]

		chunkStart := time.Now()
		p.processChunk(ctx, chunk, pl, params, cb, res)
		res.Chunks++
		if cb.OnChunk != nil {
			cb.OnChunk(res.Chunks, time.Since(chunkStart))
		}

		// The chunk's staged payloads are superseded once processed
		if p.scratch != nil {
			keys := make([]string, len(chunk))
			for i, f := range chunk {
				keys[i] = f.StorageKey
			}
			p.scratch.Delete(keys...)
		}

		if cb.OnProgress != nil {
			cb.OnProgress(end, len(frames))
		}

		start = end
	}

	p.finish(res, pl)

	if res.SuccessRate < MinSuccessRate {
		return res, models.NewJobError(fmt.Sprintf("frame success rate %.2f below threshold %.2f", res.SuccessRate, MinSuccessRate), nil)
	}

	log.Info("Processing complete", map[string]interface{}{
		"frames":       res.Total,
		"processed":    res.Processed,
		"failed":       res.Failed,
		"chunks":       res.Chunks,
		"success_rate": fmt.Sprintf("%.2f", res.SuccessRate),
	})

	return res, nil
}

// processChunk races the chunk's workers against the chunk timeout.
// On timeout every pending frame is discarded as failed; frames are
// never retried individually.
func (p *Processor) processChunk(ctx context.Context, chunk []*models.FrameRef, pl *pool.Pool, params models.TierParams, cb Callbacks, res *Result) {
	cctx, cancel := context.WithTimeout(ctx, params.ChunkTimeout)
	defer cancel()

	sem := make(chan struct{}, params.ParallelWorkers)
	outcomes := make(chan outcome, len(chunk))

	spawned := 0
spawn:
	for i, ref := range chunk {
		select {
		case sem <- struct{}{}:
		case <-cctx.Done():
			break spawn
		}
		spawned++

		go func(pos int, ref *models.FrameRef) {
			defer func() { <-sem }()

			frameStart := time.Now()
			obj := pl.Acquire()
			defer pl.Release(obj)

			err := p.processFrame(cctx, ref, obj.Data, params)
			outcomes <- outcome{pos: pos, dur: time.Since(frameStart), err: err}
		}(i, ref)
	}

	applied := make([]bool, len(chunk))
	apply := func(o outcome) {
		ref := chunk[o.pos]
		applied[o.pos] = true
		ref.Duration = o.dur
		if o.err != nil {
			ref.Processed = false
			ref.Error = o.err.Error()
			res.Failed++
		} else {
			ref.Processed = true
			res.Processed++
		}
		if cb.OnFrame != nil {
			cb.OnFrame(ref.Index, o.dur, o.err == nil)
		}
	}

	received := 0
	timedOut := false
	for received < spawned && !timedOut {
		select {
		case o := <-outcomes:
			apply(o)
			received++
		case <-cctx.Done():
			timedOut = true
			// Collect whatever already finished, discard the rest
			for drained := true; drained; {
				select {
				case o := <-outcomes:
					apply(o)
					received++
				default:
					drained = false
				}
			}
		}
	}

	if timedOut {
		for pos, ref := range chunk {
			if applied[pos] {
				continue
			}
			ref.Processed = false
			ref.Error = "discarded at chunk timeout"
			res.Failed++
			if cb.OnFrame != nil {
				cb.OnFrame(ref.Index, params.ChunkTimeout, false)
			}
		}
		p.log.Warn("Chunk timed out", map[string]interface{}{
			"chunk_frames": len(chunk),
			"completed":    received,
			"timeout_ms":   params.ChunkTimeout.Milliseconds(),
		})
	}
}

// processFrame materializes, transforms and analyzes a single frame
func (p *Processor) processFrame(ctx context.Context, ref *models.FrameRef, buf []byte, params models.TierParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := p.materialize(ref, buf); err != nil {
		return err
	}
	recompress(buf, params.CompressionQuality)

	if err := ctx.Err(); err != nil {
		return err
	}

	return p.analyzer.AnalyzeFrame(ctx, ref, buf)
}

// materialize decodes the staged payload into the working buffer. With
// no scratch configured the pixel data is synthesized from the ref.
func (p *Processor) materialize(ref *models.FrameRef, buf []byte) error {
	if p.scratch != nil {
		payload, err := p.scratch.Read(ref.StorageKey)
		if err != nil {
			return models.NewFrameError(fmt.Sprintf("payload missing for frame %d", ref.Index), err)
		}
		if len(payload) == 0 {
			return models.NewFrameError(fmt.Sprintf("empty payload for frame %d", ref.Index), nil)
		}
		for i := range buf {
			buf[i] = payload[i%len(payload)]
		}
		return nil
	}

	seed := byte(ref.Index) ^ byte(ref.TimestampMS)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
	return nil
}

// recompress stands in for the resize/recompress pass a platform codec
// performs at the target quality
func recompress(buf []byte, quality int) {
	if quality <= 0 || quality >= 100 {
		return
	}
	step := 100 / quality
	if step < 1 {
		step = 1
	}
	for i := 0; i < len(buf); i += step {
		buf[i] &= 0xFE
	}
}

func (p *Processor) finish(res *Result, pl *pool.Pool) {
	attempted := res.Processed + res.Failed
	if attempted > 0 {
		res.SuccessRate = float64(res.Processed) / float64(attempted)
	} else {
		res.SuccessRate = 1.0
	}
	res.PoolStats = pl.Stats()
}

// ctxError maps a dead context onto the job error taxonomy
func (p *Processor) ctxError(ctx context.Context, jobID string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.NewJobError("processing deadline exceeded", ctx.Err())
	}
	return models.NewCancelledError(jobID)
}
