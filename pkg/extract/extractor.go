// Package extract turns a video reference into a bounded sequence of
// frame references sampled at the device tier's rate.
package extract

import (
	"context"
	"fmt"
	"math"

	"github.com/psantana5/fitpipe/pkg/logging"
	"github.com/psantana5/fitpipe/pkg/models"
	"github.com/psantana5/fitpipe/pkg/scratch"
)

// progressEvery controls how often incremental progress is reported
// during extraction
const progressEvery = 25

// frameStubBytes is the size of the compressed payload written to
// scratch per extracted frame
const frameStubBytes = 4096

// ProgressFunc receives incremental extraction progress
// (frames discovered so far, target frame count)
type ProgressFunc func(discovered, target int)

// Extractor produces frame references from a video
type Extractor interface {
	Extract(ctx context.Context, video models.VideoRef, durationSeconds float64, params models.TierParams, onProgress ProgressFunc) ([]*models.FrameRef, error)
}

// ProbeFunc inspects a video and returns its true duration in seconds.
// A platform decoder supplies this; it is how corrupt files are caught
// before any frames are extracted.
type ProbeFunc func(ctx context.Context, video models.VideoRef) (float64, error)

// SampledExtractor samples frames evenly across the video duration at
// the tier's rate, capped by MaxExtractedFrames
type SampledExtractor struct {
	probe   ProbeFunc
	scratch scratch.Scratch
	log     *logging.Logger
}

// NewSampledExtractor creates an extractor. probe may be nil, in which
// case the declared duration is trusted. When sc is non-nil each
// extracted frame's compressed payload is staged there for the
// processor to consume and delete.
func NewSampledExtractor(probe ProbeFunc, sc scratch.Scratch, logger *logging.Logger) *SampledExtractor {
	return &SampledExtractor{probe: probe, scratch: sc, log: logger}
}

// Extract produces the frame reference sequence for one video.
// Failures here are terminal for the owning job: a video that cannot
// be probed or has no duration is not worth retrying.
func (e *SampledExtractor) Extract(ctx context.Context, video models.VideoRef, durationSeconds float64, params models.TierParams, onProgress ProgressFunc) ([]*models.FrameRef, error) {
	if e.probe != nil {
		probed, err := e.probe(ctx, video)
		if err != nil {
			return nil, models.NewExtractionError(fmt.Sprintf("failed to probe video %s", video.ID), err)
		}
		durationSeconds = probed
	}

	if durationSeconds <= 0 {
		return nil, models.NewExtractionError(fmt.Sprintf("video %s has zero duration", video.ID), nil)
	}
	if math.IsNaN(durationSeconds) || math.IsInf(durationSeconds, 0) {
		return nil, models.NewExtractionError(fmt.Sprintf("video %s reports invalid duration", video.ID), nil)
	}

	target := int(durationSeconds * params.SamplingFPS)
	if target < 1 {
		target = 1
	}
	if target > models.MaxExtractedFrames {
		e.log.Debug("Frame target capped", map[string]interface{}{
			"video_id": video.ID,
			"computed": int(durationSeconds * params.SamplingFPS),
			"cap":      models.MaxExtractedFrames,
		})
		target = models.MaxExtractedFrames
	}

	frames := make([]*models.FrameRef, 0, target)
	seen := make(map[int64]bool, target)
	stepMS := durationSeconds * 1000 / float64(target)

	for i := 0; i < target; i++ {
		select {
		case <-ctx.Done():
			return nil, models.NewCancelledError(video.ID)
		default:
		}

		ts := int64(float64(i) * stepMS)
		// Very short videos can collapse adjacent sample points onto
		// the same timestamp; keep one frame per distinct timestamp
		if seen[ts] {
			continue
		}
		seen[ts] = true

		ref := &models.FrameRef{
			VideoID:     video.ID,
			Index:       len(frames),
			TimestampMS: ts,
			StorageKey:  fmt.Sprintf("%s/frame-%05d", video.ID, len(frames)),
		}

		if e.scratch != nil {
			if err := e.scratch.Write(ref.StorageKey, frameStub(ref)); err != nil {
				return nil, models.NewExtractionError(fmt.Sprintf("failed to stage frame %d", ref.Index), err)
			}
		}

		frames = append(frames, ref)

		if onProgress != nil && len(frames)%progressEvery == 0 {
			onProgress(len(frames), target)
		}
	}

	if onProgress != nil {
		onProgress(len(frames), target)
	}

	e.log.Info("Extraction complete", map[string]interface{}{
		"video_id": video.ID,
		"frames":   len(frames),
		"target":   target,
	})

	return frames, nil
}

// frameStub synthesizes a deterministic compressed payload for a frame.
// A platform decoder replaces this with real image data; everything
// downstream only needs bytes keyed by storage key.
func frameStub(ref *models.FrameRef) []byte {
	data := make([]byte, frameStubBytes)
	seed := byte(ref.Index) ^ byte(ref.TimestampMS)
	for i := range data {
		data[i] = seed + byte(i%251)
	}
	return data
}
