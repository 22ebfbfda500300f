package extract

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/psantana5/fitpipe/pkg/logging"
	"github.com/psantana5/fitpipe/pkg/models"
	"github.com/psantana5/fitpipe/pkg/scratch"
)

func quietLogger() *logging.Logger {
	l := logging.NewLogger(logging.ERROR, false)
	l.SetOutput(io.Discard)
	return l
}

func testVideo(duration float64) models.VideoRef {
	return models.VideoRef{
		ID:              "video-1",
		URI:             "file:///videos/squat.mp4",
		DurationSeconds: duration,
	}
}

func TestExtractTargetCount(t *testing.T) {
	tests := []struct {
		name     string
		duration float64
		tier     models.DeviceTier
		want     int
	}{
		{"10s low tier at 5fps", 10, models.TierLow, 50},
		{"10s medium tier at 10fps", 10, models.TierMedium, 100},
		{"10s high tier at 15fps", 10, models.TierHigh, 150},
		{"long video capped on high tier", 120, models.TierHigh, models.MaxExtractedFrames},
		{"sub-second video still yields one frame", 0.1, models.TierLow, 1},
	}

	e := NewSampledExtractor(nil, nil, quietLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := models.ParamsForTier(tt.tier)
			frames, err := e.Extract(context.Background(), testVideo(tt.duration), tt.duration, params, nil)
			if err != nil {
				t.Fatalf("Extract failed: %v", err)
			}
			if len(frames) != tt.want {
				t.Errorf("Expected %d frames, got %d", tt.want, len(frames))
			}
		})
	}
}

func TestExtractFrameShape(t *testing.T) {
	e := NewSampledExtractor(nil, nil, quietLogger())
	params := models.ParamsForTier(models.TierMedium)

	frames, err := e.Extract(context.Background(), testVideo(10), 10, params, nil)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	var lastTS int64 = -1
	for i, f := range frames {
		if f.Index != i {
			t.Errorf("Frame %d has index %d", i, f.Index)
		}
		if f.TimestampMS <= lastTS {
			t.Errorf("Timestamps not strictly increasing at frame %d: %d <= %d", i, f.TimestampMS, lastTS)
		}
		lastTS = f.TimestampMS
		if f.VideoID != "video-1" {
			t.Errorf("Frame %d has wrong video id %s", i, f.VideoID)
		}
		if f.StorageKey == "" {
			t.Errorf("Frame %d has no storage key", i)
		}
	}
}

func TestExtractZeroDurationFails(t *testing.T) {
	e := NewSampledExtractor(nil, nil, quietLogger())
	params := models.ParamsForTier(models.TierMedium)

	_, err := e.Extract(context.Background(), testVideo(0), 0, params, nil)
	if err == nil {
		t.Fatal("Expected error for zero-duration video")
	}
	if models.TypeOf(err) != models.ErrorTypeExtraction {
		t.Errorf("Expected extraction error, got %v", models.TypeOf(err))
	}
	// Extraction failures are terminal, the job must not be retried
	if models.IsRetryable(err) {
		t.Error("Extraction error must not be retryable")
	}
}

func TestExtractProbeOverridesDeclaredDuration(t *testing.T) {
	probe := func(ctx context.Context, video models.VideoRef) (float64, error) {
		return 4, nil
	}
	e := NewSampledExtractor(probe, nil, quietLogger())
	params := models.ParamsForTier(models.TierLow)

	// Caller claims 100s but the probe finds 4s
	frames, err := e.Extract(context.Background(), testVideo(100), 100, params, nil)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(frames) != 20 {
		t.Errorf("Expected 20 frames from probed 4s at 5fps, got %d", len(frames))
	}
}

func TestExtractCorruptVideoFails(t *testing.T) {
	probe := func(ctx context.Context, video models.VideoRef) (float64, error) {
		return 0, errors.New("moov atom not found")
	}
	e := NewSampledExtractor(probe, nil, quietLogger())
	params := models.ParamsForTier(models.TierMedium)

	_, err := e.Extract(context.Background(), testVideo(10), 10, params, nil)
	if err == nil {
		t.Fatal("Expected error for corrupt video")
	}
	if models.TypeOf(err) != models.ErrorTypeExtraction {
		t.Errorf("Expected extraction error, got %v", models.TypeOf(err))
	}
}

func TestExtractReportsProgress(t *testing.T) {
	e := NewSampledExtractor(nil, nil, quietLogger())
	params := models.ParamsForTier(models.TierMedium)

	var calls [][2]int
	onProgress := func(discovered, target int) {
		calls = append(calls, [2]int{discovered, target})
	}

	frames, err := e.Extract(context.Background(), testVideo(10), 10, params, onProgress)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if len(calls) == 0 {
		t.Fatal("Expected progress callbacks")
	}
	last := calls[len(calls)-1]
	if last[0] != len(frames) {
		t.Errorf("Final progress %d does not match frame count %d", last[0], len(frames))
	}
	// Progress must be monotonic
	for i := 1; i < len(calls); i++ {
		if calls[i][0] < calls[i-1][0] {
			t.Errorf("Progress went backwards: %d after %d", calls[i][0], calls[i-1][0])
		}
	}
}

func TestExtractStagesPayloads(t *testing.T) {
	sc := scratch.NewMem()
	e := NewSampledExtractor(nil, sc, quietLogger())
	params := models.ParamsForTier(models.TierLow)

	frames, err := e.Extract(context.Background(), testVideo(4), 4, params, nil)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if sc.Len() != len(frames) {
		t.Errorf("Expected %d staged payloads, got %d", len(frames), sc.Len())
	}
	for _, f := range frames {
		data, err := sc.Read(f.StorageKey)
		if err != nil {
			t.Fatalf("Payload missing for %s: %v", f.StorageKey, err)
		}
		if len(data) == 0 {
			t.Errorf("Empty payload for %s", f.StorageKey)
		}
	}
}

func TestExtractCancellation(t *testing.T) {
	e := NewSampledExtractor(nil, nil, quietLogger())
	params := models.ParamsForTier(models.TierHigh)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Extract(ctx, testVideo(30), 30, params, nil)
	if err == nil {
		t.Fatal("Expected error from cancelled context")
	}
	if !models.IsCancelled(err) {
		t.Errorf("Expected cancellation error, got %v", err)
	}
}
