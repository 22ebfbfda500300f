package models

import "time"

// FrameRef is a lightweight descriptor of one sampled video frame. Created in
// bulk by the extractor, mutated in place by the chunk that owns it; never
// shared between concurrent chunks.
type FrameRef struct {
	VideoID     string        `json:"video_id"`
	Index       int           `json:"index"`
	TimestampMS int64         `json:"timestamp_ms"`
	StorageKey  string        `json:"storage_key,omitempty"` // assigned once materialized
	Processed   bool          `json:"processed"`
	Duration    time.Duration `json:"duration,omitempty"` // processing duration
	Error       string        `json:"error,omitempty"`
}

// Failed reports whether the frame was attempted and did not process
func (f *FrameRef) Failed() bool {
	return !f.Processed && f.Error != ""
}
