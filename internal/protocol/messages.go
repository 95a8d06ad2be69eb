package protocol

import "time"

// RecordingStarted announces a new capture session from the audio layer.
type RecordingStarted struct {
	RecordingID string    `json:"recording_id"`
	StartedAt   time.Time `json:"started_at"`
}

// SegmentFinalized is published by the audio layer once a segment's
// audio file has been fully written and will not change again.
type SegmentFinalized struct {
	SegmentID   string    `json:"segment_id,omitempty"`
	RecordingID string    `json:"recording_id"`
	AudioPath   string    `json:"audio_path"`
	Index       int       `json:"index"`
	DurationSec float64   `json:"duration_sec"`
	Timestamp   time.Time `json:"timestamp"`
}

// RecordingStopped carries the final segment count so the pipeline
// knows when a recording can aggregate.
type RecordingStopped struct {
	RecordingID  string    `json:"recording_id"`
	SegmentCount int       `json:"segment_count"`
	Title        string    `json:"title,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// SegmentStatus is broadcast on every persisted segment state change.
type SegmentStatus struct {
	SegmentID   string    `json:"segment_id"`
	RecordingID string    `json:"recording_id"`
	State       string    `json:"state"`
	Transcript  string    `json:"transcript,omitempty"`
	RetryCount  int       `json:"retry_count"`
	Timestamp   time.Time `json:"timestamp"`
}

// RecordingCompleted is broadcast once per recording after aggregation.
type RecordingCompleted struct {
	RecordingID string    `json:"recording_id"`
	Transcript  string    `json:"transcript"`
	Timestamp   time.Time `json:"timestamp"`
}

// PipelineError surfaces classified failures to observers.
type PipelineError struct {
	SegmentID   string    `json:"segment_id,omitempty"`
	RecordingID string    `json:"recording_id,omitempty"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectRecordingStarted   = "scribe.recording.started"
	SubjectSegmentFinalized   = "scribe.segment.finalized"
	SubjectRecordingStopped   = "scribe.recording.stopped"
	SubjectSegmentStatus      = "scribe.segment.status"
	SubjectRecordingCompleted = "scribe.recording.completed"
	SubjectPipelineError      = "scribe.error"
)
