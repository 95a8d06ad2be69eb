package segmentstore

import "time"

// RecordingStatus tracks a recording through its lifecycle.
type RecordingStatus string

const (
	RecordingActive    RecordingStatus = "recording"
	RecordingRecorded  RecordingStatus = "recorded"
	RecordingCompleted RecordingStatus = "completed"
)

// SegmentState is the persisted pipeline state of a single segment.
type SegmentState string

const (
	SegmentPending     SegmentState = "pending"
	SegmentUploading   SegmentState = "uploading"
	SegmentTranscribed SegmentState = "transcribed"
	SegmentFailed      SegmentState = "failed"
)

// Terminal reports whether no further automatic transition applies.
func (s SegmentState) Terminal() bool {
	return s == SegmentTranscribed || s == SegmentFailed
}

// Recording owns a set of segments. SegmentCount is zero until the
// audio layer reports the recording stopped with its final count.
type Recording struct {
	ID           string
	StartedAt    time.Time
	Status       RecordingStatus
	SegmentCount int
	DurationSec  float64
	Title        string
	Transcript   string
}

// Segment is one fixed-duration slice of a recording, transcribed
// independently of its siblings.
type Segment struct {
	ID            string
	RecordingID   string
	Index         int
	CreatedAt     time.Time
	DurationSec   float64
	AudioPath     string
	State         SegmentState
	Transcript    string
	RetryCount    int
	LastAttemptAt time.Time
}
