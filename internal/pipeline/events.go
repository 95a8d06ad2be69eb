package pipeline

import "github.com/loqalabs/loqa-scribe/internal/segmentstore"

// Events is the coordinator's outward-facing observer surface. All callbacks
// are invoked from pipeline goroutines and must not block for long.
type Events interface {
	SegmentStatusChanged(seg segmentstore.Segment)
	RecordingCompleted(recordingID, transcript string)
	PipelineError(segmentID, recordingID, kind string, err error)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) SegmentStatusChanged(segmentstore.Segment)   {}
func (NopEvents) RecordingCompleted(string, string)           {}
func (NopEvents) PipelineError(string, string, string, error) {}
