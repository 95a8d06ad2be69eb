package notify

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/segmentstore"
)

// Publisher broadcasts pipeline events on the bus for observers (the UI
// layer, other runtimes). It implements pipeline.Events.
type Publisher struct {
	bus *bus.Client
	log *slog.Logger
}

func NewPublisher(busClient *bus.Client, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus: busClient,
		log: logger.With(slog.String("component", "notify")),
	}
}

func (p *Publisher) SegmentStatusChanged(seg segmentstore.Segment) {
	p.publish(protocol.SubjectSegmentStatus, protocol.SegmentStatus{
		SegmentID:   seg.ID,
		RecordingID: seg.RecordingID,
		State:       string(seg.State),
		Transcript:  seg.Transcript,
		RetryCount:  seg.RetryCount,
		Timestamp:   time.Now().UTC(),
	})
}

func (p *Publisher) RecordingCompleted(recordingID, transcript string) {
	p.publish(protocol.SubjectRecordingCompleted, protocol.RecordingCompleted{
		RecordingID: recordingID,
		Transcript:  transcript,
		Timestamp:   time.Now().UTC(),
	})
}

func (p *Publisher) PipelineError(segmentID, recordingID, kind string, err error) {
	p.publish(protocol.SubjectPipelineError, protocol.PipelineError{
		SegmentID:   segmentID,
		RecordingID: recordingID,
		Kind:        kind,
		Message:     err.Error(),
		Timestamp:   time.Now().UTC(),
	})
}

func (p *Publisher) publish(subject string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Warn("failed to marshal event", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := p.bus.Conn().Publish(subject, data); err != nil {
		p.log.Warn("failed to publish event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
