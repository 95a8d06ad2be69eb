package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/segmentstore"
	"github.com/nats-io/nats.go"
)

// Service is the pipeline's upstream edge: it consumes recording lifecycle
// and segment-finalized messages from the audio layer and feeds the store
// and coordinator. The pipeline never reaches back into audio capture.
type Service struct {
	store       *segmentstore.Store
	coordinator *pipeline.Coordinator
	bus         *bus.Client
	log         *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	subs        []*nats.Subscription
}

func NewService(parent context.Context, busClient *bus.Client, store *segmentstore.Store, coordinator *pipeline.Coordinator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		store:       store,
		coordinator: coordinator,
		bus:         busClient,
		log:         logger.With(slog.String("component", "intake")),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Service) Start() error {
	subjects := map[string]nats.MsgHandler{
		protocol.SubjectRecordingStarted: s.handleRecordingStarted,
		protocol.SubjectSegmentFinalized: s.handleSegmentFinalized,
		protocol.SubjectRecordingStopped: s.handleRecordingStopped,
	}
	for subject, handler := range subjects {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		if sub != nil {
			_ = sub.Drain()
		}
	}
	s.subs = nil
}

func (s *Service) handleRecordingStarted(msg *nats.Msg) {
	var started protocol.RecordingStarted
	if err := json.Unmarshal(msg.Data, &started); err != nil {
		s.log.Warn("failed to decode recording started", slogError(err))
		return
	}
	if started.RecordingID == "" {
		started.RecordingID = uuid.NewString()
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	if _, err := s.store.CreateRecording(ctx, started.RecordingID, started.StartedAt); err != nil {
		s.log.Warn("failed to create recording",
			slog.String("recording_id", started.RecordingID), slogError(err))
		return
	}
	s.log.Info("recording started", slog.String("recording_id", started.RecordingID))
}

// handleSegmentFinalized creates the segment in pending the instant its
// audio file is final, then hands it to the coordinator for admission.
func (s *Service) handleSegmentFinalized(msg *nats.Msg) {
	var fin protocol.SegmentFinalized
	if err := json.Unmarshal(msg.Data, &fin); err != nil {
		s.log.Warn("failed to decode segment finalized", slogError(err))
		return
	}
	if fin.RecordingID == "" || fin.AudioPath == "" {
		s.log.Warn("segment finalized message missing recording id or audio path")
		return
	}
	if fin.SegmentID == "" {
		fin.SegmentID = uuid.NewString()
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	seg, err := s.store.CreateSegment(ctx, fin.SegmentID, fin.RecordingID, fin.AudioPath, fin.Index, fin.DurationSec)
	if err != nil {
		s.log.Warn("failed to create segment",
			slog.String("segment_id", fin.SegmentID),
			slog.String("recording_id", fin.RecordingID),
			slogError(err))
		return
	}
	s.log.Info("segment finalized",
		slog.String("segment_id", seg.ID),
		slog.String("recording_id", seg.RecordingID),
		slog.Int("index", seg.Index))
	s.coordinator.Enqueue(seg)
}

func (s *Service) handleRecordingStopped(msg *nats.Msg) {
	var stopped protocol.RecordingStopped
	if err := json.Unmarshal(msg.Data, &stopped); err != nil {
		s.log.Warn("failed to decode recording stopped", slogError(err))
		return
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.store.FinishRecording(ctx, stopped.RecordingID, stopped.SegmentCount, stopped.Title); err != nil {
		s.log.Warn("failed to finish recording",
			slog.String("recording_id", stopped.RecordingID), slogError(err))
		return
	}
	s.log.Info("recording stopped",
		slog.String("recording_id", stopped.RecordingID),
		slog.Int("segment_count", stopped.SegmentCount))
	// All segments may already be terminal by the time the stop arrives.
	s.coordinator.CheckRecording(stopped.RecordingID)
}

func (s *Service) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, 5*time.Second)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
