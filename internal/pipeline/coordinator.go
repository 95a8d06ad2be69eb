package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/segmentstore"
	"github.com/loqalabs/loqa-scribe/internal/transcriber"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Error kinds surfaced through Events beyond the transcriber's own.
const (
	ErrKindStorageIO        = "storage_io"
	ErrKindExhaustedRetries = "exhausted_retries"
)

// Coordinator drives each segment through the pipeline state machine:
// admission, the network call, retries with backoff, the terminal store
// write, and the opportunistic aggregation check afterwards. It holds no
// state that cannot be rebuilt from the store.
type Coordinator struct {
	cfg     config.PipelineConfig
	store   *segmentstore.Store
	client  transcriber.Client
	limiter *Limiter
	events  Events
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// active is the admission set: one goroutine per segment id at any
	// instant. The check-and-insert under mu is the single mutual
	// exclusion boundary of the pipeline.
	mu     sync.Mutex
	active map[string]struct{}

	online atomic.Bool

	transcribedTotal metric.Int64Counter
	failedTotal      metric.Int64Counter
	retriesTotal     metric.Int64Counter
	inflight         metric.Int64UpDownCounter
}

func NewCoordinator(parent context.Context, cfg config.PipelineConfig, store *segmentstore.Store, client transcriber.Client, events Events, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	if events == nil {
		events = NopEvents{}
	}
	c := &Coordinator{
		cfg:     cfg,
		store:   store,
		client:  client,
		limiter: NewLimiter(cfg.Concurrency),
		events:  events,
		log:     logger.With(slog.String("component", "pipeline")),
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[string]struct{}),
	}
	c.online.Store(true)
	c.initMetrics()
	return c
}

func (c *Coordinator) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/internal/pipeline")
	var err error
	if c.transcribedTotal, err = meter.Int64Counter("scribe.segments.transcribed"); err != nil {
		c.log.Warn("failed to create metric", slogError(err))
		c.transcribedTotal, _ = noop.Meter{}.Int64Counter("")
	}
	if c.failedTotal, err = meter.Int64Counter("scribe.segments.failed"); err != nil {
		c.log.Warn("failed to create metric", slogError(err))
		c.failedTotal, _ = noop.Meter{}.Int64Counter("")
	}
	if c.retriesTotal, err = meter.Int64Counter("scribe.segment.retries"); err != nil {
		c.log.Warn("failed to create metric", slogError(err))
		c.retriesTotal, _ = noop.Meter{}.Int64Counter("")
	}
	if c.inflight, err = meter.Int64UpDownCounter("scribe.segments.inflight"); err != nil {
		c.log.Warn("failed to create metric", slogError(err))
		c.inflight, _ = noop.Meter{}.Int64UpDownCounter("")
	}
}

// Start recovers work left over from a previous run: uploading rows are
// orphans of a crash mid-transcription (no partial result was persisted)
// and are reset to pending, then everything pending is enqueued.
func (c *Coordinator) Start() error {
	orphans, err := c.store.FetchByState(c.ctx, segmentstore.SegmentUploading)
	if err != nil {
		return fmt.Errorf("scan orphaned segments: %w", err)
	}
	for _, seg := range orphans {
		if c.isActive(seg.ID) {
			continue
		}
		if err := c.store.ResetToPending(c.ctx, seg.ID); err != nil {
			return fmt.Errorf("reset orphaned segment %s: %w", seg.ID, err)
		}
		c.log.Info("reset orphaned segment", slog.String("segment_id", seg.ID))
	}
	return c.ResumeQueuedWork(c.ctx)
}

// Close stops intake and waits for in-flight segments to settle.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// ResumeQueuedWork scans the store for pending segments and enqueues each.
// It is idempotent: segments already tracked as in-flight are skipped by
// the admission set, so calling it repeatedly never double-processes.
func (c *Coordinator) ResumeQueuedWork(ctx context.Context) error {
	pending, err := c.store.FetchByState(ctx, segmentstore.SegmentPending)
	if err != nil {
		return fmt.Errorf("scan pending segments: %w", err)
	}
	for _, seg := range pending {
		c.Enqueue(seg)
	}
	return nil
}

// Enqueue admits a segment into the pipeline. A segment id already being
// processed is ignored; admission is exactly-once at any instant.
func (c *Coordinator) Enqueue(seg segmentstore.Segment) {
	c.mu.Lock()
	if _, ok := c.active[seg.ID]; ok {
		c.mu.Unlock()
		return
	}
	c.active[seg.ID] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.deactivate(seg.ID)
		c.process(seg)
	}()
}

// RetrySegment explicitly re-drives a failed segment with a fresh retry
// budget. Failed segments are never retried automatically.
func (c *Coordinator) RetrySegment(ctx context.Context, segmentID string) error {
	seg, err := c.store.GetSegment(ctx, segmentID)
	if err != nil {
		return err
	}
	if seg.State != segmentstore.SegmentFailed {
		return fmt.Errorf("segment %s is %s; only failed segments can be retried", segmentID, seg.State)
	}
	if err := c.store.ResetForRetry(ctx, segmentID); err != nil {
		return err
	}
	seg.State = segmentstore.SegmentPending
	seg.Transcript = ""
	seg.RetryCount = 0
	c.Enqueue(seg)
	return nil
}

// SetOnline updates the connectivity view. New work is not admitted while
// offline (in-flight calls are left to fail and retry on their own); on
// the transition back online the pending backlog is re-enqueued.
func (c *Coordinator) SetOnline(online bool) {
	prev := c.online.Swap(online)
	if online == prev {
		return
	}
	if online {
		c.log.Info("connectivity restored, resuming queued work")
		if err := c.ResumeQueuedWork(c.ctx); err != nil {
			c.log.Warn("resume after reconnect failed", slogError(err))
		}
	} else {
		c.log.Info("connectivity lost, pausing intake")
	}
}

// CheckRecording runs the aggregation check for a recording. Called after
// every terminal segment transition and when a recording is reported stopped.
func (c *Coordinator) CheckRecording(recordingID string) {
	transcript, err := c.store.AggregateAndFinish(c.ctx, recordingID)
	if err != nil {
		if !errors.Is(err, segmentstore.ErrNotReady) && !errors.Is(err, segmentstore.ErrNotFound) {
			c.log.Warn("aggregation failed", slog.String("recording_id", recordingID), slogError(err))
		}
		return
	}
	c.log.Info("recording completed", slog.String("recording_id", recordingID))
	c.events.RecordingCompleted(recordingID, transcript)
}

func (c *Coordinator) isActive(segmentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[segmentID]
	return ok
}

func (c *Coordinator) deactivate(segmentID string) {
	c.mu.Lock()
	delete(c.active, segmentID)
	c.mu.Unlock()
}

func (c *Coordinator) process(seg segmentstore.Segment) {
	if !c.online.Load() {
		// Stays pending; re-enqueued on the next online transition.
		return
	}
	if err := c.limiter.Acquire(c.ctx); err != nil {
		return
	}
	defer c.limiter.Release()
	c.inflight.Add(c.ctx, 1)
	defer c.inflight.Add(c.ctx, -1)

	if err := c.store.MarkUploading(c.ctx, seg.ID); err != nil {
		c.storeWriteFailure(seg, err)
		return
	}
	seg.State = segmentstore.SegmentUploading
	c.events.SegmentStatusChanged(seg)

	audio, err := os.ReadFile(seg.AudioPath)
	if err != nil {
		// The payload is gone; there is nothing to retry.
		if c.fail(seg, ErrKindStorageIO, err) {
			c.CheckRecording(seg.RecordingID)
		}
		return
	}

	if c.transcribe(&seg, audio) {
		c.CheckRecording(seg.RecordingID)
	}
}

// transcribe runs the attempt loop for one admitted segment and reports
// whether the segment reached a terminal state.
func (c *Coordinator) transcribe(seg *segmentstore.Segment, audio []byte) bool {
	delay := newBackoff(c.cfg)
	for {
		result, err := c.client.Transcribe(c.ctx, audio)
		if err == nil {
			if err := c.store.MarkTranscribed(c.ctx, seg.ID, result.Text); err != nil {
				c.storeWriteFailure(*seg, err)
				return false
			}
			seg.State = segmentstore.SegmentTranscribed
			seg.Transcript = result.Text
			c.transcribedTotal.Add(c.ctx, 1)
			c.events.SegmentStatusChanged(*seg)
			c.log.Info("segment transcribed",
				slog.String("segment_id", seg.ID),
				slog.Int("retries", seg.RetryCount))
			return true
		}

		cerr := transcriber.Classify(err)
		if !cerr.Retryable() {
			return c.fail(*seg, string(cerr.Kind), cerr)
		}

		retries, rerr := c.store.RecordRetry(c.ctx, seg.ID)
		if rerr != nil {
			c.storeWriteFailure(*seg, rerr)
			return false
		}
		seg.RetryCount = retries
		c.retriesTotal.Add(c.ctx, 1)

		if retries >= c.cfg.MaxRetries {
			return c.fail(*seg, ErrKindExhaustedRetries, cerr)
		}

		wait := delay.NextBackOff()
		c.log.Warn("transcription attempt failed, backing off",
			slog.String("segment_id", seg.ID),
			slog.Int("retries", retries),
			slog.Duration("backoff", wait),
			slogError(cerr))
		select {
		case <-time.After(wait):
		case <-c.ctx.Done():
			// Shutdown mid-backoff; the uploading row is recovered as an
			// orphan on the next start.
			return false
		}
	}
}

func (c *Coordinator) fail(seg segmentstore.Segment, kind string, cause error) bool {
	if err := c.store.MarkFailed(c.ctx, seg.ID); err != nil {
		c.storeWriteFailure(seg, err)
		return false
	}
	seg.State = segmentstore.SegmentFailed
	seg.Transcript = ""
	c.failedTotal.Add(c.ctx, 1)
	c.events.SegmentStatusChanged(seg)
	c.events.PipelineError(seg.ID, seg.RecordingID, kind, cause)
	c.log.Warn("segment failed",
		slog.String("segment_id", seg.ID),
		slog.String("kind", kind),
		slogError(cause))
	return true
}

// storeWriteFailure is the severe path: a transition that could not be
// persisted risks an at-least-once duplicate on restart. Log loudly and
// surface it, but never crash the pipeline.
func (c *Coordinator) storeWriteFailure(seg segmentstore.Segment, err error) {
	c.log.Error("failed to persist segment transition",
		slog.String("segment_id", seg.ID),
		slogError(err))
	c.events.PipelineError(seg.ID, seg.RecordingID, ErrKindStorageIO, err)
}

func newBackoff(cfg config.PipelineConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(cfg.BackoffBase) * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(cfg.BackoffCap) * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
