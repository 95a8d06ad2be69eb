package segmentstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "scribe.db")}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeAudio(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	return path
}

func TestSegmentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	if _, err := s.CreateRecording(ctx, "rec-1", time.Time{}); err != nil {
		t.Fatalf("create recording: %v", err)
	}
	seg, err := s.CreateSegment(ctx, "seg-1", "rec-1", writeAudio(t, "seg-1.wav"), 0, 30)
	if err != nil {
		t.Fatalf("create segment: %v", err)
	}
	if seg.State != SegmentPending {
		t.Fatalf("expected pending, got %s", seg.State)
	}

	if err := s.MarkUploading(ctx, seg.ID); err != nil {
		t.Fatalf("mark uploading: %v", err)
	}
	got, err := s.GetSegment(ctx, seg.ID)
	if err != nil {
		t.Fatalf("get segment: %v", err)
	}
	if got.State != SegmentUploading {
		t.Fatalf("expected uploading, got %s", got.State)
	}
	if got.LastAttemptAt.IsZero() {
		t.Fatal("expected last attempt time to be set")
	}

	if err := s.MarkTranscribed(ctx, seg.ID, "hello"); err != nil {
		t.Fatalf("mark transcribed: %v", err)
	}
	got, _ = s.GetSegment(ctx, seg.ID)
	if got.State != SegmentTranscribed || got.Transcript != "hello" {
		t.Fatalf("unexpected segment after success: %+v", got)
	}
}

func TestDuplicateIndexRejected(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	if _, err := s.CreateRecording(ctx, "rec-1", time.Time{}); err != nil {
		t.Fatalf("create recording: %v", err)
	}
	if _, err := s.CreateSegment(ctx, "seg-1", "rec-1", "a.wav", 0, 30); err != nil {
		t.Fatalf("create segment: %v", err)
	}
	if _, err := s.CreateSegment(ctx, "seg-2", "rec-1", "b.wav", 0, 30); err == nil {
		t.Fatal("expected unique index violation")
	}
}

func TestRecordRetry(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	s.CreateRecording(ctx, "rec-1", time.Time{})
	s.CreateSegment(ctx, "seg-1", "rec-1", "a.wav", 0, 30)

	for want := 1; want <= 3; want++ {
		got, err := s.RecordRetry(ctx, "seg-1")
		if err != nil {
			t.Fatalf("record retry: %v", err)
		}
		if got != want {
			t.Fatalf("expected retry count %d, got %d", want, got)
		}
	}
}

func TestFetchByState(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	s.CreateRecording(ctx, "rec-1", time.Time{})
	s.CreateSegment(ctx, "seg-1", "rec-1", "a.wav", 0, 30)
	s.CreateSegment(ctx, "seg-2", "rec-1", "b.wav", 1, 30)
	s.MarkUploading(ctx, "seg-2")

	pending, err := s.FetchByState(ctx, SegmentPending)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "seg-1" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
	uploading, err := s.FetchByState(ctx, SegmentUploading)
	if err != nil {
		t.Fatalf("fetch uploading: %v", err)
	}
	if len(uploading) != 1 || uploading[0].ID != "seg-2" {
		t.Fatalf("unexpected uploading set: %+v", uploading)
	}
}

func TestResetToPendingClearsTranscript(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	s.CreateRecording(ctx, "rec-1", time.Time{})
	s.CreateSegment(ctx, "seg-1", "rec-1", "a.wav", 0, 30)
	s.MarkUploading(ctx, "seg-1")

	if err := s.ResetToPending(ctx, "seg-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _ := s.GetSegment(ctx, "seg-1")
	if got.State != SegmentPending || got.Transcript != "" {
		t.Fatalf("unexpected segment after reset: %+v", got)
	}
}

func TestAggregateAndFinish(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	s.CreateRecording(ctx, "rec-1", time.Time{})

	audioA := writeAudio(t, "a.wav")
	audioB := writeAudio(t, "b.wav")
	s.CreateSegment(ctx, "seg-1", "rec-1", audioA, 0, 30)
	s.CreateSegment(ctx, "seg-2", "rec-1", audioB, 1, 30)

	// Not ready: recording still active.
	if _, err := s.AggregateAndFinish(ctx, "rec-1"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady for active recording, got %v", err)
	}

	if err := s.FinishRecording(ctx, "rec-1", 2, "standup"); err != nil {
		t.Fatalf("finish recording: %v", err)
	}

	// Not ready: segments not terminal.
	if _, err := s.AggregateAndFinish(ctx, "rec-1"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady for non-terminal segments, got %v", err)
	}

	// Terminal out of index order; aggregation must sort by index.
	s.MarkTranscribed(ctx, "seg-2", "world")
	s.MarkTranscribed(ctx, "seg-1", "hello")

	transcript, err := s.AggregateAndFinish(ctx, "rec-1")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if transcript != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", transcript)
	}

	rec, err := s.GetRecording(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get recording: %v", err)
	}
	if rec.Status != RecordingCompleted || rec.Transcript != "hello world" {
		t.Fatalf("unexpected recording: %+v", rec)
	}
	if rec.Title != "standup" {
		t.Fatalf("expected title set, got %q", rec.Title)
	}

	segments, _ := s.FetchSegments(ctx, "rec-1")
	if len(segments) != 0 {
		t.Fatalf("expected segment rows deleted, got %d", len(segments))
	}
	for _, p := range []string{audioA, audioB} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected audio file removed: %s", p)
		}
	}

	// Exactly once: a second call reports not ready.
	if _, err := s.AggregateAndFinish(ctx, "rec-1"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady after completion, got %v", err)
	}
}

func TestAggregateSkipsFailedSegments(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	s.CreateRecording(ctx, "rec-1", time.Time{})
	s.CreateSegment(ctx, "seg-1", "rec-1", "a.wav", 0, 30)
	s.CreateSegment(ctx, "seg-2", "rec-1", "b.wav", 1, 30)
	s.CreateSegment(ctx, "seg-3", "rec-1", "c.wav", 2, 30)
	s.FinishRecording(ctx, "rec-1", 3, "")

	s.MarkTranscribed(ctx, "seg-1", "hello")
	s.MarkFailed(ctx, "seg-2")
	s.MarkTranscribed(ctx, "seg-3", "world")

	transcript, err := s.AggregateAndFinish(ctx, "rec-1")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if transcript != "hello world" {
		t.Fatalf("expected failed segment skipped, got %q", transcript)
	}
}

func TestAggregateWaitsForFinalCount(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	s.CreateRecording(ctx, "rec-1", time.Time{})
	s.CreateSegment(ctx, "seg-1", "rec-1", "a.wav", 0, 30)
	s.FinishRecording(ctx, "rec-1", 2, "")
	s.MarkTranscribed(ctx, "seg-1", "hello")

	// One terminal segment, but the recording reported two.
	if _, err := s.AggregateAndFinish(ctx, "rec-1"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady with missing segment, got %v", err)
	}
}

func TestDeleteSegmentRemovesAudio(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	s.CreateRecording(ctx, "rec-1", time.Time{})
	audio := writeAudio(t, "a.wav")
	s.CreateSegment(ctx, "seg-1", "rec-1", audio, 0, 30)

	if err := s.DeleteSegment(ctx, "seg-1"); err != nil {
		t.Fatalf("delete segment: %v", err)
	}
	if _, err := s.GetSegment(ctx, "seg-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := os.Stat(audio); !os.IsNotExist(err) {
		t.Fatal("expected audio file removed")
	}
}

func TestDeleteRecordingCascades(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	s.CreateRecording(ctx, "rec-1", time.Time{})
	audio := writeAudio(t, "a.wav")
	s.CreateSegment(ctx, "seg-1", "rec-1", audio, 0, 30)

	if err := s.DeleteRecording(ctx, "rec-1"); err != nil {
		t.Fatalf("delete recording: %v", err)
	}
	segments, err := s.FetchSegments(ctx, "rec-1")
	if err != nil {
		t.Fatalf("fetch segments: %v", err)
	}
	if len(segments) != 0 {
		t.Fatalf("expected cascade delete, got %d segments", len(segments))
	}
	if _, err := os.Stat(audio); !os.IsNotExist(err) {
		t.Fatal("expected audio file removed")
	}
}
