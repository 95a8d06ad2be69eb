package segmentstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a recording or segment id does not exist.
var ErrNotFound = errors.New("segmentstore: not found")

// ErrNotReady is returned by AggregateAndFinish when the recording is
// still active, already completed, or has non-terminal segments.
var ErrNotReady = errors.New("segmentstore: recording not ready to aggregate")

// Store is the single source of truth for recordings and segments.
// Every mutation is durable before the call returns; the coordinator
// keeps no pipeline state that cannot be rebuilt from here.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the segment store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("segment store vacuum failed", slog.String("error", err.Error()))
		}
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS recordings (
    recording_id TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL,
    status TEXT NOT NULL,
    segment_count INTEGER NOT NULL DEFAULT 0,
    duration_sec REAL NOT NULL DEFAULT 0,
    title TEXT NOT NULL DEFAULT '',
    transcript TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS segments (
    segment_id TEXT PRIMARY KEY,
    recording_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    duration_sec REAL NOT NULL,
    audio_path TEXT NOT NULL,
    state TEXT NOT NULL,
    transcript TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_attempt_at TIMESTAMP,
    UNIQUE(recording_id, idx),
    FOREIGN KEY(recording_id) REFERENCES recordings(recording_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_segments_state ON segments(state);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateRecording inserts a recording in the active state.
func (s *Store) CreateRecording(ctx context.Context, id string, startedAt time.Time) (Recording, error) {
	if startedAt.IsZero() {
		startedAt = s.clock()
	}
	rec := Recording{ID: id, StartedAt: startedAt.UTC(), Status: RecordingActive}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings(recording_id, started_at, status) VALUES(?, ?, ?)`,
		rec.ID, rec.StartedAt, string(rec.Status))
	if err != nil {
		return Recording{}, fmt.Errorf("create recording: %w", err)
	}
	return rec, nil
}

// CreateSegment inserts a segment in the pending state. The (recording, index)
// pair is unique; a duplicate finalize notification fails here rather than
// producing a second row.
func (s *Store) CreateSegment(ctx context.Context, id, recordingID, audioPath string, index int, durationSec float64) (Segment, error) {
	seg := Segment{
		ID:          id,
		RecordingID: recordingID,
		Index:       index,
		CreatedAt:   s.clock().UTC(),
		DurationSec: durationSec,
		AudioPath:   audioPath,
		State:       SegmentPending,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO segments(segment_id, recording_id, idx, created_at, duration_sec, audio_path, state)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		seg.ID, seg.RecordingID, seg.Index, seg.CreatedAt, seg.DurationSec, seg.AudioPath, string(seg.State))
	if err != nil {
		return Segment{}, fmt.Errorf("create segment: %w", err)
	}
	return seg, nil
}

// MarkUploading transitions a segment to uploading and stamps the attempt time.
func (s *Store) MarkUploading(ctx context.Context, segmentID string) error {
	return s.exec(ctx,
		`UPDATE segments SET state = ?, last_attempt_at = ? WHERE segment_id = ?`,
		string(SegmentUploading), s.clock().UTC(), segmentID)
}

// MarkTranscribed stores the transcript and transitions the segment to
// its terminal transcribed state. The retry count is left as persisted.
func (s *Store) MarkTranscribed(ctx context.Context, segmentID, transcript string) error {
	return s.exec(ctx,
		`UPDATE segments SET state = ?, transcript = ? WHERE segment_id = ?`,
		string(SegmentTranscribed), transcript, segmentID)
}

// MarkFailed transitions the segment to its terminal failed state.
func (s *Store) MarkFailed(ctx context.Context, segmentID string) error {
	return s.exec(ctx,
		`UPDATE segments SET state = ? WHERE segment_id = ?`,
		string(SegmentFailed), segmentID)
}

// RecordRetry durably increments the retry count before the next attempt
// is scheduled, so a crash between attempts never loses the budget spent.
// It returns the new count.
func (s *Store) RecordRetry(ctx context.Context, segmentID string) (int, error) {
	err := s.exec(ctx,
		`UPDATE segments SET retry_count = retry_count + 1, last_attempt_at = ? WHERE segment_id = ?`,
		s.clock().UTC(), segmentID)
	if err != nil {
		return 0, err
	}
	var count int
	row := s.db.QueryRowContext(ctx, `SELECT retry_count FROM segments WHERE segment_id = ?`, segmentID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("read retry count: %w", err)
	}
	return count, nil
}

// ResetToPending re-arms a segment for processing without touching its
// retry budget. Used for uploading rows orphaned by a crash, where spent
// retries must survive the restart.
func (s *Store) ResetToPending(ctx context.Context, segmentID string) error {
	return s.exec(ctx,
		`UPDATE segments SET state = ?, transcript = '' WHERE segment_id = ?`,
		string(SegmentPending), segmentID)
}

// ResetForRetry re-arms a failed segment with a fresh retry budget.
// Used for explicit user-triggered re-drive.
func (s *Store) ResetForRetry(ctx context.Context, segmentID string) error {
	return s.exec(ctx,
		`UPDATE segments SET state = ?, transcript = '', retry_count = 0 WHERE segment_id = ?`,
		string(SegmentPending), segmentID)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSegment loads a single segment by id.
func (s *Store) GetSegment(ctx context.Context, segmentID string) (Segment, error) {
	rows, err := s.querySegments(ctx, `WHERE segment_id = ?`, segmentID)
	if err != nil {
		return Segment{}, err
	}
	if len(rows) == 0 {
		return Segment{}, ErrNotFound
	}
	return rows[0], nil
}

// FetchByState returns all segments in the given state, oldest first.
// Backed by the secondary index on state; this is the resume scan.
func (s *Store) FetchByState(ctx context.Context, state SegmentState) ([]Segment, error) {
	return s.querySegments(ctx, `WHERE state = ? ORDER BY created_at ASC, idx ASC`, string(state))
}

// FetchSegments returns all segments of a recording ordered by index.
func (s *Store) FetchSegments(ctx context.Context, recordingID string) ([]Segment, error) {
	return s.querySegments(ctx, `WHERE recording_id = ? ORDER BY idx ASC`, recordingID)
}

func (s *Store) querySegments(ctx context.Context, clause string, args ...any) ([]Segment, error) {
	query := `SELECT segment_id, recording_id, idx, created_at, duration_sec, audio_path, state, transcript, retry_count, last_attempt_at
	 FROM segments ` + clause
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

func scanSegment(rows *sql.Rows) (Segment, error) {
	var seg Segment
	var state, created string
	var lastAttempt sql.NullString
	if err := rows.Scan(&seg.ID, &seg.RecordingID, &seg.Index, &created, &seg.DurationSec,
		&seg.AudioPath, &state, &seg.Transcript, &seg.RetryCount, &lastAttempt); err != nil {
		return Segment{}, err
	}
	seg.State = SegmentState(state)
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		seg.CreatedAt = ts
	}
	if lastAttempt.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, lastAttempt.String); err == nil {
			seg.LastAttemptAt = ts
		}
	}
	return seg, nil
}

// GetRecording loads a recording by id.
func (s *Store) GetRecording(ctx context.Context, recordingID string) (Recording, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT recording_id, started_at, status, segment_count, duration_sec, title, transcript
		 FROM recordings WHERE recording_id = ?`, recordingID)
	var rec Recording
	var status, started string
	if err := row.Scan(&rec.ID, &started, &status, &rec.SegmentCount, &rec.DurationSec, &rec.Title, &rec.Transcript); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Recording{}, ErrNotFound
		}
		return Recording{}, err
	}
	rec.Status = RecordingStatus(status)
	if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
		rec.StartedAt = ts
	}
	return rec, nil
}

// FinishRecording marks a recording as recorded with its final segment count
// and cumulative duration. Aggregation becomes possible from this point.
func (s *Store) FinishRecording(ctx context.Context, recordingID string, segmentCount int, title string) error {
	return s.exec(ctx,
		`UPDATE recordings SET status = ?, segment_count = ?, title = CASE WHEN ? != '' THEN ? ELSE title END,
		 duration_sec = (SELECT COALESCE(SUM(duration_sec), 0) FROM segments WHERE recording_id = ?)
		 WHERE recording_id = ? AND status = ?`,
		string(RecordingRecorded), segmentCount, title, title, recordingID, recordingID, string(RecordingActive))
}

// DeleteSegment removes a segment row and its backing audio file.
func (s *Store) DeleteSegment(ctx context.Context, segmentID string) error {
	seg, err := s.GetSegment(ctx, segmentID)
	if err != nil {
		return err
	}
	if err := s.exec(ctx, `DELETE FROM segments WHERE segment_id = ?`, segmentID); err != nil {
		return err
	}
	s.removeAudio(seg.AudioPath)
	return nil
}

// DeleteRecording removes a recording, cascading to its segments and
// their audio files.
func (s *Store) DeleteRecording(ctx context.Context, recordingID string) error {
	segments, err := s.FetchSegments(ctx, recordingID)
	if err != nil {
		return err
	}
	if err := s.exec(ctx, `DELETE FROM recordings WHERE recording_id = ?`, recordingID); err != nil {
		return err
	}
	for _, seg := range segments {
		s.removeAudio(seg.AudioPath)
	}
	return nil
}

// AggregateAndFinish joins the transcripts of all transcribed segments in
// index order, marks the recording completed, and deletes the segment rows
// and their audio files. It succeeds at most once per recording: callers
// racing on the last terminal segment see ErrNotReady after the first commit.
func (s *Store) AggregateAndFinish(ctx context.Context, recordingID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT status, segment_count FROM recordings WHERE recording_id = ?`, recordingID)
	var status string
	var segmentCount int
	if err := row.Scan(&status, &segmentCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	if RecordingStatus(status) != RecordingRecorded {
		return "", ErrNotReady
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT segment_id, state, transcript, audio_path FROM segments WHERE recording_id = ? ORDER BY idx ASC`,
		recordingID)
	if err != nil {
		return "", err
	}
	type segRow struct {
		id, state, transcript, audioPath string
	}
	var segments []segRow
	for rows.Next() {
		var r segRow
		if err := rows.Scan(&r.id, &r.state, &r.transcript, &r.audioPath); err != nil {
			rows.Close()
			return "", err
		}
		segments = append(segments, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return "", err
	}
	rows.Close()

	if len(segments) < segmentCount {
		return "", ErrNotReady
	}
	var parts []string
	var audioPaths []string
	for _, r := range segments {
		if !SegmentState(r.state).Terminal() {
			return "", ErrNotReady
		}
		if SegmentState(r.state) == SegmentTranscribed && strings.TrimSpace(r.transcript) != "" {
			parts = append(parts, r.transcript)
		}
		audioPaths = append(audioPaths, r.audioPath)
	}
	transcript := strings.Join(parts, " ")

	if _, err := tx.ExecContext(ctx,
		`UPDATE recordings SET status = ?, transcript = ? WHERE recording_id = ?`,
		string(RecordingCompleted), transcript, recordingID); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE recording_id = ?`, recordingID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	for _, p := range audioPaths {
		s.removeAudio(p)
	}
	return transcript, nil
}

func (s *Store) removeAudio(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove audio file", slog.String("path", path), slog.String("error", err.Error()))
	}
}
