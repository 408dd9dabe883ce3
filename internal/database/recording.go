package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jitcap/jitcap/internal/database/models"
)

// recordingRepo implements RecordingRepository.
type recordingRepo struct {
	db *DB
}

// NewRecordingRepository creates a new RecordingRepository.
func NewRecordingRepository(db *DB) RecordingRepository {
	return &recordingRepo{db: db}
}

// RecordingStarted opens the recording row. A refresh reuses the recording
// ID, so an existing row is reopened in place.
func (r *recordingRepo) RecordingStarted(ctx context.Context, id, room, dir string, startedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO recordings (id, room, output_dir, status, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, NULL)
		 ON CONFLICT(id) DO UPDATE SET
		   room = excluded.room,
		   output_dir = excluded.output_dir,
		   status = excluded.status,
		   started_at = excluded.started_at,
		   ended_at = NULL`,
		id, room, dir, models.StatusRecording, startedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting recording: %w", err)
	}
	return nil
}

// SegmentStarted appends a segment row beneath its recording.
func (r *recordingRepo) SegmentStarted(ctx context.Context, recordingID, dir string, startedAt time.Time, participants int) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO segments (recording_id, dir, participants, started_at)
		 VALUES (?, ?, ?, ?)`,
		recordingID, dir, participants, startedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting segment: %w", err)
	}
	return nil
}

// SegmentEnded closes the open segment row matching the directory.
func (r *recordingRepo) SegmentEnded(ctx context.Context, recordingID, dir string, endedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE segments SET ended_at = ?
		 WHERE recording_id = ? AND dir = ? AND ended_at IS NULL`,
		endedAt, recordingID, dir,
	)
	if err != nil {
		return fmt.Errorf("closing segment: %w", err)
	}
	return nil
}

// RecordingStopped closes the recording row.
func (r *recordingRepo) RecordingStopped(ctx context.Context, id string, endedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE recordings SET status = ?, ended_at = ? WHERE id = ?`,
		models.StatusStopped, endedAt, id,
	)
	if err != nil {
		return fmt.Errorf("closing recording: %w", err)
	}
	return nil
}

// GetByID returns a recording with its segment count, or nil when unknown.
func (r *recordingRepo) GetByID(ctx context.Context, id string) (*models.Recording, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, room, output_dir, status, started_at, ended_at,
		 (SELECT COUNT(*) FROM segments WHERE recording_id = recordings.id)
		 FROM recordings WHERE id = ?`, id,
	))
}

// List returns recordings matching the filter, newest first, along with the
// total count of matching rows.
func (r *recordingRepo) List(ctx context.Context, filter RecordingListFilter) ([]models.Recording, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Room != "" {
		where += " AND room = ?"
		args = append(args, filter.Room)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	// Count total matching rows.
	var total int
	countQuery := "SELECT COUNT(*) FROM recordings WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting recordings: %w", err)
	}

	// Fetch the page of results.
	query := `SELECT id, room, output_dir, status, started_at, ended_at,
		 (SELECT COUNT(*) FROM segments WHERE recording_id = recordings.id)
		 FROM recordings WHERE ` + where + ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing recordings: %w", err)
	}
	defer rows.Close()

	var recs []models.Recording
	for rows.Next() {
		var rec models.Recording
		if err := rows.Scan(&rec.ID, &rec.Room, &rec.OutputDir, &rec.Status,
			&rec.StartedAt, &rec.EndedAt, &rec.Segments); err != nil {
			return nil, 0, fmt.Errorf("scanning recording row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating recording rows: %w", err)
	}

	return recs, total, nil
}

// ListSegments returns a recording's segments in start order.
func (r *recordingRepo) ListSegments(ctx context.Context, recordingID string) ([]models.Segment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, recording_id, dir, participants, started_at, ended_at
		 FROM segments WHERE recording_id = ? ORDER BY started_at ASC, id ASC`,
		recordingID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing segments: %w", err)
	}
	defer rows.Close()

	var segs []models.Segment
	for rows.Next() {
		var s models.Segment
		if err := rows.Scan(&s.ID, &s.RecordingID, &s.Dir, &s.Participants,
			&s.StartedAt, &s.EndedAt); err != nil {
			return nil, fmt.Errorf("scanning segment row: %w", err)
		}
		segs = append(segs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating segment rows: %w", err)
	}

	return segs, nil
}

// CountByStatus returns recording counts grouped by status.
func (r *recordingRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM recordings GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting recordings by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status counts: %w", err)
	}

	return counts, nil
}

// MarkInterrupted closes rows a previous process left open. It runs once at
// startup, before any new recording starts, and returns how many recordings
// were affected.
func (r *recordingRepo) MarkInterrupted(ctx context.Context, endedAt time.Time) (int64, error) {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE segments SET ended_at = ? WHERE ended_at IS NULL`, endedAt,
	); err != nil {
		return 0, fmt.Errorf("closing orphaned segments: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE recordings SET status = ?, ended_at = ? WHERE status = ?`,
		models.StatusInterrupted, endedAt, models.StatusRecording,
	)
	if err != nil {
		return 0, fmt.Errorf("marking interrupted recordings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting interrupted recordings: %w", err)
	}
	return n, nil
}

func (r *recordingRepo) scanOne(row *sql.Row) (*models.Recording, error) {
	var rec models.Recording
	err := row.Scan(&rec.ID, &rec.Room, &rec.OutputDir, &rec.Status,
		&rec.StartedAt, &rec.EndedAt, &rec.Segments)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning recording: %w", err)
	}
	return &rec, nil
}
